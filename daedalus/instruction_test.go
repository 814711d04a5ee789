package daedalus

import (
	"errors"
	"testing"

	"github.com/khorinis/zengin/bio"
)

func scriptWithCode(t *testing.T, code []byte) *Script {
	t.Helper()
	scr, err := ParseScript(bio.NewReader(buildScript(nil, code)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return scr
}

func TestDecodeSizes(t *testing.T) {
	var code asm
	code.op(OpAdd)             // 1 byte
	code.pushInt(-7)           // 5 bytes
	code.pushVar(3)            // 5 bytes
	code.jump(0x11223344)      // 5 bytes
	code.pushArrayVar(9, 2)    // 6 bytes
	code.ret()                 // 1 byte

	scr := scriptWithCode(t, code.buf)

	tests := []struct {
		addr uint32
		op   Opcode
		size uint8
	}{
		{0, OpAdd, 1},
		{1, OpPushInt, 5},
		{6, OpPushVar, 5},
		{11, OpJump, 5},
		{16, OpPushArrayVar, 6},
		{22, OpReturn, 1},
	}

	for _, tt := range tests {
		instr, err := scr.InstructionAt(tt.addr)
		if err != nil {
			t.Fatalf("decode at %d: %v", tt.addr, err)
		}
		if instr.Op != tt.op || instr.Size != tt.size {
			t.Errorf("at %d: op=%s size=%d, want op=%s size=%d", tt.addr, instr.Op, instr.Size, tt.op, tt.size)
		}
	}
}

func TestDecodeOperands(t *testing.T) {
	var code asm
	code.pushInt(-42)
	code.pushArrayVar(1234, 7)
	code.jumpIfZero(0xCAFE)

	scr := scriptWithCode(t, code.buf)

	instr, err := scr.InstructionAt(0)
	if err != nil || instr.Immediate != -42 {
		t.Errorf("push_int immediate = %d, %v", instr.Immediate, err)
	}

	instr, err = scr.InstructionAt(5)
	if err != nil || instr.Symbol != 1234 || instr.Index != 7 {
		t.Errorf("push_array_var = sym %d idx %d, %v", instr.Symbol, instr.Index, err)
	}

	instr, err = scr.InstructionAt(11)
	if err != nil || instr.Address != 0xCAFE {
		t.Errorf("jump_if_zero address = %#x, %v", instr.Address, err)
	}
}

// Walking the code segment by decoded sizes must visit every instruction
// and land exactly on the code size.
func TestDecodeWalk(t *testing.T) {
	var code asm
	code.pushInt(3)
	code.pushInt(4)
	code.op(OpAdd)
	code.jumpIfZero(16)
	code.ret()

	scr := scriptWithCode(t, code.buf)

	var pc uint32
	steps := 0
	for pc < scr.CodeSize() {
		instr, err := scr.InstructionAt(pc)
		if err != nil {
			t.Fatalf("decode at %d: %v", pc, err)
		}
		pc += uint32(instr.Size)
		steps++
	}

	if pc != scr.CodeSize() {
		t.Errorf("walk ended at %d, want %d", pc, scr.CodeSize())
	}
	if steps != 5 {
		t.Errorf("steps = %d, want 5", steps)
	}
}

func TestDecodeOutOfRange(t *testing.T) {
	scr := scriptWithCode(t, (&asm{}).ret().buf)

	if _, err := scr.InstructionAt(100); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("out-of-range decode: %v", err)
	}
	if _, err := scr.InstructionAt(scr.CodeSize()); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("one-past-end decode: %v", err)
	}
}

func TestDecodeTruncatedOperand(t *testing.T) {
	// A push_int opcode with only two operand bytes.
	scr := scriptWithCode(t, []byte{byte(OpPushInt), 0x01, 0x02})

	if _, err := scr.InstructionAt(0); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("truncated operand: %v", err)
	}
}

func TestOpcodeNames(t *testing.T) {
	if OpAdd.String() != "add" || OpPushArrayVar.String() != "push_array_var" {
		t.Error("opcode names broken")
	}
	if Opcode(200).String() != "opcode(200)" {
		t.Errorf("unknown opcode = %s", Opcode(200))
	}
}
