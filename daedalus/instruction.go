package daedalus

import "fmt"

// Opcode is a one-byte Daedalus bytecode operation.
type Opcode uint8

const (
	OpAdd             Opcode = 0   // a + b
	OpSub             Opcode = 1   // a - b
	OpMul             Opcode = 2   // a * b
	OpDiv             Opcode = 3   // a / b
	OpMod             Opcode = 4   // a % b
	OpBitOr           Opcode = 5   // a | b
	OpBitAnd          Opcode = 6   // a & b
	OpLess            Opcode = 7   // a < b
	OpGreater         Opcode = 8   // a > b
	OpAssignInt       Opcode = 9   // a = b
	OpOr              Opcode = 11  // a || b
	OpAnd             Opcode = 12  // a && b
	OpShiftLeft       Opcode = 13  // a << b
	OpShiftRight      Opcode = 14  // a >> b
	OpLessOrEqual     Opcode = 15  // a <= b
	OpEqual           Opcode = 16  // a == b
	OpNotEqual        Opcode = 17  // a != b
	OpGreaterOrEqual  Opcode = 18  // a >= b
	OpAssignAdd       Opcode = 19  // a += b
	OpAssignSub       Opcode = 20  // a -= b
	OpAssignMul       Opcode = 21  // a *= b
	OpAssignDiv       Opcode = 22  // a /= b
	OpPlus            Opcode = 30  // +a
	OpMinus           Opcode = 31  // -a
	OpNot             Opcode = 32  // !a
	OpComplement      Opcode = 33  // ~a
	OpNoop            Opcode = 45  //
	OpReturn          Opcode = 60  // end the current frame
	OpCall            Opcode = 61  // call the function at address
	OpCallExternal    Opcode = 62  // invoke the external for symbol
	OpPushInt         Opcode = 64  // push immediate
	OpPushVar         Opcode = 65  // push a reference to symbol
	OpPushInstance    Opcode = 67  // push a reference to an instance symbol
	OpAssignString    Opcode = 70  // ref := string
	OpAssignStringRef Opcode = 71  // unsupported by the engine
	OpAssignFunc      Opcode = 72  // ref := function index
	OpAssignFloat     Opcode = 73  // ref := float
	OpAssignInstance  Opcode = 74  // ref := instance
	OpJump            Opcode = 75  // pc := address
	OpJumpIfZero      Opcode = 76  // pop; jump when zero
	OpSetInstance     Opcode = 80  // context := symbol.instance
	OpPushArrayVar    Opcode = 245 // push a reference with a subscript
)

var opcodeNames = map[Opcode]string{
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpMod: "mod",
	OpBitOr: "bitor", OpBitAnd: "bitand", OpLess: "lt", OpGreater: "gt",
	OpAssignInt: "assign_int", OpOr: "or", OpAnd: "and",
	OpShiftLeft: "lsl", OpShiftRight: "lsr", OpLessOrEqual: "le",
	OpEqual: "eq", OpNotEqual: "ne", OpGreaterOrEqual: "ge",
	OpAssignAdd: "assign_add", OpAssignSub: "assign_sub",
	OpAssignMul: "assign_mul", OpAssignDiv: "assign_div",
	OpPlus: "plus", OpMinus: "minus", OpNot: "not", OpComplement: "compl",
	OpNoop: "noop", OpReturn: "return", OpCall: "call",
	OpCallExternal: "call_external", OpPushInt: "push_int",
	OpPushVar: "push_var", OpPushInstance: "push_instance",
	OpAssignString: "assign_string", OpAssignStringRef: "assign_stringref",
	OpAssignFunc: "assign_func", OpAssignFloat: "assign_float",
	OpAssignInstance: "assign_instance", OpJump: "jump",
	OpJumpIfZero: "jump_if_zero", OpSetInstance: "set_instance",
	OpPushArrayVar: "push_array_var",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%d)", uint8(o))
}

// Instruction is a single decoded bytecode operation. Only the operands the
// opcode uses are meaningful; the others are zero.
type Instruction struct {
	Op        Opcode
	Address   uint32 // branch target or callee address
	Symbol    uint32 // symbol index operand
	Immediate int32  // literal operand
	Index     uint8  // array subscript operand
	Size      uint8  // encoded size in bytes: 1, 5 or 6
}

// InstructionAt decodes the instruction at the given code address.
// Decoding is a pure function of the code segment and the address.
func (s *Script) InstructionAt(address uint32) (Instruction, error) {
	var instr Instruction
	if address >= uint32(s.code.Limit()) {
		return instr, fmt.Errorf("%w: %#x", ErrInvalidAddress, address)
	}
	if err := s.code.Seek(int(address)); err != nil {
		return instr, fmt.Errorf("%w: %#x", ErrInvalidAddress, address)
	}

	op, err := s.code.ReadUint8()
	if err != nil {
		return instr, fmt.Errorf("%w: %#x", ErrInvalidAddress, address)
	}
	instr.Op = Opcode(op)
	instr.Size = 1

	fail := func(err error) (Instruction, error) {
		return instr, fmt.Errorf("%w: truncated %s at %#x", ErrInvalidAddress, instr.Op, address)
	}

	switch instr.Op {
	case OpCall, OpJump, OpJumpIfZero:
		if instr.Address, err = s.code.ReadUint32(); err != nil {
			return fail(err)
		}
		instr.Size += 4
	case OpPushInt:
		if instr.Immediate, err = s.code.ReadInt32(); err != nil {
			return fail(err)
		}
		instr.Size += 4
	case OpCallExternal, OpPushVar, OpPushInstance, OpSetInstance:
		if instr.Symbol, err = s.code.ReadUint32(); err != nil {
			return fail(err)
		}
		instr.Size += 4
	case OpPushArrayVar:
		if instr.Symbol, err = s.code.ReadUint32(); err != nil {
			return fail(err)
		}
		if instr.Index, err = s.code.ReadUint8(); err != nil {
			return fail(err)
		}
		instr.Size += 5
	}

	return instr, nil
}
