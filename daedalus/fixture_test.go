package daedalus

import (
	"encoding/binary"
	"math"
)

// symbolSpec describes one symbol record for handcrafted script fixtures.
type symbolSpec struct {
	name    string
	typ     DataType
	flags   SymbolFlags
	count   uint32
	address uint32
	parent  uint32
	rtype   DataType

	memberOffset uint32

	ints    []int32
	floats  []float32
	strings []string
}

// fixture assembles a compiled script file from symbol specs and a code
// segment, mirroring the on-disk decoder byte for byte.
type fixture struct {
	buf []byte
}

func (f *fixture) u8(v uint8)   { f.buf = append(f.buf, v) }
func (f *fixture) u32(v uint32) { f.buf = binary.LittleEndian.AppendUint32(f.buf, v) }
func (f *fixture) i32(v int32)  { f.u32(uint32(v)) }
func (f *fixture) f32(v float32) {
	f.u32(math.Float32bits(v))
}
func (f *fixture) line(s string) { f.buf = append(append(f.buf, s...), '\n') }

func buildScript(syms []symbolSpec, code []byte) []byte {
	var f fixture
	f.u8(50)    // version
	f.u32(0)    // no sort-order entries
	f.u32(uint32(len(syms)))

	for _, s := range syms {
		if s.name != "" {
			f.u32(1)
			f.line(s.name)
		} else {
			f.u32(0)
		}

		switch {
		case s.flags&FlagMember != 0:
			f.u32(s.memberOffset)
		case s.typ == TypeClass:
			f.u32(0)
		case s.typ == TypeFunc || s.typ == TypePrototype || s.typ == TypeInstance:
			f.u32(uint32(s.rtype))
		default:
			f.u32(0)
		}

		f.u32(s.count&0xFFF | uint32(s.typ)<<12 | uint32(s.flags)<<16)

		// source location
		f.u32(0)
		f.u32(0)
		f.u32(0)
		f.u32(0)
		f.u32(0)

		if s.typ == TypeClass {
			f.u32(64) // class size
		}

		switch s.typ {
		case TypeFunc, TypePrototype, TypeInstance:
			f.u32(s.address)
		case TypeInt:
			if s.flags&FlagMember == 0 {
				for i := uint32(0); i < s.count; i++ {
					var v int32
					if int(i) < len(s.ints) {
						v = s.ints[i]
					}
					f.i32(v)
				}
			}
		case TypeFloat:
			if s.flags&FlagMember == 0 {
				for i := uint32(0); i < s.count; i++ {
					var v float32
					if int(i) < len(s.floats) {
						v = s.floats[i]
					}
					f.f32(v)
				}
			}
		case TypeString:
			if s.flags&FlagMember == 0 {
				for i := uint32(0); i < s.count; i++ {
					var v string
					if int(i) < len(s.strings) {
						v = s.strings[i]
					}
					f.line(v)
				}
			}
		}

		// parent 0 means no parent; symbol 0 is never a parent in fixtures
		if s.parent == 0 {
			f.u32(Unset)
		} else {
			f.u32(s.parent)
		}
	}

	f.u32(uint32(len(code)))
	f.buf = append(f.buf, code...)
	return f.buf
}

// asm assembles a code segment.
type asm struct {
	buf []byte
}

func (a *asm) pc() uint32 { return uint32(len(a.buf)) }

func (a *asm) op(op Opcode) *asm {
	a.buf = append(a.buf, byte(op))
	return a
}

func (a *asm) opU32(op Opcode, v uint32) *asm {
	a.buf = append(a.buf, byte(op))
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
	return a
}

func (a *asm) pushInt(v int32) *asm         { return a.opU32(OpPushInt, uint32(v)) }
func (a *asm) pushVar(sym uint32) *asm      { return a.opU32(OpPushVar, sym) }
func (a *asm) callExternal(sym uint32) *asm { return a.opU32(OpCallExternal, sym) }
func (a *asm) call(addr uint32) *asm        { return a.opU32(OpCall, addr) }
func (a *asm) jump(addr uint32) *asm        { return a.opU32(OpJump, addr) }
func (a *asm) jumpIfZero(addr uint32) *asm  { return a.opU32(OpJumpIfZero, addr) }
func (a *asm) ret() *asm                    { return a.op(OpReturn) }

func (a *asm) pushArrayVar(sym uint32, index uint8) *asm {
	a.buf = append(a.buf, byte(OpPushArrayVar))
	a.buf = binary.LittleEndian.AppendUint32(a.buf, sym)
	a.buf = append(a.buf, index)
	return a
}
