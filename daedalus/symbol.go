package daedalus

import (
	"fmt"
	"reflect"
)

// Unset marks an absent address, parent or offset on a symbol.
const Unset = 0xFFFFFFFF

// DataType enumerates the types a symbol can have.
type DataType uint32

const (
	TypeVoid DataType = iota
	TypeFloat
	TypeInt
	TypeString
	TypeClass
	TypeFunc
	TypePrototype
	TypeInstance
)

var dataTypeNames = [...]string{
	"void", "float", "int", "string", "class", "function", "prototype", "instance",
}

func (t DataType) String() string {
	if int(t) < len(dataTypeNames) {
		return dataTypeNames[t]
	}
	return fmt.Sprintf("datatype(%d)", uint32(t))
}

// SymbolFlags is the bitset stored on every symbol.
type SymbolFlags uint32

const (
	FlagConst SymbolFlags = 1 << iota
	FlagReturn
	FlagMember
	FlagExternal
	FlagMerged
)

// InstanceData is embedded by every host type that backs a script instance
// symbol. It carries the back-pointer to the owning symbol as an index, so
// the instance-to-symbol edge is weak by construction.
type InstanceData struct {
	symbolIndex uint32 // stored off by one so the zero value means unbound
}

func (d *InstanceData) instanceData() *InstanceData { return d }

func (d *InstanceData) bind(index uint32) { d.symbolIndex = index + 1 }

// SymbolIndex returns the index of the symbol this instance is bound to,
// or Unset if the instance was never initialized through a VM.
func (d *InstanceData) SymbolIndex() uint32 {
	if d.symbolIndex == 0 {
		return Unset
	}
	return d.symbolIndex - 1
}

// Instance is implemented by pointers to host types embedding InstanceData.
type Instance interface {
	instanceData() *InstanceData
}

// memberAccess routes member reads and writes through closures installed at
// registration time. Exactly one of the three accessors is set, matching
// the symbol's data type.
type memberAccess struct {
	ints    func(ctx Instance) []int32
	floats  func(ctx Instance) []float32
	strings func(ctx Instance) []string
}

// symbolValue is the storage of a non-member value symbol. At most one of
// the fields is populated, keyed by the symbol's data type.
type symbolValue struct {
	ints     []int32
	floats   []float32
	strings  []string
	instance Instance
}

// Symbol is one compiled Daedalus symbol. Identity fields are immutable
// after parse; the host binding mutates exactly once at registration and
// the value of non-member globals mutates through assignment opcodes.
type Symbol struct {
	name      string
	index     uint32
	address   uint32
	parent    uint32
	count     uint32
	typ       DataType
	flags     SymbolFlags
	generated bool

	fileIndex uint32
	lineStart uint32
	lineCount uint32
	charStart uint32
	charCount uint32

	memberOffset uint32
	classOffset  uint32
	classSize    uint32
	returnType   DataType

	value symbolValue

	boundType reflect.Type
	access    memberAccess
}

// Name returns the name of the symbol.
func (s *Symbol) Name() string { return s.name }

// Index returns the dense index of the symbol.
func (s *Symbol) Index() uint32 { return s.index }

// Address returns the code address of the symbol, or Unset.
func (s *Symbol) Address() uint32 { return s.address }

// Parent returns the index of the parent symbol, or Unset.
func (s *Symbol) Parent() uint32 { return s.parent }

// Count returns the array arity of the symbol.
func (s *Symbol) Count() uint32 { return s.count }

// Type returns the data type of the symbol.
func (s *Symbol) Type() DataType { return s.typ }

// ReturnType returns the declared return type; meaningful for functions.
func (s *Symbol) ReturnType() DataType { return s.returnType }

// ClassSize returns the byte size of the class layout, or Unset.
func (s *Symbol) ClassSize() uint32 { return s.classSize }

// OffsetAsMember returns the byte offset of a member within the host
// struct, or Unset.
func (s *Symbol) OffsetAsMember() uint32 { return s.memberOffset }

// FileIndex returns the index of the source file the symbol came from.
func (s *Symbol) FileIndex() uint32 { return s.fileIndex }

// LineStart returns the first source line of the symbol.
func (s *Symbol) LineStart() uint32 { return s.lineStart }

// LineCount returns the number of source lines the symbol spans.
func (s *Symbol) LineCount() uint32 { return s.lineCount }

// CharStart returns the first source character of the symbol.
func (s *Symbol) CharStart() uint32 { return s.charStart }

// CharCount returns the number of source characters the symbol spans.
func (s *Symbol) CharCount() uint32 { return s.charCount }

// BoundType returns the host type a class symbol was registered with, or
// nil if the class was never bound.
func (s *Symbol) BoundType() reflect.Type { return s.boundType }

// IsConst reports whether the symbol is a constant.
func (s *Symbol) IsConst() bool { return s.flags&FlagConst != 0 }

// IsMember reports whether the symbol is a class member.
func (s *Symbol) IsMember() bool { return s.flags&FlagMember != 0 }

// IsExternal reports whether the symbol is an external function.
func (s *Symbol) IsExternal() bool { return s.flags&FlagExternal != 0 }

// IsMerged reports whether the symbol carries the merged flag. Its meaning
// is not known; the flag is carried through unchanged.
func (s *Symbol) IsMerged() bool { return s.flags&FlagMerged != 0 }

// IsGenerated reports whether the symbol was introduced by the compiler.
func (s *Symbol) IsGenerated() bool { return s.generated }

// HasReturn reports whether the symbol has a return value.
func (s *Symbol) HasReturn() bool { return s.flags&FlagReturn != 0 }

// memberSlice resolves the backing slice for a member access in the given
// context after checking the binding and the context type.
func memberSlice[T any](s *Symbol, ctx Instance, get func(Instance) []T) ([]T, error) {
	if get == nil {
		return nil, symbolError(ErrUnboundMember, s)
	}
	if ctx == nil {
		return nil, symbolError(ErrNoContext, s)
	}
	if got := reflect.TypeOf(ctx); got != s.boundType {
		return nil, fmt.Errorf("%w: %s bound to %v, context is %v", ErrWrongContextType, s.name, s.boundType, got)
	}
	return get(ctx), nil
}

func (s *Symbol) checkAccess(want DataType, index uint8) error {
	if s.typ != want && !(want == TypeInt && s.typ == TypeFunc) {
		return fmt.Errorf("%w: %s is %s, accessed as %s", ErrIllegalTypeAccess, s.name, s.typ, want)
	}
	if uint32(index) >= s.count {
		return fmt.Errorf("%w: %s[%d], count %d", ErrIllegalIndexAccess, s.name, index, s.count)
	}
	return nil
}

func slot[T any](s *Symbol, v []T, index uint8) (*T, error) {
	if int(index) >= len(v) {
		return nil, fmt.Errorf("%w: %s[%d] has no storage", ErrIllegalIndexAccess, s.name, index)
	}
	return &v[index], nil
}

// GetInt validates that the symbol is an int and retrieves its value in the
// given context. Function-typed symbols are readable as ints as well; the
// value is the callee's symbol index.
func (s *Symbol) GetInt(index uint8, ctx Instance) (int32, error) {
	if err := s.checkAccess(TypeInt, index); err != nil {
		return 0, err
	}
	if s.IsMember() {
		v, err := memberSlice(s, ctx, s.access.ints)
		if err != nil {
			return 0, err
		}
		p, err := slot(s, v, index)
		if err != nil {
			return 0, err
		}
		return *p, nil
	}
	p, err := slot(s, s.value.ints, index)
	if err != nil {
		return 0, err
	}
	return *p, nil
}

// SetInt validates that the symbol is an int and sets its value in the
// given context.
func (s *Symbol) SetInt(value int32, index uint8, ctx Instance) error {
	if err := s.checkAccess(TypeInt, index); err != nil {
		return err
	}
	if s.IsMember() {
		v, err := memberSlice(s, ctx, s.access.ints)
		if err != nil {
			return err
		}
		p, err := slot(s, v, index)
		if err != nil {
			return err
		}
		*p = value
		return nil
	}
	p, err := slot(s, s.value.ints, index)
	if err != nil {
		return err
	}
	*p = value
	return nil
}

// GetFloat validates that the symbol is a float and retrieves its value in
// the given context.
func (s *Symbol) GetFloat(index uint8, ctx Instance) (float32, error) {
	if err := s.checkAccess(TypeFloat, index); err != nil {
		return 0, err
	}
	if s.IsMember() {
		v, err := memberSlice(s, ctx, s.access.floats)
		if err != nil {
			return 0, err
		}
		p, err := slot(s, v, index)
		if err != nil {
			return 0, err
		}
		return *p, nil
	}
	p, err := slot(s, s.value.floats, index)
	if err != nil {
		return 0, err
	}
	return *p, nil
}

// SetFloat validates that the symbol is a float and sets its value in the
// given context.
func (s *Symbol) SetFloat(value float32, index uint8, ctx Instance) error {
	if err := s.checkAccess(TypeFloat, index); err != nil {
		return err
	}
	if s.IsMember() {
		v, err := memberSlice(s, ctx, s.access.floats)
		if err != nil {
			return err
		}
		p, err := slot(s, v, index)
		if err != nil {
			return err
		}
		*p = value
		return nil
	}
	p, err := slot(s, s.value.floats, index)
	if err != nil {
		return err
	}
	*p = value
	return nil
}

// GetString validates that the symbol is a string and retrieves its value
// in the given context.
func (s *Symbol) GetString(index uint8, ctx Instance) (string, error) {
	if err := s.checkAccess(TypeString, index); err != nil {
		return "", err
	}
	if s.IsMember() {
		v, err := memberSlice(s, ctx, s.access.strings)
		if err != nil {
			return "", err
		}
		p, err := slot(s, v, index)
		if err != nil {
			return "", err
		}
		return *p, nil
	}
	p, err := slot(s, s.value.strings, index)
	if err != nil {
		return "", err
	}
	return *p, nil
}

// SetString validates that the symbol is a string and sets its value in
// the given context.
func (s *Symbol) SetString(value string, index uint8, ctx Instance) error {
	if err := s.checkAccess(TypeString, index); err != nil {
		return err
	}
	if s.IsMember() {
		v, err := memberSlice(s, ctx, s.access.strings)
		if err != nil {
			return err
		}
		p, err := slot(s, v, index)
		if err != nil {
			return err
		}
		*p = value
		return nil
	}
	p, err := slot(s, s.value.strings, index)
	if err != nil {
		return err
	}
	*p = value
	return nil
}

// GetInstance returns the instance bound to the symbol, which may be nil.
func (s *Symbol) GetInstance() Instance { return s.value.instance }

// SetInstance binds the given instance to the symbol. Several symbols may
// share the same instance; the host object is never copied.
func (s *Symbol) SetInstance(inst Instance) {
	s.value.instance = inst
}

// IsInstanceOf reports whether the symbol currently holds an instance of
// the host type T.
func IsInstanceOf[T any, PT interface {
	*T
	Instance
}](s *Symbol) bool {
	if s.typ != TypeInstance || s.value.instance == nil {
		return false
	}
	_, ok := s.value.instance.(PT)
	return ok
}
