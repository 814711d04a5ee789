package daedalus

import (
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/khorinis/zengin/bio"
)

// temporaryStringsSymbol is the generated scratch symbol appended to every
// parsed script. The VM routes string pushes through it.
const temporaryStringsSymbol = "$PHOENIX_FAKE_STRINGS"

// Script is a parsed compiled Daedalus script: the symbol table plus the
// opaque code segment. It is immutable after parse except for the host
// member bindings.
type Script struct {
	version uint8
	symbols []Symbol

	byName    map[string]uint32
	byAddress map[uint32]uint32

	code *bio.Reader

	closer io.Closer
}

// ParseScriptFile memory-maps the file at path and parses it as a compiled
// script. Close releases the mapping.
func ParseScriptFile(path string) (*Script, error) {
	f, err := bio.MapFile(path)
	if err != nil {
		return nil, err
	}

	scr, err := ParseScript(f.Reader)
	if err != nil {
		f.Close()
		return nil, err
	}
	scr.closer = f
	return scr, nil
}

// ParseScript parses a compiled Daedalus script from the given reader.
func ParseScript(r *bio.Reader) (*Script, error) {
	scr := &Script{
		byName:    make(map[string]uint32),
		byAddress: make(map[uint32]uint32),
	}

	version, err := r.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAScript, err)
	}
	scr.version = version

	// The sort-order table only feeds the by-name index, which is rebuilt
	// from the records themselves. The on-disk record order is what defines
	// symbol indices.
	hint, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAScript, err)
	}
	if err := r.Skip(int(hint) * 4); err != nil {
		return nil, fmt.Errorf("%w: sort table: %v", ErrNotAScript, err)
	}

	count, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: symbol count: %v", ErrNotAScript, err)
	}

	scr.symbols = make([]Symbol, 0, count+1)
	for i := uint32(0); i < count; i++ {
		sym, err := parseSymbol(r)
		if err != nil {
			return nil, fmt.Errorf("symbol %d: %w", i, err)
		}
		sym.index = i
		scr.symbols = append(scr.symbols, sym)
	}

	for i := range scr.symbols {
		sym := &scr.symbols[i]
		if sym.name != "" {
			scr.byName[sym.name] = sym.index
		}
		switch sym.typ {
		case TypeFunc, TypePrototype, TypeInstance:
			if sym.address != Unset {
				scr.byAddress[sym.address] = sym.index
			}
		}
	}

	codeSize, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("code size: %w", err)
	}
	code, err := r.Slice(int(codeSize))
	if err != nil {
		return nil, fmt.Errorf("code segment: %w", err)
	}
	scr.code = code

	scr.addTemporaryStringsSymbol()
	return scr, nil
}

// parseSymbol reads one symbol record.
func parseSymbol(r *bio.Reader) (Symbol, error) {
	sym := Symbol{
		address:      Unset,
		parent:       Unset,
		memberOffset: Unset,
		classOffset:  Unset,
		classSize:    Unset,
	}

	hasName, err := r.ReadUint32()
	if err != nil {
		return sym, err
	}
	if hasName != 0 {
		name, err := r.ReadLine(false)
		if err != nil {
			return sym, fmt.Errorf("name: %w", err)
		}
		sym.name = deobfuscateName(name)
	}

	valueOrOffset, err := r.ReadUint32()
	if err != nil {
		return sym, err
	}

	packed, err := r.ReadUint32()
	if err != nil {
		return sym, err
	}
	sym.count = packed & 0xFFF
	sym.typ = DataType((packed >> 12) & 0xF)
	sym.flags = SymbolFlags((packed >> 16) & 0x3F)

	// The first fixed word is shared: member offset for members, class data
	// offset for classes, declared return type for code symbols.
	switch {
	case sym.IsMember():
		sym.memberOffset = valueOrOffset
	case sym.typ == TypeClass:
		sym.classOffset = valueOrOffset
	case sym.typ == TypeFunc || sym.typ == TypePrototype || sym.typ == TypeInstance:
		if sym.HasReturn() {
			sym.returnType = DataType(valueOrOffset)
		}
	}

	for _, dst := range []*uint32{&sym.fileIndex, &sym.lineStart, &sym.lineCount, &sym.charStart, &sym.charCount} {
		if *dst, err = r.ReadUint32(); err != nil {
			return sym, err
		}
	}

	if sym.typ == TypeClass {
		if sym.classSize, err = r.ReadUint32(); err != nil {
			return sym, err
		}
	}

	switch sym.typ {
	case TypeFunc, TypePrototype, TypeInstance:
		if sym.address, err = r.ReadUint32(); err != nil {
			return sym, err
		}
	case TypeFloat:
		if !sym.IsMember() {
			sym.value.floats = make([]float32, sym.count)
			for i := range sym.value.floats {
				if sym.value.floats[i], err = r.ReadFloat32(); err != nil {
					return sym, err
				}
			}
		}
	case TypeInt:
		if !sym.IsMember() {
			sym.value.ints = make([]int32, sym.count)
			for i := range sym.value.ints {
				if sym.value.ints[i], err = r.ReadInt32(); err != nil {
					return sym, err
				}
			}
		}
	case TypeString:
		if !sym.IsMember() {
			sym.value.strings = make([]string, sym.count)
			for i := range sym.value.strings {
				if sym.value.strings[i], err = r.ReadLine(false); err != nil {
					return sym, err
				}
			}
		}
	}

	if sym.parent, err = r.ReadUint32(); err != nil {
		return sym, err
	}

	return sym, nil
}

// deobfuscateName undoes the byte-wise XOR-0xFF obfuscation found in some
// localized script files. Obfuscated names consist entirely of high bytes;
// plain names are returned unchanged.
func deobfuscateName(name string) string {
	if name == "" {
		return name
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x80 {
			return name
		}
	}
	b := []byte(name)
	for i := range b {
		b[i] ^= 0xFF
	}
	return string(b)
}

// addTemporaryStringsSymbol appends the generated scratch string symbol.
func (s *Script) addTemporaryStringsSymbol() *Symbol {
	sym := Symbol{
		name:         temporaryStringsSymbol,
		generated:    true,
		typ:          TypeString,
		count:        1,
		index:        uint32(len(s.symbols)),
		address:      Unset,
		parent:       Unset,
		memberOffset: Unset,
		classOffset:  Unset,
		classSize:    Unset,
	}
	sym.value.strings = make([]string, 1)

	s.symbols = append(s.symbols, sym)
	s.byName[sym.name] = sym.index
	return &s.symbols[sym.index]
}

// Close releases the memory mapping behind a script parsed from a file.
// It is a no-op for scripts parsed from a caller-owned reader.
func (s *Script) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Version returns the version byte of the script file.
func (s *Script) Version() uint8 { return s.version }

// Symbols returns all symbols of the script in index order.
func (s *Script) Symbols() []Symbol { return s.symbols }

// CodeSize returns the size of the code segment in bytes.
func (s *Script) CodeSize() uint32 { return uint32(s.code.Limit()) }

// SymbolByIndex retrieves the symbol with the given index, or nil.
func (s *Script) SymbolByIndex(index uint32) *Symbol {
	if index >= uint32(len(s.symbols)) {
		return nil
	}
	return &s.symbols[index]
}

// SymbolByName retrieves the symbol with the given name, or nil. Names are
// matched exactly as stored; the Daedalus convention is uppercase.
func (s *Script) SymbolByName(name string) *Symbol {
	idx, ok := s.byName[name]
	if !ok {
		return nil
	}
	return &s.symbols[idx]
}

// SymbolByAddress retrieves the code-carrying symbol at the given address,
// or nil.
func (s *Script) SymbolByAddress(address uint32) *Symbol {
	idx, ok := s.byAddress[address]
	if !ok {
		return nil
	}
	return &s.symbols[idx]
}

// SymbolByInstance finds the symbol the given instance is currently bound
// to, or nil.
func (s *Script) SymbolByInstance(inst Instance) *Symbol {
	if inst == nil {
		return nil
	}
	return s.SymbolByIndex(inst.instanceData().SymbolIndex())
}

// ParametersForFunction returns the parameter symbols declared for the
// given function symbol, in declaration order. Parameter symbols follow
// their function in the symbol table and point back to it via parent.
func (s *Script) ParametersForFunction(fn *Symbol) []*Symbol {
	params := make([]*Symbol, 0, fn.count)
	for i := uint32(0); i < fn.count; i++ {
		params = append(params, s.SymbolByIndex(fn.index+i+1))
	}
	return params
}

// EnumerateInstancesByClassName calls fn for every instance symbol that is
// a descendant of the class with the given name.
func (s *Script) EnumerateInstancesByClassName(name string, fn func(*Symbol)) {
	class := s.SymbolByName(name)
	if class == nil || class.typ != TypeClass {
		return
	}

	for i := range s.symbols {
		sym := &s.symbols[i]
		if sym.typ != TypeInstance {
			continue
		}

		// Walk the prototype chain up to the class.
		parent := s.SymbolByIndex(sym.parent)
		for parent != nil && parent.typ != TypeClass {
			parent = s.SymbolByIndex(parent.parent)
		}
		if parent == class {
			fn(sym)
		}
	}
}

// RegisterClass binds the class symbol with the given name to the host type
// T. Member registration binds the class implicitly; this entry point is
// for hosts that want the binding checked up front.
func RegisterClass[T any, PT interface {
	*T
	Instance
}](s *Script, name string) error {
	sym := s.SymbolByName(name)
	if sym == nil {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	if sym.typ != TypeClass {
		return symbolError(ErrNotAClass, sym)
	}
	return bindClass(sym, reflect.TypeOf(PT(nil)))
}

func bindClass(class *Symbol, typ reflect.Type) error {
	if class.boundType == nil {
		class.boundType = typ
		return nil
	}
	if class.boundType != typ {
		return fmt.Errorf("%w: %s is bound to %v", ErrParentConflict, class.name, class.boundType)
	}
	return nil
}

// RegisterMemberInt registers an accessor for an int (or func) member. The
// accessor returns the slice of host fields backing the member; it must
// cover at least the symbol's declared arity.
func RegisterMemberInt[T any, PT interface {
	*T
	Instance
}](s *Script, name string, field func(PT) []int32) error {
	sym, err := checkMember[T, PT](s, name, TypeInt)
	if err != nil {
		return err
	}
	if err := checkArity(sym, len(field(PT(new(T))))); err != nil {
		return err
	}
	sym.access.ints = func(ctx Instance) []int32 { return field(ctx.(PT)) }
	sym.boundType = reflect.TypeOf(PT(nil))
	return nil
}

// RegisterMemberFloat registers an accessor for a float member.
func RegisterMemberFloat[T any, PT interface {
	*T
	Instance
}](s *Script, name string, field func(PT) []float32) error {
	sym, err := checkMember[T, PT](s, name, TypeFloat)
	if err != nil {
		return err
	}
	if err := checkArity(sym, len(field(PT(new(T))))); err != nil {
		return err
	}
	sym.access.floats = func(ctx Instance) []float32 { return field(ctx.(PT)) }
	sym.boundType = reflect.TypeOf(PT(nil))
	return nil
}

// RegisterMemberString registers an accessor for a string member.
func RegisterMemberString[T any, PT interface {
	*T
	Instance
}](s *Script, name string, field func(PT) []string) error {
	sym, err := checkMember[T, PT](s, name, TypeString)
	if err != nil {
		return err
	}
	if err := checkArity(sym, len(field(PT(new(T))))); err != nil {
		return err
	}
	sym.access.strings = func(ctx Instance) []string { return field(ctx.(PT)) }
	sym.boundType = reflect.TypeOf(PT(nil))
	return nil
}

// checkMember validates a member registration: the symbol exists, is a
// member of a class, and matches the host data type. The parent class is
// bound to PT as a side effect. The arity is checked separately by
// checkArity.
func checkMember[T any, PT interface {
	*T
	Instance
}](s *Script, name string, want DataType) (*Symbol, error) {
	sym := s.SymbolByName(name)
	if sym == nil {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	if !sym.IsMember() {
		return nil, symbolError(ErrNotAMember, sym)
	}

	parent := s.SymbolByIndex(sym.parent)
	if parent == nil || parent.typ != TypeClass {
		return nil, fmt.Errorf("%w: %s has no class parent", ErrNotAMember, sym.name)
	}

	typ := reflect.TypeOf(PT(nil))
	if err := bindClass(parent, typ); err != nil {
		return nil, err
	}

	if sym.typ != want && !(want == TypeInt && sym.typ == TypeFunc) {
		return nil, fmt.Errorf("%w: %s is %s, registered as %s", ErrDataTypeMismatch, sym.name, sym.typ, want)
	}

	return sym, nil
}

// checkArity reports ErrArityMismatch when the host field provides fewer
// elements than the member declares. Callers obtain hostLen by probing a
// zero instance.
func checkArity(sym *Symbol, hostLen int) error {
	if uint32(hostLen) < sym.count {
		return fmt.Errorf("%w: %s declares %d elements, host provides %d", ErrArityMismatch, sym.name, sym.count, hostLen)
	}
	return nil
}

// SymbolsByClass returns the member symbols of the class with the given
// name, in declaration order.
func (s *Script) SymbolsByClass(name string) []*Symbol {
	class := s.SymbolByName(name)
	if class == nil || class.typ != TypeClass {
		return nil
	}

	members := make([]*Symbol, 0, class.count)
	for i := range s.symbols {
		sym := &s.symbols[i]
		if sym.IsMember() && sym.parent == class.index {
			members = append(members, sym)
		}
	}
	return members
}

// MemberName splits a qualified member name like C_NPC.NAME into its class
// and field parts.
func MemberName(qualified string) (class, field string, ok bool) {
	class, field, ok = strings.Cut(qualified, ".")
	return
}
