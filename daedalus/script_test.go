package daedalus

import (
	"errors"
	"testing"

	"github.com/khorinis/zengin/bio"
)

type testNpc struct {
	InstanceData
	ID   [1]int32
	Name [5]string
}

type testItem struct {
	InstanceData
	Value [1]int32
}

// npcFixture builds a script with a C_NPC class, an ID and a NAME member,
// and one instance whose constructor writes both.
func npcFixture(t *testing.T) *Script {
	t.Helper()

	var code asm
	// STT_309_WHISTLER constructor:
	//   ID = 309
	//   NAME[0] = "Whistler"
	code.pushInt(309)
	code.pushArrayVar(2, 0) // C_NPC.ID
	code.op(OpAssignInt)
	code.pushVar(5) // const string "Whistler"
	code.pushArrayVar(3, 0) // C_NPC.NAME
	code.op(OpAssignString)
	code.ret()

	syms := []symbolSpec{
		{name: "INSTANCE_HELP", typ: TypeInstance, count: 0, address: Unset},
		{name: "C_NPC", typ: TypeClass, count: 2},
		{name: "C_NPC.ID", typ: TypeInt, flags: FlagMember, count: 1, parent: 1, memberOffset: 0},
		{name: "C_NPC.NAME", typ: TypeString, flags: FlagMember, count: 5, parent: 1, memberOffset: 4},
		{name: "STT_309_WHISTLER", typ: TypeInstance, flags: FlagConst, count: 0, address: 0, parent: 1},
		{name: "WHISTLER_NAME", typ: TypeString, flags: FlagConst, count: 1, strings: []string{"Whistler"}},
	}

	scr, err := ParseScript(bio.NewReader(buildScript(syms, code.buf)))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return scr
}

func TestParseSymbolTable(t *testing.T) {
	scr := npcFixture(t)

	// The parsed symbols plus the generated scratch symbol.
	if got := len(scr.Symbols()); got != 7 {
		t.Fatalf("symbol count = %d, want 7", got)
	}

	class := scr.SymbolByName("C_NPC")
	if class == nil || class.Type() != TypeClass {
		t.Fatalf("C_NPC = %+v", class)
	}
	if class.ClassSize() != 64 {
		t.Errorf("class size = %d, want 64", class.ClassSize())
	}

	member := scr.SymbolByName("C_NPC.NAME")
	if member == nil || !member.IsMember() {
		t.Fatalf("C_NPC.NAME = %+v", member)
	}
	if member.Count() != 5 {
		t.Errorf("NAME count = %d, want 5", member.Count())
	}
	if member.OffsetAsMember() != 4 {
		t.Errorf("NAME offset = %d, want 4", member.OffsetAsMember())
	}
	if member.Parent() != class.Index() {
		t.Errorf("NAME parent = %d, want %d", member.Parent(), class.Index())
	}

	str := scr.SymbolByName("WHISTLER_NAME")
	if str == nil || !str.IsConst() {
		t.Fatalf("WHISTLER_NAME = %+v", str)
	}
	if v, err := str.GetString(0, nil); err != nil || v != "Whistler" {
		t.Errorf("WHISTLER_NAME value = %q, %v", v, err)
	}
}

// Every symbol must be retrievable through its own index, and through its
// address when it carries one.
func TestSymbolLookupIdentity(t *testing.T) {
	scr := npcFixture(t)

	for i := range scr.Symbols() {
		sym := &scr.Symbols()[i]
		if got := scr.SymbolByIndex(sym.Index()); got != sym {
			t.Fatalf("SymbolByIndex(%d) = %v, want %v", sym.Index(), got, sym)
		}
		if sym.Address() == Unset {
			continue
		}
		switch sym.Type() {
		case TypeFunc, TypePrototype, TypeInstance:
			if got := scr.SymbolByAddress(sym.Address()); got != sym {
				t.Fatalf("SymbolByAddress(%#x) = %v, want %v", sym.Address(), got, sym)
			}
		}
	}
}

func TestGeneratedScratchSymbol(t *testing.T) {
	scr := npcFixture(t)

	scratch := scr.SymbolByName(temporaryStringsSymbol)
	if scratch == nil {
		t.Fatal("scratch symbol missing")
	}
	if !scratch.IsGenerated() {
		t.Error("scratch symbol not flagged generated")
	}
	if scratch.Type() != TypeString || scratch.Count() != 1 {
		t.Errorf("scratch symbol shape = %s[%d]", scratch.Type(), scratch.Count())
	}
	if scratch.Index() != uint32(len(scr.Symbols())-1) {
		t.Errorf("scratch symbol index = %d, want last", scratch.Index())
	}
}

func TestParseTruncated(t *testing.T) {
	full := buildScript([]symbolSpec{{name: "X", typ: TypeInt, count: 1}}, nil)
	for _, cut := range []int{0, 1, 5, 9, len(full) - 1} {
		if _, err := ParseScript(bio.NewReader(full[:cut])); err == nil {
			t.Errorf("parse of %d-byte prefix succeeded", cut)
		}
	}
}

func TestNameDeobfuscation(t *testing.T) {
	plain := "B_SAY"
	obfuscated := make([]byte, len(plain))
	for i := 0; i < len(plain); i++ {
		obfuscated[i] = plain[i] ^ 0xFF
	}

	if got := deobfuscateName(string(obfuscated)); got != plain {
		t.Errorf("deobfuscateName = %q, want %q", got, plain)
	}
	if got := deobfuscateName(plain); got != plain {
		t.Errorf("plain name changed to %q", got)
	}
}

func TestRegisterMembers(t *testing.T) {
	scr := npcFixture(t)

	err := RegisterMemberInt(scr, "C_NPC.ID", func(n *testNpc) []int32 { return n.ID[:] })
	if err != nil {
		t.Fatalf("register ID: %v", err)
	}
	err = RegisterMemberString(scr, "C_NPC.NAME", func(n *testNpc) []string { return n.Name[:] })
	if err != nil {
		t.Fatalf("register NAME: %v", err)
	}

	npc := &testNpc{}
	npc.Name[0] = "X"

	sym := scr.SymbolByName("C_NPC.NAME")
	if v, err := sym.GetString(0, npc); err != nil || v != "X" {
		t.Fatalf("GetString through accessor = %q, %v", v, err)
	}
	if err := sym.SetString("Y", 1, npc); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if npc.Name[1] != "Y" {
		t.Errorf("host field = %q, want Y", npc.Name[1])
	}
}

func TestRegisterMemberErrors(t *testing.T) {
	scr := npcFixture(t)

	err := RegisterMemberInt(scr, "NO_SUCH", func(n *testNpc) []int32 { return nil })
	if !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("missing symbol: %v", err)
	}

	err = RegisterMemberInt(scr, "WHISTLER_NAME", func(n *testNpc) []int32 { return nil })
	if !errors.Is(err, ErrNotAMember) {
		t.Errorf("non-member: %v", err)
	}

	err = RegisterMemberInt(scr, "C_NPC.NAME", func(n *testNpc) []int32 { return n.ID[:] })
	if !errors.Is(err, ErrDataTypeMismatch) {
		t.Errorf("type mismatch: %v", err)
	}

	// Host slice shorter than the declared arity.
	err = RegisterMemberString(scr, "C_NPC.NAME", func(n *testNpc) []string { return n.Name[:2] })
	if !errors.Is(err, ErrArityMismatch) {
		t.Errorf("arity: %v", err)
	}

	// Binding the class to a second host type must fail.
	if err := RegisterMemberInt(scr, "C_NPC.ID", func(n *testNpc) []int32 { return n.ID[:] }); err != nil {
		t.Fatalf("first binding: %v", err)
	}
	err = RegisterMemberInt(scr, "C_NPC.ID", func(n *testItem) []int32 { return n.Value[:] })
	if !errors.Is(err, ErrParentConflict) {
		t.Errorf("parent conflict: %v", err)
	}
}

func TestRegisterClass(t *testing.T) {
	scr := npcFixture(t)

	if err := RegisterClass[testNpc](scr, "C_NPC"); err != nil {
		t.Fatalf("RegisterClass: %v", err)
	}
	if err := RegisterClass[testNpc](scr, "C_NPC"); err != nil {
		t.Fatalf("re-register same type: %v", err)
	}
	if err := RegisterClass[testItem](scr, "C_NPC"); !errors.Is(err, ErrParentConflict) {
		t.Errorf("conflicting class binding: %v", err)
	}
	if err := RegisterClass[testNpc](scr, "WHISTLER_NAME"); !errors.Is(err, ErrNotAClass) {
		t.Errorf("non-class: %v", err)
	}
}

func TestUnboundMemberAccess(t *testing.T) {
	scr := npcFixture(t)

	sym := scr.SymbolByName("C_NPC.ID")
	if _, err := sym.GetInt(0, &testNpc{}); !errors.Is(err, ErrUnboundMember) {
		t.Errorf("unbound access: %v", err)
	}
}

func TestWrongContextType(t *testing.T) {
	scr := npcFixture(t)

	if err := RegisterMemberInt(scr, "C_NPC.ID", func(n *testNpc) []int32 { return n.ID[:] }); err != nil {
		t.Fatal(err)
	}

	sym := scr.SymbolByName("C_NPC.ID")
	if _, err := sym.GetInt(0, &testItem{}); !errors.Is(err, ErrWrongContextType) {
		t.Errorf("wrong context: %v", err)
	}
	if _, err := sym.GetInt(0, nil); !errors.Is(err, ErrNoContext) {
		t.Errorf("nil context: %v", err)
	}
}

func TestEnumerateInstancesByClassName(t *testing.T) {
	scr := npcFixture(t)

	var names []string
	scr.EnumerateInstancesByClassName("C_NPC", func(sym *Symbol) {
		names = append(names, sym.Name())
	})

	if len(names) != 1 || names[0] != "STT_309_WHISTLER" {
		t.Errorf("instances = %v", names)
	}
}

func TestParametersForFunction(t *testing.T) {
	syms := []symbolSpec{
		{name: "PLACEHOLDER", typ: TypeInt, count: 1},
		{name: "INTTOSTRING", typ: TypeFunc, flags: FlagConst | FlagExternal | FlagReturn, count: 1, address: 0xFFF0, rtype: TypeString},
		{name: "INTTOSTRING.PAR0", typ: TypeInt, count: 1, parent: 1},
	}

	scr, err := ParseScript(bio.NewReader(buildScript(syms, (&asm{}).ret().buf)))
	if err != nil {
		t.Fatal(err)
	}

	fn := scr.SymbolByName("INTTOSTRING")
	params := scr.ParametersForFunction(fn)
	if len(params) != 1 || params[0] == nil || params[0].Name() != "INTTOSTRING.PAR0" {
		t.Fatalf("params = %v", params)
	}
	if fn.ReturnType() != TypeString {
		t.Errorf("return type = %s, want string", fn.ReturnType())
	}
}

func TestSymbolByInstance(t *testing.T) {
	scr := npcFixture(t)

	npc := &testNpc{}
	npc.bind(4) // STT_309_WHISTLER

	if sym := scr.SymbolByInstance(npc); sym == nil || sym.Name() != "STT_309_WHISTLER" {
		t.Errorf("SymbolByInstance = %v", sym)
	}
	if sym := scr.SymbolByInstance(&testNpc{}); sym != nil {
		t.Errorf("unbound instance resolved to %v", sym)
	}
}
