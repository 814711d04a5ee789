package archive

import (
	"encoding/binary"
	"errors"
	"math"
	"strconv"
	"testing"

	"github.com/khorinis/zengin/bio"
)

// bsFixture assembles a BIN_SAFE archive body: the u32 header triple, the
// entry stream, and the hash table the name hashes point into.
type bsFixture struct {
	body []byte
	keys []string
}

func (f *bsFixture) key(name string) uint32 {
	for i, k := range f.keys {
		if k == name {
			return uint32(i)
		}
	}
	f.keys = append(f.keys, name)
	return uint32(len(f.keys) - 1)
}

func (f *bsFixture) hash(name string) *bsFixture {
	f.body = append(f.body, byte(TypeHash))
	f.body = binary.LittleEndian.AppendUint32(f.body, f.key(name))
	return f
}

func (f *bsFixture) tag(t EntryType) *bsFixture {
	f.body = append(f.body, byte(t))
	return f
}

func (f *bsFixture) u16(v uint16) *bsFixture {
	f.body = binary.LittleEndian.AppendUint16(f.body, v)
	return f
}

func (f *bsFixture) u32(v uint32) *bsFixture {
	f.body = binary.LittleEndian.AppendUint32(f.body, v)
	return f
}

func (f *bsFixture) str(name, v string) *bsFixture {
	if name != "" {
		f.hash(name)
	}
	return f.tag(TypeString).u16(uint16(len(v))).raw([]byte(v))
}

func (f *bsFixture) intEntry(name string, v int32) *bsFixture {
	if name != "" {
		f.hash(name)
	}
	return f.tag(TypeInt).u32(uint32(v))
}

func (f *bsFixture) floatEntry(name string, v float32) *bsFixture {
	if name != "" {
		f.hash(name)
	}
	return f.tag(TypeFloat).u32(math.Float32bits(v))
}

func (f *bsFixture) raw(b []byte) *bsFixture {
	f.body = append(f.body, b...)
	return f
}

func (f *bsFixture) objectBegin(obj, class string, version uint16, index uint32) *bsFixture {
	line := "[" + obj + " " + class + " " +
		strconv.FormatUint(uint64(version), 10) + " " + strconv.FormatUint(uint64(index), 10) + "]"
	return f.tag(TypeString).u16(uint16(len(line))).raw([]byte(line))
}

func (f *bsFixture) objectEnd() *bsFixture {
	return f.tag(TypeString).u16(2).raw([]byte("[]"))
}

// build assembles the full archive with the preamble and hash table.
func (f *bsFixture) build(t *testing.T) Reader {
	t.Helper()

	preamble := []byte("ZenGin Archive\nver 1\nphoenix\nBIN_SAFE\nsaveGame 0\nEND\n")

	// header triple: version, object count, hash table offset
	headerSize := 12
	hashTableOffset := len(preamble) + headerSize + len(f.body)

	var out []byte
	out = append(out, preamble...)
	out = binary.LittleEndian.AppendUint32(out, 2) // binsafe version
	out = binary.LittleEndian.AppendUint32(out, 1) // object count
	out = binary.LittleEndian.AppendUint32(out, uint32(hashTableOffset))
	out = append(out, f.body...)

	out = binary.LittleEndian.AppendUint32(out, uint32(len(f.keys)))
	for i, k := range f.keys {
		out = binary.LittleEndian.AppendUint16(out, uint16(len(k)))
		out = binary.LittleEndian.AppendUint16(out, uint16(i))
		out = binary.LittleEndian.AppendUint32(out, 0xABCD) // hash value, unused
		out = append(out, k...)
	}

	rd, err := Open(bio.NewReader(out))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return rd
}

func TestBinSafeRoundTrip(t *testing.T) {
	var f bsFixture
	f.objectBegin("obj", "cClass", 3, 0)
	f.intEntry("k", 7)
	f.str("s", "hello")
	f.objectEnd()

	rd := f.build(t)

	var obj Object
	if !rd.ReadObjectBegin(&obj) {
		t.Fatal("object begin")
	}
	if obj.ObjectName != "obj" || obj.ClassName != "cClass" || obj.Version != 3 {
		t.Errorf("object = %+v", obj)
	}

	if v, err := rd.ReadInt(); err != nil || v != 7 {
		t.Errorf("int = %d, %v", v, err)
	}
	if v, err := rd.ReadString(); err != nil || v != "hello" {
		t.Errorf("string = %q, %v", v, err)
	}
	if !rd.ReadObjectEnd() {
		t.Error("object end")
	}
}

// A value tagged float read as int must raise and leave the cursor just
// past the float payload.
func TestBinSafeTypeMismatchAdvances(t *testing.T) {
	var f bsFixture
	f.objectBegin("o", "c", 0, 0)
	f.floatEntry("wrong", 2.5)
	f.intEntry("right", 9)
	f.objectEnd()

	rd := f.build(t)

	var obj Object
	rd.ReadObjectBegin(&obj)

	_, err := rd.ReadInt()
	var typeErr *EntryTypeError
	if !errors.As(err, &typeErr) {
		t.Fatalf("err = %v, want EntryTypeError", err)
	}
	if typeErr.Expected != TypeInt || typeErr.Got != TypeFloat {
		t.Errorf("mismatch = expected %s got %s", typeErr.Expected, typeErr.Got)
	}

	// Synchronization preserved: the next entry reads cleanly.
	if v, err := rd.ReadInt(); err != nil || v != 9 {
		t.Errorf("next int = %d, %v", v, err)
	}
	if !rd.ReadObjectEnd() {
		t.Error("object end")
	}
}

func TestBinSafeTypedEntries(t *testing.T) {
	var f bsFixture
	f.objectBegin("o", "c", 0, 0)
	f.hash("b")
	f.tag(TypeByte).raw([]byte{0xAA})
	f.hash("w")
	f.tag(TypeWord).u16(0xBBCC)
	f.hash("e")
	f.tag(TypeEnum).u32(12)
	f.hash("t")
	f.tag(TypeBool).u32(1)
	f.hash("c")
	f.tag(TypeColor).raw([]byte{0x01, 0x02, 0x03, 0x04}) // BGRA
	f.hash("v")
	f.tag(TypeVec3).u32(math.Float32bits(1)).u32(math.Float32bits(2)).u32(math.Float32bits(3))
	f.hash("r")
	f.tag(TypeRaw).u16(2).raw([]byte{0xDE, 0xAD})
	f.objectEnd()

	rd := f.build(t)

	var obj Object
	rd.ReadObjectBegin(&obj)

	if v, err := rd.ReadByte(); err != nil || v != 0xAA {
		t.Errorf("byte = %#x, %v", v, err)
	}
	if v, err := rd.ReadWord(); err != nil || v != 0xBBCC {
		t.Errorf("word = %#x, %v", v, err)
	}
	if v, err := rd.ReadEnum(); err != nil || v != 12 {
		t.Errorf("enum = %d, %v", v, err)
	}
	if v, err := rd.ReadBool(); err != nil || !v {
		t.Errorf("bool = %v, %v", v, err)
	}
	if v, err := rd.ReadColor(); err != nil || v != (bio.Color{R: 0x03, G: 0x02, B: 0x01, A: 0x04}) {
		t.Errorf("color = %+v, %v", v, err)
	}
	if v, err := rd.ReadVec3(); err != nil || v != (bio.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Errorf("vec3 = %v, %v", v, err)
	}
	if v, err := rd.ReadRaw(); err != nil || len(v) != 2 || v[0] != 0xDE {
		t.Errorf("raw = %x, %v", v, err)
	}
	if !rd.ReadObjectEnd() {
		t.Error("object end")
	}
}

func TestBinSafeSkipObject(t *testing.T) {
	var f bsFixture
	f.objectBegin("a", "cA", 0, 0)
	f.intEntry("x", 1)
	f.objectBegin("nested", "cB", 0, 1)
	f.str("y", "inner")
	f.objectEnd()
	f.objectEnd()
	f.objectBegin("b", "cC", 0, 2)
	f.intEntry("z", 3)
	f.objectEnd()

	rd := f.build(t)

	if err := rd.SkipObject(false); err != nil {
		t.Fatalf("skip: %v", err)
	}

	var obj Object
	if !rd.ReadObjectBegin(&obj) || obj.ObjectName != "b" {
		t.Fatalf("after skip: %+v", obj)
	}
	if v, err := rd.ReadInt(); err != nil || v != 3 {
		t.Errorf("z = %d, %v", v, err)
	}
}

func TestBinSafeUnnamedEntries(t *testing.T) {
	// Entries without a leading hash are legal; the name tag is optional.
	var f bsFixture
	f.objectBegin("o", "c", 0, 0)
	f.intEntry("", 11)
	f.objectEnd()

	rd := f.build(t)

	var obj Object
	rd.ReadObjectBegin(&obj)
	if v, err := rd.ReadInt(); err != nil || v != 11 {
		t.Errorf("int = %d, %v", v, err)
	}
}

func TestBinSafeVisit(t *testing.T) {
	var f bsFixture
	f.objectBegin("o", "c", 1, 2)
	f.intEntry("k", 7)
	f.str("s", "x")
	f.objectEnd()

	rd := f.build(t)

	var names []string
	err := rd.Visit(false, func(obj *Object, entry *Entry) {
		if entry != nil {
			names = append(names, entry.Name)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(names) != 2 || names[0] != "k" || names[1] != "s" {
		t.Errorf("entry names = %v", names)
	}
}

func TestBinSafeObjectEndAtEOF(t *testing.T) {
	var f bsFixture
	f.objectBegin("o", "c", 0, 0)
	f.objectEnd()

	rd := f.build(t)

	var obj Object
	rd.ReadObjectBegin(&obj)
	if !rd.ReadObjectEnd() {
		t.Error("object end")
	}
}
