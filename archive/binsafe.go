package archive

import (
	"fmt"

	"github.com/khorinis/zengin/bio"
)

// binsafeTypeSizes maps fixed-size entry tags to their payload size.
// Variable-length tags (string, raw, rawFloat) carry a u16 size instead.
var binsafeTypeSizes = map[EntryType]uint16{
	TypeInt:   4,
	TypeFloat: 4,
	TypeByte:  1,
	TypeWord:  2,
	TypeBool:  4,
	TypeVec3:  12,
	TypeColor: 4,
	TypeEnum:  4,
	TypeHash:  4,
}

// binsafeReader reads the binary-safe encoding: type-tagged entries with
// names resolved through a hash table, and object boundaries encoded as
// the same bracketed strings the ASCII encoding uses.
type binsafeReader struct {
	base
	version uint32
	keys    []string
}

func (r *binsafeReader) readHeader() error {
	var err error
	if r.version, err = r.in.ReadUint32(); err != nil {
		return fmt.Errorf("%w: binsafe version: %v", ErrMalformedHeader, err)
	}
	if r.objects, err = r.in.ReadUint32(); err != nil {
		return fmt.Errorf("%w: object count: %v", ErrMalformedHeader, err)
	}

	hashTableOffset, err := r.in.ReadUint32()
	if err != nil {
		return fmt.Errorf("%w: hash table offset: %v", ErrMalformedHeader, err)
	}

	// The hash table lives at the end of the file; read it eagerly and
	// come back.
	r.in.Mark()
	if err := r.in.Seek(int(hashTableOffset)); err != nil {
		return fmt.Errorf("%w: hash table offset: %v", ErrMalformedHeader, err)
	}

	size, err := r.in.ReadUint32()
	if err != nil {
		return fmt.Errorf("%w: hash table size: %v", ErrMalformedHeader, err)
	}
	r.keys = make([]string, size)

	for i := uint32(0); i < size; i++ {
		keyLength, err := r.in.ReadUint16()
		if err != nil {
			return fmt.Errorf("%w: hash table entry: %v", ErrMalformedHeader, err)
		}
		insertionIndex, err := r.in.ReadUint16()
		if err != nil {
			return fmt.Errorf("%w: hash table entry: %v", ErrMalformedHeader, err)
		}
		// The hash value itself has no known use; the insertion index is
		// what names refer to.
		if _, err := r.in.ReadUint32(); err != nil {
			return fmt.Errorf("%w: hash table entry: %v", ErrMalformedHeader, err)
		}
		key, err := r.in.ReadString(int(keyLength))
		if err != nil {
			return fmt.Errorf("%w: hash table key: %v", ErrMalformedHeader, err)
		}
		if int(insertionIndex) < len(r.keys) {
			r.keys[insertionIndex] = key
		}
	}

	r.in.Reset()
	return nil
}

// consumeKey consumes a leading hash tag naming the next entry, if one is
// present, and returns the resolved name. Whether values carry the tag is
// version-dependent, so it is treated as optional everywhere.
func (r *binsafeReader) consumeKey() (string, error) {
	if r.in.Remaining() < 5 {
		return "", nil
	}

	r.in.Mark()
	tag, err := r.in.ReadUint8()
	if err != nil || EntryType(tag) != TypeHash {
		r.in.Reset()
		return "", nil
	}

	index, err := r.in.ReadUint32()
	if err != nil {
		return "", err
	}
	if int(index) < len(r.keys) {
		return r.keys[index], nil
	}
	return "", nil
}

// ensureEntryMeta consumes the optional name hash and the value tag. On a
// tag mismatch the payload is skipped to preserve synchronization before
// the error is reported. The returned size is the payload size in bytes.
func (r *binsafeReader) ensureEntryMeta(want EntryType) (uint16, error) {
	if _, err := r.consumeKey(); err != nil {
		return 0, err
	}

	tag, err := r.in.ReadUint8()
	if err != nil {
		return 0, err
	}

	got := EntryType(tag)
	var size uint16
	switch got {
	case TypeString, TypeRaw, TypeRawFloat:
		if size, err = r.in.ReadUint16(); err != nil {
			return 0, err
		}
	default:
		size = binsafeTypeSizes[got]
	}

	if got != want {
		if err := r.in.Skip(int(size)); err != nil {
			return 0, err
		}
		return 0, &EntryTypeError{Expected: want, Got: got}
	}
	return size, nil
}

func (r *binsafeReader) ReadObjectBegin(obj *Object) bool {
	if r.in.Remaining() < 6 {
		return false
	}

	r.in.Mark()
	if _, err := r.consumeKey(); err != nil {
		r.in.Reset()
		return false
	}

	tag, err := r.in.ReadUint8()
	if err != nil || EntryType(tag) != TypeString {
		r.in.Reset()
		return false
	}
	length, err := r.in.ReadUint16()
	if err != nil {
		r.in.Reset()
		return false
	}
	line, err := r.in.ReadString(int(length))
	if err != nil || !parseObjectLine(line, obj) {
		r.in.Reset()
		return false
	}
	return true
}

func (r *binsafeReader) ReadObjectEnd() bool {
	if r.in.Remaining() == 0 {
		return true
	}
	if r.in.Remaining() < 5 {
		return false
	}

	r.in.Mark()
	if _, err := r.consumeKey(); err != nil {
		r.in.Reset()
		return false
	}

	tag, err := r.in.ReadUint8()
	if err != nil || EntryType(tag) != TypeString {
		r.in.Reset()
		return false
	}
	length, err := r.in.ReadUint16()
	if err != nil || length != 2 {
		r.in.Reset()
		return false
	}
	line, err := r.in.ReadString(2)
	if err != nil || line != "[]" {
		r.in.Reset()
		return false
	}
	return true
}

func (r *binsafeReader) SkipObject(skipCurrent bool) error {
	return skipObjectGeneric(r, skipCurrent)
}

// SkipEntry reads a value's tag and skips its declared bytes.
func (r *binsafeReader) SkipEntry() error {
	tag, err := r.in.ReadUint8()
	if err != nil {
		return err
	}

	got := EntryType(tag)
	switch got {
	case TypeString, TypeRaw, TypeRawFloat:
		size, err := r.in.ReadUint16()
		if err != nil {
			return err
		}
		return r.in.Skip(int(size))
	default:
		return r.in.Skip(int(binsafeTypeSizes[got]))
	}
}

func (r *binsafeReader) ReadString() (string, error) {
	size, err := r.ensureEntryMeta(TypeString)
	if err != nil {
		return "", err
	}
	return r.in.ReadString(int(size))
}

func (r *binsafeReader) ReadInt() (int32, error) {
	if _, err := r.ensureEntryMeta(TypeInt); err != nil {
		return 0, err
	}
	return r.in.ReadInt32()
}

func (r *binsafeReader) ReadFloat() (float32, error) {
	if _, err := r.ensureEntryMeta(TypeFloat); err != nil {
		return 0, err
	}
	return r.in.ReadFloat32()
}

func (r *binsafeReader) ReadByte() (uint8, error) {
	if _, err := r.ensureEntryMeta(TypeByte); err != nil {
		return 0, err
	}
	return r.in.ReadUint8()
}

func (r *binsafeReader) ReadWord() (uint16, error) {
	if _, err := r.ensureEntryMeta(TypeWord); err != nil {
		return 0, err
	}
	return r.in.ReadUint16()
}

func (r *binsafeReader) ReadEnum() (uint32, error) {
	if _, err := r.ensureEntryMeta(TypeEnum); err != nil {
		return 0, err
	}
	return r.in.ReadUint32()
}

func (r *binsafeReader) ReadBool() (bool, error) {
	if _, err := r.ensureEntryMeta(TypeBool); err != nil {
		return false, err
	}
	v, err := r.in.ReadUint32()
	return v != 0, err
}

// ReadColor swaps the on-disk BGRA order to RGBA.
func (r *binsafeReader) ReadColor() (bio.Color, error) {
	if _, err := r.ensureEntryMeta(TypeColor); err != nil {
		return bio.Color{}, err
	}
	b, err := r.in.Bytes(4)
	if err != nil {
		return bio.Color{}, err
	}
	return bio.Color{R: b[2], G: b[1], B: b[0], A: b[3]}, nil
}

func (r *binsafeReader) ReadVec3() (bio.Vec3, error) {
	if _, err := r.ensureEntryMeta(TypeVec3); err != nil {
		return bio.Vec3{}, err
	}
	return r.in.ReadVec3()
}

// ReadVec2 reads two floats from a rawFloat entry; surplus bytes in the
// entry are skipped.
func (r *binsafeReader) ReadVec2() (bio.Vec2, error) {
	size, err := r.ensureEntryMeta(TypeRawFloat)
	if err != nil {
		return bio.Vec2{}, err
	}
	unused := int(size) - 2*4
	if unused < 0 {
		return bio.Vec2{}, fmt.Errorf("%w: rawFloat entry too short for a vec2", ErrMalformedHeader)
	}

	v, err := r.in.ReadVec2()
	if err != nil {
		return bio.Vec2{}, err
	}
	return v, r.in.Skip(unused)
}

// ReadBBox reads six floats from a rawFloat entry.
func (r *binsafeReader) ReadBBox() (bio.AABB, error) {
	size, err := r.ensureEntryMeta(TypeRawFloat)
	if err != nil {
		return bio.AABB{}, err
	}
	unused := int(size) - 6*4
	if unused < 0 {
		return bio.AABB{}, fmt.Errorf("%w: rawFloat entry too short for a bounding box", ErrMalformedHeader)
	}

	var box bio.AABB
	if box.Min, err = r.in.ReadVec3(); err != nil {
		return box, err
	}
	if box.Max, err = r.in.ReadVec3(); err != nil {
		return box, err
	}
	return box, r.in.Skip(unused)
}

// ReadMat3 reads nine floats from a raw entry and transposes them.
func (r *binsafeReader) ReadMat3() (bio.Mat3, error) {
	size, err := r.ensureEntryMeta(TypeRaw)
	if err != nil {
		return bio.Mat3{}, err
	}
	unused := int(size) - 9*4
	if unused < 0 {
		return bio.Mat3{}, fmt.Errorf("%w: raw entry too short for a 3x3 matrix", ErrMalformedHeader)
	}

	m, err := r.in.ReadMat3()
	if err != nil {
		return bio.Mat3{}, err
	}
	return m, r.in.Skip(unused)
}

func (r *binsafeReader) ReadRaw() ([]byte, error) {
	size, err := r.ensureEntryMeta(TypeRaw)
	if err != nil {
		return nil, err
	}
	return r.in.Bytes(int(size))
}

// Visit walks the tagged entries generically.
func (r *binsafeReader) Visit(openObject bool, fn VisitFunc) error {
	level := 0
	if openObject {
		level = 1
	}

	for {
		var obj Object
		switch {
		case r.ReadObjectBegin(&obj):
			fn(&obj, nil)
			level++
		case r.ReadObjectEnd():
			fn(nil, nil)
			level--
		default:
			entry, err := r.readAnyEntry()
			if err != nil {
				return err
			}
			fn(nil, entry)
		}
		if level <= 0 {
			return nil
		}
	}
}

func (r *binsafeReader) readAnyEntry() (*Entry, error) {
	name, err := r.consumeKey()
	if err != nil {
		return nil, err
	}

	tag, err := r.in.ReadUint8()
	if err != nil {
		return nil, err
	}

	entry := &Entry{Name: name, Type: EntryType(tag)}
	switch entry.Type {
	case TypeString:
		size, err := r.in.ReadUint16()
		if err != nil {
			return nil, err
		}
		entry.Value, err = r.in.ReadString(int(size))
		if err != nil {
			return nil, err
		}
	case TypeRaw, TypeRawFloat:
		size, err := r.in.ReadUint16()
		if err != nil {
			return nil, err
		}
		entry.Value, err = r.in.Bytes(int(size))
		if err != nil {
			return nil, err
		}
	case TypeInt:
		if entry.Value, err = r.in.ReadInt32(); err != nil {
			return nil, err
		}
	case TypeFloat:
		if entry.Value, err = r.in.ReadFloat32(); err != nil {
			return nil, err
		}
	case TypeByte:
		if entry.Value, err = r.in.ReadUint8(); err != nil {
			return nil, err
		}
	case TypeWord:
		if entry.Value, err = r.in.ReadUint16(); err != nil {
			return nil, err
		}
	case TypeBool:
		v, err := r.in.ReadUint32()
		if err != nil {
			return nil, err
		}
		entry.Value = v != 0
	case TypeVec3:
		if entry.Value, err = r.in.ReadVec3(); err != nil {
			return nil, err
		}
	case TypeColor:
		b, err := r.in.Bytes(4)
		if err != nil {
			return nil, err
		}
		entry.Value = bio.Color{R: b[2], G: b[1], B: b[0], A: b[3]}
	case TypeEnum, TypeHash:
		if entry.Value, err = r.in.ReadUint32(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown entry tag %#x", ErrMalformedHeader, tag)
	}

	return entry, nil
}
