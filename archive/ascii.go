package archive

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/khorinis/zengin/bio"
)

// asciiTypeKeywords maps the textual type keywords to entry type tags.
// rawFloat doubles as the vec2 and bounding-box carrier.
var asciiTypeKeywords = map[string]EntryType{
	"string": TypeString, "int": TypeInt, "float": TypeFloat,
	"byte": TypeByte, "word": TypeWord, "enum": TypeEnum,
	"bool": TypeBool, "color": TypeColor, "vec3": TypeVec3,
	"rawFloat": TypeRawFloat, "raw": TypeRaw,
}

// asciiReader reads the line-oriented ASCII encoding. Every element is one
// self-delimiting line, which makes entry skipping trivial.
type asciiReader struct {
	base
}

func (r *asciiReader) readHeader() error {
	return r.readObjectsHeader()
}

func (r *asciiReader) ReadObjectBegin(obj *Object) bool {
	if r.in.Remaining() < 3 {
		return false
	}

	r.in.Mark()
	line, err := r.in.ReadLine(true)
	if err != nil || !parseObjectLine(line, obj) {
		r.in.Reset()
		return false
	}
	return true
}

func (r *asciiReader) ReadObjectEnd() bool {
	if r.in.Remaining() < 2 {
		return false
	}

	r.in.Mark()
	line, err := r.in.ReadLine(true)
	if err != nil || line != "[]" {
		r.in.Reset()
		return false
	}
	return true
}

func (r *asciiReader) SkipObject(skipCurrent bool) error {
	return skipObjectGeneric(r, skipCurrent)
}

// SkipEntry discards one line.
func (r *asciiReader) SkipEntry() error {
	_, err := r.in.ReadLine(true)
	return err
}

// readEntry consumes one "<name>=<type>:<payload>" line and returns the
// payload after checking the type keyword. The line is consumed even on a
// type mismatch, so the cursor always advances past the entry.
func (r *asciiReader) readEntry(want EntryType) (string, error) {
	line, err := r.in.ReadLine(true)
	if err != nil {
		return "", err
	}

	_, rest, found := strings.Cut(line, "=")
	if !found {
		rest = line
	}
	keyword, payload, found := strings.Cut(rest, ":")
	if !found {
		return "", fmt.Errorf("%w: entry %q has no type", ErrMalformedHeader, line)
	}

	if got := asciiTypeKeywords[keyword]; got != want {
		return "", &EntryTypeError{Expected: want, Got: got}
	}
	return payload, nil
}

func (r *asciiReader) ReadString() (string, error) {
	return r.readEntry(TypeString)
}

func (r *asciiReader) ReadInt() (int32, error) {
	payload, err := r.readEntry(TypeInt)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: int: %v", ErrMalformedHeader, err)
	}
	return int32(v), nil
}

func (r *asciiReader) ReadFloat() (float32, error) {
	payload, err := r.readEntry(TypeFloat)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(payload), 32)
	if err != nil {
		return 0, fmt.Errorf("%w: float: %v", ErrMalformedHeader, err)
	}
	return float32(v), nil
}

func (r *asciiReader) ReadByte() (uint8, error) {
	payload, err := r.readEntry(TypeByte)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(payload), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: byte: %v", ErrMalformedHeader, err)
	}
	return uint8(v), nil
}

func (r *asciiReader) ReadWord() (uint16, error) {
	payload, err := r.readEntry(TypeWord)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(payload), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: word: %v", ErrMalformedHeader, err)
	}
	return uint16(v), nil
}

func (r *asciiReader) ReadEnum() (uint32, error) {
	payload, err := r.readEntry(TypeEnum)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(payload), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: enum: %v", ErrMalformedHeader, err)
	}
	return uint32(v), nil
}

func (r *asciiReader) ReadBool() (bool, error) {
	payload, err := r.readEntry(TypeBool)
	if err != nil {
		return false, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(payload), 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: bool: %v", ErrMalformedHeader, err)
	}
	return v == 1, nil
}

func (r *asciiReader) ReadColor() (bio.Color, error) {
	payload, err := r.readEntry(TypeColor)
	if err != nil {
		return bio.Color{}, err
	}

	fields := strings.Fields(payload)
	if len(fields) != 4 {
		return bio.Color{}, fmt.Errorf("%w: color needs 4 components", ErrMalformedHeader)
	}

	var channels [4]uint8
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return bio.Color{}, fmt.Errorf("%w: color: %v", ErrMalformedHeader, err)
		}
		channels[i] = uint8(v)
	}
	return bio.Color{R: channels[0], G: channels[1], B: channels[2], A: channels[3]}, nil
}

func parseFloats(payload string, out []float32) error {
	fields := strings.Fields(payload)
	if len(fields) < len(out) {
		return fmt.Errorf("%w: expected %d floats", ErrMalformedHeader, len(out))
	}
	for i := range out {
		v, err := strconv.ParseFloat(fields[i], 32)
		if err != nil {
			return fmt.Errorf("%w: float: %v", ErrMalformedHeader, err)
		}
		out[i] = float32(v)
	}
	return nil
}

func (r *asciiReader) ReadVec3() (bio.Vec3, error) {
	payload, err := r.readEntry(TypeVec3)
	if err != nil {
		return bio.Vec3{}, err
	}
	var f [3]float32
	if err := parseFloats(payload, f[:]); err != nil {
		return bio.Vec3{}, err
	}
	return bio.Vec3{X: f[0], Y: f[1], Z: f[2]}, nil
}

// ReadVec2 reads two floats from a rawFloat entry.
func (r *asciiReader) ReadVec2() (bio.Vec2, error) {
	payload, err := r.readEntry(TypeRawFloat)
	if err != nil {
		return bio.Vec2{}, err
	}
	var f [2]float32
	if err := parseFloats(payload, f[:]); err != nil {
		return bio.Vec2{}, err
	}
	return bio.Vec2{X: f[0], Y: f[1]}, nil
}

// ReadBBox reads six floats from a rawFloat entry.
func (r *asciiReader) ReadBBox() (bio.AABB, error) {
	payload, err := r.readEntry(TypeRawFloat)
	if err != nil {
		return bio.AABB{}, err
	}
	var f [6]float32
	if err := parseFloats(payload, f[:]); err != nil {
		return bio.AABB{}, err
	}
	return bio.AABB{
		Min: bio.Vec3{X: f[0], Y: f[1], Z: f[2]},
		Max: bio.Vec3{X: f[3], Y: f[4], Z: f[5]},
	}, nil
}

// ReadMat3 reads nine floats hex-encoded in a raw entry and transposes
// them, since the disk form is row-major.
func (r *asciiReader) ReadMat3() (bio.Mat3, error) {
	raw, err := r.ReadRaw()
	if err != nil {
		return bio.Mat3{}, err
	}
	if len(raw) < 9*4 {
		return bio.Mat3{}, fmt.Errorf("%w: raw entry too short for a 3x3 matrix", ErrMalformedHeader)
	}
	m, err := bio.NewReader(raw).ReadMat3()
	if err != nil {
		return bio.Mat3{}, err
	}
	return m, nil
}

// ReadRaw decodes a hex-encoded raw entry, two hex chars per byte.
func (r *asciiReader) ReadRaw() ([]byte, error) {
	payload, err := r.readEntry(TypeRaw)
	if err != nil {
		return nil, err
	}
	out, err := hex.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: raw: %v", ErrMalformedHeader, err)
	}
	return out, nil
}

// Visit walks the archive line by line.
func (r *asciiReader) Visit(openObject bool, fn VisitFunc) error {
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

// readAnyEntry parses one entry line into its tagged value.
func (r *asciiReader) readAnyEntry() (*Entry, error) {
	r.in.Mark()
	line, err := r.in.ReadLine(true)
	if err != nil {
		return nil, err
	}

	name, rest, found := strings.Cut(line, "=")
	if !found {
		return nil, fmt.Errorf("%w: entry %q has no name", ErrMalformedHeader, line)
	}
	keyword, payload, found := strings.Cut(rest, ":")
	if !found {
		return nil, fmt.Errorf("%w: entry %q has no type", ErrMalformedHeader, line)
	}

	entry := &Entry{Name: name, Type: asciiTypeKeywords[keyword]}
	r.in.Reset()

	switch entry.Type {
	case TypeString:
		entry.Value, err = r.ReadString()
	case TypeInt:
		entry.Value, err = r.ReadInt()
	case TypeFloat:
		entry.Value, err = r.ReadFloat()
	case TypeByte:
		entry.Value, err = r.ReadByte()
	case TypeWord:
		entry.Value, err = r.ReadWord()
	case TypeEnum:
		entry.Value, err = r.ReadEnum()
	case TypeBool:
		entry.Value, err = r.ReadBool()
	case TypeColor:
		entry.Value, err = r.ReadColor()
	case TypeVec3:
		entry.Value, err = r.ReadVec3()
	case TypeRaw:
		entry.Value, err = r.ReadRaw()
	case TypeRawFloat:
		floats := make([]float32, len(strings.Fields(payload)))
		if err = parseFloats(payload, floats); err == nil {
			entry.Value = floats
			_, err = r.in.ReadLine(true)
		}
	default:
		return nil, fmt.Errorf("%w: entry %q has unknown type %q", ErrMalformedHeader, line, keyword)
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}
