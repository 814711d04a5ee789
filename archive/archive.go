// Package archive reads ZenGin archives, the tagged self-describing
// object-serialization container behind world, mesh, save-game and VOb
// data. One logical reader fronts the three physical encodings: ASCII,
// binary block and binary-safe.
package archive

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/khorinis/zengin/bio"
)

var (
	// ErrNotAnArchive is reported when the preamble is missing or broken.
	ErrNotAnArchive = errors.New("archive: not a ZenGin archive")

	// ErrMalformedHeader is reported when a per-format header field is
	// missing or unparsable.
	ErrMalformedHeader = errors.New("archive: malformed header")

	// ErrUnsupportedFormat is reported for unknown physical encodings.
	ErrUnsupportedFormat = errors.New("archive: unsupported format")

	// ErrOperationUnsupported is reported for operations an encoding cannot
	// express, like skipping single entries in a binary archive.
	ErrOperationUnsupported = errors.New("archive: operation unsupported by this encoding")
)

// Format identifies the physical encoding of an archive body.
type Format int

const (
	FormatASCII Format = iota
	FormatBinary
	FormatBinSafe
)

func (f Format) String() string {
	switch f {
	case FormatASCII:
		return "ASCII"
	case FormatBinary:
		return "BINARY"
	case FormatBinSafe:
		return "BIN_SAFE"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// EntryType tags one leaf value inside an object. The values are the on-disk
// tags of the binary-safe encoding.
type EntryType uint8

const (
	TypeString   EntryType = 0x01
	TypeInt      EntryType = 0x02
	TypeFloat    EntryType = 0x03
	TypeByte     EntryType = 0x04
	TypeWord     EntryType = 0x05
	TypeBool     EntryType = 0x06
	TypeVec3     EntryType = 0x07
	TypeColor    EntryType = 0x08
	TypeRaw      EntryType = 0x09
	TypeRawFloat EntryType = 0x10
	TypeEnum     EntryType = 0x11
	TypeHash     EntryType = 0x12
)

var entryTypeNames = map[EntryType]string{
	TypeString: "string", TypeInt: "int", TypeFloat: "float",
	TypeByte: "byte", TypeWord: "word", TypeBool: "bool",
	TypeVec3: "vec3", TypeColor: "color", TypeRaw: "raw",
	TypeRawFloat: "rawFloat", TypeEnum: "enum", TypeHash: "hash",
}

func (t EntryType) String() string {
	if name, ok := entryTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%#x)", uint8(t))
}

// EntryTypeError is reported when a typed read meets an entry of a
// different type. The cursor has advanced past the offending entry.
type EntryTypeError struct {
	Expected EntryType
	Got      EntryType
}

func (e *EntryTypeError) Error() string {
	return fmt.Sprintf("archive: type mismatch: expected %s, got %s", e.Expected, e.Got)
}

// Header is the textual preamble shared by the three encodings.
type Header struct {
	Version  int
	Archiver string
	Format   Format
	Save     bool
	Date     string
	User     string
}

// Object describes one archived object: its name, its class inheritance
// chain (colon-separated, e.g. oCMobInter:oCMOB:zCVob), a version and an
// index. The reader treats all fields as opaque.
type Object struct {
	ObjectName string
	ClassName  string
	Version    uint16
	Index      uint32
}

// Entry is one named leaf value, produced by Visit.
type Entry struct {
	Name  string
	Type  EntryType
	Value any
}

// VisitFunc receives either an object begin (obj != nil), an entry
// (entry != nil) or an object end (both nil).
type VisitFunc func(obj *Object, entry *Entry)

// Reader reads typed, named entries from an archive body and tracks nested
// object boundaries.
type Reader interface {
	// Header returns the parsed archive preamble.
	Header() *Header

	// ReadObjectBegin tries to read an object header. The cursor is left
	// untouched when the next element is not an object begin. The binary
	// encoding has no marker for object headers: its reader takes the next
	// bytes as a header whenever they parse as one.
	ReadObjectBegin(obj *Object) bool

	// ReadObjectEnd tries to read an object end marker. The cursor is left
	// untouched when the next element is not an object end.
	ReadObjectEnd() bool

	// SkipObject skips the current object (skipCurrent, the opening header
	// already consumed) or the next whole object.
	SkipObject(skipCurrent bool) error

	// SkipEntry skips one entry. Binary archives are not self-delimiting at
	// the entry level and report ErrOperationUnsupported.
	SkipEntry() error

	ReadString() (string, error)
	ReadInt() (int32, error)
	ReadFloat() (float32, error)
	ReadByte() (uint8, error)
	ReadWord() (uint16, error)
	ReadEnum() (uint32, error)
	ReadBool() (bool, error)
	ReadColor() (bio.Color, error)
	ReadVec3() (bio.Vec3, error)
	ReadVec2() (bio.Vec2, error)
	ReadBBox() (bio.AABB, error)
	ReadMat3() (bio.Mat3, error)
	ReadRaw() ([]byte, error)

	// Visit walks objects and entries generically, invoking fn for each.
	// With openObject set, the walk ends when the already-open object
	// closes. Binary archives report ErrOperationUnsupported.
	Visit(openObject bool, fn VisitFunc) error
}

// Open parses the preamble from the reader and returns the matching
// archive reader positioned at the first body element.
func Open(in *bio.Reader) (Reader, error) {
	header, err := ParseHeader(in)
	if err != nil {
		return nil, err
	}

	switch header.Format {
	case FormatASCII:
		rd := &asciiReader{base: base{in: in, header: header}}
		if err := rd.readHeader(); err != nil {
			return nil, err
		}
		return rd, nil
	case FormatBinary:
		rd := &binaryReader{base: base{in: in, header: header}}
		if err := rd.readHeader(); err != nil {
			return nil, err
		}
		return rd, nil
	case FormatBinSafe:
		rd := &binsafeReader{base: base{in: in, header: header}}
		if err := rd.readHeader(); err != nil {
			return nil, err
		}
		return rd, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, int(header.Format))
}

// OpenFile memory-maps the file at path and opens it as an archive. The
// caller owns the returned file and must keep it alive while reading.
func OpenFile(path string) (Reader, *bio.File, error) {
	f, err := bio.MapFile(path)
	if err != nil {
		return nil, nil, err
	}
	rd, err := Open(f.Reader)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return rd, f, nil
}

// ParseHeader reads the shared five-to-seven-line preamble. Afterwards the
// cursor sits on the first byte of the per-format body header.
func ParseHeader(in *bio.Reader) (Header, error) {
	var h Header

	line, err := in.ReadLine(true)
	if err != nil || line != "ZenGin Archive" {
		return h, fmt.Errorf("%w: magic missing", ErrNotAnArchive)
	}

	if line, err = in.ReadLine(true); err != nil || !strings.HasPrefix(line, "ver ") {
		return h, fmt.Errorf("%w: ver field missing", ErrNotAnArchive)
	}
	if h.Version, err = strconv.Atoi(strings.TrimPrefix(line, "ver ")); err != nil {
		return h, fmt.Errorf("%w: ver: %v", ErrNotAnArchive, err)
	}

	if h.Archiver, err = in.ReadLine(true); err != nil {
		return h, fmt.Errorf("%w: archiver missing", ErrNotAnArchive)
	}

	format, err := in.ReadLine(true)
	if err != nil {
		return h, fmt.Errorf("%w: format missing", ErrNotAnArchive)
	}
	switch format {
	case "ASCII":
		h.Format = FormatASCII
	case "BINARY":
		h.Format = FormatBinary
	case "BIN_SAFE":
		h.Format = FormatBinSafe
	default:
		return h, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	if line, err = in.ReadLine(true); err != nil || !strings.HasPrefix(line, "saveGame ") {
		return h, fmt.Errorf("%w: saveGame field missing", ErrNotAnArchive)
	}
	save, err := strconv.Atoi(strings.TrimPrefix(line, "saveGame "))
	if err != nil {
		return h, fmt.Errorf("%w: saveGame: %v", ErrNotAnArchive, err)
	}
	h.Save = save != 0

	optional, err := in.ReadLine(true)
	if err != nil {
		return h, fmt.Errorf("%w: END missing", ErrNotAnArchive)
	}
	if strings.HasPrefix(optional, "date ") {
		h.Date = strings.TrimPrefix(optional, "date ")
		if optional, err = in.ReadLine(true); err != nil {
			return h, fmt.Errorf("%w: END missing", ErrNotAnArchive)
		}
	}
	if strings.HasPrefix(optional, "user ") {
		h.User = strings.TrimPrefix(optional, "user ")
		if optional, err = in.ReadLine(true); err != nil {
			return h, fmt.Errorf("%w: END missing", ErrNotAnArchive)
		}
	}
	if optional != "END" {
		return h, fmt.Errorf("%w: first END missing", ErrNotAnArchive)
	}

	return h, nil
}

// base carries the state shared by the three reader implementations.
type base struct {
	in      *bio.Reader
	header  Header
	objects uint32
}

func (b *base) Header() *Header { return &b.header }

// readObjectsHeader reads the textual "objects N" line and the second END
// used by the ASCII and binary encodings.
func (b *base) readObjectsHeader() error {
	line, err := b.in.ReadLine(true)
	if err != nil || !strings.HasPrefix(line, "objects ") {
		return fmt.Errorf("%w: objects field missing", ErrMalformedHeader)
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "objects ")))
	if err != nil {
		return fmt.Errorf("%w: objects: %v", ErrMalformedHeader, err)
	}
	b.objects = uint32(n)

	if line, err = b.in.ReadLine(true); err != nil || line != "END" {
		return fmt.Errorf("%w: second END missing", ErrMalformedHeader)
	}
	return nil
}

// skipObjectGeneric skips entries and nested objects until the matching
// close. It works for the self-delimiting encodings.
func skipObjectGeneric(rd Reader, skipCurrent bool) error {
	var tmp Object
	level := 0
	if skipCurrent {
		level = 1
	}

	for {
		if rd.ReadObjectBegin(&tmp) {
			level++
		} else if rd.ReadObjectEnd() {
			level--
		} else if err := rd.SkipEntry(); err != nil {
			return err
		}
		if level <= 0 {
			return nil
		}
	}
}

// parseObjectLine parses the textual object header "[name class version
// index]" shared by the ASCII and binary-safe encodings.
func parseObjectLine(line string, obj *Object) bool {
	if len(line) <= 2 || !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "]") {
		return false
	}

	fields := strings.Fields(line[1 : len(line)-1])
	if len(fields) != 4 {
		return false
	}

	version, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil {
		return false
	}
	index, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return false
	}

	obj.ObjectName = fields[0]
	obj.ClassName = fields[1]
	obj.Version = uint16(version)
	obj.Index = uint32(index)
	return true
}
