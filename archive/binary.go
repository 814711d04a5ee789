package archive

import (
	"fmt"

	"github.com/khorinis/zengin/bio"
)

// binaryReader reads the block-binary encoding. Entries are raw typed bytes
// back to back with no names and no tags; the consumer must know the schema
// and call the correctly typed reader. Object ends are tracked through a
// stack of end offsets saved from the chunk-size fields.
type binaryReader struct {
	base
	objectEnd []int
}

func (r *binaryReader) readHeader() error {
	return r.readObjectsHeader()
}

func (r *binaryReader) ReadObjectBegin(obj *Object) bool {
	if r.in.Remaining() < 12 {
		return false
	}

	r.in.Mark()
	pos := r.in.Position()

	// The chunk size includes its own four bytes.
	size, err := r.in.ReadUint32()
	if err != nil {
		r.in.Reset()
		return false
	}

	version, err := r.in.ReadUint16()
	if err != nil {
		r.in.Reset()
		return false
	}
	index, err := r.in.ReadUint32()
	if err != nil {
		r.in.Reset()
		return false
	}
	objectName, err := r.in.ReadLine(false)
	if err != nil {
		r.in.Reset()
		return false
	}
	className, err := r.in.ReadLine(false)
	if err != nil {
		r.in.Reset()
		return false
	}

	r.objectEnd = append(r.objectEnd, pos+int(size))
	obj.Version = version
	obj.Index = index
	obj.ObjectName = objectName
	obj.ClassName = className
	return true
}

func (r *binaryReader) ReadObjectEnd() bool {
	if n := len(r.objectEnd); n > 0 && r.in.Position() == r.objectEnd[n-1] {
		r.objectEnd = r.objectEnd[:n-1]
		return true
	}
	return r.in.Remaining() == 0
}

func (r *binaryReader) SkipObject(skipCurrent bool) error {
	if skipCurrent {
		if len(r.objectEnd) == 0 {
			return fmt.Errorf("%w: no object open", ErrMalformedHeader)
		}
		end := r.objectEnd[len(r.objectEnd)-1]
		r.objectEnd = r.objectEnd[:len(r.objectEnd)-1]
		return r.in.Seek(end)
	}

	size, err := r.in.ReadUint32()
	if err != nil {
		return err
	}
	// The size field counts itself.
	return r.in.Skip(int(size) - 4)
}

// SkipEntry cannot work: binary entries carry no size information.
func (r *binaryReader) SkipEntry() error {
	return fmt.Errorf("%w: skip entry in a binary archive", ErrOperationUnsupported)
}

func (r *binaryReader) ReadString() (string, error) {
	return r.in.ReadLine(false)
}

func (r *binaryReader) ReadInt() (int32, error) {
	return r.in.ReadInt32()
}

func (r *binaryReader) ReadFloat() (float32, error) {
	return r.in.ReadFloat32()
}

func (r *binaryReader) ReadByte() (uint8, error) {
	return r.in.ReadUint8()
}

func (r *binaryReader) ReadWord() (uint16, error) {
	return r.in.ReadUint16()
}

func (r *binaryReader) ReadEnum() (uint32, error) {
	return r.in.ReadUint32()
}

func (r *binaryReader) ReadBool() (bool, error) {
	v, err := r.in.ReadUint8()
	return v != 0, err
}

// ReadColor swaps the on-disk BGRA order to RGBA.
func (r *binaryReader) ReadColor() (bio.Color, error) {
	b, err := r.in.Bytes(4)
	if err != nil {
		return bio.Color{}, err
	}
	return bio.Color{R: b[2], G: b[1], B: b[0], A: b[3]}, nil
}

func (r *binaryReader) ReadVec3() (bio.Vec3, error) {
	return r.in.ReadVec3()
}

func (r *binaryReader) ReadVec2() (bio.Vec2, error) {
	return r.in.ReadVec2()
}

func (r *binaryReader) ReadBBox() (bio.AABB, error) {
	var box bio.AABB
	var err error
	if box.Min, err = r.in.ReadVec3(); err != nil {
		return box, err
	}
	box.Max, err = r.in.ReadVec3()
	return box, err
}

func (r *binaryReader) ReadMat3() (bio.Mat3, error) {
	return r.in.ReadMat3()
}

// ReadRaw returns everything up to the end of the current object.
func (r *binaryReader) ReadRaw() ([]byte, error) {
	n := r.in.Remaining()
	if len(r.objectEnd) > 0 {
		n = r.objectEnd[len(r.objectEnd)-1] - r.in.Position()
	}
	return r.in.Bytes(n)
}

// Visit cannot work without per-entry type tags.
func (r *binaryReader) Visit(openObject bool, fn VisitFunc) error {
	return fmt.Errorf("%w: visit a binary archive", ErrOperationUnsupported)
}
