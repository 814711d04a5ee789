package bio

import (
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// File is a Reader backed by a memory-mapped file. Close releases the
// mapping; the embedded Reader must not be used afterwards.
type File struct {
	*Reader
	m mmap.MMap
	f *os.File
}

// MapFile maps the file at path read-only and returns a reader over its
// contents.
func MapFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map %s: %w", path, err)
	}

	return &File{Reader: NewReader(m), m: m, f: f}, nil
}

// Close unmaps the file and closes the underlying descriptor.
func (f *File) Close() error {
	err := f.m.Unmap()
	if cerr := f.f.Close(); err == nil {
		err = cerr
	}
	return err
}
