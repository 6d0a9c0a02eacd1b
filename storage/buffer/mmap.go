package buffer

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MappedRegion is a memory-mapped view of a file, used by sealed segments
// to serve reads without copying into heap buffers.
type MappedRegion struct {
	data []byte
}

// MapFile maps the full contents of f read-only into memory.
func MapFile(f *os.File) (*MappedRegion, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("buffer: stat for mmap: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return &MappedRegion{data: nil}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("buffer: mmap: %w", err)
	}
	return &MappedRegion{data: data}, nil
}

// Slice returns a Buffer view over [off, off+n) of the mapped region. The
// returned Buffer must not outlive the MappedRegion.
func (m *MappedRegion) Slice(off, n int) (*Buffer, error) {
	if off < 0 || n < 0 || off+n > len(m.data) {
		return nil, fmt.Errorf("buffer: slice [%d:%d] out of range (mapped len %d)", off, off+n, len(m.data))
	}
	return Wrap(m.data[off:off+n], true), nil
}

// Len returns the size of the mapped region in bytes.
func (m *MappedRegion) Len() int { return len(m.data) }

// Close unmaps the region. Safe to call on an empty (zero-length) mapping.
func (m *MappedRegion) Close() error {
	if m.data == nil {
		return nil
	}
	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("buffer: munmap: %w", err)
	}
	m.data = nil
	return nil
}
