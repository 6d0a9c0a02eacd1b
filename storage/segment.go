package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/copycat-project/copycat/internal/codec"
	"github.com/copycat-project/copycat/storage/buffer"
)

// segmentMagic tags the descriptor header so a mis-sized or foreign file is
// never mistaken for a segment.
const segmentMagic = uint32(0x43504b54) // "CPKT"

const descriptorVersion = uint8(1)

// descriptorSize is the fixed on-disk size of a segment's header: magic(4)
// + descVersion(1) + id(8) + version(8) + firstIndex(8) + updated(8) +
// maxEntrySize(4) + maxSegmentSize(4) + maxEntries(4) + locked(1), padded
// to 64 bytes.
const descriptorSize = 64

const entryHeaderSize = 8 // length(4) + crc32c(4)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// descriptor is a segment's fixed-size header.
type descriptor struct {
	id             uint64
	version        uint64
	firstIndex     uint64
	updated        int64
	maxEntrySize   uint32
	maxSegmentSize uint32
	maxEntries     uint32
	locked         bool
}

func (d descriptor) encode() []byte {
	b := make([]byte, descriptorSize)
	binary.BigEndian.PutUint32(b[0:4], segmentMagic)
	b[4] = descriptorVersion
	binary.BigEndian.PutUint64(b[5:13], d.id)
	binary.BigEndian.PutUint64(b[13:21], d.version)
	binary.BigEndian.PutUint64(b[21:29], d.firstIndex)
	binary.BigEndian.PutUint64(b[29:37], uint64(d.updated))
	binary.BigEndian.PutUint32(b[37:41], d.maxEntrySize)
	binary.BigEndian.PutUint32(b[41:45], d.maxSegmentSize)
	binary.BigEndian.PutUint32(b[45:49], d.maxEntries)
	if d.locked {
		b[49] = 1
	}
	return b
}

func decodeDescriptor(b []byte) (descriptor, error) {
	var d descriptor
	if len(b) < descriptorSize {
		return d, fmt.Errorf("storage: short descriptor (%d bytes)", len(b))
	}
	if binary.BigEndian.Uint32(b[0:4]) != segmentMagic {
		return d, fmt.Errorf("storage: bad segment magic")
	}
	if b[4] != descriptorVersion {
		return d, fmt.Errorf("storage: unsupported descriptor version %d", b[4])
	}
	d.id = binary.BigEndian.Uint64(b[5:13])
	d.version = binary.BigEndian.Uint64(b[13:21])
	d.firstIndex = binary.BigEndian.Uint64(b[21:29])
	d.updated = int64(binary.BigEndian.Uint64(b[29:37]))
	d.maxEntrySize = binary.BigEndian.Uint32(b[37:41])
	d.maxSegmentSize = binary.BigEndian.Uint32(b[41:45])
	d.maxEntries = binary.BigEndian.Uint32(b[45:49])
	d.locked = b[49] != 0
	return d, nil
}

// segmentFileName follows "<log-name>-<segmentId>-<version>.log".
func segmentFileName(logName string, id, version uint64) string {
	return fmt.Sprintf("%s-%d-%d.log", logName, id, version)
}

// Segment is an append-only file of entries past a fixed-size descriptor,
// with a sparse in-memory OffsetIndex mapping entry index to byte offset
// into the entry region. Index gaps are possible after compaction rewrites
// a segment to drop cleanable entries, so offsets are keyed by each entry's
// real index rather than its ordinal position.
type Segment struct {
	mu   sync.RWMutex
	desc descriptor
	path string
	f    *os.File
	idx  *OffsetIndex

	length       uint32 // number of entries actually present
	lastIndex    uint64 // highest entry index appended; firstIndex-1 if empty
	bytesWritten uint32 // bytes written in the entry region
	pool         *buffer.Pool
	mapped       *buffer.MappedRegion // non-nil once the segment is sealed
}

// CreateSegment creates a brand-new, writable segment file at version 1.
func CreateSegment(dir, logName string, id, firstIndex uint64, maxEntrySize, maxSegmentSize, maxEntries uint32, pool *buffer.Pool) (*Segment, error) {
	return createSegmentVersion(dir, logName, id, 1, firstIndex, maxEntrySize, maxSegmentSize, maxEntries, pool)
}

// createSegmentVersion creates a brand-new segment file at an explicit
// version, used by compaction to write the rewritten/merged replacement for
// an existing segment id without colliding with its old file name.
func createSegmentVersion(dir, logName string, id, version, firstIndex uint64, maxEntrySize, maxSegmentSize, maxEntries uint32, pool *buffer.Pool) (*Segment, error) {
	desc := descriptor{
		id:             id,
		version:        version,
		firstIndex:     firstIndex,
		maxEntrySize:   maxEntrySize,
		maxSegmentSize: maxSegmentSize,
		maxEntries:     maxEntries,
	}
	path := filepath.Join(dir, segmentFileName(logName, id, desc.version))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: create segment: %w", err)
	}
	if _, err := f.Write(desc.encode()); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: write descriptor: %w", err)
	}
	return &Segment{desc: desc, path: path, f: f, idx: NewOffsetIndex(), pool: pool, lastIndex: firstIndex - 1}, nil
}

// OpenSegment opens an existing segment file and rebuilds its OffsetIndex by
// scanning the entry region, validating CRCs and decoding each entry's real
// index as it goes. Scanning stops at the first corrupt or truncated entry;
// everything before that point is trusted.
func OpenSegment(path string, pool *buffer.Pool) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open segment: %w", err)
	}
	header := make([]byte, descriptorSize)
	if _, err := io.ReadFull(f, header); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: read descriptor: %w", err)
	}
	desc, err := decodeDescriptor(header)
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &Segment{desc: desc, path: path, f: f, idx: NewOffsetIndex(), pool: pool, lastIndex: desc.firstIndex - 1}
	if err := s.rebuildIndex(); err != nil {
		f.Close()
		return nil, err
	}
	if s.desc.locked {
		if err := s.mapLocked(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

// mapLocked mmaps the segment file read-only so reads against a sealed
// segment serve straight out of the page cache instead of going through
// ReadAt. Only safe once the segment is sealed, since the mapping is never
// refreshed after appends.
func (s *Segment) mapLocked() error {
	m, err := buffer.MapFile(s.f)
	if err != nil {
		return fmt.Errorf("storage: mmap segment %d: %w", s.desc.id, err)
	}
	s.mapped = m
	return nil
}

// rebuildIndex scans the entry region from the start, decoding each entry
// to learn its real index, populating idx and length/bytesWritten/lastIndex.
// Stops (without error) at EOF or the first checksum/decode failure,
// truncating the file to the last valid entry boundary.
func (s *Segment) rebuildIndex() error {
	if _, err := s.f.Seek(descriptorSize, io.SeekStart); err != nil {
		return fmt.Errorf("storage: seek entry region: %w", err)
	}
	var off uint32
	var count uint32
	for {
		header := make([]byte, entryHeaderSize)
		n, err := io.ReadFull(s.f, header)
		if err != nil {
			if n == 0 || err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return fmt.Errorf("storage: read entry header: %w", err)
		}
		length := binary.BigEndian.Uint32(header[0:4])
		crc := binary.BigEndian.Uint32(header[4:8])
		if length > s.desc.maxEntrySize*2+4096 {
			break // implausible length: corruption/truncation boundary
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(s.f, payload); err != nil {
			break
		}
		if crc32.Checksum(payload, crc32cTable) != crc {
			break
		}
		m, err := codec.Decode(payload)
		if err != nil {
			break
		}
		entry, ok := m.(codec.Entry)
		if !ok {
			break
		}
		s.idx.Put(entry.GetIndex(), off)
		s.lastIndex = entry.GetIndex()
		off += entryHeaderSize + length
		count++
	}
	s.length = count
	s.bytesWritten = off
	if err := s.f.Truncate(int64(descriptorSize) + int64(off)); err != nil {
		return fmt.Errorf("storage: truncate to valid region: %w", err)
	}
	if _, err := s.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

func (s *Segment) ID() uint64         { return s.desc.id }
func (s *Segment) Version() uint64    { return s.desc.version }
func (s *Segment) FirstIndex() uint64 { return s.desc.firstIndex }
func (s *Segment) Locked() bool       { s.mu.RLock(); defer s.mu.RUnlock(); return s.desc.locked }
func (s *Segment) Path() string       { return s.path }

// Length returns the number of entries currently present.
func (s *Segment) Length() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length
}

// LastIndex returns the highest entry index present, or firstIndex-1 if
// empty.
func (s *Segment) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex
}

// Full reports whether the segment has reached its entry or byte ceiling.
func (s *Segment) Full() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length >= s.desc.maxEntries || s.bytesWritten >= s.desc.maxSegmentSize
}

// Append writes a single pre-encoded entry payload at the next sequential
// index (firstIndex + count of entries already present), returning that
// index. Used for ordinary, gapless log writes. Fails if the segment is
// locked or the payload exceeds maxEntrySize; it does not check Full, which
// Log.Append does before each call.
func (s *Segment) Append(payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.desc.firstIndex + uint64(s.length)
	return idx, s.appendAtLocked(idx, payload)
}

// AppendAt writes a single pre-encoded entry payload under an explicit
// index, preserving gaps. Used by compaction when rewriting a segment with
// some entries dropped.
func (s *Segment) AppendAt(index uint64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendAtLocked(index, payload)
}

func (s *Segment) appendAtLocked(index uint64, payload []byte) error {
	if s.desc.locked {
		return fmt.Errorf("storage: segment %d is sealed", s.desc.id)
	}
	if uint32(len(payload)) > s.desc.maxEntrySize {
		return fmt.Errorf("storage: entry of %d bytes exceeds maxEntrySize %d", len(payload), s.desc.maxEntrySize)
	}

	rec := s.pool.Get(entryHeaderSize + len(payload))
	defer rec.Release()
	buf := rec.Bytes()
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], crc32.Checksum(payload, crc32cTable))
	copy(buf[entryHeaderSize:], payload)

	if _, err := s.f.Write(buf); err != nil {
		return fmt.Errorf("storage: write entry record: %w", err)
	}

	s.idx.Put(index, s.bytesWritten)
	s.length++
	s.lastIndex = index
	s.bytesWritten += entryHeaderSize + uint32(len(payload))
	return nil
}

// Sync fsyncs the segment file.
func (s *Segment) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.f.Sync()
}

// Read returns the raw encoded entry payload at the given logical index.
func (s *Segment) Read(index uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < s.desc.firstIndex || index > s.lastIndex {
		return nil, fmt.Errorf("storage: index %d out of range for segment %d [%d,%d]", index, s.desc.id, s.desc.firstIndex, s.lastIndex)
	}
	off, ok := s.idx.Get(index)
	if !ok {
		markIndex, markByte, found := s.idx.Nearest(index)
		if !found {
			markIndex, markByte = s.desc.firstIndex, 0
		}
		var err error
		off, err = s.scanToOffset(markIndex, markByte, index)
		if err != nil {
			return nil, err
		}
	}
	return s.readAt(off, index)
}

// readRecord returns the header and payload bytes for the record at byte
// offset off in the entry region. Sealed segments serve straight out of the
// mmap'd region; the still-writable current segment stages the read through
// pooled buffers instead of a pair of one-off allocations. release must be
// called once the caller is done with the returned slices.
func (s *Segment) readRecord(off uint32) (header, payload []byte, release func(), err error) {
	if s.mapped != nil {
		hdrBuf, err := s.mapped.Slice(descriptorSize+int(off), entryHeaderSize)
		if err != nil {
			return nil, nil, nil, err
		}
		length := binary.BigEndian.Uint32(hdrBuf.Bytes()[0:4])
		payloadBuf, err := s.mapped.Slice(descriptorSize+int(off)+entryHeaderSize, int(length))
		if err != nil {
			hdrBuf.Release()
			return nil, nil, nil, err
		}
		return hdrBuf.Bytes(), payloadBuf.Bytes(), func() { hdrBuf.Release(); payloadBuf.Release() }, nil
	}

	hdrBuf := s.pool.Get(entryHeaderSize)
	if _, err := s.f.ReadAt(hdrBuf.Bytes(), int64(descriptorSize)+int64(off)); err != nil {
		hdrBuf.Release()
		return nil, nil, nil, fmt.Errorf("read entry header: %w", err)
	}
	length := binary.BigEndian.Uint32(hdrBuf.Bytes()[0:4])
	payloadBuf := s.pool.Get(int(length))
	if _, err := s.f.ReadAt(payloadBuf.Bytes(), int64(descriptorSize)+int64(off)+entryHeaderSize); err != nil {
		hdrBuf.Release()
		payloadBuf.Release()
		return nil, nil, nil, fmt.Errorf("read entry payload: %w", err)
	}
	return hdrBuf.Bytes(), payloadBuf.Bytes(), func() { hdrBuf.Release(); payloadBuf.Release() }, nil
}

func (s *Segment) readAt(off uint32, wantIndex uint64) ([]byte, error) {
	header, payload, release, err := s.readRecord(off)
	if err != nil {
		return nil, fmt.Errorf("storage: read entry at offset %d: %w", off, err)
	}
	defer release()
	crc := binary.BigEndian.Uint32(header[4:8])
	if crc32.Checksum(payload, crc32cTable) != crc {
		return nil, fmt.Errorf("storage: crc mismatch at index %d", wantIndex)
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

// scanToOffset walks forward entry-by-entry from a known (index, byte
// offset) mark, decoding each entry's real index, until it finds target.
// Used when target falls between two sparse index marks, which may happen
// across a compaction-induced gap.
func (s *Segment) scanToOffset(fromIndex uint64, fromByte uint32, target uint64) (uint32, error) {
	_ = fromIndex
	off := fromByte
	for {
		header, payload, release, err := s.readRecord(off)
		if err != nil {
			return 0, fmt.Errorf("storage: scan to index %d: %w", target, err)
		}
		length := binary.BigEndian.Uint32(header[0:4])
		m, decErr := codec.Decode(payload)
		release()
		if decErr != nil {
			return 0, fmt.Errorf("storage: scan to index %d: %w", target, decErr)
		}
		entry := m.(codec.Entry)
		switch {
		case entry.GetIndex() == target:
			return off, nil
		case entry.GetIndex() > target:
			return 0, fmt.Errorf("storage: index %d not present (passed it during scan)", target)
		default:
			off += entryHeaderSize + length
		}
	}
}

// Seal durably locks the segment: no further Append calls will succeed,
// and after a crash only locked segments are trusted.
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.desc.locked {
		return nil
	}
	s.desc.locked = true
	s.desc.updated = time.Now().UnixMilli()
	if _, err := s.f.WriteAt(s.desc.encode(), 0); err != nil {
		return fmt.Errorf("storage: write sealed descriptor: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return err
	}
	return s.mapLocked()
}

// Close unmaps the segment (if sealed) and releases the file handle.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapped != nil {
		if err := s.mapped.Close(); err != nil {
			return err
		}
		s.mapped = nil
	}
	return s.f.Close()
}

// Remove closes and deletes the segment file from disk, used by compaction
// to drop superseded segments.
func (s *Segment) Remove() error {
	s.Close()
	return os.Remove(s.path)
}
