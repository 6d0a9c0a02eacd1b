package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/copycat-project/copycat/internal/codec"
	"github.com/copycat-project/copycat/pkg/logger"
	"github.com/copycat-project/copycat/storage/buffer"
)

var segmentFileRE = regexp.MustCompile(`^(.+)-(\d+)-(\d+)\.log$`)

// Gap records a range of indices known to be missing from the log, either
// because reconciliation found a hole between segments or because a
// truncated/corrupt segment tail was discarded on startup.
type Gap struct {
	From, To uint64 // inclusive range [From, To]
}

// Log is an ordered collection of segments keyed by firstIndex. Exactly one
// segment is "current" (writable, newest); all others are sealed. Safe for
// concurrent use.
type Log struct {
	mu  sync.Mutex
	log *slog.Logger

	dir     string
	name    string
	pool    *buffer.Pool
	segs    []*Segment // sorted by firstIndex ascending
	current *Segment

	maxEntrySize   uint32
	maxSegmentSize uint32
	maxEntries     uint32
	nextSegmentID  uint64

	commitIndex uint64
	globalIndex uint64
	gaps        []Gap
}

// OpenLog loads (or creates, if dir is empty) the segment log rooted at dir.
func OpenLog(dir, name string, maxEntrySize, maxSegmentSize, maxEntries uint32, log *slog.Logger) (*Log, error) {
	if log == nil {
		log = logger.NewLogger(logger.Prod, false)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("storage: mkdir log dir: %w", err)
	}
	l := &Log{
		log:            log,
		dir:            dir,
		name:           name,
		pool:           buffer.NewPool(int(maxEntrySize)),
		maxEntrySize:   maxEntrySize,
		maxSegmentSize: maxSegmentSize,
		maxEntries:     maxEntries,
	}
	if err := l.reconcile(); err != nil {
		return nil, err
	}
	if l.current == nil {
		seg, err := CreateSegment(dir, name, l.nextSegmentID, 1, maxEntrySize, maxSegmentSize, maxEntries, l.pool)
		if err != nil {
			return nil, err
		}
		l.nextSegmentID++
		l.segs = append(l.segs, seg)
		l.current = seg
	}
	return l, nil
}

// reconcile scans the directory, groups segment files by id, keeps only the
// highest version per id (deleting superseded lower-version files per
// invariant I4), opens the survivors, sorts them by firstIndex, and records
// any gaps between consecutive segment ranges.
func (l *Log) reconcile() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("storage: read log dir: %w", err)
	}

	type candidate struct {
		path    string
		id      uint64
		version uint64
	}
	byID := make(map[uint64]candidate)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentFileRE.FindStringSubmatch(e.Name())
		if m == nil || m[1] != l.name {
			continue
		}
		id, err1 := strconv.ParseUint(m[2], 10, 64)
		version, err2 := strconv.ParseUint(m[3], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if prev, ok := byID[id]; !ok || version > prev.version {
			byID[id] = candidate{path: filepath.Join(l.dir, e.Name()), id: id, version: version}
		}
	}

	for id, c := range byID {
		for v := uint64(1); v < c.version; v++ {
			stale := filepath.Join(l.dir, segmentFileName(l.name, id, v))
			if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
				l.log.Warn("storage: failed removing superseded segment version", logger.ErrAttr(err))
			}
		}
	}

	var segs []*Segment
	for _, c := range byID {
		seg, err := OpenSegment(c.path, l.pool)
		if err != nil {
			return fmt.Errorf("storage: open segment %s: %w", c.path, err)
		}
		segs = append(segs, seg)
		if seg.ID() >= l.nextSegmentID {
			l.nextSegmentID = seg.ID() + 1
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].FirstIndex() < segs[j].FirstIndex() })

	for i, seg := range segs {
		if i > 0 {
			prevLast := segs[i-1].LastIndex()
			if seg.FirstIndex() > prevLast+1 {
				l.gaps = append(l.gaps, Gap{From: prevLast + 1, To: seg.FirstIndex() - 1})
			}
		}
	}

	l.segs = segs
	if n := len(segs); n > 0 {
		last := segs[n-1]
		if !last.Locked() {
			l.current = last
		} else {
			// Every on-disk segment was sealed (e.g. clean shutdown right
			// at a rollover boundary); a new writable segment is created
			// by the caller.
			l.current = nil
		}
	}
	return nil
}

// Gaps returns the index ranges known to be missing, for diagnostics.
func (l *Log) Gaps() []Gap {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Gap, len(l.gaps))
	copy(out, l.gaps)
	return out
}

// FirstIndex returns the lowest index retained across all segments, or 0 if
// the log is empty.
func (l *Log) FirstIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.segs) == 0 {
		return 0
	}
	return l.segs[0].FirstIndex()
}

// LastIndex returns the highest appended index, or 0 if the log is empty.
func (l *Log) LastIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastIndexLocked()
}

func (l *Log) lastIndexLocked() uint64 {
	if l.current != nil && l.current.Length() > 0 {
		return l.current.LastIndex()
	}
	for i := len(l.segs) - 1; i >= 0; i-- {
		if l.segs[i].Length() > 0 {
			return l.segs[i].LastIndex()
		}
	}
	return 0
}

// IsEmpty reports whether the log holds no entries at all.
func (l *Log) IsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastIndexLocked() == 0
}

// segmentFor returns the segment covering index, or nil.
func (l *Log) segmentFor(index uint64) *Segment {
	i := sort.Search(len(l.segs), func(i int) bool { return l.segs[i].FirstIndex() > index })
	if i == 0 {
		return nil
	}
	seg := l.segs[i-1]
	if index > seg.LastIndex() {
		return nil
	}
	return seg
}

// ContainsIndex reports whether index is present and readable.
func (l *Log) ContainsIndex(index uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segmentFor(index) != nil
}

// TermAt returns the term of the entry at index.
func (l *Log) TermAt(index uint64) (uint64, error) {
	e, err := l.Get(index)
	if err != nil {
		return 0, err
	}
	return e.GetTerm(), nil
}

// Get returns the decoded entry at index.
func (l *Log) Get(index uint64) (codec.Entry, error) {
	l.mu.Lock()
	seg := l.segmentFor(index)
	l.mu.Unlock()
	if seg == nil {
		return nil, fmt.Errorf("storage: index %d not present", index)
	}
	raw, err := seg.Read(index)
	if err != nil {
		return nil, err
	}
	m, err := codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("storage: decode entry %d: %w", index, err)
	}
	entry, ok := m.(codec.Entry)
	if !ok {
		return nil, fmt.Errorf("storage: decoded message at %d is not an Entry", index)
	}
	return entry, nil
}

// Entries returns decoded entries in [from, to).
func (l *Log) Entries(from, to uint64) ([]codec.Entry, error) {
	if to <= from {
		return nil, nil
	}
	out := make([]codec.Entry, 0, to-from)
	for i := from; i < to; i++ {
		e, err := l.Get(i)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Append writes entries sequentially, rolling over to a new segment
// whenever the current one becomes full.
func (l *Log) Append(entries []codec.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		if l.current.Full() {
			if err := l.rollover(); err != nil {
				return err
			}
		}
		e.SetIndex(l.current.FirstIndex() + uint64(l.current.Length()))
		body, err := codec.Encode(e)
		if err != nil {
			return fmt.Errorf("storage: encode entry: %w", err)
		}
		if _, err := l.current.Append(body); err != nil {
			return err
		}
	}
	return nil
}

// Sync fsyncs the current segment.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil
	}
	return l.current.Sync()
}

func (l *Log) rollover() error {
	if err := l.current.Seal(); err != nil {
		return fmt.Errorf("storage: seal segment %d: %w", l.current.ID(), err)
	}
	nextFirst := l.current.LastIndex() + 1
	seg, err := CreateSegment(l.dir, l.name, l.nextSegmentID, nextFirst, l.maxEntrySize, l.maxSegmentSize, l.maxEntries, l.pool)
	if err != nil {
		return err
	}
	l.nextSegmentID++
	l.segs = append(l.segs, seg)
	l.current = seg
	return nil
}

// Truncate discards all entries with index >= from. Segments entirely past
// from are deleted; a segment straddling from is rewritten in place.
func (l *Log) Truncate(from uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var kept []*Segment
	for _, seg := range l.segs {
		if seg.FirstIndex() >= from {
			if err := seg.Remove(); err != nil {
				return fmt.Errorf("storage: remove segment %d during truncate: %w", seg.ID(), err)
			}
			continue
		}
		kept = append(kept, seg)
	}
	l.segs = kept

	if len(kept) == 0 {
		seg, err := CreateSegment(l.dir, l.name, l.nextSegmentID, from, l.maxEntrySize, l.maxSegmentSize, l.maxEntries, l.pool)
		if err != nil {
			return err
		}
		l.nextSegmentID++
		l.segs = []*Segment{seg}
		l.current = seg
		return nil
	}

	last := kept[len(kept)-1]
	if last.LastIndex() >= from {
		if err := l.rewriteSegmentBelow(last, from); err != nil {
			return err
		}
	}
	l.current = l.segs[len(l.segs)-1]
	if l.current.Locked() {
		if err := l.rollover(); err != nil {
			return err
		}
	}
	return nil
}

// Bootstrap discards every segment and starts a fresh, empty log whose
// first entry will land at firstIndex. Unlike Truncate, which only ever
// discards a suffix, Bootstrap resets the log to start at an arbitrary
// later point -- the shape a follower installing a snapshot needs, since
// its own log may be entirely below the snapshot's LastIncludedIndex.
func (l *Log) Bootstrap(firstIndex uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, seg := range l.segs {
		if err := seg.Remove(); err != nil {
			return fmt.Errorf("storage: remove segment %d during bootstrap: %w", seg.ID(), err)
		}
	}

	seg, err := CreateSegment(l.dir, l.name, l.nextSegmentID, firstIndex, l.maxEntrySize, l.maxSegmentSize, l.maxEntries, l.pool)
	if err != nil {
		return err
	}
	l.nextSegmentID++
	l.segs = []*Segment{seg}
	l.current = seg
	l.gaps = nil
	return nil
}

// rewriteSegmentBelow replaces seg with a new, higher-version segment
// retaining only entries with index < from.
func (l *Log) rewriteSegmentBelow(seg *Segment, from uint64) error {
	var keep []codec.Entry
	for i := seg.FirstIndex(); i < from; i++ {
		raw, err := seg.Read(i)
		if err != nil {
			continue // index absent, e.g. a compaction-induced gap
		}
		m, err := codec.Decode(raw)
		if err != nil {
			return err
		}
		keep = append(keep, m.(codec.Entry))
	}

	newSeg, err := createSegmentVersion(l.dir, l.name, seg.ID(), seg.Version()+1, seg.FirstIndex(), l.maxEntrySize, l.maxSegmentSize, l.maxEntries, l.pool)
	if err != nil {
		return err
	}
	for _, e := range keep {
		body, err := codec.Encode(e)
		if err != nil {
			return err
		}
		if err := newSeg.AppendAt(e.GetIndex(), body); err != nil {
			return err
		}
	}
	oldPath := seg.Path()
	seg.Close()
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove old segment version during rewrite: %w", err)
	}

	for i, s := range l.segs {
		if s == seg {
			l.segs[i] = newSeg
			return nil
		}
	}
	l.segs = append(l.segs, newSeg)
	return nil
}

// CommitIndex / SetCommitIndex track the locally known commit position.
func (l *Log) CommitIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitIndex
}

func (l *Log) SetCommitIndex(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index > l.commitIndex {
		l.commitIndex = index
	}
}

// GlobalIndex / SetGlobalIndex track the minimum matchIndex across every
// tracked member, active and passive, the compaction safety bound.
func (l *Log) GlobalIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalIndex
}

func (l *Log) SetGlobalIndex(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index > l.globalIndex {
		l.globalIndex = index
	}
}

// Segments returns the current segment list, oldest first. Used by the
// Compactor; callers must not mutate the returned slice.
func (l *Log) Segments() []*Segment {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Segment, len(l.segs))
	copy(out, l.segs)
	return out
}

// ReplaceSegments atomically swaps a contiguous run of old segments for a
// single new one, used by major compaction.
func (l *Log) ReplaceSegments(old []*Segment, replacement *Segment) {
	l.mu.Lock()
	defer l.mu.Unlock()

	oldSet := make(map[uint64]bool, len(old))
	for _, s := range old {
		oldSet[s.ID()] = true
	}
	var kept []*Segment
	inserted := false
	for _, s := range l.segs {
		if oldSet[s.ID()] {
			if !inserted {
				kept = append(kept, replacement)
				inserted = true
			}
			continue
		}
		kept = append(kept, s)
	}
	if !inserted {
		kept = append(kept, replacement)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].FirstIndex() < kept[j].FirstIndex() })
	l.segs = kept
}

// Close seals no segments but releases all file handles.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, seg := range l.segs {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
