package storage

import "sort"

// indexSparsity controls how often a mark is recorded: every Nth appended
// entry gets a direct (index -> byte offset) mapping, and lookups that fall
// between two marks scan forward from the nearest preceding one. This keeps
// the in-memory index sub-linear in segment size while still giving
// near-O(1) lookups, the way a sparse index over a sorted SSTable does.
//
// Marks are keyed by the entry's actual logical index rather than its
// ordinal position within the segment, because compaction can drop
// individual entries and leave gaps in the index sequence a segment holds.
const indexSparsity = 16

// OffsetIndex maps a subset of a segment's entry indices to the byte offset
// of that entry's header within the segment's entry region.
type OffsetIndex struct {
	indices []uint64 // entry indices with a recorded mark, sorted ascending
	offsets []uint32 // parallel byte offsets
	seq     uint32   // count of entries appended/seen so far, for sparsity
}

// NewOffsetIndex returns an empty index.
func NewOffsetIndex() *OffsetIndex {
	return &OffsetIndex{}
}

// Put records a mark for the entry at the given logical index and byte
// offset. Calls are counted internally (seq); only every indexSparsity-th
// entry (and the first) is actually retained.
func (x *OffsetIndex) Put(index uint64, offset uint32) {
	if x.seq%indexSparsity == 0 {
		x.indices = append(x.indices, index)
		x.offsets = append(x.offsets, offset)
	}
	x.seq++
}

// Get returns the exact byte offset recorded for index, if a mark exists
// for it.
func (x *OffsetIndex) Get(index uint64) (uint32, bool) {
	i := sort.Search(len(x.indices), func(i int) bool { return x.indices[i] >= index })
	if i < len(x.indices) && x.indices[i] == index {
		return x.offsets[i], true
	}
	return 0, false
}

// Nearest returns the latest recorded mark at or before index, for a caller
// to scan forward from. ok is false if the index is empty.
func (x *OffsetIndex) Nearest(index uint64) (markIndex uint64, markByte uint32, ok bool) {
	i := sort.Search(len(x.indices), func(i int) bool { return x.indices[i] > index })
	if i == 0 {
		return 0, 0, false
	}
	return x.indices[i-1], x.offsets[i-1], true
}

// Len returns the number of marks retained (not the number of entries).
func (x *OffsetIndex) Len() int { return len(x.indices) }
