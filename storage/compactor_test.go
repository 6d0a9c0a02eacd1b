package storage

import (
	"testing"

	"github.com/copycat-project/copycat/internal/codec"
	"github.com/stretchr/testify/require"
)

func TestMinorCompactDropsCleanableEntries(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir, "raft", 256, 64, 2, nil)
	require.NoError(t, err)
	defer l.Close()

	var entries []codec.Entry
	for i := 0; i < 6; i++ {
		entries = append(entries, cmd(1, "x"))
	}
	require.NoError(t, l.Append(entries))
	l.SetGlobalIndex(6)

	dropAll := func(e codec.Entry) bool { return true }
	c := NewCompactor(l, dropAll, nil)
	require.NoError(t, c.MinorCompact())

	// The active (unsealed) segment is never touched; sealed segments with
	// every entry cleanable are replaced by empty sealed segments.
	for _, seg := range l.Segments() {
		if seg.Locked() {
			require.Zero(t, seg.Length())
		}
	}
}

func TestMinorCompactKeepsNonCleanable(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir, "raft", 256, 64, 2, nil)
	require.NoError(t, err)
	defer l.Close()

	// A seventh entry opens a new active segment, so the segment holding
	// index 6 is sealed and eligible for compaction.
	var entries []codec.Entry
	for i := 0; i < 7; i++ {
		entries = append(entries, cmd(1, "x"))
	}
	require.NoError(t, l.Append(entries))
	l.SetGlobalIndex(6)

	keepOdd := func(e codec.Entry) bool { return e.GetIndex()%2 == 0 }
	c := NewCompactor(l, keepOdd, nil)
	require.NoError(t, c.MinorCompact())

	for i := uint64(1); i <= 6; i++ {
		e, err := l.Get(i)
		if i%2 == 0 {
			require.Error(t, err, "index %d should have been compacted away", i)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, i, e.GetIndex())
	}
}
