package storage

import (
	"testing"

	"github.com/copycat-project/copycat/internal/codec"
	"github.com/stretchr/testify/require"
)

func cmd(term uint64, payload string) *codec.CommandEntry {
	return &codec.CommandEntry{Header: codec.Header{Term: term}, Command: []byte(payload)}
}

func TestLogAppendAndGet(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir, "raft", 256, 4096, 100, nil)
	require.NoError(t, err)
	defer l.Close()

	entries := []codec.Entry{cmd(1, "a"), cmd(1, "b"), cmd(1, "c")}
	require.NoError(t, l.Append(entries))

	require.Equal(t, uint64(1), l.FirstIndex())
	require.Equal(t, uint64(3), l.LastIndex())

	got, err := l.Get(2)
	require.NoError(t, err)
	require.Equal(t, "b", string(got.(*codec.CommandEntry).Command))
}

func TestLogRolloverAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	// Tiny segment so a handful of entries force rollover.
	l, err := OpenLog(dir, "raft", 256, 64, 2, nil)
	require.NoError(t, err)
	defer l.Close()

	var entries []codec.Entry
	for i := 0; i < 6; i++ {
		entries = append(entries, cmd(1, "x"))
	}
	require.NoError(t, l.Append(entries))
	require.Equal(t, uint64(6), l.LastIndex())
	require.True(t, len(l.Segments()) > 1)

	for i := uint64(1); i <= 6; i++ {
		_, err := l.Get(i)
		require.NoErrorf(t, err, "index %d", i)
	}
}

func TestLogReopenReconciles(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir, "raft", 256, 64, 2, nil)
	require.NoError(t, err)

	var entries []codec.Entry
	for i := 0; i < 5; i++ {
		entries = append(entries, cmd(1, "x"))
	}
	require.NoError(t, l.Append(entries))
	require.NoError(t, l.Close())

	l2, err := OpenLog(dir, "raft", 256, 64, 2, nil)
	require.NoError(t, err)
	defer l2.Close()

	require.Equal(t, uint64(5), l2.LastIndex())
	for i := uint64(1); i <= 5; i++ {
		_, err := l2.Get(i)
		require.NoErrorf(t, err, "index %d", i)
	}
}

func TestLogTruncate(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir, "raft", 256, 4096, 100, nil)
	require.NoError(t, err)
	defer l.Close()

	var entries []codec.Entry
	for i := 0; i < 5; i++ {
		entries = append(entries, cmd(1, "x"))
	}
	require.NoError(t, l.Append(entries))
	require.NoError(t, l.Truncate(3))

	require.Equal(t, uint64(2), l.LastIndex())
	_, err = l.Get(3)
	require.Error(t, err)

	require.NoError(t, l.Append([]codec.Entry{cmd(2, "y")}))
	require.Equal(t, uint64(3), l.LastIndex())
	got, err := l.Get(3)
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.GetTerm())
}
