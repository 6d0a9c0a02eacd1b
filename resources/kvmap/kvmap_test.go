package kvmap

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCmd(t *testing.T, c Command) []byte {
	t.Helper()
	b, err := json.Marshal(c)
	require.NoError(t, err)
	return b
}

func mustQuery(t *testing.T, key string) []byte {
	t.Helper()
	b, err := json.Marshal(Query{Key: key})
	require.NoError(t, err)
	return b
}

func decodeResult(t *testing.T, b []byte) Result {
	t.Helper()
	var r Result
	require.NoError(t, json.Unmarshal(b, &r))
	return r
}

func TestApplyPutAndRead(t *testing.T) {
	m := New()
	now := time.Now().UnixNano()

	_, err := m.Apply(1, now, mustCmd(t, Command{Op: OpPut, Key: "a", Value: "1"}))
	require.NoError(t, err)

	out, err := m.Read(mustQuery(t, "a"))
	require.NoError(t, err)
	res := decodeResult(t, out)
	assert.True(t, res.Ok)
	assert.Equal(t, "1", res.Value)
}

func TestApplyDelete(t *testing.T) {
	m := New()
	now := time.Now().UnixNano()
	_, err := m.Apply(1, now, mustCmd(t, Command{Op: OpPut, Key: "a", Value: "1"}))
	require.NoError(t, err)

	_, err = m.Apply(2, now, mustCmd(t, Command{Op: OpDelete, Key: "a"}))
	require.NoError(t, err)

	out, err := m.Read(mustQuery(t, "a"))
	require.NoError(t, err)
	assert.False(t, decodeResult(t, out).Ok)
}

func TestTTLExpiry(t *testing.T) {
	m := New()
	now := time.Now().UnixNano()

	_, err := m.Apply(1, now, mustCmd(t, Command{Op: OpPut, Key: "a", Value: "1", TTL: int64(time.Nanosecond)}))
	require.NoError(t, err)

	time.Sleep(time.Millisecond)

	out, err := m.Read(mustQuery(t, "a"))
	require.NoError(t, err)
	assert.False(t, decodeResult(t, out).Ok, "key should have expired")
}

func TestTTLZeroMeansNoExpiry(t *testing.T) {
	m := New()
	now := time.Now().UnixNano()
	_, err := m.Apply(1, now, mustCmd(t, Command{Op: OpPut, Key: "a", Value: "1"}))
	require.NoError(t, err)

	out, err := m.Read(mustQuery(t, "a"))
	require.NoError(t, err)
	assert.True(t, decodeResult(t, out).Ok)
}

func TestSnapshotRestore(t *testing.T) {
	m := New()
	now := time.Now().UnixNano()
	_, err := m.Apply(1, now, mustCmd(t, Command{Op: OpPut, Key: "a", Value: "1"}))
	require.NoError(t, err)
	_, err = m.Apply(2, now, mustCmd(t, Command{Op: OpPut, Key: "b", Value: "2"}))
	require.NoError(t, err)

	snap, err := m.Snapshot()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.Restore(snap))

	out, err := restored.Read(mustQuery(t, "b"))
	require.NoError(t, err)
	assert.Equal(t, "2", decodeResult(t, out).Value)
}

func TestApplyUnknownOp(t *testing.T) {
	m := New()
	_, err := m.Apply(1, time.Now().UnixNano(), mustCmd(t, Command{Op: "BOGUS", Key: "a"}))
	assert.Error(t, err)
}
