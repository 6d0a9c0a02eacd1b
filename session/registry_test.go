package session

import (
	"testing"
	"time"

	"github.com/copycat-project/copycat/api"
	"github.com/copycat-project/copycat/internal/codec"
	"github.com/stretchr/testify/require"
)

func TestApplyRegisterAssignsIndexAsID(t *testing.T) {
	r := NewRegistry(time.Minute)
	s := r.ApplyRegister(&codec.RegisterEntry{
		Header:    codec.Header{Index: 7},
		Member:    codec.Address{Host: "h", Port: 1},
		Timestamp: 100,
	})
	require.Equal(t, uint64(7), s.ID)

	got, ok := r.Get(7)
	require.True(t, ok)
	require.Equal(t, s, got)
}

func TestApplyCommandReplaysCachedResponse(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.ApplyRegister(&codec.RegisterEntry{Header: codec.Header{Index: 1}, Timestamp: 0})

	calls := 0
	apply := func(cmd []byte) ([]byte, error) {
		calls++
		return []byte("ok"), nil
	}

	resp1, err := r.ApplyCommand(&codec.CommandEntry{Session: 1, Request: 1, Timestamp: 1, Command: []byte("x")}, apply)
	require.NoError(t, err)
	require.Equal(t, "ok", string(resp1))
	require.Equal(t, 1, calls)

	// Retried request (e.g. client never saw the ack) replays without
	// invoking apply again.
	resp2, err := r.ApplyCommand(&codec.CommandEntry{Session: 1, Request: 1, Timestamp: 2, Command: []byte("x")}, apply)
	require.NoError(t, err)
	require.Equal(t, "ok", string(resp2))
	require.Equal(t, 1, calls, "apply must not be invoked again for an already-applied request")
}

func TestApplyCommandPurgesAcknowledgedResponses(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.ApplyRegister(&codec.RegisterEntry{Header: codec.Header{Index: 1}, Timestamp: 0})
	apply := func(cmd []byte) ([]byte, error) { return cmd, nil }

	_, err := r.ApplyCommand(&codec.CommandEntry{Session: 1, Request: 1, Response: 0, Timestamp: 1, Command: []byte("a")}, apply)
	require.NoError(t, err)

	s, _ := r.Get(1)
	_, cached := s.Responses[1]
	require.True(t, cached)

	// Client acknowledges having received response 1; the next command
	// purges it from the cache.
	_, err = r.ApplyCommand(&codec.CommandEntry{Session: 1, Request: 2, Response: 1, Timestamp: 2, Command: []byte("b")}, apply)
	require.NoError(t, err)

	_, stillCached := s.Responses[1]
	require.False(t, stillCached)
}

func TestApplyCommandUnknownSession(t *testing.T) {
	r := NewRegistry(time.Minute)
	apply := func(cmd []byte) ([]byte, error) { return cmd, nil }
	_, err := r.ApplyCommand(&codec.CommandEntry{Session: 99, Request: 1}, apply)
	require.ErrorIs(t, err, api.ErrUnknownSession)
}

func TestKeepAliveExpiresStaleSessions(t *testing.T) {
	r := NewRegistry(10 * time.Second)
	r.ApplyRegister(&codec.RegisterEntry{Header: codec.Header{Index: 1}, Timestamp: 0})

	// A keep-alive from a long time later, for a different session,
	// triggers deterministic (timestamp-driven) expiry of session 1.
	r.ApplyRegister(&codec.RegisterEntry{Header: codec.Header{Index: 2}, Timestamp: int64(15 * time.Second)})
	err := r.ApplyKeepAlive(&codec.KeepAliveEntry{Session: 2, Timestamp: int64(20 * time.Second)})
	require.NoError(t, err)

	_, ok := r.Get(1)
	require.False(t, ok, "session 1 should have expired")
	_, ok = r.Get(2)
	require.True(t, ok)
}
