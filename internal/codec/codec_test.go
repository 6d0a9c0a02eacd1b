package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	b, err := Encode(m)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	return got
}

func TestEntryRoundTrip(t *testing.T) {
	addr := Address{Host: "10.0.0.1", Port: 7000}

	cases := []Message{
		&NoOpEntry{Header: Header{Index: 1, Term: 2}},
		&ConfigurationEntry{Header: Header{Index: 1, Term: 2}, Active: []Address{addr}, Passive: nil},
		&RegisterEntry{Header: Header{Index: 1, Term: 2}, Member: addr, Timestamp: 42},
		&KeepAliveEntry{Header: Header{Index: 1, Term: 2}, Session: 7, Timestamp: 42},
		&CommandEntry{Header: Header{Index: 1, Term: 2}, Session: 7, Request: 3, Response: 2, Timestamp: 42, Command: []byte("put a 1")},
		&QueryEntry{Header: Header{Index: 1, Term: 2}, Session: 7, Version: 9, Timestamp: 42, Query: []byte("get a")},
		&JoinEntry{Header: Header{Index: 1, Term: 2}, Member: addr},
		&LeaveEntry{Header: Header{Index: 1, Term: 2}, Member: addr},
		&PromoteEntry{Header: Header{Index: 1, Term: 2}, Member: addr},
		&DemoteEntry{Header: Header{Index: 1, Term: 2}, Member: addr},
	}

	for _, want := range cases {
		got := roundTrip(t, want)
		assert.Equal(t, want, got)
	}
}

func TestWireMessageRoundTrip(t *testing.T) {
	addr := Address{Host: "10.0.0.1", Port: 7000}

	cases := []Message{
		&AppendRequest{Term: 5, Leader: addr, PrevLogIndex: 1, PrevLogTerm: 1, CommitIndex: 1, GlobalIndex: 1},
		&AppendResponse{Status: StatusOK, Term: 5, Success: true, ConflictIndex: 0, ConflictTerm: -1, LogIndex: 3},
		&VoteRequest{Term: 5, Candidate: addr, LastLogIndex: 3, LastLogTerm: 4},
		&VoteResponse{Status: StatusOK, Term: 5, VoteGranted: true, Voter: addr},
		&PollRequest{Term: 5, Candidate: addr, LastLogIndex: 3, LastLogTerm: 4},
		&PollResponse{Status: StatusOK, Term: 5, Accepted: true},
		&CommandRequest{Session: 7, Request: 3, Command: []byte("put a 1")},
		&CommandResponse{Status: StatusOK, Error: ErrNone, Index: 9, Response: []byte("ok")},
		&QueryRequest{Session: 7, Query: []byte("get a"), Consistency: 1},
		&QueryResponse{Status: StatusOK, Error: ErrNone, Version: 9, Response: []byte("1")},
		&RegisterRequest{Client: addr},
		&RegisterResponse{Status: StatusOK, Error: ErrNone, Session: 7, Leader: addr, Members: []Address{addr}},
		&KeepAliveRequest{Session: 7},
		&KeepAliveResponse{Status: StatusOK, Error: ErrNone, Leader: addr},
		&JoinRequest{Member: addr},
		&JoinResponse{Status: StatusOK, Active: []Address{addr}, Passive: nil},
		&LeaveRequest{Member: addr},
		&LeaveResponse{Status: StatusOK},
		&PromoteRequest{Member: addr},
		&PromoteResponse{Status: StatusOK},
		&DemoteRequest{Member: addr},
		&DemoteResponse{Status: StatusOK},
	}

	for _, want := range cases {
		got := roundTrip(t, want)
		assert.Equal(t, want, got)
	}
}

func TestDecodeEmptyBufferFails(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)
}

func TestDecodeUnknownTypeIDFails(t *testing.T) {
	_, err := Decode([]byte{255})
	assert.Error(t, err)
}

func TestRaftErrorString(t *testing.T) {
	assert.Equal(t, "NO_LEADER", ErrNoLeader.String())
	assert.Equal(t, "UNKNOWN", RaftError(250).String())
}
