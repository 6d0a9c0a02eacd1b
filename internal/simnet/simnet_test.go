package simnet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copycat-project/copycat/api"
	"github.com/copycat-project/copycat/internal/codec"
)

type echoHandler struct {
	term uint64
}

func (h *echoHandler) HandleVote(ctx context.Context, req *codec.VoteRequest) (*codec.VoteResponse, error) {
	return &codec.VoteResponse{Term: h.term, VoteGranted: true}, nil
}
func (h *echoHandler) HandlePoll(ctx context.Context, req *codec.PollRequest) (*codec.PollResponse, error) {
	return &codec.PollResponse{Term: h.term}, nil
}
func (h *echoHandler) HandleAppend(ctx context.Context, req *codec.AppendRequest) (*codec.AppendResponse, error) {
	return &codec.AppendResponse{Term: h.term, Success: true}, nil
}
func (h *echoHandler) HandleJoin(ctx context.Context, req *codec.JoinRequest) (*codec.JoinResponse, error) {
	return &codec.JoinResponse{Status: codec.StatusOK}, nil
}
func (h *echoHandler) HandleLeave(ctx context.Context, req *codec.LeaveRequest) (*codec.LeaveResponse, error) {
	return &codec.LeaveResponse{Status: codec.StatusOK}, nil
}
func (h *echoHandler) HandlePromote(ctx context.Context, req *codec.PromoteRequest) (*codec.PromoteResponse, error) {
	return &codec.PromoteResponse{Status: codec.StatusOK}, nil
}
func (h *echoHandler) HandleDemote(ctx context.Context, req *codec.DemoteRequest) (*codec.DemoteResponse, error) {
	return &codec.DemoteResponse{Status: codec.StatusOK}, nil
}
func (h *echoHandler) HandleRegister(ctx context.Context, req *codec.RegisterRequest) (*codec.RegisterResponse, error) {
	return &codec.RegisterResponse{Status: codec.StatusOK, Session: 1}, nil
}
func (h *echoHandler) HandleKeepAlive(ctx context.Context, req *codec.KeepAliveRequest) (*codec.KeepAliveResponse, error) {
	return &codec.KeepAliveResponse{Status: codec.StatusOK}, nil
}
func (h *echoHandler) HandleCommand(ctx context.Context, req *codec.CommandRequest) (*codec.CommandResponse, error) {
	return &codec.CommandResponse{Status: codec.StatusOK, Response: req.Command}, nil
}
func (h *echoHandler) HandleQuery(ctx context.Context, req *codec.QueryRequest) (*codec.QueryResponse, error) {
	return &codec.QueryResponse{Status: codec.StatusOK, Response: req.Query}, nil
}
func (h *echoHandler) HandleInstallSnapshot(ctx context.Context, req *codec.InstallSnapshotRequest) (*codec.InstallSnapshotResponse, error) {
	return &codec.InstallSnapshotResponse{Status: codec.StatusOK, Term: req.Term}, nil
}

var _ api.Handler = (*echoHandler)(nil)

func TestSimnetRoundTrip(t *testing.T) {
	net := NewNetwork()
	a := codec.Address{Host: "a", Port: 1}
	b := codec.Address{Host: "b", Port: 2}

	net.Register(a, &echoHandler{term: 1})
	tb := net.Register(b, &echoHandler{term: 2})

	resp, err := tb.SendVote(context.Background(), a, &codec.VoteRequest{Term: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.Term)
	assert.True(t, resp.VoteGranted)
}

func TestSimnetPartition(t *testing.T) {
	net := NewNetwork()
	a := codec.Address{Host: "a", Port: 1}
	b := codec.Address{Host: "b", Port: 2}

	net.Register(a, &echoHandler{})
	tb := net.Register(b, &echoHandler{})

	net.Partition(a, b)
	_, err := tb.SendVote(context.Background(), a, &codec.VoteRequest{})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.False(t, tb.IsAvailable(a))

	net.Heal(a, b)
	_, err = tb.SendVote(context.Background(), a, &codec.VoteRequest{})
	assert.NoError(t, err)
	assert.True(t, tb.IsAvailable(a))
}

func TestSimnetUnregisteredPeer(t *testing.T) {
	net := NewNetwork()
	a := codec.Address{Host: "a", Port: 1}
	b := codec.Address{Host: "b", Port: 2}
	ta := net.Register(a, &echoHandler{})

	_, err := ta.SendVote(context.Background(), b, &codec.VoteRequest{})
	assert.Error(t, err)
}
