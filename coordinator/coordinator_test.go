package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copycat-project/copycat/api"
	"github.com/copycat-project/copycat/internal/codec"
	"github.com/copycat-project/copycat/internal/simnet"
	"github.com/copycat-project/copycat/pkg/logger"
)

// fakeMember answers as a fixed leader/non-leader, just enough to exercise
// Coordinator's discovery and retry paths without a real Raft core.
type fakeMember struct {
	self     codec.Address
	leader   codec.Address
	isLeader bool
	sessions uint64
}

func (m *fakeMember) HandleVote(ctx context.Context, req *codec.VoteRequest) (*codec.VoteResponse, error) {
	return &codec.VoteResponse{}, nil
}
func (m *fakeMember) HandlePoll(ctx context.Context, req *codec.PollRequest) (*codec.PollResponse, error) {
	return &codec.PollResponse{}, nil
}
func (m *fakeMember) HandleAppend(ctx context.Context, req *codec.AppendRequest) (*codec.AppendResponse, error) {
	return &codec.AppendResponse{}, nil
}
func (m *fakeMember) HandleJoin(ctx context.Context, req *codec.JoinRequest) (*codec.JoinResponse, error) {
	return &codec.JoinResponse{Status: codec.StatusOK}, nil
}
func (m *fakeMember) HandleLeave(ctx context.Context, req *codec.LeaveRequest) (*codec.LeaveResponse, error) {
	return &codec.LeaveResponse{Status: codec.StatusOK}, nil
}
func (m *fakeMember) HandlePromote(ctx context.Context, req *codec.PromoteRequest) (*codec.PromoteResponse, error) {
	return &codec.PromoteResponse{Status: codec.StatusOK}, nil
}
func (m *fakeMember) HandleDemote(ctx context.Context, req *codec.DemoteRequest) (*codec.DemoteResponse, error) {
	return &codec.DemoteResponse{Status: codec.StatusOK}, nil
}
func (m *fakeMember) HandleRegister(ctx context.Context, req *codec.RegisterRequest) (*codec.RegisterResponse, error) {
	if !m.isLeader {
		return &codec.RegisterResponse{Status: codec.StatusError, Error: codec.ErrNoLeader, Leader: m.leader}, nil
	}
	m.sessions++
	return &codec.RegisterResponse{Status: codec.StatusOK, Session: m.sessions}, nil
}
func (m *fakeMember) HandleKeepAlive(ctx context.Context, req *codec.KeepAliveRequest) (*codec.KeepAliveResponse, error) {
	if !m.isLeader {
		return &codec.KeepAliveResponse{Status: codec.StatusError, Error: codec.ErrNoLeader, Leader: m.leader}, nil
	}
	return &codec.KeepAliveResponse{Status: codec.StatusOK}, nil
}
func (m *fakeMember) HandleCommand(ctx context.Context, req *codec.CommandRequest) (*codec.CommandResponse, error) {
	if !m.isLeader {
		return &codec.CommandResponse{Status: codec.StatusError, Error: codec.ErrNoLeader}, nil
	}
	return &codec.CommandResponse{Status: codec.StatusOK, Index: req.Request, Response: req.Command}, nil
}
func (m *fakeMember) HandleQuery(ctx context.Context, req *codec.QueryRequest) (*codec.QueryResponse, error) {
	if !m.isLeader {
		return &codec.QueryResponse{Status: codec.StatusError, Error: codec.ErrNoLeader}, nil
	}
	return &codec.QueryResponse{Status: codec.StatusOK, Response: req.Query}, nil
}
func (m *fakeMember) HandleInstallSnapshot(ctx context.Context, req *codec.InstallSnapshotRequest) (*codec.InstallSnapshotResponse, error) {
	return &codec.InstallSnapshotResponse{Status: codec.StatusOK, Term: req.Term}, nil
}

var _ api.Handler = (*fakeMember)(nil)

func TestCoordinatorSubmitFindsLeader(t *testing.T) {
	net := simnet.NewNetwork()
	a := codec.Address{Host: "a", Port: 1}
	b := codec.Address{Host: "b", Port: 2}
	c := codec.Address{Host: "c", Port: 3}

	net.Register(a, &fakeMember{self: a, leader: b})
	net.Register(b, &fakeMember{self: b, leader: b, isLeader: true})
	net.Register(c, &fakeMember{self: c, leader: b})

	client := codec.Address{Host: "client", Port: 99}
	tr := net.Register(client, &fakeMember{self: client})

	_, lg := logger.NewTestLogger()
	coord := New(tr, []codec.Address{a, b, c}, time.Second, lg)

	resp, err := coord.Submit([]byte("set x 1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("set x 1"), resp)
}

func TestCoordinatorQueryAfterLeaderChange(t *testing.T) {
	net := simnet.NewNetwork()
	a := codec.Address{Host: "a", Port: 1}
	b := codec.Address{Host: "b", Port: 2}

	ma := &fakeMember{self: a, leader: a, isLeader: true}
	mb := &fakeMember{self: b, leader: b, isLeader: false}
	net.Register(a, ma)
	net.Register(b, mb)

	client := codec.Address{Host: "client", Port: 99}
	tr := net.Register(client, &fakeMember{self: client})

	_, lg := logger.NewTestLogger()
	coord := New(tr, []codec.Address{a, b}, time.Second, lg)

	resp, err := coord.Query([]byte("get x"), api.Serializable)
	require.NoError(t, err)
	assert.Equal(t, []byte("get x"), resp)

	// Leadership moves to b; a no longer accepts. The coordinator must
	// rediscover rather than keep retrying the stale leader forever.
	ma.isLeader = false
	ma.leader = b
	mb.isLeader = true

	resp, err = coord.Query([]byte("get y"), api.Serializable)
	require.NoError(t, err)
	assert.Equal(t, []byte("get y"), resp)
}
