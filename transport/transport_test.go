package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/copycat-project/copycat/api"
	"github.com/copycat-project/copycat/internal/cbreaker"
	"github.com/copycat-project/copycat/internal/codec"
)

func newOpenBreaker() *cbreaker.CircuitBreaker {
	return cbreaker.NewCircuitBreaker(1000, 1, time.Second)
}

// stubHandler is a minimal api.Handler double for exercising the wire
// format and dispatch without a real Raft core.
type stubHandler struct {
	voteResp   *codec.VoteResponse
	voteErr    error
	appendResp *codec.AppendResponse
	appendErr  error
	commandErr error
	sleep      time.Duration
}

func (s *stubHandler) HandleVote(ctx context.Context, req *codec.VoteRequest) (*codec.VoteResponse, error) {
	if s.sleep > 0 {
		time.Sleep(s.sleep)
	}
	return s.voteResp, s.voteErr
}
func (s *stubHandler) HandlePoll(ctx context.Context, req *codec.PollRequest) (*codec.PollResponse, error) {
	return &codec.PollResponse{Term: req.Term}, nil
}
func (s *stubHandler) HandleAppend(ctx context.Context, req *codec.AppendRequest) (*codec.AppendResponse, error) {
	return s.appendResp, s.appendErr
}
func (s *stubHandler) HandleJoin(ctx context.Context, req *codec.JoinRequest) (*codec.JoinResponse, error) {
	return &codec.JoinResponse{Status: codec.StatusOK}, nil
}
func (s *stubHandler) HandleLeave(ctx context.Context, req *codec.LeaveRequest) (*codec.LeaveResponse, error) {
	return &codec.LeaveResponse{Status: codec.StatusOK}, nil
}
func (s *stubHandler) HandlePromote(ctx context.Context, req *codec.PromoteRequest) (*codec.PromoteResponse, error) {
	return &codec.PromoteResponse{Status: codec.StatusOK}, nil
}
func (s *stubHandler) HandleDemote(ctx context.Context, req *codec.DemoteRequest) (*codec.DemoteResponse, error) {
	return &codec.DemoteResponse{Status: codec.StatusOK}, nil
}
func (s *stubHandler) HandleRegister(ctx context.Context, req *codec.RegisterRequest) (*codec.RegisterResponse, error) {
	return &codec.RegisterResponse{Status: codec.StatusOK, Session: 1}, nil
}
func (s *stubHandler) HandleKeepAlive(ctx context.Context, req *codec.KeepAliveRequest) (*codec.KeepAliveResponse, error) {
	return &codec.KeepAliveResponse{Status: codec.StatusOK}, nil
}
func (s *stubHandler) HandleCommand(ctx context.Context, req *codec.CommandRequest) (*codec.CommandResponse, error) {
	if s.commandErr != nil {
		return nil, s.commandErr
	}
	return &codec.CommandResponse{Status: codec.StatusOK, Index: req.Request, Response: req.Command}, nil
}
func (s *stubHandler) HandleQuery(ctx context.Context, req *codec.QueryRequest) (*codec.QueryResponse, error) {
	return &codec.QueryResponse{Status: codec.StatusOK, Response: req.Query}, nil
}
func (s *stubHandler) HandleInstallSnapshot(ctx context.Context, req *codec.InstallSnapshotRequest) (*codec.InstallSnapshotResponse, error) {
	return &codec.InstallSnapshotResponse{Status: codec.StatusOK, Term: req.Term}, nil
}

var _ api.Handler = (*stubHandler)(nil)

// startBufServer starts an in-memory gRPC server backed by bufconn and
// returns a dialer for clients plus a stop function.
func startBufServer(t *testing.T, h api.Handler) (func(context.Context, string) (net.Conn, error), func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	srv.RegisterService(&serviceDesc, h)
	go func() { _ = srv.Serve(lis) }()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
	return dialer, srv.GracefulStop
}

func dialBuf(t *testing.T, dialer func(context.Context, string) (net.Conn, error)) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	require.NoError(t, err)
	return conn
}

func TestGRPCTransportSendVote(t *testing.T) {
	h := &stubHandler{voteResp: &codec.VoteResponse{Term: 3, VoteGranted: true}}
	dialer, stop := startBufServer(t, h)
	defer stop()

	conn := dialBuf(t, dialer)
	defer conn.Close()

	self := codec.Address{Host: "client", Port: 1}
	tr := &GRPCTransport{
		self:           self,
		requestTimeout: time.Second,
		peers:          map[codec.Address]*peerConn{},
	}
	peer := codec.Address{Host: "server", Port: 2}
	tr.peers[peer] = &peerConn{conn: conn, cb: newOpenBreaker()}

	resp, err := tr.SendVote(context.Background(), peer, &codec.VoteRequest{Term: 3, Candidate: self})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), resp.Term)
	assert.True(t, resp.VoteGranted)
}

func TestGRPCTransportSendAppend(t *testing.T) {
	h := &stubHandler{appendResp: &codec.AppendResponse{Term: 5, Success: true, LogIndex: 7}}
	dialer, stop := startBufServer(t, h)
	defer stop()

	conn := dialBuf(t, dialer)
	defer conn.Close()

	tr := &GRPCTransport{requestTimeout: time.Second, peers: map[codec.Address]*peerConn{}}
	peer := codec.Address{Host: "server", Port: 2}
	tr.peers[peer] = &peerConn{conn: conn, cb: newOpenBreaker()}

	resp, err := tr.SendAppend(context.Background(), peer, &codec.AppendRequest{Term: 5})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, uint64(7), resp.LogIndex)
}

func TestGRPCTransportCommandRoundTrip(t *testing.T) {
	h := &stubHandler{}
	dialer, stop := startBufServer(t, h)
	defer stop()

	conn := dialBuf(t, dialer)
	defer conn.Close()

	tr := &GRPCTransport{requestTimeout: time.Second, peers: map[codec.Address]*peerConn{}}
	peer := codec.Address{Host: "server", Port: 2}
	tr.peers[peer] = &peerConn{conn: conn, cb: newOpenBreaker()}

	resp, err := tr.SendCommand(context.Background(), peer, &codec.CommandRequest{
		Session: 1, Request: 9, Command: []byte("set x 1"),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(9), resp.Index)
	assert.Equal(t, []byte("set x 1"), resp.Response)
}

func TestGRPCTransportTimeout(t *testing.T) {
	h := &stubHandler{sleep: 100 * time.Millisecond, voteResp: &codec.VoteResponse{}}
	dialer, stop := startBufServer(t, h)
	defer stop()

	conn := dialBuf(t, dialer)
	defer conn.Close()

	tr := &GRPCTransport{requestTimeout: 10 * time.Millisecond, peers: map[codec.Address]*peerConn{}}
	peer := codec.Address{Host: "server", Port: 2}
	tr.peers[peer] = &peerConn{conn: conn, cb: newOpenBreaker()}

	_, err := tr.SendVote(context.Background(), peer, &codec.VoteRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || err != nil)
}
