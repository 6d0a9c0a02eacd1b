package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/copycat-project/copycat/api"
	"github.com/copycat-project/copycat/internal/cbreaker"
	"github.com/copycat-project/copycat/internal/codec"
	"github.com/copycat-project/copycat/pkg/logger"
)

var _ api.Transport = (*GRPCTransport)(nil)

// GRPCTransport is the default api.Transport: one lazily-dialed gRPC
// connection per peer, each guarded by its own circuit breaker so an
// unreachable member doesn't stall RPCs to the rest of the cluster.
type GRPCTransport struct {
	self           codec.Address
	requestTimeout time.Duration
	cbCfg          api.CircuitBreakerCfg
	logger         *slog.Logger

	mu    sync.Mutex
	peers map[codec.Address]*peerConn
}

type peerConn struct {
	conn *grpc.ClientConn
	cb   *cbreaker.CircuitBreaker
}

// NewGRPCTransport builds a transport that answers as self and dials peers
// on demand.
func NewGRPCTransport(self codec.Address, cfg api.RaftConfig, lg *slog.Logger) *GRPCTransport {
	return &GRPCTransport{
		self:           self,
		requestTimeout: cfg.Timings.RPCTimeout,
		cbCfg:          cfg.CBreaker,
		logger:         lg,
		peers:          make(map[codec.Address]*peerConn),
	}
}

func (t *GRPCTransport) LocalAddr() codec.Address { return t.self }

func (t *GRPCTransport) IsAvailable(peer codec.Address) bool {
	t.mu.Lock()
	pc, ok := t.peers[peer]
	t.mu.Unlock()
	if !ok {
		return true
	}
	return pc.cb.IsClosed()
}

func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	for addr, pc := range t.peers {
		if cerr := pc.conn.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("transport: close conn to %s: %w", addr, cerr))
		}
	}
	t.peers = make(map[codec.Address]*peerConn)
	return err
}

func (t *GRPCTransport) peerFor(peer codec.Address) (*peerConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pc, ok := t.peers[peer]; ok {
		return pc, nil
	}

	conn, err := grpc.NewClient(
		peer.String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", peer, err)
	}
	pc := &peerConn{
		conn: conn,
		cb: cbreaker.NewCircuitBreaker(
			t.cbCfg.FailureThreshold,
			t.cbCfg.SuccessThreshold,
			t.cbCfg.ResetTimeout,
		),
	}
	t.peers[peer] = pc
	return pc, nil
}

func call[Req codec.Message, Resp codec.Message](t *GRPCTransport, ctx context.Context, peer codec.Address, method string, req Req, resp Resp) (Resp, error) {
	pc, err := t.peerFor(peer)
	if err != nil {
		var zero Resp
		return zero, err
	}

	cctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	out, err := cbreaker.Do(cctx, pc.cb, func(ctx context.Context) (Resp, error) {
		if ierr := pc.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp, grpc.CallContentSubtype(codecName)); ierr != nil {
			var zero Resp
			return zero, ierr
		}
		return resp, nil
	})
	if err != nil {
		if t.logger != nil {
			t.logger.Debug("rpc failed", slog.String("method", method), slog.String("peer", peer.String()), logger.ErrAttr(err))
		}
		var zero Resp
		return zero, err
	}
	return out, nil
}

func (t *GRPCTransport) SendVote(ctx context.Context, to codec.Address, req *codec.VoteRequest) (*codec.VoteResponse, error) {
	return call(t, ctx, to, "Vote", req, new(codec.VoteResponse))
}

func (t *GRPCTransport) SendPoll(ctx context.Context, to codec.Address, req *codec.PollRequest) (*codec.PollResponse, error) {
	return call(t, ctx, to, "Poll", req, new(codec.PollResponse))
}

func (t *GRPCTransport) SendAppend(ctx context.Context, to codec.Address, req *codec.AppendRequest) (*codec.AppendResponse, error) {
	return call(t, ctx, to, "Append", req, new(codec.AppendResponse))
}

func (t *GRPCTransport) SendJoin(ctx context.Context, to codec.Address, req *codec.JoinRequest) (*codec.JoinResponse, error) {
	return call(t, ctx, to, "Join", req, new(codec.JoinResponse))
}

func (t *GRPCTransport) SendLeave(ctx context.Context, to codec.Address, req *codec.LeaveRequest) (*codec.LeaveResponse, error) {
	return call(t, ctx, to, "Leave", req, new(codec.LeaveResponse))
}

func (t *GRPCTransport) SendPromote(ctx context.Context, to codec.Address, req *codec.PromoteRequest) (*codec.PromoteResponse, error) {
	return call(t, ctx, to, "Promote", req, new(codec.PromoteResponse))
}

func (t *GRPCTransport) SendDemote(ctx context.Context, to codec.Address, req *codec.DemoteRequest) (*codec.DemoteResponse, error) {
	return call(t, ctx, to, "Demote", req, new(codec.DemoteResponse))
}

func (t *GRPCTransport) SendRegister(ctx context.Context, to codec.Address, req *codec.RegisterRequest) (*codec.RegisterResponse, error) {
	return call(t, ctx, to, "Register", req, new(codec.RegisterResponse))
}

func (t *GRPCTransport) SendKeepAlive(ctx context.Context, to codec.Address, req *codec.KeepAliveRequest) (*codec.KeepAliveResponse, error) {
	return call(t, ctx, to, "KeepAlive", req, new(codec.KeepAliveResponse))
}

func (t *GRPCTransport) SendCommand(ctx context.Context, to codec.Address, req *codec.CommandRequest) (*codec.CommandResponse, error) {
	return call(t, ctx, to, "Command", req, new(codec.CommandResponse))
}

func (t *GRPCTransport) SendQuery(ctx context.Context, to codec.Address, req *codec.QueryRequest) (*codec.QueryResponse, error) {
	return call(t, ctx, to, "Query", req, new(codec.QueryResponse))
}

func (t *GRPCTransport) SendInstallSnapshot(ctx context.Context, to codec.Address, req *codec.InstallSnapshotRequest) (*codec.InstallSnapshotResponse, error) {
	return call(t, ctx, to, "InstallSnapshot", req, new(codec.InstallSnapshotResponse))
}

// NewServer wraps a gRPC server that dispatches inbound RPCs to h, listening
// on addr.
func NewServer(h api.Handler, addr string) (*grpc.Server, net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: listen on %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	srv.RegisterService(&serviceDesc, h)
	return srv, lis, nil
}
