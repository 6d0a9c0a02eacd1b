// Package simnet is an in-process simulated api.Transport for tests: peers
// dispatch directly into each other's api.Handler rather than over a real
// socket, and the network can be told to partition or heal so tests can
// drive elections and replication deterministically.
package simnet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/copycat-project/copycat/api"
	"github.com/copycat-project/copycat/internal/codec"
)

// ErrUnreachable is returned by a Send* call when the network has been
// told the caller cannot currently reach the destination.
var ErrUnreachable = errors.New("simnet: peer unreachable")

// Network is a shared registry of members and the links between them.
// Every member's simulated Transport holds a reference to the same
// Network, so toggling a link affects every peer's view at once.
type Network struct {
	mu       sync.RWMutex
	handlers map[codec.Address]api.Handler
	cut      map[codec.Address]map[codec.Address]bool // cut[a][b]: a cannot reach b
	delay    time.Duration
}

// NewNetwork returns an empty, fully-connected network.
func NewNetwork() *Network {
	return &Network{
		handlers: make(map[codec.Address]api.Handler),
		cut:      make(map[codec.Address]map[codec.Address]bool),
	}
}

// SetDelay adds a fixed latency to every simulated RPC, useful for
// exercising timeout paths.
func (n *Network) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

// Register binds addr's inbound RPCs to h and returns a Transport that
// answers as addr.
func (n *Network) Register(addr codec.Address, h api.Handler) *Transport {
	n.mu.Lock()
	n.handlers[addr] = h
	n.mu.Unlock()
	return &Transport{net: n, self: addr}
}

// SetHandler rebinds addr's inbound RPCs to h. Useful when the handler
// (e.g. a Raft instance) can only be constructed after its Transport, since
// Register already needs to exist to hand to that construction.
func (n *Network) SetHandler(addr codec.Address, h api.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[addr] = h
}

// Partition cuts the link between a and b in both directions: neither can
// reach the other until Heal is called.
func (n *Network) Partition(a, b codec.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cutLocked(a, b)
	n.cutLocked(b, a)
}

// Heal restores the link between a and b.
func (n *Network) Heal(a, b codec.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if m, ok := n.cut[a]; ok {
		delete(m, b)
	}
	if m, ok := n.cut[b]; ok {
		delete(m, a)
	}
}

// HealAll restores every link, reconnecting the whole network.
func (n *Network) HealAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut = make(map[codec.Address]map[codec.Address]bool)
}

func (n *Network) cutLocked(from, to codec.Address) {
	m, ok := n.cut[from]
	if !ok {
		m = make(map[codec.Address]bool)
		n.cut[from] = m
	}
	m[to] = true
}

func (n *Network) reachable(from, to codec.Address) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if m, ok := n.cut[from]; ok && m[to] {
		return false
	}
	return true
}

// handlerFor returns the handler registered at to. A registered-but-nil
// handler (the window between Register and a later SetHandler) reports
// false, same as an unregistered address, rather than handing back a nil
// api.Handler for a caller to dereference.
func (n *Network) handlerFor(to codec.Address) (api.Handler, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[to]
	if h == nil {
		return nil, false
	}
	return h, ok
}

// Transport is one member's view of a Network, implementing api.Transport.
type Transport struct {
	net  *Network
	self codec.Address
}

var _ api.Transport = (*Transport)(nil)

func (t *Transport) LocalAddr() codec.Address { return t.self }

func (t *Transport) IsAvailable(peer codec.Address) bool {
	return t.net.reachable(t.self, peer)
}

func (t *Transport) Close() error { return nil }

func dispatch[Req codec.Message, Resp codec.Message](t *Transport, ctx context.Context, to codec.Address, call func(api.Handler, context.Context, Req) (Resp, error), req Req) (Resp, error) {
	var zero Resp
	if !t.net.reachable(t.self, to) {
		return zero, ErrUnreachable
	}
	h, ok := t.net.handlerFor(to)
	if !ok {
		return zero, errors.New("simnet: no member registered at " + to.String())
	}

	t.net.mu.RLock()
	delay := t.net.delay
	t.net.mu.RUnlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	if !t.net.reachable(t.self, to) {
		return zero, ErrUnreachable
	}
	return call(h, ctx, req)
}

func (t *Transport) SendVote(ctx context.Context, to codec.Address, req *codec.VoteRequest) (*codec.VoteResponse, error) {
	return dispatch(t, ctx, to, api.Handler.HandleVote, req)
}

func (t *Transport) SendPoll(ctx context.Context, to codec.Address, req *codec.PollRequest) (*codec.PollResponse, error) {
	return dispatch(t, ctx, to, api.Handler.HandlePoll, req)
}

func (t *Transport) SendAppend(ctx context.Context, to codec.Address, req *codec.AppendRequest) (*codec.AppendResponse, error) {
	return dispatch(t, ctx, to, api.Handler.HandleAppend, req)
}

func (t *Transport) SendJoin(ctx context.Context, to codec.Address, req *codec.JoinRequest) (*codec.JoinResponse, error) {
	return dispatch(t, ctx, to, api.Handler.HandleJoin, req)
}

func (t *Transport) SendLeave(ctx context.Context, to codec.Address, req *codec.LeaveRequest) (*codec.LeaveResponse, error) {
	return dispatch(t, ctx, to, api.Handler.HandleLeave, req)
}

func (t *Transport) SendPromote(ctx context.Context, to codec.Address, req *codec.PromoteRequest) (*codec.PromoteResponse, error) {
	return dispatch(t, ctx, to, api.Handler.HandlePromote, req)
}

func (t *Transport) SendDemote(ctx context.Context, to codec.Address, req *codec.DemoteRequest) (*codec.DemoteResponse, error) {
	return dispatch(t, ctx, to, api.Handler.HandleDemote, req)
}

func (t *Transport) SendRegister(ctx context.Context, to codec.Address, req *codec.RegisterRequest) (*codec.RegisterResponse, error) {
	return dispatch(t, ctx, to, api.Handler.HandleRegister, req)
}

func (t *Transport) SendKeepAlive(ctx context.Context, to codec.Address, req *codec.KeepAliveRequest) (*codec.KeepAliveResponse, error) {
	return dispatch(t, ctx, to, api.Handler.HandleKeepAlive, req)
}

func (t *Transport) SendCommand(ctx context.Context, to codec.Address, req *codec.CommandRequest) (*codec.CommandResponse, error) {
	return dispatch(t, ctx, to, api.Handler.HandleCommand, req)
}

func (t *Transport) SendQuery(ctx context.Context, to codec.Address, req *codec.QueryRequest) (*codec.QueryResponse, error) {
	return dispatch(t, ctx, to, api.Handler.HandleQuery, req)
}

func (t *Transport) SendInstallSnapshot(ctx context.Context, to codec.Address, req *codec.InstallSnapshotRequest) (*codec.InstallSnapshotResponse, error) {
	return dispatch(t, ctx, to, api.Handler.HandleInstallSnapshot, req)
}
