package api

import (
	"context"

	"github.com/copycat-project/copycat/internal/codec"
)

// Transport defines the interface for Raft members to communicate via RPCs.
// Implementations must be safe for concurrent use by multiple goroutines.
type Transport interface {
	// SendVote sends a VoteRequest RPC to a peer.
	SendVote(ctx context.Context, to codec.Address, req *codec.VoteRequest) (*codec.VoteResponse, error)
	// SendPoll sends a pre-vote PollRequest RPC to a peer.
	SendPoll(ctx context.Context, to codec.Address, req *codec.PollRequest) (*codec.PollResponse, error)
	// SendAppend sends an AppendRequest RPC to a peer.
	SendAppend(ctx context.Context, to codec.Address, req *codec.AppendRequest) (*codec.AppendResponse, error)
	// SendInstallSnapshot ships a full FSM snapshot to a peer whose log has
	// fallen behind the leader's retained prefix.
	SendInstallSnapshot(ctx context.Context, to codec.Address, req *codec.InstallSnapshotRequest) (*codec.InstallSnapshotResponse, error)

	// SendJoin, SendLeave, SendPromote, SendDemote forward membership-change
	// requests to whichever member currently believes itself leader.
	SendJoin(ctx context.Context, to codec.Address, req *codec.JoinRequest) (*codec.JoinResponse, error)
	SendLeave(ctx context.Context, to codec.Address, req *codec.LeaveRequest) (*codec.LeaveResponse, error)
	SendPromote(ctx context.Context, to codec.Address, req *codec.PromoteRequest) (*codec.PromoteResponse, error)
	SendDemote(ctx context.Context, to codec.Address, req *codec.DemoteRequest) (*codec.DemoteResponse, error)

	// SendRegister, SendKeepAlive, SendCommand, SendQuery are the client-facing
	// RPCs, also routed peer-to-peer so any member can answer or redirect.
	SendRegister(ctx context.Context, to codec.Address, req *codec.RegisterRequest) (*codec.RegisterResponse, error)
	SendKeepAlive(ctx context.Context, to codec.Address, req *codec.KeepAliveRequest) (*codec.KeepAliveResponse, error)
	SendCommand(ctx context.Context, to codec.Address, req *codec.CommandRequest) (*codec.CommandResponse, error)
	SendQuery(ctx context.Context, to codec.Address, req *codec.QueryRequest) (*codec.QueryResponse, error)

	// LocalAddr returns the address this transport answers requests as.
	LocalAddr() codec.Address

	// IsAvailable reports whether a peer is currently considered reachable.
	IsAvailable(peer codec.Address) bool

	// Close releases any underlying resources (listeners, connections).
	Close() error
}

// Handler is implemented by the Raft core and registered with a Transport so
// inbound RPCs reach it regardless of which concrete transport is in use.
type Handler interface {
	HandleVote(ctx context.Context, req *codec.VoteRequest) (*codec.VoteResponse, error)
	HandlePoll(ctx context.Context, req *codec.PollRequest) (*codec.PollResponse, error)
	HandleAppend(ctx context.Context, req *codec.AppendRequest) (*codec.AppendResponse, error)
	HandleInstallSnapshot(ctx context.Context, req *codec.InstallSnapshotRequest) (*codec.InstallSnapshotResponse, error)
	HandleJoin(ctx context.Context, req *codec.JoinRequest) (*codec.JoinResponse, error)
	HandleLeave(ctx context.Context, req *codec.LeaveRequest) (*codec.LeaveResponse, error)
	HandlePromote(ctx context.Context, req *codec.PromoteRequest) (*codec.PromoteResponse, error)
	HandleDemote(ctx context.Context, req *codec.DemoteRequest) (*codec.DemoteResponse, error)
	HandleRegister(ctx context.Context, req *codec.RegisterRequest) (*codec.RegisterResponse, error)
	HandleKeepAlive(ctx context.Context, req *codec.KeepAliveRequest) (*codec.KeepAliveResponse, error)
	HandleCommand(ctx context.Context, req *codec.CommandRequest) (*codec.CommandResponse, error)
	HandleQuery(ctx context.Context, req *codec.QueryRequest) (*codec.QueryResponse, error)
}
