package api

import (
	"log/slog"

	"github.com/copycat-project/copycat/internal/codec"
)

// NodeBuilder is an interface for constructing a Raft node.
type NodeBuilder interface {
	// Build constructs and returns a new Raft instance based on the
	// configurations provided to the builder. It returns the Raft
	// interface and an error if any required components are missing
	// or if there's an issue during the initialization of default components.
	Build() (Raft, error)

	// WithConfig sets the Raft configuration for the node.
	// If not provided, a DefaultConfig will be used.
	WithConfig(*RaftConfig) NodeBuilder

	// WithPersister sets a custom Persister implementation for the node.
	// If not provided, a segmented-log filesystem Persister is used.
	WithPersister(Persister) NodeBuilder

	// WithTransport sets the Transport implementation for the node.
	// A Transport is required: Build returns an error if none is set.
	WithTransport(Transport) NodeBuilder

	// WithFSM sets the application state machine driven by this node.
	WithFSM(FSM) NodeBuilder

	// WithMembers sets the initial active member addresses, including self.
	WithMembers(self codec.Address, active []codec.Address) NodeBuilder

	// WithLogger sets a custom slog.Logger for the node.
	// If not provided, a default logger based on the RaftConfig's Log.Env
	// will be used.
	WithLogger(*slog.Logger) NodeBuilder
}
