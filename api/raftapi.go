/*
Package api defines the core public interfaces for Copycat, a Raft-based
state-replication library. It provides the contracts that users of the
library must implement and the primary interfaces for interacting with a
Raft node.

# Mandatory User Implementations

To use this library, you must provide an implementation of FSM -- your
application's deterministic state machine -- and a Transport. A gRPC-backed
Transport ships in github.com/copycat-project/copycat/transport, but the node
builder does not create one: the caller constructs it and passes it in. A
Persister is optional: when none is given, the builder uses the segmented-log
filesystem Persister from github.com/copycat-project/copycat/storage.
*/
package api

import "errors"

var (
	ErrOutdatedTerm       = errors.New("raft: term has been updated")
	ErrHigherTerm         = errors.New("raft: received higher term in reply")
	ErrOldSnapshot        = errors.New("raft: snapshot index is not newer than the last included index")
	ErrNotLeader          = errors.New("raft: this member is not the leader")
	ErrIllegalMemberState = errors.New("raft: operation not valid for this member's current role")
	ErrUnknownSession     = errors.New("raft: unknown or expired session")
	ErrNoQuorum           = errors.New("raft: could not reach a quorum of active members")
)

// Consistency selects how a Query is served.
type Consistency uint8

const (
	// Serializable reads are answered immediately from local state,
	// without contacting any other member.
	Serializable Consistency = iota
	// LinearizableLease reads are answered locally if this member holds an
	// unexpired leadership lease, otherwise they are served as
	// LinearizableStrict reads (which a non-leader rejects with ErrNotLeader).
	LinearizableLease
	// LinearizableStrict reads are committed through the log before being
	// answered, guaranteeing they observe every prior committed write.
	LinearizableStrict
)

// Raft defines the public interface exposed by a single Copycat member.
// It allows higher-level services to submit commands and queries, query
// leadership state, and manage snapshots and lifecycle events.
type Raft interface {
	// Submit replicates a state-mutating command for a registered client
	// session. Returns the assigned log index, the term at submission time,
	// and whether this member believes it is the leader. Non-blocking.
	Submit(session, request uint64, command []byte) (index uint64, term uint64, isLeader bool)

	// Query answers a read-only operation at the requested consistency
	// level. May block briefly for LinearizableLease/LinearizableStrict.
	Query(session uint64, query []byte, consistency Consistency) (response []byte, err error)

	// State returns the current term and whether this peer believes it is
	// the leader.
	State() (term uint64, isLeader bool)

	// Snapshot informs Raft that the service has created a snapshot that
	// replaces all log entries up through the given index.
	Snapshot(index uint64, snapshot []byte) error

	// PersistedStateSize returns the size in bytes of the persisted Raft
	// state. Typically used by tests.
	PersistedStateSize() (int, error)

	// Start starts all background processes of the Raft peer. It should be
	// called after the Raft instance is created.
	Start() error

	// Stop gracefully terminates the Raft instance, closing all background
	// goroutines and network connections.
	Stop() error

	// Killed returns true if the peer has been stopped. Typically used by
	// tests.
	Killed() bool
}
