package api

import (
	"github.com/copycat-project/copycat/internal/codec"
)

// RaftMetadata contains the persisted metadata of the Raft algorithm,
// excluding the log entries.
type RaftMetadata struct {
	CurrentTerm uint64
	VotedFor    string
	GlobalIndex uint64
}

// Persister defines the interface for Raft's persistent storage. It
// combines management of term/vote metadata with segmented log storage.
type Persister interface {
	// AppendEntries adds a batch of new log entries to the log.
	AppendEntries(entries []codec.Entry) error

	// SetMetadata updates and persists the term and votedFor information.
	SetMetadata(term uint64, votedFor string) error

	// Entries returns log entries in [from, to).
	Entries(from, to uint64) ([]codec.Entry, error)

	// FirstIndex returns the lowest index retained in the log, or 0 if empty.
	FirstIndex() (uint64, error)

	// LastIndex returns the highest index appended to the log, or 0 if empty.
	LastIndex() (uint64, error)

	// Truncate discards all entries with index >= from.
	Truncate(from uint64) error

	// Bootstrap discards the entire log and starts a fresh, empty log whose
	// first entry will be appended at firstIndex. Used when installing a
	// snapshot whose LastIncludedIndex is beyond anything Truncate (which
	// only discards a suffix) can reach.
	Bootstrap(firstIndex uint64) error

	// SetGlobalIndex records the lowest index every tracked member (active
	// or passive) has replicated, unlocking compaction up to that point.
	SetGlobalIndex(index uint64) error

	// ReadMetadata returns the previously persisted term/votedFor/globalIndex.
	ReadMetadata() (RaftMetadata, error)

	// RaftStateSize returns the size in bytes of the persisted Raft state.
	//
	// This is typically used only in tests.
	RaftStateSize() (int, error)

	// Close releases any underlying resources, like file handles.
	Close() error
}
