// Package kvmap is a small TTL-aware replicated map built on api.FSM. It
// exists to exercise sessions, queries, and compaction end-to-end rather
// than as a general-purpose resource manager.
package kvmap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/copycat-project/copycat/api"
)

// Op names a Command's operation.
type Op string

const (
	OpPut    Op = "PUT"
	OpDelete Op = "DELETE"
)

// Command is the JSON payload a client submits via Raft.Submit. TTL is a
// duration in nanoseconds; zero means the key never expires.
type Command struct {
	Op    Op     `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
	TTL   int64  `json:"ttl,omitempty"`
}

// Query is the JSON payload a client submits via Raft.Query.
type Query struct {
	Key string `json:"key"`
}

// Result is the JSON response returned from both Apply and Read.
type Result struct {
	Value string `json:"value,omitempty"`
	Ok    bool   `json:"ok"`
}

type entry struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expiresAt"` // unix nanos; 0 means no expiry
}

func (e entry) expired(now int64) bool {
	return e.ExpiresAt != 0 && now >= e.ExpiresAt
}

// sweepInterval is how often Start's background goroutine evicts expired
// keys. Expiry itself is checked on every read regardless, so this only
// bounds how long a dead key lingers in memory.
const sweepInterval = time.Second

// Map is a TTL-aware, session-replicated key/value store.
type Map struct {
	mu    sync.RWMutex
	store map[string]entry
}

var _ api.FSM = (*Map)(nil)

// New returns an empty Map.
func New() *Map {
	return &Map{store: make(map[string]entry)}
}

func (m *Map) Start(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Map) sweep() {
	now := time.Now().UnixNano()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.store {
		if e.expired(now) {
			delete(m.store, k)
		}
	}
}

// Apply decodes command and applies it deterministically: timestamp (the
// committed entry's wall-clock time, identical across every replica)
// anchors any TTL so replicas agree on expiry regardless of when each
// happens to apply the entry.
func (m *Map) Apply(index uint64, timestamp int64, command []byte) ([]byte, error) {
	var cmd Command
	if err := json.Unmarshal(command, &cmd); err != nil {
		return nil, fmt.Errorf("kvmap: decode command: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var res Result
	switch cmd.Op {
	case OpPut:
		e := entry{Value: cmd.Value}
		if cmd.TTL > 0 {
			e.ExpiresAt = timestamp + cmd.TTL
		}
		m.store[cmd.Key] = e
		res = Result{Ok: true}
	case OpDelete:
		delete(m.store, cmd.Key)
		res = Result{Ok: true}
	default:
		return nil, fmt.Errorf("kvmap: unknown op %q", cmd.Op)
	}

	return json.Marshal(res)
}

// Read answers a point lookup against the current state, honoring TTL
// against wall-clock time -- this never touches the replicated log, so it
// need not be deterministic across replicas.
func (m *Map) Read(query []byte) ([]byte, error) {
	var q Query
	if err := json.Unmarshal(query, &q); err != nil {
		return nil, fmt.Errorf("kvmap: decode query: %w", err)
	}

	m.mu.RLock()
	e, ok := m.store[q.Key]
	m.mu.RUnlock()

	if !ok || e.expired(time.Now().UnixNano()) {
		return json.Marshal(Result{Ok: false})
	}
	return json.Marshal(Result{Value: e.Value, Ok: true})
}

func (m *Map) Snapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.store)
}

func (m *Map) Restore(snapshot []byte) error {
	store := make(map[string]entry)
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &store); err != nil {
			return fmt.Errorf("kvmap: decode snapshot: %w", err)
		}
	}
	m.mu.Lock()
	m.store = store
	m.mu.Unlock()
	return nil
}
