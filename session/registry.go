package session

import (
	"sync"
	"time"

	"github.com/copycat-project/copycat/api"
	"github.com/copycat-project/copycat/internal/codec"
)

// Registry owns every live Session. It is driven exclusively by the state
// machine executor in committed-entry order, so all replicas converge on
// identical session state without any wall-clock dependency: every
// timestamp it reasons about comes from the entry being applied.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	timeout  time.Duration
}

// NewRegistry returns an empty registry that expires sessions idle for
// longer than timeout, measured in entry timestamps.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
		timeout:  timeout,
	}
}

// Get returns the session for id, if live.
func (r *Registry) Get(id uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Reset discards every live session. Used when installing a snapshot: the
// log entries that created these sessions are no longer locally available
// to replay, and the fsm snapshot being installed alongside carries no
// session state of its own, so clients must re-register against the new
// baseline the same way they would against a brand-new cluster.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[uint64]*Session)
}

// ApplyRegister creates a new session keyed by the RegisterEntry's own
// index, as required so the session id is identical and collision-free
// across every replica.
func (r *Registry) ApplyRegister(e *codec.RegisterEntry) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := newSession(e.GetIndex(), e.Member, e.Timestamp)
	r.sessions[s.ID] = s
	return s
}

// ApplyKeepAlive expires stale sessions as of e.Timestamp, then refreshes
// the liveness of the session e names. Returns api.ErrUnknownSession if
// that session is unknown or was just expired.
func (r *Registry) ApplyKeepAlive(e *codec.KeepAliveEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked(e.Timestamp)
	s, ok := r.sessions[e.Session]
	if !ok {
		return api.ErrUnknownSession
	}
	s.Timestamp = e.Timestamp
	return nil
}

// ApplyCommand applies a CommandEntry with at-most-once semantics: a
// request number already covered by the session's Sequence replays its
// cached response instead of invoking apply again. apply is only called
// for genuinely new requests, and runs under the registry lock so it must
// not block or re-enter the registry.
func (r *Registry) ApplyCommand(e *codec.CommandEntry, apply func(command []byte) ([]byte, error)) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expireLocked(e.Timestamp)
	s, ok := r.sessions[e.Session]
	if !ok {
		return nil, api.ErrUnknownSession
	}

	// A request whose response was already purged by record's ack-based
	// cleanup falls through to apply again. Safe only because clients ack
	// monotonically and never re-submit a request number they've already
	// acked, so that gap can't be hit by a legitimate retry.
	if resp, ok := s.cached(e.Request); ok {
		return resp, nil
	}

	resp, err := apply(e.Command)
	if err != nil {
		return nil, err
	}
	s.record(e.Request, resp, e.Response)
	s.Timestamp = e.Timestamp
	return resp, nil
}

// CachedResponse returns the response recorded for request on session, if
// it has been applied and not yet purged from the cache. Used by the
// blocking command handler to read back a result after waitApplied returns.
func (r *Registry) CachedResponse(session, request uint64) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[session]
	if !ok {
		return nil, false
	}
	return s.cached(request)
}

// expireLocked drops every session whose last keep-alive timestamp is more
// than timeout older than now. Callers must hold r.mu.
func (r *Registry) expireLocked(now int64) {
	cutoff := now - r.timeout.Nanoseconds()
	for id, s := range r.sessions {
		if s.Timestamp < cutoff {
			delete(r.sessions, id)
		}
	}
}
