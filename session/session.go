// Package session implements the client session registry described by the
// state machine executor: session creation/expiry, and the at-most-once
// response cache that lets a retried CommandRequest replay its original
// result instead of re-applying it.
package session

import "github.com/copycat-project/copycat/internal/codec"

// Session tracks one client's interaction with the cluster. Its id is the
// index of the RegisterEntry that created it, which makes the id globally
// unique and replica-agnostic.
type Session struct {
	ID        uint64
	Member    codec.Address
	Timestamp int64 // entry timestamp of the last keep-alive or register
	Sequence  uint64
	Responses map[uint64][]byte
}

func newSession(id uint64, member codec.Address, timestamp int64) *Session {
	return &Session{
		ID:        id,
		Member:    member,
		Timestamp: timestamp,
		Responses: make(map[uint64][]byte),
	}
}

// cached returns the response stored for request, if request has already
// been applied (request <= Sequence).
func (s *Session) cached(request uint64) ([]byte, bool) {
	if request > s.Sequence {
		return nil, false
	}
	resp, ok := s.Responses[request]
	return resp, ok
}

// record stores response under request and purges every cached response
// the client has already acknowledged receiving (ack), which it reports
// back on its next CommandEntry.
func (s *Session) record(request uint64, response []byte, ack uint64) {
	s.Responses[request] = response
	s.Sequence = request
	for req := range s.Responses {
		if req <= ack {
			delete(s.Responses, req)
		}
	}
}
