package raft

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/copycat-project/copycat/api"
	"github.com/copycat-project/copycat/internal/codec"
)

// ackIndexFor returns the request number a new CommandEntry should record
// as acknowledged: client sessions are single-flight, so issuing request N
// implies the client has already consumed the response to N-1.
func ackIndexFor(request uint64) uint64 {
	if request <= 1 {
		return 0
	}
	return request - 1
}

// appendLocked assigns e the next log index and this term's persisted
// slot, then durably appends it. Assumes rf.mu is held and e.Term is
// already set by the caller.
func (rf *Raft) appendLocked(e codec.Entry) (index uint64, term uint64, err error) {
	lastIdx, err := rf.persister.LastIndex()
	if err != nil {
		return 0, 0, fmt.Errorf("raft: read last index: %w", err)
	}
	e.SetIndex(lastIdx + 1)
	if err := rf.persister.AppendEntries([]codec.Entry{e}); err != nil {
		return 0, 0, fmt.Errorf("raft: append entry: %w", err)
	}
	return e.GetIndex(), e.GetTerm(), nil
}

// afterBecomeLeader appends the no-op entry that forces commitment of any
// uncommitted prior-term entries, the standard Raft safety measure for a
// freshly elected leader, then kicks off replication.
func (rf *Raft) afterBecomeLeader() {
	rf.mu.Lock()
	noop := &codec.NoOpEntry{Header: codec.Header{Term: rf.currentTerm}}
	_, _, err := rf.appendLocked(noop)
	rf.mu.Unlock()
	if err != nil {
		rf.handlePersistenceError("afterBecomeLeader", err)
		return
	}
	rf.broadcastAppend()
}

// Submit replicates a state-mutating command for session. Non-blocking: it
// appends the entry and returns immediately, leaving commit/apply/response
// delivery to the caller (see rpc.go HandleCommand for the blocking,
// client-facing wrapper used over the wire).
func (rf *Raft) Submit(session, request uint64, command []byte) (index uint64, term uint64, isLeader bool) {
	rf.mu.Lock()
	if !rf.isRole(RoleLeader) {
		term = rf.currentTerm
		rf.mu.Unlock()
		return 0, term, false
	}
	entry := &codec.CommandEntry{
		Header:    codec.Header{Term: rf.currentTerm},
		Session:   session,
		Request:   request,
		Response:  ackIndexFor(request),
		Timestamp: time.Now().UnixNano(),
		Command:   command,
	}
	idx, t, err := rf.appendLocked(entry)
	rf.mu.Unlock()
	if err != nil {
		rf.handlePersistenceError("Submit", err)
		return 0, 0, false
	}
	rf.broadcastAppend()
	return idx, t, true
}

// beginConfigChangeLocked enforces the single-change-in-flight rule.
// Assumes rf.mu is held.
func (rf *Raft) beginConfigChangeLocked() error {
	if !rf.isRole(RoleLeader) {
		return api.ErrNotLeader
	}
	if rf.configChangePending {
		return api.ErrIllegalMemberState
	}
	rf.configChangePending = true
	return nil
}

// submitMembershipEntry appends a Join/Leave/Promote/Demote entry, holding
// configChangePending until it applies.
func (rf *Raft) submitMembershipEntry(e codec.Entry) (uint64, error) {
	rf.mu.Lock()
	if err := rf.beginConfigChangeLocked(); err != nil {
		rf.mu.Unlock()
		return 0, err
	}
	e.SetTerm(rf.currentTerm)
	idx, _, err := rf.appendLocked(e)
	if err != nil {
		rf.configChangePending = false
		rf.mu.Unlock()
		return 0, err
	}
	rf.mu.Unlock()
	rf.broadcastAppend()
	return idx, nil
}

// leaseValidLocked reports whether this leader can safely answer a
// LinearizableLease read from local state: it holds the lease as long as a
// quorum of active members (commitTimes), this leader included, has
// acknowledged an append within the lease timeout. Assumes rf.mu is held.
func (rf *Raft) leaseValidLocked() bool {
	now := time.Now()
	active := rf.cluster.ActiveMembers()
	acks := make([]time.Time, 0, len(active)+1)
	acks = append(acks, now)
	for _, peer := range active {
		acks = append(acks, rf.commitTimes[peer])
	}
	sort.Slice(acks, func(i, j int) bool { return acks[i].After(acks[j]) })

	quorum := rf.cluster.Quorum()
	if quorum > len(acks) {
		return false
	}
	quorumAck := acks[quorum-1]
	return now.Sub(quorumAck) < rf.cfg.Timings.LeaseTimeout
}

// Query answers a read-only operation at the requested consistency level.
func (rf *Raft) Query(session uint64, query []byte, consistency api.Consistency) ([]byte, error) {
	switch consistency {
	case api.Serializable:
		return rf.fsm.Read(query)

	case api.LinearizableLease:
		rf.mu.RLock()
		ok := rf.isRole(RoleLeader) && rf.leaseValidLocked()
		rf.mu.RUnlock()
		if !ok {
			return rf.queryStrict(session, query)
		}
		return rf.fsm.Read(query)

	case api.LinearizableStrict:
		return rf.queryStrict(session, query)

	default:
		return nil, fmt.Errorf("raft: unknown consistency mode %d", consistency)
	}
}

// queryStrict forces a commit round via a QueryEntry before serving query,
// guaranteeing the read observes every write committed before it was
// submitted.
func (rf *Raft) queryStrict(session uint64, query []byte) ([]byte, error) {
	rf.mu.Lock()
	if !rf.isRole(RoleLeader) {
		rf.mu.Unlock()
		return nil, api.ErrNotLeader
	}
	entry := &codec.QueryEntry{
		Header:    codec.Header{Term: rf.currentTerm},
		Session:   session,
		Timestamp: time.Now().UnixNano(),
		Query:     query,
	}
	idx, _, err := rf.appendLocked(entry)
	rf.mu.Unlock()
	if err != nil {
		return nil, err
	}
	rf.broadcastAppend()

	ctx, cancel := context.WithTimeout(rf.ctx, rf.cfg.Timings.RPCTimeout*4)
	defer cancel()
	if err := rf.waitApplied(ctx, idx); err != nil {
		return nil, err
	}
	return rf.fsm.Read(query)
}

// waitApplied blocks until index has been applied, or ctx is done.
func (rf *Raft) waitApplied(ctx context.Context, index uint64) error {
	rf.mu.Lock()
	if rf.lastApplied >= index {
		rf.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	rf.waiters[index] = append(rf.waiters[index], ch)
	rf.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
