package raft

import (
	"context"
	"errors"
	"time"

	"github.com/copycat-project/copycat/api"
	"github.com/copycat-project/copycat/internal/codec"
	"github.com/copycat-project/copycat/pkg/logger"
)

var _ api.Handler = (*Raft)(nil)

// HandleVote answers a candidate's VoteRequest.
func (rf *Raft) HandleVote(ctx context.Context, req *codec.VoteRequest) (*codec.VoteResponse, error) {
	rf.mu.Lock()
	resp := &codec.VoteResponse{Status: codec.StatusOK, Voter: rf.cluster.Self()}

	if rf.isRole(RolePassive) || rf.isRole(RoleRemote) {
		resp.Term = rf.currentTerm
		rf.mu.Unlock()
		return resp, nil
	}

	dirty := false
	if req.Term > rf.currentTerm {
		rf.becomeFollower(req.Term)
		dirty = true
	}
	resp.Term = rf.currentTerm

	switch {
	case req.Term < rf.currentTerm:
	case !rf.isCandidateLogUpToDate(req.LastLogIndex, req.LastLogTerm):
		rf.logger.Debug("denying vote, candidate log not up-to-date", "candidate", req.Candidate.String())
	case rf.votedFor != "" && rf.votedFor != req.Candidate.String():
		rf.logger.Debug("denying vote, already voted this term", "candidate", req.Candidate.String(), "voted_for", rf.votedFor)
	default:
		resp.VoteGranted = true
		rf.votedFor = req.Candidate.String()
		rf.resetElectionTimer()
		dirty = true
	}

	var err error
	if dirty {
		err = rf.persistMetadata()
	}
	rf.mu.Unlock()
	if err != nil {
		rf.handlePersistenceError("HandleVote", err)
	}
	return resp, nil
}

// HandlePoll answers a pre-vote probe without mutating any persisted state.
func (rf *Raft) HandlePoll(ctx context.Context, req *codec.PollRequest) (*codec.PollResponse, error) {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	resp := &codec.PollResponse{Status: codec.StatusOK, Term: rf.currentTerm}
	if rf.isRole(RolePassive) || rf.isRole(RoleRemote) || req.Term < rf.currentTerm {
		return resp, nil
	}
	resp.Accepted = rf.isCandidateLogUpToDate(req.LastLogIndex, req.LastLogTerm)
	return resp, nil
}

// HandleAppend answers a leader's AppendRequest.
func (rf *Raft) HandleAppend(ctx context.Context, req *codec.AppendRequest) (*codec.AppendResponse, error) {
	rf.mu.Lock()
	resp := &codec.AppendResponse{Status: codec.StatusOK, ConflictTerm: -1}

	if req.Term < rf.currentTerm {
		resp.Term = rf.currentTerm
		rf.mu.Unlock()
		return resp, nil
	}

	rf.resetElectionTimer()
	if req.Term > rf.currentTerm || rf.isRole(RoleCandidate) {
		rf.becomeFollower(req.Term)
	}
	rf.leader = req.Leader
	rf.hasLeader = true
	resp.Term = rf.currentTerm

	if !rf.isLogConsistentLocked(req.PrevLogIndex, req.PrevLogTerm) {
		rf.fillConflictReplyLocked(req.PrevLogIndex, resp)
		if err := rf.persistMetadata(); err != nil {
			rf.mu.Unlock()
			rf.handlePersistenceError("HandleAppend", err)
			return resp, nil
		}
		rf.mu.Unlock()
		return resp, nil
	}

	if _, _, err := rf.processEntriesLocked(req); err != nil {
		rf.mu.Unlock()
		rf.handlePersistenceError("HandleAppend", err)
		return resp, nil
	}

	var shouldSignal bool
	if req.CommitIndex > rf.commitIndex {
		last, _ := rf.persister.LastIndex()
		rf.commitIndex = min(req.CommitIndex, last)
		shouldSignal = true
	}
	if req.GlobalIndex > rf.globalIndex {
		rf.globalIndex = req.GlobalIndex
		if err := rf.persister.SetGlobalIndex(req.GlobalIndex); err != nil {
			rf.logger.Warn("failed to record global index", logger.ErrAttr(err))
		}
	}
	if err := rf.persistMetadata(); err != nil {
		rf.mu.Unlock()
		rf.handlePersistenceError("HandleAppend", err)
		return resp, nil
	}
	rf.mu.Unlock()

	if shouldSignal {
		rf.signalApplier()
	}

	resp.Success = true
	resp.LogIndex = req.PrevLogIndex + uint64(len(req.Entries))
	return resp, nil
}

// HandleInstallSnapshot adopts a leader-sent FSM snapshot, resetting this
// member's log and session state to start fresh at LastIncludedIndex. Sent
// in place of a regular AppendRequest when this member's replication cursor
// has fallen below the leader's retained log prefix, which a normal
// AppendEntries backtrack can never recover from.
func (rf *Raft) HandleInstallSnapshot(ctx context.Context, req *codec.InstallSnapshotRequest) (*codec.InstallSnapshotResponse, error) {
	rf.mu.Lock()
	resp := &codec.InstallSnapshotResponse{Status: codec.StatusOK}

	if req.Term < rf.currentTerm {
		resp.Term = rf.currentTerm
		rf.mu.Unlock()
		return resp, nil
	}

	rf.resetElectionTimer()
	if req.Term > rf.currentTerm || rf.isRole(RoleCandidate) {
		rf.becomeFollower(req.Term)
	}
	rf.leader = req.Leader
	rf.hasLeader = true
	resp.Term = rf.currentTerm

	if req.LastIncludedIndex <= rf.lastSnapshotIndex {
		// Already installed at least this far, e.g. a retried RPC.
		if err := rf.persistMetadata(); err != nil {
			rf.mu.Unlock()
			rf.handlePersistenceError("HandleInstallSnapshot", err)
			return resp, nil
		}
		rf.mu.Unlock()
		return resp, nil
	}

	if err := rf.fsm.Restore(req.Data); err != nil {
		rf.mu.Unlock()
		rf.logger.Error("failed to restore fsm from installed snapshot", logger.ErrAttr(err))
		resp.Status = codec.StatusError
		return resp, nil
	}

	if err := rf.persister.Bootstrap(req.LastIncludedIndex + 1); err != nil {
		rf.mu.Unlock()
		rf.handlePersistenceError("HandleInstallSnapshot", err)
		return resp, nil
	}
	rf.sessions.Reset()

	rf.lastSnapshotIndex = req.LastIncludedIndex
	rf.lastSnapshotTerm = req.LastIncludedTerm
	rf.lastSnapshot = req.Data
	if req.LastIncludedIndex > rf.commitIndex {
		rf.commitIndex = req.LastIncludedIndex
	}
	rf.lastApplied = rf.commitIndex
	if req.LastIncludedIndex > rf.globalIndex {
		rf.globalIndex = req.LastIncludedIndex
	}

	if err := rf.persister.SetGlobalIndex(rf.globalIndex); err != nil {
		rf.logger.Warn("failed to persist global index after snapshot install", logger.ErrAttr(err))
	}
	if err := rf.persistMetadata(); err != nil {
		rf.mu.Unlock()
		rf.handlePersistenceError("HandleInstallSnapshot", err)
		return resp, nil
	}
	rf.mu.Unlock()
	return resp, nil
}

// isLogConsistentLocked reports whether our log agrees with the leader at
// prevIdx/prevTerm. Assumes rf.mu is held.
func (rf *Raft) isLogConsistentLocked(prevIdx, prevTerm uint64) bool {
	if prevIdx == 0 {
		return true
	}
	last, _ := rf.persister.LastIndex()
	if prevIdx > last {
		return false
	}
	return rf.termAtLocked(prevIdx) == prevTerm
}

// fillConflictReplyLocked computes the fast-backtrack hint for a log
// inconsistency. Assumes rf.mu is held.
func (rf *Raft) fillConflictReplyLocked(prevIdx uint64, resp *codec.AppendResponse) {
	last, _ := rf.persister.LastIndex()
	if prevIdx > last {
		resp.ConflictIndex = last + 1
		resp.ConflictTerm = -1
		return
	}
	conflictTerm := rf.termAtLocked(prevIdx)
	first, _ := rf.persister.FirstIndex()
	idx := prevIdx
	for idx > first && rf.termAtLocked(idx-1) == conflictTerm {
		idx--
	}
	resp.ConflictIndex = idx
	resp.ConflictTerm = int64(conflictTerm)
}

// processEntriesLocked reconciles req.Entries against the local log,
// truncating on the first conflicting entry and appending whatever is new.
// Assumes rf.mu is held.
func (rf *Raft) processEntriesLocked(req *codec.AppendRequest) (truncated bool, appended []codec.Entry, err error) {
	last, _ := rf.persister.LastIndex()
	var toAppend []codec.Entry

	for i, e := range req.Entries {
		entryIdx := req.PrevLogIndex + 1 + uint64(i)
		if entryIdx <= last {
			if rf.termAtLocked(entryIdx) == e.GetTerm() {
				continue // already have this exact entry
			}
			if err := rf.persister.Truncate(entryIdx); err != nil {
				return false, nil, err
			}
			truncated = true
			toAppend = req.Entries[i:]
			break
		}
		toAppend = req.Entries[i:]
		break
	}

	if len(toAppend) > 0 {
		if err := rf.persister.AppendEntries(toAppend); err != nil {
			return truncated, nil, err
		}
	}
	return truncated, toAppend, nil
}

// HandleJoin admits a new passive member.
func (rf *Raft) HandleJoin(ctx context.Context, req *codec.JoinRequest) (*codec.JoinResponse, error) {
	idx, err := rf.submitMembershipEntry(&codec.JoinEntry{Member: req.Member})
	if err != nil {
		return &codec.JoinResponse{Status: codec.StatusError, Error: translateMembershipError(err)}, nil
	}
	if err := rf.waitApplied(ctx, idx); err != nil {
		return &codec.JoinResponse{Status: codec.StatusError, Error: codec.ErrInternalError}, nil
	}
	return &codec.JoinResponse{Status: codec.StatusOK, Active: rf.cluster.ActiveMembers(), Passive: rf.cluster.PassiveMembers()}, nil
}

// HandleLeave removes a member from the cluster.
func (rf *Raft) HandleLeave(ctx context.Context, req *codec.LeaveRequest) (*codec.LeaveResponse, error) {
	idx, err := rf.submitMembershipEntry(&codec.LeaveEntry{Member: req.Member})
	if err != nil {
		return &codec.LeaveResponse{Status: codec.StatusError, Error: translateMembershipError(err)}, nil
	}
	if err := rf.waitApplied(ctx, idx); err != nil {
		return &codec.LeaveResponse{Status: codec.StatusError, Error: codec.ErrInternalError}, nil
	}
	return &codec.LeaveResponse{Status: codec.StatusOK}, nil
}

// HandlePromote upgrades a passive member to active, if it has caught up
// enough to satisfy the promotion rule.
func (rf *Raft) HandlePromote(ctx context.Context, req *codec.PromoteRequest) (*codec.PromoteResponse, error) {
	rf.mu.RLock()
	lastIdx, _ := rf.persister.LastIndex()
	prog, tracked := rf.replicators[req.Member]
	rf.mu.RUnlock()

	matchIdx := uint64(0)
	if tracked {
		matchIdx = prog.matchIndex
	}
	if !rf.cluster.ReadyToPromote(req.Member, matchIdx, lastIdx) {
		return &codec.PromoteResponse{Status: codec.StatusError, Error: codec.ErrIllegalMemberState}, nil
	}

	idx, err := rf.submitMembershipEntry(&codec.PromoteEntry{Member: req.Member})
	if err != nil {
		return &codec.PromoteResponse{Status: codec.StatusError, Error: translateMembershipError(err)}, nil
	}
	if err := rf.waitApplied(ctx, idx); err != nil {
		return &codec.PromoteResponse{Status: codec.StatusError, Error: codec.ErrInternalError}, nil
	}
	return &codec.PromoteResponse{Status: codec.StatusOK}, nil
}

// HandleDemote downgrades an active member to passive.
func (rf *Raft) HandleDemote(ctx context.Context, req *codec.DemoteRequest) (*codec.DemoteResponse, error) {
	idx, err := rf.submitMembershipEntry(&codec.DemoteEntry{Member: req.Member})
	if err != nil {
		return &codec.DemoteResponse{Status: codec.StatusError, Error: translateMembershipError(err)}, nil
	}
	if err := rf.waitApplied(ctx, idx); err != nil {
		return &codec.DemoteResponse{Status: codec.StatusError, Error: codec.ErrInternalError}, nil
	}
	return &codec.DemoteResponse{Status: codec.StatusOK}, nil
}

// HandleRegister opens a new client session.
func (rf *Raft) HandleRegister(ctx context.Context, req *codec.RegisterRequest) (*codec.RegisterResponse, error) {
	rf.mu.Lock()
	if !rf.isRole(RoleLeader) {
		leader := rf.leader
		rf.mu.Unlock()
		return &codec.RegisterResponse{Status: codec.StatusError, Error: codec.ErrNoLeader, Leader: leader}, nil
	}
	entry := &codec.RegisterEntry{Header: codec.Header{Term: rf.currentTerm}, Member: req.Client, Timestamp: time.Now().UnixNano()}
	idx, _, err := rf.appendLocked(entry)
	rf.mu.Unlock()
	if err != nil {
		return &codec.RegisterResponse{Status: codec.StatusError, Error: codec.ErrInternalError}, nil
	}
	rf.broadcastAppend()

	if err := rf.waitApplied(ctx, idx); err != nil {
		return &codec.RegisterResponse{Status: codec.StatusError, Error: codec.ErrInternalError}, nil
	}

	rf.mu.RLock()
	leader := rf.cluster.Self()
	rf.mu.RUnlock()
	members := append(append([]codec.Address{}, rf.cluster.ActiveMembers()...), rf.cluster.PassiveMembers()...)
	return &codec.RegisterResponse{Status: codec.StatusOK, Session: idx, Leader: leader, Members: members}, nil
}

// HandleKeepAlive refreshes a session's liveness.
func (rf *Raft) HandleKeepAlive(ctx context.Context, req *codec.KeepAliveRequest) (*codec.KeepAliveResponse, error) {
	rf.mu.Lock()
	if !rf.isRole(RoleLeader) {
		leader := rf.leader
		rf.mu.Unlock()
		return &codec.KeepAliveResponse{Status: codec.StatusError, Error: codec.ErrNoLeader, Leader: leader}, nil
	}
	entry := &codec.KeepAliveEntry{Header: codec.Header{Term: rf.currentTerm}, Session: req.Session, Timestamp: time.Now().UnixNano()}
	idx, _, err := rf.appendLocked(entry)
	rf.mu.Unlock()
	if err != nil {
		return &codec.KeepAliveResponse{Status: codec.StatusError, Error: codec.ErrInternalError}, nil
	}
	rf.broadcastAppend()

	if err := rf.waitApplied(ctx, idx); err != nil {
		return &codec.KeepAliveResponse{Status: codec.StatusError, Error: codec.ErrInternalError}, nil
	}
	if _, ok := rf.sessions.Get(req.Session); !ok {
		return &codec.KeepAliveResponse{Status: codec.StatusError, Error: codec.ErrUnknownSession}, nil
	}
	return &codec.KeepAliveResponse{Status: codec.StatusOK}, nil
}

// HandleCommand submits a command and blocks until it has been committed,
// applied, and its response is available.
func (rf *Raft) HandleCommand(ctx context.Context, req *codec.CommandRequest) (*codec.CommandResponse, error) {
	idx, _, isLeader := rf.Submit(req.Session, req.Request, req.Command)
	if !isLeader {
		return &codec.CommandResponse{Status: codec.StatusError, Error: codec.ErrNoLeader}, nil
	}

	if err := rf.waitApplied(ctx, idx); err != nil {
		return &codec.CommandResponse{Status: codec.StatusError, Error: codec.ErrInternalError, Index: idx}, nil
	}

	resp, ok := rf.sessions.CachedResponse(req.Session, req.Request)
	if !ok {
		if _, live := rf.sessions.Get(req.Session); live {
			return &codec.CommandResponse{Status: codec.StatusError, Error: codec.ErrApplicationError, Index: idx}, nil
		}
		return &codec.CommandResponse{Status: codec.StatusError, Error: codec.ErrUnknownSession, Index: idx}, nil
	}
	return &codec.CommandResponse{Status: codec.StatusOK, Index: idx, Response: resp}, nil
}

// HandleQuery answers a read-only client operation.
func (rf *Raft) HandleQuery(ctx context.Context, req *codec.QueryRequest) (*codec.QueryResponse, error) {
	resp, err := rf.Query(req.Session, req.Query, api.Consistency(req.Consistency))
	if err != nil {
		if errors.Is(err, api.ErrNotLeader) {
			return &codec.QueryResponse{Status: codec.StatusError, Error: codec.ErrNoLeader}, nil
		}
		return &codec.QueryResponse{Status: codec.StatusError, Error: codec.ErrApplicationError}, nil
	}
	return &codec.QueryResponse{Status: codec.StatusOK, Response: resp}, nil
}

func translateMembershipError(err error) codec.RaftError {
	switch {
	case errors.Is(err, api.ErrNotLeader):
		return codec.ErrNoLeader
	case errors.Is(err, api.ErrIllegalMemberState):
		return codec.ErrIllegalMemberState
	default:
		return codec.ErrInternalError
	}
}
