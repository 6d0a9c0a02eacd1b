package raft

import (
	"context"
	"sort"
	"time"

	"github.com/copycat-project/copycat/internal/codec"
	"github.com/copycat-project/copycat/pkg/logger"
)

// peerProgress tracks one follower's (active or passive) replication
// cursor. Reinitialized whenever this member becomes Leader.
type peerProgress struct {
	nextIndex  uint64
	matchIndex uint64
}

// startReplicators (re)initializes per-peer progress for every known
// member, active and passive alike -- passive members still receive
// appends, they just never count toward the commit quorum. Assumes rf.mu
// is held.
func (rf *Raft) startReplicators() {
	lastIdx, err := rf.persister.LastIndex()
	if err != nil {
		lastIdx = 0
	}
	rf.replicators = make(map[codec.Address]*peerProgress)
	rf.commitTimes = make(map[codec.Address]time.Time)
	for _, peer := range rf.allPeersLocked() {
		rf.replicators[peer] = &peerProgress{nextIndex: lastIdx + 1}
	}
}

// stopReplicators clears leader-only replication state. Assumes rf.mu is
// held.
func (rf *Raft) stopReplicators() {
	rf.replicators = nil
	rf.commitTimes = nil
}

// trackNewPeer starts replicating to a member that just joined mid-term, so
// a leader doesn't have to wait for its own re-election before a freshly
// joined passive member starts catching up toward promotion.
func (rf *Raft) trackNewPeer(peer codec.Address, atIndex uint64) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if !rf.isRole(RoleLeader) || rf.replicators == nil {
		return
	}
	if _, ok := rf.replicators[peer]; ok {
		return
	}
	rf.replicators[peer] = &peerProgress{nextIndex: atIndex + 1}
}

// untrackPeer drops replication state for a member that just left, so the
// leader stops sending it appends.
func (rf *Raft) untrackPeer(peer codec.Address) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.replicators == nil {
		return
	}
	delete(rf.replicators, peer)
	delete(rf.commitTimes, peer)
}

func (rf *Raft) allPeersLocked() []codec.Address {
	peers := rf.cluster.ActiveMembers()
	return append(peers, rf.cluster.PassiveMembers()...)
}

// broadcastAppend fans out an AppendRequest (batch or heartbeat) to every
// known peer. Safe to call without holding rf.mu.
func (rf *Raft) broadcastAppend() {
	rf.mu.RLock()
	if !rf.isRole(RoleLeader) {
		rf.mu.RUnlock()
		return
	}
	peers := make([]codec.Address, 0, len(rf.replicators))
	for p := range rf.replicators {
		peers = append(peers, p)
	}
	term := rf.currentTerm
	rf.mu.RUnlock()

	for _, peer := range peers {
		go rf.replicateTo(peer, term)
	}
}

// replicateTo sends one AppendRequest to peer, batching entries by byte
// size up to cfg.MaxBatchSize, then applies the reply.
func (rf *Raft) replicateTo(peer codec.Address, term uint64) {
	rf.mu.RLock()
	if !rf.isRole(RoleLeader) || rf.currentTerm != term {
		rf.mu.RUnlock()
		return
	}
	prog, ok := rf.replicators[peer]
	if !ok {
		rf.mu.RUnlock()
		return
	}
	firstIdx, _ := rf.persister.FirstIndex()
	if firstIdx > 0 && prog.nextIndex < firstIdx {
		rf.mu.RUnlock()
		rf.installSnapshotTo(peer, term)
		return
	}
	prevIdx := prog.nextIndex - 1
	prevTerm := rf.termAtLocked(prevIdx)
	lastIdx, _ := rf.persister.LastIndex()

	var entries []codec.Entry
	if prog.nextIndex <= lastIdx {
		var err error
		entries, err = rf.batchEntriesLocked(prog.nextIndex, lastIdx)
		if err != nil {
			rf.mu.RUnlock()
			rf.logger.Warn("failed to load entries for replication", "peer", peer.String(), logger.ErrAttr(err))
			return
		}
	}

	req := &codec.AppendRequest{
		Term:         term,
		Leader:       rf.cluster.Self(),
		PrevLogIndex: prevIdx,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		CommitIndex:  rf.commitIndex,
		GlobalIndex:  rf.globalIndex,
	}
	rf.mu.RUnlock()

	tctx, cancel := context.WithTimeout(rf.ctx, rf.cfg.Timings.RPCTimeout)
	defer cancel()
	resp, err := rf.transport.SendAppend(tctx, peer, req)
	if err != nil {
		return
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.currentTerm != term || !rf.isRole(RoleLeader) {
		return
	}
	rf.handleAppendReply(peer, req, resp)
}

// installSnapshotTo ships the last captured FSM snapshot to peer, used
// instead of a regular AppendRequest once its nextIndex has fallen below
// the leader's retained log prefix -- the only path by which such a peer
// (typically a learner that joined after compaction already dropped the
// entries it would otherwise need) can ever catch up.
func (rf *Raft) installSnapshotTo(peer codec.Address, term uint64) {
	rf.mu.RLock()
	if !rf.isRole(RoleLeader) || rf.currentTerm != term {
		rf.mu.RUnlock()
		return
	}
	if rf.lastSnapshot == nil {
		rf.mu.RUnlock()
		rf.logger.Warn("peer has fallen behind the retained log but no snapshot has been captured yet", "peer", peer.String())
		return
	}
	req := &codec.InstallSnapshotRequest{
		Term:              term,
		Leader:            rf.cluster.Self(),
		LastIncludedIndex: rf.lastSnapshotIndex,
		LastIncludedTerm:  rf.lastSnapshotTerm,
		Data:              rf.lastSnapshot,
	}
	rf.mu.RUnlock()

	tctx, cancel := context.WithTimeout(rf.ctx, rf.cfg.Timings.RPCTimeout)
	defer cancel()
	resp, err := rf.transport.SendInstallSnapshot(tctx, peer, req)
	if err != nil {
		return
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.currentTerm != term || !rf.isRole(RoleLeader) {
		return
	}
	if resp.Term > rf.currentTerm {
		rf.currentTerm = resp.Term
		rf.votedFor = ""
		rf.becomeFollower(resp.Term)
		if err := rf.persistMetadata(); err != nil {
			rf.handlePersistenceError("installSnapshotTo", err)
		}
		return
	}
	if resp.Status != codec.StatusOK {
		return
	}
	prog, ok := rf.replicators[peer]
	if !ok {
		return
	}
	if req.LastIncludedIndex+1 > prog.nextIndex {
		prog.nextIndex = req.LastIncludedIndex + 1
	}
	if req.LastIncludedIndex > prog.matchIndex {
		prog.matchIndex = req.LastIncludedIndex
	}
}

// batchEntriesLocked loads entries starting at from, stopping before
// cfg.MaxBatchSize cumulative encoded bytes (but always including at least
// one entry). Assumes rf.mu is held.
func (rf *Raft) batchEntriesLocked(from, lastIdx uint64) ([]codec.Entry, error) {
	all, err := rf.persister.Entries(from, lastIdx+1)
	if err != nil {
		return nil, err
	}
	var size int
	for i, e := range all {
		body, err := codec.Encode(e)
		if err != nil {
			return nil, err
		}
		size += len(body)
		if i > 0 && size > rf.cfg.MaxBatchSize {
			return all[:i], nil
		}
	}
	return all, nil
}

func (rf *Raft) termAtLocked(index uint64) uint64 {
	if index == 0 {
		return 0
	}
	entries, err := rf.persister.Entries(index, index+1)
	if err != nil || len(entries) == 0 {
		return 0
	}
	return entries[0].GetTerm()
}

// handleAppendReply applies the result of one AppendRequest. Assumes rf.mu
// is held.
func (rf *Raft) handleAppendReply(peer codec.Address, req *codec.AppendRequest, resp *codec.AppendResponse) {
	if resp.Term > rf.currentTerm {
		rf.currentTerm = resp.Term
		rf.votedFor = ""
		rf.becomeFollower(resp.Term)
		if err := rf.persistMetadata(); err != nil {
			rf.handlePersistenceError("handleAppendReply", err)
		}
		return
	}

	prog, ok := rf.replicators[peer]
	if !ok {
		return
	}

	if resp.Success {
		newMatch := req.PrevLogIndex + uint64(len(req.Entries))
		if newMatch > prog.matchIndex {
			prog.matchIndex = newMatch
		}
		prog.nextIndex = prog.matchIndex + 1
		if rf.cluster.IsActive(peer) {
			rf.commitTimes[peer] = time.Now()
		}

		before := rf.commitIndex
		rf.tryCommit()
		if rf.commitIndex != before {
			rf.signalApplier()
		}
		return
	}

	rf.backtrackNextIndexLocked(prog, resp)
}

// backtrackNextIndexLocked rewinds a follower's nextIndex on a conflict,
// skipping back to the start of the conflicting term when known. Assumes
// rf.mu is held.
func (rf *Raft) backtrackNextIndexLocked(prog *peerProgress, resp *codec.AppendResponse) {
	if resp.ConflictTerm < 0 {
		prog.nextIndex = resp.ConflictIndex
		return
	}
	lastIdx, _ := rf.lastLogIndexAndTerm()
	for i := lastIdx; i > 0; i-- {
		if rf.termAtLocked(i) == uint64(resp.ConflictTerm) {
			prog.nextIndex = i + 1
			return
		}
	}
	prog.nextIndex = resp.ConflictIndex
}

// tryCommit advances commitIndex to the highest index held by a quorum of
// active members (this leader included), never past the current term's
// entries. Passive members' matchIndex is excluded from the quorum
// computation. Assumes rf.mu is held.
func (rf *Raft) tryCommit() {
	active := rf.cluster.ActiveMembers()
	lastIdx, _ := rf.persister.LastIndex()
	matches := make([]uint64, 0, len(active)+1)
	matches = append(matches, lastIdx) // self is always fully caught up
	for _, peer := range active {
		if prog, ok := rf.replicators[peer]; ok {
			matches = append(matches, prog.matchIndex)
		} else {
			matches = append(matches, 0)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })

	quorumIdx := len(matches) - rf.cluster.Quorum()
	if quorumIdx < 0 {
		return
	}
	candidate := matches[quorumIdx]
	if candidate > rf.commitIndex && rf.termAtLocked(candidate) == rf.currentTerm {
		rf.commitIndex = candidate
	}
}
