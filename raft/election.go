package raft

import (
	"context"
	"math/rand"
	"time"

	"github.com/copycat-project/copycat/internal/codec"
	"github.com/copycat-project/copycat/pkg/logger"
)

func randDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// lastLogIndexAndTerm returns the index/term of the last persisted entry.
// Assumes rf.mu is held.
func (rf *Raft) lastLogIndexAndTerm() (uint64, uint64) {
	last, err := rf.persister.LastIndex()
	if err != nil || last == 0 {
		return 0, 0
	}
	entries, err := rf.persister.Entries(last, last+1)
	if err != nil || len(entries) == 0 {
		return last, 0
	}
	return last, entries[0].GetTerm()
}

// startPoll runs a pre-vote round: probe whether a majority of active peers
// would grant a vote, without bumping currentTerm or persisting anything.
// Only a successful poll leads to an actual campaign -- this keeps a
// partitioned-then-rejoined member from forcing needless elections.
func (rf *Raft) startPoll() {
	rf.mu.RLock()
	if !rf.isRole(RoleFollower) && !rf.isRole(RoleCandidate) {
		rf.mu.RUnlock()
		return
	}
	lastIdx, lastTerm := rf.lastLogIndexAndTerm()
	req := &codec.PollRequest{
		Term:         rf.currentTerm + 1,
		Candidate:    rf.cluster.Self(),
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}
	peers := rf.cluster.ActiveMembers()
	quorum := rf.cluster.Quorum()
	rf.mu.RUnlock()

	if len(peers) == 0 {
		rf.startElection()
		return
	}

	replies := make(chan *codec.PollResponse, len(peers))
	for _, peer := range peers {
		go func(peer codec.Address) {
			tctx, cancel := context.WithTimeout(rf.ctx, rf.cfg.Timings.RPCTimeout)
			defer cancel()
			resp, err := rf.transport.SendPoll(tctx, peer, req)
			if err != nil {
				return
			}
			replies <- resp
		}(peer)
	}

	accepted := 1
	timer := time.NewTimer(rf.cfg.Timings.ElectionTimeoutBase)
	defer timer.Stop()
	for accepted < quorum {
		select {
		case <-timer.C:
			return
		case r := <-replies:
			if r.Accepted {
				accepted++
			}
		}
	}
	rf.startElection()
}

// startElection begins campaigning for the current term + 1.
func (rf *Raft) startElection() {
	timeout := rf.randElectionInterval()

	rf.mu.Lock()
	rf.currentTerm++
	rf.becomeCandidate()
	rf.votedFor = rf.cluster.Self().String()
	rf.resetElectionTimer()
	lastIdx, lastTerm := rf.lastLogIndexAndTerm()
	electionTerm := rf.currentTerm
	peers := rf.cluster.ActiveMembers()
	quorum := rf.cluster.Quorum()

	if err := rf.persistMetadata(); err != nil {
		rf.mu.Unlock()
		rf.handlePersistenceError("startElection", err)
		return
	}
	rf.mu.Unlock()

	rf.logger.Info("starting election", "term", electionTerm)

	if len(peers) == 0 {
		rf.mu.Lock()
		becameLeader := rf.isRole(RoleCandidate) && rf.currentTerm == electionTerm
		if becameLeader {
			rf.becomeLeader()
		}
		rf.mu.Unlock()
		if becameLeader {
			rf.afterBecomeLeader()
		}
		return
	}

	req := &codec.VoteRequest{
		Term:         electionTerm,
		Candidate:    rf.cluster.Self(),
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}
	replies := make(chan *codec.VoteResponse, len(peers))
	for _, peer := range peers {
		go func(peer codec.Address) {
			tctx, cancel := context.WithTimeout(rf.ctx, rf.cfg.Timings.RPCTimeout)
			defer cancel()
			resp, err := rf.transport.SendVote(tctx, peer, req)
			if err != nil {
				rf.logger.Warn("failed to get vote response from peer", "peer", peer.String(), logger.ErrAttr(err))
				return
			}
			replies <- resp
		}(peer)
	}

	rf.countVotes(timeout, replies, electionTerm, quorum)
}

// countVotes collects VoteResponses until timeout or a quorum is reached,
// stepping down on any higher-term reply.
func (rf *Raft) countVotes(timeout time.Duration, replies <-chan *codec.VoteResponse, electionTerm uint64, quorum int) {
	granted := 1 // self
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			rf.logger.Debug("election timed out")
			return
		case reply := <-replies:
			rf.mu.Lock()
			if reply.Term > rf.currentTerm {
				rf.currentTerm = reply.Term
				rf.votedFor = ""
				rf.becomeFollower(reply.Term)
				if err := rf.persistMetadata(); err != nil {
					rf.mu.Unlock()
					rf.handlePersistenceError("countVotes", err)
					return
				}
				rf.mu.Unlock()
				return
			}

			if rf.currentTerm != electionTerm || !rf.isRole(RoleCandidate) {
				rf.mu.Unlock()
				return
			}

			if reply.VoteGranted {
				granted++
				if granted >= quorum {
					rf.becomeLeader()
					rf.mu.Unlock()
					rf.afterBecomeLeader()
					return
				}
			}
			rf.mu.Unlock()
		}
	}
}

// isCandidateLogUpToDate reports whether a candidate's log is at least as
// up-to-date as ours, per the standard Raft comparison. Assumes rf.mu held.
func (rf *Raft) isCandidateLogUpToDate(candidateLastIdx, candidateLastTerm uint64) bool {
	myLastIdx, myLastTerm := rf.lastLogIndexAndTerm()
	if candidateLastTerm != myLastTerm {
		return candidateLastTerm > myLastTerm
	}
	return candidateLastIdx >= myLastIdx
}
