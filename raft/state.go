package raft

import "sync/atomic"

// Role is one of the five member states named by the protocol: three
// voting/log-owning roles plus Passive (non-voting replica) and Remote
// (client-only, no log).
type Role = uint32

const (
	_ Role = iota
	RoleFollower
	RoleCandidate
	RoleLeader
	RolePassive
	RoleRemote
)

func roleString(r Role) string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	case RolePassive:
		return "passive"
	case RoleRemote:
		return "remote"
	default:
		return "unknown"
	}
}

func (rf *Raft) role() Role {
	return atomic.LoadUint32(&rf.roleVal)
}

func (rf *Raft) isRole(r Role) bool {
	return rf.role() == r
}

// becomeFollower transitions to Follower. Passive and Remote members never
// become Follower from an incoming higher term -- a PromoteEntry is the
// only path out of Passive, and Remote never owns a log at all.
//
// Assumes rf.mu is held.
func (rf *Raft) becomeFollower(term uint64) {
	if rf.isRole(RolePassive) || rf.isRole(RoleRemote) {
		if term > rf.currentTerm {
			rf.currentTerm = term
			rf.votedFor = ""
		}
		return
	}

	rf.logger.Info("transitioning to follower", "term", term)
	atomic.StoreUint32(&rf.roleVal, RoleFollower)
	rf.leader = rf.cluster.Self()
	rf.hasLeader = false
	if term > rf.currentTerm {
		rf.currentTerm = term
		rf.votedFor = ""
	}
	rf.stopReplicators()
	rf.resetElectionTimer()
}

// becomeCandidate transitions to Candidate. Assumes rf.mu is held.
func (rf *Raft) becomeCandidate() {
	rf.logger.Info("transitioning to candidate", "term", rf.currentTerm)
	atomic.StoreUint32(&rf.roleVal, RoleCandidate)
	rf.hasLeader = false
}

// becomeLeader transitions to Leader, resets per-peer replication state,
// and starts the replicators. Assumes rf.mu is held.
func (rf *Raft) becomeLeader() {
	rf.logger.Info("transitioning to leader", "term", rf.currentTerm)
	atomic.StoreUint32(&rf.roleVal, RoleLeader)
	rf.leader = rf.cluster.Self()
	rf.hasLeader = true
	rf.configChangePending = false
	rf.startReplicators()
	rf.resetHeartbeatTicker()
}

// becomePassive transitions to Passive: a non-voting replica that accepts
// appends but never campaigns. Assumes rf.mu is held.
func (rf *Raft) becomePassive() {
	rf.logger.Info("transitioning to passive")
	atomic.StoreUint32(&rf.roleVal, RolePassive)
	rf.stopReplicators()
}

func (rf *Raft) killed() bool {
	return atomic.LoadInt32(&rf.dead) == 1
}

// Killed returns true if the server has been stopped.
func (rf *Raft) Killed() bool {
	return rf.killed()
}

// State returns the current term and whether this peer believes it is the
// leader.
func (rf *Raft) State() (uint64, bool) {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return rf.currentTerm, rf.isRole(RoleLeader)
}
