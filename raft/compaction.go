package raft

import (
	"time"

	"github.com/copycat-project/copycat/internal/codec"
	"github.com/copycat-project/copycat/pkg/logger"
)

// cleanableEntry reports whether compaction may drop e once it falls below
// globalIndex. Membership and session-bootstrap entries are kept
// unconditionally so a replica rebuilding from a truncated log can still
// reconstruct cluster configuration and session identity; everything else
// is pure mutation/ordering history with no further use once applied and
// globally acknowledged.
func (rf *Raft) cleanableEntry(e codec.Entry) bool {
	switch e.(type) {
	case *codec.RegisterEntry, *codec.ConfigurationEntry, *codec.JoinEntry,
		*codec.LeaveEntry, *codec.PromoteEntry, *codec.DemoteEntry:
		return false
	default:
		return true
	}
}

// compactionCheckInterval is how often compactionLoop wakes up to check
// whether enough state has grown to justify rewriting segments. Compaction
// itself is gated by cfg.Storage.MinorCompactEvery (bytes), not by this
// wake-up cadence.
const compactionCheckInterval = 2 * time.Second

// compactionLoop periodically advances globalIndex (leader-only) and runs
// minor/major compaction against the segmented log once enough bytes have
// accumulated since the last pass.
func (rf *Raft) compactionLoop() {
	defer rf.wg.Done()

	ticker := time.NewTicker(compactionCheckInterval)
	defer ticker.Stop()

	var sizeAtLastCompaction int64
	var appliedSinceMajor int

	for {
		select {
		case <-rf.ctx.Done():
			return
		case <-ticker.C:
			rf.advanceGlobalIndex()

			size, err := rf.persister.RaftStateSize()
			if err != nil {
				rf.logger.Warn("failed to read raft state size", logger.ErrAttr(err))
				continue
			}
			if int64(size)-sizeAtLastCompaction < rf.cfg.Storage.MinorCompactEvery {
				continue
			}
			sizeAtLastCompaction = int64(size)

			if err := rf.compactor.MinorCompact(); err != nil {
				rf.logger.Warn("minor compaction failed", logger.ErrAttr(err))
				continue
			}
			appliedSinceMajor++
			if appliedSinceMajor >= rf.cfg.Storage.MajorSegmentCount {
				appliedSinceMajor = 0
				if err := rf.compactor.MajorCompact(rf.cfg.Storage.MajorSegmentCount); err != nil {
					rf.logger.Warn("major compaction failed", logger.ErrAttr(err))
				}
			}
		}
	}
}

// advanceGlobalIndex recomputes globalIndex as the minimum matchIndex
// across every tracked peer -- active and passive alike (leader-only),
// capped by commitIndex, and persists it so compaction never drops an
// entry a currently tracked member still needs, including a lagging
// passive learner that joined after the last compaction pass. rf.replicators
// already covers every active and passive member (startReplicators,
// trackNewPeer, untrackPeer), so there is no separate passive case to
// special-case here.
func (rf *Raft) advanceGlobalIndex() {
	rf.mu.Lock()
	if !rf.isRole(RoleLeader) {
		rf.mu.Unlock()
		return
	}
	floor := rf.commitIndex
	for _, prog := range rf.replicators {
		if prog.matchIndex < floor {
			floor = prog.matchIndex
		}
	}
	if floor <= rf.globalIndex {
		rf.mu.Unlock()
		return
	}
	rf.globalIndex = floor
	rf.mu.Unlock()

	if err := rf.persister.SetGlobalIndex(floor); err != nil {
		rf.logger.Warn("failed to persist global index", logger.ErrAttr(err))
	}
}
