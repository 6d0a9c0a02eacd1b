package raft

import (
	"github.com/copycat-project/copycat/internal/codec"
	"github.com/copycat-project/copycat/pkg/logger"
)

// applier is the background worker that drains newly committed entries in
// order and dispatches them to the session registry, cluster membership,
// or the application FSM.
func (rf *Raft) applier() {
	defer rf.wg.Done()
	for {
		select {
		case <-rf.ctx.Done():
			return
		case <-rf.signalApplierCh:
			rf.applyReady()
		}
	}
}

func (rf *Raft) signalApplier() {
	select {
	case rf.signalApplierCh <- struct{}{}:
	default:
	}
}

// applyReady applies every committed-but-not-yet-applied entry.
func (rf *Raft) applyReady() {
	for {
		rf.mu.RLock()
		if rf.killed() || rf.lastApplied >= rf.commitIndex {
			rf.mu.RUnlock()
			return
		}
		from, to := rf.lastApplied+1, rf.commitIndex+1
		rf.mu.RUnlock()

		entries, err := rf.persister.Entries(from, to)
		if err != nil {
			rf.logger.Error("failed to read committed entries", logger.ErrAttr(err))
			return
		}
		for _, e := range entries {
			rf.applyEntry(e)
		}
	}
}

func (rf *Raft) applyEntry(e codec.Entry) {
	switch v := e.(type) {
	case *codec.ConfigurationEntry:
		rf.cluster.ApplyConfiguration(v)
	case *codec.JoinEntry:
		rf.cluster.ApplyJoin(v)
		rf.trackNewPeer(v.Member, e.GetIndex())
	case *codec.LeaveEntry:
		rf.cluster.ApplyLeave(v)
		rf.untrackPeer(v.Member)
	case *codec.PromoteEntry:
		rf.cluster.ApplyPromote(v)
	case *codec.DemoteEntry:
		rf.cluster.ApplyDemote(v)
	case *codec.RegisterEntry:
		rf.sessions.ApplyRegister(v)
	case *codec.KeepAliveEntry:
		if err := rf.sessions.ApplyKeepAlive(v); err != nil {
			rf.logger.Warn("keep-alive for unknown session", "session", v.Session, logger.ErrAttr(err))
		}
	case *codec.CommandEntry:
		if _, err := rf.sessions.ApplyCommand(v, func(cmd []byte) ([]byte, error) {
			return rf.fsm.Apply(v.GetIndex(), v.Timestamp, cmd)
		}); err != nil {
			rf.logger.Warn("command application failed", "session", v.Session, "request", v.Request, logger.ErrAttr(err))
		}
	case *codec.NoOpEntry, *codec.QueryEntry:
		// ordering fences only, no state to mutate
	}

	rf.mu.Lock()
	rf.lastApplied = e.GetIndex()
	switch e.(type) {
	case *codec.ConfigurationEntry, *codec.JoinEntry, *codec.LeaveEntry, *codec.PromoteEntry, *codec.DemoteEntry:
		rf.configChangePending = false
	}
	waiters := rf.waiters[e.GetIndex()]
	delete(rf.waiters, e.GetIndex())
	rf.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}
