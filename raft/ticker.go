package raft

import "time"

// ticker is the background loop driving election timeouts and heartbeats.
func (rf *Raft) ticker() {
	defer func() {
		rf.heartbeatTicker.Stop()
		rf.electionTimer.Stop()
		rf.wg.Done()
	}()

	for {
		select {
		case <-rf.ctx.Done():
			return

		case <-rf.resetElectionCh:
			rf.heartbeatTicker.Stop()
			drainTimer(rf.electionTimer)
			rf.electionTimer.Reset(rf.randElectionInterval())

		case <-rf.resetHeartbeatCh:
			drainTimer(rf.electionTimer)
			rf.heartbeatTicker.Reset(rf.cfg.Timings.HeartbeatTimeout)

		case <-rf.electionTimer.C:
			rf.mu.RLock()
			shouldCampaign := rf.isRole(RoleFollower) || rf.isRole(RoleCandidate)
			rf.mu.RUnlock()
			if !shouldCampaign {
				continue
			}
			rf.logger.Debug("election timer fired, probing peers before campaigning")
			rf.resetElectionTimer()
			go rf.startPoll()

		case <-rf.heartbeatTicker.C:
			if rf.isRole(RoleLeader) {
				rf.broadcastAppend()
			}
		}
	}
}

func drainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// resetHeartbeatTicker signals the ticker to reset the heartbeat interval.
func (rf *Raft) resetHeartbeatTicker() {
	select {
	case rf.resetHeartbeatCh <- struct{}{}:
	default:
	}
}

// resetElectionTimer signals the ticker to reset the election timeout.
func (rf *Raft) resetElectionTimer() {
	select {
	case rf.resetElectionCh <- struct{}{}:
	default:
	}
}
