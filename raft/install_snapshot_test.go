package raft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copycat-project/copycat/internal/codec"
)

// TestInstallSnapshotRejectsStaleTerm confirms a leader sending with a term
// behind what the follower has already seen gets told the newer term back,
// without touching any local state.
func TestInstallSnapshotRejectsStaleTerm(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.checkOneLeader()

	var follower *Raft
	for _, n := range tc.nodes {
		if n != leader {
			follower = n
			break
		}
	}
	require.NotNil(t, follower)

	follower.mu.RLock()
	currentTerm := follower.currentTerm
	follower.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := follower.HandleInstallSnapshot(ctx, &codec.InstallSnapshotRequest{
		Term:              currentTerm - 1,
		Leader:            leader.cluster.Self(),
		LastIncludedIndex: 1,
		LastIncludedTerm:  currentTerm - 1,
		Data:              []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, codec.StatusOK, resp.Status)
	assert.Equal(t, currentTerm, resp.Term)

	follower.mu.RLock()
	defer follower.mu.RUnlock()
	assert.Equal(t, uint64(0), follower.lastSnapshotIndex)
}

// TestInstallSnapshotResetsLogFsmAndSessions drives HandleInstallSnapshot
// directly against a follower, the way replicateTo does once it notices a
// peer's nextIndex has fallen below the leader's retained log prefix, and
// confirms the follower adopts the snapshot: its fsm reflects the snapshotted
// state, its log starts fresh at LastIncludedIndex+1, its sessions are
// cleared, and its commit/apply/global indexes jump forward to match.
func TestInstallSnapshotResetsLogFsmAndSessions(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.checkOneLeader()

	client := codec.Address{Host: "client", Port: 1}
	session := registerSession(t, leader, client)
	for i := uint64(1); i <= 3; i++ {
		resp := submitCommand(t, leader, session, i, putCmd(t, "k", "v"))
		require.Equal(t, codec.StatusOK, resp.Status)
	}

	var follower *Raft
	for _, n := range tc.nodes {
		if n != leader {
			follower = n
			break
		}
	}
	require.NotNil(t, follower)

	require.Eventually(t, func() bool {
		follower.mu.RLock()
		defer follower.mu.RUnlock()
		return follower.sessions.Count() == 1
	}, time.Second, 10*time.Millisecond, "follower never caught up before the snapshot install")

	snapshotBytes, err := leader.fsm.Snapshot()
	require.NoError(t, err)

	leader.mu.RLock()
	term := leader.currentTerm
	self := leader.cluster.Self()
	leader.mu.RUnlock()

	const lastIncludedIndex = uint64(100)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := follower.HandleInstallSnapshot(ctx, &codec.InstallSnapshotRequest{
		Term:              term,
		Leader:            self,
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  term,
		Data:              snapshotBytes,
	})
	require.NoError(t, err)
	assert.Equal(t, codec.StatusOK, resp.Status)

	follower.mu.RLock()
	assert.Equal(t, lastIncludedIndex, follower.lastSnapshotIndex)
	assert.Equal(t, term, follower.lastSnapshotTerm)
	assert.Equal(t, lastIncludedIndex, follower.commitIndex)
	assert.Equal(t, lastIncludedIndex, follower.lastApplied)
	assert.Equal(t, lastIncludedIndex, follower.globalIndex)
	assert.Equal(t, 0, follower.sessions.Count())
	follower.mu.RUnlock()

	firstIdx, err := follower.persister.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, lastIncludedIndex+1, firstIdx)

	out, err := follower.fsm.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, string(out), `"v"`)

	// A retried install at or below what's already installed is acknowledged
	// without re-running the reset.
	resp2, err := follower.HandleInstallSnapshot(ctx, &codec.InstallSnapshotRequest{
		Term:              term,
		Leader:            self,
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  term,
		Data:              snapshotBytes,
	})
	require.NoError(t, err)
	assert.Equal(t, codec.StatusOK, resp2.Status)
}
