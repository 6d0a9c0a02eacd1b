package raft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copycat-project/copycat/api"
	"github.com/copycat-project/copycat/internal/codec"
)

func TestInitialElection(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.checkOneLeader()
	require.NotNil(t, leader)

	term, isLeader := leader.State()
	assert.True(t, isLeader)
	assert.Greater(t, term, uint64(0))
}

func TestSubmitReplicatesAndIsReadableEverywhere(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.checkOneLeader()

	client := codec.Address{Host: "client", Port: 1}
	session := registerSession(t, leader, client)

	resp := submitCommand(t, leader, session, 1, putCmd(t, "a", "1"))
	require.Equal(t, codec.StatusOK, resp.Status)

	// Give replication a moment to reach followers, then confirm every
	// member's fsm (not just the leader's) observed the committed write.
	require.Eventually(t, func() bool {
		for _, n := range tc.nodes {
			n.mu.RLock()
			applied := n.lastApplied
			n.mu.RUnlock()
			if applied < resp.Index {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)

	out, err := leader.Query(session, getQuery(t, "a"), api.Serializable)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"value":"1"`)
}

func TestReElectionAfterLeaderPartition(t *testing.T) {
	tc := newTestCluster(t, 3)
	firstLeader := tc.checkOneLeader()
	firstTerm, _ := firstLeader.State()

	firstAddr := firstLeader.cluster.Self()
	for _, addr := range tc.addrs {
		if addr != firstAddr {
			tc.net.Partition(firstAddr, addr)
		}
	}

	var secondLeader *Raft
	require.Eventually(t, func() bool {
		for _, n := range tc.nodes {
			if n.cluster.Self() == firstAddr {
				continue
			}
			if term, isLeader := n.State(); isLeader && term > firstTerm {
				secondLeader = n
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NotNil(t, secondLeader)
	assert.NotEqual(t, firstAddr, secondLeader.cluster.Self())

	tc.net.HealAll()
}

func TestMembershipJoinAndPromote(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.checkOneLeader()

	newAddr := codec.Address{Host: "node", Port: 4}
	tc.addNode(newAddr, tc.addrs, []codec.Address{newAddr})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	joinResp, err := leader.HandleJoin(ctx, &codec.JoinRequest{Member: newAddr})
	require.NoError(t, err)
	require.Equal(t, codec.StatusOK, joinResp.Status)
	assert.Contains(t, joinResp.Passive, newAddr)

	client := codec.Address{Host: "client", Port: 2}
	session := registerSession(t, leader, client)
	for i := uint64(1); i <= 5; i++ {
		resp := submitCommand(t, leader, session, i, putCmd(t, "k", "v"))
		require.Equal(t, codec.StatusOK, resp.Status)
	}

	require.Eventually(t, func() bool {
		pctx, pcancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer pcancel()
		resp, err := leader.HandlePromote(pctx, &codec.PromoteRequest{Member: newAddr})
		return err == nil && resp.Status == codec.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	assert.True(t, leader.cluster.IsActive(newAddr))
}
