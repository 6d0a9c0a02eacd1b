package cluster

import (
	"testing"

	"github.com/copycat-project/copycat/internal/codec"
	"github.com/stretchr/testify/require"
)

func addr(port uint32) codec.Address {
	return codec.Address{Host: "127.0.0.1", Port: port}
}

func TestNewClusterAndQuorum(t *testing.T) {
	self := addr(1)
	c := New(self, []codec.Address{self, addr(2), addr(3)}, nil)

	require.True(t, c.IsActive(self))
	require.Equal(t, 3, c.ActiveCount())
	require.Equal(t, 2, c.Quorum())
	require.Len(t, c.ActiveMembers(), 2) // excludes self
}

func TestApplyJoinThenPromote(t *testing.T) {
	self := addr(1)
	c := New(self, []codec.Address{self}, nil)
	learner := addr(2)

	c.ApplyJoin(&codec.JoinEntry{Member: learner})
	require.True(t, c.IsPassive(learner))
	require.False(t, c.IsActive(learner))

	c.ApplyPromote(&codec.PromoteEntry{Member: learner})
	require.True(t, c.IsActive(learner))
	require.Equal(t, 2, c.ActiveCount())
}

func TestApplyDemoteAndLeave(t *testing.T) {
	self := addr(1)
	peer := addr(2)
	c := New(self, []codec.Address{self, peer}, nil)

	c.ApplyDemote(&codec.DemoteEntry{Member: peer})
	require.True(t, c.IsPassive(peer))
	require.Equal(t, 1, c.ActiveCount())

	c.ApplyLeave(&codec.LeaveEntry{Member: peer})
	require.False(t, c.IsMember(peer))
}

func TestApplyConfigurationReplacesView(t *testing.T) {
	self := addr(1)
	c := New(self, []codec.Address{self, addr(2)}, []codec.Address{addr(3)})

	c.ApplyConfiguration(&codec.ConfigurationEntry{
		Active:  []codec.Address{self},
		Passive: []codec.Address{addr(2), addr(3)},
	})

	require.Equal(t, 1, c.ActiveCount())
	require.True(t, c.IsPassive(addr(2)))
	require.True(t, c.IsPassive(addr(3)))
}

func TestReadyToPromote(t *testing.T) {
	self := addr(1)
	c := New(self, []codec.Address{self}, nil)
	learner := addr(2)
	c.ApplyJoin(&codec.JoinEntry{Member: learner})

	require.False(t, c.ReadyToPromote(learner, 5, 10))
	require.True(t, c.ReadyToPromote(learner, 9, 10))
	require.True(t, c.ReadyToPromote(learner, 10, 10))

	// A non-passive (unknown or active) member is never "ready to promote".
	require.False(t, c.ReadyToPromote(addr(99), 100, 10))
}
