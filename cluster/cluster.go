// Package cluster tracks the set of members known to a Raft server --
// which are active (voting) and which are passive (learners) -- and applies
// the membership entries that mutate that view. The only mutation path is
// ApplyConfiguration/ApplyJoin/ApplyLeave/ApplyPromote/ApplyDemote, called
// by the state machine executor in commit order so every replica converges
// on the same view.
package cluster

import (
	"fmt"
	"sync"

	"github.com/copycat-project/copycat/internal/codec"
)

// Cluster is the mutable membership view owned by a single Raft server.
// It is never shared across goroutines except through its own locked
// methods.
type Cluster struct {
	mu sync.RWMutex

	self    codec.Address
	members map[codec.Address]Status
}

// New returns a Cluster seeded with the given active and passive member
// sets. self need not already appear in either set.
func New(self codec.Address, active, passive []codec.Address) *Cluster {
	c := &Cluster{
		self:    self,
		members: make(map[codec.Address]Status, len(active)+len(passive)),
	}
	for _, a := range active {
		c.members[a] = Active
	}
	for _, a := range passive {
		c.members[a] = Passive
	}
	return c
}

// Self returns the local member's address.
func (c *Cluster) Self() codec.Address { return c.self }

// IsActive reports whether addr is a voting member.
func (c *Cluster) IsActive(addr codec.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.members[addr] == Active
}

// IsPassive reports whether addr is a non-voting learner.
func (c *Cluster) IsPassive(addr codec.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.members[addr]
	return ok && s == Passive
}

// IsMember reports whether addr is known to the cluster in any role.
func (c *Cluster) IsMember(addr codec.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[addr]
	return ok
}

// ActiveMembers returns the current voting set, excluding self.
func (c *Cluster) ActiveMembers() []codec.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]codec.Address, 0, len(c.members))
	for addr, s := range c.members {
		if s == Active && addr != c.self {
			out = append(out, addr)
		}
	}
	return out
}

// PassiveMembers returns the current learner set.
func (c *Cluster) PassiveMembers() []codec.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]codec.Address, 0, len(c.members))
	for addr, s := range c.members {
		if s == Passive {
			out = append(out, addr)
		}
	}
	return out
}

// ActiveCount returns the number of voting members, including self if self
// is active.
func (c *Cluster) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.members {
		if s == Active {
			n++
		}
	}
	return n
}

// Quorum returns the number of active-member votes needed for a majority:
// floor(N/2)+1 where N is the active member count.
func (c *Cluster) Quorum() int {
	n := c.ActiveCount()
	return n/2 + 1
}

// Configuration returns the full membership view as a ConfigurationEntry,
// suitable for appending to the log (e.g. by a new leader reasserting its
// view, or a joining member learning the cluster).
func (c *Cluster) Configuration() *codec.ConfigurationEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := &codec.ConfigurationEntry{}
	for addr, s := range c.members {
		if s == Active {
			e.Active = append(e.Active, addr)
		} else {
			e.Passive = append(e.Passive, addr)
		}
	}
	return e
}

// ApplyConfiguration replaces the entire membership view. Used when a
// ConfigurationEntry is committed -- it always carries the full
// active/passive sets, never a delta.
func (c *Cluster) ApplyConfiguration(e *codec.ConfigurationEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members = make(map[codec.Address]Status, len(e.Active)+len(e.Passive))
	for _, a := range e.Active {
		c.members[a] = Active
	}
	for _, a := range e.Passive {
		c.members[a] = Passive
	}
}

// ApplyJoin admits member as a passive learner. A member already known in
// any role is left unchanged.
func (c *Cluster) ApplyJoin(e *codec.JoinEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[e.Member]; ok {
		return
	}
	c.members[e.Member] = Passive
}

// ApplyLeave removes member from the cluster entirely, regardless of its
// current role.
func (c *Cluster) ApplyLeave(e *codec.LeaveEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, e.Member)
}

// ApplyPromote upgrades a passive member to active (voting). A no-op if the
// member is unknown or already active.
func (c *Cluster) ApplyPromote(e *codec.PromoteEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[e.Member]; ok {
		c.members[e.Member] = Active
	}
}

// ApplyDemote downgrades an active member to passive. A no-op if the member
// is unknown or already passive.
func (c *Cluster) ApplyDemote(e *codec.DemoteEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[e.Member]; ok {
		c.members[e.Member] = Passive
	}
}

// catchUpRounds is how close (in replication rounds) a passive member's
// matchIndex must be to the leader's lastIndex before it is eligible for
// promotion: within one full round means it received and acked the most
// recent batch, so promoting it won't stall the voting quorum waiting for
// it to catch up.
const catchUpRounds = 1

// ReadyToPromote reports whether a passive member has caught up closely
// enough with the leader's log to be safely promoted to an active (voting)
// member. leaderLastIndex is the leader's current lastIndex and matchIndex
// is the replicator's last-known matchIndex for that member.
func (c *Cluster) ReadyToPromote(addr codec.Address, matchIndex, leaderLastIndex uint64) bool {
	if !c.IsPassive(addr) {
		return false
	}
	if leaderLastIndex < catchUpRounds {
		return true
	}
	return matchIndex >= leaderLastIndex-catchUpRounds
}

// String renders the current view for logging.
func (c *Cluster) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("cluster{self=%s, members=%d}", c.self, len(c.members))
}
