package cluster

import "github.com/copycat-project/copycat/internal/codec"

// Status describes a member's voting rights within the cluster.
type Status uint8

const (
	Active Status = iota
	Passive
)

func (s Status) String() string {
	if s == Active {
		return "active"
	}
	return "passive"
}

// Member is a single node known to the cluster view.
type Member struct {
	Address codec.Address
	Status  Status
}
