package collection

import (
	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/replica"
)

// ClusterInfo is a read-only report of how a collection is laid out and how
// healthy its replicas are.
type ClusterInfo struct {
	Collection string           `json:"collection"`
	Self       model.PeerID     `json:"self"`
	Config     Config           `json:"config"`
	Ring       RingInfo         `json:"ring"`
	Shards     []replica.Status `json:"shards"`
	Pending    []PendingUpdate  `json:"pending_updates,omitempty"`
	// Recovering counts replicas with a catch-up or transfer in flight.
	Recovering int `json:"recovering"`
}

// RingInfo describes the router.
type RingInfo struct {
	Shards       int `json:"shards"`
	VirtualNodes int `json:"virtual_nodes"`
	Tokens       int `json:"tokens"`
}

// ClusterInfo reports shard to replica states, the ring shape and in-flight
// work.
func (c *Collection) ClusterInfo() ClusterInfo {
	info := ClusterInfo{
		Collection: c.name,
		Self:       c.opts.topology.Self.ID,
		Config:     c.Config(),
		Ring: RingInfo{
			Shards:       c.ring.Len(),
			VirtualNodes: c.ring.VirtualNodes(),
			Tokens:       len(c.ring.Tokens()),
		},
		Shards:  make([]replica.Status, len(c.shards)),
		Pending: c.PendingUpdates(),
	}
	for i, s := range c.shards {
		st := s.Status()
		info.Shards[i] = st
		for _, r := range st.Replicas {
			if r.Recovering {
				info.Recovering++
			}
		}
	}
	return info
}
