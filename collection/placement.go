package collection

import (
	"fmt"
	"slices"

	"github.com/hupe1980/vecshard/model"
)

// Layout assigns the peers hosting each shard's replicas.
type Layout map[model.ShardID][]model.PeerID

// Clone returns a deep copy.
func (l Layout) Clone() Layout {
	out := make(Layout, len(l))
	for id, peers := range l {
		out[id] = slices.Clone(peers)
	}
	return out
}

// Placement spreads rf replicas of each shard evenly over peers. Shard i
// starts at the i-th peer in id order and takes the next rf peers, wrapping.
// The result depends only on the set of peers, not their order.
func Placement(shards, rf int, peers []model.PeerID) (Layout, error) {
	ring := sortedPeers(peers)
	if rf < 1 || rf > len(ring) {
		return nil, fmt.Errorf("%w: cannot place %d replicas on %d peers", ErrInvalidConfig, rf, len(ring))
	}
	layout := make(Layout, shards)
	for s := 0; s < shards; s++ {
		assigned := make([]model.PeerID, rf)
		for j := range assigned {
			assigned[j] = ring[(s+j)%len(ring)]
		}
		layout[model.ShardID(s)] = assigned
	}
	return layout, nil
}

// resize returns the replica peers of shard id for a new replication factor
// along with the peers to add and remove. Growing continues the placement
// rotation, skipping peers already present; shrinking drops the most recently
// placed replicas first.
func resize(id model.ShardID, current []model.PeerID, rf int, peers []model.PeerID) (next, added, removed []model.PeerID, err error) {
	switch {
	case rf == len(current):
		return slices.Clone(current), nil, nil, nil
	case rf < len(current):
		return slices.Clone(current[:rf]), nil, slices.Clone(current[rf:]), nil
	}

	ring := sortedPeers(peers)
	if rf > len(ring) {
		return nil, nil, nil, fmt.Errorf("%w: cannot place %d replicas on %d peers", ErrInvalidConfig, rf, len(ring))
	}
	next = slices.Clone(current)
	for j := 0; j < len(ring) && len(next) < rf; j++ {
		p := ring[(int(id)+j)%len(ring)]
		if !slices.Contains(next, p) {
			next = append(next, p)
			added = append(added, p)
		}
	}
	return next, added, nil, nil
}

func sortedPeers(peers []model.PeerID) []model.PeerID {
	out := slices.Clone(peers)
	slices.Sort(out)
	return slices.Compact(out)
}
