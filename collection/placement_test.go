package collection

import (
	"testing"

	"github.com/hupe1980/vecshard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlacement(t *testing.T) {
	peers := []model.PeerID{"c", "a", "b"}

	layout, err := Placement(4, 2, peers)
	require.NoError(t, err)
	assert.Equal(t, Layout{
		0: {"a", "b"},
		1: {"b", "c"},
		2: {"c", "a"},
		3: {"a", "b"},
	}, layout)

	// Order of the input does not matter.
	again, err := Placement(4, 2, []model.PeerID{"b", "c", "a", "a"})
	require.NoError(t, err)
	assert.Equal(t, layout, again)

	// Even spread: every peer hosts shards*rf/peers replicas, give or take one.
	load := map[model.PeerID]int{}
	big, err := Placement(30, 2, peers)
	require.NoError(t, err)
	for _, assigned := range big {
		assert.Len(t, assigned, 2)
		assert.NotEqual(t, assigned[0], assigned[1])
		for _, p := range assigned {
			load[p]++
		}
	}
	for _, n := range load {
		assert.Equal(t, 20, n)
	}

	_, err = Placement(2, 4, peers)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestResize(t *testing.T) {
	peers := []model.PeerID{"a", "b", "c", "d"}

	next, added, removed, err := resize(1, []model.PeerID{"b"}, 3, peers)
	require.NoError(t, err)
	assert.Equal(t, []model.PeerID{"b", "c", "d"}, next)
	assert.Equal(t, []model.PeerID{"c", "d"}, added)
	assert.Empty(t, removed)

	next, added, removed, err = resize(1, []model.PeerID{"b", "c", "d"}, 1, peers)
	require.NoError(t, err)
	assert.Equal(t, []model.PeerID{"b"}, next)
	assert.Empty(t, added)
	assert.Equal(t, []model.PeerID{"c", "d"}, removed)

	_, _, _, err = resize(0, []model.PeerID{"a"}, 5, peers)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig(t *testing.T) {
	cfg := Config{}.WithDefaults()
	assert.Equal(t, Config{ShardNumber: 1, ReplicationFactor: 1, WriteConsistencyFactor: 1}, cfg)

	cfg = Config{ShardNumber: 2, ReplicationFactor: 2, WriteConsistencyFactor: 3}
	assert.ErrorIs(t, cfg.Validate(3), ErrInvalidConfig)

	cfg = Config{ShardNumber: 2, ReplicationFactor: 3, WriteConsistencyFactor: 1}
	assert.ErrorIs(t, cfg.Validate(2), ErrInvalidConfig)
	assert.NoError(t, cfg.Validate(3))

	rf := 2
	merged := Config{ShardNumber: 1, ReplicationFactor: 1, WriteConsistencyFactor: 1,
		IndexParams: map[string]any{"m": 16, "ef": 100}}.
		Merge(Patch{ReplicationFactor: &rf, IndexParams: map[string]any{"ef": 200}})
	assert.Equal(t, 2, merged.ReplicationFactor)
	assert.Equal(t, map[string]any{"m": 16, "ef": 200}, merged.IndexParams)
	assert.True(t, Patch{}.Empty())
}

func TestTopology(t *testing.T) {
	topo := Topology{
		Self:  model.Peer{ID: "b"},
		Peers: []model.Peer{{ID: "c", Address: "10.0.0.3:7000"}, {ID: "a"}, {ID: "b"}},
	}
	assert.Equal(t, []model.PeerID{"a", "b", "c"}, topo.IDs())

	p, ok := topo.Lookup("c")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.3:7000", p.Address)
	require.NoError(t, topo.Validate())

	bad := Topology{Self: model.Peer{ID: "../x"}}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}
