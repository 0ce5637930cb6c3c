package ring

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/hupe1980/vecshard/model"
	"github.com/spaolacci/murmur3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keys(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("key-%d", i))
	}
	return out
}

func TestRing_EmptyRing(t *testing.T) {
	r := New()
	_, err := r.Route([]byte("a"))
	assert.ErrorIs(t, err, ErrNoShards)
	_, err = r.RouteID(1)
	assert.ErrorIs(t, err, ErrNoShards)
	assert.Equal(t, 0, r.Len())
}

func TestRing_AddRemove(t *testing.T) {
	r := New()
	r.AddShard(2)
	r.AddShard(0)
	r.AddShard(1)
	r.AddShard(1) // no-op

	assert.Equal(t, []model.ShardID{0, 1, 2}, r.Shards())
	assert.Len(t, r.Tokens(), 3*DefaultVirtualNodes)

	r.RemoveShard(7) // non-member is a no-op
	assert.Equal(t, 3, r.Len())

	r.RemoveShard(1)
	assert.Equal(t, []model.ShardID{0, 2}, r.Shards())
	assert.Len(t, r.Tokens(), 2*DefaultVirtualNodes)
	assert.False(t, r.Contains(1))

	for _, k := range keys(200) {
		s, err := r.Route(k)
		require.NoError(t, err)
		assert.NotEqual(t, model.ShardID(1), s)
	}
}

func TestRing_DeterministicIndependentOfInsertionOrder(t *testing.T) {
	ids := []model.ShardID{0, 1, 2, 3, 4, 5, 6, 7}

	a := Of(ids)

	shuffled := append([]model.ShardID(nil), ids...)
	rand.New(rand.NewSource(42)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	b := New()
	for _, id := range shuffled {
		b.AddShard(id)
	}
	// Remove and re-add must land on the same layout too.
	b.RemoveShard(3)
	b.AddShard(3)

	assert.Equal(t, a.Tokens(), b.Tokens())
	assert.Zero(t, Moved(a, b, keys(5000)))
}

func TestRing_TokensSorted(t *testing.T) {
	r := Of([]model.ShardID{0, 1, 2, 3})
	tokens := r.Tokens()
	for i := 1; i < len(tokens); i++ {
		assert.True(t, !less(tokens[i], tokens[i-1]), "tokens out of order at %d", i)
	}
}

func TestRing_Balance(t *testing.T) {
	r := Of([]model.ShardID{0, 1, 2, 3})

	counts := make(map[model.ShardID]int)
	ks := keys(20000)
	for _, k := range ks {
		s, err := r.Route(k)
		require.NoError(t, err)
		counts[s]++
	}

	require.Len(t, counts, 4)
	for s, c := range counts {
		// 100 vnodes keep every shard within a generous band of the mean.
		assert.InDelta(t, len(ks)/4, c, float64(len(ks))/4*0.5, "shard %d", s)
	}
}

func TestRing_RemapLocality(t *testing.T) {
	before := Of([]model.ShardID{0, 1, 2, 3})
	after := Of([]model.ShardID{0, 1, 2, 3, 4})

	ks := keys(10000)
	moved := 0
	for _, k := range ks {
		sb, _ := before.Route(k)
		sa, _ := after.Route(k)
		if sa != sb {
			moved++
			// Only keys that now belong to the new shard move.
			assert.Equal(t, model.ShardID(4), sa)
		}
	}
	assert.Equal(t, moved, Moved(before, after, ks))
	assert.Less(t, moved, len(ks)/2)
}

func TestRing_RouteIDMatchesRoute(t *testing.T) {
	r := Of([]model.ShardID{0, 1, 2})
	for id := model.PointID(0); id < 100; id++ {
		viaID, err := r.RouteID(id)
		require.NoError(t, err)
		buf := []byte{0, 0, 0, 0, 0, 0, 0, byte(id)}
		viaKey, err := r.Route(buf)
		require.NoError(t, err)
		assert.Equal(t, viaKey, viaID)
	}
}

func TestRing_ConcurrentRouteDuringChanges(t *testing.T) {
	r := Of([]model.ShardID{0, 1})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			r.AddShard(model.ShardID(2 + i%3))
			r.RemoveShard(model.ShardID(2 + i%3))
		}
	}()
	go func() {
		defer wg.Done()
		for _, k := range keys(5000) {
			s, err := r.Route(k)
			if err != nil {
				t.Error(err)
				return
			}
			if s > 4 {
				t.Errorf("unexpected shard %d", s)
				return
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, []model.ShardID{0, 1}, r.Shards())
}

func TestRing_WithVirtualNodes(t *testing.T) {
	r := New(WithVirtualNodes(8))
	r.AddShard(0)
	assert.Equal(t, 8, r.VirtualNodes())
	assert.Len(t, r.Tokens(), 8)
}

func TestRing_SequentialIDsSpread(t *testing.T) {
	r := Of([]model.ShardID{0, 1, 2, 3})

	counts := make(map[model.ShardID]int)
	const n = 20000
	for id := model.PointID(1); id <= n; id++ {
		s, err := r.RouteID(id)
		require.NoError(t, err)
		counts[s]++
	}

	require.Len(t, counts, 4)
	for s, c := range counts {
		assert.InDelta(t, n/4, c, n/4*0.5, "shard %d", s)
	}

	// Small ids alone already reach several shards.
	small := make(map[model.ShardID]bool)
	for id := model.PointID(1); id < 100; id++ {
		s, _ := r.RouteID(id)
		small[s] = true
	}
	assert.Greater(t, len(small), 1)
}

func TestRing_TokensNotOnKeyHashes(t *testing.T) {
	r := Of([]model.ShardID{0, 1})
	tokens := make(map[uint64]bool)
	for _, tok := range r.Tokens() {
		tokens[tok.Hash] = true
	}
	for _, id := range []model.PointID{0, 1, 99, 1<<32 | 5} {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(id))
		assert.False(t, tokens[murmur3.Sum64(buf[:])], "id %d", id)
	}
}
