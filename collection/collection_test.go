package collection

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/vecshard/blobstore"
	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/replica"
	"github.com/hupe1980/vecshard/shard/memory"
	"github.com/hupe1980/vecshard/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threePeers() Topology {
	return Topology{
		Self:  model.Peer{ID: "p1"},
		Peers: []model.Peer{{ID: "p2"}, {ID: "p3"}},
	}
}

func fastReplicas() Option {
	return WithReplicaOptions(
		replica.WithAckTimeout(100*time.Millisecond),
		replica.WithRecoveryPolicy(replica.RecoveryPolicy{
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
			MaxElapsedTime:  5 * time.Second,
		}),
	)
}

func newCollection(t *testing.T, cfg Config, optFns ...Option) (*Collection, *LocalConnector) {
	t.Helper()
	conn := NewLocalConnector("", memory.Factory)
	opts := append([]Option{WithTopology(threePeers()), WithConnector(conn), fastReplicas()}, optFns...)
	c, err := Create(context.Background(), t.TempDir(), "books", cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, conn
}

func points(from, to int) []model.Point {
	out := make([]model.Point, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, model.Point{
			ID:      model.PointID(i),
			Vector:  []float32{float32(i), 1},
			Payload: map[string]any{"n": int64(i)},
		})
	}
	return out
}

func ids(from, to int) []model.PointID {
	out := make([]model.PointID, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, model.PointID(i))
	}
	return out
}

func TestCollection_Points(t *testing.T) {
	ctx := context.Background()
	c, _ := newCollection(t, Config{ShardNumber: 4, ReplicationFactor: 2, WriteConsistencyFactor: 2})

	require.NoError(t, c.Upsert(ctx, points(1, 100)...))

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	got, err := c.Get(ctx, []model.PointID{7, 3, 1000}, replica.ReadMajority)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.PointID(3), got[0].ID)
	assert.Equal(t, model.PointID(7), got[1].ID)

	page, err := c.Scroll(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, page, 5)
	for i, p := range page {
		assert.Equal(t, model.PointID(10+i), p.ID)
	}

	require.NoError(t, c.SetPayload(ctx, map[string]any{"tag": "x"}, 3))
	got, err = c.Get(ctx, []model.PointID{3}, replica.ReadAll)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Payload["tag"])

	require.NoError(t, c.Delete(ctx, ids(1, 50)...))
	n, err = c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	// Every shard received a share of the points.
	for _, s := range c.Shards() {
		assert.Greater(t, s.WAL().LastSeq(), uint64(0))
	}
}

func TestCollection_QuorumWriteSurvivesPeerLoss(t *testing.T) {
	ctx := context.Background()
	c, conn := newCollection(t, Config{ShardNumber: 4, ReplicationFactor: 2, WriteConsistencyFactor: 2})

	// Both assigned replicas acked.
	require.NoError(t, c.Upsert(ctx, points(1, 40)...))

	// The second replica of some shards goes away afterwards; the acked
	// write stays readable.
	conn.SetDown("p2", true)
	got, err := c.Get(ctx, ids(1, 40), replica.ReadAny)
	require.NoError(t, err)
	assert.Len(t, got, 40)

	// Shards placed on p2 can no longer reach write quorum.
	err = c.Upsert(ctx, points(41, 80)...)
	require.Error(t, err)
	assert.ErrorIs(t, err, replica.ErrQuorumNotReached)

	// Once p2 is back it catches up and writes succeed again.
	conn.SetDown("p2", false)
	require.Eventually(t, func() bool {
		for _, st := range c.ClusterInfo().Shards {
			for _, r := range st.Replicas {
				if r.State != replica.Active {
					return false
				}
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Upsert(ctx, points(41, 80)...))

	got, err = c.Get(ctx, ids(1, 80), replica.ReadAll)
	require.NoError(t, err)
	assert.Len(t, got, 80)
}

func TestCollection_FieldIndex(t *testing.T) {
	ctx := context.Background()

	var (
		mu    sync.Mutex
		descs []Descriptor
	)
	c, _ := newCollection(t, Config{ShardNumber: 4, ReplicationFactor: 2, WriteConsistencyFactor: 2},
		WithOnChange(func(d Descriptor) {
			mu.Lock()
			descs = append(descs, d)
			mu.Unlock()
		}))

	color := model.FieldIndex{Field: "color", Kind: model.IndexKeyword}
	res, err := c.CreateFieldIndex(ctx, color, true)
	require.NoError(t, err)
	assert.Equal(t, UpdateCompleted, res.Status)
	assert.NoError(t, res.Err())

	// Every shard confirmed.
	for _, s := range c.Shards() {
		idx, err := s.FieldIndexes(ctx)
		require.NoError(t, err)
		assert.Equal(t, []model.FieldIndex{color}, idx)
	}
	assert.Equal(t, []model.FieldIndex{color}, c.FieldIndexes())

	mu.Lock()
	require.NotEmpty(t, descs)
	assert.Equal(t, []model.FieldIndex{color}, descs[len(descs)-1].Schema)
	mu.Unlock()

	// Same definition again is a no-op, a different kind conflicts.
	res, err = c.CreateFieldIndex(ctx, color, true)
	require.NoError(t, err)
	assert.Equal(t, UpdateCompleted, res.Status)

	_, err = c.CreateFieldIndex(ctx, model.FieldIndex{Field: "color", Kind: model.IndexInteger}, true)
	assert.ErrorIs(t, err, ErrSchemaConflict)

	// Without wait the handle is returned right away.
	res, err = c.CreateFieldIndex(ctx, model.FieldIndex{Field: "year", Kind: model.IndexInteger}, false)
	require.NoError(t, err)
	assert.Equal(t, UpdateAcknowledged, res.Status)
	select {
	case <-res.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("field index update did not finish")
	}
	require.NoError(t, res.Err())
	assert.Len(t, c.FieldIndexes(), 2)
	assert.Empty(t, c.PendingUpdates())

	res, err = c.DeleteFieldIndex(ctx, "color", true)
	require.NoError(t, err)
	assert.Equal(t, UpdateCompleted, res.Status)
	assert.Equal(t, []model.FieldIndex{{Field: "year", Kind: model.IndexInteger}}, c.FieldIndexes())

	_, err = c.CreateFieldIndex(ctx, model.FieldIndex{Field: "bad", Kind: "vector"}, true)
	assert.Error(t, err)
}

func TestCollection_FieldIndexWaitsForEveryShard(t *testing.T) {
	ctx := context.Background()
	c, conn := newCollection(t, Config{ShardNumber: 4, ReplicationFactor: 2, WriteConsistencyFactor: 2})

	conn.SetDown("p3", true)
	res, err := c.CreateFieldIndex(ctx, model.FieldIndex{Field: "color", Kind: model.IndexKeyword}, true)
	require.Error(t, err)
	assert.Equal(t, UpdateFailed, res.Status)
	assert.ErrorIs(t, err, replica.ErrQuorumNotReached)
	assert.Empty(t, c.FieldIndexes())
}

func TestCollection_FieldIndexOutlivesCallerDeadline(t *testing.T) {
	ctx := context.Background()
	c, conn := newCollection(t, Config{ShardNumber: 4, ReplicationFactor: 2, WriteConsistencyFactor: 2})

	// Slow, but within the replica ack timeout.
	conn.SetDelay("p3", 40*time.Millisecond)
	short, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	res, err := c.CreateFieldIndex(short, model.FieldIndex{Field: "size", Kind: model.IndexInteger}, true)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, UpdateAcknowledged, res.Status)
	require.NoError(t, res.Wait(ctx))
	assert.Len(t, c.FieldIndexes(), 1)
}

func TestCollection_Update(t *testing.T) {
	ctx := context.Background()
	c, _ := newCollection(t, Config{ShardNumber: 3, ReplicationFactor: 1, WriteConsistencyFactor: 1})
	require.NoError(t, c.Upsert(ctx, points(1, 30)...))

	wcf := 3
	err := c.Update(ctx, Patch{WriteConsistencyFactor: &wcf})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	rf := 2
	require.NoError(t, c.Update(ctx, Patch{
		ReplicationFactor: &rf,
		IndexParams:       map[string]any{"ef": 128},
	}))
	assert.Equal(t, 2, c.Config().ReplicationFactor)
	assert.Equal(t, map[string]any{"ef": 128}, c.Config().IndexParams)
	for _, peers := range c.Layout() {
		assert.Len(t, peers, 2)
	}

	// New replicas recover from the WAL and become Active.
	require.Eventually(t, func() bool {
		for _, st := range c.ClusterInfo().Shards {
			if len(st.Replicas) != 2 {
				return false
			}
			for _, r := range st.Replicas {
				if r.State != replica.Active {
					return false
				}
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	wcf = 2
	require.NoError(t, c.Update(ctx, Patch{WriteConsistencyFactor: &wcf}))
	require.NoError(t, c.Upsert(ctx, points(31, 40)...))
	got, err := c.Get(ctx, ids(1, 40), replica.ReadAll)
	require.NoError(t, err)
	assert.Len(t, got, 40)

	// Shrinking drops the added replicas again.
	rf, wcf = 1, 1
	require.NoError(t, c.Update(ctx, Patch{ReplicationFactor: &rf, WriteConsistencyFactor: &wcf}))
	for _, st := range c.ClusterInfo().Shards {
		assert.Len(t, st.Replicas, 1)
	}
	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, n)
}

func TestCollection_ClusterInfo(t *testing.T) {
	c, _ := newCollection(t, Config{ShardNumber: 4, ReplicationFactor: 2, WriteConsistencyFactor: 1})

	info := c.ClusterInfo()
	assert.Equal(t, "books", info.Collection)
	assert.Equal(t, model.PeerID("p1"), info.Self)
	assert.Equal(t, 4, info.Ring.Shards)
	assert.Equal(t, 400, info.Ring.Tokens)
	require.Len(t, info.Shards, 4)
	for i, st := range info.Shards {
		assert.Equal(t, model.ShardID(i), st.ShardID)
		assert.Len(t, st.Replicas, 2)
		for _, r := range st.Replicas {
			assert.Equal(t, replica.Active, r.State)
			assert.Equal(t, r.Peer == "p1", r.Local)
		}
	}
	assert.Zero(t, info.Recovering)
}

func TestCollection_ReopenFromDescriptor(t *testing.T) {
	ctx := context.Background()
	dir, root := t.TempDir(), t.TempDir()
	opts := []Option{
		WithTopology(threePeers()),
		WithConnector(NewLocalConnector(root, memory.Factory)),
		fastReplicas(),
	}

	c, err := Create(ctx, dir, "books", Config{ShardNumber: 2, ReplicationFactor: 2, WriteConsistencyFactor: 2}, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Upsert(ctx, points(1, 20)...))
	_, err = c.CreateFieldIndex(ctx, model.FieldIndex{Field: "n", Kind: model.IndexInteger}, true)
	require.NoError(t, err)
	desc := c.Descriptor()
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Close(), ErrClosed)

	reopened, err := Open(ctx, dir, desc, opts...)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, desc.Layout, reopened.Layout())
	assert.Equal(t, desc.Schema, reopened.FieldIndexes())
	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	require.NoError(t, reopened.Upsert(ctx, points(21, 25)...))
	n, err = reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, n)
}

func TestCollection_SnapshotRestore(t *testing.T) {
	ctx := context.Background()
	c, _ := newCollection(t, Config{ShardNumber: 3, ReplicationFactor: 2, WriteConsistencyFactor: 1})
	require.NoError(t, c.Upsert(ctx, points(1, 60)...))
	_, err := c.CreateFieldIndex(ctx, model.FieldIndex{Field: "n", Kind: model.IndexInteger}, true)
	require.NoError(t, err)

	mgr := snapshot.NewManager(blobstore.NewMemoryStore(), snapshot.WithTempDir(t.TempDir()))
	desc, err := c.Snapshot(ctx, mgr)
	require.NoError(t, err)
	assert.Len(t, desc.Shards, 3)

	// Writes after the snapshot are not part of it.
	require.NoError(t, c.Delete(ctx, ids(1, 10)...))

	a, err := mgr.Fetch(ctx, "books", desc.Name)
	require.NoError(t, err)
	defer a.Close()

	restoredDesc, err := DescriptorOf(a.Manifest)
	require.NoError(t, err)
	assert.Equal(t, "books", restoredDesc.Name)
	assert.Equal(t, 3, restoredDesc.Config.ShardNumber)

	restored, err := Open(ctx, t.TempDir(), restoredDesc,
		WithTopology(threePeers()), WithArchive(a), fastReplicas())
	require.NoError(t, err)
	defer restored.Close()

	n, err := restored.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 60, n)
	assert.Len(t, restored.FieldIndexes(), 1)

	// The restored WALs continue after the captured offsets.
	for i, s := range restored.Shards() {
		assert.Equal(t, desc.Shards[i].WALOffset, s.WAL().LastSeq())
	}
	require.NoError(t, restored.Upsert(ctx, points(61, 70)...))
	got, err := restored.Get(ctx, ids(55, 70), replica.ReadAll)
	require.NoError(t, err)
	assert.Len(t, got, 16)
}

func TestCollection_Drop(t *testing.T) {
	ctx := context.Background()
	dir, root := t.TempDir(), t.TempDir()
	c, err := Create(ctx, dir, "books", Config{}, WithConnector(NewLocalConnector(root, memory.Factory)))
	require.NoError(t, err)
	require.NoError(t, c.Upsert(ctx, points(1, 5)...))

	require.NoError(t, c.Drop(ctx))
	assert.NoDirExists(t, dir)
	assert.NoDirExists(t, filepath.Join(root, "local", "books", "0"))

	err = c.Upsert(ctx, points(6, 6)...)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDescriptor_ReplicaKey(t *testing.T) {
	assert.Equal(t, "docs", Descriptor{Name: "docs"}.ReplicaKey())
	assert.Equal(t, "docs/g42", Descriptor{Name: "docs", Generation: 42}.ReplicaKey())
}
