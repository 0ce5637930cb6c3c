package memory

import (
	"context"
	"testing"

	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ops() []shard.Operation {
	return []shard.Operation{
		shard.Upsert(
			model.Point{ID: 1, Vector: []float32{1, 0}},
			model.Point{ID: 2, Vector: []float32{0, 1}},
			model.Point{ID: 3, Vector: []float32{1, 1}},
		),
		shard.SetPayload(map[string]any{"color": "red"}, 1, 2),
		shard.Delete(2),
		shard.CreateFieldIndex(model.FieldIndex{Field: "color", Kind: model.IndexKeyword}),
		shard.Upsert(model.Point{ID: 4, Vector: []float32{0, 0}}),
	}
}

func applyAll(t *testing.T, b shard.Backend) {
	t.Helper()
	for i, op := range ops() {
		require.NoError(t, b.Apply(context.Background(), uint64(i+1), op))
	}
}

func TestBackend(t *testing.T) {
	ctx := context.Background()
	b := New()
	applyAll(t, b)

	assert.Equal(t, uint64(5), b.AppliedSeq())

	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recs, err := b.Get(ctx, []model.PointID{1, 2, 99})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "red", recs[0].Payload["color"])
	assert.Equal(t, uint64(2), recs[0].Version)
	assert.True(t, recs[1].Deleted)
	assert.Equal(t, uint64(3), recs[1].Version)

	page, err := b.Scroll(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, model.PointID(1), page[0].ID)
	assert.Equal(t, model.PointID(3), page[1].ID)

	page, err = b.Scroll(ctx, 4, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)

	assert.Equal(t, []model.FieldIndex{{Field: "color", Kind: model.IndexKeyword}}, b.FieldIndexes())
}

func TestBackend_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()

	a := New()
	applyAll(t, a)
	applyAll(t, a) // every seq <= applied is ignored

	b := New()
	applyAll(t, b)

	ra, err := a.Scroll(ctx, 0, 0)
	require.NoError(t, err)
	rb, err := b.Scroll(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, rb, ra)

	// Loading from a directory without state fails and keeps the old state.
	c := New()
	require.NoError(t, c.Apply(ctx, 10, shard.Upsert(model.Point{ID: 1, Vector: []float32{9}})))
	require.Error(t, c.Load(ctx, t.TempDir()))
	assert.Equal(t, uint64(10), c.AppliedSeq())
}

func TestBackend_SnapshotLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src := New()
	applyAll(t, src)
	require.NoError(t, src.Snapshot(ctx, dir))

	dst := New()
	require.NoError(t, dst.Apply(ctx, 1, shard.Upsert(model.Point{ID: 42})))
	require.NoError(t, dst.Load(ctx, dir))

	assert.Equal(t, src.AppliedSeq(), dst.AppliedSeq())
	n, err := dst.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recs, err := dst.Get(ctx, []model.PointID{42})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Len(t, dst.FieldIndexes(), 1)
}

func TestBackend_FlushAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := Open(dir)
	require.NoError(t, err)
	applyAll(t, b)

	seq, err := b.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)
	require.NoError(t, b.Close())

	b2, err := Open(dir)
	require.NoError(t, err)
	defer b2.Close()

	assert.Equal(t, uint64(5), b2.AppliedSeq())
	n, err := b2.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestBackend_Closed(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Close(), shard.ErrClosed)
	assert.ErrorIs(t, b.Apply(context.Background(), 1, shard.Delete(1)), shard.ErrClosed)
	_, err := b.Get(context.Background(), []model.PointID{1})
	assert.ErrorIs(t, err, shard.ErrClosed)
}
