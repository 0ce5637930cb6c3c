package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/vecshard/blobstore"
	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/replica"
	"github.com/hupe1980/vecshard/shard"
	"github.com/hupe1980/vecshard/shard/memory"
	"github.com/hupe1980/vecshard/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testShard is a single-replica Source: entries are logged and applied under
// one mutex.
type testShard struct {
	id     model.ShardID
	log    *wal.WAL
	target *replica.LocalTarget

	mu sync.Mutex
}

func newTestShard(t *testing.T, id model.ShardID) *testShard {
	t.Helper()
	log, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return &testShard{id: id, log: log, target: replica.NewLocalTarget(memory.New())}
}

func (s *testShard) ShardID() model.ShardID { return s.id }

func (s *testShard) Freeze(_ context.Context, fn func(*wal.WAL, replica.Target) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.log, s.target)
}

// write logs op and, if apply is set, applies it to the replica.
func (s *testShard) write(t *testing.T, op shard.Operation, apply bool) uint64 {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := shard.Encode(op)
	require.NoError(t, err)
	seq, err := s.log.Append(data)
	require.NoError(t, err)
	if apply {
		require.NoError(t, s.target.Apply(context.Background(), replica.Entry{Seq: seq, Op: op}))
	}
	return seq
}

func seedShard(t *testing.T, s *testShard, base model.PointID) {
	t.Helper()
	for i := model.PointID(0); i < 5; i++ {
		s.write(t, shard.Upsert(model.Point{ID: base + i, Vector: []float32{float32(i)}}), true)
	}
	s.write(t, shard.CreateFieldIndex(model.FieldIndex{Field: "color", Kind: model.IndexKeyword}), true)
	// Logged but not yet applied: must travel in the tail.
	s.write(t, shard.Delete(base), false)
	s.write(t, shard.SetPayload(map[string]any{"color": "red"}, base+1), false)
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestManager_CreateFetchInstall(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(store, WithClock(fixedClock(at)), WithTempDir(t.TempDir()))

	s0, s1 := newTestShard(t, 0), newTestShard(t, 1)
	seedShard(t, s0, 0)
	seedShard(t, s1, 100)

	config := json.RawMessage(`{"shard_number":2}`)
	desc, err := m.Create(ctx, "books", config, []Source{s0, s1})
	require.NoError(t, err)
	assert.Equal(t, "books-2024-03-01-12-00-00.000000.snapshot", desc.Name)
	assert.Equal(t, "books", desc.Collection)
	assert.Equal(t, "zstd", desc.Compression)
	assert.Positive(t, desc.Size)
	require.Len(t, desc.Shards, 2)
	assert.Equal(t, uint64(8), desc.Shards[0].WALOffset)

	list, err := m.List(ctx, "books")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, desc.Name, list[0].Name)

	a, err := m.Fetch(ctx, "books", desc.Name)
	require.NoError(t, err)
	defer a.Close()

	assert.JSONEq(t, string(config), string(a.Manifest.Config))
	sm, ok := a.Manifest.Shard(1)
	require.True(t, ok)
	assert.Equal(t, uint64(6), sm.BackendSeq)
	assert.Equal(t, 2, sm.TailEntries)

	target := replica.NewLocalTarget(memory.New())
	offset, err := a.InstallShard(ctx, 1, target)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), offset)

	applied, err := target.AppliedSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), applied)

	n, err := target.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	recs, err := target.Get(ctx, []model.PointID{100, 101})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Deleted)
	assert.Equal(t, "red", recs[1].Payload["color"])

	idx, err := target.FieldIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.FieldIndex{{Field: "color", Kind: model.IndexKeyword}}, idx)

	_, err = a.InstallShard(ctx, 7, target)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_NameCollision(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(blobstore.NewMemoryStore(), WithClock(fixedClock(at)), WithTempDir(t.TempDir()))

	s := newTestShard(t, 0)
	seedShard(t, s, 0)

	first, err := m.Create(ctx, "books", nil, []Source{s})
	require.NoError(t, err)
	second, err := m.Create(ctx, "books", nil, []Source{s})
	require.NoError(t, err)

	assert.NotEqual(t, first.Name, second.Name)
	assert.Equal(t, "books-2024-03-01-12-00-00.000000-1.snapshot", second.Name)
}

func TestManager_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(blobstore.NewMemoryStore(), WithClock(func() time.Time {
		now = now.Add(time.Minute)
		return now
	}), WithTempDir(t.TempDir()))

	s := newTestShard(t, 0)
	seedShard(t, s, 0)

	var names []string
	for i := 0; i < 3; i++ {
		d, err := m.Create(ctx, "books", nil, []Source{s})
		require.NoError(t, err)
		names = append(names, d.Name)
	}

	list, err := m.List(ctx, "books")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, names[2], list[0].Name)
	assert.Equal(t, names[0], list[2].Name)

	// Another collection sharing a name prefix is not listed.
	other, err := m.List(ctx, "book")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestManager_FetchDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := NewManager(store, WithTempDir(t.TempDir()))

	s := newTestShard(t, 0)
	seedShard(t, s, 0)

	desc, err := m.Create(ctx, "books", nil, []Source{s})
	require.NoError(t, err)

	key := collectionKey("books", desc.Name)
	data, err := blobstore.ReadAll(ctx, store, key)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, store.Put(ctx, key, data))

	_, err = m.Fetch(ctx, "books", desc.Name)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = m.Fetch(ctx, "books", "missing.snapshot")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_Delete(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := NewManager(store, WithTempDir(t.TempDir()))

	s := newTestShard(t, 0)
	seedShard(t, s, 0)

	d1, err := m.Create(ctx, "books", nil, []Source{s})
	require.NoError(t, err)
	_, err = m.Create(ctx, "books", nil, []Source{s})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "books", d1.Name))
	assert.ErrorIs(t, m.Delete(ctx, "books", d1.Name), ErrNotFound)

	list, err := m.List(ctx, "books")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, m.DeleteScope(ctx, "books"))
	names, err := store.List(ctx, "collections/")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestManager_Compression(t *testing.T) {
	for _, c := range []Compression{CompressionZstd, CompressionLZ4, CompressionNone} {
		t.Run(c.String(), func(t *testing.T) {
			ctx := context.Background()
			m := NewManager(blobstore.NewMemoryStore(), WithCompression(c), WithTempDir(t.TempDir()))

			s := newTestShard(t, 3)
			seedShard(t, s, 0)

			desc, err := m.Create(ctx, "books", nil, []Source{s})
			require.NoError(t, err)
			assert.Equal(t, c.String(), desc.Compression)

			a, err := m.Fetch(ctx, "books", desc.Name)
			require.NoError(t, err)
			defer a.Close()

			target := replica.NewLocalTarget(memory.New())
			_, err = a.InstallShard(ctx, 3, target)
			require.NoError(t, err)
			n, err := target.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 4, n)
		})
	}
}

func TestManager_Full(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(store, WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}), WithTempDir(t.TempDir()))

	books, movies := newTestShard(t, 0), newTestShard(t, 0)
	seedShard(t, books, 0)
	seedShard(t, movies, 50)

	cols := []CollectionSource{
		{Name: "books", Config: json.RawMessage(`{"shard_number":1}`), Sources: []Source{books}},
		{Name: "movies", Sources: []Source{movies}},
	}
	meta := json.RawMessage(`{"aliases":{"library":"books"}}`)

	first, err := m.CreateFull(ctx, cols, meta)
	require.NoError(t, err)
	assert.Equal(t, []string{"books", "movies"}, first.Collections)

	latest, err := m.LatestFull(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Name, latest)

	second, err := m.CreateFull(ctx, cols[:1], nil)
	require.NoError(t, err)
	latest, err = m.LatestFull(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.Name, latest)

	fa, err := m.FetchFull(ctx, first.Name)
	require.NoError(t, err)
	defer fa.Close()

	assert.JSONEq(t, string(meta), string(fa.Meta))
	assert.Equal(t, []string{"books", "movies"}, fa.Manifest.Collections)

	a, err := fa.Collection(ctx, "movies")
	require.NoError(t, err)
	target := replica.NewLocalTarget(memory.New())
	_, err = a.InstallShard(ctx, 0, target)
	require.NoError(t, err)
	recs, err := target.Get(ctx, []model.PointID{52})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	_, err = fa.Collection(ctx, "music")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting the latest moves the pointer back.
	require.NoError(t, m.DeleteFull(ctx, second.Name))
	latest, err = m.LatestFull(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Name, latest)

	require.NoError(t, m.DeleteFull(ctx, first.Name))
	_, err = m.LatestFull(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := m.ListFull(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestManager_Transfer(t *testing.T) {
	ctx := context.Background()
	m := NewManager(blobstore.NewMemoryStore(), WithTempDir(t.TempDir()))

	donor := newTestShard(t, 2)
	seedShard(t, donor, 0)

	recipient := replica.NewLocalTarget(memory.New())
	offset, err := m.Transfer(ctx, 2, donor.log, donor.target, recipient)
	require.NoError(t, err)
	assert.Equal(t, donor.log.LastSeq(), offset)

	applied, err := recipient.AppliedSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, offset, applied)

	n, err := recipient.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestOpenArchive_VersionMismatch(t *testing.T) {
	var buf bytes.Buffer
	aw, err := newArchiveWriter(&buf, CompressionNone)
	require.NoError(t, err)
	require.NoError(t, aw.writeBytes(manifestName, []byte(`{"format_version":99,"kind":"collection"}`)))
	require.NoError(t, aw.Close())

	_, err = openArchive(context.Background(), &buf, t.TempDir())
	var vm *VersionMismatchError
	require.ErrorAs(t, err, &vm)
	assert.Equal(t, 99, vm.Got)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestExtract_RejectsEscapingPaths(t *testing.T) {
	var buf bytes.Buffer
	aw, err := newArchiveWriter(&buf, CompressionNone)
	require.NoError(t, err)
	require.NoError(t, aw.writeBytes("../evil", []byte("x")))
	require.NoError(t, aw.Close())

	err = extract(context.Background(), &buf, t.TempDir())
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("lz4")
	require.NoError(t, err)
	assert.Equal(t, CompressionLZ4, c)

	c, err = ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)

	_, err = ParseCompression("gzip")
	assert.Error(t, err)
}

func TestManager_CreateLeavesNothingOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := NewManager(store, WithTempDir(t.TempDir()))
	s := newTestShard(t, 0)
	seedShard(t, s, 1)
	boom := errors.New("store unavailable")

	store.FailOn(blobstore.OpCommit, "collections/docs/", boom)
	_, err := m.Create(ctx, "docs", json.RawMessage(`{}`), []Source{s})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, store.Len())
	store.Heal()

	// A failed description write drops the committed archive.
	store.FailOn(blobstore.OpPut, "collections/docs/", boom)
	_, err = m.Create(ctx, "docs", json.RawMessage(`{}`), []Source{s})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, store.Len())
	store.Heal()

	ds, err := m.List(ctx, "docs")
	require.NoError(t, err)
	assert.Empty(t, ds)

	_, err = m.Create(ctx, "docs", json.RawMessage(`{}`), []Source{s})
	require.NoError(t, err)
}
