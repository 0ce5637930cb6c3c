package pebble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/cockroachdb/pebble"
	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/shard"
	"github.com/vmihailenco/msgpack/v5"
)

// CheckpointDir is the directory inside a snapshot dir holding the Pebble
// checkpoint.
const CheckpointDir = "pebble"

var (
	recordPrefix = []byte("r/")
	metaKey      = []byte("m/meta")
)

// meta is persisted atomically on Flush. The live bitmap is derived state;
// records written after the last Flush are found again by WAL replay.
type meta struct {
	AppliedSeq uint64       `msgpack:"seq"`
	Schema     shard.Schema `msgpack:"schema"`
	Live       []byte       `msgpack:"live"`
}

// Backend is a durable shard.Backend stored in Pebble.
type Backend struct {
	mu     sync.RWMutex
	dir    string
	opts   *pebble.Options
	db     *pebble.DB
	live   *roaring64.Bitmap // ids of stored, non-deleted records
	schema shard.Schema

	applied uint64
	flushed uint64
	closed  bool
}

var _ shard.Backend = (*Backend)(nil)

// Open opens or creates the backend in dir.
func Open(dir string) (*Backend, error) {
	if dir == "" {
		return nil, errors.New("pebble backend: directory required")
	}
	b := &Backend{
		dir:  dir,
		opts: &pebble.Options{},
	}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

// Factory is a shard.Factory for pebble backends.
func Factory(_ context.Context, dir string) (shard.Backend, error) {
	return Open(dir)
}

func (b *Backend) open() error {
	db, err := pebble.Open(b.dir, b.opts)
	if err != nil {
		return fmt.Errorf("failed to open pebble db at %s: %w", b.dir, err)
	}
	b.db = db
	b.live = roaring64.New()
	b.schema = shard.Schema{}
	b.applied = 0

	value, closer, err := db.Get(metaKey)
	if errors.Is(err, pebble.ErrNotFound) {
		b.flushed = 0
		return nil
	}
	if err != nil {
		_ = db.Close()
		return err
	}
	defer closer.Close()

	var m meta
	if err := msgpack.Unmarshal(value, &m); err != nil {
		_ = db.Close()
		return fmt.Errorf("pebble backend: decode meta: %w", err)
	}
	if err := b.live.UnmarshalBinary(m.Live); err != nil {
		_ = db.Close()
		return err
	}
	b.schema = m.Schema
	b.applied = m.AppliedSeq
	b.flushed = m.AppliedSeq
	return nil
}

func recordKey(id model.PointID) []byte {
	k := make([]byte, len(recordPrefix)+8)
	copy(k, recordPrefix)
	binary.BigEndian.PutUint64(k[len(recordPrefix):], uint64(id))
	return k
}

func (b *Backend) lookup(id model.PointID) (model.Record, bool, error) {
	value, closer, err := b.db.Get(recordKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, err
	}
	defer closer.Close()

	var r model.Record
	if err := msgpack.Unmarshal(value, &r); err != nil {
		return model.Record{}, false, fmt.Errorf("pebble backend: decode record %d: %w", id, err)
	}
	return r, true, nil
}

// Apply implements shard.Backend. Writes are not synced; the shard WAL is
// the durability source until Flush.
func (b *Backend) Apply(_ context.Context, seq uint64, op shard.Operation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return shard.ErrClosed
	}
	if seq <= b.applied {
		return nil
	}

	if op.IsSchema() {
		b.schema.Apply(op)
		b.applied = seq
		return nil
	}

	recs, err := shard.Mutations(op, seq, b.lookup)
	if err != nil {
		return err
	}

	batch := b.db.NewBatch()
	defer batch.Close()

	for _, r := range recs {
		data, err := msgpack.Marshal(&r)
		if err != nil {
			return err
		}
		if err := batch.Set(recordKey(r.ID), data, pebble.NoSync); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		return err
	}

	written := make(map[model.PointID]struct{}, len(recs))
	for _, r := range recs {
		written[r.ID] = struct{}{}
		b.track(r)
	}

	// During replay a record may already be stored at a newer version
	// while the persisted bitmap predates it.
	for _, id := range op.Keys() {
		if _, ok := written[id]; ok {
			continue
		}
		r, ok, err := b.lookup(id)
		if err != nil {
			return err
		}
		if ok {
			b.track(r)
		}
	}

	b.applied = seq
	return nil
}

func (b *Backend) track(r model.Record) {
	if r.Deleted {
		b.live.Remove(uint64(r.ID))
	} else {
		b.live.Add(uint64(r.ID))
	}
}

// Get implements shard.Backend.
func (b *Backend) Get(_ context.Context, ids []model.PointID) ([]model.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, shard.ErrClosed
	}
	out := make([]model.Record, 0, len(ids))
	for _, id := range ids {
		r, ok, err := b.lookup(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// Scroll implements shard.Backend.
func (b *Backend) Scroll(ctx context.Context, offset model.PointID, limit int) ([]model.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, shard.ErrClosed
	}

	var out []model.Record
	it := b.live.Iterator()
	it.AdvanceIfNeeded(uint64(offset))
	for it.HasNext() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := model.PointID(it.Next())
		r, ok, err := b.lookup(id)
		if err != nil {
			return nil, err
		}
		if ok && !r.Deleted {
			out = append(out, r)
		}
	}
	return out, nil
}

// Count implements shard.Backend.
func (b *Backend) Count(context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, shard.ErrClosed
	}
	return int(b.live.GetCardinality()), nil //nolint:gosec // bounded by stored points
}

// AppliedSeq implements shard.Backend.
func (b *Backend) AppliedSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.applied
}

// Flush implements shard.Backend.
func (b *Backend) Flush(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, shard.ErrClosed
	}
	if err := b.writeMetaLocked(); err != nil {
		return 0, err
	}
	return b.flushed, nil
}

// writeMetaLocked syncs the meta record. Pebble orders its own WAL, so the
// synced meta write also covers every earlier unsynced record write.
func (b *Backend) writeMetaLocked() error {
	live, err := b.live.MarshalBinary()
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(&meta{
		AppliedSeq: b.applied,
		Schema:     b.schema,
		Live:       live,
	})
	if err != nil {
		return err
	}
	if err := b.db.Set(metaKey, data, pebble.Sync); err != nil {
		return err
	}
	b.flushed = b.applied
	return nil
}

// Snapshot implements shard.Backend by writing a Pebble checkpoint to
// dir/pebble.
func (b *Backend) Snapshot(_ context.Context, dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return shard.ErrClosed
	}
	if err := b.writeMetaLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return b.db.Checkpoint(filepath.Join(dir, CheckpointDir))
}

// Load implements shard.Backend. It closes the database, replaces its
// directory with the checkpoint in dir/pebble and reopens it.
func (b *Backend) Load(_ context.Context, dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return shard.ErrClosed
	}
	src := filepath.Join(dir, CheckpointDir)
	if _, err := os.Stat(src); err != nil {
		return err
	}

	// The backend is unusable if any step below fails.
	b.closed = true
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	if err := os.RemoveAll(b.dir); err != nil {
		return fmt.Errorf("failed to remove current db: %w", err)
	}
	if err := copyDir(src, b.dir); err != nil {
		return fmt.Errorf("failed to restore checkpoint: %w", err)
	}
	if err := b.open(); err != nil {
		return err
	}
	b.closed = false
	return nil
}

// FieldIndexes implements shard.Backend.
func (b *Backend) FieldIndexes() []model.FieldIndex {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.schema.FieldIndexes()
}

// Params implements shard.Backend.
func (b *Backend) Params() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.schema.Clone().Params
}

// Close implements shard.Backend. The applied state is flushed first so a
// clean restart needs no replay.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return shard.ErrClosed
	}
	b.closed = true
	err := b.writeMetaLocked()
	if cerr := b.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
