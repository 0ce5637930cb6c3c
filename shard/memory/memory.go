// Package memory implements an in-memory shard backend.
//
// Records live in a map guarded by a RWMutex. When opened with a directory,
// Flush writes the whole state atomically to a single msgpack file and Open
// loads it back, so WAL truncation stays safe across restarts.
package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hupe1980/vecshard/internal/fs"
	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/shard"
	"github.com/vmihailenco/msgpack/v5"
)

// StateFile is the name of the state file inside a backend or snapshot dir.
const StateFile = "state.msgpack"

type fileState struct {
	AppliedSeq uint64         `msgpack:"seq"`
	Records    []model.Record `msgpack:"recs"`
	Schema     shard.Schema   `msgpack:"schema"`
}

// Backend is an in-memory shard.Backend.
type Backend struct {
	mu      sync.RWMutex
	fs      fs.FileSystem
	dir     string
	records map[model.PointID]model.Record
	live    int
	applied uint64
	schema  shard.Schema
	closed  bool
}

var _ shard.Backend = (*Backend)(nil)

// New returns an empty, ephemeral backend.
func New() *Backend {
	return &Backend{
		fs:      fs.Default,
		records: make(map[model.PointID]model.Record),
	}
}

// Open returns a backend persisting to dir. Existing state is loaded.
func Open(dir string) (*Backend, error) {
	b := New()
	if dir == "" {
		return b, nil
	}
	b.dir = dir
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := b.loadFile(filepath.Join(dir, StateFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return b, nil
}

// Factory is a shard.Factory for memory backends.
func Factory(_ context.Context, dir string) (shard.Backend, error) {
	return Open(dir)
}

// Apply implements shard.Backend.
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
	} else {
		recs, err := shard.Mutations(op, seq, func(id model.PointID) (model.Record, bool, error) {
			r, ok := b.records[id]
			return r, ok, nil
		})
		if err != nil {
			return err
		}
		for _, r := range recs {
			b.put(r)
		}
	}
	b.applied = seq
	return nil
}

func (b *Backend) put(r model.Record) {
	old, ok := b.records[r.ID]
	if ok && !old.Deleted {
		b.live--
	}
	if !r.Deleted {
		b.live++
	}
	b.records[r.ID] = r
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
		if r, ok := b.records[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// Scroll implements shard.Backend.
func (b *Backend) Scroll(_ context.Context, offset model.PointID, limit int) ([]model.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, shard.ErrClosed
	}
	ids := make([]model.PointID, 0, b.live)
	for id, r := range b.records {
		if !r.Deleted && id >= offset {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]model.Record, len(ids))
	for i, id := range ids {
		out[i] = b.records[id]
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
	return b.live, nil
}

// AppliedSeq implements shard.Backend.
func (b *Backend) AppliedSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.applied
}

// Flush implements shard.Backend. Without a directory nothing survives a
// restart, so the whole applied range counts as flushed.
func (b *Backend) Flush(context.Context) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, shard.ErrClosed
	}
	if b.dir == "" {
		return b.applied, nil
	}
	if err := b.writeFileLocked(filepath.Join(b.dir, StateFile)); err != nil {
		return 0, err
	}
	return b.applied, nil
}

// Snapshot implements shard.Backend.
func (b *Backend) Snapshot(_ context.Context, dir string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return shard.ErrClosed
	}
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return b.writeFileLocked(filepath.Join(dir, StateFile))
}

// Load implements shard.Backend.
func (b *Backend) Load(_ context.Context, dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return shard.ErrClosed
	}
	if err := b.loadFileLocked(filepath.Join(dir, StateFile)); err != nil {
		return err
	}
	if b.dir != "" {
		return b.writeFileLocked(filepath.Join(b.dir, StateFile))
	}
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

// Close implements shard.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return shard.ErrClosed
	}
	b.closed = true
	return nil
}

func (b *Backend) writeFileLocked(path string) error {
	st := fileState{
		AppliedSeq: b.applied,
		Records:    make([]model.Record, 0, len(b.records)),
		Schema:     b.schema,
	}
	for _, r := range b.records {
		st.Records = append(st.Records, r)
	}
	sort.Slice(st.Records, func(i, j int) bool { return st.Records[i].ID < st.Records[j].ID })

	data, err := msgpack.Marshal(&st)
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(b.fs, path, data, 0o644)
}

func (b *Backend) loadFile(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadFileLocked(path)
}

func (b *Backend) loadFileLocked(path string) error {
	data, err := fs.ReadFile(b.fs, path)
	if err != nil {
		return err
	}
	var st fileState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("memory backend: decode %s: %w", path, err)
	}

	b.records = make(map[model.PointID]model.Record, len(st.Records))
	b.live = 0
	for _, r := range st.Records {
		b.put(r)
	}
	b.applied = st.AppliedSeq
	b.schema = st.Schema
	return nil
}
