package replica

import (
	"context"

	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/shard"
	"github.com/hupe1980/vecshard/wal"
)

// Entry is one logged operation delivered to a replica.
type Entry struct {
	Seq uint64
	Op  shard.Operation
}

// Target is one replica endpoint of a shard. Implementations for remote
// peers translate the calls into their transport; LocalTarget serves a
// backend in the same process.
type Target interface {
	// Apply applies an entry. Applying an entry twice is a no-op.
	Apply(ctx context.Context, e Entry) error

	Get(ctx context.Context, ids []model.PointID) ([]model.Record, error)
	Scroll(ctx context.Context, offset model.PointID, limit int) ([]model.Record, error)
	Count(ctx context.Context) (int, error)

	// AppliedSeq returns the highest applied sequence number.
	AppliedSeq(ctx context.Context) (uint64, error)

	// Flush makes applied state durable and returns the covered sequence
	// number.
	Flush(ctx context.Context) (uint64, error)

	// Capture writes the replica state files into dir and returns a
	// sequence number the files are guaranteed to cover.
	Capture(ctx context.Context, dir string) (uint64, error)

	// Install replaces the replica state with files written by Capture.
	Install(ctx context.Context, dir string) error

	// FieldIndexes returns the replica's field index schema.
	FieldIndexes(ctx context.Context) ([]model.FieldIndex, error)

	Close() error
}

// Transferer copies a donor's full state to a recipient when the WAL no
// longer reaches back far enough for catch-up. It returns the sequence
// number the recipient has applied through afterwards.
type Transferer interface {
	Transfer(ctx context.Context, shard model.ShardID, log *wal.WAL, donor, recipient Target) (uint64, error)
}

// LocalTarget adapts a shard.Backend.
type LocalTarget struct {
	backend shard.Backend
}

var _ Target = (*LocalTarget)(nil)

// NewLocalTarget wraps a backend.
func NewLocalTarget(b shard.Backend) *LocalTarget {
	return &LocalTarget{backend: b}
}

// Backend returns the wrapped backend.
func (t *LocalTarget) Backend() shard.Backend { return t.backend }

func (t *LocalTarget) Apply(ctx context.Context, e Entry) error {
	return t.backend.Apply(ctx, e.Seq, e.Op)
}

func (t *LocalTarget) Get(ctx context.Context, ids []model.PointID) ([]model.Record, error) {
	return t.backend.Get(ctx, ids)
}

func (t *LocalTarget) Scroll(ctx context.Context, offset model.PointID, limit int) ([]model.Record, error) {
	return t.backend.Scroll(ctx, offset, limit)
}

func (t *LocalTarget) Count(ctx context.Context) (int, error) {
	return t.backend.Count(ctx)
}

func (t *LocalTarget) AppliedSeq(context.Context) (uint64, error) {
	return t.backend.AppliedSeq(), nil
}

func (t *LocalTarget) Flush(ctx context.Context) (uint64, error) {
	return t.backend.Flush(ctx)
}

// Capture reads the applied sequence number before writing the files, so the
// returned value never overstates what the files contain.
func (t *LocalTarget) Capture(ctx context.Context, dir string) (uint64, error) {
	seq := t.backend.AppliedSeq()
	if err := t.backend.Snapshot(ctx, dir); err != nil {
		return 0, err
	}
	return seq, nil
}

func (t *LocalTarget) Install(ctx context.Context, dir string) error {
	return t.backend.Load(ctx, dir)
}

func (t *LocalTarget) FieldIndexes(context.Context) ([]model.FieldIndex, error) {
	return t.backend.FieldIndexes(), nil
}

func (t *LocalTarget) Close() error {
	return t.backend.Close()
}
