package shard

import (
	"context"
	"errors"
	"maps"

	"github.com/hupe1980/vecshard/model"
)

// ErrClosed is returned by a backend after Close.
var ErrClosed = errors.New("shard: backend closed")

// Backend is the storage engine of one shard replica. The replication layer
// only needs this capability set; it never looks inside the backend.
//
// Apply must be idempotent: an operation with seq <= AppliedSeq() is a no-op,
// and a point whose stored Version is >= seq is left untouched. Replaying a
// WAL from any earlier position therefore converges to the same state.
type Backend interface {
	// Apply applies op, logged under seq.
	Apply(ctx context.Context, seq uint64, op Operation) error

	// Get returns the stored records for ids, tombstones included. Unknown
	// ids are omitted.
	Get(ctx context.Context, ids []model.PointID) ([]model.Record, error)

	// Scroll returns up to limit live records with id >= offset in
	// ascending id order.
	Scroll(ctx context.Context, offset model.PointID, limit int) ([]model.Record, error)

	// Count returns the number of live points.
	Count(ctx context.Context) (int, error)

	// AppliedSeq returns the highest applied WAL sequence number.
	AppliedSeq() uint64

	// Flush makes the applied state durable and returns the sequence number
	// it covers. WAL entries up to that number may be truncated.
	Flush(ctx context.Context) (uint64, error)

	// Snapshot writes a consistent copy of the state into dir.
	Snapshot(ctx context.Context, dir string) error

	// Load replaces the state with one written by Snapshot.
	Load(ctx context.Context, dir string) error

	// FieldIndexes returns the field index schema.
	FieldIndexes() []model.FieldIndex

	// Params returns the opaque index/optimizer params.
	Params() map[string]any

	// Close releases resources.
	Close() error
}

// Factory opens the backend for one local replica. dir is empty for
// ephemeral storage.
type Factory func(ctx context.Context, dir string) (Backend, error)

// Mutations computes the records op writes at seq. lookup returns the
// currently stored record for an id.
func Mutations(op Operation, seq uint64, lookup func(model.PointID) (model.Record, bool, error)) ([]model.Record, error) {
	var out []model.Record

	switch op.Kind {
	case OpUpsert:
		for _, p := range op.Points {
			cur, ok, err := lookup(p.ID)
			if err != nil {
				return nil, err
			}
			if ok && cur.Version >= seq {
				continue
			}
			out = append(out, model.Record{ID: p.ID, Vector: p.Vector, Payload: p.Payload, Version: seq})
		}
	case OpDelete:
		for _, id := range op.IDs {
			cur, ok, err := lookup(id)
			if err != nil {
				return nil, err
			}
			if ok && cur.Version >= seq {
				continue
			}
			out = append(out, model.Record{ID: id, Version: seq, Deleted: true})
		}
	case OpSetPayload:
		for _, id := range op.IDs {
			cur, ok, err := lookup(id)
			if err != nil {
				return nil, err
			}
			if !ok || cur.Deleted || cur.Version >= seq {
				continue
			}
			payload := maps.Clone(cur.Payload)
			if payload == nil {
				payload = make(map[string]any, len(op.Payload))
			}
			maps.Copy(payload, op.Payload)
			out = append(out, model.Record{ID: id, Vector: cur.Vector, Payload: payload, Version: seq})
		}
	}
	return out, nil
}

// Schema is the shard-wide state changed by schema operations.
type Schema struct {
	Indexes map[string]model.FieldIndex `msgpack:"idx,omitempty"`
	Params  map[string]any              `msgpack:"params,omitempty"`
}

// Apply applies a schema operation. Other kinds are ignored.
func (s *Schema) Apply(op Operation) {
	switch op.Kind {
	case OpCreateFieldIndex:
		if s.Indexes == nil {
			s.Indexes = make(map[string]model.FieldIndex)
		}
		s.Indexes[op.Index.Field] = *op.Index
	case OpDeleteFieldIndex:
		delete(s.Indexes, op.Field)
	case OpUpdateParams:
		if s.Params == nil {
			s.Params = make(map[string]any, len(op.Params))
		}
		maps.Copy(s.Params, op.Params)
	}
}

// FieldIndexes returns the indexes sorted by field name.
func (s *Schema) FieldIndexes() []model.FieldIndex {
	out := make([]model.FieldIndex, 0, len(s.Indexes))
	for _, k := range sortedKeys(s.Indexes) {
		out = append(out, s.Indexes[k])
	}
	return out
}

// Clone returns a deep copy of the top-level maps.
func (s *Schema) Clone() Schema {
	return Schema{Indexes: maps.Clone(s.Indexes), Params: maps.Clone(s.Params)}
}
