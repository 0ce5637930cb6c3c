package collection

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/shard"
)

// UpdateStatus is the state of a schema update.
type UpdateStatus uint8

// Update statuses.
const (
	// UpdateAcknowledged means the update was accepted and is still being
	// applied to the shards.
	UpdateAcknowledged UpdateStatus = iota
	// UpdateCompleted means every shard confirmed the update.
	UpdateCompleted
	// UpdateFailed means at least one shard did not confirm it.
	UpdateFailed
)

func (s UpdateStatus) String() string {
	switch s {
	case UpdateAcknowledged:
		return "acknowledged"
	case UpdateCompleted:
		return "completed"
	case UpdateFailed:
		return "failed"
	default:
		return fmt.Sprintf("UpdateStatus(%d)", uint8(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s UpdateStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type pendingUpdate struct {
	id      uuid.UUID
	kind    shard.OpKind
	index   model.FieldIndex
	started time.Time
	done    chan struct{}
	err     error // set before done is closed
}

// UpdateResult is the handle of a field index change. Status is the state
// at the time the result was returned; Done is closed once the change has
// been confirmed or has failed on every shard.
type UpdateResult struct {
	ID     uuid.UUID
	Status UpdateStatus
	Done   <-chan struct{}

	p *pendingUpdate
}

// Wait blocks until the update finished and returns its error.
func (r UpdateResult) Wait(ctx context.Context) error {
	if r.p == nil {
		return nil
	}
	select {
	case <-r.p.done:
		return r.p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the final error, nil while the update is still running.
func (r UpdateResult) Err() error {
	if r.p == nil {
		return nil
	}
	select {
	case <-r.p.done:
		return r.p.err
	default:
		return nil
	}
}

// PendingUpdate describes a schema change still being applied.
type PendingUpdate struct {
	ID        uuid.UUID       `json:"id"`
	Operation string          `json:"operation"`
	Field     string          `json:"field"`
	Kind      model.IndexKind `json:"kind,omitempty"`
	Since     time.Time       `json:"since"`
}

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func completed() UpdateResult {
	return UpdateResult{ID: uuid.New(), Status: UpdateCompleted, Done: closedDone}
}

// CreateFieldIndex adds a field index to every shard. Creating an index that
// exists with the same kind is a no-op; a different kind, or a concurrent
// change to the same field, fails with ErrSchemaConflict.
//
// With wait the call returns once every shard confirmed, each shard bounded
// by its replica ack timeout. Without wait it returns an acknowledged handle
// immediately. Canceling ctx only stops the waiting.
func (c *Collection) CreateFieldIndex(ctx context.Context, idx model.FieldIndex, wait bool) (UpdateResult, error) {
	op := shard.CreateFieldIndex(idx)
	if err := op.Validate(); err != nil {
		return UpdateResult{}, err
	}
	return c.schemaUpdate(ctx, op, idx, wait, func(existing model.FieldIndex, ok bool) (bool, error) {
		if !ok {
			return false, nil
		}
		if existing.Kind != idx.Kind {
			return false, fmt.Errorf("%w: field %q is indexed as %s", ErrSchemaConflict, idx.Field, existing.Kind)
		}
		return true, nil
	})
}

// DeleteFieldIndex removes a field index from every shard. Deleting a
// missing index is a no-op.
func (c *Collection) DeleteFieldIndex(ctx context.Context, field string, wait bool) (UpdateResult, error) {
	op := shard.DeleteFieldIndex(field)
	if err := op.Validate(); err != nil {
		return UpdateResult{}, err
	}
	return c.schemaUpdate(ctx, op, model.FieldIndex{Field: field}, wait, func(_ model.FieldIndex, ok bool) (bool, error) {
		return !ok, nil
	})
}

// schemaUpdate registers a pending change and broadcasts it in the
// background. check inspects the confirmed schema entry for the field and
// reports whether the change is already in effect.
func (c *Collection) schemaUpdate(ctx context.Context, op shard.Operation, idx model.FieldIndex, wait bool,
	check func(existing model.FieldIndex, ok bool) (bool, error)) (UpdateResult, error) {
	if c.closed.Load() {
		return UpdateResult{}, ErrClosed
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return UpdateResult{}, ErrClosed
	}
	var inflight *pendingUpdate
	for _, p := range c.pending {
		if p.index.Field != idx.Field {
			continue
		}
		if p.kind != op.Kind || p.index.Kind != idx.Kind {
			c.mu.Unlock()
			return UpdateResult{}, fmt.Errorf("%w: field %q has a pending %s", ErrSchemaConflict, idx.Field, p.kind)
		}
		inflight = p
	}
	p := inflight
	if p == nil {
		existing, ok := c.schema[idx.Field]
		noop, err := check(existing, ok)
		if err != nil || noop {
			c.mu.Unlock()
			if err != nil {
				return UpdateResult{}, err
			}
			return completed(), nil
		}
		p = &pendingUpdate{
			id:      uuid.New(),
			kind:    op.Kind,
			index:   idx,
			started: time.Now(),
			done:    make(chan struct{}),
		}
		c.pending[p.id] = p
		c.bg.Add(1)
		go c.runSchemaUpdate(p, op)
	}
	c.mu.Unlock()

	res := UpdateResult{ID: p.id, Status: UpdateAcknowledged, Done: p.done, p: p}
	if !wait {
		return res, nil
	}
	if err := res.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return res, err
		}
		res.Status = UpdateFailed
		return res, err
	}
	res.Status = UpdateCompleted
	return res, nil
}

func (c *Collection) runSchemaUpdate(p *pendingUpdate, op shard.Operation) {
	defer c.bg.Done()

	err := c.broadcast(c.ctx, op)

	c.mu.Lock()
	if err == nil {
		switch op.Kind {
		case shard.OpCreateFieldIndex:
			c.schema[p.index.Field] = p.index
		case shard.OpDeleteFieldIndex:
			delete(c.schema, p.index.Field)
		}
	}
	delete(c.pending, p.id)
	p.err = err
	close(p.done)
	c.mu.Unlock()

	c.logger.LogCollectionChange(c.ctx, op.Kind.String(), c.name, err)
	if err == nil {
		c.changed()
	}
}

// PendingUpdates lists schema changes still being applied, oldest first.
func (c *Collection) PendingUpdates() []PendingUpdate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]PendingUpdate, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, PendingUpdate{
			ID:        p.id,
			Operation: p.kind.String(),
			Field:     p.index.Field,
			Kind:      p.index.Kind,
			Since:     p.started,
		})
	}
	slices.SortFunc(out, func(a, b PendingUpdate) int { return a.Since.Compare(b.Since) })
	return out
}
