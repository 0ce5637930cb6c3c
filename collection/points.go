package collection

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/replica"
	"github.com/hupe1980/vecshard/shard"
	"golang.org/x/sync/errgroup"
)

// Upsert inserts or replaces points. Points are routed to their shard by id;
// shards are written concurrently and independently, so on error some
// shards may have applied their part.
func (c *Collection) Upsert(ctx context.Context, points ...model.Point) error {
	groups, err := groupBy(c, points, func(p model.Point) model.PointID { return p.ID })
	if err != nil {
		return err
	}
	ops := make(map[model.ShardID]shard.Operation, len(groups))
	for id, pts := range groups {
		ops[id] = shard.Upsert(pts...)
	}
	return c.proposeEach(ctx, ops)
}

// Delete removes points by id.
func (c *Collection) Delete(ctx context.Context, ids ...model.PointID) error {
	groups, err := groupIDs(c, ids)
	if err != nil {
		return err
	}
	ops := make(map[model.ShardID]shard.Operation, len(groups))
	for id, keys := range groups {
		ops[id] = shard.Delete(keys...)
	}
	return c.proposeEach(ctx, ops)
}

// SetPayload merges payload into the payload of existing points.
func (c *Collection) SetPayload(ctx context.Context, payload map[string]any, ids ...model.PointID) error {
	groups, err := groupIDs(c, ids)
	if err != nil {
		return err
	}
	ops := make(map[model.ShardID]shard.Operation, len(groups))
	for id, keys := range groups {
		ops[id] = shard.SetPayload(payload, keys...)
	}
	return c.proposeEach(ctx, ops)
}

// Get returns the live points among ids, ordered by id, read at level.
func (c *Collection) Get(ctx context.Context, ids []model.PointID, level replica.ReadLevel) ([]model.Point, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	groups, err := groupIDs(c, ids)
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		out []model.Point
	)
	g, gctx := errgroup.WithContext(ctx)
	for id, keys := range groups {
		s := c.shards[id]
		g.Go(func() error {
			recs, err := s.Get(gctx, keys, level)
			if err != nil {
				return fmt.Errorf("shard %d: %w", id, err)
			}
			mu.Lock()
			for _, r := range recs {
				out = append(out, r.Point())
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sortPoints(out)
	return out, nil
}

// Scroll returns up to limit live points with id >= offset in id order.
func (c *Collection) Scroll(ctx context.Context, offset model.PointID, limit int) ([]model.Point, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	var (
		mu  sync.Mutex
		out []model.Point
	)
	err := c.eachShard(ctx, func(ctx context.Context, s *replica.Set) error {
		recs, err := s.Scroll(ctx, offset, limit)
		if err != nil {
			return err
		}
		mu.Lock()
		for _, r := range recs {
			out = append(out, r.Point())
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortPoints(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of live points.
func (c *Collection) Count(ctx context.Context) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	var (
		mu    sync.Mutex
		total int
	)
	err := c.eachShard(ctx, func(ctx context.Context, s *replica.Set) error {
		n, err := s.Count(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		total += n
		mu.Unlock()
		return nil
	})
	return total, err
}

// proposeEach proposes one operation per shard concurrently. Every shard is
// attempted; failures are aggregated.
func (c *Collection) proposeEach(ctx context.Context, ops map[model.ShardID]shard.Operation) error {
	if c.closed.Load() {
		return ErrClosed
	}
	var (
		mu   sync.Mutex
		merr *multierror.Error
		g    errgroup.Group
	)
	for id, op := range ops {
		s := c.shards[id]
		g.Go(func() error {
			if _, err := s.Propose(ctx, op); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("shard %d: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return merr.ErrorOrNil()
}

// broadcast proposes op to every shard.
func (c *Collection) broadcast(ctx context.Context, op shard.Operation) error {
	ops := make(map[model.ShardID]shard.Operation, len(c.shards))
	for i := range c.shards {
		ops[model.ShardID(i)] = op
	}
	return c.proposeEach(ctx, ops)
}

// eachShard runs fn on every shard concurrently and aggregates failures.
func (c *Collection) eachShard(ctx context.Context, fn func(context.Context, *replica.Set) error) error {
	var (
		mu   sync.Mutex
		merr *multierror.Error
		g    errgroup.Group
	)
	for _, s := range c.shards {
		g.Go(func() error {
			if err := fn(ctx, s); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("shard %d: %w", s.ShardID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return merr.ErrorOrNil()
}

func groupIDs(c *Collection, ids []model.PointID) (map[model.ShardID][]model.PointID, error) {
	return groupBy(c, ids, func(id model.PointID) model.PointID { return id })
}

func groupBy[T any](c *Collection, items []T, key func(T) model.PointID) (map[model.ShardID][]T, error) {
	groups := make(map[model.ShardID][]T)
	for _, it := range items {
		id, err := c.ring.RouteID(key(it))
		if err != nil {
			return nil, err
		}
		groups[id] = append(groups[id], it)
	}
	return groups, nil
}

func sortPoints(pts []model.Point) {
	slices.SortFunc(pts, func(a, b model.Point) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
