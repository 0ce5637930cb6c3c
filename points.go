package vecshard

import (
	"context"

	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/replica"
)

// Upsert inserts or replaces points in a collection. Writes to different
// shards are independent; on error some shards may have applied theirs.
func (s *Storage) Upsert(ctx context.Context, name string, points ...model.Point) error {
	c, err := s.Collection(name)
	if err != nil {
		return err
	}
	return c.Upsert(ctx, points...)
}

// Delete removes points by id.
func (s *Storage) Delete(ctx context.Context, name string, ids ...model.PointID) error {
	c, err := s.Collection(name)
	if err != nil {
		return err
	}
	return c.Delete(ctx, ids...)
}

// SetPayload merges payload into existing points.
func (s *Storage) SetPayload(ctx context.Context, name string, payload map[string]any, ids ...model.PointID) error {
	c, err := s.Collection(name)
	if err != nil {
		return err
	}
	return c.SetPayload(ctx, payload, ids...)
}

// Get reads points by id at the given consistency level.
func (s *Storage) Get(ctx context.Context, name string, ids []model.PointID, level replica.ReadLevel) ([]model.Point, error) {
	c, err := s.Collection(name)
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, ids, level)
}

// Scroll pages through a collection in id order.
func (s *Storage) Scroll(ctx context.Context, name string, offset model.PointID, limit int) ([]model.Point, error) {
	c, err := s.Collection(name)
	if err != nil {
		return nil, err
	}
	return c.Scroll(ctx, offset, limit)
}

// Count returns the number of live points.
func (s *Storage) Count(ctx context.Context, name string) (int, error) {
	c, err := s.Collection(name)
	if err != nil {
		return 0, err
	}
	return c.Count(ctx)
}
