package vecshard

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hupe1980/vecshard/collection"
	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/replica"
)

// CollectionStatus summarizes replica health.
type CollectionStatus string

// Collection statuses.
const (
	// StatusGreen means every replica is active and no schema change is
	// pending.
	StatusGreen CollectionStatus = "green"
	// StatusYellow means some replica is recovering or being filled, or a
	// schema change is still being applied.
	StatusYellow CollectionStatus = "yellow"
	// StatusRed means at least one shard cannot accept writes.
	StatusRed CollectionStatus = "red"
)

// CollectionInfo describes one collection.
type CollectionInfo struct {
	Name         string             `json:"name"`
	Status       CollectionStatus   `json:"status"`
	Config       collection.Config  `json:"config"`
	FieldIndexes []model.FieldIndex `json:"payload_schema"`
	Aliases      []string           `json:"aliases,omitempty"`
	PointsCount  int                `json:"points_count"`
}

// ListCollections returns the collection names in order.
func (s *Storage) ListCollections(_ context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.collections)), nil
}

// GetCollection describes the collection called name or aliased as name.
func (s *Storage) GetCollection(ctx context.Context, name string) (CollectionInfo, error) {
	c, err := s.Collection(name)
	if err != nil {
		return CollectionInfo{}, err
	}
	n, err := c.Count(ctx)
	if err != nil {
		return CollectionInfo{}, err
	}
	return CollectionInfo{
		Name:         c.Name(),
		Status:       statusOf(c.ClusterInfo()),
		Config:       c.Config(),
		FieldIndexes: c.FieldIndexes(),
		Aliases:      s.CollectionAliases(c.Name()),
		PointsCount:  n,
	}, nil
}

func statusOf(info collection.ClusterInfo) CollectionStatus {
	status := StatusGreen
	if len(info.Pending) > 0 {
		status = StatusYellow
	}
	for _, sh := range info.Shards {
		if sh.Dead {
			return StatusRed
		}
		voters := 0
		for _, r := range sh.Replicas {
			switch r.State {
			case replica.Active:
				voters++
			case replica.Listener:
			default:
				status = StatusYellow
			}
		}
		if voters < info.Config.WriteConsistencyFactor {
			return StatusRed
		}
	}
	return status
}

// CreateCollection creates and places a new collection. The name must not
// be taken by a collection or an alias.
func (s *Storage) CreateCollection(ctx context.Context, name string, cfg collection.Config, timeout time.Duration) error {
	if err := validateName(name); err != nil {
		return err
	}
	return s.commit(ctx, "create collection "+name, timeout, func(ctx context.Context) error {
		s.structMu.RLock()
		defer s.structMu.RUnlock()
		defer s.names.lock(name)()

		err := s.create(ctx, name, cfg)
		s.logger.LogCollectionChange(ctx, "create", name, err)
		return err
	})
}

// create builds the collection without holding the table lock; the name
// lock keeps aliases and other structural operations off the name.
func (s *Storage) create(ctx context.Context, name string, cfg collection.Config) error {
	s.mu.RLock()
	_, exists := s.collections[name]
	target, isAlias := s.aliases[name]
	s.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrCollectionExists, name)
	}
	if isAlias {
		return fmt.Errorf("%w: %q is an alias of %s", ErrSchemaConflict, name, target)
	}

	dir := s.collectionDir(collection.Descriptor{Name: name})
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	c, err := collection.Create(ctx, dir, name, cfg, s.collectionOptions()...)
	if err != nil {
		return err
	}
	if err := s.reg.putCollection(c.Descriptor()); err != nil {
		return multierror.Append(fmt.Errorf("register collection: %w", err), c.Drop(ctx)).ErrorOrNil()
	}

	s.mu.Lock()
	s.collections[name] = c
	s.mu.Unlock()
	return nil
}

// UpdateCollection applies patch to the collection called name or aliased
// as name. Replication factor changes add or remove replicas; new replicas
// fill in the background.
func (s *Storage) UpdateCollection(ctx context.Context, name string, patch collection.Patch, timeout time.Duration) error {
	return s.commit(ctx, "update collection "+name, timeout, func(ctx context.Context) error {
		s.structMu.RLock()
		defer s.structMu.RUnlock()

		c, unlock, err := s.lockCollection(name)
		if err != nil {
			return err
		}
		defer unlock()
		return c.Update(ctx, patch)
	})
}

// DeleteCollection drops a collection: its replicas and WALs, its
// snapshots and every alias pointing at it. Aliases are not resolved.
func (s *Storage) DeleteCollection(ctx context.Context, name string, timeout time.Duration) error {
	return s.commit(ctx, "delete collection "+name, timeout, func(ctx context.Context) error {
		s.structMu.RLock()
		defer s.structMu.RUnlock()
		defer s.names.lock(name)()

		// Unpublish first; the data goes afterwards without the table lock.
		s.aliasMu.Lock()
		s.mu.Lock()
		c, ok := s.collections[name]
		if ok {
			delete(s.collections, name)
			maps.DeleteFunc(s.aliases, func(_, target string) bool { return target == name })
		}
		s.mu.Unlock()
		s.aliasMu.Unlock()
		if !ok {
			return notFound(name)
		}

		var merr *multierror.Error
		if err := s.reg.deleteCollection(name); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("unregister collection: %w", err))
		}
		if err := c.Drop(ctx); err != nil {
			merr = multierror.Append(merr, err)
		}
		if err := s.snapshots.DeleteScope(ctx, name); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("delete snapshots: %w", err))
		}
		err := merr.ErrorOrNil()
		s.logger.LogCollectionChange(ctx, "delete", name, err)
		return err
	})
}

// ClusterInfo reports the shard layout and replica states of a collection.
func (s *Storage) ClusterInfo(_ context.Context, name string) (collection.ClusterInfo, error) {
	c, err := s.Collection(name)
	if err != nil {
		return collection.ClusterInfo{}, err
	}
	return c.ClusterInfo(), nil
}

// CreateFieldIndex indexes a payload field on every shard of a collection.
// With wait the call blocks until every shard confirmed, at most for the
// commit timeout; on expiry the returned handle is still acknowledged and
// the error matches ErrTimeout.
func (s *Storage) CreateFieldIndex(ctx context.Context, name string, idx model.FieldIndex, wait bool) (collection.UpdateResult, error) {
	c, err := s.Collection(name)
	if err != nil {
		return collection.UpdateResult{}, err
	}
	wctx, cancel := s.waitContext(ctx, wait)
	defer cancel()
	res, err := c.CreateFieldIndex(wctx, idx, wait)
	return res, s.waitErr(ctx, "create field index "+idx.Field, res, err)
}

// DeleteFieldIndex removes a payload field index from every shard.
func (s *Storage) DeleteFieldIndex(ctx context.Context, name, field string, wait bool) (collection.UpdateResult, error) {
	c, err := s.Collection(name)
	if err != nil {
		return collection.UpdateResult{}, err
	}
	wctx, cancel := s.waitContext(ctx, wait)
	defer cancel()
	res, err := c.DeleteFieldIndex(wctx, field, wait)
	return res, s.waitErr(ctx, "delete field index "+field, res, err)
}

func (s *Storage) waitContext(ctx context.Context, wait bool) (context.Context, context.CancelFunc) {
	if !wait || s.opts.commitTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.commitTimeout)
}

// waitErr turns an expired wait on a still running update into a
// *TimeoutError. Cancellation by the caller is returned as is.
func (s *Storage) waitErr(ctx context.Context, op string, res collection.UpdateResult, err error) error {
	if err == nil || res.Status != collection.UpdateAcknowledged || !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if ctx.Err() != nil {
		return &TimeoutError{Op: op, Err: err}
	}
	return &TimeoutError{Op: op, Timeout: s.opts.commitTimeout, Err: err}
}

// Compact truncates the shard WALs of a collection up to what every online
// replica made durable.
func (s *Storage) Compact(ctx context.Context, name string) error {
	c, err := s.Collection(name)
	if err != nil {
		return err
	}
	return c.Compact(ctx)
}
