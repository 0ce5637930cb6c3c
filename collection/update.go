package collection

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/replica"
	"github.com/hupe1980/vecshard/shard"
)

// Params keys of the UpdateParams operation sent to the shards.
const (
	ParamsIndex     = "index"
	ParamsOptimizer = "optimizer"
)

// Update applies a partial config change. Each field is optional:
//
//   - replication_factor adds replicas (they start Partial and recover in the
//     background) or removes the most recently placed ones;
//   - write_consistency_factor takes effect on the next write;
//   - index and optimizer params are merged and forwarded to every shard.
//
// The resulting config is validated before anything is changed.
func (c *Collection) Update(ctx context.Context, patch Patch) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	err := c.update(ctx, patch)
	c.logger.LogCollectionChange(ctx, "update", c.name, err)
	return err
}

func (c *Collection) update(ctx context.Context, patch Patch) error {
	if patch.Empty() {
		return nil
	}
	current := c.Config()
	next := current.Merge(patch)
	peers := c.opts.topology.IDs()
	if err := next.Validate(len(peers)); err != nil {
		return err
	}

	// Params first: they are the only part that can fail on a healthy
	// cluster, and nothing structural has changed yet.
	if len(patch.IndexParams) > 0 || len(patch.OptimizerParams) > 0 {
		params := make(map[string]any, 2)
		if len(patch.IndexParams) > 0 {
			params[ParamsIndex] = next.IndexParams
		}
		if len(patch.OptimizerParams) > 0 {
			params[ParamsOptimizer] = next.OptimizerParams
		}
		if err := c.broadcast(ctx, shard.UpdateParams(params)); err != nil {
			return fmt.Errorf("forward params: %w", err)
		}
	}

	// Lower the write quorum before replicas go away, raise it after they
	// were added.
	if next.WriteConsistencyFactor < current.WriteConsistencyFactor {
		c.setWriteConsistency(next.WriteConsistencyFactor)
	}
	if next.ReplicationFactor != current.ReplicationFactor {
		if err := c.resizeReplicas(ctx, next.ReplicationFactor, peers); err != nil {
			// Applied shards stay resized; record what happened.
			c.setConfig(func(cfg *Config) {
				cfg.IndexParams, cfg.OptimizerParams = next.IndexParams, next.OptimizerParams
				cfg.WriteConsistencyFactor = min(cfg.WriteConsistencyFactor, next.WriteConsistencyFactor)
			})
			return err
		}
	}

	c.setWriteConsistency(next.WriteConsistencyFactor)
	c.setConfig(func(cfg *Config) { *cfg = next })
	return nil
}

func (c *Collection) setWriteConsistency(n int) {
	for _, s := range c.shards {
		s.SetWriteConsistency(n)
	}
}

func (c *Collection) setConfig(fn func(*Config)) {
	c.mu.Lock()
	fn(&c.cfg)
	c.mu.Unlock()
	c.changed()
}

func (c *Collection) resizeReplicas(ctx context.Context, rf int, peers []model.PeerID) error {
	var merr *multierror.Error
	for i, s := range c.shards {
		id := model.ShardID(i)
		current := c.Layout()[id]
		_, added, removed, err := resize(id, current, rf, peers)
		if err != nil {
			return err
		}

		// kept tracks what actually changed so a partial failure leaves an
		// accurate layout.
		kept := current
		for _, pid := range removed {
			if err := s.RemoveReplica(ctx, pid); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("shard %d: remove %s: %w", id, pid, err))
				continue
			}
			kept = without(kept, pid)
			if peer, ok := c.opts.topology.Lookup(pid); ok {
				if err := c.opts.connector.Drop(ctx, peer, c.replicaKey(), id); err != nil {
					c.logger.WarnContext(ctx, "cannot drop removed replica data",
						"shard", id,
						"peer", pid,
						"error", err,
					)
				}
			}
		}
		for _, pid := range added {
			r, err := c.connect(ctx, id, pid, replica.Partial)
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("shard %d: connect %s: %w", id, pid, err))
				continue
			}
			if err := s.AddReplica(ctx, r); err != nil {
				_ = r.Target.Close()
				merr = multierror.Append(merr, fmt.Errorf("shard %d: add %s: %w", id, pid, err))
				continue
			}
			kept = append(kept, pid)
		}

		c.mu.Lock()
		c.layout[id] = kept
		c.mu.Unlock()
	}
	if err := merr.ErrorOrNil(); err != nil {
		c.changed()
		return err
	}
	return nil
}

func without(peers []model.PeerID, pid model.PeerID) []model.PeerID {
	out := make([]model.PeerID, 0, len(peers))
	for _, p := range peers {
		if p != pid {
			out = append(out, p)
		}
	}
	return out
}
