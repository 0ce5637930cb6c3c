package collection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/hupe1980/vecshard/logging"
	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/replica"
	"github.com/hupe1980/vecshard/ring"
	"github.com/hupe1980/vecshard/snapshot"
	"github.com/hupe1980/vecshard/wal"
)

// Collection coordinates the replicated shards of one collection. It owns
// the ring, one replica.Set per shard and the collection's config, layout
// and field index schema.
//
// Point operations run concurrently. Structural operations (Update, field
// index changes, Close) are serialized per collection.
type Collection struct {
	name   string
	gen    uint64
	dir    string
	opts   options
	logger *logging.Logger

	ring   *ring.Ring
	shards []*replica.Set // indexed by ShardID

	updateMu sync.Mutex // structural changes

	mu      sync.RWMutex
	cfg     Config
	layout  Layout
	schema  map[string]model.FieldIndex
	pending map[uuid.UUID]*pendingUpdate

	changeMu sync.Mutex // serializes onChange calls

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
	closed atomic.Bool
}

// Create places a new collection on the topology and opens it. dir holds
// the shard WALs.
func Create(ctx context.Context, dir, name string, cfg Config, optFns ...Option) (*Collection, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	cfg = cfg.WithDefaults()
	peers := opts.topology.IDs()
	if err := cfg.Validate(len(peers)); err != nil {
		return nil, err
	}
	layout, err := Placement(cfg.ShardNumber, cfg.ReplicationFactor, peers)
	if err != nil {
		return nil, err
	}
	return Open(ctx, dir, Descriptor{Name: name, Config: cfg, Layout: layout}, optFns...)
}

// Open opens a collection from its descriptor. Local replicas are caught up
// from the shard WALs before Open returns. A layout that does not fit the
// topology is replaced by a fresh placement.
func Open(ctx context.Context, dir string, desc Descriptor, optFns ...Option) (*Collection, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := opts.topology.Validate(); err != nil {
		return nil, err
	}
	cfg := desc.Config.WithDefaults()
	peers := opts.topology.IDs()
	if err := cfg.Validate(len(peers)); err != nil {
		return nil, err
	}

	layout := desc.Layout
	if !layoutFits(layout, cfg, opts.topology) {
		var err error
		if layout, err = Placement(cfg.ShardNumber, cfg.ReplicationFactor, peers); err != nil {
			return nil, err
		}
	}
	layout = layout.Clone()

	c := &Collection{
		name:    desc.Name,
		gen:     desc.Generation,
		dir:     dir,
		opts:    opts,
		logger:  opts.logger.WithCollection(desc.Name),
		cfg:     cfg,
		layout:  layout,
		schema:  make(map[string]model.FieldIndex, len(desc.Schema)),
		pending: make(map[uuid.UUID]*pendingUpdate),
		shards:  make([]*replica.Set, cfg.ShardNumber),
	}
	for _, idx := range desc.Schema {
		c.schema[idx.Field] = idx
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	ids := make([]model.ShardID, cfg.ShardNumber)
	for i := range c.shards {
		id := model.ShardID(i)
		ids[i] = id
		set, err := c.openShard(ctx, id)
		if err != nil {
			c.cancel()
			var merr *multierror.Error
			for _, s := range c.shards[:i] {
				merr = multierror.Append(merr, s.Close())
			}
			if opts.archive != nil {
				// Nothing of a failed restore may survive.
				merr = multierror.Append(merr, c.discard(ctx))
			}
			return nil, multierror.Append(merr, fmt.Errorf("shard %d: %w", id, err)).ErrorOrNil()
		}
		c.shards[i] = set
	}
	c.ring = ring.Of(ids, ring.WithVirtualNodes(opts.virtualNodes))

	c.reviveDead(ctx)
	return c, nil
}

func layoutFits(l Layout, cfg Config, topo Topology) bool {
	if len(l) != cfg.ShardNumber {
		return false
	}
	for i := 0; i < cfg.ShardNumber; i++ {
		peers, ok := l[model.ShardID(i)]
		if !ok || len(peers) != cfg.ReplicationFactor {
			return false
		}
		for _, p := range peers {
			if _, ok := topo.Lookup(p); !ok {
				return false
			}
		}
	}
	return true
}

func (c *Collection) shardDir(id model.ShardID) string {
	return filepath.Join(c.dir, "shards", strconv.FormatUint(uint64(id), 10))
}

func (c *Collection) openShard(ctx context.Context, id model.ShardID) (*replica.Set, error) {
	walOpts := append([]wal.Option{wal.WithLogger(c.logger.WithShard(uint32(id)))}, c.opts.walOptions...)
	if a := c.opts.archive; a != nil {
		sm, ok := a.Manifest.Shard(id)
		if !ok {
			return nil, fmt.Errorf("%w: shard %d missing from snapshot of %s", snapshot.ErrCorrupt, id, a.Manifest.Collection)
		}
		walOpts = append(walOpts, wal.WithStartSeq(sm.WALOffset+1))
	}
	log, err := wal.Open(filepath.Join(c.shardDir(id), "wal"), walOpts...)
	if err != nil {
		return nil, err
	}

	replicas := make([]replica.Replica, 0, len(c.layout[id]))
	closeAll := func() {
		for _, r := range replicas {
			_ = r.Target.Close()
		}
		_ = log.Close()
	}
	for _, pid := range c.layout[id] {
		r, err := c.connect(ctx, id, pid, replica.Active)
		if err != nil {
			closeAll()
			return nil, err
		}
		replicas = append(replicas, r)
		if a := c.opts.archive; a != nil {
			if _, err := a.InstallShard(ctx, id, r.Target); err != nil {
				closeAll()
				return nil, fmt.Errorf("restore replica on %s: %w", pid, err)
			}
		}
	}

	set, err := replica.New(id, log, replicas, c.replicaOptions()...)
	if err != nil {
		closeAll()
		return nil, err
	}
	return set, nil
}

func (c *Collection) connect(ctx context.Context, id model.ShardID, pid model.PeerID, st replica.State) (replica.Replica, error) {
	peer, ok := c.opts.topology.Lookup(pid)
	if !ok {
		return replica.Replica{}, fmt.Errorf("%w: %s", ErrUnknownPeer, pid)
	}
	target, err := c.opts.connector.Connect(ctx, peer, c.replicaKey(), id)
	if err != nil {
		return replica.Replica{}, err
	}
	return replica.Replica{
		Peer:   pid,
		Target: target,
		State:  st,
		Local:  pid == c.opts.topology.Self.ID,
	}, nil
}

func (c *Collection) replicaOptions() []replica.Option {
	c.mu.RLock()
	wcf := c.cfg.WriteConsistencyFactor
	c.mu.RUnlock()

	opts := []replica.Option{
		replica.WithCollection(c.name),
		replica.WithWriteConsistency(wcf),
		replica.WithLogger(c.opts.logger),
		replica.WithMetrics(c.opts.metrics),
		replica.WithResourceController(c.opts.resources),
	}
	if c.opts.transferer != nil {
		opts = append(opts, replica.WithTransferer(c.opts.transferer))
	}
	return append(opts, c.opts.replicaOptions...)
}

// reviveDead schedules recovery for replicas that failed to replay on open.
func (c *Collection) reviveDead(ctx context.Context) {
	for _, s := range c.shards {
		for _, r := range s.Replicas() {
			if r.State != replica.Dead {
				continue
			}
			if err := s.SetState(ctx, r.Peer, replica.Recovery); err != nil {
				c.logger.WarnContext(ctx, "cannot schedule replica recovery",
					"shard", s.ShardID(),
					"peer", r.Peer,
					"error", err,
				)
			}
		}
	}
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Generation returns the instance generation.
func (c *Collection) Generation() uint64 { return c.gen }

func (c *Collection) replicaKey() string {
	return Descriptor{Name: c.name, Generation: c.gen}.ReplicaKey()
}

// Config returns the current config.
func (c *Collection) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Merge(Patch{})
}

// Layout returns the current replica layout.
func (c *Collection) Layout() Layout {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.layout.Clone()
}

// FieldIndexes returns the confirmed field index schema sorted by field.
func (c *Collection) FieldIndexes() []model.FieldIndex {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fieldIndexesLocked()
}

func (c *Collection) fieldIndexesLocked() []model.FieldIndex {
	out := make([]model.FieldIndex, 0, len(c.schema))
	for _, idx := range c.schema {
		out = append(out, idx)
	}
	slices.SortFunc(out, func(a, b model.FieldIndex) int {
		switch {
		case a.Field < b.Field:
			return -1
		case a.Field > b.Field:
			return 1
		}
		return 0
	})
	return out
}

// Descriptor returns everything needed to reopen the collection.
func (c *Collection) Descriptor() Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Descriptor{
		Name:       c.name,
		Generation: c.gen,
		Config:     c.cfg.Merge(Patch{}),
		Layout:     c.layout.Clone(),
		Schema:     c.fieldIndexesLocked(),
	}
}

// Shards returns the replica sets indexed by shard id.
func (c *Collection) Shards() []*replica.Set {
	return slices.Clone(c.shards)
}

// Ring returns the router.
func (c *Collection) Ring() *ring.Ring { return c.ring }

func (c *Collection) changed() {
	if c.opts.onChange == nil {
		return
	}
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.opts.onChange(c.Descriptor())
}

// Compact truncates every shard WAL up to what all online replicas made
// durable.
func (c *Collection) Compact(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.eachShard(ctx, func(ctx context.Context, s *replica.Set) error {
		_, err := s.Compact(ctx)
		return err
	})
}

// Close stops every shard. Background field index updates are canceled.
func (c *Collection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	// Schema updates register under mu; after this no new one starts.
	c.mu.Lock()
	c.mu.Unlock() //nolint:staticcheck // barrier
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	c.cancel()
	c.bg.Wait()

	var merr *multierror.Error
	for _, s := range c.shards {
		if err := s.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("shard %d: %w", s.ShardID(), err))
		}
	}
	return merr.ErrorOrNil()
}

// Drop closes the collection and deletes its WALs and every replica's data.
func (c *Collection) Drop(ctx context.Context) error {
	var merr *multierror.Error
	if err := c.Close(); err != nil && !errors.Is(err, ErrClosed) {
		merr = multierror.Append(merr, err)
	}
	merr = multierror.Append(merr, c.discard(ctx))
	c.logger.LogCollectionChange(ctx, "drop", c.name, merr.ErrorOrNil())
	return merr.ErrorOrNil()
}

// discard deletes every replica's data and the WALs. The shards must be
// closed.
func (c *Collection) discard(ctx context.Context) error {
	var merr *multierror.Error
	for id, peers := range c.Layout() {
		for _, pid := range peers {
			peer, ok := c.opts.topology.Lookup(pid)
			if !ok {
				continue
			}
			if err := c.opts.connector.Drop(ctx, peer, c.replicaKey(), id); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}
	if err := os.RemoveAll(c.dir); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}
