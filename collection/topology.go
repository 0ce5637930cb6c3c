package collection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/replica"
	"github.com/hupe1980/vecshard/shard"
)

// Topology is the cluster context a collection is placed on. It is supplied
// by the caller; nothing in this package discovers peers.
type Topology struct {
	Self  model.Peer   `json:"self" yaml:"self"`
	Peers []model.Peer `json:"peers,omitempty" yaml:"peers,omitempty"`
}

// LocalTopology is a single-node topology.
func LocalTopology() Topology {
	return Topology{Self: model.Peer{ID: "local"}}
}

// Members returns self and every peer, deduplicated and sorted by id.
func (t Topology) Members() []model.Peer {
	out := make([]model.Peer, 0, len(t.Peers)+1)
	out = append(out, t.Self)
	for _, p := range t.Peers {
		if !slices.ContainsFunc(out, func(q model.Peer) bool { return q.ID == p.ID }) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b model.Peer) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

// IDs returns the sorted member ids.
func (t Topology) IDs() []model.PeerID {
	members := t.Members()
	out := make([]model.PeerID, len(members))
	for i, p := range members {
		out[i] = p.ID
	}
	return out
}

// Lookup returns the member with the given id.
func (t Topology) Lookup(id model.PeerID) (model.Peer, bool) {
	for _, p := range t.Members() {
		if p.ID == id {
			return p, true
		}
	}
	return model.Peer{}, false
}

// Validate rejects empty or path-unsafe peer ids.
func (t Topology) Validate() error {
	for _, p := range t.Members() {
		if p.ID == "" || strings.ContainsAny(string(p.ID), `/\`) || p.ID == "." || p.ID == ".." {
			return fmt.Errorf("%w: invalid peer id %q", ErrInvalidConfig, p.ID)
		}
	}
	return nil
}

// Connector builds the replica targets of a collection. A networked
// deployment returns clients for remote peers; LocalConnector hosts every
// peer in-process.
type Connector interface {
	// Connect returns the target hosting shard's replica on peer.
	Connect(ctx context.Context, peer model.Peer, collection string, shard model.ShardID) (replica.Target, error)

	// Drop deletes the replica's data. The target is closed by then.
	Drop(ctx context.Context, peer model.Peer, collection string, shard model.ShardID) error
}

// LocalConnector hosts every peer's replicas in this process, each in its own
// directory below root. With an empty root replicas are ephemeral.
//
// Peers can be taken down or slowed with SetDown and SetDelay, which makes
// multi-peer failure scenarios reproducible in a single process.
type LocalConnector struct {
	root    string
	factory shard.Factory

	mu     sync.Mutex
	faults map[model.PeerID]*peerFault
}

var _ Connector = (*LocalConnector)(nil)

// NewLocalConnector returns a connector opening backends with factory.
func NewLocalConnector(root string, factory shard.Factory) *LocalConnector {
	return &LocalConnector{
		root:    root,
		factory: factory,
		faults:  make(map[model.PeerID]*peerFault),
	}
}

func (c *LocalConnector) dir(peer model.PeerID, collection string, id model.ShardID) string {
	if c.root == "" {
		return ""
	}
	return filepath.Join(c.root, string(peer), collection, strconv.FormatUint(uint64(id), 10))
}

func (c *LocalConnector) fault(peer model.PeerID) *peerFault {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.faults[peer]
	if !ok {
		f = &peerFault{}
		c.faults[peer] = f
	}
	return f
}

// Connect implements Connector.
func (c *LocalConnector) Connect(ctx context.Context, peer model.Peer, collection string, id model.ShardID) (replica.Target, error) {
	backend, err := c.factory(ctx, c.dir(peer.ID, collection, id))
	if err != nil {
		return nil, fmt.Errorf("open replica %s/%d on %s: %w", collection, id, peer.ID, err)
	}
	return &faultTarget{Target: replica.NewLocalTarget(backend), peer: peer.ID, fault: c.fault(peer.ID)}, nil
}

// Drop implements Connector.
func (c *LocalConnector) Drop(_ context.Context, peer model.Peer, collection string, id model.ShardID) error {
	dir := c.dir(peer.ID, collection, id)
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

// SetDown makes every call to the peer's targets fail with ErrPeerDown.
func (c *LocalConnector) SetDown(peer model.PeerID, down bool) {
	f := c.fault(peer)
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

// SetDelay delays every call to the peer's targets.
func (c *LocalConnector) SetDelay(peer model.PeerID, d time.Duration) {
	f := c.fault(peer)
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

type peerFault struct {
	mu    sync.Mutex
	down  bool
	delay time.Duration
}

type faultTarget struct {
	replica.Target
	peer  model.PeerID
	fault *peerFault
}

func (t *faultTarget) check(ctx context.Context) error {
	t.fault.mu.Lock()
	down, delay := t.fault.down, t.fault.delay
	t.fault.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if down {
		return fmt.Errorf("%w: %s", ErrPeerDown, t.peer)
	}
	return nil
}

func (t *faultTarget) Apply(ctx context.Context, e replica.Entry) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	return t.Target.Apply(ctx, e)
}

func (t *faultTarget) Get(ctx context.Context, ids []model.PointID) ([]model.Record, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.Target.Get(ctx, ids)
}

func (t *faultTarget) Scroll(ctx context.Context, offset model.PointID, limit int) ([]model.Record, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.Target.Scroll(ctx, offset, limit)
}

func (t *faultTarget) Count(ctx context.Context) (int, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return t.Target.Count(ctx)
}

func (t *faultTarget) AppliedSeq(ctx context.Context) (uint64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return t.Target.AppliedSeq(ctx)
}

func (t *faultTarget) Flush(ctx context.Context) (uint64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return t.Target.Flush(ctx)
}

func (t *faultTarget) Capture(ctx context.Context, dir string) (uint64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return t.Target.Capture(ctx, dir)
}

func (t *faultTarget) Install(ctx context.Context, dir string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	return t.Target.Install(ctx, dir)
}

func (t *faultTarget) FieldIndexes(ctx context.Context) ([]model.FieldIndex, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.Target.FieldIndexes(ctx)
}
