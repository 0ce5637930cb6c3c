package replica

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/hupe1980/vecshard/logging"
	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/shard"
	"github.com/hupe1980/vecshard/wal"
)

// member is one replica plus its delivery worker. Fields other than the
// atomics never change after creation.
type member struct {
	peer   model.PeerID
	target Target
	local  bool

	tracker *tracker
	queue   chan delivery
	stop    chan struct{}

	// failed stops the worker from applying entries. It is set on the first
	// failed delivery and while a recovery owns the target.
	failed     atomic.Bool
	listener   atomic.Bool
	recovering atomic.Bool
	rec        atomic.Pointer[recovery]
}

type delivery struct {
	entry  Entry
	ack    chan<- error // nil for non-voting deliveries
	repair bool
}

// view is an immutable membership snapshot, ordered local first and then by
// peer id.
type view struct {
	members []*member
	states  []State
}

func (v *view) index(peer model.PeerID) int {
	for i, m := range v.members {
		if m.peer == peer {
			return i
		}
	}
	return -1
}

func (v *view) withState(i int, st State) *view {
	nv := &view{members: v.members, states: slices.Clone(v.states)}
	nv.states[i] = st
	return nv
}

func (v *view) with(m *member, st State) *view {
	nv := &view{
		members: append(slices.Clone(v.members), m),
		states:  append(slices.Clone(v.states), st),
	}
	nv.sort()
	return nv
}

func (v *view) without(i int) *view {
	return &view{
		members: slices.Delete(slices.Clone(v.members), i, i+1),
		states:  slices.Delete(slices.Clone(v.states), i, i+1),
	}
}

func (v *view) sort() {
	idx := make([]int, len(v.members))
	for i := range idx {
		idx[i] = i
	}
	slices.SortFunc(idx, func(a, b int) int {
		ma, mb := v.members[a], v.members[b]
		if ma.local != mb.local {
			if ma.local {
				return -1
			}
			return 1
		}
		return strings.Compare(string(ma.peer), string(mb.peer))
	})
	members := make([]*member, len(idx))
	states := make([]State, len(idx))
	for i, j := range idx {
		members[i], states[i] = v.members[j], v.states[j]
	}
	v.members, v.states = members, states
}

// voters counts the members that take part in write quorums.
func (v *view) voters() int {
	n := 0
	for _, m := range v.members {
		if !m.listener.Load() {
			n++
		}
	}
	return n
}

// Set replicates one shard. Writes are appended to the shard's WAL and
// delivered to every online replica in sequence order; reads are served and
// reconciled according to a ReadLevel.
//
// All state transitions run on a single event loop goroutine. Workers and
// recovery tasks report to it through a channel.
type Set struct {
	id     model.ShardID
	log    *wal.WAL
	opts   options
	logger *logging.Logger

	writeConsistency atomic.Int32

	// proposeMu serializes WAL appends with delivery enqueueing so every
	// replica sees entries in sequence order.
	proposeMu sync.Mutex

	mu   sync.Mutex // serializes view replacement
	view atomic.Pointer[view]
	dead atomic.Pointer[error]

	events chan event

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New creates the replica set of shard id over log. Online replicas are
// caught up from the log before New returns; replicas in Partial or Recovery
// start recovering in the background. The Set owns log and every target.
func New(id model.ShardID, log *wal.WAL, replicas []Replica, optFns ...Option) (*Set, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Set{
		id:     id,
		log:    log,
		opts:   opts,
		logger: opts.logger.WithCollection(opts.collection).WithShard(uint32(id)),
		events: make(chan event, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	s.writeConsistency.Store(int32(opts.writeConsistency))

	v := &view{}
	var pending []*member
	for _, r := range replicas {
		if v.index(r.Peer) >= 0 {
			cancel()
			return nil, fmt.Errorf("%w: %s", ErrReplicaExists, r.Peer)
		}
		m, err := s.newMember(ctx, r)
		if err != nil {
			cancel()
			return nil, err
		}

		st := r.State
		if st.online() {
			n, err := s.replay(ctx, m)
			s.logger.WithPeer(string(m.peer)).LogRecovered(ctx, n, err)
			if err != nil {
				st = Dead
			}
		}
		if !st.online() {
			m.failed.Store(true)
			if st != Dead {
				pending = append(pending, m)
			}
		}
		v = v.with(m, st)
	}
	s.view.Store(v)

	s.wg.Add(1)
	go s.run()
	for _, m := range v.members {
		s.startWorker(m)
	}
	for _, m := range pending {
		s.post(func() { s.startRecovery(m, false) })
	}
	return s, nil
}

func (s *Set) newMember(ctx context.Context, r Replica) (*member, error) {
	applied, err := r.Target.AppliedSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("replica %s: %w", r.Peer, err)
	}
	m := &member{
		peer:    r.Peer,
		target:  r.Target,
		local:   r.Local,
		tracker: newTracker(applied),
		queue:   make(chan delivery, s.opts.queueSize),
		stop:    make(chan struct{}),
	}
	m.listener.Store(r.State == Listener)
	return m, nil
}

// replay applies every logged entry the replica is missing.
func (s *Set) replay(ctx context.Context, m *member) (int, error) {
	before := m.tracker.applied()
	after, err := s.catchUp(ctx, m, before)
	return int(after - before), err
}

// ShardID returns the shard this set replicates.
func (s *Set) ShardID() model.ShardID { return s.id }

// WAL returns the shard's log.
func (s *Set) WAL() *wal.WAL { return s.log }

// SetWriteConsistency changes how many acknowledgements a write needs.
func (s *Set) SetWriteConsistency(n int) {
	if n > 0 {
		s.writeConsistency.Store(int32(n))
	}
}

// WriteConsistency returns the current write consistency factor.
func (s *Set) WriteConsistency() int { return int(s.writeConsistency.Load()) }

// Replicas returns the current members.
func (s *Set) Replicas() []Replica {
	v := s.view.Load()
	out := make([]Replica, len(v.members))
	for i, m := range v.members {
		out[i] = Replica{Peer: m.peer, Target: m.target, State: v.states[i], Local: m.local}
	}
	return out
}

// Status reports the membership and progress of the set.
func (s *Set) Status() Status {
	v := s.view.Load()
	st := Status{
		ShardID:  s.id,
		FirstSeq: s.log.FirstSeq(),
		LastSeq:  s.log.LastSeq(),
		Dead:     s.dead.Load() != nil,
		Replicas: make([]ReplicaStatus, len(v.members)),
	}
	for i, m := range v.members {
		st.Replicas[i] = ReplicaStatus{
			Peer:       m.peer,
			State:      v.states[i],
			Local:      m.local,
			AppliedSeq: m.tracker.applied(),
			Recovering: m.recovering.Load(),
		}
	}
	return st
}

func (s *Set) deadErr() error {
	if p := s.dead.Load(); p != nil {
		return *p
	}
	return nil
}

// markDead records a durable-write failure. The shard accepts no more
// writes; reads keep working.
func (s *Set) markDead(err error) {
	err = fmt.Errorf("%w: %w", ErrShardDead, err)
	if !s.dead.CompareAndSwap(nil, &err) {
		return
	}
	s.logger.Error("shard marked dead", "error", err)
	s.post(func() {
		v := s.view.Load()
		for _, m := range v.members {
			if m.local {
				m.failed.Store(true)
				s.transition(m.peer, Dead, "wal failure")
			}
		}
	})
}

// transition replaces the state of peer. It runs on the event loop.
func (s *Set) transition(peer model.PeerID, to State, reason string) {
	s.mu.Lock()
	v := s.view.Load()
	i := v.index(peer)
	if i < 0 || v.states[i] == to {
		s.mu.Unlock()
		return
	}
	from := v.states[i]
	s.view.Store(v.withState(i, to))
	s.mu.Unlock()

	s.logger.LogTransition(s.ctx, string(peer), from.String(), to.String(), reason)
	s.opts.metrics.RecordReplicaState(s.opts.collection, s.id, peer, to.String())
	if s.opts.onTransition != nil {
		s.opts.onTransition(Transition{Shard: s.id, Peer: peer, From: from, To: to, Reason: reason})
	}
}

func (s *Set) member(peer model.PeerID) (*member, State, bool) {
	v := s.view.Load()
	i := v.index(peer)
	if i < 0 {
		return nil, 0, false
	}
	return v.members[i], v.states[i], true
}

func (s *Set) isMember(m *member) bool {
	cur, _, ok := s.member(m.peer)
	return ok && cur == m
}

// AddReplica adds a new member. It starts Partial and recovers in the
// background; a Listener keeps that role once recovered.
func (s *Set) AddReplica(ctx context.Context, r Replica) error {
	var err error
	doErr := s.do(ctx, func() {
		if _, _, ok := s.member(r.Peer); ok {
			err = fmt.Errorf("%w: %s", ErrReplicaExists, r.Peer)
			return
		}
		var m *member
		m, err = s.newMember(ctx, r)
		if err != nil {
			return
		}
		m.failed.Store(true)

		s.mu.Lock()
		s.view.Store(s.view.Load().with(m, Partial))
		s.mu.Unlock()

		s.opts.metrics.RecordReplicaState(s.opts.collection, s.id, m.peer, Partial.String())
		s.startWorker(m)
		s.startRecovery(m, false)
	})
	return errors.Join(doErr, err)
}

// RemoveReplica removes a member and closes its target.
func (s *Set) RemoveReplica(ctx context.Context, peer model.PeerID) error {
	var m *member
	err := s.do(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		v := s.view.Load()
		i := v.index(peer)
		if i < 0 {
			return
		}
		m = v.members[i]
		s.view.Store(v.without(i))
		close(m.stop)
	})
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: %s", ErrUnknownReplica, peer)
	}
	s.logger.Info("replica removed", "peer", peer)
	return m.target.Close()
}

// SetState forces a replica into a state. Moving a replica that is not
// online to Active or Listener starts a recovery; the transition happens
// once it has caught up.
func (s *Set) SetState(ctx context.Context, peer model.PeerID, to State) error {
	var err error
	doErr := s.do(ctx, func() {
		m, from, ok := s.member(peer)
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownReplica, peer)
			return
		}
		switch to {
		case Dead:
			m.failed.Store(true)
			s.transition(peer, Dead, "manual")
		case Active, Listener:
			m.listener.Store(to == Listener)
			if from.online() && !m.failed.Load() {
				s.transition(peer, to, "manual")
				return
			}
			s.startRecovery(m, false)
		case Recovery:
			s.startRecovery(m, false)
		case Partial:
			s.startRecovery(m, true)
		default:
			err = fmt.Errorf("replica: invalid state %s", to)
		}
	})
	return errors.Join(doErr, err)
}

// Freeze runs fn while no writes are accepted. The target passed to fn is an
// online replica, the local one if possible.
func (s *Set) Freeze(ctx context.Context, fn func(log *wal.WAL, state Target) error) error {
	s.proposeMu.Lock()
	defer s.proposeMu.Unlock()

	if err := s.ctx.Err(); err != nil {
		return ErrClosed
	}
	m := s.pick(nil)
	if m == nil {
		return fmt.Errorf("%w: no online replica to capture", ErrInsufficientReplicas)
	}
	return fn(s.log, m.target)
}

// pick returns the preferred healthy online member other than skip, Active
// before Listener.
func (s *Set) pick(skip *member) *member {
	v := s.view.Load()
	var fallback *member
	for i, m := range v.members {
		if m == skip || m.failed.Load() {
			continue
		}
		switch v.states[i] {
		case Active:
			return m
		case Listener:
			if fallback == nil {
				fallback = m
			}
		}
	}
	return fallback
}

// Compact flushes every online replica and truncates the log up to the
// lowest sequence number they all made durable. It returns the new
// truncation point, 0 if nothing was truncated.
func (s *Set) Compact(ctx context.Context) (uint64, error) {
	v := s.view.Load()
	var (
		merr   *multierror.Error
		lowest uint64
		n      int
	)
	for i, m := range v.members {
		if !v.states[i].online() || m.failed.Load() {
			continue
		}
		seq, err := invoke(ctx, s.opts.ackTimeout, m.target.Flush)
		if err != nil {
			merr = multierror.Append(merr, unavailable(m.peer, err))
			continue
		}
		if n == 0 || seq < lowest {
			lowest = seq
		}
		n++
	}
	if err := merr.ErrorOrNil(); err != nil {
		return 0, err
	}
	if n == 0 || lowest < s.log.FirstSeq() {
		return 0, nil
	}
	if err := s.log.TruncateUpTo(lowest); err != nil {
		return 0, err
	}
	s.logger.Debug("wal compacted", "through", lowest)
	return lowest, nil
}

// call runs fn bounded by the ack timeout.
func (s *Set) call(ctx context.Context, fn func(context.Context) error) error {
	_, err := invoke(ctx, s.opts.ackTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type result[T any] struct {
	v   T
	err error
}

// invoke runs fn with a timeout. A target that ignores its context cannot
// hold up the caller past the deadline; its late result is dropped.
func invoke[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- result[T]{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Close stops background work and closes every target and the log.
func (s *Set) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		var merr *multierror.Error
		for _, m := range s.view.Load().members {
			if err := m.target.Close(); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("replica %s: %w", m.peer, err))
			}
		}

		s.proposeMu.Lock()
		if err := s.log.Close(); err != nil && !errors.Is(err, wal.ErrClosed) {
			merr = multierror.Append(merr, err)
		}
		s.proposeMu.Unlock()
		s.closeErr = merr.ErrorOrNil()
	})
	return s.closeErr
}

// encode is split out so Propose holds no lock while serializing.
func encode(op shard.Operation) ([]byte, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return shard.Encode(op)
}
