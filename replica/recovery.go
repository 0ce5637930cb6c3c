package replica

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/shard"
	"github.com/hupe1980/vecshard/wal"
)

// recovery is one background recovery of a member.
type recovery struct {
	done chan struct{}
	err  error
}

const (
	modeCatchUp  = "catch_up"
	modeTransfer = "transfer"
)

func (p RecoveryPolicy) backOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = p.MaxElapsedTime
	return eb
}

// Recover starts a recovery of peer, unless it is healthy, and waits for it.
func (s *Set) Recover(ctx context.Context, peer model.PeerID) error {
	var (
		rec *recovery
		err error
	)
	doErr := s.do(ctx, func() {
		m, st, ok := s.member(peer)
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownReplica, peer)
			return
		}
		if st.online() && !m.failed.Load() {
			return
		}
		rec = s.startRecovery(m, false)
	})
	if err := errors.Join(doErr, err); err != nil || rec == nil {
		return err
	}
	select {
	case <-rec.done:
		return rec.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startRecovery launches a recovery of m unless one is running. It runs on
// the event loop.
func (s *Set) startRecovery(m *member, transfer bool) *recovery {
	if !m.recovering.CompareAndSwap(false, true) {
		return m.rec.Load()
	}
	// The recovery owns the target from now on.
	m.failed.Store(true)

	rec := &recovery{done: make(chan struct{})}
	m.rec.Store(rec)

	s.wg.Add(1)
	go s.recoverLoop(m, transfer, rec)
	return rec
}

func (s *Set) recoverLoop(m *member, transfer bool, rec *recovery) {
	defer s.wg.Done()

	ctx := s.ctx
	logger := s.logger.WithPeer(string(m.peer))
	bo := backoff.WithContext(s.opts.recovery.backOff(), ctx)

	err := backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !s.isMember(m) {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnknownReplica, m.peer))
		}

		mode, err := s.recoverOnce(ctx, m, transfer)
		s.opts.metrics.RecordRecovery(s.opts.collection, s.id, m.peer, mode, err)
		logger.LogRecovery(ctx, string(m.peer), mode, m.tracker.applied(), err)

		switch {
		case err == nil:
			return nil
		case errors.Is(err, wal.ErrCompacted):
			transfer = true
		case errors.Is(err, ErrNoTransferer), errors.Is(err, ErrUnknownReplica):
			return backoff.Permanent(err)
		}
		return err
	}, bo)

	if err != nil && ctx.Err() == nil && s.isMember(m) {
		s.emit(event{kind: evRecoveryFailed, member: m, err: err})
	}
	rec.err = err
	m.recovering.Store(false)
	close(rec.done)
}

// recoverOnce catches m up from the log, falling back to a full transfer
// when the log no longer reaches back far enough.
func (s *Set) recoverOnce(ctx context.Context, m *member, transfer bool) (string, error) {
	if err := s.opts.resources.AcquireBackground(ctx); err != nil {
		return modeCatchUp, err
	}
	defer s.opts.resources.ReleaseBackground()

	mode := modeCatchUp
	applied, err := invoke(ctx, s.opts.ackTimeout, m.target.AppliedSeq)
	if err != nil {
		return mode, unavailable(m.peer, err)
	}
	m.tracker.reset(applied)

	if !transfer {
		s.emit(event{kind: evRecovering, member: m, state: Recovery, reason: "catch-up"})
		_, err = s.catchUp(ctx, m, applied)
	}
	if transfer || errors.Is(err, wal.ErrCompacted) {
		mode = modeTransfer
		if err = s.transfer(ctx, m); err != nil {
			return mode, err
		}
	}
	if err != nil {
		return mode, err
	}

	// The last stretch runs on the event loop under the propose lock so no
	// entry slips between catch-up and going online.
	reply := make(chan error, 1)
	s.emit(event{kind: evCaughtUp, member: m, reply: reply})
	select {
	case err = <-reply:
	case <-ctx.Done():
		err = ctx.Err()
	}
	return mode, err
}

func (s *Set) transfer(ctx context.Context, m *member) error {
	if s.opts.transferer == nil {
		return ErrNoTransferer
	}
	donor := s.pick(m)
	if donor == nil {
		return fmt.Errorf("%w: no donor for %s", ErrInsufficientReplicas, m.peer)
	}
	s.emit(event{kind: evRecovering, member: m, state: Partial, reason: "transfer from " + string(donor.peer)})

	applied, err := s.opts.transferer.Transfer(ctx, s.id, s.log, donor.target, m.target)
	if err != nil {
		return err
	}
	m.tracker.reset(applied)
	_, err = s.catchUp(ctx, m, applied)
	return err
}

// catchUp applies the logged entries after applied to m in order and
// returns the last applied sequence number.
func (s *Set) catchUp(ctx context.Context, m *member, applied uint64) (uint64, error) {
	r, err := s.log.ReadFrom(applied + 1)
	if err != nil {
		return applied, err
	}
	defer r.Close()

	for e, err := range r.All() {
		if err != nil {
			return applied, err
		}
		op, err := shard.Decode(e.Payload)
		if err != nil {
			return applied, fmt.Errorf("decode entry %d: %w", e.Seq, err)
		}
		entry := Entry{Seq: e.Seq, Op: op}
		if err := s.call(ctx, func(ctx context.Context) error { return m.target.Apply(ctx, entry) }); err != nil {
			return applied, unavailable(m.peer, err)
		}
		m.tracker.ack(e.Seq)
		applied = e.Seq
	}
	return applied, nil
}

// finishRecovery applies what arrived since the last catch-up and puts m
// back online. It runs on the event loop.
func (s *Set) finishRecovery(m *member) error {
	if !s.isMember(m) {
		return fmt.Errorf("%w: %s", ErrUnknownReplica, m.peer)
	}

	s.proposeMu.Lock()
	defer s.proposeMu.Unlock()

	if _, err := s.catchUp(s.ctx, m, m.tracker.applied()); err != nil {
		return err
	}
	m.failed.Store(false)
	to := Active
	if m.listener.Load() {
		to = Listener
	}
	s.transition(m.peer, to, "recovered")
	return nil
}
