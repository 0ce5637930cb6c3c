package replica

import (
	"context"
	"fmt"
)

type eventKind uint8

const (
	evCall eventKind = iota
	evApplyFailed
	evCaughtUp
	evRecoveryFailed
	evRecovering
	evRepair
)

// event is a message to the event loop.
type event struct {
	kind   eventKind
	member *member
	state  State
	err    error
	reason string
	reply  chan error
	fn     func()
}

// run is the event loop. It is the only goroutine that changes replica
// states.
func (s *Set) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Set) handle(ev event) {
	m := ev.member
	switch ev.kind {
	case evCall:
		ev.fn()
	case evApplyFailed:
		if !s.isMember(m) {
			return
		}
		s.transition(m.peer, Dead, ev.err.Error())
		if s.deadErr() == nil || !m.local {
			s.startRecovery(m, false)
		}
	case evRecovering:
		if s.isMember(m) {
			s.transition(m.peer, ev.state, ev.reason)
		}
	case evCaughtUp:
		ev.reply <- s.finishRecovery(m)
	case evRecoveryFailed:
		if s.isMember(m) {
			s.transition(m.peer, Dead, ev.err.Error())
		}
	case evRepair:
		_, st, ok := s.member(m.peer)
		if !ok || !st.online() || m.failed.Load() {
			return
		}
		select {
		case m.queue <- delivery{repair: true}:
		default: // busy replica, deliveries will catch it up anyway
		}
	}
}

// emit sends ev to the loop unless the set is closing.
func (s *Set) emit(ev event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// post runs fn on the event loop without waiting for it.
func (s *Set) post(fn func()) {
	s.emit(event{kind: evCall, fn: fn})
}

// do runs fn on the event loop and waits for it.
func (s *Set) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.events <- event{kind: evCall, fn: func() { fn(); close(done) }}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
}

func (s *Set) startWorker(m *member) {
	s.wg.Add(1)
	go s.work(m)
}

// work applies the deliveries of one replica in queue order.
func (s *Set) work(m *member) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.drain(m)
			return
		case <-m.stop:
			s.drain(m)
			return
		case d := <-m.queue:
			s.deliver(m, d)
		}
	}
}

// drain fails whatever is still queued so no proposer waits for it.
func (s *Set) drain(m *member) {
	for {
		select {
		case d := <-m.queue:
			reply(d, unavailable(m.peer, ErrClosed))
		default:
			return
		}
	}
}

func reply(d delivery, err error) {
	if d.ack != nil {
		d.ack <- err
	}
}

func (s *Set) deliver(m *member, d delivery) {
	if d.repair {
		if m.failed.Load() {
			return
		}
		if _, err := s.catchUp(s.ctx, m, m.tracker.applied()); err != nil {
			s.fail(m, unavailable(m.peer, err))
		}
		return
	}

	if m.failed.Load() {
		reply(d, unavailable(m.peer, fmt.Errorf("replica is %s", s.stateOf(m))))
		return
	}
	err := s.call(s.ctx, func(ctx context.Context) error {
		return m.target.Apply(ctx, d.entry)
	})
	if err != nil {
		err = unavailable(m.peer, err)
		reply(d, err)
		s.fail(m, err)
		return
	}
	m.tracker.ack(d.entry.Seq)
	reply(d, nil)
}

// fail stops deliveries to m and reports it to the loop once.
func (s *Set) fail(m *member, err error) {
	if !m.failed.CompareAndSwap(false, true) {
		return
	}
	select {
	case s.events <- event{kind: evApplyFailed, member: m, err: err}:
	case <-m.stop:
	case <-s.ctx.Done():
	}
}

func (s *Set) stateOf(m *member) State {
	_, st, ok := s.member(m.peer)
	if !ok {
		return Dead
	}
	return st
}

// enqueue hands d to m's worker. It reports false if the worker is gone.
func (s *Set) enqueue(m *member, d delivery) bool {
	select {
	case m.queue <- d:
		return true
	case <-m.stop:
		return false
	case <-s.ctx.Done():
		return false
	}
}

// requestRepair asks the loop to catch up a replica found stale by a read.
func (s *Set) requestRepair(m *member) {
	select {
	case s.events <- event{kind: evRepair, member: m}:
	default:
	}
}
