package replica

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/vecshard/shard"
)

// Propose logs op and delivers it to every online replica. It returns once
// the write consistency factor is met; slower replicas keep applying in the
// background and are marked dead if they fail or time out.
//
// ErrInsufficientReplicas means nothing was logged. A QuorumError means the
// entry is in the log and will reach the remaining replicas through
// recovery.
func (s *Set) Propose(ctx context.Context, op shard.Operation) (WriteResult, error) {
	start := time.Now()
	res, err := s.propose(ctx, op)
	s.opts.metrics.RecordPropose(s.opts.collection, s.id, time.Since(start), err)
	return res, err
}

func (s *Set) propose(ctx context.Context, op shard.Operation) (WriteResult, error) {
	if s.ctx.Err() != nil {
		return WriteResult{}, ErrClosed
	}
	data, err := encode(op)
	if err != nil {
		return WriteResult{}, err
	}
	required := s.WriteConsistency()

	s.proposeMu.Lock()
	if err := s.deadErr(); err != nil {
		s.proposeMu.Unlock()
		return WriteResult{}, err
	}

	v := s.view.Load()
	voters := 0
	for i, m := range v.members {
		if v.states[i] == Active && !m.listener.Load() && !m.failed.Load() {
			voters++
		}
	}
	if voters < required {
		s.proposeMu.Unlock()
		return WriteResult{}, fmt.Errorf("%w: %d active, %d required", ErrInsufficientReplicas, voters, required)
	}

	seq, err := s.log.Append(data)
	s.opts.metrics.RecordWALAppend(s.opts.collection, s.id, len(data), err)
	if err != nil {
		s.proposeMu.Unlock()
		s.markDead(err)
		return WriteResult{}, s.deadErr()
	}

	acks := make(chan error, voters)
	entry := Entry{Seq: seq, Op: op}
	sent := 0
	for i, m := range v.members {
		st := v.states[i]
		switch {
		case st == Active && !m.listener.Load() && !m.failed.Load() && sent < voters:
			sent++
			if !s.enqueue(m, delivery{entry: entry, ack: acks}) {
				acks <- unavailable(m.peer, ErrClosed)
			}
		case st.online():
			s.enqueue(m, delivery{entry: entry})
		}
	}
	s.proposeMu.Unlock()

	acked, errs := 0, []error(nil)
	for acked < required {
		select {
		case err := <-acks:
			if err == nil {
				acked++
				continue
			}
			errs = append(errs, err)
			if voters-len(errs) < required {
				return s.quorumFailed(ctx, seq, required, acked, errs)
			}
		case <-ctx.Done():
			return s.quorumFailed(ctx, seq, required, acked, append(errs, ctx.Err()))
		case <-s.ctx.Done():
			return s.quorumFailed(ctx, seq, required, acked, append(errs, ErrClosed))
		}
	}
	s.logger.LogPropose(ctx, seq, acked, required, nil)
	return WriteResult{Seq: seq, Acks: acked}, nil
}

func (s *Set) quorumFailed(ctx context.Context, seq uint64, required, acked int, errs []error) (WriteResult, error) {
	err := &QuorumError{Required: required, Acked: acked, Errors: errs}
	s.logger.LogPropose(ctx, seq, acked, required, err)
	return WriteResult{Seq: seq, Acks: acked}, err
}
