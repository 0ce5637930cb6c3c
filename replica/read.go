package replica

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecshard/model"
)

// candidates returns the members a read at level may use, in preference
// order, and how many of them must answer.
func (s *Set) candidates(level ReadLevel) ([]*member, int, error) {
	v := s.view.Load()
	var out []*member
	for i, m := range v.members {
		if m.failed.Load() {
			continue
		}
		switch v.states[i] {
		case Active:
			if level == ReadAny || !m.listener.Load() {
				out = append(out, m)
			}
		case Listener:
			if level == ReadAny {
				out = append(out, m)
			}
		}
	}

	required := 1
	switch level {
	case ReadMajority:
		required = v.voters()/2 + 1
	case ReadAll:
		required = v.voters()
	}
	if len(out) < required || len(out) == 0 {
		return nil, 0, fmt.Errorf("%w: %d online, %d required for %s read", ErrInsufficientReplicas, len(out), required, level)
	}
	return out, required, nil
}

// first runs fn against candidates in order until one succeeds.
func first[T any](ctx context.Context, s *Set, fn func(context.Context, Target) (T, error)) (T, error) {
	var zero T
	cands, _, err := s.candidates(ReadAny)
	if err != nil {
		return zero, err
	}
	var errs []error
	for _, m := range cands {
		v, err := invoke(ctx, s.opts.ackTimeout, func(ctx context.Context) (T, error) {
			return fn(ctx, m.target)
		})
		if err == nil {
			return v, nil
		}
		errs = append(errs, unavailable(m.peer, err))
		if ctx.Err() != nil {
			break
		}
	}
	return zero, &QuorumError{Required: 1, Errors: errs}
}

// Get returns the live records for ids. Majority and All reads ask every
// eligible replica, keep the highest version per id and schedule a repair
// for replicas that returned older data.
func (s *Set) Get(ctx context.Context, ids []model.PointID, level ReadLevel) ([]model.Record, error) {
	start := time.Now()
	recs, n, err := s.get(ctx, ids, level)
	s.opts.metrics.RecordQuery(s.opts.collection, level.String(), time.Since(start), err)
	s.logger.LogQuery(ctx, level.String(), n, err)
	return recs, err
}

func (s *Set) get(ctx context.Context, ids []model.PointID, level ReadLevel) ([]model.Record, int, error) {
	if level == ReadAny {
		recs, err := first(ctx, s, func(ctx context.Context, t Target) ([]model.Record, error) {
			return t.Get(ctx, ids)
		})
		if err != nil {
			return nil, 0, err
		}
		return live(recs), 1, nil
	}

	cands, required, err := s.candidates(level)
	if err != nil {
		return nil, 0, err
	}

	results := make([][]model.Record, len(cands))
	errs := make([]error, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range cands {
		g.Go(func() error {
			results[i], errs[i] = invoke(gctx, s.opts.ackTimeout, func(ctx context.Context) ([]model.Record, error) {
				return m.target.Get(ctx, ids)
			})
			return nil
		})
	}
	_ = g.Wait()

	var responses []response
	var failures []error
	for i, m := range cands {
		if errs[i] != nil {
			failures = append(failures, unavailable(m.peer, errs[i]))
			continue
		}
		responses = append(responses, newResponse(m, results[i]))
	}
	if len(responses) < required {
		return nil, len(responses), &QuorumError{Required: required, Acked: len(responses), Errors: failures}
	}

	merged := s.reconcile(ids, responses)
	return live(merged), len(responses), nil
}

type response struct {
	member  *member
	records map[model.PointID]model.Record
}

func newResponse(m *member, recs []model.Record) response {
	r := response{member: m, records: make(map[model.PointID]model.Record, len(recs))}
	for _, rec := range recs {
		r.records[rec.ID] = rec
	}
	return r
}

// reconcile picks, per id, the record with the highest version. On equal
// versions the earlier response wins (local replica first, then ascending
// peer id). Replicas behind the winner are repaired.
func (s *Set) reconcile(ids []model.PointID, responses []response) []model.Record {
	out := make([]model.Record, 0, len(ids))
	stale := make(map[*member]bool)

	for _, id := range ids {
		var (
			best  model.Record
			found bool
		)
		for _, r := range responses {
			rec, ok := r.records[id]
			if !ok {
				continue
			}
			switch {
			case !found || rec.Version > best.Version:
				best, found = rec, true
			case rec.Version == best.Version && !sameRecord(rec, best):
				s.logger.Warn("replicas disagree at equal version",
					"id", id,
					"version", rec.Version,
					"peer", r.member.peer,
				)
				stale[r.member] = true
			}
		}
		if !found {
			continue
		}
		out = append(out, best)
		for _, r := range responses {
			if rec, ok := r.records[id]; !ok || rec.Version < best.Version {
				stale[r.member] = true
			}
		}
	}

	for m := range stale {
		s.requestRepair(m)
	}
	return out
}

func sameRecord(a, b model.Record) bool {
	return a.Deleted == b.Deleted &&
		slices.Equal(a.Vector, b.Vector) &&
		reflect.DeepEqual(a.Payload, b.Payload)
}

func live(recs []model.Record) []model.Record {
	out := recs[:0:0]
	for _, r := range recs {
		if !r.Deleted {
			out = append(out, r)
		}
	}
	return out
}

// Scroll returns up to limit live records with id >= offset from the first
// responding replica.
func (s *Set) Scroll(ctx context.Context, offset model.PointID, limit int) ([]model.Record, error) {
	return first(ctx, s, func(ctx context.Context, t Target) ([]model.Record, error) {
		return t.Scroll(ctx, offset, limit)
	})
}

// Count returns the number of live points as seen by the first responding
// replica.
func (s *Set) Count(ctx context.Context) (int, error) {
	return first(ctx, s, func(ctx context.Context, t Target) (int, error) {
		return t.Count(ctx)
	})
}

// FieldIndexes returns the field index schema of the first responding
// replica.
func (s *Set) FieldIndexes(ctx context.Context) ([]model.FieldIndex, error) {
	return first(ctx, s, func(ctx context.Context, t Target) ([]model.FieldIndex, error) {
		return t.FieldIndexes(ctx)
	})
}
