package metrics

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/vecshard/model"
)

// Collector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; NewPrometheus
// provides a ready-made Prometheus implementation.
type Collector interface {
	// RecordPropose is called after each replicated write on a shard.
	// err is nil if the write reached its quorum.
	RecordPropose(collection string, shard model.ShardID, duration time.Duration, err error)

	// RecordQuery is called after each replicated read at the given level.
	RecordQuery(collection string, level string, duration time.Duration, err error)

	// RecordReplicaState is called whenever a replica changes state.
	RecordReplicaState(collection string, shard model.ShardID, peer model.PeerID, state string)

	// RecordRecovery is called when a recovery attempt ends. mode is
	// "wal" for log catch-up or "snapshot" for a full transfer.
	RecordRecovery(collection string, shard model.ShardID, peer model.PeerID, mode string, err error)

	// RecordSnapshot is called after a snapshot was created.
	RecordSnapshot(scope string, size int64, duration time.Duration, err error)

	// RecordWALAppend is called after each WAL append.
	RecordWALAppend(collection string, shard model.ShardID, bytes int, err error)
}

// Noop is a no-op implementation of Collector.
// Use this when metrics collection is not needed.
type Noop struct{}

func (Noop) RecordPropose(string, model.ShardID, time.Duration, error)         {}
func (Noop) RecordQuery(string, string, time.Duration, error)                  {}
func (Noop) RecordReplicaState(string, model.ShardID, model.PeerID, string)    {}
func (Noop) RecordRecovery(string, model.ShardID, model.PeerID, string, error) {}
func (Noop) RecordSnapshot(string, int64, time.Duration, error)                {}
func (Noop) RecordWALAppend(string, model.ShardID, int, error)                 {}

// OrNoop returns c, or Noop if c is nil.
func OrNoop(c Collector) Collector {
	if c == nil {
		return Noop{}
	}
	return c
}

// Basic provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type Basic struct {
	ProposeCount      atomic.Int64
	ProposeErrors     atomic.Int64
	ProposeTotalNanos atomic.Int64
	QueryCount        atomic.Int64
	QueryErrors       atomic.Int64
	QueryTotalNanos   atomic.Int64
	StateChanges      atomic.Int64
	DeadTransitions   atomic.Int64
	RecoveryCount     atomic.Int64
	RecoveryErrors    atomic.Int64
	SnapshotTransfers atomic.Int64
	SnapshotCount     atomic.Int64
	SnapshotErrors    atomic.Int64
	SnapshotBytes     atomic.Int64
	WALAppends        atomic.Int64
	WALBytes          atomic.Int64
	WALErrors         atomic.Int64
}

// RecordPropose implements Collector.
func (b *Basic) RecordPropose(_ string, _ model.ShardID, duration time.Duration, err error) {
	b.ProposeCount.Add(1)
	b.ProposeTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ProposeErrors.Add(1)
	}
}

// RecordQuery implements Collector.
func (b *Basic) RecordQuery(_ string, _ string, duration time.Duration, err error) {
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.QueryErrors.Add(1)
	}
}

// RecordReplicaState implements Collector.
func (b *Basic) RecordReplicaState(_ string, _ model.ShardID, _ model.PeerID, state string) {
	b.StateChanges.Add(1)
	if state == "Dead" {
		b.DeadTransitions.Add(1)
	}
}

// RecordRecovery implements Collector.
func (b *Basic) RecordRecovery(_ string, _ model.ShardID, _ model.PeerID, mode string, err error) {
	b.RecoveryCount.Add(1)
	if mode == "snapshot" {
		b.SnapshotTransfers.Add(1)
	}
	if err != nil {
		b.RecoveryErrors.Add(1)
	}
}

// RecordSnapshot implements Collector.
func (b *Basic) RecordSnapshot(_ string, size int64, _ time.Duration, err error) {
	b.SnapshotCount.Add(1)
	if err != nil {
		b.SnapshotErrors.Add(1)
		return
	}
	b.SnapshotBytes.Add(size)
}

// RecordWALAppend implements Collector.
func (b *Basic) RecordWALAppend(_ string, _ model.ShardID, bytes int, err error) {
	b.WALAppends.Add(1)
	if err != nil {
		b.WALErrors.Add(1)
		return
	}
	b.WALBytes.Add(int64(bytes))
}

// Stats returns a snapshot of current metrics.
func (b *Basic) Stats() BasicStats {
	return BasicStats{
		ProposeCount:      b.ProposeCount.Load(),
		ProposeErrors:     b.ProposeErrors.Load(),
		ProposeAvgNanos:   avg(b.ProposeTotalNanos.Load(), b.ProposeCount.Load()),
		QueryCount:        b.QueryCount.Load(),
		QueryErrors:       b.QueryErrors.Load(),
		QueryAvgNanos:     avg(b.QueryTotalNanos.Load(), b.QueryCount.Load()),
		StateChanges:      b.StateChanges.Load(),
		DeadTransitions:   b.DeadTransitions.Load(),
		RecoveryCount:     b.RecoveryCount.Load(),
		RecoveryErrors:    b.RecoveryErrors.Load(),
		SnapshotTransfers: b.SnapshotTransfers.Load(),
		SnapshotCount:     b.SnapshotCount.Load(),
		SnapshotErrors:    b.SnapshotErrors.Load(),
		SnapshotBytes:     b.SnapshotBytes.Load(),
		WALAppends:        b.WALAppends.Load(),
		WALBytes:          b.WALBytes.Load(),
		WALErrors:         b.WALErrors.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicStats is a snapshot of Basic state.
type BasicStats struct {
	ProposeCount      int64
	ProposeErrors     int64
	ProposeAvgNanos   int64
	QueryCount        int64
	QueryErrors       int64
	QueryAvgNanos     int64
	StateChanges      int64
	DeadTransitions   int64
	RecoveryCount     int64
	RecoveryErrors    int64
	SnapshotTransfers int64
	SnapshotCount     int64
	SnapshotErrors    int64
	SnapshotBytes     int64
	WALAppends        int64
	WALBytes          int64
	WALErrors         int64
}
