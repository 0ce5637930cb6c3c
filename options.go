package vecshard

import (
	"log/slog"
	"time"

	"github.com/hupe1980/vecshard/blobstore"
	"github.com/hupe1980/vecshard/collection"
	"github.com/hupe1980/vecshard/replica"
	"github.com/hupe1980/vecshard/ring"
	"github.com/hupe1980/vecshard/shard"
	"github.com/hupe1980/vecshard/shard/memory"
	"github.com/hupe1980/vecshard/snapshot"
	"github.com/hupe1980/vecshard/wal"
)

// DefaultCommitTimeout bounds how long structural operations block their
// caller when no timeout is passed.
const DefaultCommitTimeout = time.Minute

type options struct {
	topology        collection.Topology
	connector       collection.Connector
	backend         shard.Factory
	blobStore       blobstore.BlobStore
	snapshotOptions []snapshot.Option
	walOptions      []wal.Option
	replicaOptions  []replica.Option
	virtualNodes    int
	backgroundJobs  int64
	ioLimit         int64
	commitTimeout   time.Duration
	metrics         MetricsCollector
	logger          *Logger
}

func defaultOptions() options {
	return options{
		topology:       collection.LocalTopology(),
		backend:        memory.Factory,
		virtualNodes:   ring.DefaultVirtualNodes,
		backgroundJobs: 2,
		commitTimeout:  DefaultCommitTimeout,
		metrics:        NoopMetricsCollector{},
		logger:         NoopLogger(),
	}
}

// Option configures Open.
type Option func(*options)

// WithTopology sets the peers collections are placed on. The default is a
// single local peer.
func WithTopology(t collection.Topology) Option {
	return func(o *options) { o.topology = t }
}

// WithConnector sets how replica targets on peers are reached. The default
// runs every peer in-process below the data dir, using the backend set by
// WithBackend.
func WithConnector(c collection.Connector) Option {
	return func(o *options) { o.connector = c }
}

// WithBackend sets the shard backend used by the default connector.
//
// Example with the durable backend:
//
//	st, err := vecshard.Open(ctx, "./data", vecshard.WithBackend(pebble.Factory))
func WithBackend(f shard.Factory) Option {
	return func(o *options) {
		if f != nil {
			o.backend = f
		}
	}
}

// WithBlobStore sets where snapshots are kept. The default is a local store
// in <data dir>/snapshots.
func WithBlobStore(s blobstore.BlobStore) Option {
	return func(o *options) { o.blobStore = s }
}

// WithSnapshotOptions passes options to the snapshot manager.
func WithSnapshotOptions(opts ...snapshot.Option) Option {
	return func(o *options) { o.snapshotOptions = append(o.snapshotOptions, opts...) }
}

// WithWALOptions passes options to every shard WAL.
func WithWALOptions(opts ...wal.Option) Option {
	return func(o *options) { o.walOptions = append(o.walOptions, opts...) }
}

// WithReplicaOptions passes options to every replica set, e.g. the ack
// timeout or the recovery policy.
func WithReplicaOptions(opts ...replica.Option) Option {
	return func(o *options) { o.replicaOptions = append(o.replicaOptions, opts...) }
}

// WithVirtualNodes sets the number of ring tokens per shard.
func WithVirtualNodes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.virtualNodes = n
		}
	}
}

// WithBackgroundJobs bounds concurrent replica recoveries and snapshot
// transfers.
func WithBackgroundJobs(n int64) Option {
	return func(o *options) { o.backgroundJobs = n }
}

// WithIOLimit throttles snapshot transfer and catch-up streams to
// bytesPerSec. Zero means unlimited.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) { o.ioLimit = bytesPerSec }
}

// WithCommitTimeout sets the default commit timeout of structural
// operations. Zero waits for completion.
func WithCommitTimeout(d time.Duration) Option {
	return func(o *options) { o.commitTimeout = d }
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	m := &vecshard.BasicMetricsCollector{}
//	st, _ := vecshard.Open(ctx, dir, vecshard.WithMetricsCollector(m))
//	// ... use st ...
//	fmt.Printf("Proposals: %d\n", m.Stats().ProposeCount)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metrics = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := vecshard.NewJSONLogger(slog.LevelInfo)
//	st, _ := vecshard.Open(ctx, dir, vecshard.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := defaultOptions()
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
