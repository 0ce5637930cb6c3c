package collection

import (
	"github.com/hupe1980/vecshard/internal/resource"
	"github.com/hupe1980/vecshard/logging"
	"github.com/hupe1980/vecshard/metrics"
	"github.com/hupe1980/vecshard/replica"
	"github.com/hupe1980/vecshard/ring"
	"github.com/hupe1980/vecshard/shard/memory"
	"github.com/hupe1980/vecshard/snapshot"
	"github.com/hupe1980/vecshard/wal"
)

type options struct {
	topology       Topology
	connector      Connector
	transferer     replica.Transferer
	resources      *resource.Controller
	logger         *logging.Logger
	metrics        metrics.Collector
	virtualNodes   int
	walOptions     []wal.Option
	replicaOptions []replica.Option
	archive        *snapshot.Archive
	onChange       func(Descriptor)
}

func defaultOptions() options {
	return options{
		topology:     LocalTopology(),
		connector:    NewLocalConnector("", memory.Factory),
		logger:       logging.NoopLogger(),
		metrics:      metrics.Noop{},
		virtualNodes: ring.DefaultVirtualNodes,
	}
}

// Option configures a Collection.
type Option func(*options)

// WithTopology sets the peers the collection is placed on.
func WithTopology(t Topology) Option {
	return func(o *options) { o.topology = t }
}

// WithConnector sets how replica targets are built.
func WithConnector(c Connector) Option {
	return func(o *options) {
		if c != nil {
			o.connector = c
		}
	}
}

// WithTransferer enables full-state transfer for replicas the WAL can no
// longer catch up.
func WithTransferer(t replica.Transferer) Option {
	return func(o *options) { o.transferer = t }
}

// WithResourceController bounds recovery and transfer work.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) { o.resources = rc }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = logging.OrNoop(l) }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(o *options) { o.metrics = metrics.OrNoop(c) }
}

// WithVirtualNodes sets the ring tokens per shard.
func WithVirtualNodes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.virtualNodes = n
		}
	}
}

// WithWALOptions passes options to every shard WAL.
func WithWALOptions(opts ...wal.Option) Option {
	return func(o *options) { o.walOptions = append(o.walOptions, opts...) }
}

// WithReplicaOptions passes options to every replica set.
func WithReplicaOptions(opts ...replica.Option) Option {
	return func(o *options) { o.replicaOptions = append(o.replicaOptions, opts...) }
}

// WithArchive seeds every replica from a collection snapshot. The shard WALs
// must not exist yet; they continue after the captured offsets.
func WithArchive(a *snapshot.Archive) Option {
	return func(o *options) { o.archive = a }
}

// WithOnChange registers a hook called with the new descriptor after every
// change to config, layout or schema. Calls are serialized.
func WithOnChange(fn func(Descriptor)) Option {
	return func(o *options) { o.onChange = fn }
}
