package replica

import (
	"time"

	"github.com/hupe1980/vecshard/internal/resource"
	"github.com/hupe1980/vecshard/logging"
	"github.com/hupe1980/vecshard/metrics"
)

// RecoveryPolicy bounds the retries of a recovery.
type RecoveryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime gives up after this long. Zero retries until the set
	// is closed.
	MaxElapsedTime time.Duration
}

// DefaultRecoveryPolicy is used unless WithRecoveryPolicy is given.
var DefaultRecoveryPolicy = RecoveryPolicy{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	MaxElapsedTime:  5 * time.Minute,
}

type options struct {
	collection       string
	writeConsistency int
	ackTimeout       time.Duration
	queueSize        int
	recovery         RecoveryPolicy
	transferer       Transferer
	resources        *resource.Controller
	logger           *logging.Logger
	metrics          metrics.Collector
	onTransition     func(Transition)
}

func defaultOptions() options {
	return options{
		writeConsistency: 1,
		ackTimeout:       5 * time.Second,
		queueSize:        1024,
		recovery:         DefaultRecoveryPolicy,
		logger:           logging.NoopLogger(),
		metrics:          metrics.Noop{},
	}
}

// Option configures a Set.
type Option func(*options)

// WithCollection sets the collection name used in logs and metrics.
func WithCollection(name string) Option {
	return func(o *options) { o.collection = name }
}

// WithWriteConsistency sets how many replicas must acknowledge a write.
// Default: 1.
func WithWriteConsistency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.writeConsistency = n
		}
	}
}

// WithAckTimeout bounds how long one replica may take to apply an entry
// before it is marked dead. Default: 5s.
func WithAckTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ackTimeout = d
		}
	}
}

// WithQueueSize sets the per-replica delivery queue length. Proposals
// block once a replica's queue is full. Default: 1024.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithRecoveryPolicy sets the retry policy for recoveries.
func WithRecoveryPolicy(p RecoveryPolicy) Option {
	return func(o *options) { o.recovery = p }
}

// WithTransferer enables full transfers for replicas the WAL can no longer
// catch up.
func WithTransferer(t Transferer) Option {
	return func(o *options) { o.transferer = t }
}

// WithResourceController bounds concurrent recoveries with background slots.
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

// WithOnTransition registers a hook called after every state change. It
// runs on the event loop and must not call back into the Set.
func WithOnTransition(fn func(Transition)) Option {
	return func(o *options) { o.onTransition = fn }
}
