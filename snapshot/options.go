package snapshot

import (
	"time"

	"github.com/hupe1980/vecshard/internal/resource"
	"github.com/hupe1980/vecshard/logging"
	"github.com/hupe1980/vecshard/metrics"
)

type options struct {
	compression Compression
	tempDir     string
	logger      *logging.Logger
	metrics     metrics.Collector
	resources   *resource.Controller
	now         func() time.Time
}

func defaultOptions() options {
	return options{
		compression: CompressionZstd,
		logger:      logging.NoopLogger(),
		metrics:     metrics.Noop{},
		now:         time.Now,
	}
}

// Option configures a Manager.
type Option func(*options)

// WithCompression sets the archive compression. Default: zstd.
func WithCompression(c Compression) Option {
	return func(o *options) { o.compression = c }
}

// WithTempDir sets where archives are staged. Default: os.TempDir().
func WithTempDir(dir string) Option {
	return func(o *options) { o.tempDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = logging.OrNoop(l) }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(o *options) { o.metrics = metrics.OrNoop(c) }
}

// WithResourceController throttles archive IO.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) { o.resources = rc }
}

// WithClock overrides the time source used for names and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
