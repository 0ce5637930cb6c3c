package metrics

import (
	"time"

	"github.com/hupe1980/vecshard/model"
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is a Collector backed by prometheus/client_golang.
type Prometheus struct {
	proposeLatency *prometheus.HistogramVec
	proposeTotal   *prometheus.CounterVec
	queryLatency   *prometheus.HistogramVec
	queryTotal     *prometheus.CounterVec
	replicaState   *prometheus.GaugeVec
	recoveries     *prometheus.CounterVec
	snapshotBytes  prometheus.Histogram
	snapshotTotal  *prometheus.CounterVec
	walBytes       *prometheus.CounterVec
	walErrors      *prometheus.CounterVec
}

var replicaStates = []string{"Active", "Partial", "Recovery", "Listener", "Dead"}

// NewPrometheus creates the collector and registers it with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		proposeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vecshard_propose_duration_seconds",
			Help:    "Latency of replicated writes until quorum.",
			Buckets: prometheus.DefBuckets,
		}, []string{"collection"}),
		proposeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vecshard_propose_total",
			Help: "Replicated writes by outcome.",
		}, []string{"collection", "shard", "status"}),
		queryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vecshard_query_duration_seconds",
			Help:    "Latency of replicated reads.",
			Buckets: prometheus.DefBuckets,
		}, []string{"collection", "level"}),
		queryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vecshard_query_total",
			Help: "Replicated reads by outcome.",
		}, []string{"collection", "level", "status"}),
		replicaState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vecshard_replica_state",
			Help: "1 for the current state of each replica, 0 otherwise.",
		}, []string{"collection", "shard", "peer", "state"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vecshard_recovery_total",
			Help: "Replica recoveries by mode and outcome.",
		}, []string{"collection", "mode", "status"}),
		snapshotBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vecshard_snapshot_size_bytes",
			Help:    "Size of created snapshot archives.",
			Buckets: prometheus.ExponentialBuckets(1<<10, 4, 12),
		}),
		snapshotTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vecshard_snapshot_total",
			Help: "Snapshots by outcome.",
		}, []string{"status"}),
		walBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vecshard_wal_bytes_total",
			Help: "Payload bytes appended to shard WALs.",
		}, []string{"collection", "shard"}),
		walErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vecshard_wal_errors_total",
			Help: "Failed WAL appends.",
		}, []string{"collection", "shard"}),
	}

	for _, c := range []prometheus.Collector{
		p.proposeLatency,
		p.proposeTotal,
		p.queryLatency,
		p.queryTotal,
		p.replicaState,
		p.recoveries,
		p.snapshotBytes,
		p.snapshotTotal,
		p.walBytes,
		p.walErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordPropose implements Collector.
func (p *Prometheus) RecordPropose(collection string, shard model.ShardID, duration time.Duration, err error) {
	p.proposeLatency.WithLabelValues(collection).Observe(duration.Seconds())
	p.proposeTotal.WithLabelValues(collection, shard.String(), status(err)).Inc()
}

// RecordQuery implements Collector.
func (p *Prometheus) RecordQuery(collection string, level string, duration time.Duration, err error) {
	p.queryLatency.WithLabelValues(collection, level).Observe(duration.Seconds())
	p.queryTotal.WithLabelValues(collection, level, status(err)).Inc()
}

// RecordReplicaState implements Collector.
func (p *Prometheus) RecordReplicaState(collection string, shard model.ShardID, peer model.PeerID, state string) {
	for _, s := range replicaStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.replicaState.WithLabelValues(collection, shard.String(), string(peer), s).Set(v)
	}
}

// RecordRecovery implements Collector.
func (p *Prometheus) RecordRecovery(collection string, _ model.ShardID, _ model.PeerID, mode string, err error) {
	p.recoveries.WithLabelValues(collection, mode, status(err)).Inc()
}

// RecordSnapshot implements Collector.
func (p *Prometheus) RecordSnapshot(_ string, size int64, _ time.Duration, err error) {
	p.snapshotTotal.WithLabelValues(status(err)).Inc()
	if err == nil {
		p.snapshotBytes.Observe(float64(size))
	}
}

// RecordWALAppend implements Collector.
func (p *Prometheus) RecordWALAppend(collection string, shard model.ShardID, bytes int, err error) {
	if err != nil {
		p.walErrors.WithLabelValues(collection, shard.String()).Inc()
		return
	}
	p.walBytes.WithLabelValues(collection, shard.String()).Add(float64(bytes))
}
