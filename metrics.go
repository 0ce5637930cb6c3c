package vecshard

import (
	"github.com/hupe1980/vecshard/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement it to integrate with a monitoring system, or use
// NewPrometheusCollector.
type MetricsCollector = metrics.Collector

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector = metrics.Noop

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector = metrics.Basic

// NewPrometheusCollector registers vecshard metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) (*metrics.Prometheus, error) {
	return metrics.NewPrometheus(reg)
}
