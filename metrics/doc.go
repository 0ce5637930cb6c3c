// Package metrics defines the Collector interface through which the WAL
// write path, the replica state machine and the snapshot manager report
// operational metrics.
//
// Three implementations are provided:
//
//   - Noop: discards everything (the default)
//   - Basic: atomic in-memory counters, handy in tests
//   - Prometheus: histograms, counters and gauges registered with a
//     prometheus.Registerer
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	collector, err := metrics.NewPrometheus(reg)
//	if err != nil {
//	    return err
//	}
//	storage, err := vecshard.Open(ctx, vecshard.WithMetricsCollector(collector))
package metrics
