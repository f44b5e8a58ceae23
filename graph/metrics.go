// Package graph provides the core Pregel-style graph execution engine.
package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics collection for
// graph execution monitoring, namespaced under "pregraph_":
//
//   - active_nodes (gauge): nodes currently executing within the
//     in-progress superstep. No labels.
//   - superstep (gauge): the superstep number currently executing.
//     No labels.
//   - node_latency_ms (histogram): node execution duration. Labels:
//     run_id, node_id, status (the engine reports success or error; a
//     timed-out node is reported as error).
//   - retries_total (counter): cumulative node retry attempts. Labels:
//     run_id, node_id.
//   - merge_conflicts_total (counter): StrategyReject conflicts detected.
//     Labels: run_id, key.
//   - soft_failures_total (counter): recovered soft failures. Labels:
//     run_id, kind. The engine records only predicate failures (kind
//     "edge"); observer panics are not counted.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine := graph.NewEngine(g, graph.NewEngineConfig(graph.WithMetrics(metrics)))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	activeNodes prometheus.Gauge
	superstep   prometheus.Gauge

	nodeLatency *prometheus.HistogramVec

	retries        *prometheus.CounterVec
	mergeConflicts *prometheus.CounterVec
	softFailures   *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all graph execution metrics
// with the given registry (use prometheus.DefaultRegisterer for the
// global registry, or a fresh prometheus.NewRegistry() for isolation).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.activeNodes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "pregraph",
		Name:      "active_nodes",
		Help:      "Current number of nodes executing within the in-progress superstep",
	})

	pm.superstep = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "pregraph",
		Name:      "superstep",
		Help:      "Superstep number currently executing",
	})

	pm.nodeLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pregraph",
		Name:      "node_latency_ms",
		Help:      "Node execution duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"run_id", "node_id", "status"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pregraph",
		Name:      "retries_total",
		Help:      "Cumulative count of node retry attempts",
	}, []string{"run_id", "node_id"})

	pm.mergeConflicts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pregraph",
		Name:      "merge_conflicts_total",
		Help:      "Reject-strategy merge conflicts detected during state apply",
	}, []string{"run_id", "key"})

	pm.softFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pregraph",
		Name:      "soft_failures_total",
		Help:      "Recovered predicate/observer errors that did not abort the run",
	}, []string{"run_id", "kind"})

	return pm
}

// RecordNodeLatency records a node invocation's duration and outcome.
func (pm *PrometheusMetrics) RecordNodeLatency(runID, nodeID string, latency time.Duration, status string) {
	if !pm.isEnabled() {
		return
	}
	pm.nodeLatency.WithLabelValues(runID, nodeID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries records one retry attempt for a node.
func (pm *PrometheusMetrics) IncrementRetries(runID, nodeID string) {
	if !pm.isEnabled() {
		return
	}
	pm.retries.WithLabelValues(runID, nodeID).Inc()
}

// UpdateActiveNodes sets the current in-flight node count for a superstep.
func (pm *PrometheusMetrics) UpdateActiveNodes(count int) {
	if !pm.isEnabled() {
		return
	}
	pm.activeNodes.Set(float64(count))
}

// UpdateSuperstep sets the superstep number currently executing.
func (pm *PrometheusMetrics) UpdateSuperstep(n int) {
	if !pm.isEnabled() {
		return
	}
	pm.superstep.Set(float64(n))
}

// IncrementMergeConflicts records one StrategyReject conflict.
func (pm *PrometheusMetrics) IncrementMergeConflicts(runID, key string) {
	if !pm.isEnabled() {
		return
	}
	pm.mergeConflicts.WithLabelValues(runID, key).Inc()
}

// IncrementSoftFailures records one recovered predicate/observer error.
func (pm *PrometheusMetrics) IncrementSoftFailures(runID, kind string) {
	if !pm.isEnabled() {
		return
	}
	pm.softFailures.WithLabelValues(runID, kind).Inc()
}

func (pm *PrometheusMetrics) isEnabled() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// Disable temporarily stops metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears gauge values (counters and histograms are cumulative by
// Prometheus design and cannot be reset without unregistering).
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.activeNodes.Set(0)
	pm.superstep.Set(0)
}
