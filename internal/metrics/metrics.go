// ============================================================================
// Master Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose master metrics for Prometheus monitoring
//
// Metric Categories:
//
//   1. Task Counters - Cumulative, monotonically increasing:
//      - tasks_admitted_total: Total tasks admitted into the task pool
//      - tasks_committed_total: Total tasks that reached COMMITTED
//      - tasks_failed_total{reason}: Total tasks that reached FAILED, by reason
//
//   2. Worker Counters:
//      - worker_registered_total: Total workers that have registered
//      - workers_failed_total: Total worker failures detected
//
//   3. Performance Metrics (Histogram):
//      - dispatch_latency_seconds: time from RUNNABLE to ASSIGNED
//
//   4. Status Metrics (Gauge):
//      - task_state_gauge{state}: current number of tasks in each state
//
// Prometheus Query Examples:
//
//   # Commit rate
//   rate(tasks_committed_total[1m])
//
//   # 95th percentile dispatch latency
//   histogram_quantile(0.95, dispatch_latency_seconds_bucket)
//
//   # Failure rate by reason
//   rate(tasks_failed_total[5m])
//
// HTTP Endpoint:
//   Exposed via /metrics, scraped by Prometheus.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one master process. Only one
// Collector should exist per process; a second NewCollector call panics on
// duplicate registration with the default registerer.
type Collector struct {
	tasksAdmitted  prometheus.Counter
	tasksCommitted prometheus.Counter
	tasksFailed    *prometheus.CounterVec
	taskState      *prometheus.GaugeVec

	workersRegistered prometheus.Counter
	workersFailed     prometheus.Counter

	dispatchLatency prometheus.Histogram
}

// NewCollector creates and registers a new metrics collector.
func NewCollector() *Collector {
	c := &Collector{
		tasksAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_admitted_total",
			Help: "Total number of tasks admitted into the task pool",
		}),
		tasksCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_committed_total",
			Help: "Total number of tasks that reached COMMITTED",
		}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks that reached FAILED, by reason",
		}, []string{"reason"}),
		taskState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "task_state_gauge",
			Help: "Current number of tasks in each state",
		}, []string{"state"}),
		workersRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worker_registered_total",
			Help: "Total number of workers that have registered with the pool",
		}),
		workersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workers_failed_total",
			Help: "Total number of worker failures detected",
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_latency_seconds",
			Help:    "Time from a task becoming RUNNABLE to being ASSIGNED",
			Buckets: prometheus.DefBuckets,
		}),
	}

	// Register all metrics
	prometheus.MustRegister(c.tasksAdmitted)
	prometheus.MustRegister(c.tasksCommitted)
	prometheus.MustRegister(c.tasksFailed)
	prometheus.MustRegister(c.taskState)
	prometheus.MustRegister(c.workersRegistered)
	prometheus.MustRegister(c.workersFailed)
	prometheus.MustRegister(c.dispatchLatency)

	return c
}

// RecordAdmitted records a task being admitted into the pool.
func (c *Collector) RecordAdmitted() {
	c.tasksAdmitted.Inc()
}

// RecordCommitted records a task reaching COMMITTED.
func (c *Collector) RecordCommitted() {
	c.tasksCommitted.Inc()
}

// RecordFailed records a task reaching FAILED for the given reason.
func (c *Collector) RecordFailed(reason string) {
	c.tasksFailed.WithLabelValues(reason).Inc()
}

// SetTaskStateCount sets the gauge for the number of tasks currently in a
// given state.
func (c *Collector) SetTaskStateCount(state string, count int) {
	c.taskState.WithLabelValues(state).Set(float64(count))
}

// RecordWorkerRegistered records a new worker registration.
func (c *Collector) RecordWorkerRegistered() {
	c.workersRegistered.Inc()
}

// RecordWorkerFailed records a detected worker failure.
func (c *Collector) RecordWorkerFailed() {
	c.workersFailed.Inc()
}

// RecordDispatchLatency records the time a task waited between becoming
// RUNNABLE and being ASSIGNED to a worker.
func (c *Collector) RecordDispatchLatency(seconds float64) {
	c.dispatchLatency.Observe(seconds)
}

// StartServer starts the Prometheus metrics HTTP server.
//
// Parameters:
//   - port: HTTP server port
//
// Returns:
//   - error: Error on startup failure
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
