package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.tasksAdmitted, "tasksAdmitted counter should be initialized")
	assert.NotNil(t, collector.tasksCommitted, "tasksCommitted counter should be initialized")
	assert.NotNil(t, collector.tasksFailed, "tasksFailed counter vec should be initialized")
	assert.NotNil(t, collector.taskState, "taskState gauge vec should be initialized")
	assert.NotNil(t, collector.workersRegistered, "workersRegistered counter should be initialized")
	assert.NotNil(t, collector.workersFailed, "workersFailed counter should be initialized")
	assert.NotNil(t, collector.dispatchLatency, "dispatchLatency histogram should be initialized")
}

func TestRecordAdmitted(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordAdmitted()
	}, "RecordAdmitted should not panic")

	for i := 0; i < 5; i++ {
		collector.RecordAdmitted()
	}
}

func TestRecordCommitted(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordCommitted()
	}, "RecordCommitted should not panic")

	for i := 0; i < 10; i++ {
		collector.RecordCommitted()
	}
}

func TestRecordFailed(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	reasons := []string{"WORKER_FAILED", "MISSING_INPUT", "RUNTIME_EXCEPTION"}

	for _, reason := range reasons {
		assert.NotPanics(t, func() {
			collector.RecordFailed(reason)
		}, "RecordFailed should not panic for reason %s", reason)
	}
}

func TestSetTaskStateCount(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	testCases := []struct {
		name  string
		state string
		count int
	}{
		{"zero", "RUNNABLE", 0},
		{"normal", "QUEUED", 5},
		{"high", "BLOCKING", 100},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				collector.SetTaskStateCount(tc.state, tc.count)
			}, "SetTaskStateCount should not panic")
		})
	}
}

func TestRecordWorkerRegistered(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordWorkerRegistered()
	}, "RecordWorkerRegistered should not panic")
}

func TestRecordWorkerFailed(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordWorkerFailed()
	}, "RecordWorkerFailed should not panic")
}

func TestRecordDispatchLatency(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	latencies := []float64{0.001, 0.01, 0.1, 1.0, 5.0}

	for _, latency := range latencies {
		assert.NotPanics(t, func() {
			collector.RecordDispatchLatency(latency)
		}, "RecordDispatchLatency should not panic with latency %f", latency)
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	done := make(chan bool, 100)

	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordAdmitted()
			collector.RecordCommitted()
			collector.RecordFailed("WORKER_FAILED")
			collector.SetTaskStateCount("QUEUED", 10)
			collector.RecordDispatchLatency(0.1)
			done <- true
		}()
	}

	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestCollectorIsolation(t *testing.T) {
	// A second collector on the same registerer is rejected
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	// Second collector will panic due to duplicate registration
	// This is expected: a process should have only one collector
	assert.Panics(t, func() {
		NewCollector()
	}, "Creating a second collector should panic due to duplicate registration")
}

func TestTaskLifecycleSequence(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		// 1. Task admitted
		collector.RecordAdmitted()
		collector.SetTaskStateCount("BLOCKING", 1)

		// 2. Task becomes runnable, gets dispatched
		collector.SetTaskStateCount("BLOCKING", 0)
		collector.SetTaskStateCount("QUEUED", 1)
		collector.RecordDispatchLatency(0.25)
		collector.SetTaskStateCount("QUEUED", 0)
		collector.SetTaskStateCount("ASSIGNED", 1)

		// 3. Task commits
		collector.SetTaskStateCount("ASSIGNED", 0)
		collector.RecordCommitted()
	}, "Complete task lifecycle should not panic")
}

func TestTaskFailureSequence(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordAdmitted()
		collector.SetTaskStateCount("ASSIGNED", 1)
		collector.RecordFailed("WORKER_FAILED")
		collector.RecordWorkerFailed()
		collector.SetTaskStateCount("ASSIGNED", 0)
		collector.SetTaskStateCount("RUNNABLE", 1)
	}, "Task failure scenario should not panic")
}

func TestZeroAndNegativeValues(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordDispatchLatency(0.0) // zero latency
		collector.SetTaskStateCount("RUNNABLE", 0)
		collector.SetTaskStateCount("RUNNABLE", -1) // negative values (shouldn't happen)
	}, "Edge case values should not panic")
}
