package master

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dataflow-master/internal/config"
	"github.com/ChuLiYu/dataflow-master/internal/eventbus"
	"github.com/ChuLiYu/dataflow-master/pkg/types"
)

func newTestMaster(t *testing.T) *Master {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	cfg := config.Default()
	cfg.Journal.Dir = filepath.Join(t.TempDir(), "jobs")
	cfg.Metrics.Enabled = false
	cfg.Worker.ReapInterval = time.Hour // tests drive reaping explicitly

	m := New(cfg)
	m.disp.Start()
	t.Cleanup(func() {
		// Publishing stop wakes the job pool's long-poll waiters via its
		// priority subscription (see jobpool.New); namedir/workers are
		// stopped directly since nothing else subscribes to TopicStop.
		m.bus.Publish(eventbus.TopicStop, nil)
		close(m.reapStop)
		m.disp.Stop()
		m.namedir.Stop()
		m.workers.Stop()
	})
	return m
}

func doJSON(t *testing.T, m *Master, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	return rec
}

// registerFakeWorker starts an httptest server that plays the worker side
// of the assignment protocol: on POST /task/ it decodes the assignment and
// invokes onAssign, which decides how (and whether) to report back to the
// master before the assign call returns.
func registerFakeWorker(t *testing.T, m *Master, onAssign func(assign types.AssignTask)) int {
	mux := http.NewServeMux()
	mux.HandleFunc("/task/", func(w http.ResponseWriter, r *http.Request) {
		var assign types.AssignTask
		require.NoError(t, json.NewDecoder(r.Body).Decode(&assign))
		w.WriteHeader(http.StatusOK)
		onAssign(assign)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	netloc := srv.URL[len("http://"):]
	rec := doJSON(t, m, http.MethodPost, "/workers", types.WorkerDescriptor{Netloc: netloc})
	require.Equal(t, http.StatusCreated, rec.Code)

	var worker types.Worker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &worker))
	return worker.ID
}

func commitAssignment(t *testing.T, m *Master, workerID int, assign types.AssignTask, outputs map[types.RefID]string) {
	bindings := make(map[types.RefID][]types.Reference, len(outputs))
	for refID, value := range outputs {
		bindings[refID] = []types.Reference{
			types.NewConcrete(refID, types.Provenance{TaskID: assign.TaskID}, map[string]string{"w": value}),
		}
	}
	commit := types.TaskCommit{TaskID: assign.TaskID, Bindings: bindings}
	rec := doJSON(t, m, http.MethodPost, "/workers/"+strconv.Itoa(workerID)+"/commit", commit)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func failAssignment(t *testing.T, m *Master, workerID int, assign types.AssignTask, reason types.FailureReason, detail string) {
	report := types.TaskFailureReport{TaskID: assign.TaskID, Reason: reason, Detail: detail}
	rec := doJSON(t, m, http.MethodPost, "/workers/"+strconv.Itoa(workerID)+"/failed", report)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func submitJob(t *testing.T, m *Master, handler string, deps map[string]types.Reference) (string, string) {
	rec := doJSON(t, m, http.MethodPost, "/jobs", map[string]any{"handler": handler, "dependencies": deps})
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.JobID, "root:" + resp.JobID
}

func waitJob(t *testing.T, m *Master, jobID string) types.Descriptor {
	rec := doJSON(t, m, http.MethodGet, "/jobs/"+jobID+"/wait?timeout_ms=2000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var desc types.Descriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &desc))
	return desc
}

// Scenario 1: a single task with no dependencies runs to completion.
func TestSingleTaskJobCompletes(t *testing.T) {
	m := newTestMaster(t)

	jobID, rootTaskID := submitJob(t, m, "noop", nil)

	registerFakeWorker(t, m, func(assign types.AssignTask) {
		assert.Equal(t, rootTaskID, assign.TaskID)
		r0 := assign.ExpectedOutputs[0]
		go commitAssignment(t, m, workerIDFor(t, m, assign.TaskID), assign, map[types.RefID]string{r0: "native"})
	})

	desc := waitJob(t, m, jobID)
	assert.Equal(t, types.JobCompleted, desc.State)
	require.NotNil(t, desc.ResultRef)
	assert.Equal(t, types.RefConcrete, desc.ResultRef.Kind)
}

// workerIDFor is a test-only shim: since the fake worker handler doesn't
// know its own assigned worker id from the assignment body alone, it
// recovers it from the task's recorded WorkerID.
func workerIDFor(t *testing.T, m *Master, taskID string) int {
	task, ok := m.tasks.Task(taskID)
	require.True(t, ok)
	require.NotNil(t, task.WorkerID)
	return *task.WorkerID
}

// Scenario 2: a chain — the root task's only dependency is a Future
// pointing at an output no task has produced yet at submission time. A
// child task is admitted afterward (as a worker would, by reporting a
// subtask); once it commits, the root unblocks and runs in turn.
func TestChainedChildProducesParentInput(t *testing.T) {
	m := newTestMaster(t)

	upstreamRef := m.namedir.Allocate(nil)
	deps := map[string]types.Reference{
		"upstream": types.NewFuture(upstreamRef, types.Provenance{}),
	}
	jobID, rootTaskID := submitJob(t, m, "chain-root", deps)

	// The root cannot run yet: its only dependency is unresolved.
	root, ok := m.tasks.Task(rootTaskID)
	require.True(t, ok)
	assert.Equal(t, types.TaskBlocking, root.State)

	childTaskID := "child:" + jobID
	child := types.NewTask(childTaskID, jobID, "chain-child", nil, []types.RefID{upstreamRef})
	require.NoError(t, m.tasks.AddTask(child, false))

	registerFakeWorker(t, m, func(assign types.AssignTask) {
		workerID := workerIDFor(t, m, assign.TaskID)
		r0 := assign.ExpectedOutputs[0]
		go commitAssignment(t, m, workerID, assign, map[types.RefID]string{r0: "native"})
	})

	desc := waitJob(t, m, jobID)
	assert.Equal(t, types.JobCompleted, desc.State)
}

// Scenario 3: the worker reports WORKER_FAILED twice; each time the task
// is re-queued and, once the only registered worker is idle again,
// reassigned to it, and the third attempt succeeds.
func TestWorkerFailureRetriesThenSucceeds(t *testing.T) {
	m := newTestMaster(t)

	jobID, rootTaskID := submitJob(t, m, "flaky", nil)

	var attempts int
	registerFakeWorker(t, m, func(assign types.AssignTask) {
		assert.Equal(t, rootTaskID, assign.TaskID)
		workerID := workerIDFor(t, m, assign.TaskID)
		attempts++
		if attempts <= 2 {
			go failAssignment(t, m, workerID, assign, types.ReasonWorkerFailed, "simulated crash")
			return
		}
		r0 := assign.ExpectedOutputs[0]
		go commitAssignment(t, m, workerID, assign, map[types.RefID]string{r0: "native"})
	})

	desc := waitJob(t, m, jobID)
	assert.Equal(t, types.JobCompleted, desc.State)
	assert.Equal(t, 3, attempts)
}

// Scenario 4: a worker reports MISSING_INPUT; the task (which here has no
// inputs, so nothing is blacklisted) is re-reduced back to RUNNABLE and
// runs again rather than failing the job outright.
func TestMissingInputTriggersReReduction(t *testing.T) {
	m := newTestMaster(t)

	jobID, rootTaskID := submitJob(t, m, "reads-remote", nil)

	var reported bool
	registerFakeWorker(t, m, func(assign types.AssignTask) {
		workerID := workerIDFor(t, m, assign.TaskID)
		if !reported {
			reported = true
			go failAssignment(t, m, workerID, assign, types.ReasonMissingInput, "stale location hint")
			return
		}
		r0 := assign.ExpectedOutputs[0]
		go commitAssignment(t, m, workerID, assign, map[types.RefID]string{r0: "native"})
	})

	desc := waitJob(t, m, jobID)
	assert.Equal(t, types.JobCompleted, desc.State)
	_ = rootTaskID
}

// Scenario 5: a RUNTIME_EXCEPTION is terminal; the failure propagates to
// the job's result reference without retry.
func TestRuntimeExceptionFailsJobImmediately(t *testing.T) {
	m := newTestMaster(t)

	jobID, rootTaskID := submitJob(t, m, "buggy", nil)

	registerFakeWorker(t, m, func(assign types.AssignTask) {
		assert.Equal(t, rootTaskID, assign.TaskID)
		workerID := workerIDFor(t, m, assign.TaskID)
		go failAssignment(t, m, workerID, assign, types.ReasonRuntimeException, "panic: divide by zero")
	})

	desc := waitJob(t, m, jobID)
	assert.Equal(t, types.JobFailed, desc.State)
	require.NotNil(t, desc.ResultRef)
	assert.Equal(t, types.RefError, desc.ResultRef.Kind)
}

// Scenario 6: Stop wakes every blocked waiter with an error rather than
// hanging, and is safe to call once.
func TestStopWakesLongPollers(t *testing.T) {
	cfg := config.Default()
	cfg.Journal.Dir = filepath.Join(t.TempDir(), "jobs")
	cfg.Metrics.Enabled = false
	cfg.HTTP.ListenAddr = "127.0.0.1:0"
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	m := New(cfg)
	require.NoError(t, m.Start())

	jobID, _ := submitJob(t, m, "never-assigned", nil)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doJSON(t, m, http.MethodGet, "/jobs/"+jobID+"/wait?timeout_ms=5000", nil)
	}()

	time.Sleep(50 * time.Millisecond)
	m.Stop()

	select {
	case rec := <-done:
		// Stop closes the listener; in-process Handler calls still resolve
		// once jobpool.Stop wakes the waiter, which reports ErrStopping.
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not unblock after Stop")
	}
}
