package workerpool

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dataflow-master/internal/eventbus"
	"github.com/ChuLiYu/dataflow-master/internal/workerrpc"
	"github.com/ChuLiYu/dataflow-master/pkg/types"
)

func netlocOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func newTestPool(srv *httptest.Server) *Pool {
	bus := eventbus.New()
	rpc := workerrpc.New(time.Second)
	return New(bus, rpc, Hooks{})
}

func TestCreateWorkerAssignsIncrementingIDs(t *testing.T) {
	p := newTestPool(nil)
	w1, err := p.CreateWorker(types.WorkerDescriptor{Netloc: "a:1"})
	require.NoError(t, err)
	w2, err := p.CreateWorker(types.WorkerDescriptor{Netloc: "a:2"})
	require.NoError(t, err)
	assert.Less(t, w1.ID, w2.ID)
}

func TestCreateWorkerRejectsDuplicateNetloc(t *testing.T) {
	p := newTestPool(nil)
	_, err := p.CreateWorker(types.WorkerDescriptor{Netloc: "a:1"})
	require.NoError(t, err)
	_, err = p.CreateWorker(types.WorkerDescriptor{Netloc: "a:1"})
	assert.ErrorIs(t, err, ErrNetlocInUse)
}

func TestPopIdleWorkerRequiresAllFeatures(t *testing.T) {
	p := newTestPool(nil)
	_, err := p.CreateWorker(types.WorkerDescriptor{Netloc: "a:1", Features: []string{"gpu"}})
	require.NoError(t, err)
	w2, err := p.CreateWorker(types.WorkerDescriptor{Netloc: "a:2", Features: []string{"gpu", "avx"}})
	require.NoError(t, err)

	id, ok := p.PopIdleWorker([]string{"gpu", "avx"})
	require.True(t, ok)
	assert.Equal(t, w2.ID, id)

	_, ok = p.PopIdleWorker([]string{"gpu", "avx"})
	assert.False(t, ok)
}

func TestPopIdleWorkerNoRequirementsTakesAny(t *testing.T) {
	p := newTestPool(nil)
	_, err := p.CreateWorker(types.WorkerDescriptor{Netloc: "a:1"})
	require.NoError(t, err)

	id, ok := p.PopIdleWorker(nil)
	require.True(t, ok)
	assert.NotZero(t, id)

	_, ok = p.PopIdleWorker(nil)
	assert.False(t, ok)
}

func TestWorkerIdleReturnsWorkerToIdleSet(t *testing.T) {
	p := newTestPool(nil)
	w, err := p.CreateWorker(types.WorkerDescriptor{Netloc: "a:1"})
	require.NoError(t, err)

	id, ok := p.PopIdleWorker(nil)
	require.True(t, ok)
	require.Equal(t, w.ID, id)

	require.NoError(t, p.WorkerIdle(w.ID))
	_, ok = p.PopIdleWorker(nil)
	assert.True(t, ok)
}

func TestWorkerFailedReportsCurrentTask(t *testing.T) {
	var reported string
	p := New(eventbus.New(), workerrpc.New(time.Second), Hooks{
		OnWorkerTaskFailed: func(taskID string) { reported = taskID },
	})
	w, err := p.CreateWorker(types.WorkerDescriptor{Netloc: "127.0.0.1:1"})
	require.NoError(t, err)

	_, ok := p.PopIdleWorker(nil)
	require.True(t, ok)

	p.mu.Lock()
	wr := p.workers[w.ID]
	taskID := "T1"
	wr.CurrentTaskID = &taskID
	p.mu.Unlock()

	require.NoError(t, p.WorkerFailed(w.ID))
	assert.Equal(t, "T1", reported)

	wAfter, ok := p.Worker(w.ID)
	require.True(t, ok)
	assert.True(t, wAfter.Failed)
}

func TestWorkerFailedUnknownID(t *testing.T) {
	p := newTestPool(nil)
	err := p.WorkerFailed(999)
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

func TestAwaitVersionAfterUnblocksOnChange(t *testing.T) {
	p := newTestPool(nil)

	done := make(chan uint64, 1)
	go func() {
		v, err := p.AwaitVersionAfter(0, time.Second)
		require.NoError(t, err)
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := p.CreateWorker(types.WorkerDescriptor{Netloc: "a:1"})
	require.NoError(t, err)

	select {
	case v := <-done:
		assert.Equal(t, uint64(1), v)
	case <-time.After(time.Second):
		t.Fatal("AwaitVersionAfter did not unblock")
	}
}

func TestAwaitVersionAfterTimesOut(t *testing.T) {
	p := newTestPool(nil)
	v, err := p.AwaitVersionAfter(0, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
}

func TestAwaitVersionAfterTooManyWaiters(t *testing.T) {
	p := newTestPool(nil)

	release := make(chan struct{})
	for i := 0; i < MaxConcurrentWaiters; i++ {
		go func() {
			p.AwaitVersionAfter(0, time.Second)
		}()
	}
	defer close(release)
	time.Sleep(20 * time.Millisecond)

	_, err := p.AwaitVersionAfter(0, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTooManyWaiters)
}

func TestStopWakesWaitersWithError(t *testing.T) {
	p := newTestPool(nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.AwaitVersionAfter(0, time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	p.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopping)
	case <-time.After(time.Second):
		t.Fatal("AwaitVersionAfter did not unblock after Stop")
	}
}

func TestExecuteTaskOnWorkerTransportFailureMarksFailed(t *testing.T) {
	p := newTestPool(nil)
	w, err := p.CreateWorker(types.WorkerDescriptor{Netloc: "127.0.0.1:1"})
	require.NoError(t, err)

	err = p.ExecuteTaskOnWorker(w.ID, types.AssignTask{TaskID: "T1"})
	assert.Error(t, err)

	wAfter, ok := p.Worker(w.ID)
	require.True(t, ok)
	assert.True(t, wAfter.Failed)
}

func TestExecuteTaskOnWorkerSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestPool(srv)
	w, err := p.CreateWorker(types.WorkerDescriptor{Netloc: netlocOf(srv)})
	require.NoError(t, err)

	require.NoError(t, p.ExecuteTaskOnWorker(w.ID, types.AssignTask{TaskID: "T1"}))

	wAfter, ok := p.Worker(w.ID)
	require.True(t, ok)
	require.NotNil(t, wAfter.CurrentTaskID)
	assert.Equal(t, "T1", *wAfter.CurrentTaskID)
}

func TestReapDeadWorkersProbesStaleWorkers(t *testing.T) {
	p := newTestPool(nil)
	w, err := p.CreateWorker(types.WorkerDescriptor{Netloc: "127.0.0.1:1"})
	require.NoError(t, err)

	p.mu.Lock()
	p.workers[w.ID].LastPing = time.Now().Add(-time.Hour)
	p.mu.Unlock()

	p.ReapDeadWorkers()

	wAfter, ok := p.Worker(w.ID)
	require.True(t, ok)
	assert.True(t, wAfter.Failed)
}
