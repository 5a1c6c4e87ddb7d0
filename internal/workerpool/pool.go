// Package workerpool tracks worker registrations, liveness, the idle set,
// and feature-indexed idle lookup for dispatch. It issues outbound task
// assignment, abort, health, and kill RPCs via internal/workerrpc.
package workerpool

import (
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/dataflow-master/internal/eventbus"
	"github.com/ChuLiYu/dataflow-master/internal/workerrpc"
	"github.com/ChuLiYu/dataflow-master/pkg/types"
)

// MaxConcurrentWaiters bounds the number of goroutines blocked in
// AwaitVersionAfter at once, matching the original master's
// `max_concurrent_waiters`.
const MaxConcurrentWaiters = 5

// HeartbeatTimeout is how long a worker may go without a ping before it is
// considered for a liveness probe.
const HeartbeatTimeout = 30 * time.Second

// ReapInterval is the period of the dead-worker sweep.
const ReapInterval = 30 * time.Second

var (
	// ErrTooManyWaiters is returned by AwaitVersionAfter when
	// MaxConcurrentWaiters is already blocked.
	ErrTooManyWaiters = errors.New("workerpool: too many concurrent waiters")
	// ErrStopping is returned by AwaitVersionAfter once Stop has been
	// called.
	ErrStopping = errors.New("workerpool: server stopping")
	// ErrUnknownWorker names a worker id with no registration.
	ErrUnknownWorker = errors.New("workerpool: unknown worker id")
	// ErrNetlocInUse is returned by CreateWorker for a duplicate netloc.
	ErrNetlocInUse = errors.New("workerpool: netloc already registered")
)

// Hooks lets the pool notify its owner about events that must happen
// outside the pool's own lock.
type Hooks struct {
	// OnWorkerTaskFailed fires when a worker that was running a task is
	// declared failed, so the owner can report WORKER_FAILED to the task
	// pool.
	OnWorkerTaskFailed func(taskID string)
}

// Pool is the worker registry.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	nextID      int
	workers     map[int]*types.Worker
	netlocs     map[string]int
	idle        map[int]struct{}
	featureIdle map[string]map[int]struct{}

	eventCount     uint64
	currentWaiters int
	stopping       bool

	bus   *eventbus.Bus
	rpc   *workerrpc.Client
	hooks Hooks
}

// New builds an empty Pool.
func New(bus *eventbus.Bus, rpc *workerrpc.Client, hooks Hooks) *Pool {
	p := &Pool{
		workers:     make(map[int]*types.Worker),
		netlocs:     make(map[string]int),
		idle:        make(map[int]struct{}),
		featureIdle: make(map[string]map[int]struct{}),
		bus:         bus,
		rpc:         rpc,
		hooks:       hooks,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pool) bumpVersion() {
	p.eventCount++
	p.cond.Broadcast()
}

// CreateWorker registers a new worker, assigns it the next id, and puts it
// in the idle set.
func (p *Pool) CreateWorker(desc types.WorkerDescriptor) (*types.Worker, error) {
	p.mu.Lock()

	if _, exists := p.netlocs[desc.Netloc]; exists {
		p.mu.Unlock()
		return nil, ErrNetlocInUse
	}

	p.nextID++
	id := p.nextID

	features := make(map[string]struct{}, len(desc.Features))
	for _, f := range desc.Features {
		features[f] = struct{}{}
	}

	w := &types.Worker{
		ID:       id,
		Netloc:   desc.Netloc,
		Features: features,
		LastPing: time.Now(),
	}
	p.workers[id] = w
	p.netlocs[desc.Netloc] = id
	p.markIdleLocked(w)
	p.bumpVersion()

	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(eventbus.TopicSchedule, nil)
	}
	return w, nil
}

// markIdleLocked must be called with mu held.
func (p *Pool) markIdleLocked(w *types.Worker) {
	p.idle[w.ID] = struct{}{}
	if len(w.Features) == 0 {
		return
	}
	for f := range w.Features {
		if p.featureIdle[f] == nil {
			p.featureIdle[f] = make(map[int]struct{})
		}
		p.featureIdle[f][w.ID] = struct{}{}
	}
}

// clearIdleLocked must be called with mu held.
func (p *Pool) clearIdleLocked(w *types.Worker) {
	delete(p.idle, w.ID)
	for f := range w.Features {
		delete(p.featureIdle[f], w.ID)
	}
}

// WorkerIdle returns a worker to the idle set, e.g. after a commit.
func (p *Pool) WorkerIdle(id int) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownWorker
	}
	w.CurrentTaskID = nil
	p.markIdleLocked(w)
	p.bumpVersion()
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(eventbus.TopicSchedule, nil)
	}
	return nil
}

// WorkerFailed marks a worker failed (monotonic), removes it from the idle
// and netloc indexes, and reports whatever task it was running.
func (p *Pool) WorkerFailed(id int) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownWorker
	}
	p.clearIdleLocked(w)
	delete(p.netlocs, w.Netloc)
	w.Failed = true
	taskID := w.CurrentTaskID
	w.CurrentTaskID = nil
	p.bumpVersion()
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(eventbus.TopicWorkerFailed, id)
	}
	if taskID != nil && p.hooks.OnWorkerTaskFailed != nil {
		p.hooks.OnWorkerTaskFailed(*taskID)
	}
	return nil
}

// WorkerPing records a liveness heartbeat.
func (p *Pool) WorkerPing(id int, news string) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownWorker
	}
	w.LastPing = time.Now()
	p.bumpVersion()
	p.mu.Unlock()
	return nil
}

// PopIdleWorker removes and returns an idle worker id supporting every
// feature in required, or ok=false if none is available. Used by the
// dispatcher to atomically reserve a worker before assigning a task.
func (p *Pool) PopIdleWorker(required []string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(required) == 0 {
		for id := range p.idle {
			w := p.workers[id]
			p.clearIdleLocked(w)
			return id, true
		}
		return 0, false
	}

	candidates := p.featureIdle[required[0]]
	for id := range candidates {
		w := p.workers[id]
		if w.SupportsAll(required) {
			p.clearIdleLocked(w)
			return id, true
		}
	}
	return 0, false
}

// ReleaseIdleWorker puts a worker id back into the idle set without
// bumping LastPing; used when a dispatch attempt is abandoned.
func (p *Pool) ReleaseIdleWorker(id int) {
	p.mu.Lock()
	if w, ok := p.workers[id]; ok {
		p.markIdleLocked(w)
	}
	p.mu.Unlock()
}

// ExecuteTaskOnWorker marks id ASSIGNED to taskID and issues the outbound
// assignment RPC. A transport error routes to WorkerFailed.
func (p *Pool) ExecuteTaskOnWorker(id int, task types.AssignTask) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownWorker
	}
	taskID := task.TaskID
	w.CurrentTaskID = &taskID
	netloc := w.Netloc
	p.mu.Unlock()

	if err := p.rpc.Assign(netloc, task); err != nil {
		_ = p.WorkerFailed(id)
		return err
	}
	return nil
}

// AbortTaskOnWorker POSTs an abort request; on success the worker returns
// to idle, otherwise it is marked failed.
func (p *Pool) AbortTaskOnWorker(id int, taskID string) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownWorker
	}
	netloc := w.Netloc
	p.mu.Unlock()

	if err := p.rpc.Abort(netloc, taskID); err != nil {
		_ = p.WorkerFailed(id)
		return err
	}
	return p.WorkerIdle(id)
}

// AwaitVersionAfter blocks until eventCount exceeds target, the pool is
// stopping, the waiter cap is exceeded, or timeout elapses.
func (p *Pool) AwaitVersionAfter(target uint64, timeout time.Duration) (uint64, error) {
	p.mu.Lock()

	if p.currentWaiters >= MaxConcurrentWaiters {
		p.mu.Unlock()
		return 0, ErrTooManyWaiters
	}
	p.currentWaiters++
	defer func() {
		p.mu.Lock()
		p.currentWaiters--
		p.mu.Unlock()
	}()

	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()

	for p.eventCount <= target && !p.stopping {
		if time.Now().After(deadline) {
			p.mu.Unlock()
			return p.eventCount, nil
		}
		p.cond.Wait()
	}

	current := p.eventCount
	stopping := p.stopping
	p.mu.Unlock()

	if stopping {
		return current, ErrStopping
	}
	return current, nil
}

// ReapDeadWorkers sweeps workers whose LastPing is older than
// HeartbeatTimeout and health-checks each; a failed probe marks the
// worker failed.
func (p *Pool) ReapDeadWorkers() {
	p.mu.Lock()
	var suspects []*types.Worker
	now := time.Now()
	for _, w := range p.workers {
		if w.Failed {
			continue
		}
		if now.Sub(w.LastPing) > HeartbeatTimeout {
			suspects = append(suspects, w)
		}
	}
	p.mu.Unlock()

	for _, w := range suspects {
		if err := p.rpc.Health(w.Netloc); err != nil {
			_ = p.WorkerFailed(w.ID)
		}
	}
}

// Stop wakes every AwaitVersionAfter waiter with ErrStopping and
// best-effort kills every still-registered worker.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopping = true
	var netlocs []string
	for _, w := range p.workers {
		if !w.Failed {
			netlocs = append(netlocs, w.Netloc)
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, netloc := range netlocs {
		_ = p.rpc.Kill(netloc)
	}
}

// Worker returns the worker registered under id, for read-only inspection.
func (p *Pool) Worker(id int) (*types.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	return w, ok
}
