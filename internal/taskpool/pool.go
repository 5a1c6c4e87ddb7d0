// Package taskpool implements the lazy task pool: the core state machine
// that owns tasks, the producer/consumer subscription maps, the runnable
// queue, and the graph-reduction algorithm that activates only the
// subgraph needed to produce demanded outputs.
package taskpool

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/dataflow-master/internal/eventbus"
	"github.com/ChuLiYu/dataflow-master/pkg/types"
)

// ErrDuplicateTask is returned by AddTask when task_id is already known.
var ErrDuplicateTask = errors.New("taskpool: task id already admitted")

// ErrTaskNotFound is returned when a task id is not known to the pool.
var ErrTaskNotFound = errors.New("taskpool: task not found")

// Hooks let the pool notify its owner (the job pool) about events that
// must not be handled while the pool's own lock is held: journal writes,
// task-state counter maintenance, and job completion/failure. Every hook
// is invoked after the pool's lock has been released.
type Hooks struct {
	// OnTaskAdmitted fires once for every non-root task added, so the
	// owner can append a journal record and bump its state counters.
	OnTaskAdmitted func(jobID string, task *types.Task)

	// OnStateChange fires on every task state transition so the owner can
	// maintain its per-job task_state_counts.
	OnStateChange func(jobID, taskID string, old, new types.TaskState)

	// OnJobRootRef fires when a job's root output becomes Concrete/Data
	// (job completes) or Error (job fails).
	OnJobRootRef func(jobID string, ref types.Reference)
}

type consumerKind int

const (
	consumerTask consumerKind = iota
	consumerJob
)

// consumer names one subscriber of a reference id: either a task waiting
// on it as a named dependency, or a job waiting on it as its root output.
type consumer struct {
	kind    consumerKind
	taskID  string
	localID string // dependency name on taskID, meaningful when kind==consumerTask
	jobID   string // meaningful when kind==consumerJob
}

// Pool is the lazy task pool. All mutation is serialized under mu;
// operations that must call back into the owner (journal writes, job
// notifications, schedule events) are deferred until after mu is
// released, via the effects accumulator.
type Pool struct {
	mu sync.Mutex

	tasks              map[string]*types.Task
	taskForOutput      map[types.RefID]string
	consumersForOutput map[types.RefID][]consumer
	refForOutput       map[types.RefID]types.Reference
	jobOutputs         map[types.RefID]string
	taskQueue          []string

	bus   *eventbus.Bus
	hooks Hooks
}

// New builds an empty Pool.
func New(bus *eventbus.Bus, hooks Hooks) *Pool {
	return &Pool{
		tasks:              make(map[string]*types.Task),
		taskForOutput:       make(map[types.RefID]string),
		consumersForOutput:  make(map[types.RefID][]consumer),
		refForOutput:        make(map[types.RefID]types.Reference),
		jobOutputs:          make(map[types.RefID]string),
		bus:                 bus,
		hooks:               hooks,
	}
}

// AddTask admits a new task. Precondition: task.ID is not already known.
// If isRoot, each of the task's expected outputs is subscribed to its
// job's completion; otherwise the owner is notified so it can journal the
// admission and bump its task-state counters.
func (p *Pool) AddTask(task *types.Task, isRoot bool) error {
	p.mu.Lock()

	if _, exists := p.tasks[task.ID]; exists {
		p.mu.Unlock()
		return ErrDuplicateTask
	}

	e := newEffects()
	p.tasks[task.ID] = task

	anyExistingConsumers := false
	for _, outID := range task.ExpectedOutputs {
		p.taskForOutput[outID] = task.ID
		if len(p.consumersForOutput[outID]) > 0 {
			anyExistingConsumers = true
		}
	}

	if isRoot {
		for _, outID := range task.ExpectedOutputs {
			p.jobOutputs[outID] = task.JobID
			p.consumersForOutput[outID] = append(p.consumersForOutput[outID], consumer{
				kind:  consumerJob,
				jobID: task.JobID,
			})
		}
	} else {
		e.admissions = append(e.admissions, admitNotify{jobID: task.JobID, task: task})
	}

	switch {
	case anyExistingConsumers:
		p.reduce(e, nil, []string{task.ID}, nil)
	case isRoot:
		demanded := make(map[types.RefID]struct{}, len(task.ExpectedOutputs))
		for _, id := range task.ExpectedOutputs {
			demanded[id] = struct{}{}
		}
		p.reduce(e, demanded, nil, nil)
	}

	p.mu.Unlock()
	p.apply(e)
	return nil
}

// TaskCompleted marks a task COMMITTED, releases its worker, and publishes
// every binding. bindings maps a reference id to the list of concrete
// references the worker reported for it (more than one when the producing
// task exposes several network locations); they are combined into a
// single reference before publication.
func (p *Pool) TaskCompleted(taskID string, bindings map[types.RefID][]types.Reference) (*int, error) {
	p.mu.Lock()

	t, ok := p.tasks[taskID]
	if !ok {
		p.mu.Unlock()
		return nil, ErrTaskNotFound
	}

	e := newEffects()
	old := t.State
	t.State = types.TaskCommitted
	p.recordStateChange(e, t, old, types.TaskCommitted)

	releasedWorker := t.WorkerID
	t.WorkerID = nil

	for id, refs := range bindings {
		if len(refs) == 0 {
			continue
		}
		merged := refs[0]
		for _, r := range refs[1:] {
			merged = merged.Combine(r)
		}
		p.publishRef(e, id, merged)
	}

	p.mu.Unlock()
	p.apply(e)
	return releasedWorker, nil
}

// TaskFailed reports a non-commit outcome for taskID. missingRef is only
// meaningful when reason is MISSING_INPUT; its location hints (if any)
// name the endpoints to blacklist during the follow-up reduction.
func (p *Pool) TaskFailed(taskID string, reason types.FailureReason, detail string, missingRef *types.Reference) (*int, error) {
	p.mu.Lock()

	t, ok := p.tasks[taskID]
	if !ok {
		p.mu.Unlock()
		return nil, ErrTaskNotFound
	}

	e := newEffects()
	releasedWorker := t.WorkerID
	t.WorkerID = nil
	old := t.State

	switch reason {
	case types.ReasonWorkerFailed:
		t.CurrentAttempt++
		if t.CurrentAttempt > types.MaxWorkerFailedAttempts {
			t.State = types.TaskFailed
			t.FailReason = reason
			t.FailDetail = detail
			p.recordStateChange(e, t, old, types.TaskFailed)
			for _, outID := range t.ExpectedOutputs {
				e.pendingErrors = append(e.pendingErrors, pendingError{id: outID, reason: reason, detail: detail})
			}
		} else {
			t.State = types.TaskFailed
			p.recordStateChange(e, t, old, types.TaskFailed)
			p.reduce(e, nil, []string{taskID}, nil)
		}

	case types.ReasonMissingInput:
		t.State = types.TaskFailed
		t.FailReason = reason
		t.FailDetail = detail
		p.recordStateChange(e, t, old, types.TaskFailed)

		ignore := map[string]struct{}{}
		if missingRef != nil {
			for netloc := range missingRef.LocationHints {
				ignore[netloc] = struct{}{}
			}
		}
		p.reduce(e, nil, []string{taskID}, ignore)

	case types.ReasonRuntimeException:
		t.State = types.TaskFailed
		t.FailReason = reason
		t.FailDetail = detail
		p.recordStateChange(e, t, old, types.TaskFailed)
		for _, outID := range t.ExpectedOutputs {
			e.pendingErrors = append(e.pendingErrors, pendingError{id: outID, reason: reason, detail: detail})
		}
	}

	p.mu.Unlock()
	p.apply(e)
	return releasedWorker, nil
}

// Task returns the pool's own pointer to the task, not a copy; its fields
// keep changing as the pool works on it. Callers must not mutate fields
// directly; this exists for read-only inspection (e.g.
// the HTTP status endpoint).
func (p *Pool) Task(taskID string) (*types.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[taskID]
	return t, ok
}

// PopRunnable removes and returns the next RUNNABLE task id from the FIFO,
// transitioning it to QUEUED. Returns ok=false if the queue is empty.
func (p *Pool) PopRunnable() (string, bool) {
	p.mu.Lock()
	if len(p.taskQueue) == 0 {
		p.mu.Unlock()
		return "", false
	}
	id := p.taskQueue[0]
	p.taskQueue = p.taskQueue[1:]

	e := newEffects()
	if t, ok := p.tasks[id]; ok && t.State == types.TaskRunnable {
		old := t.State
		t.State = types.TaskQueued
		p.recordStateChange(e, t, old, types.TaskQueued)
	}
	p.mu.Unlock()
	p.apply(e)
	return id, true
}

// Requeue puts a task id back at the end of the runnable FIFO (used by the
// dispatcher when no matching idle worker was available this round) and
// restores it to RUNNABLE. Appending to the end rather than the front
// matters: a task whose required feature no idle worker currently offers
// must not permanently occupy the head of the queue and starve every
// runnable task behind it that could otherwise be matched right away.
func (p *Pool) Requeue(taskID string) {
	p.mu.Lock()
	e := newEffects()
	if t, ok := p.tasks[taskID]; ok && t.State == types.TaskQueued {
		old := t.State
		t.State = types.TaskRunnable
		p.recordStateChange(e, t, old, types.TaskRunnable)
	}
	p.taskQueue = append(p.taskQueue, taskID)
	p.mu.Unlock()
	p.apply(e)
}

// Assign marks a QUEUED task ASSIGNED to workerID. Called by the
// dispatcher after it has atomically reserved both the task and the
// worker.
func (p *Pool) Assign(taskID string, workerID int) error {
	p.mu.Lock()
	t, ok := p.tasks[taskID]
	if !ok {
		p.mu.Unlock()
		return ErrTaskNotFound
	}
	e := newEffects()
	old := t.State
	t.State = types.TaskAssigned
	wid := workerID
	t.WorkerID = &wid
	p.recordStateChange(e, t, old, types.TaskAssigned)
	p.mu.Unlock()
	p.apply(e)
	return nil
}
