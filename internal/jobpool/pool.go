// Package jobpool is the per-process job registry: it submits a job's
// root task into the task pool, maintains each job's task-state counters
// and journal, and exposes a bounded long-poll for completion. Grounded in
// the teacher's jobmanager.JobManager for the state-count bookkeeping
// idiom (Stats()/task_state_counts), generalized from four fixed buckets
// to a map over the full task state enum.
package jobpool

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/dataflow-master/internal/eventbus"
	"github.com/ChuLiYu/dataflow-master/internal/journal"
	"github.com/ChuLiYu/dataflow-master/internal/namedir"
	"github.com/ChuLiYu/dataflow-master/internal/taskpool"
	"github.com/ChuLiYu/dataflow-master/pkg/types"
)

var log = slog.Default()

// MaxConcurrentWaiters bounds the number of goroutines blocked in
// WaitForJob on any one job at once.
const MaxConcurrentWaiters = 10

var (
	// ErrJobNotFound names a job id with no registration.
	ErrJobNotFound = errors.New("jobpool: job not found")
	// ErrTooManyWaiters is returned by WaitForJob when MaxConcurrentWaiters
	// are already blocked on the same job.
	ErrTooManyWaiters = errors.New("jobpool: too many concurrent waiters")
	// ErrStopping is returned by WaitForJob once Stop has been called.
	ErrStopping = errors.New("jobpool: server stopping")
)

type jobEntry struct {
	job            *types.Job
	journal        *journal.Journal
	cond           *sync.Cond
	currentWaiters int
}

// Pool is the job registry.
type Pool struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*jobEntry
	baseDir  string
	stopping bool

	tasks   *taskpool.Pool
	namedir *namedir.Directory
	bus     *eventbus.Bus
}

// New builds a Pool rooted at baseDir (one subdirectory per job). The task
// pool is supplied afterward via SetTaskPool, since the task pool itself
// must be constructed with this Pool's Hooks() — breaking the
// construction cycle the same way the teacher's controller wires
// JobManager and Pool independently before connecting them.
func New(baseDir string, nd *namedir.Directory, bus *eventbus.Bus) *Pool {
	p := &Pool{
		jobs:    make(map[uuid.UUID]*jobEntry),
		baseDir: baseDir,
		namedir: nd,
		bus:     bus,
	}

	// Registered with priority so the job pool wakes its long-poll waiters
	// (handing them ErrStopping while the HTTP transport is still serving
	// requests) before anything that tears down that transport reacts to
	// the same stop event.
	bus.SubscribePriority(eventbus.TopicStop, func(any) { p.Stop() })

	return p
}

// Hooks returns the taskpool.Hooks this pool implements, for wiring into
// taskpool.New.
func (p *Pool) Hooks() taskpool.Hooks {
	return taskpool.Hooks{
		OnTaskAdmitted: p.onTaskAdmitted,
		OnStateChange:  p.onStateChange,
		OnJobRootRef:   p.onJobRootRef,
	}
}

// SetTaskPool binds the task pool this job pool submits roots into. Must
// be called once, before SubmitJob.
func (p *Pool) SetTaskPool(tasks *taskpool.Pool) {
	p.tasks = tasks
}

// SubmitJob allocates a job id, a root output reference, and a root task
// built from handler and deps, journals the root record, and admits it
// into the task pool.
func (p *Pool) SubmitJob(handler string, deps map[string]types.Reference) (uuid.UUID, error) {
	id := uuid.New()

	// A second id is allocated here and discarded, reproducing the
	// original job pool's double allocate_job_id() call. The task-id
	// prefix and Job.ID both use the first id; the surplus is only logged.
	surplus := uuid.New()
	log.Warn("duplicate job id allocated, ignoring surplus", "job_id", id, "surplus_id", surplus)

	rootTaskID := "root:" + id.String()
	jobDir := filepath.Join(p.baseDir, id.String())

	rootRef := p.namedir.Allocate(&rootTaskID)
	root := types.NewTask(rootTaskID, id.String(), handler, deps, []types.RefID{rootRef})

	jr, err := journal.Open(filepath.Join(jobDir, "task.journal"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("jobpool: open journal: %w", err)
	}
	if err := jr.AppendRoot(root); err != nil {
		jr.Close()
		return uuid.Nil, fmt.Errorf("jobpool: journal root: %w", err)
	}

	job := types.NewJob(id, rootTaskID, jobDir)
	job.TaskStateCounts[types.TaskCreated]++

	entry := &jobEntry{job: job, journal: jr}
	p.mu.Lock()
	entry.cond = sync.NewCond(&p.mu)
	p.jobs[id] = entry
	p.mu.Unlock()

	if err := p.tasks.AddTask(root, true); err != nil {
		return uuid.Nil, fmt.Errorf("jobpool: admit root task: %w", err)
	}

	log.Info("job submitted", "job_id", id, "root_task_id", rootTaskID)
	return id, nil
}

// GetJob returns a client-facing snapshot of a job's state.
func (p *Pool) GetJob(id uuid.UUID) (types.Descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.jobs[id]
	if !ok {
		return types.Descriptor{}, ErrJobNotFound
	}
	return e.job.AsDescriptor(), nil
}

// WaitForJob blocks until the job named by id leaves ACTIVE, timeout
// elapses, or the pool is stopping.
func (p *Pool) WaitForJob(id uuid.UUID, timeout time.Duration) (types.Descriptor, error) {
	p.mu.Lock()
	e, ok := p.jobs[id]
	if !ok {
		p.mu.Unlock()
		return types.Descriptor{}, ErrJobNotFound
	}

	if e.currentWaiters >= MaxConcurrentWaiters {
		p.mu.Unlock()
		return types.Descriptor{}, ErrTooManyWaiters
	}
	e.currentWaiters++
	defer func() {
		p.mu.Lock()
		e.currentWaiters--
		p.mu.Unlock()
	}()

	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		p.mu.Lock()
		e.cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()

	for e.job.State == types.JobActive && !p.stopping {
		if time.Now().After(deadline) {
			break
		}
		e.cond.Wait()
	}

	desc := e.job.AsDescriptor()
	stopping := p.stopping
	p.mu.Unlock()

	if stopping && desc.State == types.JobActive {
		return desc, ErrStopping
	}
	return desc, nil
}

// Stop wakes every WaitForJob waiter with ErrStopping and closes every
// job's journal.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopping = true
	for _, e := range p.jobs {
		e.cond.Broadcast()
	}
	entries := make([]*jobEntry, 0, len(p.jobs))
	for _, e := range p.jobs {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		if err := e.journal.Close(); err != nil {
			log.Error("journal close failed", "error", err)
		}
	}
}

func (p *Pool) jobIDFromTaskJobID(jobID string) (uuid.UUID, error) {
	return uuid.Parse(jobID)
}

func (p *Pool) onTaskAdmitted(jobID string, task *types.Task) {
	id, err := p.jobIDFromTaskJobID(jobID)
	if err != nil {
		log.Error("onTaskAdmitted: bad job id", "job_id", jobID, "error", err)
		return
	}

	p.mu.Lock()
	e, ok := p.jobs[id]
	if ok {
		e.job.TaskStateCounts[types.TaskCreated]++
		e.job.UpdatedAt = time.Now()
	}
	p.mu.Unlock()

	if !ok {
		log.Warn("onTaskAdmitted: unknown job", "job_id", jobID)
		return
	}
	if err := e.journal.AppendChild(task); err != nil {
		log.Error("journal append child failed", "task_id", task.ID, "error", err)
	}
}

func (p *Pool) onStateChange(jobID, taskID string, old, new types.TaskState) {
	id, err := p.jobIDFromTaskJobID(jobID)
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.jobs[id]
	if !ok {
		return
	}
	e.job.TaskStateCounts[old]--
	e.job.TaskStateCounts[new]++
	e.job.UpdatedAt = time.Now()
}

func (p *Pool) onJobRootRef(jobID string, ref types.Reference) {
	id, err := p.jobIDFromTaskJobID(jobID)
	if err != nil {
		log.Error("onJobRootRef: bad job id", "job_id", jobID, "error", err)
		return
	}

	p.mu.Lock()
	e, ok := p.jobs[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	refCopy := ref
	e.job.ResultRef = &refCopy
	if ref.Kind == types.RefError {
		e.job.State = types.JobFailed
	} else {
		e.job.State = types.JobCompleted
	}
	e.job.UpdatedAt = time.Now()
	e.cond.Broadcast()
	p.mu.Unlock()

	log.Info("job finished", "job_id", id, "state", e.job.State)
}
