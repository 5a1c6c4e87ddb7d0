// Package dispatcher matches runnable tasks to idle workers. It is
// event-driven rather than the teacher's polling dispatchLoop: it wakes on
// the event bus's schedule and worker_idle topics instead of a ticker, but
// keeps the teacher's batch-pop-then-drain shape and its stop-channel
// shutdown idiom.
package dispatcher

import (
	"log/slog"
	"sync"

	"github.com/ChuLiYu/dataflow-master/internal/eventbus"
	"github.com/ChuLiYu/dataflow-master/internal/taskpool"
	"github.com/ChuLiYu/dataflow-master/internal/workerpool"
	"github.com/ChuLiYu/dataflow-master/pkg/types"
)

var log = slog.Default()

// batchSize bounds how many tasks a single wake drains before yielding,
// mirroring the teacher's dispatchLoop batch constant.
const batchSize = 10

// Dispatcher runs a single goroutine that pops runnable tasks and idle
// workers and assigns them to each other.
type Dispatcher struct {
	tasks   *taskpool.Pool
	workers *workerpool.Pool
	bus     *eventbus.Bus

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Dispatcher subscribed to schedule and worker_idle.
func New(tasks *taskpool.Pool, workers *workerpool.Pool, bus *eventbus.Bus) *Dispatcher {
	d := &Dispatcher{
		tasks:   tasks,
		workers: workers,
		bus:     bus,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	bus.Subscribe(eventbus.TopicSchedule, func(any) { d.signal() })
	bus.Subscribe(eventbus.TopicWorkerIdle, func(any) { d.signal() })
	return d
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start runs the dispatch loop in a background goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Stop signals the loop to exit and waits for it to do so.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			log.Info("dispatcher stopped")
			return
		case <-d.wake:
			d.drain()
		}
	}
}

// drain pops up to batchSize runnable tasks, reserves a feature-matching
// idle worker for each, and assigns the two together. A task that finds no
// matching worker this round is requeued at the end of the FIFO and the
// loop continues, so it never blocks later batch entries that an
// already-idle worker could match right away. A pass that assigns nothing
// does not schedule another; the loop waits for the next wake-up event.
func (d *Dispatcher) drain() {
	assigned := false
	for i := 0; i < batchSize; i++ {
		taskID, ok := d.tasks.PopRunnable()
		if !ok {
			return
		}

		task, ok := d.tasks.Task(taskID)
		if !ok {
			continue
		}

		workerID, ok := d.workers.PopIdleWorker(task.RequireFeatures)
		if !ok {
			d.tasks.Requeue(taskID)
			continue
		}

		if err := d.tasks.Assign(taskID, workerID); err != nil {
			log.Error("assign failed", "task_id", taskID, "error", err)
			d.workers.ReleaseIdleWorker(workerID)
			continue
		}
		assigned = true

		assignment := types.AssignTask{
			TaskID:           task.ID,
			Handler:          task.Handler,
			Inputs:           task.Inputs,
			ExpectedOutputs:  task.ExpectedOutputs,
			ParentTaskID:     task.ParentTaskID,
			ContinuesTask:    task.ContinuesTask,
			RequireFeatures:  task.RequireFeatures,
			SaveContinuation: task.SaveContinuation,
			SelectGroup:      task.SelectGroup,
			SelectTimeout:    task.SelectTimeout,
			ReplayUUIDs:      task.ReplayUUIDs,
		}

		if err := d.workers.ExecuteTaskOnWorker(workerID, assignment); err != nil {
			log.Warn("execute on worker failed, will retry via worker_failed", "task_id", taskID, "worker_id", workerID, "error", err)
		}
	}
	// Batch limit hit: more work may remain, so schedule another pass if
	// this one made progress.
	if assigned {
		d.signal()
	}
}
