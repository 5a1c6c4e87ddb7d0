// Package master wires every component into one running process: the name
// directory, task pool, job pool, worker pool, dispatcher, event bus, and
// HTTP transport. This is the teacher's controller.go role — Start/Stop
// lifecycle, background loops, graceful shutdown ordering — generalized
// from a single-process job queue to a distributed scheduler whose workers
// live behind HTTP.
package master

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/dataflow-master/internal/config"
	"github.com/ChuLiYu/dataflow-master/internal/dispatcher"
	"github.com/ChuLiYu/dataflow-master/internal/eventbus"
	"github.com/ChuLiYu/dataflow-master/internal/jobpool"
	"github.com/ChuLiYu/dataflow-master/internal/metrics"
	"github.com/ChuLiYu/dataflow-master/internal/namedir"
	"github.com/ChuLiYu/dataflow-master/internal/server"
	"github.com/ChuLiYu/dataflow-master/internal/taskpool"
	"github.com/ChuLiYu/dataflow-master/internal/workerpool"
	"github.com/ChuLiYu/dataflow-master/internal/workerrpc"
	"github.com/ChuLiYu/dataflow-master/pkg/types"
)

var log = slog.Default()

// Master owns every long-lived component and the background goroutines
// (dispatcher, reaper, HTTP listener, metrics server) built on top of
// them.
type Master struct {
	cfg *config.Config

	bus     *eventbus.Bus
	namedir *namedir.Directory
	jobs    *jobpool.Pool
	tasks   *taskpool.Pool
	workers *workerpool.Pool
	disp    *dispatcher.Dispatcher
	srv     *server.Server
	metrics *metrics.Collector

	httpServer *http.Server

	reapStop chan struct{}
	wg       sync.WaitGroup
}

// New wires every component together per cfg but does not start any
// background goroutine or listener; call Start for that.
func New(cfg *config.Config) *Master {
	bus := eventbus.New()
	nd := namedir.New(bus)
	jobs := jobpool.New(cfg.Journal.Dir, nd, bus)
	collector := metrics.NewCollector()

	tasks := taskpool.New(bus, withMetrics(jobs.Hooks(), collector))
	jobs.SetTaskPool(tasks)

	rpc := workerrpc.New(cfg.Worker.RPCTimeout)
	workers := workerpool.New(bus, rpc, workerpool.Hooks{
		OnWorkerTaskFailed: func(taskID string) {
			if _, err := tasks.TaskFailed(taskID, types.ReasonWorkerFailed, "worker failed", nil); err != nil {
				log.Error("requeue after worker failure failed", "task_id", taskID, "error", err)
			}
		},
	})
	bus.Subscribe(eventbus.TopicWorkerFailed, func(any) { collector.RecordWorkerFailed() })

	disp := dispatcher.New(tasks, workers, bus)
	srv := server.New(jobs, tasks, workers)

	return &Master{
		cfg:      cfg,
		bus:      bus,
		namedir:  nd,
		jobs:     jobs,
		tasks:    tasks,
		workers:  workers,
		disp:     disp,
		srv:      srv,
		metrics:  collector,
		reapStop: make(chan struct{}),
	}
}

// withMetrics wraps base (the job pool's taskpool.Hooks) so every
// admission and state transition also updates the Prometheus collector,
// without the job pool itself needing to know metrics exist.
// OnTaskAdmitted fires for non-root tasks only, so tasks_admitted_total
// does not count root tasks. The state-change hook carries no failure
// reason, so every FAILED transition is recorded under the single
// reason label "task_failed".
func withMetrics(base taskpool.Hooks, collector *metrics.Collector) taskpool.Hooks {
	var mu sync.Mutex
	counts := make(map[types.TaskState]int)
	states := make(map[string]types.TaskState)
	move := func(taskID string, new types.TaskState) {
		mu.Lock()
		defer mu.Unlock()
		if old, ok := states[taskID]; ok {
			counts[old]--
			collector.SetTaskStateCount(string(old), counts[old])
		}
		states[taskID] = new
		counts[new]++
		collector.SetTaskStateCount(string(new), counts[new])
	}
	return taskpool.Hooks{
		OnTaskAdmitted: func(jobID string, task *types.Task) {
			collector.RecordAdmitted()
			move(task.ID, types.TaskCreated)
			if base.OnTaskAdmitted != nil {
				base.OnTaskAdmitted(jobID, task)
			}
		},
		OnStateChange: func(jobID, taskID string, old, new types.TaskState) {
			move(taskID, new)
			switch new {
			case types.TaskCommitted:
				collector.RecordCommitted()
			case types.TaskFailed:
				collector.RecordFailed("task_failed")
			}
			if base.OnStateChange != nil {
				base.OnStateChange(jobID, taskID, old, new)
			}
		},
		OnJobRootRef: base.OnJobRootRef,
	}
}

// Start begins serving HTTP, runs the dispatcher, and starts the
// heartbeat-reaper loop. It returns once the listener is bound; request
// handling continues in background goroutines.
func (m *Master) Start() error {
	m.disp.Start()

	m.wg.Add(1)
	go m.reapLoop()

	if m.cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(m.cfg.Metrics.Port); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	m.httpServer = &http.Server{
		Addr:    m.cfg.HTTP.ListenAddr,
		Handler: m.srv.Handler(),
	}

	ln, err := net.Listen("tcp", m.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("master: listen %s: %w", m.httpServer.Addr, err)
	}

	go func() {
		if err := m.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped", "error", err)
		}
	}()

	log.Info("master started", "listen_addr", m.cfg.HTTP.ListenAddr)
	return nil
}

// reapLoop periodically probes stale workers, matching the teacher's
// timeoutLoop ticker-driven shutdown idiom.
func (m *Master) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Worker.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.reapStop:
			return
		case <-ticker.C:
			m.workers.ReapDeadWorkers()
		}
	}
}

// Stop publishes the stop event (waking the job pool's long-poll waiters
// via its priority subscription), then shuts down the HTTP listener,
// reaper, dispatcher, name directory, and worker pool, in that order —
// mirroring the teacher's Stop()'s "signal loops, stop pool, wait, close
// resources" ordering.
func (m *Master) Stop() {
	log.Info("stopping master...")

	// Published first so the job pool's priority subscription wakes its
	// long-poll waiters with ErrStopping while the HTTP transport can
	// still serve those responses, instead of the listener closing under
	// them.
	m.bus.Publish(eventbus.TopicStop, nil)

	if m.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.httpServer.Shutdown(ctx); err != nil {
			log.Error("http server shutdown failed", "error", err)
		}
	}

	close(m.reapStop)
	m.disp.Stop()
	m.wg.Wait()

	m.namedir.Stop()
	m.workers.Stop()

	log.Info("master stopped")
}

// Handler exposes the HTTP handler directly, for tests that want to drive
// requests without binding a socket.
func (m *Master) Handler() http.Handler {
	return m.srv.Handler()
}
