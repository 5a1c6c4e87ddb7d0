// Package server is the inbound HTTP API: job submission/status/wait and
// worker registration/heartbeat/commit/failure reporting, routed with
// gorilla/mux the way TheEntropyCollective-noisefs's webui commands route
// their control-plane APIs.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ChuLiYu/dataflow-master/internal/jobpool"
	"github.com/ChuLiYu/dataflow-master/internal/taskpool"
	"github.com/ChuLiYu/dataflow-master/internal/workerpool"
	"github.com/ChuLiYu/dataflow-master/pkg/types"
)

var log = slog.Default()

// DefaultWaitTimeout bounds /jobs/{id}/wait when the caller gives none.
const DefaultWaitTimeout = 30 * time.Second

// Server wires the job pool, task pool, and worker pool behind the
// inbound HTTP routes.
type Server struct {
	jobs    *jobpool.Pool
	tasks   *taskpool.Pool
	workers *workerpool.Pool
	router  *mux.Router
}

// New builds a Server with every route registered.
func New(jobs *jobpool.Pool, tasks *taskpool.Pool, workers *workerpool.Pool) *Server {
	s := &Server{jobs: jobs, tasks: tasks, workers: workers, router: mux.NewRouter()}

	s.router.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	s.router.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{id}/wait", s.handleWaitJob).Methods(http.MethodGet)
	s.router.HandleFunc("/workers", s.handleRegisterWorker).Methods(http.MethodPost)
	s.router.HandleFunc("/workers/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	s.router.HandleFunc("/workers/{id}/commit", s.handleCommit).Methods(http.MethodPost)
	s.router.HandleFunc("/workers/{id}/failed", s.handleFailed).Methods(http.MethodPost)

	return s
}

// Handler returns the http.Handler to mount (e.g. into http.ListenAndServe).
func (s *Server) Handler() http.Handler {
	return s.router
}

type submitJobRequest struct {
	Handler string                        `json:"handler"`
	Deps    map[string]types.Reference    `json:"dependencies"`
}

type submitJobResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.jobs.SubmitJob(req.Handler, req.Deps)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, submitJobResponse{JobID: id})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	desc, err := s.jobs.GetJob(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleWaitJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	timeout := DefaultWaitTimeout
	if q := r.URL.Query().Get("timeout_ms"); q != "" {
		if ms, parseErr := time.ParseDuration(q + "ms"); parseErr == nil {
			timeout = ms
		}
	}

	desc, err := s.jobs.WaitForJob(id, timeout)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var desc types.WorkerDescriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	worker, err := s.workers.CreateWorker(desc)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, worker)
}

type heartbeatRequest struct {
	News string `json:"news,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := parseWorkerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req heartbeatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.workers.WorkerPing(id, req.News); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	workerID, err := parseWorkerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var commit types.TaskCommit
	if err := json.NewDecoder(r.Body).Decode(&commit); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if _, err := s.tasks.TaskCompleted(commit.TaskID, commit.Bindings); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.workers.WorkerIdle(workerID); err != nil {
		log.Warn("commit: worker already gone", "worker_id", workerID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	workerID, err := parseWorkerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var report types.TaskFailureReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	missingRef := report.MissingRef
	if missingRef == nil && report.MissingRefID != nil {
		// Bare id form: the caller only knows which reference went
		// missing, not its location hints, so reduction reruns with
		// nothing blacklisted.
		bare := types.NewFuture(*report.MissingRefID, types.Provenance{})
		missingRef = &bare
	}

	if _, err := s.tasks.TaskFailed(report.TaskID, report.Reason, report.Detail, missingRef); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.workers.WorkerIdle(workerID); err != nil {
		log.Warn("failed: worker already gone", "worker_id", workerID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseWorkerID(r *http.Request) (int, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("server: bad worker id %q: %w", raw, err)
	}
	return id, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, jobpool.ErrJobNotFound), errors.Is(err, taskpool.ErrTaskNotFound), errors.Is(err, workerpool.ErrUnknownWorker):
		return http.StatusNotFound
	case errors.Is(err, jobpool.ErrTooManyWaiters), errors.Is(err, workerpool.ErrTooManyWaiters):
		return http.StatusTooManyRequests
	case errors.Is(err, jobpool.ErrStopping), errors.Is(err, workerpool.ErrStopping):
		return http.StatusServiceUnavailable
	case errors.Is(err, workerpool.ErrNetlocInUse):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
