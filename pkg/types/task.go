package types

import "time"

// TaskState is the position of a task in the state machine.
type TaskState string

const (
	TaskCreated   TaskState = "CREATED"
	TaskBlocking  TaskState = "BLOCKING"
	TaskRunnable  TaskState = "RUNNABLE"
	TaskQueued    TaskState = "QUEUED"
	TaskAssigned  TaskState = "ASSIGNED"
	TaskCommitted TaskState = "COMMITTED"
	TaskFailed    TaskState = "FAILED"
)

// AllTaskStates lists every state, used to seed per-job state counters at
// zero so a job Descriptor always reports every bucket.
var AllTaskStates = []TaskState{
	TaskCreated, TaskBlocking, TaskRunnable, TaskQueued,
	TaskAssigned, TaskCommitted, TaskFailed,
}

// FailureReason classifies why a task moved to FAILED.
type FailureReason string

const (
	ReasonWorkerFailed     FailureReason = "WORKER_FAILED"
	ReasonMissingInput     FailureReason = "MISSING_INPUT"
	ReasonRuntimeException FailureReason = "RUNTIME_EXCEPTION"
)

// MaxWorkerFailedAttempts is the number of WORKER_FAILED attempts tolerated
// before a task is marked terminally FAILED.
const MaxWorkerFailedAttempts = 3

// Task is a node in the dependency graph. Dependencies are the reference
// set the task was declared with; Inputs accumulates the concrete/data
// reference bound to each local parameter id as reduction resolves it.
// BlockedOn holds the reference ids still outstanding.
type Task struct {
	ID             string        `json:"task_id"`
	JobID          string        `json:"job_id"`
	ParentTaskID   *string       `json:"parent_task_id,omitempty"`
	State          TaskState     `json:"state"`
	CurrentAttempt int           `json:"current_attempt"`
	ExpectedOutputs []RefID      `json:"expected_outputs"`

	Dependencies map[string]Reference `json:"dependencies"`
	Inputs       map[string]Reference `json:"inputs"`
	BlockedOn    map[RefID]struct{}   `json:"-"`

	WorkerID  *int     `json:"worker_id,omitempty"`
	Children  []string `json:"children,omitempty"`

	Handler          string   `json:"handler"`
	RequireFeatures  []string `json:"require_features,omitempty"`
	SaveContinuation bool     `json:"save_continuation,omitempty"`
	ContinuesTask    *string  `json:"continues_task,omitempty"`
	SelectGroup      string   `json:"select_group,omitempty"`
	SelectTimeout    int      `json:"select_timeout,omitempty"`
	ReplayUUIDs      []string `json:"replay_uuids,omitempty"`

	FailReason FailureReason `json:"fail_reason,omitempty"`
	FailDetail string        `json:"fail_detail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTask builds a task in the CREATED state from a descriptor's fields,
// deriving BlockedOn as empty; the caller populates it during reduction.
func NewTask(id, jobID, handler string, deps map[string]Reference, expectedOutputs []RefID) *Task {
	d := make(map[string]Reference, len(deps))
	for k, v := range deps {
		d[k] = v
	}
	return &Task{
		ID:              id,
		JobID:           jobID,
		Handler:         handler,
		State:           TaskCreated,
		ExpectedOutputs: expectedOutputs,
		Dependencies:    d,
		Inputs:          make(map[string]Reference),
		BlockedOn:       make(map[RefID]struct{}),
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
}

// IsTerminal reports whether the task cannot transition further.
func (t *Task) IsTerminal() bool {
	return t.State == TaskCommitted || t.State == TaskFailed
}
