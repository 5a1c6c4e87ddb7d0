package types

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the coarse lifecycle of a job.
type JobState string

const (
	JobActive    JobState = "ACTIVE"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
)

// Job is the unit a client submits and polls. RootTaskID names the task
// that seeds graph reduction for this job (conventionally "root:<id>");
// everything else the job runs is spawned transitively from it.
type Job struct {
	ID         uuid.UUID  `json:"id"`
	RootTaskID string     `json:"root_task_id"`
	JobDir     string     `json:"job_dir,omitempty"`
	State      JobState   `json:"state"`
	ResultRef  *Reference `json:"result_ref,omitempty"`

	TaskStateCounts map[TaskState]int `json:"task_state_counts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob builds an ACTIVE job with zeroed state counters for every known
// task state.
func NewJob(id uuid.UUID, rootTaskID, jobDir string) *Job {
	counts := make(map[TaskState]int, len(AllTaskStates))
	for _, s := range AllTaskStates {
		counts[s] = 0
	}
	now := time.Now()
	return &Job{
		ID:              id,
		RootTaskID:      rootTaskID,
		JobDir:          jobDir,
		State:           JobActive,
		TaskStateCounts: counts,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Descriptor is the client-facing summary returned from status and wait
// endpoints.
type Descriptor struct {
	ID              uuid.UUID         `json:"id"`
	State           JobState          `json:"state"`
	RootTaskID      string            `json:"root_task_id"`
	TaskStateCounts map[TaskState]int `json:"task_state_counts"`
	ResultRef       *Reference        `json:"result_ref,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// AsDescriptor projects a Job to its client-facing view. The caller must
// hold whatever lock protects the job (jobpool serializes access).
func (j *Job) AsDescriptor() Descriptor {
	counts := make(map[TaskState]int, len(j.TaskStateCounts))
	for k, v := range j.TaskStateCounts {
		counts[k] = v
	}
	return Descriptor{
		ID:              j.ID,
		State:           j.State,
		RootTaskID:      j.RootTaskID,
		TaskStateCounts: counts,
		ResultRef:       j.ResultRef,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}
