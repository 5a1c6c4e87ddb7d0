package types

import "time"

// Worker is a registered execution peer reachable over HTTP at Netloc
// (host:port). Features is the set of capability tags it advertises; a
// worker with an empty set can only run tasks that require no features.
type Worker struct {
	ID            int             `json:"id"`
	Netloc        string          `json:"netloc"`
	Features      map[string]struct{} `json:"-"`
	CurrentTaskID *string         `json:"current_task_id,omitempty"`
	LastPing      time.Time       `json:"last_ping"`
	Failed        bool            `json:"failed"`
}

// FeatureList returns the worker's features as a sorted-free slice, for
// JSON responses and descriptor round-trips.
func (w *Worker) FeatureList() []string {
	out := make([]string, 0, len(w.Features))
	for f := range w.Features {
		out = append(out, f)
	}
	return out
}

// SupportsFeature reports whether the worker can run a task requiring the
// given feature tag. An empty feature name always matches.
func (w *Worker) SupportsFeature(feature string) bool {
	if feature == "" {
		return true
	}
	_, ok := w.Features[feature]
	return ok
}

// SupportsAll reports whether the worker advertises every feature the task
// requires.
func (w *Worker) SupportsAll(required []string) bool {
	for _, f := range required {
		if !w.SupportsFeature(f) {
			return false
		}
	}
	return true
}

// WorkerDescriptor is what a worker posts to register itself.
type WorkerDescriptor struct {
	Netloc   string   `json:"netloc"`
	Features []string `json:"features,omitempty"`
}

// AssignTask is the descriptor POSTed to a worker's task-assignment
// endpoint.
type AssignTask struct {
	TaskID           string               `json:"task_id"`
	Handler          string               `json:"handler"`
	Inputs           map[string]Reference `json:"inputs"`
	ExpectedOutputs  []RefID              `json:"expected_outputs"`
	ParentTaskID     *string              `json:"parent_task_id,omitempty"`
	ContinuesTask    *string              `json:"continues_task,omitempty"`
	RequireFeatures  []string             `json:"require_features,omitempty"`
	SaveContinuation bool                 `json:"save_continuation,omitempty"`
	SelectGroup      string               `json:"select_group,omitempty"`
	SelectTimeout    int                  `json:"select_timeout,omitempty"`
	ReplayUUIDs      []string             `json:"replay_uuids,omitempty"`
}

// TaskCommit is what a worker reports back on success: the set of
// concrete references produced for each reference id, which may carry
// more than one location hint if the worker knows of several copies.
type TaskCommit struct {
	TaskID   string             `json:"task_id"`
	Bindings map[RefID][]Reference `json:"bindings"`
}

// TaskFailureReport is what a worker (or the master's own failure
// detector) reports on a non-commit outcome.
type TaskFailureReport struct {
	TaskID string        `json:"task_id"`
	Reason FailureReason `json:"reason"`
	Detail string        `json:"detail,omitempty"`
	// MissingRef is populated for MISSING_INPUT reports with a full
	// Concrete reference whose location_hints enumerate the endpoints to
	// blacklist; MissingRefID carries just the id when the caller only
	// knows the id.
	MissingRef *Reference `json:"missing_ref,omitempty"`
	MissingRefID *RefID   `json:"missing_ref_id,omitempty"`
}
