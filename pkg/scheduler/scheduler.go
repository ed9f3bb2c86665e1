// Package scheduler defines the boundary to the external workload manager:
// submit a job script, query job states in batches, cancel jobs.
package scheduler

import (
	"context"
	"strings"
)

// JobState is the normalized state of a scheduler job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobUnknown   JobState = "unknown"
)

// Finished reports whether the scheduler considers the job over.
func (s JobState) Finished() bool {
	return s == JobCompleted || s == JobFailed
}

// Status pairs the normalized state with the scheduler's raw state string
// (e.g. "OUT_OF_MEMORY", "CANCELLED by 1001").
type Status struct {
	State JobState
	Raw   string
}

// Cancelled reports whether the raw state says the job was cancelled
// rather than failing on its own.
func (s Status) Cancelled() bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(s.Raw)), "CANCELLED")
}

// Submission describes one job to submit.
type Submission struct {
	// Name is the job name shown by the scheduler.
	Name string
	// Index is the element index the job computes.
	Index int
	// ScriptPath is the executable bash script to run.
	ScriptPath string
	// UnitPath is the task unit the script executes.
	UnitPath string
	// Args are extra scheduler arguments (already split into words).
	Args []string
	// StdoutPath and StderrPath receive the job's output streams.
	StdoutPath string
	StderrPath string
	// WorkDir is the job's working directory.
	WorkDir string
}

// Scheduler is implemented by every workload manager backend.
type Scheduler interface {
	// Name identifies the backend; it is recorded in manifests so lifecycle
	// operations can reconnect to the right backend.
	Name() string

	// Submit enqueues one job and returns its opaque handle. Transient
	// failures are wrapped with ErrTransient; everything else is a
	// permanent rejection.
	Submit(ctx context.Context, sub Submission) (string, error)

	// Query reports the status of every given job in as few scheduler
	// round trips as the backend allows. Jobs the scheduler no longer knows
	// are reported as JobUnknown.
	Query(ctx context.Context, jobIDs []string) (map[string]Status, error)

	// Cancel requests cancellation of the given jobs. Jobs that already
	// finished are not an error.
	Cancel(ctx context.Context, jobIDs []string) error
}
