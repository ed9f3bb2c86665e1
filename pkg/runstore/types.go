package runstore

import "time"

// TaskStatus is the lifecycle state of one task record.
//
// NOTE: These values are persisted in manifest.json and are part of the
// stable on-disk contract.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSubmitted TaskStatus = "submitted"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Dispatched reports whether a job handle has been recorded for the task,
// i.e. the dispatcher must not submit it again.
func (s TaskStatus) Dispatched() bool {
	return s != TaskPending
}

// TaskRecord tracks one input element.
type TaskRecord struct {
	Index  int        `json:"index"`
	Status TaskStatus `json:"status"`
	// JobID is the scheduler-assigned handle; empty until submission succeeds.
	JobID string `json:"job_id,omitempty"`
	// InputDigest fingerprints the element so a reopened manifest can detect
	// that it describes a different argument sequence.
	InputDigest string `json:"input_digest"`

	UnitPath   string `json:"unit_path"`
	ScriptPath string `json:"script_path"`
	ResultPath string `json:"result_path"`
	ErrorPath  string `json:"error_path"`
	StdoutPath string `json:"stdout_path"`
	StderrPath string `json:"stderr_path"`

	// SchedulerState is the last raw state reported by the scheduler.
	SchedulerState string `json:"scheduler_state,omitempty"`
	// SubmitError holds a permanent submission rejection.
	SubmitError string `json:"submit_error,omitempty"`
	// Failure summarizes why a task ended failed without an error artifact.
	Failure string `json:"failure,omitempty"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Manifest is the persistent record written to manifest.json. Tasks is
// index-aligned with the input sequence.
//
// The schema is designed for backward-compatible extension (additive fields).
type Manifest struct {
	CallID   string `json:"call_id"`
	Function string `json:"function"`
	RunID    string `json:"run_id"`

	Scheduler     string   `json:"scheduler"`
	SchedulerArgs string   `json:"scheduler_args,omitempty"`
	PreRun        []string `json:"pre_run,omitempty"`
	Executable    string   `json:"executable"`
	WorkDir       string   `json:"work_dir,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Tasks []TaskRecord `json:"tasks"`
}

// Counts tallies tasks per status.
func (m *Manifest) Counts() map[TaskStatus]int {
	out := make(map[TaskStatus]int)
	for _, t := range m.Tasks {
		out[t.Status]++
	}
	return out
}

// Done reports whether every task is terminal.
func (m *Manifest) Done() bool {
	for _, t := range m.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// Outstanding returns the indices of non-terminal tasks in order.
func (m *Manifest) Outstanding() []int {
	var out []int
	for _, t := range m.Tasks {
		if !t.Status.Terminal() {
			out = append(out, t.Index)
		}
	}
	return out
}

// Summary is the compact per-identity view used by listings.
type Summary struct {
	CallID    string             `json:"call_id"`
	Function  string             `json:"function"`
	Scheduler string             `json:"scheduler"`
	Tasks     int                `json:"tasks"`
	Counts    map[TaskStatus]int `json:"counts"`
	Done      bool               `json:"done"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Summarize builds the listing view of m.
func (m *Manifest) Summarize() Summary {
	return Summary{
		CallID:    m.CallID,
		Function:  m.Function,
		Scheduler: m.Scheduler,
		Tasks:     len(m.Tasks),
		Counts:    m.Counts(),
		Done:      m.Done(),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// TaskEvent announces that a task reached a terminal status.
type TaskEvent struct {
	Index  int
	Status TaskStatus
	JobID  string
}
