package local

import "time"

// JobState is the lifecycle state of a locally spawned job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStateRunning  JobState = "running"
	JobStateStopping JobState = "stopping"
	JobStateStopped  JobState = "stopped"
	JobStateSuccess  JobState = "success"
	JobStateFailed   JobState = "failed"
	JobStateUnknown  JobState = "unknown"
)

// JobRecord is the persistent record written to job.json.
type JobRecord struct {
	JobID      string    `json:"job_id"`
	Name       string    `json:"name,omitempty"`
	State      JobState  `json:"state"`
	ScriptPath string    `json:"script_path"`
	PID        int       `json:"pid,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	EndedAt    *time.Time `json:"ended_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StdoutPath string     `json:"stdout_path,omitempty"`
	StderrPath string     `json:"stderr_path,omitempty"`
}
