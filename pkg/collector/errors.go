package collector

import (
	"fmt"
	"strings"
)

// SubmissionError reports that the scheduler permanently rejected a task's
// submission.
type SubmissionError struct {
	CallID  string
	Index   int
	Message string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s: task %d was not submitted: %s", e.CallID, e.Index, e.Message)
}

// RemoteTaskError reports that a task's remote execution failed.
type RemoteTaskError struct {
	CallID string
	Index  int
	JobID  string
	// Message is the remote error or the reason the job produced no result.
	Message string
	// Detail holds the remote stack trace, when one was captured.
	Detail string
	Host   string
	Panic  bool
}

func (e *RemoteTaskError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: task %d", e.CallID, e.Index)
	if e.JobID != "" {
		fmt.Fprintf(&b, " (job %s", e.JobID)
		if e.Host != "" {
			fmt.Fprintf(&b, " on %s", e.Host)
		}
		b.WriteString(")")
	}
	b.WriteString(" failed: ")
	b.WriteString(e.Message)
	return b.String()
}

// RemoteTaskCancelled reports that a task was cancelled before finishing.
type RemoteTaskCancelled struct {
	CallID string
	Index  int
	JobID  string
}

func (e *RemoteTaskCancelled) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("%s: task %d was cancelled", e.CallID, e.Index)
	}
	return fmt.Sprintf("%s: task %d (job %s) was cancelled", e.CallID, e.Index, e.JobID)
}
