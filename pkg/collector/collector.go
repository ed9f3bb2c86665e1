// Package collector turns terminal task records into per-element results
// or the errors that explain their absence.
package collector

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/multierr"

	"github.com/3leaps/slurmmap/pkg/runstore"
	"github.com/3leaps/slurmmap/pkg/taskunit"
)

// ErrNotTerminal is returned when collecting a task that is still active.
var ErrNotTerminal = errors.New("task is not terminal")

// Collect returns the encoded result of a succeeded task, or the typed
// error describing why the task has none.
func Collect(callID string, rec runstore.TaskRecord) ([]byte, error) {
	switch rec.Status {
	case runstore.TaskSucceeded:
		b, err := os.ReadFile(rec.ResultPath)
		if err != nil {
			return nil, &RemoteTaskError{
				CallID:  callID,
				Index:   rec.Index,
				JobID:   rec.JobID,
				Message: fmt.Sprintf("result artifact unreadable: %v", err),
			}
		}
		return b, nil

	case runstore.TaskCancelled:
		return nil, &RemoteTaskCancelled{CallID: callID, Index: rec.Index, JobID: rec.JobID}

	case runstore.TaskFailed:
		if rec.SubmitError != "" {
			return nil, &SubmissionError{CallID: callID, Index: rec.Index, Message: rec.SubmitError}
		}
		rte := &RemoteTaskError{CallID: callID, Index: rec.Index, JobID: rec.JobID, Message: rec.Failure}
		if f, err := taskunit.ReadFailure(rec.ErrorPath); err == nil {
			rte.Message = f.Message
			rte.Detail = f.Stack
			rte.Host = f.Host
			rte.Panic = f.Panic
		}
		if rte.Message == "" {
			rte.Message = fmt.Sprintf("job ended in state %s", orUnknown(rec.SchedulerState))
		}
		return nil, rte

	default:
		return nil, fmt.Errorf("%s: task %d is %s: %w", callID, rec.Index, rec.Status, ErrNotTerminal)
	}
}

// CollectAll assembles results in index order. It refuses to run before
// every task is terminal. When any task lacks a result the error combines
// one typed error per such task, in index order, and no results are
// returned.
func CollectAll(m *runstore.Manifest) ([][]byte, error) {
	if !m.Done() {
		return nil, fmt.Errorf("%s: %d tasks outstanding: %w", m.CallID, len(m.Outstanding()), ErrNotTerminal)
	}

	results := make([][]byte, len(m.Tasks))
	var errs error
	for i, rec := range m.Tasks {
		b, err := Collect(m.CallID, rec)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		results[i] = b
	}
	if errs != nil {
		return nil, errs
	}
	return results, nil
}

// FailedIndices lists the element indices named by the task errors in err.
func FailedIndices(err error) []int {
	var out []int
	for _, e := range multierr.Errors(err) {
		var (
			rte *RemoteTaskError
			rtc *RemoteTaskCancelled
			se  *SubmissionError
		)
		switch {
		case errors.As(e, &rte):
			out = append(out, rte.Index)
		case errors.As(e, &rtc):
			out = append(out, rtc.Index)
		case errors.As(e, &se):
			out = append(out, se.Index)
		}
	}
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
