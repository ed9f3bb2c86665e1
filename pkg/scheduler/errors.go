package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTransient marks scheduler failures worth retrying (controller
// unreachable, timeouts, temporary throttling).
var ErrTransient = errors.New("transient scheduler error")

// Error wraps a scheduler command failure with context.
type Error struct {
	// Op is the operation that failed (e.g. "submit", "query").
	Op string

	// Scheduler is the backend name.
	Scheduler string

	// Output is the trimmed diagnostic output of the failed command.
	Output string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s %s: %v: %s", e.Scheduler, e.Op, e.Err, e.Output)
	}
	return fmt.Sprintf("%s %s: %v", e.Scheduler, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient returns true if the error should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Chunk splits ids into batches of at most size elements.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

// Dedupe returns ids without blanks or repeats, preserving order.
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
