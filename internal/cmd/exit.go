package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/slurmmap/pkg/runstore"
)

// cliError carries the process exit code alongside the cause.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *cliError) Unwrap() error {
	return e.err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &cliError{code: code, message: message, err: err}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

// storeError classifies an error from the run store or the scheduler.
func storeError(message string, err error) error {
	switch {
	case runstore.IsNotFound(err):
		return exitError(foundry.ExitFileNotFound, message, err)
	case errors.Is(err, runstore.ErrLocked):
		return exitError(foundry.ExitInvalidArgument, message, err)
	case errors.Is(err, context.Canceled):
		return exitError(foundry.ExitSignalInt, message, err)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, message, err)
	}
}
