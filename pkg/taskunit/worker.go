package taskunit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/slurmmap/pkg/runstore"
)

// ErrTaskFailed is returned by Execute when the handler failed and a
// failure artifact was written.
var ErrTaskFailed = errors.New("task failed")

// Execute runs the unit at unitPath with the handler registered under its
// function name, then writes exactly one of the result or failure
// artifacts. A nil return means the result artifact exists.
func Execute(ctx context.Context, unitPath string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := Load(unitPath)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("call_id", u.CallID), zap.Int("index", u.Index))

	fail := func(msg string, panicked bool, stack string) error {
		host, _ := os.Hostname()
		f := Failure{
			CallID:     u.CallID,
			Function:   u.Function,
			Index:      u.Index,
			Message:    msg,
			Panic:      panicked,
			Stack:      stack,
			Host:       host,
			PID:        os.Getpid(),
			FinishedAt: time.Now().UTC(),
		}
		if werr := WriteFailure(u.ErrorPath, f); werr != nil {
			return fmt.Errorf("write failure artifact: %w (task error: %s)", werr, msg)
		}
		logger.Error("Task failed", zap.String("message", msg), zap.Bool("panic", panicked))
		return fmt.Errorf("%w: %s", ErrTaskFailed, msg)
	}

	h, ok := Lookup(u.Function)
	if !ok {
		return fail(fmt.Sprintf("function %q is not registered in this binary", u.Function), false, "")
	}

	logger.Debug("Task starting", zap.String("function", u.Function))
	res := invoke(ctx, h, u.Input)
	if res.panicked {
		return fail(fmt.Sprintf("panic: %v", res.err), true, res.stack)
	}
	if res.err != nil {
		return fail(res.err.Error(), false, "")
	}

	if err := runstore.WriteFileAtomic(u.ResultPath, res.out); err != nil {
		return fail(fmt.Sprintf("write result artifact: %v", err), false, "")
	}
	logger.Debug("Task succeeded", zap.Int("result_bytes", len(res.out)))
	return nil
}

type outcome struct {
	out      []byte
	err      error
	panicked bool
	stack    string
}

func invoke(ctx context.Context, h Handler, input []byte) (res outcome) {
	defer func() {
		if r := recover(); r != nil {
			res = outcome{err: fmt.Errorf("%v", r), panicked: true, stack: string(debug.Stack())}
		}
	}()
	out, err := h(ctx, input)
	return outcome{out: out, err: err}
}
