// Package dispatch packages pending tasks into units and submits one
// scheduler job per task, persisting each job handle before moving on.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-shellwords"
	"go.uber.org/zap"

	"github.com/3leaps/slurmmap/pkg/runstore"
	"github.com/3leaps/slurmmap/pkg/scheduler"
	"github.com/3leaps/slurmmap/pkg/taskunit"
)

// Backoff bounds retries of transient submission failures.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration
}

// Options configures a Dispatcher.
type Options struct {
	// SchedulerArgs is split with shell-word rules and appended to every
	// submission.
	SchedulerArgs string
	// PreRun commands run on the node before the task.
	PreRun []string
	// Executable is the binary re-run on the node; defaults to os.Executable.
	Executable string
	// WorkDir is the job's working directory; defaults to the current one.
	WorkDir string
	Backoff Backoff
	Logger  *zap.Logger
}

// Report summarizes one Dispatch call.
type Report struct {
	// Submitted lists indices submitted by this call.
	Submitted []int
	// Rejected lists indices whose submission failed permanently.
	Rejected []int
	// Reattached lists non-terminal indices that already had a job handle.
	Reattached []int
}

// Dispatcher submits tasks of one manifest.
type Dispatcher struct {
	store   *runstore.Store
	sched   scheduler.Scheduler
	args    []string
	preRun  []string
	exe     string
	workDir string
	backoff Backoff
	logger  *zap.Logger
}

func New(store *runstore.Store, sched scheduler.Scheduler, opts Options) (*Dispatcher, error) {
	if store == nil || sched == nil {
		return nil, fmt.Errorf("dispatcher requires a store and a scheduler")
	}

	args, err := shellwords.Parse(strings.TrimSpace(opts.SchedulerArgs))
	if err != nil {
		return nil, fmt.Errorf("parse scheduler args %q: %w", opts.SchedulerArgs, err)
	}

	exe := strings.TrimSpace(opts.Executable)
	if exe == "" {
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}
	workDir := strings.TrimSpace(opts.WorkDir)
	if workDir == "" {
		if wd, err := os.Getwd(); err == nil {
			workDir = wd
		}
	}

	d := &Dispatcher{
		store:   store,
		sched:   sched,
		args:    args,
		preRun:  opts.PreRun,
		exe:     exe,
		workDir: workDir,
		backoff: opts.Backoff,
		logger:  opts.Logger,
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.backoff.Initial <= 0 {
		d.backoff.Initial = time.Second
	}
	if d.backoff.Max <= 0 {
		d.backoff.Max = 30 * time.Second
	}
	if d.backoff.MaxElapsed <= 0 {
		d.backoff.MaxElapsed = 2 * time.Minute
	}
	return d, nil
}

// Args returns the split scheduler arguments.
func (d *Dispatcher) Args() []string {
	return append([]string(nil), d.args...)
}

// Executable returns the binary the submission scripts execute.
func (d *Dispatcher) Executable() string {
	return d.exe
}

// WorkDir returns the jobs' working directory.
func (d *Dispatcher) WorkDir() string {
	return d.workDir
}

// Dispatch packages and submits every pending task of m. inputs holds the
// encoded elements, index-aligned with m.Tasks. Tasks that already carry a
// job handle are never resubmitted. A permanent rejection marks only that
// task failed; siblings are still submitted. The manifest is persisted
// after every submission, so an interrupted Dispatch leaves the remaining
// tasks pending and the call resumable.
func (d *Dispatcher) Dispatch(ctx context.Context, m *runstore.Manifest, inputs [][]byte) (*Report, error) {
	if len(inputs) != len(m.Tasks) {
		return nil, fmt.Errorf("dispatch %s: %d inputs for %d tasks", m.CallID, len(inputs), len(m.Tasks))
	}

	report := &Report{}
	for i := range m.Tasks {
		rec := &m.Tasks[i]
		if rec.Status.Dispatched() {
			if !rec.Status.Terminal() {
				report.Reattached = append(report.Reattached, rec.Index)
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		sub, err := d.prepare(m, rec, inputs[i])
		if err != nil {
			return report, err
		}

		jobID, err := d.submit(ctx, sub)
		now := time.Now().UTC()
		switch {
		case err == nil:
			rec.Status = runstore.TaskSubmitted
			rec.JobID = jobID
			rec.SubmittedAt = &now
			report.Submitted = append(report.Submitted, rec.Index)
			d.logger.Debug("Task submitted", zap.String("call_id", m.CallID), zap.Int("index", rec.Index), zap.String("job_id", jobID))
		case ctx.Err() != nil:
			return report, ctx.Err()
		default:
			rec.Status = runstore.TaskFailed
			rec.SubmitError = err.Error()
			rec.FinishedAt = &now
			report.Rejected = append(report.Rejected, rec.Index)
			d.logger.Warn("Task submission rejected", zap.String("call_id", m.CallID), zap.Int("index", rec.Index), zap.Error(err))
		}

		if err := d.store.Persist(m); err != nil {
			return report, fmt.Errorf("persist manifest after submitting task %d: %w", rec.Index, err)
		}
	}
	return report, nil
}

func (d *Dispatcher) prepare(m *runstore.Manifest, rec *runstore.TaskRecord, input []byte) (scheduler.Submission, error) {
	unit := &taskunit.Unit{
		CallID:     m.CallID,
		Function:   m.Function,
		Index:      rec.Index,
		Input:      input,
		ResultPath: rec.ResultPath,
		ErrorPath:  rec.ErrorPath,
	}
	if err := taskunit.Pack(unit, rec.UnitPath); err != nil {
		return scheduler.Submission{}, fmt.Errorf("package task %d: %w", rec.Index, err)
	}

	script, err := RenderScript(ScriptSpec{
		CallID:     m.CallID,
		Index:      rec.Index,
		PreRun:     d.preRun,
		WorkDir:    d.workDir,
		UnitPath:   rec.UnitPath,
		Executable: d.exe,
	})
	if err != nil {
		return scheduler.Submission{}, err
	}
	if err := runstore.WriteFileAtomic(rec.ScriptPath, []byte(script)); err != nil {
		return scheduler.Submission{}, fmt.Errorf("write script for task %d: %w", rec.Index, err)
	}

	// Stale artifacts from a discarded attempt must not be mistaken for
	// this job's output.
	for _, p := range []string{rec.ResultPath, rec.ErrorPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return scheduler.Submission{}, fmt.Errorf("clear artifact %s: %w", p, err)
		}
	}

	return scheduler.Submission{
		Name:       fmt.Sprintf("%s-%d", m.CallID, rec.Index),
		Index:      rec.Index,
		ScriptPath: rec.ScriptPath,
		UnitPath:   rec.UnitPath,
		Args:       d.Args(),
		StdoutPath: rec.StdoutPath,
		StderrPath: rec.StderrPath,
		WorkDir:    d.workDir,
	}, nil
}

func (d *Dispatcher) submit(ctx context.Context, sub scheduler.Submission) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.backoff.Initial
	b.MaxInterval = d.backoff.Max
	b.MaxElapsedTime = d.backoff.MaxElapsed

	var jobID string
	op := func() error {
		id, err := d.sched.Submit(ctx, sub)
		if err == nil {
			jobID = id
			return nil
		}
		if scheduler.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Info("Scheduler busy, retrying submission",
			zap.Int("index", sub.Index), zap.Duration("wait", wait), zap.Error(err))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return "", err
	}
	return jobID, nil
}
