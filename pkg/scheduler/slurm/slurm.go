// Package slurm implements the scheduler boundary on top of the Slurm
// command line tools (sbatch, squeue, sacct, scancel).
package slurm

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/slurmmap/pkg/scheduler"
)

// Name is the backend name recorded in manifests.
const Name = "slurm"

// queryBatch bounds the number of job ids per squeue/sacct/scancel call.
const queryBatch = 500

// transientMarkers are substrings of Slurm client errors that indicate the
// controller was temporarily unreachable or busy.
var transientMarkers = []string{
	"socket timed out",
	"unable to contact slurm controller",
	"connection refused",
	"resource temporarily unavailable",
	"temporarily unable to accept job",
	"slurm_receive_msg",
	"try again",
	"communication connection failure",
}

// Config configures the Slurm backend.
type Config struct {
	// MaxQPS bounds command invocations per second. Zero means unlimited.
	MaxQPS float64

	// Runner overrides command execution (tests).
	Runner Runner

	Logger *zap.Logger
}

// Scheduler talks to Slurm through its CLI tools.
type Scheduler struct {
	runner  Runner
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ scheduler.Scheduler = (*Scheduler)(nil)

func New(cfg Config) *Scheduler {
	s := &Scheduler{
		runner: cfg.Runner,
		logger: cfg.Logger,
	}
	if s.runner == nil {
		s.runner = ExecRunner{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if cfg.MaxQPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxQPS), 1)
	}
	return s
}

func (s *Scheduler) Name() string { return Name }

// Submit runs sbatch --parsable and returns the job id.
func (s *Scheduler) Submit(ctx context.Context, sub scheduler.Submission) (string, error) {
	if strings.TrimSpace(sub.ScriptPath) == "" {
		return "", &scheduler.Error{Op: "submit", Scheduler: Name, Err: errors.New("script path is required")}
	}

	args := []string{"--parsable"}
	if sub.Name != "" {
		args = append(args, "--job-name="+sub.Name)
	}
	if sub.StdoutPath != "" {
		args = append(args, "--output="+sub.StdoutPath)
	}
	if sub.StderrPath != "" {
		args = append(args, "--error="+sub.StderrPath)
	}
	if sub.WorkDir != "" {
		args = append(args, "--chdir="+sub.WorkDir)
	}
	args = append(args, sub.Args...)
	args = append(args, sub.ScriptPath)

	stdout, stderr, err := s.run(ctx, "submit", "sbatch", args...)
	if err != nil {
		return "", err
	}

	// --parsable prints "<jobid>" or "<jobid>;<cluster>".
	out := strings.TrimSpace(string(stdout))
	if i := strings.IndexByte(out, ';'); i >= 0 {
		out = out[:i]
	}
	if out == "" || strings.ContainsAny(out, " \t\n") {
		return "", &scheduler.Error{Op: "submit", Scheduler: Name, Err: fmt.Errorf("unexpected sbatch output %q", strings.TrimSpace(string(stdout))), Output: trimOutput(stderr)}
	}
	s.logger.Debug("Submitted job", zap.String("job_id", out), zap.Int("index", sub.Index))
	return out, nil
}

// Query asks squeue first and falls back to sacct for jobs that already
// left the queue.
func (s *Scheduler) Query(ctx context.Context, jobIDs []string) (map[string]scheduler.Status, error) {
	ids := scheduler.Dedupe(jobIDs)
	result := make(map[string]scheduler.Status, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	for _, batch := range scheduler.Chunk(ids, queryBatch) {
		stdout, stderr, err := s.run(ctx, "query", "squeue", "-h", "--states=all", "-o", "%i|%T", "-j", strings.Join(batch, ","))
		if err != nil {
			// squeue rejects the whole call when none of the ids is known.
			if !strings.Contains(strings.ToLower(string(stderr)+err.Error()), "invalid job id") {
				return nil, err
			}
			stdout = nil
		}
		for id, st := range parseStates(stdout) {
			result[id] = st
		}
	}

	var missing []string
	for _, id := range ids {
		if _, ok := result[id]; !ok {
			missing = append(missing, id)
		}
	}
	for _, batch := range scheduler.Chunk(missing, queryBatch) {
		stdout, _, err := s.run(ctx, "query", "sacct", "-n", "-P", "-X", "-o", "JobID,State", "-j", strings.Join(batch, ","))
		if err != nil {
			// Accounting may be disabled; unknown jobs fall through to the
			// artifact check.
			s.logger.Debug("sacct unavailable", zap.Error(err))
			break
		}
		for id, st := range parseStates(stdout) {
			if _, ok := result[id]; !ok {
				result[id] = st
			}
		}
	}

	for _, id := range ids {
		if _, ok := result[id]; !ok {
			result[id] = scheduler.Status{State: scheduler.JobUnknown}
		}
	}
	return result, nil
}

// Cancel runs scancel for every id. Already finished jobs are ignored.
func (s *Scheduler) Cancel(ctx context.Context, jobIDs []string) error {
	ids := scheduler.Dedupe(jobIDs)
	for _, batch := range scheduler.Chunk(ids, queryBatch) {
		_, stderr, err := s.run(ctx, "cancel", "scancel", batch...)
		if err != nil {
			if strings.Contains(strings.ToLower(string(stderr)+err.Error()), "invalid job id") ||
				strings.Contains(strings.ToLower(string(stderr)), "already completing or completed") {
				continue
			}
			return err
		}
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context, op, name string, args ...string) ([]byte, []byte, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}
	stdout, stderr, err := s.runner.Run(ctx, name, args...)
	if err == nil {
		return stdout, stderr, nil
	}
	if ctx.Err() != nil {
		return stdout, stderr, ctx.Err()
	}

	serr := &scheduler.Error{Op: op, Scheduler: Name, Err: err, Output: trimOutput(stderr)}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		// Missing binary: not retryable.
		return stdout, stderr, serr
	}
	if isTransient(string(stderr)) {
		return stdout, stderr, scheduler.Transient(serr)
	}
	return stdout, stderr, serr
}

func isTransient(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func trimOutput(b []byte) string {
	const maxKeep = 2048
	s := strings.TrimSpace(string(b))
	if len(s) > maxKeep {
		s = s[:maxKeep]
	}
	return s
}
