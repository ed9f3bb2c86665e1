// Package local runs task jobs as detached processes on the submitting
// host. It stands in for a cluster scheduler on workstations and in tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/slurmmap/pkg/scheduler"
)

// Name is the backend name recorded in manifests.
const Name = "local"

// wrapper runs the job script and records its exit status next to job.json,
// so the status survives the submitting process.
const wrapper = `bash "$1"; code=$?; printf '%d\n' "$code" > "$2.tmp" && mv "$2.tmp" "$2"; exit "$code"`

// Config configures the local backend.
type Config struct {
	// Root holds job records, conventionally <run root>/.local.
	Root string

	// KillGrace is how long Cancel waits after SIGTERM before SIGKILL.
	KillGrace time.Duration

	Logger *zap.Logger
}

// Scheduler spawns one process group per job.
type Scheduler struct {
	store     *Store
	killGrace time.Duration
	logger    *zap.Logger
}

var _ scheduler.Scheduler = (*Scheduler)(nil)

func New(cfg Config) *Scheduler {
	s := &Scheduler{
		store:     NewStore(cfg.Root),
		killGrace: cfg.KillGrace,
		logger:    cfg.Logger,
	}
	if s.killGrace <= 0 {
		s.killGrace = 5 * time.Second
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

func (s *Scheduler) Name() string { return Name }

func (s *Scheduler) Store() *Store { return s.store }

// Submit starts the script in its own process group and returns a job id.
// Scheduler arguments are ignored by this backend.
func (s *Scheduler) Submit(ctx context.Context, sub scheduler.Submission) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	script := strings.TrimSpace(sub.ScriptPath)
	if script == "" {
		return "", &scheduler.Error{Op: "submit", Scheduler: Name, Err: errors.New("script path is required")}
	}
	if _, err := os.Stat(script); err != nil {
		return "", &scheduler.Error{Op: "submit", Scheduler: Name, Err: fmt.Errorf("script not found: %w", err)}
	}

	jobID := uuid.New().String()
	if err := os.MkdirAll(s.store.JobDir(jobID), 0755); err != nil {
		return "", &scheduler.Error{Op: "submit", Scheduler: Name, Err: fmt.Errorf("create job dir: %w", err)}
	}

	stdoutPath := sub.StdoutPath
	if stdoutPath == "" {
		stdoutPath = filepath.Join(s.store.JobDir(jobID), "stdout.log")
	}
	stderrPath := sub.StderrPath
	if stderrPath == "" {
		stderrPath = filepath.Join(s.store.JobDir(jobID), "stderr.log")
	}

	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return "", &scheduler.Error{Op: "submit", Scheduler: Name, Err: fmt.Errorf("create stdout log: %w", err)}
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		return "", &scheduler.Error{Op: "submit", Scheduler: Name, Err: fmt.Errorf("create stderr log: %w", err)}
	}
	defer func() { _ = stderrFile.Close() }()

	// Not bound to ctx: the job must outlive the submitting call.
	cmd := exec.Command("bash", "-c", wrapper, "slurmmap-local", script, s.store.ExitCodePath(jobID))
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = os.Environ()
	if sub.WorkDir != "" {
		cmd.Dir = sub.WorkDir
	}
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return "", &scheduler.Error{Op: "submit", Scheduler: Name, Err: fmt.Errorf("start job: %w", err)}
	}
	// Reap the child while this process lives; the exit code file carries
	// the outcome across restarts.
	go func() { _ = cmd.Wait() }()

	rec := &JobRecord{
		JobID:      jobID,
		Name:       strings.TrimSpace(sub.Name),
		State:      JobStateRunning,
		ScriptPath: script,
		PID:        cmd.Process.Pid,
		CreatedAt:  time.Now().UTC(),
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
	}
	if err := s.store.Write(rec); err != nil {
		_ = killGroup(rec.PID, syscall.SIGKILL)
		return "", &scheduler.Error{Op: "submit", Scheduler: Name, Err: err}
	}

	s.logger.Debug("Started local job", zap.String("job_id", jobID), zap.Int("pid", rec.PID), zap.Int("index", sub.Index))
	return jobID, nil
}

// Query reads job records. Unknown ids report JobUnknown.
func (s *Scheduler) Query(ctx context.Context, jobIDs []string) (map[string]scheduler.Status, error) {
	out := make(map[string]scheduler.Status)
	for _, id := range scheduler.Dedupe(jobIDs) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.store.Get(id)
		if err != nil {
			out[id] = scheduler.Status{State: scheduler.JobUnknown}
			continue
		}
		out[id] = toStatus(rec)
	}
	return out, nil
}

// Cancel sends SIGTERM to each job's process group and escalates to SIGKILL
// for groups still alive after the kill grace.
func (s *Scheduler) Cancel(ctx context.Context, jobIDs []string) error {
	var pending []*JobRecord
	for _, id := range scheduler.Dedupe(jobIDs) {
		rec, err := s.store.Get(id)
		if err != nil {
			continue
		}
		if rec.State != JobStateRunning {
			continue
		}
		rec.State = JobStateStopping
		if err := s.store.Write(rec); err != nil {
			return &scheduler.Error{Op: "cancel", Scheduler: Name, Err: err}
		}
		if err := killGroup(rec.PID, syscall.SIGTERM); err != nil {
			s.logger.Debug("SIGTERM failed", zap.String("job_id", rec.JobID), zap.Error(err))
		}
		pending = append(pending, rec)
	}
	if len(pending) == 0 {
		return nil
	}

	deadline := time.Now().Add(s.killGrace)
	for time.Now().Before(deadline) {
		alive := pending[:0]
		for _, rec := range pending {
			if isProcessAlive(rec.PID) {
				alive = append(alive, rec)
			}
		}
		pending = alive
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(50 * time.Millisecond):
		}
	}
	for _, rec := range pending {
		_ = killGroup(rec.PID, syscall.SIGKILL)
	}

	for _, id := range scheduler.Dedupe(jobIDs) {
		rec, err := s.store.Get(id)
		if err != nil || rec.State != JobStateStopping {
			continue
		}
		rec.State = JobStateStopped
		now := time.Now().UTC()
		rec.EndedAt = &now
		_ = s.store.Write(rec)
	}
	return nil
}

func toStatus(rec *JobRecord) scheduler.Status {
	switch rec.State {
	case JobStateRunning:
		return scheduler.Status{State: scheduler.JobRunning, Raw: "RUNNING"}
	case JobStateStopping, JobStateStopped:
		return scheduler.Status{State: scheduler.JobFailed, Raw: "CANCELLED"}
	case JobStateSuccess:
		return scheduler.Status{State: scheduler.JobCompleted, Raw: "COMPLETED"}
	case JobStateFailed:
		raw := "FAILED"
		if rec.ExitCode != nil {
			raw = fmt.Sprintf("FAILED (exit %d)", *rec.ExitCode)
		}
		return scheduler.Status{State: scheduler.JobFailed, Raw: raw}
	default:
		return scheduler.Status{State: scheduler.JobUnknown, Raw: strings.ToUpper(string(rec.State))}
	}
}
