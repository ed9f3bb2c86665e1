package local

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/3leaps/slurmmap/pkg/runstore"
)

// Store persists JobRecords on disk.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/exit_code
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

// ExitCodePath is written by the job wrapper when the script exits.
func (s *Store) ExitCodePath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "exit_code")
}

func (s *Store) Write(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	jobID := strings.TrimSpace(record.JobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("local job root dir is empty")
	}
	if err := os.MkdirAll(s.JobDir(jobID), 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	return runstore.WriteFileAtomic(s.JobPath(jobID), append(b, '\n'))
}

// Get loads a record and folds in the wrapper's exit code. A record that
// claims running while its process is gone and no exit code was written is
// marked unknown.
func (s *Store) Get(jobID string) (*JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}

	if record.State != JobStateRunning && record.State != JobStateStopping {
		return &record, nil
	}

	if code, ok := s.readExitCode(jobID); ok {
		switch {
		case record.State == JobStateStopping:
			record.State = JobStateStopped
		case code == 0:
			record.State = JobStateSuccess
		default:
			record.State = JobStateFailed
		}
		record.ExitCode = &code
		now := time.Now().UTC()
		record.EndedAt = &now
		_ = s.Write(&record)
		return &record, nil
	}

	if record.PID > 0 && !isProcessAlive(record.PID) {
		if record.State == JobStateStopping {
			record.State = JobStateStopped
		} else {
			record.State = JobStateUnknown
		}
		now := time.Now().UTC()
		record.EndedAt = &now
		_ = s.Write(&record)
	}
	return &record, nil
}

func (s *Store) readExitCode(jobID string) (int, bool) {
	b, err := os.ReadFile(s.ExitCodePath(jobID))
	if err != nil {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false
	}
	return code, true
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
