package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	lockDirName   = ".submit.lock"
	lockOwnerFile = "owner.json"
)

// Lock marks a call identity as owned by one live submitter process.
type Lock struct {
	lockDir string
}

// LockOwner is persisted inside the lock directory for diagnostics and
// stale-lock detection.
type LockOwner struct {
	PID       int    `json:"pid"`
	Hostname  string `json:"hostname,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Acquire takes the submit lock for callID. A lock left behind by a dead
// process on this host is reclaimed; any other held lock fails with
// ErrLocked.
func (s *Store) Acquire(callID string) (*Lock, error) {
	callDir := s.CallDir(callID)
	if err := os.MkdirAll(callDir, 0755); err != nil {
		return nil, fmt.Errorf("create call dir: %w", err)
	}
	lockDir := filepath.Join(callDir, lockDirName)

	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(lockDir, 0755)
		if err == nil {
			owner := LockOwner{
				PID:       os.Getpid(),
				Hostname:  hostnameOrUnknown(),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			b, _ := json.MarshalIndent(owner, "", "  ")
			if err := WriteFileAtomic(filepath.Join(lockDir, lockOwnerFile), append(b, '\n')); err != nil {
				_ = os.RemoveAll(lockDir)
				return nil, fmt.Errorf("write lock owner: %w", err)
			}
			return &Lock{lockDir: lockDir}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock for %s: %w", callID, err)
		}

		owner, readErr := readOwner(lockDir)
		if readErr == nil && owner.Hostname == hostnameOrUnknown() && owner.PID > 0 && !isProcessAlive(owner.PID) {
			// Stale lock from a crashed submitter on this host.
			_ = os.RemoveAll(lockDir)
			continue
		}
		if readErr == nil && owner.PID > 0 {
			return nil, fmt.Errorf("%w: %s (pid=%d host=%s since=%s)", ErrLocked, callID, owner.PID, owner.Hostname, owner.CreatedAt)
		}
		return nil, fmt.Errorf("%w: %s", ErrLocked, callID)
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, callID)
}

// Owner returns the current holder of callID's submit lock, if any.
func (s *Store) Owner(callID string) (*LockOwner, error) {
	owner, err := readOwner(filepath.Join(s.CallDir(callID), lockDirName))
	if err != nil {
		return nil, err
	}
	return &owner, nil
}

// Release removes the lock directory. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.lockDir, lockOwnerFile))
	if err := os.Remove(l.lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.lockDir, err)
	}
	l.lockDir = ""
	return nil
}

// Alive reports whether the owner process still exists on this host. Owners
// on other hosts are assumed alive.
func (o *LockOwner) Alive() bool {
	if o == nil {
		return false
	}
	if o.Hostname != hostnameOrUnknown() {
		return true
	}
	return isProcessAlive(o.PID)
}

func readOwner(lockDir string) (LockOwner, error) {
	var owner LockOwner
	b, err := os.ReadFile(filepath.Join(lockDir, lockOwnerFile))
	if err != nil {
		return owner, err
	}
	if err := json.Unmarshal(b, &owner); err != nil {
		return owner, err
	}
	if owner.PID <= 0 {
		return owner, errors.New("lock owner has no pid")
	}
	return owner, nil
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
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
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return true
}
