// Package runstore persists run manifests: one directory per call identity
// holding the manifest and every per-task artifact.
package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const manifestFile = "manifest.json"

// Store persists and loads manifests from an on-disk directory.
//
// Directory layout:
//
//	<root>/<call_id>/manifest.json
//	<root>/<call_id>/.submit.lock/owner.json
//	<root>/<call_id>/tasks/<index>/{unit.json,job.sh,result.gob,error.json,stdout.log,stderr.log}
//
// Root must be visible to the compute nodes at the same path.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) CallDir(callID string) string {
	return filepath.Join(s.root, callID)
}

func (s *Store) ManifestPath(callID string) string {
	return filepath.Join(s.CallDir(callID), manifestFile)
}

func (s *Store) TaskDir(callID string, index int) string {
	return filepath.Join(s.CallDir(callID), "tasks", strconv.Itoa(index))
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("run store root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// NewManifest builds an unpersisted manifest with n pending tasks whose
// artifact paths follow the store layout.
func (s *Store) NewManifest(callID string, n int) *Manifest {
	now := time.Now().UTC()
	m := &Manifest{
		CallID:    callID,
		CreatedAt: now,
		UpdatedAt: now,
		Tasks:     make([]TaskRecord, n),
	}
	for i := range m.Tasks {
		dir := s.TaskDir(callID, i)
		m.Tasks[i] = TaskRecord{
			Index:      i,
			Status:     TaskPending,
			UnitPath:   filepath.Join(dir, "unit.json"),
			ScriptPath: filepath.Join(dir, "job.sh"),
			ResultPath: filepath.Join(dir, "result.gob"),
			ErrorPath:  filepath.Join(dir, "error.json"),
			StdoutPath: filepath.Join(dir, "stdout.log"),
			StderrPath: filepath.Join(dir, "stderr.log"),
		}
	}
	return m
}

// OpenOrCreate returns the existing manifest for callID when its task count
// equals expected, fails with a *MismatchError when it does not, and
// otherwise creates and persists a fresh manifest. The boolean reports
// whether the manifest was created by this call.
func (s *Store) OpenOrCreate(callID string, expected int) (*Manifest, bool, error) {
	if expected < 0 {
		return nil, false, fmt.Errorf("expected length must be >= 0")
	}
	m, err := s.Get(callID)
	switch {
	case err == nil:
		if len(m.Tasks) != expected {
			return nil, false, &MismatchError{CallID: callID, Existing: len(m.Tasks), Expected: expected, Index: -1}
		}
		return m, false, nil
	case IsNotFound(err):
	default:
		return nil, false, err
	}

	m = s.NewManifest(callID, expected)
	if err := s.Persist(m); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// Persist writes the full manifest atomically (temp file + rename) so a
// concurrent reader never observes a partial file.
func (s *Store) Persist(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	callID := strings.TrimSpace(m.CallID)
	if callID == "" {
		return fmt.Errorf("call_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	callDir := s.CallDir(callID)
	if err := os.MkdirAll(callDir, 0755); err != nil {
		return fmt.Errorf("create call dir: %w", err)
	}

	m.UpdatedAt = time.Now().UTC()
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	b = append(b, '\n')

	return WriteFileAtomic(s.ManifestPath(callID), b)
}

// Get loads the manifest for callID.
func (s *Store) Get(callID string) (*Manifest, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return nil, fmt.Errorf("call_id is required")
	}
	b, err := os.ReadFile(s.ManifestPath(callID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", callID, ErrNotFound)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("manifest.json is empty")
	}

	var m Manifest
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return nil, fmt.Errorf("parse manifest.json: %w", err)
	}
	for i := range m.Tasks {
		if m.Tasks[i].Index != i {
			return nil, fmt.Errorf("manifest %s is corrupt: task %d recorded at position %d", callID, m.Tasks[i].Index, i)
		}
	}
	return &m, nil
}

// Exists reports whether a manifest is present for callID.
func (s *Store) Exists(callID string) bool {
	_, err := os.Stat(s.ManifestPath(callID))
	return err == nil
}

// Delete removes the manifest and all artifacts for callID.
func (s *Store) Delete(callID string) error {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return fmt.Errorf("call_id is required")
	}
	if !s.Exists(callID) {
		return fmt.Errorf("%s: %w", callID, ErrNotFound)
	}
	if err := os.RemoveAll(s.CallDir(callID)); err != nil {
		return fmt.Errorf("remove call dir: %w", err)
	}
	return nil
}

// List returns every readable manifest, most recently updated first.
// Unreadable entries are skipped.
func (s *Store) List() ([]*Manifest, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run store root: %w", err)
	}

	out := make([]*Manifest, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		m, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by rename.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
