// Package lifecycle implements out-of-band operations on persisted calls:
// cancel, cleanup, status, listing and garbage collection. None of them
// needs the process that started the call.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/slurmmap/pkg/callid"
	"github.com/3leaps/slurmmap/pkg/runstore"
	"github.com/3leaps/slurmmap/pkg/scheduler"
)

// Resolver returns the backend recorded in a manifest.
type Resolver func(kind string) (scheduler.Scheduler, error)

// Manager operates on the run store.
type Manager struct {
	store   *runstore.Store
	resolve Resolver
	logger  *zap.Logger
}

func New(store *runstore.Store, resolve Resolver, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, resolve: resolve, logger: logger}
}

func (m *Manager) Store() *runstore.Store {
	return m.store
}

// CancelReport describes what Cancel did.
type CancelReport struct {
	CallID string `json:"call_id"`
	// Cancelled lists the indices marked cancelled.
	Cancelled []int `json:"cancelled"`
	// JobIDs lists the scheduler jobs a cancel request was sent for.
	JobIDs []string `json:"job_ids"`
}

// Cancel asks the scheduler to cancel every non-terminal task of callID
// and marks those tasks cancelled. Already terminal tasks are untouched.
func (m *Manager) Cancel(ctx context.Context, callID string) (*CancelReport, error) {
	if err := callid.Validate(callID); err != nil {
		return nil, err
	}
	man, err := m.store.Get(callID)
	if err != nil {
		return nil, err
	}

	report := &CancelReport{CallID: callID, Cancelled: []int{}, JobIDs: []string{}}
	for _, rec := range man.Tasks {
		if rec.Status.Terminal() {
			continue
		}
		report.Cancelled = append(report.Cancelled, rec.Index)
		if rec.JobID != "" {
			report.JobIDs = append(report.JobIDs, rec.JobID)
		}
	}
	if len(report.Cancelled) == 0 {
		return report, nil
	}

	if len(report.JobIDs) > 0 {
		sched, err := m.scheduler(man)
		if err != nil {
			return nil, err
		}
		if err := sched.Cancel(ctx, report.JobIDs); err != nil {
			return nil, fmt.Errorf("cancel jobs of %s: %w", callID, err)
		}
	}

	now := time.Now().UTC()
	for _, i := range report.Cancelled {
		rec := &man.Tasks[i]
		rec.Status = runstore.TaskCancelled
		rec.FinishedAt = &now
	}
	if err := m.store.Persist(man); err != nil {
		return nil, err
	}
	m.logger.Info("Cancelled call", zap.String("call_id", callID),
		zap.Int("tasks", len(report.Cancelled)), zap.Int("jobs", len(report.JobIDs)))
	return report, nil
}

// Cleanup removes the manifest and every artifact of callID. It refuses
// while a live submitter holds the call unless force is set.
func (m *Manager) Cleanup(_ context.Context, callID string, force bool) error {
	if err := callid.Validate(callID); err != nil {
		return err
	}
	if !m.store.Exists(callID) {
		return fmt.Errorf("%s: %w", callID, runstore.ErrNotFound)
	}
	if !force {
		if owner, err := m.store.Owner(callID); err == nil && owner.Alive() {
			return fmt.Errorf("%w: %s is being waited on by pid %d on %s", runstore.ErrLocked, callID, owner.PID, owner.Hostname)
		}
	}
	if err := m.store.Delete(callID); err != nil {
		return err
	}
	m.logger.Info("Removed call", zap.String("call_id", callID))
	return nil
}

// Status returns the persisted manifest of callID.
func (m *Manager) Status(callID string) (*runstore.Manifest, error) {
	if err := callid.Validate(callID); err != nil {
		return nil, err
	}
	return m.store.Get(callID)
}

// List summarizes every persisted call, most recently updated first.
func (m *Manager) List() ([]runstore.Summary, error) {
	manifests, err := m.store.List()
	if err != nil {
		return nil, err
	}
	out := make([]runstore.Summary, 0, len(manifests))
	for _, man := range manifests {
		out = append(out, man.Summarize())
	}
	return out, nil
}

// GCResult reports one GC pass.
type GCResult struct {
	Removed []runstore.Summary `json:"removed"`
	Kept    int                `json:"kept"`
	DryRun  bool               `json:"dry_run"`
}

// GC removes calls whose tasks are all terminal and whose manifest has not
// changed for maxAge. Calls held by a live submitter are kept.
func (m *Manager) GC(ctx context.Context, maxAge time.Duration, dryRun bool) (*GCResult, error) {
	manifests, err := m.store.List()
	if err != nil {
		return nil, err
	}
	res := &GCResult{Removed: []runstore.Summary{}, DryRun: dryRun}
	cutoff := time.Now().UTC().Add(-maxAge)

	for _, man := range manifests {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !man.Done() || man.UpdatedAt.After(cutoff) {
			res.Kept++
			continue
		}
		if owner, err := m.store.Owner(man.CallID); err == nil && owner.Alive() {
			res.Kept++
			continue
		}
		if !dryRun {
			if err := m.store.Delete(man.CallID); err != nil && !errors.Is(err, runstore.ErrNotFound) {
				return res, err
			}
		}
		res.Removed = append(res.Removed, man.Summarize())
	}
	return res, nil
}

// LogPaths returns the stdout and stderr files of one task.
func (m *Manager) LogPaths(callID string, index int) (string, string, error) {
	man, err := m.Status(callID)
	if err != nil {
		return "", "", err
	}
	if index < 0 || index >= len(man.Tasks) {
		return "", "", fmt.Errorf("%s has %d tasks; index %d is out of range", callID, len(man.Tasks), index)
	}
	rec := man.Tasks[index]
	return rec.StdoutPath, rec.StderrPath, nil
}

func (m *Manager) scheduler(man *runstore.Manifest) (scheduler.Scheduler, error) {
	if m.resolve == nil {
		return nil, fmt.Errorf("no scheduler resolver configured")
	}
	sched, err := m.resolve(man.Scheduler)
	if err != nil {
		return nil, fmt.Errorf("scheduler %q of %s: %w", man.Scheduler, man.CallID, err)
	}
	return sched, nil
}
