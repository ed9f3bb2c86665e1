// Package poller drives outstanding tasks of one manifest to terminal
// states. Each tick checks output artifacts first, then asks the scheduler
// about the remaining job handles in one batched query.
package poller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/3leaps/slurmmap/pkg/runstore"
	"github.com/3leaps/slurmmap/pkg/scheduler"
	"github.com/3leaps/slurmmap/pkg/stream"
	"github.com/3leaps/slurmmap/pkg/taskunit"
)

// stderrTailLines is how much of a job's stderr is kept as failure detail
// when the job died without writing a failure artifact.
const stderrTailLines = 20

// ErrManifestRemoved is returned when the manifest disappears while
// waiting, typically because of a concurrent cleanup.
var ErrManifestRemoved = errors.New("manifest removed while waiting")

// ErrSchedulerUnavailable is returned once MaxQueryFailures consecutive
// status queries failed with non-transient errors.
var ErrSchedulerUnavailable = errors.New("scheduler status queries keep failing")

// Options configures a Poller.
type Options struct {
	// Interval between ticks. Defaults to 5s.
	Interval time.Duration
	// MaxInterval caps the interval while status queries keep failing; it
	// doubles per failed tick. Defaults to 12 times Interval.
	MaxInterval time.Duration
	// MaxQueryFailures is how many consecutive non-transient query failures
	// end the wait. Zero means 10; negative means never.
	MaxQueryFailures int
	// Grace is how long a finished job may lack its artifact before the
	// scheduler's verdict is taken. Zero means 30s; negative means none.
	Grace time.Duration
	// Events receives one TaskEvent per task that turns terminal.
	Events chan<- runstore.TaskEvent
	Clock  clock.Clock
	Logger *zap.Logger
}

// Poller tracks one manifest.
type Poller struct {
	store    *runstore.Store
	sched    scheduler.Scheduler
	interval time.Duration
	grace    time.Duration
	events   chan<- runstore.TaskEvent
	clock    clock.Clock
	logger   *zap.Logger

	// finishedAt records when the scheduler first reported a job finished
	// (or unknown) while its artifact was still missing.
	finishedAt map[int]time.Time

	maxFailures int
	delays      *backoff.ExponentialBackOff
	failures    int // consecutive failed queries
	permanent   int // consecutive non-transient failed queries
}

func New(store *runstore.Store, sched scheduler.Scheduler, opts Options) *Poller {
	p := &Poller{
		store:      store,
		sched:      sched,
		interval:   opts.Interval,
		grace:      opts.Grace,
		events:     opts.Events,
		clock:      opts.Clock,
		logger:     opts.Logger,
		finishedAt:  make(map[int]time.Time),
		maxFailures: opts.MaxQueryFailures,
	}
	if p.interval <= 0 {
		p.interval = 5 * time.Second
	}
	if p.maxFailures == 0 {
		p.maxFailures = 10
	}
	maxInterval := opts.MaxInterval
	if maxInterval < p.interval {
		maxInterval = 12 * p.interval
	}
	p.delays = backoff.NewExponentialBackOff()
	p.delays.InitialInterval = 2 * p.interval
	p.delays.MaxInterval = maxInterval
	p.delays.MaxElapsedTime = 0
	p.delays.RandomizationFactor = 0
	p.delays.Reset()
	switch {
	case p.grace == 0:
		p.grace = 30 * time.Second
	case p.grace < 0:
		p.grace = 0
	}
	if p.clock == nil {
		p.clock = clock.New()
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Run ticks until every task is terminal or ctx is done. Interruption
// leaves the manifest as last persisted and cancels nothing remotely.
func (p *Poller) Run(ctx context.Context, m *runstore.Manifest) error {
	if m.Done() {
		return nil
	}
	for {
		if _, err := p.Tick(ctx, m); err != nil {
			return err
		}
		if m.Done() {
			return nil
		}
		if stuck := unsubmitted(m); len(stuck) > 0 && len(stuck) == len(m.Outstanding()) {
			return fmt.Errorf("%s: tasks %v were never submitted", m.CallID, stuck)
		}
		timer := p.clock.Timer(p.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// nextDelay is Interval while queries succeed and backs off exponentially
// while they fail.
func (p *Poller) nextDelay() time.Duration {
	if p.failures == 0 {
		return p.interval
	}
	return p.delays.NextBackOff()
}

// Tick performs one polling pass and persists the manifest if any task
// changed. It reports whether anything changed.
func (p *Poller) Tick(ctx context.Context, m *runstore.Manifest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	adopted, err := p.adoptExternal(ctx, m)
	if err != nil {
		return false, err
	}
	changed := len(adopted) > 0

	now := p.clock.Now().UTC()
	var terminal []int
	queryIDs := make([]string, 0)
	byJob := make(map[string][]int)

	for i := range m.Tasks {
		rec := &m.Tasks[i]
		if rec.Status.Terminal() || rec.Status == runstore.TaskPending {
			continue
		}
		if p.checkArtifacts(rec, now) {
			changed = true
			terminal = append(terminal, i)
			continue
		}
		if rec.JobID == "" {
			continue
		}
		if _, seen := byJob[rec.JobID]; !seen {
			queryIDs = append(queryIDs, rec.JobID)
		}
		byJob[rec.JobID] = append(byJob[rec.JobID], i)
	}

	var queryErr error
	if len(queryIDs) > 0 {
		statuses, err := p.sched.Query(ctx, queryIDs)
		switch {
		case err == nil:
			p.queryRecovered(m.CallID)
			for _, id := range queryIDs {
				st, ok := statuses[id]
				if !ok {
					st = scheduler.Status{State: scheduler.JobUnknown}
				}
				for _, i := range byJob[id] {
					c, done := p.apply(&m.Tasks[i], st, now)
					changed = changed || c
					if done {
						terminal = append(terminal, i)
					}
				}
			}
		case ctx.Err() != nil:
			return changed, ctx.Err()
		default:
			// Artifacts still resolve tasks while the controller is away.
			queryErr = err
			p.queryFailed(m.CallID, err)
		}
	}

	if changed {
		// Pick up a cancel written since the reload at the start of the tick.
		if _, err := p.adoptExternal(ctx, m); err != nil {
			return changed, err
		}
		if err := p.store.Persist(m); err != nil {
			return changed, fmt.Errorf("persist manifest: %w", err)
		}
	}
	for _, i := range terminal {
		rec := m.Tasks[i]
		p.logger.Debug("Task finished", zap.String("call_id", m.CallID), zap.Int("index", i),
			zap.String("status", string(rec.Status)), zap.String("job_id", rec.JobID))
		if err := p.emit(ctx, runstore.TaskEvent{Index: i, Status: rec.Status, JobID: rec.JobID}); err != nil {
			return changed, err
		}
	}
	if p.maxFailures > 0 && p.permanent >= p.maxFailures {
		p.logger.Error("Giving up on scheduler status queries", zap.String("call_id", m.CallID),
			zap.Int("attempts", p.permanent), zap.Error(queryErr))
		return changed, fmt.Errorf("%s: %w after %d attempts: %w", m.CallID, ErrSchedulerUnavailable, p.permanent, queryErr)
	}
	return changed, nil
}

func (p *Poller) queryFailed(callID string, err error) {
	p.failures++
	if scheduler.IsTransient(err) {
		p.permanent = 0
	} else {
		p.permanent++
	}
	fields := []zap.Field{zap.String("call_id", callID), zap.Int("attempt", p.failures),
		zap.Bool("transient", scheduler.IsTransient(err)), zap.Error(err)}
	if p.failures == 1 {
		p.logger.Warn("Scheduler query failed; backing off", fields...)
		return
	}
	p.logger.Debug("Scheduler query failed", fields...)
}

func (p *Poller) queryRecovered(callID string) {
	if p.failures > 0 {
		p.logger.Info("Scheduler queries succeed again", zap.String("call_id", callID), zap.Int("failed_attempts", p.failures))
	}
	p.failures = 0
	p.permanent = 0
	p.delays.Reset()
}

// adoptExternal folds in cancellations written by another process and
// returns the indices it took over. Tasks already terminal in m keep their
// state.
func (p *Poller) adoptExternal(ctx context.Context, m *runstore.Manifest) ([]int, error) {
	disk, err := p.store.Get(m.CallID)
	if err != nil {
		if runstore.IsNotFound(err) {
			return nil, fmt.Errorf("%s: %w", m.CallID, ErrManifestRemoved)
		}
		p.logger.Debug("Reload manifest failed", zap.Error(err))
		return nil, nil
	}
	if len(disk.Tasks) != len(m.Tasks) {
		return nil, nil
	}
	var adopted []int
	for i := range m.Tasks {
		if m.Tasks[i].Status.Terminal() || disk.Tasks[i].Status != runstore.TaskCancelled {
			continue
		}
		m.Tasks[i] = disk.Tasks[i]
		delete(p.finishedAt, i)
		adopted = append(adopted, i)
		if err := p.emit(ctx, runstore.TaskEvent{Index: i, Status: runstore.TaskCancelled, JobID: m.Tasks[i].JobID}); err != nil {
			return adopted, err
		}
	}
	return adopted, nil
}

// checkArtifacts resolves rec from its result or failure artifact.
func (p *Poller) checkArtifacts(rec *runstore.TaskRecord, now time.Time) bool {
	if fileExists(rec.ResultPath) {
		rec.Status = runstore.TaskSucceeded
		rec.FinishedAt = &now
		return true
	}
	if fileExists(rec.ErrorPath) {
		rec.Status = runstore.TaskFailed
		rec.FinishedAt = &now
		if f, err := taskunit.ReadFailure(rec.ErrorPath); err == nil {
			rec.Failure = f.Message
		}
		return true
	}
	return false
}

// apply records a scheduler status. It returns whether the record changed
// and whether it became terminal.
func (p *Poller) apply(rec *runstore.TaskRecord, st scheduler.Status, now time.Time) (bool, bool) {
	changed := false
	if st.Raw != "" && st.Raw != rec.SchedulerState {
		rec.SchedulerState = st.Raw
		changed = true
	}

	switch st.State {
	case scheduler.JobQueued:
		delete(p.finishedAt, rec.Index)
		if rec.Status != runstore.TaskSubmitted {
			rec.Status = runstore.TaskSubmitted
			changed = true
		}
		return changed, false
	case scheduler.JobRunning:
		delete(p.finishedAt, rec.Index)
		if rec.Status != runstore.TaskRunning {
			rec.Status = runstore.TaskRunning
			changed = true
		}
		return changed, false
	}

	if st.Cancelled() {
		rec.Status = runstore.TaskCancelled
		rec.FinishedAt = &now
		delete(p.finishedAt, rec.Index)
		return true, true
	}

	// Finished or unknown without an artifact: the artifact may still be
	// in flight on shared storage.
	first, ok := p.finishedAt[rec.Index]
	if !ok {
		p.finishedAt[rec.Index] = now
		first = now
	}
	if now.Sub(first) < p.grace {
		return changed, false
	}
	if p.checkArtifacts(rec, now) {
		delete(p.finishedAt, rec.Index)
		return true, true
	}

	delete(p.finishedAt, rec.Index)
	rec.Status = runstore.TaskFailed
	rec.FinishedAt = &now
	rec.Failure = describeLoss(rec, st)
	return true, true
}

func describeLoss(rec *runstore.TaskRecord, st scheduler.Status) string {
	state := st.Raw
	if state == "" {
		state = string(st.State)
	}
	msg := fmt.Sprintf("job %s ended in state %s without writing a result", rec.JobID, state)
	if st.State == scheduler.JobUnknown {
		msg = fmt.Sprintf("job %s is no longer known to the scheduler and wrote no result", rec.JobID)
	}
	lines, err := stream.TailFile(rec.StderrPath, stderrTailLines)
	if err == nil && len(lines) > 0 {
		msg += "\nstderr (last lines):\n" + strings.Join(lines, "\n")
	}
	return msg
}

func (p *Poller) emit(ctx context.Context, ev runstore.TaskEvent) error {
	if p.events == nil {
		return nil
	}
	select {
	case p.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func unsubmitted(m *runstore.Manifest) []int {
	var out []int
	for _, rec := range m.Tasks {
		if rec.Status == runstore.TaskPending {
			out = append(out, rec.Index)
		}
	}
	return out
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
