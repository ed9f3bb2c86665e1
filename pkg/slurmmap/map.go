// Package slurmmap applies a registered function to every element of a
// slice, running one cluster job per element, and returns the results in
// input order.
//
// State lives on shared storage under <root>/<call identity>, so a wait
// that is interrupted (Ctrl-C, lost SSH session) can be resumed by calling
// Map again with the same function and inputs: jobs that already have a
// handle are reattached, never resubmitted.
//
//	var square = slurmmap.Register("", func(_ context.Context, x int) (int, error) {
//		return x * x, nil
//	})
//
//	func main() {
//		slurmmap.RunWorkerIfRequested()
//		out, err := slurmmap.Map(ctx, square, []int{1, 2, 3},
//			slurmmap.WithSchedulerArgs("--mem=8G --time=3600"))
//		...
//	}
package slurmmap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/slurmmap/internal/config"
	"github.com/3leaps/slurmmap/internal/observability"
	"github.com/3leaps/slurmmap/pkg/callid"
	"github.com/3leaps/slurmmap/pkg/collector"
	"github.com/3leaps/slurmmap/pkg/dispatch"
	"github.com/3leaps/slurmmap/pkg/poller"
	"github.com/3leaps/slurmmap/pkg/runstore"
	"github.com/3leaps/slurmmap/pkg/scheduler"
	"github.com/3leaps/slurmmap/pkg/scheduler/backends"
	"github.com/3leaps/slurmmap/pkg/stream"
	"github.com/3leaps/slurmmap/pkg/taskunit"
)

// CallID returns the identity Map uses for fn under the given options.
func CallID[In, Out any](fn *Func[In, Out], opts ...Option) (string, error) {
	s := &settings{}
	for _, o := range opts {
		o(s)
	}
	return callid.Resolve(fn.Name(), s.namespace)
}

// Map runs fn on every element of inputs as independent scheduler jobs and
// returns the results in input order. It blocks until every job is
// terminal. If any task fails, no results are returned and the error
// combines one RemoteTaskError, RemoteTaskCancelled or SubmissionError per
// failed index. Cancelling ctx abandons only the wait and returns
// ErrInterrupted.
func Map[In, Out any](ctx context.Context, fn *Func[In, Out], inputs []In, opts ...Option) ([]Out, error) {
	if fn == nil {
		return nil, fmt.Errorf("slurmmap: nil function")
	}
	s, err := resolveSettings(ctx, opts)
	if err != nil {
		return nil, err
	}

	// Everything must encode before anything is persisted or submitted.
	encoded := make([][]byte, len(inputs))
	digests := make([]string, len(inputs))
	for i, in := range inputs {
		b, err := taskunit.Encode(in)
		if err != nil {
			return nil, fmt.Errorf("slurmmap: element %d cannot be packaged: %w", i, err)
		}
		encoded[i] = b
		digests[i], err = taskunit.Fingerprint(in)
		if err != nil {
			s.logger.Debug("Falling back to the packaged bytes for the input digest", zap.Int("index", i), zap.Error(err))
			digests[i] = taskunit.Digest(b)
		}
	}

	raw, err := run(ctx, fn.Name(), encoded, digests, s)
	if err != nil {
		return nil, err
	}

	out := make([]Out, len(raw))
	for i, b := range raw {
		if err := taskunit.Decode(b, &out[i]); err != nil {
			return nil, fmt.Errorf("slurmmap: result %d: %w", i, err)
		}
	}
	return out, nil
}

func resolveSettings(ctx context.Context, opts []Option) (*settings, error) {
	s := &settings{}
	for _, o := range opts {
		o(s)
	}
	if s.cfg == nil {
		cfg, err := config.Load(ctx)
		if err != nil {
			return nil, err
		}
		s.cfg = cfg
	}
	if s.root == "" {
		s.root = s.cfg.Root
	}
	root, err := config.ResolveRoot(s.root)
	if err != nil {
		return nil, err
	}
	s.root = root
	if s.schedArgs == nil {
		args := s.cfg.Scheduler.Args
		s.schedArgs = &args
	}
	if s.preRun == nil {
		s.preRun = s.cfg.Scheduler.PreRun
	}
	if s.poll <= 0 {
		s.poll = s.cfg.PollInterval
	}
	if s.grace == 0 {
		s.grace = s.cfg.ArtifactGrace
		if s.grace == 0 {
			s.grace = -1
		}
	}
	if s.stream == nil {
		enabled := s.cfg.Stream.Enabled
		s.stream = &enabled
	}
	if s.stdout == nil {
		s.stdout = os.Stdout
	}
	if s.stderr == nil {
		s.stderr = os.Stderr
	}
	if s.logger == nil {
		s.logger = observability.NewConsoleLogger("slurmmap", s.stderr, s.cfg.Logging.Level)
	}
	if s.sched == nil {
		sched, err := backends.New(backends.Options{
			Kind:   s.cfg.Scheduler.Kind,
			Root:   s.root,
			MaxQPS: s.cfg.Scheduler.MaxQPS,
			Logger: s.logger,
		})
		if err != nil {
			return nil, err
		}
		s.sched = sched
	}
	return s, nil
}

func run(ctx context.Context, function string, encoded [][]byte, digests []string, s *settings) ([][]byte, error) {
	callID, err := callid.Resolve(function, s.namespace)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(zap.String("call_id", callID))
	store := runstore.NewStore(s.root)

	lock, err := store.Acquire(callID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	m, created, err := store.OpenOrCreate(callID, len(encoded))
	if err != nil {
		return nil, err
	}
	if err := adopt(m, created, function, digests, s.sched); err != nil {
		return nil, err
	}

	d, err := dispatch.New(store, s.sched, dispatch.Options{
		SchedulerArgs: *s.schedArgs,
		PreRun:        s.preRun,
		Executable:    s.executable,
		Backoff: dispatch.Backoff{
			Initial:    s.cfg.Submit.InitialBackoff,
			Max:        s.cfg.Submit.MaxBackoff,
			MaxElapsed: s.cfg.Submit.MaxElapsed,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	if created {
		m.RunID = uuid.New().String()
		m.SchedulerArgs = *s.schedArgs
		m.PreRun = s.preRun
		m.Executable = d.Executable()
		m.WorkDir = d.WorkDir()
	}
	if err := store.Persist(m); err != nil {
		return nil, err
	}

	report, err := d.Dispatch(ctx, m, encoded)
	if err != nil {
		if ctx.Err() != nil {
			return nil, interrupted(ctx, logger, callID)
		}
		return nil, err
	}
	if len(report.Reattached) > 0 {
		logger.Info("Reattached to running jobs", zap.Ints("indices", report.Reattached), zap.Strings("job_ids", jobIDs(m, report.Reattached)))
	}
	if len(report.Submitted) > 0 {
		logger.Info("Submitted jobs", zap.Int("count", len(report.Submitted)), zap.String("scheduler", s.sched.Name()))
	}
	if len(report.Rejected) > 0 {
		logger.Warn("Some tasks were rejected by the scheduler", zap.Ints("indices", report.Rejected))
	}

	if err := wait(ctx, store, m, report.Reattached, s, logger); err != nil {
		if ctx.Err() != nil {
			return nil, interrupted(ctx, logger, callID)
		}
		return nil, err
	}

	return collector.CollectAll(m)
}

// adopt checks a reopened manifest against the current call and fills in
// what a fresh one lacks.
func adopt(m *runstore.Manifest, created bool, function string, digests []string, sched scheduler.Scheduler) error {
	if !created {
		if m.Function != "" && m.Function != function {
			return fmt.Errorf("%w: %s was created for function %s", runstore.ErrManifestMismatch, m.CallID, m.Function)
		}
		if m.Scheduler != "" && m.Scheduler != sched.Name() {
			return fmt.Errorf("%w: %s was submitted through scheduler %s, not %s", runstore.ErrManifestMismatch, m.CallID, m.Scheduler, sched.Name())
		}
	}
	for i := range m.Tasks {
		switch m.Tasks[i].InputDigest {
		case "":
			m.Tasks[i].InputDigest = digests[i]
		case digests[i]:
		default:
			return &runstore.MismatchError{CallID: m.CallID, Existing: len(m.Tasks), Expected: len(digests), Index: i}
		}
	}
	m.Function = function
	m.Scheduler = sched.Name()
	return nil
}

func wait(ctx context.Context, store *runstore.Store, m *runstore.Manifest, reattached []int, s *settings, logger *zap.Logger) error {
	if m.Done() {
		return nil
	}

	events := make(chan runstore.TaskEvent, len(m.Tasks))
	p := poller.New(store, s.sched, poller.Options{
		Interval: s.poll,
		Grace:    s.grace,
		Events:   events,
		Clock:    s.clock,
		Logger:   logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		return p.Run(gctx, m)
	})
	if *s.stream {
		fwd := stream.New(stream.Options{
			Stdout:   s.stdout,
			Stderr:   s.stderr,
			Interval: s.cfg.Stream.Interval,
			Color:    s.cfg.Stream.Color,
			Logger:   logger,
		})
		// Output of reattached jobs was forwarded by the earlier call.
		seen := make(map[int]bool, len(reattached))
		for _, i := range reattached {
			seen[i] = true
		}
		for _, i := range m.Outstanding() {
			rec := m.Tasks[i]
			fwd.Add(stream.Source{
				Index:        rec.Index,
				StdoutPath:   rec.StdoutPath,
				StderrPath:   rec.StderrPath,
				SkipExisting: seen[i],
			})
		}
		g.Go(func() error { return fwd.Run(gctx, events) })
	}

	start := time.Now()
	logger.Debug("Waiting for jobs", zap.Int("outstanding", len(m.Outstanding())))
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("All tasks finished", zap.Duration("elapsed", time.Since(start)), zap.Any("counts", m.Counts()))
	return nil
}

func interrupted(ctx context.Context, logger *zap.Logger, callID string) error {
	logger.Info("Stopped waiting; jobs keep running. Call again to reattach or cancel with `slurmmap cancel`",
		zap.String("call_id", callID))
	return fmt.Errorf("%s: %w: %w", callID, ErrInterrupted, ctx.Err())
}

func jobIDs(m *runstore.Manifest, indices []int) []string {
	out := make([]string, 0, len(indices))
	for _, i := range indices {
		out = append(out, m.Tasks[i].JobID)
	}
	return out
}

// IsInterrupted reports whether err came from an abandoned wait.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}
