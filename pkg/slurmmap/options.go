package slurmmap

import (
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/3leaps/slurmmap/internal/config"
	"github.com/3leaps/slurmmap/pkg/scheduler"
)

// Option customizes one Map call.
type Option func(*settings)

type settings struct {
	cfg        *config.Config
	namespace  string
	schedArgs  *string
	preRun     []string
	sched      scheduler.Scheduler
	root       string
	poll       time.Duration
	grace      time.Duration
	stream     *bool
	stdout     io.Writer
	stderr     io.Writer
	executable string
	logger     *zap.Logger
	clock      clock.Clock
}

// WithConfig supplies the configuration instead of loading it from the
// environment and slurmmap.yaml.
func WithConfig(cfg *config.Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

// WithNamespace separates calls of the same function with different
// argument sequences. The identity becomes "<function>@<namespace>".
func WithNamespace(ns string) Option {
	return func(s *settings) { s.namespace = ns }
}

// WithSchedulerArgs sets the free-form scheduler arguments, e.g.
// "--mem=8G --partition=itp --time=3600".
func WithSchedulerArgs(args string) Option {
	return func(s *settings) { s.schedArgs = &args }
}

// WithPreRun sets shell commands run on the node before each task.
func WithPreRun(cmds ...string) Option {
	return func(s *settings) { s.preRun = append([]string{}, cmds...) }
}

// WithScheduler overrides the backend chosen by configuration.
func WithScheduler(sched scheduler.Scheduler) Option {
	return func(s *settings) { s.sched = sched }
}

// WithRoot sets the state directory shared with compute nodes.
func WithRoot(dir string) Option {
	return func(s *settings) { s.root = dir }
}

func WithPollInterval(d time.Duration) Option {
	return func(s *settings) { s.poll = d }
}

// WithArtifactGrace sets how long a finished job may lack its result
// artifact before the scheduler's verdict is trusted.
func WithArtifactGrace(d time.Duration) Option {
	return func(s *settings) { s.grace = d }
}

// WithStream enables or disables live forwarding of job output.
func WithStream(enabled bool) Option {
	return func(s *settings) { s.stream = &enabled }
}

// WithOutput sets where forwarded job output goes.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(s *settings) {
		s.stdout = stdout
		s.stderr = stderr
	}
}

// WithExecutable sets the binary run on the nodes; it defaults to the
// current executable and must be reachable from every node.
func WithExecutable(path string) Option {
	return func(s *settings) { s.executable = path }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithClock sets the poller's time source.
func WithClock(c clock.Clock) Option {
	return func(s *settings) { s.clock = c }
}
