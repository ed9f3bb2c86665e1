// Package backends constructs scheduler backends by name.
package backends

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/slurmmap/pkg/scheduler"
	"github.com/3leaps/slurmmap/pkg/scheduler/local"
	"github.com/3leaps/slurmmap/pkg/scheduler/slurm"
)

// Options selects and configures a backend.
type Options struct {
	// Kind is slurm or local.
	Kind string
	// Root is the run root; the local backend keeps its job records below it.
	Root string
	// MaxQPS bounds Slurm command invocations per second.
	MaxQPS float64
	// KillGrace is the local backend's SIGTERM to SIGKILL delay.
	KillGrace time.Duration
	Logger    *zap.Logger
}

// Kinds lists the backend names New accepts.
func Kinds() []string {
	return []string{slurm.Name, local.Name}
}

// LocalRoot is where the local backend keeps job records for a run root.
func LocalRoot(root string) string {
	return filepath.Join(root, ".local")
}

// New builds the backend named by opts.Kind.
func New(opts Options) (scheduler.Scheduler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case slurm.Name, "":
		return slurm.New(slurm.Config{MaxQPS: opts.MaxQPS, Logger: logger.Named("slurm")}), nil
	case local.Name:
		if strings.TrimSpace(opts.Root) == "" {
			return nil, fmt.Errorf("local scheduler requires a root")
		}
		return local.New(local.Config{
			Root:      LocalRoot(opts.Root),
			KillGrace: opts.KillGrace,
			Logger:    logger.Named("local"),
		}), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q (expected one of %s)", opts.Kind, strings.Join(Kinds(), ", "))
	}
}

// Resolver returns a function that builds backends by name with the shared
// settings of opts, for reconnecting to the backend recorded in a manifest.
func Resolver(opts Options) func(kind string) (scheduler.Scheduler, error) {
	return func(kind string) (scheduler.Scheduler, error) {
		o := opts
		o.Kind = kind
		return New(o)
	}
}
