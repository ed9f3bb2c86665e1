package slurmmap

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/3leaps/slurmmap/internal/config"
	"github.com/3leaps/slurmmap/internal/observability"
	"github.com/3leaps/slurmmap/pkg/taskunit"
)

// IsWorker reports whether this process was started to execute a task.
func IsWorker() bool {
	return os.Getenv(taskunit.EnvTask) != ""
}

// RunWorkerIfRequested executes the task named by SLURMMAP_TASK and exits.
// Without that variable it returns immediately. Call it first thing in main.
func RunWorkerIfRequested() {
	path := os.Getenv(taskunit.EnvTask)
	if path == "" {
		return
	}
	os.Exit(runWorker(path))
}

func runWorker(unitPath string) int {
	observability.Configure("slurmmap-worker", os.Getenv(config.EnvPrefix+"_LOG_LEVEL"), nil)
	defer observability.Sync()
	logger := observability.CLILogger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := taskunit.Execute(ctx, unitPath, logger); err != nil {
		logger.Error("Task did not produce a result", zap.String("unit", unitPath), zap.Error(err))
		return 1
	}
	return 0
}
