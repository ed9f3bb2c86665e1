package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/slurmmap/internal/observability"
	"github.com/3leaps/slurmmap/pkg/scheduler/local"
	"github.com/3leaps/slurmmap/pkg/scheduler/slurm"
)

// lookPath is exec.LookPath; tests replace it.
var lookPath = exec.LookPath

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the submit host.

Examples:
  slurmmap doctor                     # checks for the configured scheduler
  slurmmap doctor --scheduler local   # checks for the local backend`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg := currentConfig()
	log := observability.CLILogger

	log.Info("=== " + appName + " doctor ===")
	log.Info("Running diagnostic checks...")

	tools := []string{"bash"}
	if cfg.Scheduler.Kind == slurm.Name {
		tools = append(tools, "sbatch", "squeue", "sacct", "scancel")
	}

	total := len(tools) + 2
	check := 1
	failed := 0

	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s %s/%s", check, total, runtime.Version(), runtime.GOOS, runtime.GOARCH),
		zap.String("scheduler", cfg.Scheduler.Kind))
	check++

	for _, tool := range tools {
		path, err := lookPath(tool)
		if err != nil {
			log.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ not found on PATH", check, total, tool), zap.Error(err))
			failed++
		} else {
			log.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", check, total, tool, path))
		}
		check++
	}

	if err := checkWritable(cfg.Root); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking run root... ❌ %s", check, total, cfg.Root), zap.Error(err))
		failed++
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking run root... ✅ %s", check, total, cfg.Root))
	}

	if cfg.Scheduler.Kind == local.Name {
		log.Info("Local backend runs every task on this host; results never leave the run root")
	} else {
		log.Info("The run root must be mounted at the same path on every compute node")
	}

	if failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Doctor found problems", fmt.Errorf("%d of %d checks failed", failed, total))
	}
	log.Info("All checks passed")
	return nil
}

// checkWritable creates root if needed and proves a file can be written there.
func checkWritable(root string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(root, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}
