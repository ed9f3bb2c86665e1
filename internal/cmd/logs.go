package cmd

import (
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/slurmmap/pkg/lifecycle"
	"github.com/3leaps/slurmmap/pkg/stream"
)

var logsCmd = &cobra.Command{
	Use:   "logs <function_identity> <index>",
	Short: "Show the captured output of one task",
	Long: `Logs prints the stdout and/or stderr the scheduler captured for one task
of a call. With --follow it keeps printing appended output until the task
reaches a terminal status or the command is interrupted.`,
	Args: cobra.ExactArgs(2),
	RunE: runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().String("stream", "stdout", "Which stream to show: stdout, stderr, or both")
	logsCmd.Flags().Int("tail", 200, "Show the last N lines (0 = all)")
	logsCmd.Flags().Bool("follow", false, "Keep printing until the task finishes")
}

func runLogs(cmd *cobra.Command, args []string) error {
	callID, err := callIDArg(args)
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(strings.TrimSpace(args[1]))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid task index", err)
	}

	which, _ := cmd.Flags().GetString("stream")
	which = strings.TrimSpace(strings.ToLower(which))
	if which == "" {
		which = "stdout"
	}
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}
	follow, _ := cmd.Flags().GetBool("follow")

	mgr := newManager()
	stdoutPath, stderrPath, err := mgr.LogPaths(callID, index)
	if err != nil {
		return storeError("Logs failed", err)
	}

	type source struct {
		path string
		w    io.Writer
	}
	var sources []source
	switch which {
	case "stdout":
		sources = []source{{stdoutPath, cmd.OutOrStdout()}}
	case "stderr":
		sources = []source{{stderrPath, cmd.OutOrStdout()}}
	case "both":
		sources = []source{{stdoutPath, cmd.OutOrStdout()}, {stderrPath, cmd.ErrOrStderr()}}
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --stream value",
			fmt.Errorf("invalid --stream %q (expected stdout, stderr, or both)", which))
	}

	if !follow {
		for _, s := range sources {
			if err := printLogTail(s.w, s.path, tailN); err != nil {
				return exitError(foundry.ExitFileReadError, "Failed to read task output", err)
			}
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	finished := taskFinished(mgr, callID, index)
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sources {
		g.Go(func() error {
			return stream.Follow(gctx, s.path, s.w, 500*time.Millisecond, finished)
		})
	}
	if err := g.Wait(); err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to follow task output", err)
	}
	return nil
}

func printLogTail(w io.Writer, path string, tailN int) error {
	lines, err := stream.TailFile(path, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

// taskFinished reports true once the task is terminal or its call is gone.
func taskFinished(mgr *lifecycle.Manager, callID string, index int) func() bool {
	return func() bool {
		man, err := mgr.Status(callID)
		if err != nil || index >= len(man.Tasks) {
			return true
		}
		return man.Tasks[index].Status.Terminal()
	}
}
