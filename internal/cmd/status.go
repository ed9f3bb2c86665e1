package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/slurmmap/pkg/runstore"
)

var statusCmd = &cobra.Command{
	Use:   "status <function_identity>",
	Short: "Show the persisted state of a call",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("format", "table", "Output format: table, json, or yaml")
}

func runStatus(cmd *cobra.Command, args []string) error {
	callID, err := callIDArg(args)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	format = strings.ToLower(strings.TrimSpace(format))

	man, err := newManager().Status(callID)
	if err != nil {
		return storeError("Status failed", err)
	}

	out := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(man)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(man); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --format value",
			fmt.Errorf("format must be one of: table, json, yaml"))
	}

	_, _ = fmt.Fprintf(out, "call_id=%s\n", man.CallID)
	_, _ = fmt.Fprintf(out, "function=%s\n", man.Function)
	_, _ = fmt.Fprintf(out, "scheduler=%s\n", man.Scheduler)
	if man.SchedulerArgs != "" {
		_, _ = fmt.Fprintf(out, "scheduler_args=%s\n", man.SchedulerArgs)
	}
	_, _ = fmt.Fprintf(out, "tasks=%d\n", len(man.Tasks))
	_, _ = fmt.Fprintf(out, "counts=%s\n", formatCounts(man.Counts()))
	_, _ = fmt.Fprintf(out, "done=%t\n", man.Done())
	_, _ = fmt.Fprintf(out, "updated_at=%s\n", man.UpdatedAt.UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "INDEX\tSTATUS\tJOB_ID\tSCHEDULER_STATE\tFINISHED\tDETAIL")
	for _, t := range man.Tasks {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			t.Index,
			t.Status,
			dashIfEmpty(t.JobID),
			dashIfEmpty(t.SchedulerState),
			formatOptionalTime(t.FinishedAt),
			dashIfEmpty(taskDetail(t)),
		)
	}
	return nil
}

// formatCounts renders per-status counts in a stable order.
func formatCounts(counts map[runstore.TaskStatus]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+strconv.Itoa(counts[runstore.TaskStatus(k)]))
	}
	return strings.Join(parts, ",")
}

func taskDetail(t runstore.TaskRecord) string {
	var detail string
	switch {
	case t.SubmitError != "":
		detail = "submit: " + t.SubmitError
	case t.Failure != "":
		detail = t.Failure
	}
	// The first line is enough for a table cell.
	if i := strings.IndexByte(detail, '\n'); i >= 0 {
		detail = detail[:i]
	}
	return detail
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func dashIfEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
