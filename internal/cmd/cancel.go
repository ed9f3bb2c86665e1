package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <function_identity>",
	Short: "Cancel every outstanding task of a call",
	Long: `Cancel asks the scheduler to cancel every non-terminal task of the call
and marks those tasks cancelled in its manifest. Finished tasks keep their
status. A process still waiting on the call observes the cancellation on
its next poll and returns an error.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
	cancelCmd.Flags().Bool("json", false, "Output JSON")
}

func runCancel(cmd *cobra.Command, args []string) error {
	callID, err := callIDArg(args)
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")

	report, err := newManager().Cancel(cmd.Context(), callID)
	if err != nil {
		return storeError("Cancel failed", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	_, _ = fmt.Fprintf(out, "call_id=%s\n", report.CallID)
	_, _ = fmt.Fprintf(out, "cancelled=%d\n", len(report.Cancelled))
	if len(report.JobIDs) > 0 {
		_, _ = fmt.Fprintf(out, "jobs=%s\n", strings.Join(report.JobIDs, ","))
	}
	if len(report.Cancelled) == 0 {
		_, _ = fmt.Fprintln(out, "No outstanding tasks")
	}
	return nil
}
