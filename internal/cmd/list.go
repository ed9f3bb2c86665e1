package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List calls persisted under the run root",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().Bool("json", false, "Output JSON")
}

func runList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	calls, err := newManager().List()
	if err != nil {
		return storeError("List failed", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(calls)
	}

	if len(calls) == 0 {
		_, _ = fmt.Fprintln(out, "No calls found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "CALL_ID\tSCHEDULER\tTASKS\tCOUNTS\tDONE\tUPDATED")
	for _, c := range calls {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\t%s\n",
			c.CallID,
			dashIfEmpty(c.Scheduler),
			c.Tasks,
			formatCounts(c.Counts),
			c.Done,
			humanize.Time(c.UpdatedAt),
		)
	}
	return nil
}
