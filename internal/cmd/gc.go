package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove finished calls older than --max-age",
	Long: `GC removes calls whose tasks are all terminal and whose manifest has not
changed for longer than --max-age. Calls still held by a live process are
kept.`,
	Args: cobra.NoArgs,
	RunE: runGC,
}

func init() {
	rootCmd.AddCommand(gcCmd)
	gcCmd.Flags().String("max-age", "168h", "Remove finished calls older than this duration")
	gcCmd.Flags().Bool("dry-run", false, "Report what would be removed without deleting")
	gcCmd.Flags().Bool("json", false, "Output JSON")
}

func runGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age value", err)
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age value", fmt.Errorf("max-age must be > 0"))
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	res, err := newManager().GC(cmd.Context(), maxAge, dryRun)
	if err != nil {
		return storeError("GC failed", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	for _, s := range res.Removed {
		_, _ = fmt.Fprintf(out, "call_id=%s\n", s.CallID)
	}
	if dryRun {
		_, _ = fmt.Fprintf(out, "would_delete=%d\n", len(res.Removed))
	} else {
		_, _ = fmt.Fprintf(out, "deleted=%d\n", len(res.Removed))
	}
	_, _ = fmt.Fprintf(out, "kept=%d\n", res.Kept)
	return nil
}
