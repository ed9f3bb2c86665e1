package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	// Version needs no config.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output JSON")
}

func runVersion(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(versionInfo)
	}
	_, _ = fmt.Fprintf(out, "%s %s\n", appName, versionInfo.Version)
	_, _ = fmt.Fprintf(out, "commit=%s\n", versionInfo.Commit)
	_, _ = fmt.Fprintf(out, "build_date=%s\n", versionInfo.BuildDate)
	_, _ = fmt.Fprintf(out, "go=%s\n", runtime.Version())
	return nil
}
