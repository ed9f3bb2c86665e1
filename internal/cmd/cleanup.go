package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <function_identity>",
	Short: "Remove the manifest and every artifact of a call",
	Long: `Cleanup deletes the state directory of the call: its manifest, task
units, job scripts, results, errors and captured output. The next map call
under the same identity starts from scratch.

Cleanup does not cancel running jobs; run cancel first if any are still
queued or running. It refuses while a live process is waiting on the call
unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().Bool("force", false, "Remove even if a live process holds the call")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	callID, err := callIDArg(args)
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")

	if err := newManager().Cleanup(cmd.Context(), callID, force); err != nil {
		return storeError("Cleanup failed", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed=%s\n", callID)
	return nil
}
