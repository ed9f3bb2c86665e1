package main

import (
	"fmt"
	"os"

	"github.com/3leaps/slurmmap/internal/cmd"
	"github.com/3leaps/slurmmap/internal/observability"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)

	err := cmd.Execute()
	observability.Sync()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cmd.ExitCode(err))
	}
}
