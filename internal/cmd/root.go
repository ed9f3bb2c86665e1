package cmd

import (
	"path/filepath"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/slurmmap/internal/config"
	"github.com/3leaps/slurmmap/internal/observability"
	"github.com/3leaps/slurmmap/pkg/callid"
	"github.com/3leaps/slurmmap/pkg/lifecycle"
	"github.com/3leaps/slurmmap/pkg/runstore"
	"github.com/3leaps/slurmmap/pkg/scheduler"
	"github.com/3leaps/slurmmap/pkg/scheduler/backends"
)

const appName = "slurmmap"

// VersionInfo is injected by main at build time.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var versionInfo = VersionInfo{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile       string
	rootOverride  string
	schedulerFlag string
	verbose       bool
	logToFile     bool

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Manage distributed map calls submitted to a cluster workload manager",
	Long: `slurmmap manages the state that distributed map calls leave behind.

Every call persists a manifest under the run root, keyed by its call
identity (the function name, optionally with @namespace). These commands
work on that state without the process that started the call.

Examples:
  slurmmap list
  slurmmap status main.doSomething
  slurmmap cancel main.doSomething
  slurmmap cleanup main.doSomething`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: ./slurmmap.yaml, then the user config dir)")
	pf.StringVar(&rootOverride, "root", "", "Run root holding call state (overrides config)")
	pf.StringVar(&schedulerFlag, "scheduler", "", "Scheduler backend for calls without one recorded: slurm or local")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.BoolVar(&logToFile, "log-to-file", false, "Also write JSON logs under the app data dir")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)

	overrides := map[string]any{}
	if s := strings.TrimSpace(rootOverride); s != "" {
		overrides["root"] = s
	}
	if s := strings.TrimSpace(schedulerFlag); s != "" {
		overrides["scheduler"] = map[string]any{"kind": s}
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	observability.Configure(appName, level, logSink(cfg))

	observability.CLILogger.Debug("Loaded configuration",
		zap.String("root", cfg.Root),
		zap.String("scheduler", cfg.Scheduler.Kind))
	return nil
}

func logSink(cfg *config.Config) *observability.FileSink {
	path := strings.TrimSpace(cfg.Logging.File)
	if path == "" && logToFile {
		path = filepath.Join(gfconfig.GetAppDataDir(appName), "logs", appName+".log")
	}
	if path == "" {
		return nil
	}
	return &observability.FileSink{
		Path:       path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}
}

func currentConfig() *config.Config {
	if appConfig != nil {
		return appConfig
	}
	return config.Default()
}

// resolveScheduler builds the backend recorded in a manifest. Tests replace it.
var resolveScheduler = func(cfg *config.Config) lifecycle.Resolver {
	build := backends.Resolver(backends.Options{
		Root:   cfg.Root,
		MaxQPS: cfg.Scheduler.MaxQPS,
		Logger: observability.CLILogger,
	})
	return func(kind string) (scheduler.Scheduler, error) {
		if strings.TrimSpace(kind) == "" {
			kind = cfg.Scheduler.Kind
		}
		return build(kind)
	}
}

// newManager wires the lifecycle manager to the configured run root.
func newManager() *lifecycle.Manager {
	cfg := currentConfig()
	return lifecycle.New(runstore.NewStore(cfg.Root), resolveScheduler(cfg), observability.CLILogger)
}

// callIDArg returns the trimmed call identity argument.
func callIDArg(args []string) (string, error) {
	id := strings.TrimSpace(args[0])
	if err := callid.Validate(id); err != nil {
		return "", exitError(foundry.ExitInvalidArgument, "Invalid call identity", err)
	}
	return id, nil
}
