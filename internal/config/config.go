// Package config loads slurmmap settings from defaults, an optional
// slurmmap.yaml, SLURMMAP_* environment variables and runtime overrides,
// in increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable the loader reads.
const EnvPrefix = "SLURMMAP"

// Config is the fully resolved configuration.
type Config struct {
	// Root is the directory holding one subdirectory per call identity. It
	// must live on storage shared with the compute nodes.
	Root string `mapstructure:"root"`

	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ArtifactGrace time.Duration `mapstructure:"artifact_grace"`

	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Submit    SubmitConfig    `mapstructure:"submit"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type SchedulerConfig struct {
	// Kind selects the backend: slurm or local.
	Kind string `mapstructure:"kind"`
	// Args is forwarded verbatim (after shell-word splitting) to the submit command.
	Args string `mapstructure:"args"`
	// PreRun lists shell commands executed before the task on each node.
	PreRun []string `mapstructure:"pre_run"`
	// MaxQPS bounds scheduler command invocations per second. Zero disables the limit.
	MaxQPS float64 `mapstructure:"max_qps"`
}

type SubmitConfig struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	MaxElapsed     time.Duration `mapstructure:"max_elapsed"`
}

type StreamConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Color    bool          `mapstructure:"color"`
	Interval time.Duration `mapstructure:"interval"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// File enables a rotating JSON log file in addition to console output.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// EnvSpec maps one environment variable onto a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile pins an explicit config file. An empty path restores the
// default search (./slurmmap.yaml, then the user config dir).
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("root", "")
	v.SetDefault("poll_interval", "5s")
	v.SetDefault("artifact_grace", "30s")

	v.SetDefault("scheduler.kind", "slurm")
	v.SetDefault("scheduler.args", "")
	v.SetDefault("scheduler.pre_run", []string{})
	v.SetDefault("scheduler.max_qps", 2.0)

	v.SetDefault("submit.initial_backoff", "1s")
	v.SetDefault("submit.max_backoff", "30s")
	v.SetDefault("submit.max_elapsed", "2m")

	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.color", true)
	v.SetDefault("stream.interval", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)
}

func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{Name: EnvPrefix + "_ROOT", Path: "root"},
		{Name: EnvPrefix + "_POLL_INTERVAL", Path: "poll_interval"},
		{Name: EnvPrefix + "_ARTIFACT_GRACE", Path: "artifact_grace"},
		{Name: EnvPrefix + "_SCHEDULER", Path: "scheduler.kind"},
		{Name: EnvPrefix + "_SCHEDULER_ARGS", Path: "scheduler.args"},
		{Name: EnvPrefix + "_PRE_RUN", Path: "scheduler.pre_run"},
		{Name: EnvPrefix + "_MAX_QPS", Path: "scheduler.max_qps"},
		{Name: EnvPrefix + "_SUBMIT_MAX_ELAPSED", Path: "submit.max_elapsed"},
		{Name: EnvPrefix + "_STREAM", Path: "stream.enabled"},
		{Name: EnvPrefix + "_COLOR", Path: "stream.color"},
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_LOG_FILE", Path: "logging.file"},
	}
}

func getUserConfigPaths() []string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return []string{}
	}
	return []string{filepath.Join(dir, "slurmmap")}
}

// Load resolves the configuration and stores it for GetConfig. Each override
// map is flattened into dotted keys and wins over every other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	SetDefaults(v)

	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("slurmmap")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		for _, p := range getUserConfigPaths() {
			v.AddConfigPath(p)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for k, val := range flatten("", o) {
			v.Set(k, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(";"),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(";"),
	)
	_ = v.Unmarshal(&cfg, viper.DecodeHook(hook))
	_ = cfg.normalize()
	return &cfg
}

func (c *Config) normalize() error {
	c.Scheduler.Kind = strings.ToLower(strings.TrimSpace(c.Scheduler.Kind))
	switch c.Scheduler.Kind {
	case "slurm", "local":
	default:
		return fmt.Errorf("invalid scheduler.kind %q (expected slurm or local)", c.Scheduler.Kind)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be > 0")
	}
	if c.ArtifactGrace < 0 {
		return fmt.Errorf("artifact_grace must be >= 0")
	}
	if c.Stream.Interval <= 0 {
		c.Stream.Interval = time.Second
	}

	pre := c.Scheduler.PreRun[:0]
	for _, cmd := range c.Scheduler.PreRun {
		if s := strings.TrimSpace(cmd); s != "" {
			pre = append(pre, s)
		}
	}
	c.Scheduler.PreRun = pre

	root, err := ResolveRoot(c.Root)
	if err != nil {
		return err
	}
	c.Root = root
	return nil
}

// ResolveRoot turns a configured root into an absolute path. Empty means
// .slurmmap under the current working directory.
func ResolveRoot(root string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = ".slurmmap"
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}
	return abs, nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
