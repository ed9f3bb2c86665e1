package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, 5*time.Second, cfg.PollInterval)
		assert.Equal(t, 30*time.Second, cfg.ArtifactGrace)
		assert.Equal(t, "slurm", cfg.Scheduler.Kind)
		assert.Empty(t, cfg.Scheduler.Args)
		assert.Empty(t, cfg.Scheduler.PreRun)
		assert.Equal(t, 2.0, cfg.Scheduler.MaxQPS)
		assert.Equal(t, time.Second, cfg.Submit.InitialBackoff)
		assert.Equal(t, 30*time.Second, cfg.Submit.MaxBackoff)
		assert.Equal(t, 2*time.Minute, cfg.Submit.MaxElapsed)
		assert.True(t, cfg.Stream.Enabled)
		assert.Equal(t, time.Second, cfg.Stream.Interval)
		assert.Equal(t, "info", cfg.Logging.Level)

		assert.True(t, filepath.IsAbs(cfg.Root))
		assert.Equal(t, ".slurmmap", filepath.Base(cfg.Root))
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"poll_interval": "250ms",
			"scheduler": map[string]any{
				"kind": "local",
				"args": "--mem=8G --partition=itp",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
		assert.Equal(t, "local", cfg.Scheduler.Kind)
		assert.Equal(t, "--mem=8G --partition=itp", cfg.Scheduler.Args)
		assert.Equal(t, "info", cfg.Logging.Level)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("SLURMMAP_LOG_LEVEL", "warn")
		t.Setenv("SLURMMAP_SCHEDULER_ARGS", "--time=3600")
		t.Setenv("SLURMMAP_PRE_RUN", "module load go; hostname")
		t.Setenv("SLURMMAP_STREAM", "false")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "--time=3600", cfg.Scheduler.Args)
		assert.Equal(t, []string{"module load go", "hostname"}, cfg.Scheduler.PreRun)
		assert.False(t, cfg.Stream.Enabled)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("SLURMMAP_SCHEDULER", "local")

		cfg, err := Load(ctx, map[string]any{"scheduler": map[string]any{"kind": "slurm"}})
		require.NoError(t, err)
		assert.Equal(t, "slurm", cfg.Scheduler.Kind)
	})

	t.Run("InvalidScheduler", func(t *testing.T) {
		_, err := Load(ctx, map[string]any{"scheduler": map[string]any{"kind": "pbs"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scheduler.kind")
	})
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slurmmap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
root: /shared/scratch/maps
artifact_grace: 1m
scheduler:
  args: "--mem=8G"
  pre_run:
    - hostname
    - module load go
`), 0o644))

	SetConfigFile(path)
	defer SetConfigFile("")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/shared/scratch/maps", cfg.Root)
	assert.Equal(t, time.Minute, cfg.ArtifactGrace)
	assert.Equal(t, "--mem=8G", cfg.Scheduler.Args)
	assert.Equal(t, []string{"hostname", "module load go"}, cfg.Scheduler.PreRun)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	SetConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	defer SetConfigFile("")

	_, err := Load(context.Background())
	require.Error(t, err)
}

func TestGetConfig(t *testing.T) {
	cfg, err := Load(context.Background(), map[string]any{"poll_interval": "7s"})
	require.NoError(t, err)

	current := GetConfig()
	require.NotNil(t, current)
	assert.Equal(t, cfg.PollInterval, current.PollInterval)
}

func TestEnvSpecsPrefixHandling(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "SLURMMAP_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
	assert.True(t, names["SLURMMAP_LOG_LEVEL"])
	assert.True(t, names["SLURMMAP_ROOT"])
	assert.False(t, names["SLURMMAP_TASK"], "task env var is reserved for the worker")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "slurm", cfg.Scheduler.Kind)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
}
