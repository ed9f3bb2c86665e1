package slurmmap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/slurmmap/pkg/taskunit"
)

func packSquare(t *testing.T, x int) *taskunit.Unit {
	t.Helper()
	dir := t.TempDir()
	input, err := taskunit.Encode(x)
	require.NoError(t, err)
	u := &taskunit.Unit{
		CallID:     "slurmmap_test.square",
		Function:   square.Name(),
		Index:      0,
		Input:      input,
		ResultPath: filepath.Join(dir, "result.gob"),
		ErrorPath:  filepath.Join(dir, "error.json"),
	}
	require.NoError(t, taskunit.Pack(u, filepath.Join(dir, "unit.json")))
	return u
}

func TestRunWorker_WritesResult(t *testing.T) {
	u := packSquare(t, 12)
	assert.Equal(t, 0, runWorker(filepath.Join(filepath.Dir(u.ResultPath), "unit.json")))

	b, err := os.ReadFile(u.ResultPath)
	require.NoError(t, err)
	var got int
	require.NoError(t, taskunit.Decode(b, &got))
	assert.Equal(t, 144, got)
}

func TestRunWorker_MissingUnit(t *testing.T) {
	assert.Equal(t, 1, runWorker(filepath.Join(t.TempDir(), "nope.json")))
}

func TestRunWorkerIfRequested_NoopWithoutEnv(t *testing.T) {
	t.Setenv(taskunit.EnvTask, "")
	assert.False(t, IsWorker())
	RunWorkerIfRequested()
}

func TestRegister_PanicsOnDuplicate(t *testing.T) {
	assert.Panics(t, func() {
		Register("slurmmap_test.square", func(_ context.Context, x int) (int, error) { return x, nil })
	})
}
