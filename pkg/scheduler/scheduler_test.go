package scheduler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransient(t *testing.T) {
	base := errors.New("connection refused")
	err := Transient(base)

	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, err, Transient(err), "wrapping twice is a no-op")
	assert.Nil(t, Transient(nil))
	assert.False(t, IsTransient(base))

	wrapped := &Error{Op: "submit", Scheduler: "slurm", Err: err, Output: "sbatch: error"}
	assert.True(t, IsTransient(wrapped))
	assert.Contains(t, wrapped.Error(), "slurm submit")
}

func TestChunk(t *testing.T) {
	ids := []string{"1", "2", "3", "4", "5"}
	assert.Equal(t, [][]string{{"1", "2"}, {"3", "4"}, {"5"}}, Chunk(ids, 2))
	assert.Equal(t, [][]string{ids}, Chunk(ids, 0))
	assert.Empty(t, Chunk(nil, 3))
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"1", "2"}, Dedupe([]string{"1", " ", "2", "1"}))
}

func TestStatusCancelled(t *testing.T) {
	assert.True(t, Status{State: JobFailed, Raw: "CANCELLED by 1001"}.Cancelled())
	assert.False(t, Status{State: JobFailed, Raw: "TIMEOUT"}.Cancelled())
	assert.True(t, JobCompleted.Finished())
	assert.False(t, JobUnknown.Finished())
}
