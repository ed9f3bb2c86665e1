package slurm

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/slurmmap/pkg/scheduler"
)

type call struct {
	name string
	args []string
}

type response struct {
	stdout string
	stderr string
	err    error
}

// fakeRunner replays canned responses keyed by command name.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []call
	responses map[string][]response
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: make(map[string][]response)}
}

func (f *fakeRunner) on(name string, r response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[name] = append(f.responses[name], r)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, args: append([]string(nil), args...)})
	queue := f.responses[name]
	if len(queue) == 0 {
		return nil, nil, nil
	}
	r := queue[0]
	if len(queue) > 1 {
		f.responses[name] = queue[1:]
	}
	return []byte(r.stdout), []byte(r.stderr), r.err
}

func (f *fakeRunner) callsTo(name string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

func TestSubmit_BuildsSbatchCommand(t *testing.T) {
	runner := newFakeRunner()
	runner.on("sbatch", response{stdout: "4242\n"})
	s := New(Config{Runner: runner})

	id, err := s.Submit(context.Background(), scheduler.Submission{
		Name:       "square[3]",
		Index:      3,
		ScriptPath: "/shared/.slurmmap/square/tasks/3/job.sh",
		Args:       []string{"--mem=8G", "--partition=itp"},
		StdoutPath: "/shared/.slurmmap/square/tasks/3/stdout.log",
		StderrPath: "/shared/.slurmmap/square/tasks/3/stderr.log",
		WorkDir:    "/shared/work",
	})
	require.NoError(t, err)
	assert.Equal(t, "4242", id)

	calls := runner.callsTo("sbatch")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{
		"--parsable",
		"--job-name=square[3]",
		"--output=/shared/.slurmmap/square/tasks/3/stdout.log",
		"--error=/shared/.slurmmap/square/tasks/3/stderr.log",
		"--chdir=/shared/work",
		"--mem=8G",
		"--partition=itp",
		"/shared/.slurmmap/square/tasks/3/job.sh",
	}, calls[0].args)
}

func TestSubmit_ParsableWithCluster(t *testing.T) {
	runner := newFakeRunner()
	runner.on("sbatch", response{stdout: "77;cluster-a\n"})
	s := New(Config{Runner: runner})

	id, err := s.Submit(context.Background(), scheduler.Submission{ScriptPath: "/tmp/job.sh"})
	require.NoError(t, err)
	assert.Equal(t, "77", id)
}

func TestSubmit_ClassifiesFailures(t *testing.T) {
	t.Run("Transient", func(t *testing.T) {
		runner := newFakeRunner()
		runner.on("sbatch", response{
			stderr: "sbatch: error: Batch job submission failed: Socket timed out on send/recv operation",
			err:    errors.New("exit status 1"),
		})
		s := New(Config{Runner: runner})

		_, err := s.Submit(context.Background(), scheduler.Submission{ScriptPath: "/tmp/job.sh"})
		require.Error(t, err)
		assert.True(t, scheduler.IsTransient(err))
	})

	t.Run("Permanent", func(t *testing.T) {
		runner := newFakeRunner()
		runner.on("sbatch", response{
			stderr: "sbatch: error: invalid partition specified: nope",
			err:    errors.New("exit status 1"),
		})
		s := New(Config{Runner: runner})

		_, err := s.Submit(context.Background(), scheduler.Submission{ScriptPath: "/tmp/job.sh"})
		require.Error(t, err)
		assert.False(t, scheduler.IsTransient(err))
		assert.Contains(t, err.Error(), "invalid partition")

		var serr *scheduler.Error
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, "submit", serr.Op)
	})

	t.Run("GarbageOutput", func(t *testing.T) {
		runner := newFakeRunner()
		runner.on("sbatch", response{stdout: "Submitted batch job 12\n"})
		s := New(Config{Runner: runner})

		_, err := s.Submit(context.Background(), scheduler.Submission{ScriptPath: "/tmp/job.sh"})
		require.Error(t, err)
	})

	t.Run("MissingScript", func(t *testing.T) {
		s := New(Config{Runner: newFakeRunner()})
		_, err := s.Submit(context.Background(), scheduler.Submission{})
		require.Error(t, err)
	})
}

func TestQuery_SqueueThenSacct(t *testing.T) {
	runner := newFakeRunner()
	runner.on("squeue", response{stdout: "10|RUNNING\n11|PENDING\n"})
	runner.on("sacct", response{stdout: "12|COMPLETED\n12.batch|COMPLETED\n13|CANCELLED by 1001\n"})
	s := New(Config{Runner: runner})

	got, err := s.Query(context.Background(), []string{"10", "11", "12", "13", "14", "10"})
	require.NoError(t, err)

	assert.Equal(t, scheduler.JobRunning, got["10"].State)
	assert.Equal(t, scheduler.JobQueued, got["11"].State)
	assert.Equal(t, scheduler.JobCompleted, got["12"].State)
	assert.Equal(t, scheduler.JobFailed, got["13"].State)
	assert.True(t, got["13"].Cancelled())
	assert.Equal(t, scheduler.JobUnknown, got["14"].State)

	squeue := runner.callsTo("squeue")
	require.Len(t, squeue, 1)
	assert.Equal(t, "10,11,12,13,14", squeue[0].args[len(squeue[0].args)-1])

	sacct := runner.callsTo("sacct")
	require.Len(t, sacct, 1)
	assert.Equal(t, "12,13,14", sacct[0].args[len(sacct[0].args)-1])
}

func TestQuery_InvalidJobIDFallsThroughToSacct(t *testing.T) {
	runner := newFakeRunner()
	runner.on("squeue", response{stderr: "slurm_load_jobs error: Invalid job id specified", err: errors.New("exit status 1")})
	runner.on("sacct", response{stdout: "5|OUT_OF_MEMORY\n"})
	s := New(Config{Runner: runner})

	got, err := s.Query(context.Background(), []string{"5"})
	require.NoError(t, err)
	assert.Equal(t, scheduler.JobFailed, got["5"].State)
	assert.Equal(t, "OUT_OF_MEMORY", got["5"].Raw)
}

func TestQuery_TransientSqueueFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.on("squeue", response{stderr: "squeue: error: Unable to contact slurm controller (connect failure)", err: errors.New("exit status 1")})
	s := New(Config{Runner: runner})

	_, err := s.Query(context.Background(), []string{"5"})
	require.Error(t, err)
	assert.True(t, scheduler.IsTransient(err))
}

func TestQuery_BatchesLargeRequests(t *testing.T) {
	runner := newFakeRunner()
	s := New(Config{Runner: runner})

	ids := make([]string, 0, 1200)
	for i := 0; i < 1200; i++ {
		ids = append(ids, strconv.Itoa(1000+i))
	}
	_, err := s.Query(context.Background(), ids)
	require.NoError(t, err)
	assert.Len(t, runner.callsTo("squeue"), 3)
}

func TestQuery_Empty(t *testing.T) {
	runner := newFakeRunner()
	s := New(Config{Runner: runner})

	got, err := s.Query(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, runner.calls)
}

func TestCancel_IgnoresFinishedJobs(t *testing.T) {
	runner := newFakeRunner()
	runner.on("scancel", response{stderr: "scancel: error: Kill job error on job id 9: Invalid job id specified", err: errors.New("exit status 1")})
	s := New(Config{Runner: runner})

	require.NoError(t, s.Cancel(context.Background(), []string{"9", "10"}))
	calls := runner.callsTo("scancel")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"9", "10"}, calls[0].args)
}

func TestCancel_PropagatesOtherErrors(t *testing.T) {
	runner := newFakeRunner()
	runner.on("scancel", response{stderr: "scancel: error: Access/permission denied", err: errors.New("exit status 1")})
	s := New(Config{Runner: runner})

	require.Error(t, s.Cancel(context.Background(), []string{"9"}))
}

func TestNormalizeState(t *testing.T) {
	cases := map[string]scheduler.JobState{
		"PENDING":           scheduler.JobQueued,
		"REQUEUED":          scheduler.JobQueued,
		"SUSPENDED":         scheduler.JobQueued,
		"RUNNING":           scheduler.JobRunning,
		"COMPLETING":        scheduler.JobRunning,
		"COMPLETED":         scheduler.JobCompleted,
		"FAILED":            scheduler.JobFailed,
		"TIMEOUT":           scheduler.JobFailed,
		"NODE_FAIL":         scheduler.JobFailed,
		"OUT_OF_MEMORY":     scheduler.JobFailed,
		"CANCELLED":         scheduler.JobFailed,
		"CANCELLED by 1001": scheduler.JobFailed,
		"CANCELLED+":        scheduler.JobFailed,
		"running":           scheduler.JobRunning,
		"":                  scheduler.JobUnknown,
		"WHATEVER":          scheduler.JobUnknown,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeState(raw), "state %q", raw)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	runner := newFakeRunner()
	runner.on("sbatch", response{err: errors.New("signal: killed")})
	s := New(Config{Runner: runner, MaxQPS: 100})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Submit(ctx, scheduler.Submission{ScriptPath: "/tmp/job.sh"})
	require.ErrorIs(t, err, context.Canceled)
}
