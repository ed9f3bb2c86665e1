package slurmmap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"github.com/3leaps/slurmmap/internal/config"
	"github.com/3leaps/slurmmap/pkg/lifecycle"
	"github.com/3leaps/slurmmap/pkg/runstore"
	"github.com/3leaps/slurmmap/pkg/scheduler"
	"github.com/3leaps/slurmmap/pkg/scheduler/schedtest"
	"github.com/3leaps/slurmmap/pkg/taskunit"
)

var (
	square = Register("slurmmap_test.square", func(_ context.Context, x int) (int, error) {
		return x * x, nil
	})

	picky = Register("slurmmap_test.picky", func(_ context.Context, x int) (int, error) {
		if x == 2 {
			return 0, fmt.Errorf("refusing to work on %d", x)
		}
		return x + 100, nil
	})

	describe = Register("", describePoint)

	anything = Register("slurmmap_test.anything", func(_ context.Context, v any) (int, error) {
		return 0, nil
	})

	tally = Register("slurmmap_test.tally", func(_ context.Context, m map[string]int) (int, error) {
		sum := 0
		for _, v := range m {
			sum += v
		}
		return sum, nil
	})
)

type unrelated struct {
	Name  string
	Attrs map[string]float64
}

type point struct {
	X, Y int
}

func describePoint(_ context.Context, p point) (string, error) {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y), nil
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Submit.InitialBackoff = time.Millisecond
	cfg.Submit.MaxBackoff = 5 * time.Millisecond
	cfg.Submit.MaxElapsed = 100 * time.Millisecond
	cfg.Stream.Interval = 5 * time.Millisecond
	return cfg
}

func baseOptions(root string, sched scheduler.Scheduler, extra ...Option) []Option {
	opts := []Option{
		WithConfig(testConfig()),
		WithRoot(root),
		WithScheduler(sched),
		WithPollInterval(2 * time.Millisecond),
		WithOutput(&syncBuffer{}, &syncBuffer{}),
		WithExecutable("/shared/bin/app"),
	}
	return append(opts, extra...)
}

func TestMap_SquaresInOrder(t *testing.T) {
	root := t.TempDir()
	fake := schedtest.New()
	stdout := &syncBuffer{}

	out, err := Map(context.Background(), square, []int{1, 2, 3},
		append(baseOptions(root, fake), WithOutput(stdout, &syncBuffer{}), WithSchedulerArgs("--mem=8G --partition=itp"))...)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 9}, out)

	subs := fake.Submitted()
	require.Len(t, subs, 3)
	assert.Equal(t, []string{"--mem=8G", "--partition=itp"}, subs[0].Args)

	for i := 0; i < 3; i++ {
		assert.Contains(t, stdout.String(), fmt.Sprintf("[%d] running task %d\n", i, i))
	}

	m, err := runstore.NewStore(root).Get("slurmmap_test.square")
	require.NoError(t, err)
	assert.Equal(t, "slurmmap_test.square", m.Function)
	assert.Equal(t, schedtest.Name, m.Scheduler)
	assert.Equal(t, "/shared/bin/app", m.Executable)
	assert.NotEmpty(t, m.RunID)
	assert.True(t, m.Done())
	assert.NoDirExists(t, runstore.NewStore(root).CallDir("slurmmap_test.square")+"/.submit.lock")
}

func TestMap_EmptyInput(t *testing.T) {
	out, err := Map(context.Background(), square, nil, baseOptions(t.TempDir(), schedtest.New())...)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMap_StructElementsAndDerivedName(t *testing.T) {
	assert.Equal(t, "github.com/3leaps/slurmmap/pkg/slurmmap.describePoint", describe.Name())

	out, err := Map(context.Background(), describe, []point{{1, 2}, {3, 4}}, baseOptions(t.TempDir(), schedtest.New())...)
	require.NoError(t, err)
	assert.Equal(t, []string{"(1,2)", "(3,4)"}, out)
}

func TestMap_RemoteFailureNamesIndex(t *testing.T) {
	root := t.TempDir()
	fake := schedtest.New()

	out, err := Map(context.Background(), picky, []int{1, 2, 3}, baseOptions(root, fake)...)
	require.Error(t, err)
	assert.Nil(t, out)

	var rte *RemoteTaskError
	require.True(t, errors.As(err, &rte))
	assert.Equal(t, 1, rte.Index)
	assert.Contains(t, rte.Message, "refusing to work on 2")

	m, err := runstore.NewStore(root).Get("slurmmap_test.picky")
	require.NoError(t, err)
	assert.Equal(t, runstore.TaskSucceeded, m.Tasks[0].Status)
	assert.Equal(t, runstore.TaskFailed, m.Tasks[1].Status)
	assert.Equal(t, runstore.TaskSucceeded, m.Tasks[2].Status)
}

func TestMap_SubmissionRejection(t *testing.T) {
	fake := schedtest.New()
	fake.SubmitErr = func(sub scheduler.Submission) error {
		if sub.Index == 0 {
			return errors.New("invalid partition specified")
		}
		return nil
	}

	_, err := Map(context.Background(), square, []int{5, 6}, baseOptions(t.TempDir(), fake)...)
	var se *SubmissionError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 0, se.Index)
	assert.Len(t, fake.Submitted(), 1)
}

func TestMap_InterruptThenResume(t *testing.T) {
	root := t.TempDir()
	fake := schedtest.New()
	fake.CompleteAfter = func(int) int { return 1 << 30 }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Map(ctx, square, []int{1, 2, 3}, baseOptions(root, fake)...)
		done <- err
	}()
	require.Eventually(t, func() bool { return fake.Queries() >= 2 }, 5*time.Second, time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, ErrInterrupted)
	assert.True(t, IsInterrupted(err))
	assert.Empty(t, fake.Cancelled(), "interruption must not cancel remote jobs")

	m, err := runstore.NewStore(root).Get("slurmmap_test.square")
	require.NoError(t, err)
	for _, rec := range m.Tasks {
		assert.True(t, rec.Status.Dispatched())
		assert.False(t, rec.Status.Terminal())
		assert.NotEmpty(t, rec.JobID)
	}

	// A fresh call reattaches to the same jobs.
	fake.CompleteAfter = nil
	out, err := Map(context.Background(), square, []int{1, 2, 3}, baseOptions(root, fake)...)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 9}, out)
	assert.Len(t, fake.Submitted(), 3)
}

// interruptAfterSubmit starts Map with jobs that never finish and abandons
// the wait once every job has been queried.
func interruptAfterSubmit[In, Out any](t *testing.T, fn *Func[In, Out], inputs []In, fake *schedtest.Fake, opts []Option) {
	t.Helper()
	fake.CompleteAfter = func(int) int { return 1 << 30 }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Map(ctx, fn, inputs, opts...)
		done <- err
	}()
	require.Eventually(t, func() bool { return fake.Queries() >= 2 }, 5*time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, ErrInterrupted)
	fake.CompleteAfter = nil
}

func TestMap_ResumeReportsReattachedJobs(t *testing.T) {
	root := t.TempDir()
	fake := schedtest.New()
	interruptAfterSubmit(t, square, []int{1, 2, 3}, fake, baseOptions(root, fake))

	m, err := runstore.NewStore(root).Get("slurmmap_test.square")
	require.NoError(t, err)
	// Output the interrupted call already forwarded.
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Tasks[0].StdoutPath), 0o755))
	require.NoError(t, os.WriteFile(m.Tasks[0].StdoutPath, []byte("already shown\n"), 0o644))

	stdout, stderr := &syncBuffer{}, &syncBuffer{}
	out, err := Map(context.Background(), square, []int{1, 2, 3}, append(baseOptions(root, fake), WithOutput(stdout, stderr))...)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 9}, out)

	logs := stderr.String()
	assert.Contains(t, logs, "Reattached to running jobs")
	for _, id := range []string{"1001", "1002", "1003"} {
		assert.Contains(t, logs, id)
	}
	assert.NotContains(t, logs, "Submitted jobs")

	assert.NotContains(t, stdout.String(), "already shown")
	assert.Contains(t, stdout.String(), "[0] running task 0\n")
}

func TestMap_InterruptReportsHowToResume(t *testing.T) {
	root := t.TempDir()
	fake := schedtest.New()
	stderr := &syncBuffer{}
	interruptAfterSubmit(t, square, []int{1}, fake, append(baseOptions(root, fake), WithOutput(&syncBuffer{}, stderr)))

	logs := stderr.String()
	assert.Contains(t, logs, "Submitted jobs")
	assert.Contains(t, logs, "Stopped waiting")
	assert.Contains(t, logs, "slurmmap_test.square")
}

func TestMap_RerunWithMapElements(t *testing.T) {
	root := t.TempDir()
	fake := schedtest.New()
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}

	build := func(reverse bool) []map[string]int {
		inputs := make([]map[string]int, 3)
		for i := range inputs {
			inputs[i] = map[string]int{}
			for j := range keys {
				k := keys[j]
				if reverse {
					k = keys[len(keys)-1-j]
				}
				inputs[i][k] = int(k[0]-'a') + i
			}
		}
		return inputs
	}

	want := []int{36, 45, 54}
	out, err := Map(context.Background(), tally, build(false), baseOptions(root, fake)...)
	require.NoError(t, err)
	assert.Equal(t, want, out)

	for n := 0; n < 20; n++ {
		// Gob type ids shift with every new type a process encodes.
		_, err := taskunit.Encode(unrelated{Name: fmt.Sprint(n), Attrs: map[string]float64{"x": 1}})
		require.NoError(t, err)

		out, err := Map(context.Background(), tally, build(n%2 == 0), baseOptions(root, fake)...)
		require.NoError(t, err, "rerun %d", n)
		assert.Equal(t, want, out)
	}
	assert.Len(t, fake.Submitted(), 3)
}

func TestMap_ResumeWithMapAndStructElements(t *testing.T) {
	t.Run("maps", func(t *testing.T) {
		root := t.TempDir()
		fake := schedtest.New()
		inputs := []map[string]int{{"x": 1, "y": 2, "z": 3}, {"p": 10, "q": 20, "r": 30, "s": 40}}
		interruptAfterSubmit(t, tally, inputs, fake, baseOptions(root, fake))

		again := []map[string]int{{"z": 3, "y": 2, "x": 1}, {"s": 40, "r": 30, "q": 20, "p": 10}}
		out, err := Map(context.Background(), tally, again, baseOptions(root, fake)...)
		require.NoError(t, err)
		assert.Equal(t, []int{6, 100}, out)
		assert.Len(t, fake.Submitted(), 2)
	})

	t.Run("structs", func(t *testing.T) {
		root := t.TempDir()
		fake := schedtest.New()
		interruptAfterSubmit(t, describe, []point{{1, 2}, {3, 4}}, fake, baseOptions(root, fake))

		_, err := taskunit.Encode(unrelated{Name: "shift"})
		require.NoError(t, err)

		out, err := Map(context.Background(), describe, []point{{1, 2}, {3, 4}}, baseOptions(root, fake)...)
		require.NoError(t, err)
		assert.Equal(t, []string{"(1,2)", "(3,4)"}, out)
		assert.Len(t, fake.Submitted(), 2)

		_, err = Map(context.Background(), describe, []point{{1, 2}, {4, 3}}, baseOptions(root, fake)...)
		require.ErrorIs(t, err, ErrManifestMismatch)
	})
}

func TestMap_ReturnsFinishedCallWithoutResubmitting(t *testing.T) {
	root := t.TempDir()
	fake := schedtest.New()

	_, err := Map(context.Background(), square, []int{7}, baseOptions(root, fake)...)
	require.NoError(t, err)

	out, err := Map(context.Background(), square, []int{7}, baseOptions(root, fake)...)
	require.NoError(t, err)
	assert.Equal(t, []int{49}, out)
	assert.Len(t, fake.Submitted(), 1)
}

func TestMap_ManifestMismatch(t *testing.T) {
	root := t.TempDir()
	fake := schedtest.New()

	_, err := Map(context.Background(), square, []int{1, 2, 3}, baseOptions(root, fake)...)
	require.NoError(t, err)

	_, err = Map(context.Background(), square, []int{1, 2}, baseOptions(root, fake)...)
	require.ErrorIs(t, err, ErrManifestMismatch)

	_, err = Map(context.Background(), square, []int{1, 2, 4}, baseOptions(root, fake)...)
	require.ErrorIs(t, err, ErrManifestMismatch)
	var mm *runstore.MismatchError
	require.True(t, errors.As(err, &mm))
	assert.Equal(t, 2, mm.Index)
	assert.Len(t, fake.Submitted(), 3, "a mismatch aborts before any submission")

	out, err := Map(context.Background(), square, []int{1, 2}, baseOptions(root, fake, WithNamespace("short"))...)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4}, out)

	id, err := CallID(square, WithNamespace("short"))
	require.NoError(t, err)
	assert.Equal(t, "slurmmap_test.square@short", id)
}

func TestMap_UnencodableElementFailsBeforeSubmission(t *testing.T) {
	root := t.TempDir()
	fake := schedtest.New()

	_, err := Map(context.Background(), anything, []any{func() {}}, baseOptions(root, fake)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "element 0 cannot be packaged")
	assert.Empty(t, fake.Submitted())
	assert.False(t, runstore.NewStore(root).Exists("slurmmap_test.anything"))
}

func TestMap_RefusesConcurrentSubmitter(t *testing.T) {
	root := t.TempDir()
	store := runstore.NewStore(root)
	lock, err := store.Acquire("slurmmap_test.square")
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	_, err = Map(context.Background(), square, []int{1}, baseOptions(root, schedtest.New())...)
	require.ErrorIs(t, err, ErrLocked)
}

func TestMap_CancelWhileWaiting(t *testing.T) {
	root := t.TempDir()
	fake := schedtest.New()
	fake.CompleteAfter = func(i int) int {
		if i == 0 {
			return 0
		}
		return 1 << 30
	}

	done := make(chan error, 1)
	go func() {
		_, err := Map(context.Background(), square, []int{1, 2, 3}, baseOptions(root, fake)...)
		done <- err
	}()
	store := runstore.NewStore(root)
	require.Eventually(t, func() bool {
		m, err := store.Get("slurmmap_test.square")
		return err == nil && m.Tasks[0].Status == runstore.TaskSucceeded
	}, 5*time.Second, time.Millisecond)

	mgr := lifecycle.New(runstore.NewStore(root), func(string) (scheduler.Scheduler, error) { return fake, nil }, nil)
	report, err := mgr.Cancel(context.Background(), "slurmmap_test.square")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, report.Cancelled)

	err = <-done
	var rtc *RemoteTaskCancelled
	require.True(t, errors.As(err, &rtc))
	assert.Contains(t, []int{1, 2}, rtc.Index)
}

func TestMap_CleanupResetsState(t *testing.T) {
	root := t.TempDir()
	fake := schedtest.New()

	_, err := Map(context.Background(), square, []int{2, 3}, baseOptions(root, fake)...)
	require.NoError(t, err)

	mgr := lifecycle.New(runstore.NewStore(root), nil, nil)
	require.NoError(t, mgr.Cleanup(context.Background(), "slurmmap_test.square", false))

	out, err := Map(context.Background(), square, []int{4, 5, 6}, baseOptions(root, fake)...)
	require.NoError(t, err)
	assert.Equal(t, []int{16, 25, 36}, out)
	assert.Len(t, fake.Submitted(), 5)
}

func TestMap_OrderIndependentOfCompletionOrder(t *testing.T) {
	base := t.TempDir()
	rapid.Check(t, func(rt *rapid.T) {
		inputs := rapid.SliceOfN(rapid.IntRange(-1000, 1000), 1, 8).Draw(rt, "inputs")
		delays := rapid.SliceOfN(rapid.IntRange(0, 4), len(inputs), len(inputs)).Draw(rt, "delays")

		root, err := os.MkdirTemp(base, "run")
		if err != nil {
			rt.Fatalf("mkdir: %v", err)
		}
		fake := schedtest.New()
		fake.CompleteAfter = func(i int) int { return delays[i] }

		out, err := Map(context.Background(), square, inputs, baseOptions(root, fake, WithStream(false))...)
		if err != nil {
			rt.Fatalf("map: %v", err)
		}
		if len(out) != len(inputs) {
			rt.Fatalf("got %d results for %d inputs", len(out), len(inputs))
		}
		for i, x := range inputs {
			if out[i] != x*x {
				rt.Fatalf("results[%d] = %d, want %d", i, out[i], x*x)
			}
		}
		if n := len(fake.Submitted()); n != len(inputs) {
			rt.Fatalf("submitted %d jobs for %d inputs", n, len(inputs))
		}
	})
}
