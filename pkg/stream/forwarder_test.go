package stream

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/3leaps/slurmmap/pkg/runstore"
)

// syncBuffer is a goroutine-safe bytes.Buffer.
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

func appendFile(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestForwarder_PrefixesCompleteLines(t *testing.T) {
	dir := t.TempDir()
	out, errOut := &syncBuffer{}, &syncBuffer{}
	f := New(Options{Stdout: out, Stderr: errOut})

	stdout0 := filepath.Join(dir, "0.out")
	stderr0 := filepath.Join(dir, "0.err")
	stdout1 := filepath.Join(dir, "1.out")
	f.Add(Source{Index: 0, StdoutPath: stdout0, StderrPath: stderr0})
	f.Add(Source{Index: 1, StdoutPath: stdout1, StderrPath: filepath.Join(dir, "missing.err")})

	// Nothing written yet is not an error.
	f.Poll()
	assert.Empty(t, out.String())

	appendFile(t, stdout0, "Working on 1\npartial")
	appendFile(t, stderr0, "warning: slow node\n")
	appendFile(t, stdout1, "Working on 2\n")
	f.Poll()

	assert.Equal(t, "[0] Working on 1\n[1] Working on 2\n", out.String())
	assert.Equal(t, "[0] warning: slow node\n", errOut.String())

	appendFile(t, stdout0, " line\n")
	f.Poll()
	assert.Equal(t, "[0] Working on 1\n[1] Working on 2\n[0] partial line\n", out.String())
}

func TestForwarder_DrainFlushesUnterminatedLine(t *testing.T) {
	dir := t.TempDir()
	out := &syncBuffer{}
	f := New(Options{Stdout: out, Stderr: &syncBuffer{}})

	path := filepath.Join(dir, "out")
	f.Add(Source{Index: 3, StdoutPath: path})
	appendFile(t, path, "done without newline")

	f.Poll()
	assert.Empty(t, out.String())

	f.Drain(3)
	assert.Equal(t, "[3] done without newline\n", out.String())

	// Drained sources are no longer tailed.
	appendFile(t, path, "\nlate\n")
	f.Poll()
	f.Drain(3)
	assert.Equal(t, "[3] done without newline\n", out.String())
}

func TestForwarder_HandlesTruncation(t *testing.T) {
	dir := t.TempDir()
	out := &syncBuffer{}
	f := New(Options{Stdout: out, Stderr: &syncBuffer{}})

	path := filepath.Join(dir, "out")
	f.Add(Source{Index: 0, StdoutPath: path})
	appendFile(t, path, "first attempt output\n")
	f.Poll()

	require.NoError(t, os.WriteFile(path, []byte("again\n"), 0o644))
	f.Poll()
	assert.Equal(t, "[0] first attempt output\n[0] again\n", out.String())
}

func TestForwarder_SkipExistingResumesAfterLastLine(t *testing.T) {
	dir := t.TempDir()
	out, errOut := &syncBuffer{}, &syncBuffer{}
	f := New(Options{Stdout: out, Stderr: errOut})

	stdout := filepath.Join(dir, "out")
	stderr := filepath.Join(dir, "err")
	appendFile(t, stdout, "Working on 4\nstep 1\nstep")
	appendFile(t, stderr, "warming up\n")
	f.Add(Source{Index: 4, StdoutPath: stdout, StderrPath: stderr, SkipExisting: true})

	f.Poll()
	assert.Empty(t, out.String())
	assert.Empty(t, errOut.String())

	appendFile(t, stdout, " 2\n")
	appendFile(t, stderr, "slow node\n")
	f.Poll()
	assert.Equal(t, "[4] step 2\n", out.String())
	assert.Equal(t, "[4] slow node\n", errOut.String())
}

func TestResumeOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out")

	assert.Zero(t, resumeOffset(""))
	assert.Zero(t, resumeOffset(path))

	appendFile(t, path, "no newline yet")
	assert.Zero(t, resumeOffset(path))

	appendFile(t, path, "\nnext")
	assert.Equal(t, int64(len("no newline yet\n")), resumeOffset(path))

	long := filepath.Join(dir, "long")
	appendFile(t, long, strings.Repeat("x", maxPartial+10))
	assert.Equal(t, int64(maxPartial+10), resumeOffset(long))
}

func TestForwarder_RunDrainsOnEventsAndClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	out := &syncBuffer{}
	f := New(Options{Stdout: out, Stderr: &syncBuffer{}, Interval: 10 * time.Millisecond})

	p0 := filepath.Join(dir, "0")
	p1 := filepath.Join(dir, "1")
	f.Add(Source{Index: 0, StdoutPath: p0})
	f.Add(Source{Index: 1, StdoutPath: p1})

	events := make(chan runstore.TaskEvent)
	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background(), events) }()

	appendFile(t, p0, "tick\n")
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[0] tick\n")
	}, 2*time.Second, 5*time.Millisecond)

	appendFile(t, p0, "tail")
	events <- runstore.TaskEvent{Index: 0, Status: runstore.TaskSucceeded}
	appendFile(t, p1, "last words")
	close(events)

	require.NoError(t, <-done)
	got := out.String()
	assert.Contains(t, got, "[0] tail\n")
	assert.Contains(t, got, "[1] last words\n")
}

func TestForwarder_RunStopsOnContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := New(Options{Stdout: &syncBuffer{}, Stderr: &syncBuffer{}, Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, nil) }()
	cancel()
	require.NoError(t, <-done)
}

func TestForwarder_NoColorForNonTerminalWriters(t *testing.T) {
	f := New(Options{Stdout: &syncBuffer{}, Stderr: &syncBuffer{}, Color: true})
	assert.Equal(t, "[7] ", f.prefix(7))
}

func TestTailLines(t *testing.T) {
	lines, err := TailLines(strings.NewReader("a\nb\nc\nd\n"), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, lines)

	lines, err = TailLines(strings.NewReader("a\n"), 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, lines)

	lines, err = TailLines(strings.NewReader("a\n"), 0)
	require.NoError(t, err)
	assert.Nil(t, lines)
}

func TestTailFile_Missing(t *testing.T) {
	lines, err := TailFile(filepath.Join(t.TempDir(), "nope"), 10)
	require.NoError(t, err)
	assert.Nil(t, lines)
}

func TestFollow_StopsAfterFinalDrain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	appendFile(t, path, "one\n")

	var out bytes.Buffer
	calls := 0
	err := Follow(context.Background(), path, &out, time.Millisecond, func() bool {
		calls++
		if calls == 2 {
			appendFile(t, path, "two\n")
		}
		return calls >= 2
	})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", out.String())
}
