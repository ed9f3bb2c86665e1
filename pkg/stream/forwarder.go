// Package stream forwards the stdout/stderr files written by remote jobs
// to the caller's console, prefixing every line with the element index.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/3leaps/slurmmap/pkg/runstore"
)

// maxPartial bounds an unterminated line held back between reads.
const maxPartial = 64 * 1024

var palette = []color.Attribute{
	color.FgCyan, color.FgGreen, color.FgYellow, color.FgBlue, color.FgMagenta,
	color.FgHiCyan, color.FgHiGreen, color.FgHiYellow, color.FgHiBlue, color.FgHiMagenta,
}

// Source names the two stream files of one task.
type Source struct {
	Index      int
	StdoutPath string
	StderrPath string
	// SkipExisting starts forwarding after the last complete line already
	// in the files, for tasks another call has been forwarding.
	SkipExisting bool
}

// Options configures a Forwarder.
type Options struct {
	Stdout   io.Writer
	Stderr   io.Writer
	Interval time.Duration
	// Color enables per-index prefix colors when the writers are terminals.
	Color  bool
	Logger *zap.Logger
}

type cursor struct {
	path    string
	offset  int64
	partial []byte
}

type source struct {
	index  int
	prefix string
	stdout cursor
	stderr cursor
	done   bool
}

// Forwarder tails task stream files and writes complete lines to the
// caller's writers. It never fails the call: unreadable files are skipped
// until the next pass.
type Forwarder struct {
	mu       sync.Mutex
	stdout   io.Writer
	stderr   io.Writer
	interval time.Duration
	color    bool
	logger   *zap.Logger
	sources  map[int]*source
}

func New(opts Options) *Forwarder {
	f := &Forwarder{
		stdout:   opts.Stdout,
		stderr:   opts.Stderr,
		interval: opts.Interval,
		logger:   opts.Logger,
		sources:  make(map[int]*source),
	}
	if f.stdout == nil {
		f.stdout = os.Stdout
	}
	if f.stderr == nil {
		f.stderr = os.Stderr
	}
	if f.interval <= 0 {
		f.interval = time.Second
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	f.color = opts.Color && !color.NoColor && isConsole(f.stdout) && isConsole(f.stderr)
	return f
}

func isConsole(w io.Writer) bool {
	return w == os.Stdout || w == os.Stderr
}

// Add registers a task whose streams should be forwarded.
func (f *Forwarder) Add(src Source) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sources[src.Index]; ok {
		return
	}
	s := &source{
		index:  src.Index,
		prefix: f.prefix(src.Index),
		stdout: cursor{path: src.StdoutPath},
		stderr: cursor{path: src.StderrPath},
	}
	if src.SkipExisting {
		s.stdout.offset = resumeOffset(src.StdoutPath)
		s.stderr.offset = resumeOffset(src.StderrPath)
		f.logger.Debug("Skipping output already forwarded", zap.Int("index", src.Index),
			zap.Int64("stdout_offset", s.stdout.offset), zap.Int64("stderr_offset", s.stderr.offset))
	}
	f.sources[src.Index] = s
}

// resumeOffset returns the position just past the last newline of the file,
// looking back at most maxPartial bytes.
func resumeOffset(path string) int64 {
	if path == "" {
		return 0
	}
	fh, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer func() { _ = fh.Close() }()

	st, err := fh.Stat()
	if err != nil || st.Size() == 0 {
		return 0
	}
	start := st.Size() - maxPartial
	if start < 0 {
		start = 0
	}
	tail := make([]byte, st.Size()-start)
	if _, err := fh.ReadAt(tail, start); err != nil && !errors.Is(err, io.EOF) {
		return 0
	}
	if i := bytes.LastIndexByte(tail, '\n'); i >= 0 {
		return start + int64(i) + 1
	}
	if start == 0 {
		return 0
	}
	return st.Size()
}

func (f *Forwarder) prefix(index int) string {
	p := fmt.Sprintf("[%d] ", index)
	if !f.color {
		return p
	}
	c := color.New(palette[index%len(palette)])
	c.EnableColor()
	return c.Sprint(p)
}

// Poll forwards complete lines appended since the previous pass.
func (f *Forwarder) Poll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, src := range f.ordered() {
		if src.done {
			continue
		}
		f.pump(src, false)
	}
}

// Drain forwards everything left for index, including an unterminated
// final line, and stops tailing it.
func (f *Forwarder) Drain(index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[index]
	if !ok || src.done {
		return
	}
	f.pump(src, true)
	src.done = true
}

// DrainAll drains every active source.
func (f *Forwarder) DrainAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, src := range f.ordered() {
		if src.done {
			continue
		}
		f.pump(src, true)
		src.done = true
	}
}

// Run polls every interval and drains a task when its terminal event
// arrives. It returns after draining everything once events is closed or
// ctx is done.
func (f *Forwarder) Run(ctx context.Context, events <-chan runstore.TaskEvent) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.DrainAll()
			return nil
		case ev, ok := <-events:
			if !ok {
				f.DrainAll()
				return nil
			}
			f.Drain(ev.Index)
		case <-ticker.C:
			f.Poll()
		}
	}
}

func (f *Forwarder) ordered() []*source {
	out := make([]*source, 0, len(f.sources))
	for _, src := range f.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

func (f *Forwarder) pump(src *source, final bool) {
	f.forward(&src.stdout, src.prefix, f.stdout, final)
	f.forward(&src.stderr, src.prefix, f.stderr, final)
}

func (f *Forwarder) forward(c *cursor, prefix string, w io.Writer, final bool) {
	if c.path == "" {
		return
	}
	chunk, err := readFrom(c)
	if err != nil {
		f.logger.Debug("Stream not readable yet", zap.String("path", c.path), zap.Error(err))
	}

	data := append(c.partial, chunk...)
	c.partial = nil
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		writeLine(w, prefix, data[:i])
		data = data[i+1:]
	}
	if len(data) == 0 {
		return
	}
	if final || len(data) >= maxPartial {
		writeLine(w, prefix, data)
		return
	}
	c.partial = append([]byte(nil), data...)
}

func writeLine(w io.Writer, prefix string, line []byte) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	_, _ = fmt.Fprintf(w, "%s%s\n", prefix, line)
}

func readFrom(c *cursor) ([]byte, error) {
	fh, err := os.Open(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = fh.Close() }()

	st, err := fh.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < c.offset {
		// Truncated by a resubmission.
		c.offset = 0
		c.partial = nil
	}
	if _, err := fh.Seek(c.offset, io.SeekStart); err != nil {
		return nil, err
	}
	b, err := io.ReadAll(fh)
	c.offset += int64(len(b))
	return b, err
}
