package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const maxLineBytes = 1 << 20

// TailLines returns the last n lines of r.
func TailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	buf := make([]string, 0, n)

	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// TailFile returns the last n lines of the file at path. A missing file
// yields no lines and no error.
func TailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return TailLines(f, n)
}

// Follow copies the file at path to w and keeps copying appended content
// until ctx is done or stop reports true after a drain. The file may not
// exist yet when Follow starts.
func Follow(ctx context.Context, path string, w io.Writer, interval time.Duration, stop func() bool) error {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	var offset int64
	for {
		n, err := copyFrom(path, offset, w)
		if err != nil {
			return err
		}
		offset += n

		if stop != nil && stop() {
			// One last read for bytes written before the stop condition.
			_, err := copyFrom(path, offset, w)
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func copyFrom(path string, offset int64, w io.Writer) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek %s: %w", path, err)
	}
	return io.Copy(w, f)
}
