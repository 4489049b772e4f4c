package audit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Follow calls fn for every record appended to the sink at path after
// Follow starts, like `tail -f`. It blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file, so a sink that
// does not exist yet is picked up once created.
func Follow(ctx context.Context, path string, fn func(NumberedRecord)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	t := &tailer{path: path}
	if err := t.skipExisting(); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := t.readNew(fn); err != nil {
				slog.Error("follow: error reading sink", "file", path, "error", err)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Error("follow: file watcher error", "error", err)
		}
	}
}

// tailer tracks how far into a sink file Follow has read.
type tailer struct {
	path    string
	offset  int64
	line    int
	partial []byte
}

func (t *tailer) skipExisting() error {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	n, err := io.Copy(&lineCounter{t: t}, f)
	t.offset = n
	return err
}

func (t *tailer) readNew(fn func(NumberedRecord)) error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < t.offset {
		// Truncated or replaced; an append-only sink should never shrink.
		slog.Warn("follow: sink shrank, restarting from the top", "file", t.path)
		t.offset, t.line, t.partial = 0, 0, nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	t.offset += int64(len(data))

	buf := append(t.partial, data...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := buf[:i]
		buf = buf[i+1:]
		t.line++
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			slog.Warn("follow: malformed record", "file", t.path, "line", t.line, "error", err)
			continue
		}
		fn(NumberedRecord{Line: t.line, Record: rec})
	}
	t.partial = append([]byte(nil), buf...)
	return nil
}

// lineCounter counts newlines written to it into t.line.
type lineCounter struct{ t *tailer }

func (c *lineCounter) Write(p []byte) (int, error) {
	c.t.line += bytes.Count(p, []byte{'\n'})
	return len(p), nil
}
