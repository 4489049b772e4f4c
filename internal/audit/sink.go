package audit

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// MaxRecordSize bounds one encoded record line, newline excluded. Emit
// refuses larger records and readers report larger lines as malformed.
const MaxRecordSize = 1 << 20

// Sink is an append-only destination for encoded records. There is no
// update or delete path.
type Sink interface {
	// Append writes one encoded record followed by a newline. On error
	// nothing of the record remains in the sink.
	Append(line []byte) error
	Close() error
}

// FileSink appends records to a JSONL file, syncing after each write so
// records survive a crash. An exclusive advisory lock on "<path>.lock" is
// held while the sink is open, so a second process cannot fork the chain.
type FileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
	lock *flock.Flock
	size int64
	sync func(*os.File) error
}

// OpenFileSink opens (or creates) path for appending. Parent directories
// are created as needed. It fails with ErrSinkLocked when another writer
// holds the sink.
func OpenFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating sink directory for %s: %w", path, err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking sink %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrSinkLocked, path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("opening sink %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		lock.Unlock()
		return nil, fmt.Errorf("stat sink %s: %w", path, err)
	}
	return &FileSink{
		path: path,
		file: f,
		lock: lock,
		size: info.Size(),
		sync: (*os.File).Sync,
	}, nil
}

// Path returns the file path of the sink.
func (s *FileSink) Path() string { return s.path }

// Append implements Sink. A short write or a failed sync truncates the
// file back to its size before the call.
func (s *FileSink) Append(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return ErrClosed
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	if _, err := s.file.Write(buf); err != nil {
		return s.rollback(fmt.Errorf("writing to %s: %w", s.path, err))
	}
	if err := s.sync(s.file); err != nil {
		return s.rollback(fmt.Errorf("syncing %s: %w", s.path, err))
	}
	s.size += int64(len(buf))
	return nil
}

// rollback drops whatever part of a failed append reached the file.
func (s *FileSink) rollback(cause error) error {
	if err := s.file.Truncate(s.size); err != nil {
		slog.Error("audit sink left with a partial record", "file", s.path, "error", err)
		return errors.Join(cause, fmt.Errorf("truncating %s: %w", s.path, err))
	}
	return cause
}

// Close implements Sink. Safe to call more than once.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if uerr := s.lock.Unlock(); uerr != nil {
		err = errors.Join(err, uerr)
	}
	return err
}

// sinkTail summarizes an existing sink file for restart recovery.
type sinkTail struct {
	lines int     // physical lines, including blank and malformed ones
	last  *Record // last parseable record, nil if none
}

// readTail scans a sink file. A missing file is an empty tail.
func readTail(path string) (sinkTail, error) {
	var t sinkTail
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return t, err
	}
	defer f.Close()

	err = scanLines(f, func(n int, line []byte, lerr error) {
		t.lines = n
		if lerr != nil {
			slog.Warn("skipping oversized line during recovery", "file", path, "line", n, "error", lerr)
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			return
		}
		rec, perr := ParseRecord(line)
		if perr != nil {
			slog.Warn("skipping malformed record during recovery", "file", path, "line", n, "error", perr)
			return
		}
		t.last = &rec
	})
	return t, err
}

// scanLines calls fn with the 1-based physical line number and contents of
// every line of r. A line longer than MaxRecordSize is skipped up to its
// newline and reported with ErrRecordTooLarge and a nil line, so one
// oversized line never stops the scan.
func scanLines(r io.Reader, fn func(n int, line []byte, err error)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		buf      []byte
		oversize bool
		n        int
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if !oversize {
			buf = append(buf, chunk...)
			if len(bytes.TrimSuffix(buf, []byte{'\n'})) > MaxRecordSize {
				oversize, buf = true, buf[:0]
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}

		// A complete line, or the unterminated last one.
		if len(chunk) > 0 || len(buf) > 0 || oversize {
			n++
			if oversize {
				fn(n, nil, ErrRecordTooLarge)
			} else {
				fn(n, bytes.TrimSuffix(buf, []byte{'\n'}), nil)
			}
		}
		buf, oversize = buf[:0], false

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ReadRecords returns every parseable record of a sink file in write
// order, paired with its physical line number. Malformed lines are
// skipped; use the Verifier to report them.
func ReadRecords(path string) ([]NumberedRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []NumberedRecord
	err = scanLines(f, func(n int, line []byte, lerr error) {
		if lerr != nil || len(bytes.TrimSpace(line)) == 0 {
			return
		}
		rec, perr := ParseRecord(line)
		if perr != nil {
			return
		}
		out = append(out, NumberedRecord{Line: n, Record: rec})
	})
	return out, err
}

// NumberedRecord is a record with its 1-based line number in its sink.
type NumberedRecord struct {
	Line   int
	Record Record
}
