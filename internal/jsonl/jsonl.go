// Package jsonl reads and writes JSON Lines collections: one JSON document per
// line, blank lines ignored.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// maxLine bounds a single record. Enriched cases with many flagged
// transactions run well past bufio's 64KiB default.
const maxLine = 16 * 1024 * 1024

// LineError reports a record that failed to decode.
type LineError struct {
	Path string
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Read decodes every record in the file at path.
func Read[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var out []T
	err = Scan(f, func(line int, raw []byte) error {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return &LineError{Path: path, Line: line, Err: err}
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

// ReadRaw returns each record undecoded, so callers can validate records one
// at a time instead of rejecting the whole file.
func ReadRaw(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var out []json.RawMessage
	err = Scan(f, func(_ int, raw []byte) error {
		out = append(out, append(json.RawMessage(nil), raw...))
		return nil
	})
	return out, err
}

// Scan calls fn with each non-blank line and its 1-based line number. The
// slice is only valid for the duration of the call.
func Scan(r io.Reader, fn func(line int, raw []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	n := 0
	for sc.Scan() {
		n++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		if err := fn(n, raw); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Count returns the number of records in the file at path.
func Count(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	n := 0
	err = Scan(f, func(int, []byte) error {
		n++
		return nil
	})
	return n, err
}

// Write replaces the file at path with records. The file is written next to
// its destination and renamed into place, so readers never see a partial
// collection.
func Write[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := newEncoder(w)
	for i := range records {
		if err := enc.Encode(records[i]); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to encode record %d for %s: %w", i, path, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}

// Appender appends records to a file. It is safe for concurrent use; each
// record is written whole.
type Appender struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	enc  *json.Encoder
	path string
}

// OpenAppender opens path for appending, creating it if needed.
func OpenAppender(path string) (*Appender, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	return &Appender{f: f, w: w, enc: newEncoder(w), path: path}, nil
}

// Path returns the file being appended to.
func (a *Appender) Path() string { return a.path }

// Append encodes v as one line.
func (a *Appender) Append(v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enc.Encode(v); err != nil {
		return fmt.Errorf("failed to append to %s: %w", a.path, err)
	}
	return nil
}

// Flush writes buffered records to the file.
func (a *Appender) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.w.Flush()
}

// Close flushes and closes the file.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.w.Flush(); err != nil {
		a.f.Close()
		return err
	}
	return a.f.Close()
}

func newEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}
