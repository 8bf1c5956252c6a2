// Package recording appends a time-stamped I/O log per session.
//
// The log is newline-delimited and human-diagnosable: the first line is a
// JSON header with the initial dimensions, command label, start timestamp,
// and environment excerpt; every following line is a JSON array
// [tSeconds, kind, data] where kind is "o" (output), "i" (input),
// "r" (resize) or "x" (exit). tSeconds is seconds since the header was
// written.
package recording

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"
)

// Record kinds.
const (
	KindOutput = "o"
	KindInput  = "i"
	KindResize = "r"
	KindExit   = "x"
)

// Header is the first line of a recording log.
type Header struct {
	Version   int               `json:"version"`
	Width     uint16            `json:"width"`
	Height    uint16            `json:"height"`
	Command   string            `json:"command"`
	Term      string            `json:"term,omitempty"`
	StartedAt time.Time         `json:"startedAt"`
	Env       map[string]string `json:"env,omitempty"`
}

// Record is one parsed log entry.
type Record struct {
	Time time.Duration
	Kind string
	Data string
}

// Writer appends records to a session's recording log. Writes are totally
// ordered under an internal mutex; the session's own tasks are the only
// writers. Close is idempotent.
//
// Output and input chunks are split on rune boundaries: a trailing
// incomplete UTF-8 sequence is held back and prepended to the stream's
// next chunk, so multibyte runes split at read-buffer boundaries
// round-trip instead of being replaced by U+FFFD during JSON encoding.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	start  time.Time
	closed bool

	outTail []byte
	inTail  []byte
}

// NewWriter creates the log file and writes the header.
func NewWriter(path string, hdr Header) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening recording log: %w", err)
	}

	if hdr.Version == 0 {
		hdr.Version = 2
	}
	if hdr.StartedAt.IsZero() {
		hdr.StartedAt = time.Now()
	}

	line, err := json.Marshal(hdr)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("encoding recording header: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing recording header: %w", err)
	}

	return &Writer{f: f, start: hdr.StartedAt}, nil
}

func (w *Writer) append(kind, data string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	return w.appendLocked(kind, data)
}

func (w *Writer) appendLocked(kind, data string) error {
	t := time.Since(w.start).Seconds()
	line, err := json.Marshal([3]any{t, kind, data})
	if err != nil {
		return fmt.Errorf("encoding %q record: %w", kind, err)
	}
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending %q record: %w", kind, err)
	}
	return nil
}

// appendStream appends a record for a byte stream, holding back a trailing
// incomplete UTF-8 sequence until the stream's next chunk completes it.
func (w *Writer) appendStream(kind string, tail *[]byte, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}

	buf := data
	if len(*tail) > 0 {
		buf = append(append([]byte(nil), *tail...), data...)
		*tail = nil
	}
	if keep := incompleteTailLen(buf); keep > 0 {
		*tail = append([]byte(nil), buf[len(buf)-keep:]...)
		buf = buf[:len(buf)-keep]
	}
	if len(buf) == 0 {
		return nil
	}
	return w.appendLocked(kind, string(buf))
}

// incompleteTailLen returns the length of a trailing incomplete multibyte
// UTF-8 sequence, or 0 when the buffer ends on a rune boundary or on bytes
// that no continuation could repair.
func incompleteTailLen(p []byte) int {
	end := len(p)
	for i := 1; i <= utf8.UTFMax && i <= end; i++ {
		b := p[end-i]
		if b < utf8.RuneSelf {
			return 0
		}
		if b&0xC0 == 0x80 {
			// Continuation byte; keep scanning for the start.
			continue
		}
		var need int
		switch {
		case b&0xE0 == 0xC0:
			need = 2
		case b&0xF0 == 0xE0:
			need = 3
		case b&0xF8 == 0xF0:
			need = 4
		default:
			return 0
		}
		if need > i {
			return i
		}
		return 0
	}
	return 0
}

// flushTailsLocked writes any dangling partial sequences as-is.
func (w *Writer) flushTailsLocked() {
	if len(w.outTail) > 0 {
		w.appendLocked(KindOutput, string(w.outTail))
		w.outTail = nil
	}
	if len(w.inTail) > 0 {
		w.appendLocked(KindInput, string(w.inTail))
		w.inTail = nil
	}
}

// Output appends an output record.
func (w *Writer) Output(data []byte) error {
	return w.appendStream(KindOutput, &w.outTail, data)
}

// Input appends an input record.
func (w *Writer) Input(data []byte) error {
	return w.appendStream(KindInput, &w.inTail, data)
}

// Resize appends a resize marker in "COLSxROWS" form.
func (w *Writer) Resize(cols, rows uint16) error {
	return w.append(KindResize, fmt.Sprintf("%dx%d", cols, rows))
}

// Exit appends the final exit marker, flushing held-back stream bytes
// first so nothing follows the "x" record.
func (w *Writer) Exit(code int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	w.flushTailsLocked()
	return w.appendLocked(KindExit, strconv.Itoa(code))
}

// Close flushes and closes the log. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.flushTailsLocked()
	w.closed = true
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// ReadLog parses a recording log for diagnostics and tests.
func ReadLog(path string) (Header, []Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var hdr Header
	if !scanner.Scan() {
		return hdr, nil, fmt.Errorf("recording log %s is empty", path)
	}
	if err := json.Unmarshal(scanner.Bytes(), &hdr); err != nil {
		return hdr, nil, fmt.Errorf("parsing recording header: %w", err)
	}

	var records []Record
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var raw [3]json.RawMessage
		if err := json.Unmarshal(scanner.Bytes(), &raw); err != nil {
			return hdr, records, fmt.Errorf("parsing record %d: %w", len(records)+1, err)
		}
		var t float64
		var kind, data string
		if err := json.Unmarshal(raw[0], &t); err != nil {
			return hdr, records, err
		}
		if err := json.Unmarshal(raw[1], &kind); err != nil {
			return hdr, records, err
		}
		if err := json.Unmarshal(raw[2], &data); err != nil {
			return hdr, records, err
		}
		records = append(records, Record{
			Time: time.Duration(t * float64(time.Second)),
			Kind: kind,
			Data: data,
		})
	}

	return hdr, records, scanner.Err()
}
