package recording

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"
)

func TestHeaderAndRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recording.log")

	w, err := NewWriter(path, Header{
		Width:   80,
		Height:  24,
		Command: "/bin/sh -c 'echo hi'",
		Term:    "xterm-256color",
		Env:     map[string]string{"SHELL": "/bin/sh"},
	})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	if err := w.Output([]byte("hi\r\n")); err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if err := w.Input([]byte("q")); err != nil {
		t.Fatalf("Input failed: %v", err)
	}
	if err := w.Resize(120, 40); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	if err := w.Exit(0); err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	hdr, records, err := ReadLog(path)
	if err != nil {
		t.Fatalf("ReadLog failed: %v", err)
	}

	if hdr.Width != 80 || hdr.Height != 24 {
		t.Errorf("header dims = %dx%d, want 80x24", hdr.Width, hdr.Height)
	}
	if hdr.Version != 2 {
		t.Errorf("header version = %d, want 2", hdr.Version)
	}
	if hdr.StartedAt.IsZero() {
		t.Error("header StartedAt is zero")
	}
	if hdr.Env["SHELL"] != "/bin/sh" {
		t.Errorf("header env = %v", hdr.Env)
	}

	want := []struct{ kind, data string }{
		{"o", "hi\r\n"},
		{"i", "q"},
		{"r", "120x40"},
		{"x", "0"},
	}
	if len(records) != len(want) {
		t.Fatalf("record count = %d, want %d", len(records), len(want))
	}
	for i, rec := range records {
		if rec.Kind != want[i].kind {
			t.Errorf("record %d kind = %q, want %q", i, rec.Kind, want[i].kind)
		}
		if rec.Data != want[i].data {
			t.Errorf("record %d data = %q, want %q", i, rec.Data, want[i].data)
		}
		if rec.Time < 0 {
			t.Errorf("record %d has negative timestamp", i)
		}
	}
}

func TestTimestampsMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recording.log")

	w, err := NewWriter(path, Header{Width: 80, Height: 24, Command: "cat"})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	w.Output([]byte("a"))
	time.Sleep(10 * time.Millisecond)
	w.Output([]byte("b"))
	w.Close()

	_, records, err := ReadLog(path)
	if err != nil {
		t.Fatalf("ReadLog failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("record count = %d, want 2", len(records))
	}
	if records[1].Time < records[0].Time {
		t.Errorf("timestamps not monotonic: %v then %v", records[0].Time, records[1].Time)
	}
}

func TestMultibyteRunesSplitAcrossChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recording.log")

	w, err := NewWriter(path, Header{Width: 80, Height: 24, Command: "cat"})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	// "café" with the é (0xC3 0xA9) split across two output chunks, then
	// a 4-byte emoji split across three.
	w.Output([]byte{'c', 'a', 'f', 0xC3})
	w.Output([]byte{0xA9, ' '})
	w.Output([]byte{0xF0, 0x9F})
	w.Output([]byte{0x8E})
	w.Output([]byte{0x89, '!'})

	// Input carries its own remainder, independent of output.
	w.Input([]byte{0xC3})
	w.Output([]byte("between"))
	w.Input([]byte{0xA9})

	if err := w.Exit(0); err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	w.Close()

	_, records, err := ReadLog(path)
	if err != nil {
		t.Fatalf("ReadLog failed: %v", err)
	}

	var output, input string
	for _, r := range records {
		switch r.Kind {
		case KindOutput:
			output += r.Data
		case KindInput:
			input += r.Data
		}
		if r.Kind != KindExit && len(r.Data) == 0 {
			t.Errorf("empty %q record written", r.Kind)
		}
	}
	if output != "café \U0001F389!between" {
		t.Errorf("output = %q, split runes did not round-trip", output)
	}
	if input != "é" {
		t.Errorf("input = %q, want é", input)
	}
	for _, r := range records {
		if kind := r.Kind; kind == KindOutput || kind == KindInput {
			if bytes.ContainsRune([]byte(r.Data), '�') {
				t.Errorf("%q record %q contains a replacement character", kind, r.Data)
			}
		}
	}
	if last := records[len(records)-1]; last.Kind != KindExit {
		t.Errorf("last record = %+v, want the exit marker", last)
	}
}

func TestDanglingPartialRuneFlushedAtExit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recording.log")

	w, err := NewWriter(path, Header{Width: 80, Height: 24, Command: "cat"})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	w.Output([]byte("done"))
	w.Output([]byte{0xF0, 0x9F}) // never completed
	if err := w.Exit(0); err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	w.Close()

	_, records, err := ReadLog(path)
	if err != nil {
		t.Fatalf("ReadLog failed: %v", err)
	}
	// The dangling bytes appear before the exit marker, not lost.
	if len(records) != 3 {
		t.Fatalf("record count = %d, want 3", len(records))
	}
	if records[0].Data != "done" || records[1].Kind != KindOutput || records[2].Kind != KindExit {
		t.Errorf("records = %+v", records)
	}
}

func TestCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recording.log")

	w, err := NewWriter(path, Header{Width: 80, Height: 24, Command: "cat"})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	if err := w.Output([]byte("late")); err == nil {
		t.Error("Output after Close succeeded, want error")
	}
}
