package activity

import (
	"bytes"
	"testing"
	"time"
)

func TestOutputMarksActive(t *testing.T) {
	d := NewDetector(0, nil)

	res := d.Process([]byte("hello\r\n"))
	if !bytes.Equal(res.Filtered, []byte("hello\r\n")) {
		t.Errorf("Filtered = %q, want passthrough", res.Filtered)
	}
	if res.Transition == nil || !res.Transition.IsActive {
		t.Error("want active transition on first output")
	}

	// Further output within the window is not a transition.
	res = d.Process([]byte("more"))
	if res.Transition != nil {
		t.Errorf("unexpected transition: %+v", res.Transition)
	}
}

func TestTickDemotesToIdle(t *testing.T) {
	d := NewDetector(50*time.Millisecond, nil)
	d.Process([]byte("x"))

	if st := d.Tick(time.Now()); st != nil {
		t.Error("Tick inside window reported a transition")
	}

	st := d.Tick(time.Now().Add(100 * time.Millisecond))
	if st == nil {
		t.Fatal("Tick past window reported no transition")
	}
	if st.IsActive {
		t.Error("state still active after window elapsed")
	}

	// Idempotent: second tick is not a transition.
	if st := d.Tick(time.Now().Add(200 * time.Millisecond)); st != nil {
		t.Error("repeated Tick reported another transition")
	}
}

func TestOSC9MarkerStrippedAndExtracted(t *testing.T) {
	d := NewDetector(0, nil)

	res := d.Process([]byte("before\x1b]9;Build finished\x07after"))
	if string(res.Filtered) != "beforeafter" {
		t.Errorf("Filtered = %q, want marker stripped", res.Filtered)
	}
	if res.Transition == nil || res.Transition.Specific == nil {
		t.Fatal("want specific status transition")
	}
	if res.Transition.Specific.Status != "Build finished" {
		t.Errorf("Status = %q", res.Transition.Specific.Status)
	}
}

func TestOSC777MarkerStrippedAndExtracted(t *testing.T) {
	d := NewDetector(0, nil)

	res := d.Process([]byte("\x1b]777;notify;myapp;waiting for review\x1b\\rest"))
	if string(res.Filtered) != "rest" {
		t.Errorf("Filtered = %q, want marker stripped", res.Filtered)
	}
	st := d.State()
	if st.Specific == nil || st.Specific.App != "myapp" || st.Specific.Status != "waiting for review" {
		t.Errorf("Specific = %+v", st.Specific)
	}
}

func TestNumericOSC9Ignored(t *testing.T) {
	d := NewDetector(0, nil)

	d.Process([]byte("\x1b]9;4;1;50\x07"))
	if st := d.State(); st.Specific != nil {
		t.Errorf("numeric OSC 9 extracted as status: %+v", st.Specific)
	}
}

func TestOtherOSCPassesThrough(t *testing.T) {
	d := NewDetector(0, nil)

	in := []byte("\x1b]2;window title\x07text")
	res := d.Process(in)
	if !bytes.Equal(res.Filtered, in) {
		t.Errorf("Filtered = %q, want untouched title sequence", res.Filtered)
	}
}

func TestMarkerSplitAcrossChunks(t *testing.T) {
	d := NewDetector(0, nil)

	res := d.Process([]byte("a\x1b]9;part"))
	if string(res.Filtered) != "a" {
		t.Errorf("Filtered = %q, want partial OSC held back", res.Filtered)
	}

	res = d.Process([]byte("ial done\x07b"))
	if string(res.Filtered) != "b" {
		t.Errorf("Filtered = %q, want marker stripped after rejoin", res.Filtered)
	}
	if st := d.State(); st.Specific == nil || st.Specific.Status != "partial done" {
		t.Errorf("Specific = %+v", st.Specific)
	}
}

func TestBellCountedOutsideOSC(t *testing.T) {
	d := NewDetector(0, nil)

	res := d.Process([]byte("ding\x07dong\x1b]2;title\x07"))
	if res.Bells != 1 {
		t.Errorf("Bells = %d, want 1 (OSC terminator not a bell)", res.Bells)
	}
	if !bytes.Contains(res.Filtered, []byte{0x07}) {
		t.Error("standalone BEL removed from stream")
	}
}

func TestPlainTextPattern(t *testing.T) {
	d := NewDetector(0, nil)

	res := d.Process([]byte("  3s · esc to interrupt"))
	if res.Transition == nil || res.Transition.Specific == nil {
		t.Fatal("want pattern transition")
	}
	if res.Transition.Specific.App != "claude" || res.Transition.Specific.Status != "working" {
		t.Errorf("Specific = %+v", res.Transition.Specific)
	}
	// Plain-text patterns are not markers; bytes stay in the stream.
	if !bytes.Contains(res.Filtered, []byte("esc to interrupt")) {
		t.Error("pattern text removed from stream")
	}
}
