package title

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"", "none", "filter", "static", "dynamic"} {
		if _, err := ParseMode(valid); err != nil {
			t.Errorf("ParseMode(%q) failed: %v", valid, err)
		}
	}
	if _, err := ParseMode("fancy"); err == nil {
		t.Error("ParseMode accepted unknown mode")
	}
}

func TestModeNonePassthrough(t *testing.T) {
	m := NewManager(ModeNone, "bash", "/home/u", "/home/u")

	in := []byte("\x1b]2;app title\x07output$ ")
	if got := m.TransformOutput(in); !bytes.Equal(got, in) {
		t.Errorf("TransformOutput = %q, want untouched", got)
	}
}

func TestModeFilterStripsTitles(t *testing.T) {
	m := NewManager(ModeFilter, "bash", "/home/u", "/home/u")

	in := []byte("a\x1b]0;zero\x07b\x1b]1;one\x1b\\c\x1b]2;two\x07d")
	got := m.TransformOutput(in)
	if string(got) != "abcd" {
		t.Errorf("TransformOutput = %q, want 'abcd'", got)
	}
}

func TestFilterKeepsOtherOSC(t *testing.T) {
	m := NewManager(ModeFilter, "bash", "/home/u", "/home/u")

	in := []byte("\x1b]9;notify\x07x")
	got := m.TransformOutput(in)
	if !bytes.Equal(got, in) {
		t.Errorf("TransformOutput = %q, want OSC 9 preserved", got)
	}
}

func TestStaticInjectsAtPrompt(t *testing.T) {
	m := NewManager(ModeStatic, "/bin/bash", "/work/proj", "/home/u")
	m.SetName("builds")

	got := m.TransformOutput([]byte("done\r\nuser@host:/work/proj$ "))
	want := "\x1b]2;/work/proj · bash · builds\x07"
	if !strings.Contains(string(got), want) {
		t.Errorf("TransformOutput = %q, want injected %q", got, want)
	}
	// Injected at most once.
	if strings.Count(string(got), "\x1b]2;") != 1 {
		t.Errorf("multiple titles injected: %q", got)
	}
}

func TestStaticNoInjectMidOutput(t *testing.T) {
	m := NewManager(ModeStatic, "bash", "/work", "/home/u")

	got := m.TransformOutput([]byte("streaming output with no prompt\r\n"))
	if strings.Contains(string(got), "\x1b]2;") {
		t.Errorf("title injected mid-output: %q", got)
	}
}

func TestStaticStripsAppTitles(t *testing.T) {
	m := NewManager(ModeStatic, "bash", "/work", "/home/u")

	got := m.TransformOutput([]byte("\x1b]2;app says hi\x07text"))
	if strings.Contains(string(got), "app says hi") {
		t.Errorf("app title survived: %q", got)
	}
}

func TestDynamicStatusPrefix(t *testing.T) {
	m := NewManager(ModeDynamic, "claude", "/work", "/home/u")
	m.SetStatus("working")

	got := m.TransformOutput([]byte("$ "))
	if !strings.Contains(string(got), "\x1b]2;working /work · claude\x07") {
		t.Errorf("TransformOutput = %q, want status-prefixed title", got)
	}
}

func TestRefreshSequenceCadence(t *testing.T) {
	m := NewManager(ModeDynamic, "claude", "/work", "/home/u")
	m.SetStatus("idle")

	first := m.RefreshSequence()
	if first == nil {
		t.Fatal("first RefreshSequence = nil")
	}
	// Within the cadence window, no refresh.
	if second := m.RefreshSequence(); second != nil {
		t.Error("RefreshSequence ignored cadence")
	}
}

func TestRefreshOnlyDynamic(t *testing.T) {
	m := NewManager(ModeStatic, "bash", "/work", "/home/u")
	if seq := m.RefreshSequence(); seq != nil {
		t.Errorf("static mode returned refresh %q", seq)
	}
}

func TestTitleSplitAcrossChunks(t *testing.T) {
	m := NewManager(ModeFilter, "bash", "/work", "/home/u")

	got := m.TransformOutput([]byte("a\x1b]2;spl"))
	if string(got) != "a" {
		t.Errorf("first chunk = %q, want partial held", got)
	}
	got = m.TransformOutput([]byte("it title\x07b"))
	if string(got) != "b" {
		t.Errorf("second chunk = %q, want title stripped", got)
	}
}

func TestCwdTracking(t *testing.T) {
	m := NewManager(ModeStatic, "bash", "/start", "/home/u")

	cases := []struct {
		input string
		want  string
	}{
		{"cd /tmp\r", "/tmp"},
		{"cd sub\r", "/tmp/sub"},
		{"cd ..\r", "/tmp"},
		{"cd ~\r", "/home/u"},
		{"cd ~/projects\r", "/home/u/projects"},
		{"cd '/path with spaces'\r", "/path with spaces"},
		{"cd \"/quoted\"\r", "/quoted"},
		{"cd -\r", "/quoted"}, // cd - is unresolvable, cwd unchanged
		{"ls -la\r", "/quoted"},
	}

	for _, tc := range cases {
		m.TrackInput([]byte(tc.input))
		if got := m.Cwd(); got != tc.want {
			t.Errorf("after %q: Cwd = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestCwdPartialKeystrokes(t *testing.T) {
	m := NewManager(ModeStatic, "bash", "/start", "/home/u")

	// cd typed one keystroke at a time.
	for _, b := range []byte("cd /var") {
		m.TrackInput([]byte{b})
	}
	if m.Cwd() != "/start" {
		t.Error("cwd changed before the line completed")
	}
	m.TrackInput([]byte{'\r'})
	if m.Cwd() != "/var" {
		t.Errorf("Cwd = %q, want /var", m.Cwd())
	}
}
