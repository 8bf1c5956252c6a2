package ipc

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	if err := WriteFrame(&buf, TypeStdin, []byte("keystrokes")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	frameType, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if frameType != TypeStdin {
		t.Errorf("type = %#x, want STDIN_DATA", frameType)
	}
	if string(payload) != "keystrokes" {
		t.Errorf("payload = %q", payload)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer

	if err := WriteFrame(&buf, TypeHeartbeat, nil); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	frameType, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if frameType != TypeHeartbeat {
		t.Errorf("type = %#x, want HEARTBEAT", frameType)
	}
	if len(payload) != 0 {
		t.Errorf("payload length = %d, want 0", len(payload))
	}
}

func TestFrameLengthLimit(t *testing.T) {
	// Fabricate a header claiming an oversized payload.
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff, TypeStdin})

	if _, _, err := ReadFrame(&buf); err == nil {
		t.Error("ReadFrame accepted oversized frame")
	}
}

func TestCheckPath(t *testing.T) {
	if err := CheckPath("/tmp/short.sock"); err != nil {
		t.Errorf("CheckPath rejected short path: %v", err)
	}

	long := "/tmp/" + strings.Repeat("x", 120) + ".sock"
	if err := CheckPath(long); err != ErrSocketPathTooLong {
		t.Errorf("CheckPath(long) = %v, want ErrSocketPathTooLong", err)
	}
}

// recordingHandler captures dispatched traffic for assertions.
type recordingHandler struct {
	mu      sync.Mutex
	stdin   []byte
	resizes []string
	kills   []string
	resets  int
}

func (h *recordingHandler) HandleStdin(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stdin = append(h.stdin, data...)
	return nil
}

func (h *recordingHandler) HandleResize(cols, rows uint16, source string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resizes = append(h.resizes, source)
	return nil
}

func (h *recordingHandler) HandleKill(signal string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kills = append(h.kills, signal)
	return nil
}

func (h *recordingHandler) HandleResetSize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets++
	return nil
}

func (h *recordingHandler) snapshot() (string, []string, []string, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return string(h.stdin), append([]string(nil), h.resizes...), append([]string(nil), h.kills...), h.resets
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestServerDispatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipc.sock")
	h := &recordingHandler{}

	srv, err := Listen(path, 0o600, h, nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer srv.Close()

	client, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	if err := client.SendStdin([]byte("abc")); err != nil {
		t.Fatalf("SendStdin failed: %v", err)
	}
	if err := client.SendResize(120, 40, "terminal"); err != nil {
		t.Fatalf("SendResize failed: %v", err)
	}
	if err := client.SendControl(ControlCommand{Cmd: CmdKill, Signal: "SIGTERM"}); err != nil {
		t.Fatalf("SendControl failed: %v", err)
	}
	if err := client.SendControl(ControlCommand{Cmd: CmdResetSize}); err != nil {
		t.Fatalf("SendControl failed: %v", err)
	}
	if err := client.SendHeartbeat(); err != nil {
		t.Fatalf("SendHeartbeat failed: %v", err)
	}

	waitFor(t, func() bool {
		stdin, resizes, kills, resets := h.snapshot()
		return stdin == "abc" && len(resizes) == 1 && len(kills) == 1 && resets == 1
	})

	_, resizes, kills, _ := h.snapshot()
	if resizes[0] != "terminal" {
		t.Errorf("resize source = %q, want terminal", resizes[0])
	}
	if kills[0] != "SIGTERM" {
		t.Errorf("kill signal = %q, want SIGTERM", kills[0])
	}
}

func TestServerSkipsUnknownFrameType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipc.sock")
	h := &recordingHandler{}

	srv, err := Listen(path, 0o600, h, nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer srv.Close()

	client, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	// Unknown type 0x7f must be skipped, not kill the connection.
	client.mu.Lock()
	err = WriteFrame(client.conn, 0x7f, []byte("future payload"))
	client.mu.Unlock()
	if err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	if err := client.SendStdin([]byte("still here")); err != nil {
		t.Fatalf("SendStdin failed: %v", err)
	}

	waitFor(t, func() bool {
		stdin, _, _, _ := h.snapshot()
		return stdin == "still here"
	})
}

func TestServerBroadcast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipc.sock")
	h := &recordingHandler{}

	srv, err := Listen(path, 0o600, h, nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer srv.Close()

	c1, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c1.Close()
	c2, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c2.Close()

	waitFor(t, func() bool { return srv.ConnCount() == 2 })

	srv.Broadcast([]byte("pty output"))

	for i, c := range []*Client{c1, c2} {
		buf := make([]byte, 64)
		c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := c.Read(buf)
		if err != nil {
			t.Fatalf("client %d read failed: %v", i, err)
		}
		if string(buf[:n]) != "pty output" {
			t.Errorf("client %d got %q", i, buf[:n])
		}
	}
}

// stallingHandler wedges HandleStdin until released, simulating a PTY
// whose write side has stopped draining.
type stallingHandler struct {
	release chan struct{}

	mu    sync.Mutex
	kills []string
}

func (h *stallingHandler) HandleStdin(data []byte) error {
	<-h.release
	return nil
}

func (h *stallingHandler) HandleResize(cols, rows uint16, source string) error { return nil }

func (h *stallingHandler) HandleKill(signal string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kills = append(h.kills, signal)
	return nil
}

func (h *stallingHandler) HandleResetSize() error { return nil }

func (h *stallingHandler) killCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.kills)
}

func TestStdinBacklogDoesNotBlockControl(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipc.sock")
	h := &stallingHandler{release: make(chan struct{})}

	srv, err := Listen(path, 0o600, h, nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer srv.Close()
	// Unwedge before Close so the drain finishes.
	defer close(h.release)

	client, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	// 256 KiB of stdin while the PTY is wedged: the bounded backlog must
	// absorb it without stalling the connection.
	client.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	chunk := bytes.Repeat([]byte("x"), 4096)
	for i := 0; i < 64; i++ {
		if err := client.SendStdin(chunk); err != nil {
			t.Fatalf("SendStdin stalled after %d bytes: %v", i*len(chunk), err)
		}
	}

	// A kill queued behind the stdin backlog must still be dispatched.
	if err := client.SendControl(ControlCommand{Cmd: CmdKill, Signal: "SIGTERM"}); err != nil {
		t.Fatalf("SendControl failed: %v", err)
	}
	waitFor(t, func() bool { return h.killCount() == 1 })
}

func TestListenRejectsLongPath(t *testing.T) {
	long := filepath.Join("/tmp", strings.Repeat("d", 120), "ipc.sock")
	if _, err := Listen(long, 0o600, &recordingHandler{}, nil); err != ErrSocketPathTooLong {
		t.Errorf("Listen(long path) = %v, want ErrSocketPathTooLong", err)
	}
}

func TestCloseRemovesSocketFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipc.sock")

	srv, err := Listen(path, 0o600, &recordingHandler{}, nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := Dial(path); err == nil {
		t.Error("Dial succeeded after Close")
	}
	// Idempotent.
	if err := srv.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
