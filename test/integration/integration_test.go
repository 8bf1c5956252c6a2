// Package integration exercises the full stack without the binaries:
// manager, HTTP surface, IPC socket, recording, and events working
// together the way tunnelforged wires them.
package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tunnelforge/tunnelforge/internal/config"
	"github.com/tunnelforge/tunnelforge/internal/events"
	"github.com/tunnelforge/tunnelforge/internal/httpd"
	"github.com/tunnelforge/tunnelforge/internal/ipc"
	"github.com/tunnelforge/tunnelforge/internal/recording"
	"github.com/tunnelforge/tunnelforge/internal/session"
)

type stack struct {
	ts  *httptest.Server
	mgr *session.Manager
	bus *events.Bus
}

func newStack(t *testing.T) *stack {
	t.Helper()

	cfg := config.Default()
	cfg.AuthMode = "none"
	cfg.ControlDir = filepath.Join(t.TempDir(), "ctl")

	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	mgr, err := session.NewManager(session.Options{
		ControlRoot: cfg.ControlDir,
		SocketMode:  cfg.SocketMode,
	}, bus, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { mgr.Shutdown(2 * time.Second) })

	srv, err := httpd.New(cfg, mgr, bus, nil)
	if err != nil {
		t.Fatalf("httpd.New failed: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &stack{ts: ts, mgr: mgr, bus: bus}
}

func (s *stack) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	resp, err := http.Post(s.ts.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

// TestEchoRoundTrip covers create over HTTP, output over SSE, and the
// exit event on the server event stream.
func TestEchoRoundTrip(t *testing.T) {
	s := newStack(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eventsReq, _ := http.NewRequestWithContext(ctx, "GET", s.ts.URL+"/events", nil)
	eventsResp, err := http.DefaultClient.Do(eventsReq)
	if err != nil {
		t.Fatalf("events stream failed: %v", err)
	}
	defer eventsResp.Body.Close()

	resp, body := s.post(t, "/sessions", map[string]any{
		"command": []string{"/bin/sh", "-c", "echo hi"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, body)
	}
	id := body["id"].(string)

	streamReq, _ := http.NewRequestWithContext(ctx, "GET", s.ts.URL+"/sessions/"+id+"/stream", nil)
	streamResp, err := http.DefaultClient.Do(streamReq)
	if err != nil {
		t.Fatalf("session stream failed: %v", err)
	}
	defer streamResp.Body.Close()

	var output bytes.Buffer
	readStream(t, streamResp, 5*time.Second, func(name, data string) bool {
		if name == "exit" {
			return true
		}
		if decoded, err := base64.StdEncoding.DecodeString(data); err == nil {
			output.Write(decoded)
		}
		return false
	})
	if !bytes.Contains(output.Bytes(), []byte("hi")) {
		t.Errorf("stream output %q missing echo", output.Bytes())
	}

	// The exit event must land on the server stream within the budget.
	readStream(t, eventsResp, 2*time.Second, func(name, data string) bool {
		if name != string(events.KindSessionExit) {
			return false
		}
		var ev events.Event
		if json.Unmarshal([]byte(data), &ev) != nil || ev.SessionID != id {
			return false
		}
		if code, _ := ev.Payload["exitCode"].(float64); code != 0 {
			t.Errorf("exit payload = %v", ev.Payload)
		}
		return true
	})
}

// TestResizePrecedenceOverIPC covers the browser-vs-terminal arbitration
// across transports: an HTTP resize wins over an IPC terminal resize
// arriving within the grace window, and the recording shows exactly the
// winning dimensions.
func TestResizePrecedenceOverIPC(t *testing.T) {
	s := newStack(t)

	resp, body := s.post(t, "/sessions", map[string]any{
		"command": []string{"sleep", "30"},
		"cols":    80,
		"rows":    24,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	id := body["id"].(string)
	socketPath := body["socketPath"].(string)

	sess, err := s.mgr.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if resp, _ := s.post(t, "/sessions/"+id+"/resize", map[string]any{"cols": 120, "rows": 40}); resp.StatusCode != http.StatusOK {
		t.Fatalf("resize status = %d", resp.StatusCode)
	}

	conn, err := ipc.Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// Terminal resize inside the grace window loses.
	if err := conn.SendResize(90, 30, "terminal"); err != nil {
		t.Fatalf("SendResize failed: %v", err)
	}

	// Give the losing resize time to have been (not) applied.
	time.Sleep(300 * time.Millisecond)

	if info := sess.Info(); info.Cols != 120 || info.Rows != 40 {
		t.Fatalf("size = %dx%d, want 120x40", info.Cols, info.Rows)
	}

	sess.Kill(15)
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not exit")
	}

	_, records, err := recording.ReadLog(filepath.Join(sess.Dir, session.RecordingFile))
	if err != nil {
		t.Fatalf("ReadLog failed: %v", err)
	}
	var resizes []string
	for _, r := range records {
		if r.Kind == recording.KindResize {
			resizes = append(resizes, r.Data)
		}
	}
	if len(resizes) != 1 || resizes[0] != "120x40" {
		t.Errorf("resize records = %v, want exactly [120x40]", resizes)
	}
}

// TestIPCInputReachesRecording covers the vt input path: STDIN_DATA
// frames reach the PTY and are mirrored into the recording, and the raw
// output stream flows back on the same connection.
func TestIPCInputReachesRecording(t *testing.T) {
	s := newStack(t)

	resp, body := s.post(t, "/sessions", map[string]any{
		"command": []string{"cat"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	id := body["id"].(string)
	socketPath := body["socketPath"].(string)

	conn, err := ipc.Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.SendStdin([]byte("over the wire\n")); err != nil {
		t.Fatalf("SendStdin failed: %v", err)
	}

	// cat echoes back over the same socket.
	var echoed bytes.Buffer
	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for !bytes.Contains(echoed.Bytes(), []byte("over the wire")) {
		if time.Now().After(deadline) {
			t.Fatalf("echo not observed, got %q", echoed.Bytes())
		}
		n, err := conn.Read(buf)
		if n > 0 {
			echoed.Write(buf[:n])
		}
		if err != nil {
			t.Fatalf("socket read failed: %v (got %q)", err, echoed.Bytes())
		}
	}

	if err := conn.SendControl(ipc.ControlCommand{Cmd: ipc.CmdKill, Signal: "SIGTERM"}); err != nil {
		t.Fatalf("SendControl failed: %v", err)
	}

	sess, err := s.mgr.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("kill over IPC did not terminate the session")
	}

	_, records, err := recording.ReadLog(filepath.Join(sess.Dir, session.RecordingFile))
	if err != nil {
		t.Fatalf("ReadLog failed: %v", err)
	}
	sawInput := false
	for _, r := range records {
		if r.Kind == recording.KindInput && r.Data == "over the wire\n" {
			sawInput = true
		}
	}
	if !sawInput {
		t.Error("IPC input missing from recording")
	}
}

// readStream parses an SSE response until the callback says stop.
func readStream(t *testing.T, resp *http.Response, deadline time.Duration, stop func(name, data string) bool) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		var name, data string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if (name != "" || data != "") && stop(name, data) {
					return
				}
				name, data = "", ""
			case strings.HasPrefix(line, "event: "):
				name = line[len("event: "):]
			case strings.HasPrefix(line, "data: "):
				data = line[len("data: "):]
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		t.Fatal("stream condition not met before deadline")
	}
}
