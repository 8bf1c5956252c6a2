package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCreateSession(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/sessions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		var req CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		if len(req.Command) != 1 || req.Command[0] != "bash" {
			t.Errorf("command = %v", req.Command)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Record{
			ID:         "abc-123",
			Command:    req.Command,
			Status:     "running",
			SocketPath: "/tmp/ctl/abc12345/ipc.sock",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "sesame")
	record, err := c.CreateSession(context.Background(), CreateRequest{Command: []string{"bash"}})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if record.ID != "abc-123" || record.SocketPath == "" {
		t.Errorf("record = %+v", record)
	}
	if gotAuth != "Bearer sesame" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestErrorBodySurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "spawn: command not found"})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.CreateSession(context.Background(), CreateRequest{Command: []string{"nope"}})
	if err == nil {
		t.Fatal("CreateSession succeeded on 500")
	}
	if !strings.Contains(err.Error(), "spawn: command not found") {
		t.Errorf("error = %v, want server message surfaced", err)
	}
}

func TestListAndKill(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "GET /sessions":
			json.NewEncoder(w).Encode([]Record{{ID: "a"}, {ID: "b"}})
		case "DELETE /sessions/a":
			json.NewEncoder(w).Encode(map[string]string{"status": "killed"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	records, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("got %d records, want 2", len(records))
	}
	if err := c.KillSession(context.Background(), "a"); err != nil {
		t.Errorf("KillSession failed: %v", err)
	}
	if err := c.KillSession(context.Background(), "missing"); err == nil {
		t.Error("KillSession of missing id succeeded")
	}
}
