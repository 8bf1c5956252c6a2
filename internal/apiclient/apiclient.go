// Package apiclient is a client for the tunnelforged HTTP API, used by
// co-located tools (notably the vt forwarder) to create and inspect
// sessions before attaching over IPC.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a tunnelforged instance.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client. token may be empty when the server runs with
// authentication disabled.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Record mirrors the session record served by the API.
type Record struct {
	ID         string    `json:"id"`
	Command    []string  `json:"command"`
	WorkingDir string    `json:"workingDir"`
	Name       string    `json:"name,omitempty"`
	Status     string    `json:"status"`
	Pid        int       `json:"pid,omitempty"`
	Cols       uint16    `json:"cols"`
	Rows       uint16    `json:"rows"`
	CreatedAt  time.Time `json:"createdAt"`
	ExitCode   *int      `json:"exitCode,omitempty"`
	SocketPath string    `json:"socketPath,omitempty"`
}

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	Command    []string `json:"command"`
	WorkingDir string   `json:"workingDir,omitempty"`
	Name       string   `json:"name,omitempty"`
	Cols       uint16   `json:"cols,omitempty"`
	Rows       uint16   `json:"rows,omitempty"`
	TitleMode  string   `json:"titleMode,omitempty"`
}

// apiError is the {error: ...} body returned on failures.
type apiError struct {
	Error string `json:"error"`
}

// CreateSession creates a session and returns its record.
func (c *Client) CreateSession(ctx context.Context, req CreateRequest) (*Record, error) {
	var record Record
	if err := c.do(ctx, "POST", "/sessions", req, http.StatusCreated, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// GetSession fetches one session record.
func (c *Client) GetSession(ctx context.Context, id string) (*Record, error) {
	var record Record
	if err := c.do(ctx, "GET", "/sessions/"+id, nil, http.StatusOK, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListSessions fetches all session records.
func (c *Client) ListSessions(ctx context.Context) ([]Record, error) {
	var records []Record
	if err := c.do(ctx, "GET", "/sessions", nil, http.StatusOK, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// KillSession requests termination of a session.
func (c *Client) KillSession(ctx context.Context, id string) error {
	return c.do(ctx, "DELETE", "/sessions/"+id, nil, http.StatusOK, nil)
}

// Health probes the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "GET", "/health", nil, http.StatusOK, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, wantStatus int, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		var apiErr apiError
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, raw)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
