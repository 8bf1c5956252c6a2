package ipc

import (
	"net"
	"sync"
	"time"
)

// Client is a co-located consumer of a session's IPC socket. Frames flow
// client-to-server; the raw PTY output stream flows back and is exposed
// through Read.
type Client struct {
	conn net.Conn
	mu   sync.Mutex
}

// Dial connects to a session's ipc.sock.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// SendStdin sends terminal input as a STDIN_DATA frame.
func (c *Client) SendStdin(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.conn, TypeStdin, data)
}

// SendControl sends a CONTROL_CMD frame.
func (c *Client) SendControl(cmd ControlCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteControl(c.conn, cmd)
}

// SendResize sends a resize control command with the given source.
func (c *Client) SendResize(cols, rows uint16, source string) error {
	return c.SendControl(ControlCommand{
		Cmd:    CmdResize,
		Cols:   cols,
		Rows:   rows,
		Source: source,
	})
}

// SendHeartbeat sends an empty HEARTBEAT frame.
func (c *Client) SendHeartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.conn, TypeHeartbeat, nil)
}

// Read reads raw PTY output from the server.
func (c *Client) Read(p []byte) (int, error) {
	return c.conn.Read(p)
}

// Close severs the connection. The session is unaffected.
func (c *Client) Close() error {
	return c.conn.Close()
}
