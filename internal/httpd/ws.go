package httpd

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunnelforge/tunnelforge/internal/session"
)

// wsPingInterval keeps NAT mappings and proxies alive; there is no idle
// timeout on attachments.
const wsPingInterval = 30 * time.Second

const wsWriteTimeout = 10 * time.Second

// wsMessage is the JSON control envelope in both directions. Output
// travels separately as binary frames.
type wsMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
	Code *int   `json:"code,omitempty"`
}

// wsConn serializes writes to one attachment's socket.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(msg wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) writeBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) writeControl(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(messageType, data, time.Now().Add(wsWriteTimeout))
}

// handleWebSocket upgrades an attachment request and bridges the session:
// binary frames carry output to the client, JSON text frames carry input
// and control both ways.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.Get(r.URL.Query().Get("sessionId"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients send no Origin.
				return true
			}
			return s.originAllowed(origin)
		},
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade refused", "error", err)
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	attachment := sess.Attach(session.StreamBrowser)
	defer sess.Detach(attachment)

	s.logger.Debug("websocket attached", "session", sess.ID)

	done := make(chan struct{})
	go s.wsWritePump(conn, sess, attachment, done)

	s.wsReadPump(conn, sess)
	close(done)
}

// wsWritePump forwards session output to the client and finishes with an
// exit frame. The exit frame is never dropped: it is sent after the
// attachment channel closes, once all queued output is flushed.
func (s *Server) wsWritePump(conn *wsConn, sess *session.Session, attachment *session.Attachment, done chan struct{}) {
	pings := time.NewTicker(wsPingInterval)
	defer pings.Stop()

	for {
		select {
		case <-done:
			return
		case <-pings.C:
			if err := conn.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		case n := <-attachment.Resizes():
			if err := conn.writeJSON(wsMessage{Type: "resize", Cols: n.Cols, Rows: n.Rows}); err != nil {
				return
			}
		case chunk, open := <-attachment.Output():
			if !open {
				code := 0
				if c := sess.ExitCode(); c != nil {
					code = *c
				}
				conn.writeJSON(wsMessage{Type: "exit", Code: &code})
				conn.writeControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if attachment.TookDiscontinuity() {
				if err := conn.writeJSON(wsMessage{Type: "discontinuity"}); err != nil {
					return
				}
			}
			if err := conn.writeBinary(chunk); err != nil {
				return
			}
		}
	}
}

// wsReadPump consumes client control messages until the socket closes.
// Closing the socket detaches without affecting the session.
func (s *Server) wsReadPump(conn *wsConn, sess *session.Session) {
	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("websocket message malformed", "error", err)
			continue
		}

		switch msg.Type {
		case "input":
			if err := sess.Write([]byte(msg.Data)); err != nil {
				s.logger.Debug("websocket input rejected", "session", sess.ID, "error", err)
			}
		case "resize":
			// An applied resize reaches every attachment, this client
			// included, through the write pump's resize notices.
			if _, err := sess.Resize(msg.Cols, msg.Rows, session.SourceBrowser); err != nil {
				s.logger.Debug("websocket resize rejected", "session", sess.ID, "error", err)
			}
		case "ping":
			conn.writeJSON(wsMessage{Type: "pong"})
		default:
			s.logger.Debug("websocket message type skipped", "type", msg.Type)
		}
	}
}
