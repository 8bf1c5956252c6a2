package httpd

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tunnelforge/tunnelforge/internal/session"
)

// sseKeepAlive is the comment-line heartbeat interval on SSE streams.
const sseKeepAlive = 30 * time.Second

func sseSetup(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Opening comment confirms the stream to EventSource clients.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()
	return flusher, true
}

// handleEvents streams every bus event published after subscription.
// There is no replay.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := sseSetup(w)
	if !ok {
		return
	}

	sub := s.bus.Subscribe(r.Context())
	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

// handleSessionStream streams one session's output as base64 data events,
// ending with an exit event when the session terminates.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	sess := s.lookup(w, r)
	if sess == nil {
		return
	}

	flusher, ok := sseSetup(w)
	if !ok {
		return
	}

	attachment := sess.Attach(session.StreamBrowser)
	defer sess.Detach(attachment)

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case n := <-attachment.Resizes():
			fmt.Fprintf(w, "event: resize\ndata: {\"cols\":%d,\"rows\":%d}\n\n", n.Cols, n.Rows)
			flusher.Flush()
		case chunk, open := <-attachment.Output():
			if !open {
				s.writeStreamExit(w, flusher, sess)
				return
			}
			if attachment.TookDiscontinuity() {
				fmt.Fprint(w, "event: discontinuity\ndata: {}\n\n")
			}
			fmt.Fprintf(w, "data: %s\n\n", base64.StdEncoding.EncodeToString(chunk))
			flusher.Flush()
		}
	}
}

func (s *Server) writeStreamExit(w http.ResponseWriter, flusher http.Flusher, sess *session.Session) {
	code := 0
	if c := sess.ExitCode(); c != nil {
		code = *c
	}
	fmt.Fprintf(w, "event: exit\ndata: {\"code\":%d}\n\n", code)
	flusher.Flush()
}
