package httpd

import (
	"encoding/json"
	"errors"
	"net/http"
	"syscall"
	"time"

	"github.com/tunnelforge/tunnelforge/internal/events"
	"github.com/tunnelforge/tunnelforge/internal/ipc"
	"github.com/tunnelforge/tunnelforge/internal/session"
	"github.com/tunnelforge/tunnelforge/internal/termproc"
)

// maxBodySize bounds request bodies on the JSON routes.
const maxBodySize = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: %v", err)
		return false
	}
	return true
}

// lookup resolves the {id} path segment, answering 404 itself on failure.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *session.Session {
	sess, err := s.mgr.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return nil
	}
	return sess
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.mgr.List()),
		"uptime":   int(time.Since(s.startedAt).Seconds()),
	})
}

// createRequest uses pointer dimensions so an explicit zero (invalid) is
// distinguishable from an omitted field (inherit).
type createRequest struct {
	Command    []string `json:"command"`
	WorkingDir string   `json:"workingDir,omitempty"`
	Name       string   `json:"name,omitempty"`
	Cols       *uint16  `json:"cols,omitempty"`
	Rows       *uint16  `json:"rows,omitempty"`
	TitleMode  string   `json:"titleMode,omitempty"`
}

func (req *createRequest) validate() string {
	if len(req.Command) == 0 {
		return "command must not be empty"
	}
	if req.Cols != nil && *req.Cols == 0 {
		return "cols must be at least 1"
	}
	if req.Rows != nil && *req.Rows == 0 {
		return "rows must be at least 1"
	}
	return ""
}

func (req *createRequest) options() session.CreateOptions {
	opts := session.CreateOptions{
		Command:    req.Command,
		WorkingDir: req.WorkingDir,
		Name:       req.Name,
		TitleMode:  req.TitleMode,
	}
	if req.Cols != nil {
		opts.Cols = *req.Cols
	}
	if req.Rows != nil {
		opts.Rows = *req.Rows
	}
	return opts
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, "%s", msg)
		return
	}

	sess, err := s.mgr.Create(req.options())
	if err != nil {
		s.writeCreateError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) writeCreateError(w http.ResponseWriter, err error) {
	var spawnErr *termproc.SpawnError
	switch {
	case errors.As(err, &spawnErr):
		s.logger.Error("session spawn failed",
			"command", spawnErr.Command, "code", spawnErr.Code, "error", err)
		writeError(w, http.StatusInternalServerError, "spawn: %v", err)
	case errors.Is(err, ipc.ErrSocketPathTooLong):
		s.logger.Error("session creation rejected", "error", err)
		writeError(w, http.StatusInternalServerError, "%v", err)
	case errors.Is(err, session.ErrEmptyCommand):
		writeError(w, http.StatusBadRequest, "%v", err)
	default:
		s.logger.Error("session creation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "%v", err)
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.mgr.List()
	infos := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.lookup(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

// handleDeleteSession kills the session. Deleting an exited session is an
// idempotent success; the record stays until cleanup.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess := s.lookup(w, r)
	if sess == nil {
		return
	}
	if err := sess.Kill(syscall.SIGTERM); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.lookup(w, r)
	if sess == nil {
		return
	}

	var req struct {
		Name *string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	sess.Rename(*req.Name)
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	sess := s.lookup(w, r)
	if sess == nil {
		return
	}

	var req struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	// HTTP resizes come from browser viewports and take part in the
	// browser/terminal arbitration.
	applied, err := sess.Resize(req.Cols, req.Rows, session.SourceBrowser)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

func (s *Server) handleResetSize(w http.ResponseWriter, r *http.Request) {
	sess := s.lookup(w, r)
	if sess == nil {
		return
	}
	if err := sess.ResetSize(); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	sess := s.lookup(w, r)
	if sess == nil {
		return
	}

	var req struct {
		Text *string `json:"text"`
		Key  *string `json:"key"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	var data string
	switch {
	case req.Text != nil && req.Key != nil:
		writeError(w, http.StatusBadRequest, "text and key are mutually exclusive")
		return
	case req.Text != nil:
		data = *req.Text
	case req.Key != nil:
		seq, ok := keySequence(*req.Key)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown key %q", *req.Key)
			return
		}
		data = seq
	default:
		writeError(w, http.StatusBadRequest, "text or key is required")
		return
	}

	if err := sess.Write([]byte(data)); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeSessionError maps session-layer errors onto the status taxonomy:
// validation 400, terminal-state conflicts 409, everything else 500.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidDimensions):
		writeError(w, http.StatusBadRequest, "%v", err)
	case errors.Is(err, session.ErrNotRunning):
		writeError(w, http.StatusConflict, "%v", err)
	default:
		s.logger.Error("session operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "%v", err)
	}
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed := s.mgr.Cleanup()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(removed), "removed": removed})
}

func (s *Server) handleBulkCreate(w http.ResponseWriter, r *http.Request) {
	var reqs []createRequest
	if !decodeBody(w, r, &reqs) {
		return
	}

	results := make([]session.BulkResult, len(reqs))
	for i := range reqs {
		if msg := reqs[i].validate(); msg != "" {
			results[i] = session.BulkResult{OK: false, Error: msg}
			continue
		}
		sess, err := s.mgr.Create(reqs[i].options())
		if err != nil {
			results[i] = session.BulkResult{OK: false, Error: err.Error()}
			continue
		}
		results[i] = session.BulkResult{ID: sess.ID, OK: true}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if !decodeBody(w, r, &ids) {
		return
	}
	writeJSON(w, http.StatusOK, s.mgr.BulkKill(ids))
}

func (s *Server) handleBulkResize(w http.ResponseWriter, r *http.Request) {
	var items []session.BulkResizeItem
	if !decodeBody(w, r, &items) {
		return
	}
	writeJSON(w, http.StatusOK, s.mgr.BulkResize(items))
}

// handleTestEvent publishes a synthetic notification so push pipelines
// can be exercised end to end.
func (s *Server) handleTestEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title   string `json:"title,omitempty"`
		Message string `json:"message,omitempty"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.Title == "" {
		req.Title = "TunnelForge"
	}
	if req.Message == "" {
		req.Message = "test notification"
	}

	ev := s.bus.Publish(events.KindTestNotification, "", map[string]any{
		"title":   req.Title,
		"message": req.Message,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "seq": ev.Seq})
}
