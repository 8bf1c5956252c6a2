package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/tunnelforge/tunnelforge/internal/activity"
	"github.com/tunnelforge/tunnelforge/internal/events"
	"github.com/tunnelforge/tunnelforge/internal/ipc"
	"github.com/tunnelforge/tunnelforge/internal/recording"
	"github.com/tunnelforge/tunnelforge/internal/termproc"
	"github.com/tunnelforge/tunnelforge/internal/title"
)

// shortIDLen is the uuid prefix used for control directory names, keeping
// socket paths well under the platform limit for typical control roots.
const shortIDLen = 8

// Options configures a Manager.
type Options struct {
	// ControlRoot is the directory holding one subdirectory per session.
	ControlRoot string

	// SocketMode is the file mode applied to each session's ipc.sock.
	SocketMode os.FileMode

	// DefaultTitleMode applies when a create request names none.
	DefaultTitleMode title.Mode

	// Aliases maps command names to replacements at spawn time.
	Aliases map[string]string

	// CleanupGrace is how long exited sessions linger before Cleanup
	// removes them.
	CleanupGrace time.Duration

	// ActivityWindow overrides the idle-detection window. Zero uses the
	// detector default.
	ActivityWindow time.Duration
}

// CreateOptions describes one session to create.
type CreateOptions struct {
	Command    []string `json:"command"`
	WorkingDir string   `json:"workingDir,omitempty"`
	Name       string   `json:"name,omitempty"`
	Cols       uint16   `json:"cols,omitempty"`
	Rows       uint16   `json:"rows,omitempty"`
	TitleMode  string   `json:"titleMode,omitempty"`
	Env        []string `json:"-"`
}

// BulkResult reports the per-element outcome of a bulk operation.
type BulkResult struct {
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Manager is the registry of all sessions under one control root.
type Manager struct {
	opts   Options
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates the control root and an empty registry.
func NewManager(opts Options, bus *events.Bus, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SocketMode == 0 {
		opts.SocketMode = 0o600
	}
	if err := os.MkdirAll(opts.ControlRoot, 0o700); err != nil {
		return nil, fmt.Errorf("creating control root: %w", err)
	}
	return &Manager{
		opts:     opts,
		bus:      bus,
		logger:   logger,
		sessions: make(map[string]*Session),
	}, nil
}

// Create spawns a new session. The operation is transactional: the socket
// path is validated before anything is created, and every failure after
// directory creation rolls the directory back.
func (m *Manager) Create(opts CreateOptions) (*Session, error) {
	if len(opts.Command) == 0 {
		return nil, ErrEmptyCommand
	}

	mode := m.opts.DefaultTitleMode
	if opts.TitleMode != "" {
		parsed, err := title.ParseMode(opts.TitleMode)
		if err != nil {
			return nil, err
		}
		mode = parsed
	}

	workingDir := opts.WorkingDir
	if workingDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			workingDir = home
		} else if cwd, err := os.Getwd(); err == nil {
			workingDir = cwd
		}
	}

	id := uuid.NewString()
	dir := filepath.Join(m.opts.ControlRoot, id[:shortIDLen])
	socketPath := filepath.Join(dir, SocketFile)

	// Validate the socket path before creating any session state.
	if err := ipc.CheckPath(socketPath); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	env := opts.Env
	if env == nil {
		env = os.Environ()
	}

	handle, err := termproc.Spawn(termproc.Options{
		Argv:      opts.Command,
		Env:       env,
		Dir:       workingDir,
		Cols:      opts.Cols,
		Rows:      opts.Rows,
		Aliases:   m.opts.Aliases,
		SessionID: id,
	}, m.logger)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	cols, rows := handle.Size()
	if cols == 0 || rows == 0 {
		cols, rows = 80, 24
	}

	rec, err := recording.NewWriter(filepath.Join(dir, RecordingFile), recording.Header{
		Width:   cols,
		Height:  rows,
		Command: strings.Join(opts.Command, " "),
		Term:    "xterm-256color",
		Env:     envExcerpt(env),
	})
	if err != nil {
		handle.Kill(syscall.SIGKILL)
		handle.Close()
		os.RemoveAll(dir)
		return nil, err
	}

	home, _ := os.UserHomeDir()
	now := time.Now()

	s := &Session{
		ID:          id,
		Command:     opts.Command,
		WorkingDir:  workingDir,
		CreatedAt:   now,
		Dir:         dir,
		name:        opts.Name,
		status:      StatusRunning,
		pid:         handle.Pid(),
		cols:        cols,
		rows:        rows,
		initialCols: cols,
		initialRows: rows,
		attachments: make(map[string]*Attachment),
		handle:      handle,
		rec:         rec,
		det:         activity.NewDetector(m.opts.ActivityWindow, nil),
		titles:      title.NewManager(mode, opts.Command[0], workingDir, home),
		bus:         m.bus,
		logger:      m.logger,
		done:        make(chan struct{}),
	}
	if opts.Name != "" {
		s.titles.SetName(opts.Name)
	}

	srv, err := ipc.Listen(socketPath, m.opts.SocketMode, s, m.logger)
	if err != nil {
		handle.Kill(syscall.SIGKILL)
		handle.Close()
		rec.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("binding session socket: %w", err)
	}
	s.ipcSrv = srv

	s.persistManifest()

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	s.start()
	m.bus.Publish(events.KindSessionStart, id, map[string]any{
		"command": strings.Join(opts.Command, " "),
		"name":    opts.Name,
	})

	m.logger.Info("session created",
		"session", id,
		"command", strings.Join(opts.Command, " "),
		"pid", handle.Pid(),
		"cols", cols,
		"rows", rows,
	)
	return s, nil
}

// envExcerpt keeps only the variables worth echoing into the recording
// header.
func envExcerpt(env []string) map[string]string {
	out := make(map[string]string, 2)
	for _, kv := range env {
		for _, key := range []string{"TERM", "SHELL"} {
			if strings.HasPrefix(kv, key+"=") {
				out[key] = kv[len(key)+1:]
			}
		}
	}
	if _, ok := out["TERM"]; !ok {
		out["TERM"] = "xterm-256color"
	}
	return out
}

// Get looks a session up by full id, then by unique prefix.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	var match *Session
	for sid, s := range m.sessions {
		if strings.HasPrefix(sid, id) && id != "" {
			if match != nil {
				return nil, fmt.Errorf("session id %q is ambiguous", id)
			}
			match = s
		}
	}
	if match == nil {
		return nil, ErrNotFound
	}
	return match, nil
}

// List returns all sessions ordered by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Kill signals a session with escalation. Killing an already-exited
// session succeeds without effect.
func (m *Manager) Kill(id string, sig syscall.Signal) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Kill(sig)
}

// Cleanup removes exited sessions whose grace period has elapsed,
// deleting their control directories. Returns the removed ids.
func (m *Manager) Cleanup() []string {
	now := time.Now()

	m.mu.Lock()
	var removed []string
	for id, s := range m.sessions {
		s.mu.Lock()
		expired := s.status == StatusExited && now.Sub(s.exitedAt) >= m.opts.CleanupGrace
		s.mu.Unlock()
		if !expired {
			continue
		}
		delete(m.sessions, id)
		removed = append(removed, id)
		if err := os.RemoveAll(s.Dir); err != nil {
			m.logger.Warn("session directory removal failed", "session", id, "error", err)
		}
	}
	m.mu.Unlock()

	if len(removed) > 0 {
		m.logger.Info("cleaned up exited sessions", "count", len(removed))
	}
	return removed
}

// RestoreOnStartup scans the control root for manifests left by a
// previous run. Sessions recorded as starting or running are promoted to
// exited with an unknown exit code; their processes did not survive the
// server. Unreadable manifests are logged and skipped.
func (m *Manager) RestoreOnStartup() int {
	entries, err := os.ReadDir(m.opts.ControlRoot)
	if err != nil {
		m.logger.Warn("control root scan failed", "error", err)
		return 0
	}

	restored := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.opts.ControlRoot, entry.Name())

		manifest, err := readManifest(dir)
		if err != nil {
			m.logger.Warn("skipping session directory with unreadable manifest",
				"dir", dir, "error", err)
			continue
		}

		// Stale socket from the previous run.
		os.Remove(filepath.Join(dir, SocketFile))

		if manifest.Status != StatusExited {
			code := ExitCodeUnknown
			manifest.Status = StatusExited
			manifest.ExitCode = &code
			manifest.Pid = 0
			if err := writeManifest(dir, manifest); err != nil {
				m.logger.Warn("manifest rewrite failed", "dir", dir, "error", err)
			}
		}

		s := restoredSession(manifest, dir, m.bus, m.logger)

		m.mu.Lock()
		m.sessions[manifest.ID] = s
		m.mu.Unlock()
		restored++
	}

	if restored > 0 {
		m.logger.Info("restored sessions from control root", "count", restored)
	}
	return restored
}

// restoredSession builds an exited session record from a manifest. It has
// no process, recording writer, or socket; it exists so the API can list
// and clean up sessions that outlived a server restart.
func restoredSession(man Manifest, dir string, bus *events.Bus, logger *slog.Logger) *Session {
	done := make(chan struct{})
	close(done)

	var code *int
	if man.ExitCode != nil {
		c := *man.ExitCode
		code = &c
	}

	s := &Session{
		ID:          man.ID,
		Command:     man.Command,
		WorkingDir:  man.WorkingDir,
		CreatedAt:   man.CreatedAt,
		Dir:         dir,
		name:        man.Name,
		status:      StatusExited,
		cols:        man.Cols,
		rows:        man.Rows,
		exitCode:    code,
		exitedAt:    time.Now(),
		attachments: make(map[string]*Attachment),
		bus:         bus,
		logger:      logger,
		done:        done,
	}
	s.exitOnce.Do(func() {})
	return s
}

// Reap nudges sessions whose child died without the output pump noticing,
// which happens when a grandchild keeps the PTY open past the child's
// exit. Closing the master unblocks the pump, which then finalizes.
func (m *Manager) Reap() {
	for _, s := range m.List() {
		s.mu.Lock()
		running := s.status == StatusRunning
		pid := s.pid
		handle := s.handle
		s.mu.Unlock()

		if !running || handle == nil {
			continue
		}

		if handle.Exited() {
			handle.Close()
			continue
		}
		if err := unix.Kill(pid, 0); err == unix.ESRCH {
			// Child already reaped elsewhere; collect its status.
			go handle.Wait()
		}
	}
}

// Shutdown terminates every running session, first cooperatively with
// SIGTERM, then with SIGKILL once the budget is half spent, and waits for
// finalization up to the budget.
func (m *Manager) Shutdown(budget time.Duration) {
	sessions := m.List()

	var wg sync.WaitGroup
	for _, s := range sessions {
		if s.Status() != StatusRunning {
			continue
		}
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Signal(syscall.SIGTERM)
			select {
			case <-s.Done():
				return
			case <-time.After(budget / 2):
			}
			if s.handle != nil {
				s.handle.Kill(syscall.SIGKILL)
			}
			select {
			case <-s.Done():
			case <-time.After(budget / 2):
				m.logger.Warn("session did not finalize before shutdown deadline",
					"session", s.ID)
			}
		}(s)
	}
	wg.Wait()
}

// BulkCreate creates each requested session, reporting per-element
// outcomes. A failed element never aborts the rest.
func (m *Manager) BulkCreate(reqs []CreateOptions) []BulkResult {
	results := make([]BulkResult, len(reqs))
	for i, req := range reqs {
		s, err := m.Create(req)
		if err != nil {
			results[i] = BulkResult{OK: false, Error: err.Error()}
			continue
		}
		results[i] = BulkResult{ID: s.ID, OK: true}
	}
	return results
}

// BulkKill signals each named session with SIGTERM escalation.
func (m *Manager) BulkKill(ids []string) []BulkResult {
	results := make([]BulkResult, len(ids))
	for i, id := range ids {
		if err := m.Kill(id, syscall.SIGTERM); err != nil {
			results[i] = BulkResult{ID: id, OK: false, Error: err.Error()}
			continue
		}
		results[i] = BulkResult{ID: id, OK: true}
	}
	return results
}

// BulkResizeItem is one element of a bulk resize request.
type BulkResizeItem struct {
	ID   string `json:"id"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// BulkResize applies each resize as an API-sourced request.
func (m *Manager) BulkResize(items []BulkResizeItem) []BulkResult {
	results := make([]BulkResult, len(items))
	for i, item := range items {
		s, err := m.Get(item.ID)
		if err != nil {
			results[i] = BulkResult{ID: item.ID, OK: false, Error: err.Error()}
			continue
		}
		if _, err := s.Resize(item.Cols, item.Rows, SourceAPI); err != nil {
			results[i] = BulkResult{ID: item.ID, OK: false, Error: err.Error()}
			continue
		}
		results[i] = BulkResult{ID: item.ID, OK: true}
	}
	return results
}
