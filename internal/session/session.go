// Package session owns the lifecycle of PTY-backed terminal sessions: the
// state machine of a single session, the fan-out of its output to recording,
// attached streams, and co-located IPC clients, and the Manager registry
// that creates, restores, and reaps sessions.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tunnelforge/tunnelforge/internal/activity"
	"github.com/tunnelforge/tunnelforge/internal/events"
	"github.com/tunnelforge/tunnelforge/internal/ipc"
	"github.com/tunnelforge/tunnelforge/internal/recording"
	"github.com/tunnelforge/tunnelforge/internal/termproc"
	"github.com/tunnelforge/tunnelforge/internal/title"
)

// Status is a session's lifecycle state. Transitions are one-way:
// starting -> running -> exited.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

// ResizeSource identifies who asked for a resize, for arbitration.
type ResizeSource string

const (
	SourceBrowser  ResizeSource = "browser"
	SourceTerminal ResizeSource = "terminal"
	SourceAPI      ResizeSource = "api"
)

// resizeGrace is the window during which browser and terminal resizes
// suppress each other. API resizes always win.
const resizeGrace = time.Second

// Exit codes synthesized by the runtime rather than the child.
const (
	// ExitCodeUnknown marks sessions found alive in a manifest after a
	// server restart; their real exit status is unknowable.
	ExitCodeUnknown = -1

	// ExitCodeIntegrity marks sessions terminated because their recording
	// log could no longer be written.
	ExitCodeIntegrity = -2
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrNotRunning        = errors.New("session is not running")
	ErrInvalidDimensions = errors.New("dimensions must be at least 1x1")
	ErrEmptyCommand      = errors.New("command must not be empty")
)

const readBufSize = 32 * 1024

// bellInterval rate-limits bell events per session.
const bellInterval = time.Second

// StreamKind distinguishes browser-bound streams (clean output) from
// terminal-bound streams (title sequences injected).
type StreamKind string

const (
	StreamBrowser  StreamKind = "browser"
	StreamTerminal StreamKind = "terminal"
)

const attachQueueSize = 256

// ResizeNotice carries applied dimensions to attached consumers so every
// view tracks the PTY size, not just the one that asked.
type ResizeNotice struct {
	Cols, Rows uint16
}

// Attachment is one consumer of a session's output stream.
type Attachment struct {
	ID   string
	Kind StreamKind

	ch            chan []byte
	resizes       chan ResizeNotice
	discontinuity atomic.Bool
}

// Output returns the attachment's receive channel. It is closed when the
// session exits or the attachment is detached; closure after all queued
// output is the exit signal.
func (a *Attachment) Output() <-chan []byte {
	return a.ch
}

// Resizes returns the channel of applied dimension changes. Only the
// latest pending notice is kept.
func (a *Attachment) Resizes() <-chan ResizeNotice {
	return a.resizes
}

// pushResize queues a notice, replacing any still-pending one.
func (a *Attachment) pushResize(n ResizeNotice) {
	select {
	case a.resizes <- n:
		return
	default:
	}
	select {
	case <-a.resizes:
	default:
	}
	select {
	case a.resizes <- n:
	default:
	}
}

// TookDiscontinuity reports and clears the flag set when queued output had
// to be evicted because this consumer fell behind.
func (a *Attachment) TookDiscontinuity() bool {
	return a.discontinuity.Swap(false)
}

// Info is the JSON snapshot of a session served over HTTP.
type Info struct {
	ID            string          `json:"id"`
	Command       []string        `json:"command"`
	WorkingDir    string          `json:"workingDir"`
	Name          string          `json:"name,omitempty"`
	Status        Status          `json:"status"`
	Pid           int             `json:"pid,omitempty"`
	Cols          uint16          `json:"cols"`
	Rows          uint16          `json:"rows"`
	CreatedAt     time.Time       `json:"createdAt"`
	ExitCode      *int            `json:"exitCode,omitempty"`
	Cwd           string          `json:"cwd,omitempty"`
	TitleMode     string          `json:"titleMode,omitempty"`
	SocketPath    string          `json:"socketPath,omitempty"`
	ActivityState *activity.State `json:"activityState,omitempty"`
}

// Session is one PTY-backed terminal session.
type Session struct {
	// Immutable after construction.
	ID         string
	Command    []string
	WorkingDir string
	CreatedAt  time.Time
	Dir        string

	mu       sync.Mutex
	name     string
	status   Status
	pid      int
	cols     uint16
	rows     uint16
	exitCode *int
	exitedAt time.Time
	// unhealthy marks a session whose recording log failed mid-stream.
	unhealthy bool

	initialCols uint16
	initialRows uint16

	lastResizeSource ResizeSource
	lastResizeAt     time.Time
	lastBell         time.Time

	attachments map[string]*Attachment
	attachSeq   uint64

	// inputMu keeps the recording's input order identical to PTY write
	// order when multiple clients type concurrently.
	inputMu sync.Mutex

	handle *termproc.Handle
	rec    *recording.Writer
	det    *activity.Detector
	titles *title.Manager
	ipcSrv *ipc.Server
	bus    *events.Bus
	logger *slog.Logger

	exitOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// start launches the output pump and the idle-detection ticker.
func (s *Session) start() {
	s.wg.Add(2)
	go s.readPump()
	go s.tickLoop()
}

// Done is closed once the session has exited and its resources are
// released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Name returns the user-visible session name.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Status returns the lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ExitCode returns the exit code, or nil while the session runs.
func (s *Session) ExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return nil
	}
	code := *s.exitCode
	return &code
}

// SocketPath returns the session's IPC socket path.
func (s *Session) SocketPath() string {
	return filepath.Join(s.Dir, SocketFile)
}

// Info returns a JSON-ready snapshot.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:         s.ID,
		Command:    s.Command,
		WorkingDir: s.WorkingDir,
		Name:       s.name,
		Status:     s.status,
		Pid:        s.pid,
		Cols:       s.cols,
		Rows:       s.rows,
		CreatedAt:  s.CreatedAt,
		SocketPath: filepath.Join(s.Dir, SocketFile),
	}
	if s.exitCode != nil {
		code := *s.exitCode
		info.ExitCode = &code
	}
	if s.titles != nil {
		info.Cwd = s.titles.Cwd()
		info.TitleMode = string(s.titles.Mode())
	}
	if s.det != nil && s.status == StatusRunning {
		st := s.det.State()
		info.ActivityState = &st
	}
	return info
}

// Attach registers a new output consumer. Attaching to an exited session
// yields an already-closed channel, which consumers read as an immediate
// exit.
func (s *Session) Attach(kind StreamKind) *Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attachSeq++
	a := &Attachment{
		ID:      fmt.Sprintf("%s-%d", kind, s.attachSeq),
		Kind:    kind,
		ch:      make(chan []byte, attachQueueSize),
		resizes: make(chan ResizeNotice, 1),
	}

	if s.status == StatusExited {
		close(a.ch)
		return a
	}

	s.attachments[a.ID] = a
	return a
}

// Detach removes a consumer. Safe to call after exit.
func (s *Session) Detach(a *Attachment) {
	s.mu.Lock()
	_, ok := s.attachments[a.ID]
	if ok {
		delete(s.attachments, a.ID)
	}
	s.mu.Unlock()

	if ok {
		close(a.ch)
	}
}

// Write delivers input to the PTY. The input is recorded before it is
// written so the log reflects delivery order.
func (s *Session) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.mu.Unlock()

	s.titles.TrackInput(data)

	s.inputMu.Lock()
	defer s.inputMu.Unlock()

	if err := s.rec.Input(data); err != nil {
		s.integrityShutdown(err)
		return fmt.Errorf("recording input: %w", err)
	}
	_, err := s.handle.Write(data)
	return err
}

// Resize applies new dimensions subject to source arbitration: browser and
// terminal suppress each other for resizeGrace after the last accepted
// resize; API resizes always apply. Returns whether the resize was
// applied.
func (s *Session) Resize(cols, rows uint16, source ResizeSource) (bool, error) {
	if cols == 0 || rows == 0 {
		return false, ErrInvalidDimensions
	}

	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return false, ErrNotRunning
	}

	now := time.Now()
	if source != SourceAPI &&
		(s.lastResizeSource == SourceBrowser || s.lastResizeSource == SourceTerminal) &&
		s.lastResizeSource != source &&
		now.Sub(s.lastResizeAt) < resizeGrace {
		s.mu.Unlock()
		return false, nil
	}

	s.lastResizeSource = source
	s.lastResizeAt = now
	s.cols, s.rows = cols, rows
	s.mu.Unlock()

	// Record before applying so output produced at the new size follows
	// the resize marker in the log.
	if err := s.rec.Resize(cols, rows); err != nil {
		s.integrityShutdown(err)
		return false, fmt.Errorf("recording resize: %w", err)
	}
	if err := s.handle.Resize(cols, rows); err != nil {
		return false, fmt.Errorf("resizing pty: %w", err)
	}

	s.notifyResize(cols, rows)
	s.persistManifest()
	return true, nil
}

// notifyResize pushes the applied dimensions to every attachment so
// concurrent views stay in sync regardless of which transport resized.
func (s *Session) notifyResize(cols, rows uint16) {
	s.mu.Lock()
	attachments := make([]*Attachment, 0, len(s.attachments))
	for _, a := range s.attachments {
		attachments = append(attachments, a)
	}
	s.mu.Unlock()

	for _, a := range attachments {
		a.pushResize(ResizeNotice{Cols: cols, Rows: rows})
	}
}

// ResetSize restores the dimensions the session was created with.
func (s *Session) ResetSize() error {
	_, err := s.Resize(s.initialCols, s.initialRows, SourceAPI)
	return err
}

// Rename updates the user-visible name and pushes a title refresh to
// terminal-bound streams.
func (s *Session) Rename(name string) {
	s.mu.Lock()
	s.name = name
	titles := s.titles
	s.mu.Unlock()

	if titles != nil {
		titles.SetName(name)
		s.pushTitleRefresh()
	}
	s.persistManifest()
	s.bus.Publish(events.KindSessionRename, s.ID, map[string]any{"name": name})
}

// Signal delivers a signal to the session's process group without the
// kill escalation ladder.
func (s *Session) Signal(sig syscall.Signal) error {
	s.mu.Lock()
	exited := s.status == StatusExited
	s.mu.Unlock()
	if exited || s.handle == nil {
		return ErrNotRunning
	}
	return s.handle.Signal(sig)
}

// Kill terminates the session, escalating to SIGKILL if the process does
// not exit. Killing an exited session is a no-op and emits no event.
func (s *Session) Kill(sig syscall.Signal) error {
	s.mu.Lock()
	exited := s.status == StatusExited
	s.mu.Unlock()
	if exited || s.handle == nil {
		return nil
	}

	go func() {
		if err := s.handle.Kill(sig); err != nil {
			s.logger.Warn("kill failed", "session", s.ID, "signal", sig, "error", err)
		}
	}()
	return nil
}

// readPump drains PTY output until EOF, running the fan-out pipeline for
// every chunk, then finalizes the session.
func (s *Session) readPump() {
	defer s.wg.Done()

	buf := make([]byte, readBufSize)
	for {
		n, err := s.handle.Read(buf)
		if n > 0 {
			if derr := s.dispatchOutput(buf[:n]); derr != nil {
				s.integrityShutdown(derr)
				return
			}
		}
		if err != nil {
			break
		}
	}

	code, sig := s.handle.Wait()
	s.handle.Close()
	s.finalize(code, sig, false)
}

// dispatchOutput runs one chunk through activity detection, then title
// transformation, then delivers it to the recording, browser streams,
// terminal streams, and IPC clients. A recording write failure is the
// only fatal outcome.
func (s *Session) dispatchOutput(chunk []byte) error {
	res := s.det.Process(chunk)

	if res.Bells > 0 {
		s.publishBell(res.Bells)
	}
	if res.Transition != nil {
		s.publishActivity(res.Transition)
	}

	if len(res.Filtered) == 0 {
		return nil
	}

	if err := s.rec.Output(res.Filtered); err != nil {
		return err
	}

	s.mu.Lock()
	attachments := make([]*Attachment, 0, len(s.attachments))
	for _, a := range s.attachments {
		attachments = append(attachments, a)
	}
	s.mu.Unlock()

	browserOut := make([]byte, len(res.Filtered))
	copy(browserOut, res.Filtered)

	terminalOut := s.titles.TransformOutput(res.Filtered)

	for _, a := range attachments {
		switch a.Kind {
		case StreamTerminal:
			s.deliver(a, terminalOut)
		default:
			s.deliver(a, browserOut)
		}
	}
	s.ipcSrv.Broadcast(terminalOut)
	return nil
}

// deliver queues output without blocking the pump. When the consumer's
// queue is full the oldest chunk is evicted and the discontinuity flag
// set, so the consumer learns data was skipped on its next read.
func (s *Session) deliver(a *Attachment, data []byte) {
	select {
	case a.ch <- data:
		return
	default:
	}
	select {
	case <-a.ch:
		a.discontinuity.Store(true)
	default:
	}
	select {
	case a.ch <- data:
	default:
		a.discontinuity.Store(true)
	}
}

// tickLoop demotes idle sessions on a fixed cadence.
func (s *Session) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			if st := s.det.Tick(now); st != nil {
				s.publishActivity(st)
			}
		}
	}
}

func (s *Session) publishBell(count int) {
	s.mu.Lock()
	now := time.Now()
	if now.Sub(s.lastBell) < bellInterval {
		s.mu.Unlock()
		return
	}
	s.lastBell = now
	s.mu.Unlock()

	s.bus.Publish(events.KindSessionBell, s.ID, map[string]any{"count": count})
}

func (s *Session) publishActivity(st *activity.State) {
	payload := map[string]any{"isActive": st.IsActive}
	status := ""
	if st.Specific != nil {
		payload["app"] = st.Specific.App
		payload["status"] = st.Specific.Status
		status = st.Specific.Status
	}
	s.bus.Publish(events.KindSessionActivity, s.ID, payload)

	s.titles.SetStatus(status)
	s.pushTitleRefresh()
	s.writeActivitySnapshot(st)
}

// pushTitleRefresh sends a fresh title sequence to terminal-bound
// consumers when the title mode and cadence allow one.
func (s *Session) pushTitleRefresh() {
	seq := s.titles.RefreshSequence()
	if seq == nil {
		return
	}

	s.mu.Lock()
	attachments := make([]*Attachment, 0, len(s.attachments))
	for _, a := range s.attachments {
		if a.Kind == StreamTerminal {
			attachments = append(attachments, a)
		}
	}
	s.mu.Unlock()

	for _, a := range attachments {
		s.deliver(a, seq)
	}
	if s.ipcSrv != nil {
		s.ipcSrv.Broadcast(seq)
	}
}

// writeActivitySnapshot rewrites activity.json; it changes only on
// transitions so the write rate is naturally bounded.
func (s *Session) writeActivitySnapshot(st *activity.State) {
	data, err := marshalActivity(st)
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(s.Dir, ActivityFile), data, 0o600); err != nil {
		s.logger.Debug("activity snapshot write failed", "session", s.ID, "error", err)
	}
}

func marshalActivity(st *activity.State) ([]byte, error) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// integrityShutdown force-terminates a session whose recording log can no
// longer be written: the child is killed outright and the session is
// marked exited(-2) and unhealthy. Safe from any goroutine; Wait and
// Close are idempotent on the handle.
func (s *Session) integrityShutdown(err error) {
	s.logger.Error("recording log unwritable, terminating session",
		"session", s.ID, "error", err)
	s.handle.Kill(syscall.SIGKILL)
	s.handle.Wait()
	s.handle.Close()
	s.finalize(ExitCodeIntegrity, 0, true)
}

// finalize transitions the session to exited exactly once: the exit
// record is appended, the log closed, the IPC socket removed, every
// attachment channel closed, and the exit event published.
func (s *Session) finalize(code int, sig syscall.Signal, unhealthy bool) {
	s.exitOnce.Do(func() {
		s.mu.Lock()
		s.status = StatusExited
		s.exitCode = &code
		s.exitedAt = time.Now()
		s.unhealthy = unhealthy
		attachments := make([]*Attachment, 0, len(s.attachments))
		for id, a := range s.attachments {
			attachments = append(attachments, a)
			delete(s.attachments, id)
		}
		s.mu.Unlock()

		if err := s.rec.Exit(code); err != nil && !unhealthy {
			s.logger.Warn("exit record failed", "session", s.ID, "error", err)
		}
		if err := s.rec.Close(); err != nil {
			s.logger.Warn("recording close failed", "session", s.ID, "error", err)
		}
		if s.ipcSrv != nil {
			s.ipcSrv.Close()
		}

		for _, a := range attachments {
			close(a.ch)
		}

		payload := map[string]any{"exitCode": code}
		if sig != 0 {
			payload["signal"] = unix.SignalName(sig)
		}
		if unhealthy {
			payload["unhealthy"] = true
		}
		close(s.done)
		s.persistManifest()
		s.bus.Publish(events.KindSessionExit, s.ID, payload)

		s.logger.Info("session exited", "session", s.ID, "exitCode", code)
	})
}

func (s *Session) persistManifest() {
	s.mu.Lock()
	m := Manifest{
		ID:         s.ID,
		Command:    s.Command,
		WorkingDir: s.WorkingDir,
		Name:       s.name,
		Status:     s.status,
		Pid:        s.pid,
		Cols:       s.cols,
		Rows:       s.rows,
		CreatedAt:  s.CreatedAt,
	}
	if s.exitCode != nil {
		code := *s.exitCode
		m.ExitCode = &code
	}
	if s.titles != nil {
		m.TitleMode = string(s.titles.Mode())
	}
	s.mu.Unlock()

	if err := writeManifest(s.Dir, m); err != nil {
		s.logger.Warn("manifest write failed", "session", s.ID, "error", err)
	}
}

// HandleStdin implements ipc.Handler.
func (s *Session) HandleStdin(data []byte) error {
	return s.Write(data)
}

// HandleResize implements ipc.Handler.
func (s *Session) HandleResize(cols, rows uint16, source string) error {
	_, err := s.Resize(cols, rows, normalizeSource(source))
	return err
}

// HandleKill implements ipc.Handler.
func (s *Session) HandleKill(signal string) error {
	sig, err := ParseSignal(signal)
	if err != nil {
		return err
	}
	return s.Kill(sig)
}

// HandleResetSize implements ipc.Handler.
func (s *Session) HandleResetSize() error {
	return s.ResetSize()
}

func normalizeSource(source string) ResizeSource {
	switch ResizeSource(source) {
	case SourceBrowser, SourceTerminal:
		return ResizeSource(source)
	default:
		return SourceAPI
	}
}

// ParseSignal resolves a signal name ("SIGTERM", "term", "9") to a
// syscall.Signal. Empty input defaults to SIGTERM.
func ParseSignal(name string) (syscall.Signal, error) {
	if name == "" {
		return syscall.SIGTERM, nil
	}
	if n, err := strconv.Atoi(name); err == nil {
		if n <= 0 || n > 64 {
			return 0, fmt.Errorf("signal number %d out of range", n)
		}
		return syscall.Signal(n), nil
	}

	upper := strings.ToUpper(name)
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	if sig := unix.SignalNum(upper); sig != 0 {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}
