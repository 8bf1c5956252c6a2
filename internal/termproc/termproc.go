// Package termproc spawns and supervises PTY-backed child processes.
//
// Each spawned process is attached to a pseudo-terminal and placed in its
// own process group. The returned Handle exposes read, write, resize, and
// kill, and surfaces the child's exit status.
package termproc

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// SessionIDEnv is exported into every child so that co-located clients
// (notably the vt forwarder) can detect they already run inside a session.
const SessionIDEnv = "TUNNELFORGE_SESSION_ID"

// Resolution records which argv[0] resolution strategy fired.
type Resolution string

const (
	ResolutionAlias Resolution = "alias"
	ResolutionPath  Resolution = "path"
	ResolutionShell Resolution = "shell"
)

// Options configures a spawn.
type Options struct {
	// Argv is the command and its arguments. Argv[0] is resolved via the
	// alias table, then PATH, then a shell-quoted fallback.
	Argv []string

	// Env is the caller-provided child environment (key=value). The child
	// receives exactly these variables plus TERM (unless overridden) and
	// the session-id variable.
	Env []string

	// Dir is the working directory. Must exist.
	Dir string

	// Cols and Rows are the initial dimensions. Zero means inherit the
	// controlling terminal's size, falling back to 80x24.
	Cols, Rows uint16

	// Aliases maps command names to replacements, consulted before PATH.
	Aliases map[string]string

	// SessionID is exported to the child as TUNNELFORGE_SESSION_ID.
	SessionID string
}

// Handle is a live PTY-attached child process.
type Handle struct {
	ptmx *os.File
	cmd  *exec.Cmd

	// Resolution records how argv[0] was resolved, for diagnostics.
	Resolution Resolution

	writeMu sync.Mutex
	closed  atomic.Bool

	waitOnce sync.Once
	waitDone chan struct{}
	exitCode int
	signal   syscall.Signal

	logger *slog.Logger
}

// Spawn starts a child process attached to a fresh PTY.
func Spawn(opts Options, logger *slog.Logger) (*Handle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.Argv) == 0 {
		return nil, &SpawnError{Code: CodeCommandNotFound, Command: ""}
	}

	if opts.Dir != "" {
		info, err := os.Stat(opts.Dir)
		if err != nil || !info.IsDir() {
			return nil, &SpawnError{Code: CodeWorkdirMissing, Command: opts.Argv[0], Err: err}
		}
	}

	path, args, resolution, err := resolveArgv(opts.Argv, opts.Aliases)
	if err != nil {
		return nil, err
	}

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 || rows == 0 {
		rows, cols = inheritedSize()
	}

	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, &SpawnError{Code: CodePTYAllocationFailed, Command: opts.Argv[0], Err: err}
	}

	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		ptmx.Close()
		tty.Close()
		return nil, &SpawnError{Code: CodePTYAllocationFailed, Command: opts.Argv[0], Err: err}
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = opts.Dir
	cmd.Env = childEnv(opts.Env, opts.SessionID)
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	if err := cmd.Start(); err != nil {
		ptmx.Close()
		tty.Close()
		return nil, classifyStartError(opts.Argv[0], err)
	}
	tty.Close()

	h := &Handle{
		ptmx:       ptmx,
		cmd:        cmd,
		Resolution: resolution,
		waitDone:   make(chan struct{}),
		logger:     logger,
	}

	logger.Debug("process spawned",
		"command", path,
		"pid", cmd.Process.Pid,
		"resolution", resolution,
		"cols", cols,
		"rows", rows,
	)

	return h, nil
}

// resolveArgv resolves argv[0] via the alias table, then PATH, then a
// shell-quoted fallback for strings that only a shell can run.
func resolveArgv(argv []string, aliases map[string]string) (string, []string, Resolution, error) {
	name := argv[0]
	resolution := ResolutionPath

	if alias, ok := aliases[name]; ok && alias != "" {
		name = alias
		resolution = ResolutionAlias
	}

	path, err := exec.LookPath(name)
	if err == nil {
		return path, argv[1:], resolution, nil
	}

	if errors.Is(err, exec.ErrDot) {
		// Relative lookup matched the current directory; accept it.
		return name, argv[1:], resolution, nil
	}

	if os.IsPermission(err) || errors.Is(err, os.ErrPermission) {
		return "", nil, "", &SpawnError{Code: CodePermissionDenied, Command: argv[0], Err: err}
	}

	if looksLikeShellExpression(argv) {
		quoted := make([]string, len(argv))
		for i, a := range argv {
			quoted[i] = shellQuote(a)
		}
		return "/bin/sh", []string{"-c", strings.Join(quoted, " ")}, ResolutionShell, nil
	}

	return "", nil, "", &SpawnError{Code: CodeCommandNotFound, Command: argv[0], Err: err}
}

// looksLikeShellExpression reports whether argv[0] needs a shell to run
// (embedded spaces or shell metacharacters).
func looksLikeShellExpression(argv []string) bool {
	return strings.ContainsAny(argv[0], " \t|&;<>()$`")
}

// shellQuote single-quotes a string for /bin/sh.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\|&;<>()$`*?[]{}~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// childEnv builds the minimal child environment.
func childEnv(env []string, sessionID string) []string {
	out := make([]string, 0, len(env)+2)
	hasTerm := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "TERM=") {
			hasTerm = true
		}
		out = append(out, kv)
	}
	if !hasTerm {
		out = append(out, "TERM=xterm-256color")
	}
	if sessionID != "" {
		out = append(out, SessionIDEnv+"="+sessionID)
	}
	return out
}

// inheritedSize returns the controlling terminal's dimensions, or 80x24.
func inheritedSize() (rows, cols uint16) {
	if ws, err := pty.GetsizeFull(os.Stdin); err == nil && ws.Rows > 0 && ws.Cols > 0 {
		return ws.Rows, ws.Cols
	}
	return 24, 80
}

func classifyStartError(command string, err error) *SpawnError {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return &SpawnError{Code: CodeCommandNotFound, Command: command, Err: err}
	case errors.Is(err, os.ErrPermission):
		return &SpawnError{Code: CodePermissionDenied, Command: command, Err: err}
	default:
		return &SpawnError{Code: CodePTYAllocationFailed, Command: command, Err: err}
	}
}

// Pid returns the child's process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Read reads PTY output. On Linux the master returns EIO once the child
// exits; that is normalized to io.EOF.
func (h *Handle) Read(p []byte) (int, error) {
	n, err := h.ptmx.Read(p)
	if err != nil && isClosedPTYErr(err) {
		return n, io.EOF
	}
	return n, err
}

func isClosedPTYErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == unix.EIO
	}
	return false
}

// Write writes input to the PTY. Writes are serialized.
func (h *Handle) Write(p []byte) (int, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.ptmx.Write(p)
}

// Resize changes the PTY dimensions.
func (h *Handle) Resize(cols, rows uint16) error {
	if h.closed.Load() {
		return ErrClosed
	}
	return pty.Setsize(h.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Size returns the PTY's current dimensions.
func (h *Handle) Size() (cols, rows uint16) {
	if ws, err := pty.GetsizeFull(h.ptmx); err == nil {
		return ws.Cols, ws.Rows
	}
	return 0, 0
}

// Wait blocks until the child exits and returns its exit code and, when
// the child died on a signal, the terminating signal. Safe to call from
// multiple goroutines.
func (h *Handle) Wait() (int, syscall.Signal) {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		h.exitCode = 0
		h.signal = 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
					h.signal = ws.Signal()
					h.exitCode = 128 + int(ws.Signal())
				} else {
					h.exitCode = exitErr.ExitCode()
				}
			} else {
				h.exitCode = -1
			}
		}
		close(h.waitDone)
	})
	<-h.waitDone
	return h.exitCode, h.signal
}

// Done is closed once the child has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.waitDone
}

// Exited reports whether the child has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.waitDone:
		return true
	default:
		return false
	}
}

// Signal delivers a signal to the child's process group without escalation.
func (h *Handle) Signal(sig syscall.Signal) error {
	return h.signalGroup(sig)
}

// Kill terminates the child. SIGKILL is delivered immediately and waited
// for 100ms. Any other signal is delivered, then escalated to SIGKILL
// after a 3 second deadline with 500ms polling.
func (h *Handle) Kill(sig syscall.Signal) error {
	if h.Exited() {
		return nil
	}

	if sig == syscall.SIGKILL {
		h.signalGroup(syscall.SIGKILL)
		h.awaitExit(100*time.Millisecond, 20*time.Millisecond)
		return nil
	}

	if err := h.signalGroup(sig); err != nil {
		return err
	}
	if h.awaitExit(3*time.Second, 500*time.Millisecond) {
		return nil
	}

	h.logger.Warn("process did not exit after signal, escalating to SIGKILL",
		"pid", h.cmd.Process.Pid, "signal", sig)
	h.signalGroup(syscall.SIGKILL)
	h.awaitExit(100*time.Millisecond, 20*time.Millisecond)
	return nil
}

// signalGroup signals the process group, falling back to the process.
func (h *Handle) signalGroup(sig syscall.Signal) error {
	pid := h.cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err != nil {
		return unix.Kill(pid, sig)
	}
	return nil
}

func (h *Handle) awaitExit(deadline, interval time.Duration) bool {
	timeout := time.After(deadline)
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-h.waitDone:
			return true
		case <-tick.C:
			if err := unix.Kill(h.cmd.Process.Pid, 0); err != nil {
				return true
			}
		case <-timeout:
			return false
		}
	}
}

// Close releases the PTY master. Idempotent.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	return h.ptmx.Close()
}
