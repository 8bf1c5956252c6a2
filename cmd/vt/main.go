// vt - attach a real terminal to a TunnelForge session.
//
// vt creates a session through the daemon's HTTP API (or opens an
// existing one), connects to the session's IPC socket, and bridges the
// local terminal: stdin becomes STDIN_DATA frames, the raw PTY output
// stream is written to stdout, and window-size changes are forwarded as
// resize control commands. vt exits with the child's exit code.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tunnelforge/tunnelforge/internal/apiclient"
	"github.com/tunnelforge/tunnelforge/internal/config"
	"github.com/tunnelforge/tunnelforge/internal/ipc"
	"github.com/tunnelforge/tunnelforge/internal/termproc"
)

// Version is set at build time via ldflags.
var Version = "dev"

// heartbeatInterval keeps the IPC connection visibly alive.
const heartbeatInterval = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:     "vt [command...]",
		Short:   "Run a command inside a TunnelForge session",
		Version: Version,
		Args:    cobra.ArbitraryArgs,
		RunE:    runVT,
		// Flags after the command belong to the command.
		SilenceUsage: true,
	}
	rootCmd.Flags().SetInterspersed(false)
	rootCmd.Flags().Bool("shell", false, "Spawn the user shell")
	rootCmd.Flags().String("session", "", "Attach to an existing session id")
	rootCmd.Flags().String("name", "", "Session name")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runVT(cmd *cobra.Command, args []string) error {
	if os.Getenv(termproc.SessionIDEnv) != "" {
		return errors.New("already inside a session; refusing to nest")
	}

	shell, _ := cmd.Flags().GetBool("shell")
	sessionID, _ := cmd.Flags().GetString("session")
	name, _ := cmd.Flags().GetString("name")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	client := apiclient.New(fmt.Sprintf("http://127.0.0.1:%d", cfg.Port), cfg.LocalToken)

	ctx := context.Background()

	record, err := resolveSession(ctx, client, sessionID, shell, name, args)
	if err != nil {
		return err
	}
	if record.SocketPath == "" {
		return fmt.Errorf("session %s has no socket path", record.ID)
	}

	conn, err := ipc.Dial(record.SocketPath)
	if err != nil {
		return fmt.Errorf("connecting to session socket: %w", err)
	}
	defer conn.Close()

	exitCode, err := bridge(ctx, client, conn, record.ID)
	if err != nil {
		return err
	}
	os.Exit(exitCode)
	return nil
}

// resolveSession attaches to an existing session or creates a new one.
func resolveSession(ctx context.Context, client *apiclient.Client, sessionID string, shell bool, name string, args []string) (*apiclient.Record, error) {
	if sessionID != "" {
		record, err := client.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("looking up session: %w", err)
		}
		if record.Status != "running" {
			return nil, fmt.Errorf("session %s is %s", record.ID, record.Status)
		}
		return record, nil
	}

	command := args
	if shell || len(command) == 0 {
		userShell := os.Getenv("SHELL")
		if userShell == "" {
			userShell = "/bin/sh"
		}
		command = []string{userShell}
	}

	cols, rows := terminalSize()
	cwd, _ := os.Getwd()

	record, err := client.CreateSession(ctx, apiclient.CreateRequest{
		Command:    command,
		WorkingDir: cwd,
		Name:       name,
		Cols:       cols,
		Rows:       rows,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return record, nil
}

func terminalSize() (cols, rows uint16) {
	if w, h, err := term.GetSize(int(os.Stdin.Fd())); err == nil && w > 0 && h > 0 {
		return uint16(w), uint16(h)
	}
	return 0, 0
}

// bridge pumps the local terminal against the session until the session
// exits or the local side closes. Returns the child's exit code.
func bridge(ctx context.Context, client *apiclient.Client, conn *ipc.Client, sessionID string) (int, error) {
	stdinFd := int(os.Stdin.Fd())

	var restore func()
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return 0, fmt.Errorf("entering raw mode: %w", err)
		}
		restore = func() { term.Restore(stdinFd, oldState) }
		defer restore()
	}

	done := make(chan struct{})

	// Output: the raw PTY stream arrives unframed on the socket.
	go func() {
		defer close(done)
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				os.Stdout.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	// Input: forward keystrokes as STDIN_DATA frames.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if serr := conn.SendStdin(buf[:n]); serr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Window-size changes and forwarded signals.
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGWINCH, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Propagate the starting size once; the daemon spawned with our size
	// but may have raced a concurrent attach.
	if cols, rows := terminalSize(); cols > 0 {
		conn.SendResize(cols, rows, "terminal")
	}

	heartbeats := time.NewTicker(heartbeatInterval)
	defer heartbeats.Stop()

	for {
		select {
		case <-done:
			if restore != nil {
				restore()
				restore = nil
			}
			// Land the cursor on a fresh line after the raw stream.
			fmt.Println()
			return fetchExitCode(ctx, client, sessionID), nil

		case <-heartbeats.C:
			conn.SendHeartbeat()

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGWINCH:
				if cols, rows := terminalSize(); cols > 0 {
					conn.SendResize(cols, rows, "terminal")
				}
			case syscall.SIGINT:
				// In raw mode Ctrl-C arrives via stdin; a delivered SIGINT
				// means someone signalled us directly.
				conn.SendStdin([]byte{0x03})
			case syscall.SIGTERM:
				conn.SendControl(ipc.ControlCommand{Cmd: ipc.CmdKill, Signal: "SIGTERM"})
			}
		}
	}
}

// fetchExitCode polls the API for the session's exit code; the socket can
// close a beat before the record is finalized.
func fetchExitCode(ctx context.Context, client *apiclient.Client, sessionID string) int {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		record, err := client.GetSession(ctx, sessionID)
		if err != nil {
			break
		}
		if record.Status == "exited" {
			if record.ExitCode != nil {
				return *record.ExitCode
			}
			return 0
		}
		time.Sleep(100 * time.Millisecond)
	}
	return 0
}
