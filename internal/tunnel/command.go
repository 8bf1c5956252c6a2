package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// urlPattern matches the public URL a tunnel binary prints on startup.
var urlPattern = regexp.MustCompile(`https?://[^\s"']+`)

// startupTimeout bounds how long we wait for the provider to print its URL.
const startupTimeout = 30 * time.Second

// CommandProvider runs an external tunnel binary (cloudflared, ngrok,
// bore, ...) and treats the first URL it prints as the public endpoint.
// The argv may contain a "{port}" placeholder; when absent the port is
// appended as the final argument.
type CommandProvider struct {
	argv []string

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewCommandProvider wraps the given argv as a tunnel provider.
func NewCommandProvider(argv []string) *CommandProvider {
	return &CommandProvider{argv: argv}
}

func (p *CommandProvider) Name() string {
	if len(p.argv) == 0 {
		return "command"
	}
	return filepath.Base(p.argv[0])
}

// Start launches the binary and blocks until it prints a URL, the
// process exits, or ctx is cancelled.
func (p *CommandProvider) Start(ctx context.Context, port int) (string, error) {
	if len(p.argv) == 0 {
		return "", fmt.Errorf("empty tunnel command")
	}

	argv := make([]string, len(p.argv))
	substituted := false
	for i, a := range p.argv {
		if a == "{port}" {
			argv[i] = strconv.Itoa(port)
			substituted = true
		} else {
			argv[i] = a
		}
	}
	if !substituted {
		argv = append(argv, strconv.Itoa(port))
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("piping tunnel output: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting %s: %w", argv[0], err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	urlCh := make(chan string, 1)
	go scanForURL(stdout, urlCh)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case url := <-urlCh:
		// Keep draining so the child never blocks on a full pipe.
		go io.Copy(io.Discard, stdout)
		return url, nil
	case err := <-exited:
		p.clear()
		return "", fmt.Errorf("%s exited before printing a URL: %w", argv[0], err)
	case <-time.After(startupTimeout):
		p.Stop()
		return "", fmt.Errorf("%s did not print a URL within %s", argv[0], startupTimeout)
	case <-ctx.Done():
		p.Stop()
		return "", ctx.Err()
	}
}

// Stop terminates the tunnel process. Idempotent.
func (p *CommandProvider) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	p.cmd = nil
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	cmd.Process.Signal(syscall.SIGTERM)
	return nil
}

func (p *CommandProvider) clear() {
	p.mu.Lock()
	p.cmd = nil
	p.mu.Unlock()
}

func scanForURL(r io.Reader, out chan<- string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if url := urlPattern.FindString(scanner.Text()); url != "" {
			out <- url
			return
		}
	}
}
