// Package tunnel integrates external tunnel providers that expose the
// local HTTP surface on a public URL. The registry tracks one active
// provider at a time and publishes tunnel lifecycle events on the bus.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tunnelforge/tunnelforge/internal/events"
)

// Status represents tunnel connection state.
type Status int32

const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Provider starts and stops one tunnel implementation.
type Provider interface {
	// Name identifies the provider ("ngrok", "cloudflare", ...).
	Name() string

	// Start exposes the given local port and returns the public URL. It
	// blocks until the tunnel is usable or ctx is cancelled.
	Start(ctx context.Context, port int) (string, error)

	// Stop tears the tunnel down. Idempotent.
	Stop() error
}

var (
	ErrAlreadyRunning = errors.New("tunnel already running")
	ErrNotRunning     = errors.New("tunnel is not running")
)

// Registry owns the active tunnel and reports its state.
type Registry struct {
	bus    *events.Bus
	logger *slog.Logger

	// status is atomic for lock-free reads from the health handler.
	status atomic.Int32

	mu        sync.Mutex
	provider  Provider
	publicURL string
}

// NewRegistry creates an empty registry.
func NewRegistry(bus *events.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{bus: bus, logger: logger}
}

// Status returns the current tunnel state.
func (r *Registry) Status() Status {
	return Status(r.status.Load())
}

// PublicURL returns the active tunnel's public URL, empty when stopped.
func (r *Registry) PublicURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publicURL
}

// Start brings the provider up for the given local port and publishes
// tunnel.started. Only one tunnel may be active.
func (r *Registry) Start(ctx context.Context, p Provider, port int) (string, error) {
	r.mu.Lock()
	if r.provider != nil {
		r.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	r.provider = p
	r.mu.Unlock()

	r.status.Store(int32(StatusStarting))

	url, err := p.Start(ctx, port)
	if err != nil {
		r.mu.Lock()
		r.provider = nil
		r.mu.Unlock()
		r.status.Store(int32(StatusStopped))
		return "", fmt.Errorf("starting %s tunnel: %w", p.Name(), err)
	}

	r.mu.Lock()
	r.publicURL = url
	r.mu.Unlock()
	r.status.Store(int32(StatusRunning))

	r.bus.Publish(events.KindTunnelStarted, "", map[string]any{
		"provider": p.Name(),
		"url":      url,
		"port":     port,
	})
	r.logger.Info("tunnel started", "provider", p.Name(), "url", url)
	return url, nil
}

// Stop tears the active tunnel down and publishes tunnel.stopped.
func (r *Registry) Stop() error {
	r.mu.Lock()
	p := r.provider
	r.provider = nil
	r.publicURL = ""
	r.mu.Unlock()

	if p == nil {
		return ErrNotRunning
	}

	err := p.Stop()
	r.status.Store(int32(StatusStopped))
	r.bus.Publish(events.KindTunnelStopped, "", map[string]any{
		"provider": p.Name(),
	})
	r.logger.Info("tunnel stopped", "provider", p.Name())
	return err
}
