// Package httpd is the HTTP control surface: the REST API for session
// management, the SSE event and output streams, and the WebSocket
// attachment gateway.
package httpd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/tunnelforge/tunnelforge/internal/config"
	"github.com/tunnelforge/tunnelforge/internal/events"
	"github.com/tunnelforge/tunnelforge/internal/session"
)

// Timeouts for the plain request/response routes. Stream routes manage
// their own lifetimes.
const (
	readTimeout     = 15 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Server serves the control API for one manager instance.
type Server struct {
	cfg       *config.Config
	mgr       *session.Manager
	bus       *events.Bus
	logger    *slog.Logger
	origins   []glob.Glob
	startedAt time.Time
	handler   http.Handler
}

// New builds the server and compiles the origin allow-list.
func New(cfg *config.Config, mgr *session.Manager, bus *events.Bus, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	origins := make([]glob.Glob, 0, len(cfg.AllowedOrigins))
	for _, pattern := range cfg.AllowedOrigins {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid origin pattern %q: %w", pattern, err)
		}
		origins = append(origins, g)
	}

	s := &Server{
		cfg:       cfg,
		mgr:       mgr,
		bus:       bus,
		logger:    logger,
		origins:   origins,
		startedAt: time.Now(),
	}
	s.handler = s.buildHandler()
	return s, nil
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /sessions", s.auth(s.handleCreateSession))
	mux.HandleFunc("GET /sessions", s.auth(s.handleListSessions))
	mux.HandleFunc("GET /sessions/{id}", s.auth(s.handleGetSession))
	mux.HandleFunc("DELETE /sessions/{id}", s.auth(s.handleDeleteSession))
	mux.HandleFunc("PATCH /sessions/{id}", s.auth(s.handleUpdateSession))
	mux.HandleFunc("POST /sessions/{id}/resize", s.auth(s.handleResize))
	mux.HandleFunc("POST /sessions/{id}/reset-size", s.auth(s.handleResetSize))
	mux.HandleFunc("POST /sessions/{id}/input", s.auth(s.handleInput))
	mux.HandleFunc("GET /sessions/{id}/stream", s.auth(s.handleSessionStream))

	mux.HandleFunc("POST /sessions/bulk", s.auth(s.handleBulkCreate))
	mux.HandleFunc("POST /sessions/bulk/delete", s.auth(s.handleBulkDelete))
	mux.HandleFunc("POST /sessions/bulk/resize", s.auth(s.handleBulkResize))

	mux.HandleFunc("POST /cleanup-exited", s.auth(s.handleCleanup))

	mux.HandleFunc("GET /events", s.auth(s.handleEvents))
	mux.HandleFunc("POST /events/test", s.auth(s.handleTestEvent))

	mux.HandleFunc("GET /ws", s.auth(s.handleWebSocket))

	// The browser bundle calls everything under /api; co-located tools use
	// bare paths. Both reach the same mux.
	root := http.NewServeMux()
	root.Handle("/api/", http.StripPrefix("/api", mux))
	root.Handle("/", mux)

	return s.withCommonHeaders(root)
}

// Handler exposes the full middleware stack, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Bind, fmt.Sprintf("%d", s.cfg.Port))

	srv := &http.Server{
		Addr:        addr,
		Handler:     s.handler,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// isStreamPath reports whether the route carries a long-lived stream that
// must not be buffered or compressed by intermediaries.
func isStreamPath(path string) bool {
	path = strings.TrimPrefix(path, "/api")
	if path == "/events" || path == "/ws" || path == "/buffers" {
		return true
	}
	return strings.HasSuffix(path, "/stream")
}

// withCommonHeaders applies security headers to plain routes, cache
// suppression to stream routes, and the CORS allow-list everywhere.
func (s *Server) withCommonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()

		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if isStreamPath(r.URL.Path) {
			h.Set("Cache-Control", "no-cache")
			h.Set("X-Accel-Buffering", "no")
		} else {
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "same-origin")
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed checks a request Origin against the configured globs.
// With no configured patterns, only same-host origins are accepted.
func (s *Server) originAllowed(origin string) bool {
	for _, g := range s.origins {
		if g.Match(origin) {
			return true
		}
	}

	if len(s.origins) == 0 {
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	}
	return false
}

// auth enforces the bearer token unless authentication is disabled.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthDisabled() {
			next(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" || s.cfg.LocalToken == "" || token != s.cfg.LocalToken {
			writeError(w, http.StatusUnauthorized, "missing or invalid credential")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	// Query-parameter fallback for EventSource and WebSocket clients that
	// cannot set headers.
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
