// TunnelForge daemon - terminal session runtime with an HTTP control
// surface.
//
// tunnelforged owns a control directory of PTY-backed sessions and serves
// the REST/WebSocket/SSE API that browsers and the vt forwarder attach
// through.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelforge/tunnelforge/internal/apiclient"
	"github.com/tunnelforge/tunnelforge/internal/config"
	"github.com/tunnelforge/tunnelforge/internal/events"
	"github.com/tunnelforge/tunnelforge/internal/httpd"
	"github.com/tunnelforge/tunnelforge/internal/session"
	"github.com/tunnelforge/tunnelforge/internal/title"
	"github.com/tunnelforge/tunnelforge/internal/tunnel"
)

// Version is set at build time via ldflags.
var Version = "dev"

// cleanupInterval paces the background sweep of expired exited sessions.
const cleanupInterval = time.Minute

// reapInterval paces the check for children that died without closing
// their PTY.
const reapInterval = 10 * time.Second

// shutdownBudget bounds session teardown on exit.
const shutdownBudget = 2 * time.Second

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("TUNNELFORGE_LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:     "tunnelforged",
		Short:   "Terminal session runtime daemon",
		Version: Version,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the session daemon",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and session status",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE:  runConfig,
	}
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	titleMode, err := title.ParseMode(cfg.TitleMode)
	if err != nil {
		return fmt.Errorf("invalid title mode: %w", err)
	}

	logger.Info("starting tunnelforged",
		"version", Version,
		"port", cfg.Port,
		"bind", cfg.Bind,
		"controlDir", cfg.ControlDir,
		"auth", cfg.AuthMode,
	)

	bus := events.NewBus(logger)
	defer bus.Close()

	mgr, err := session.NewManager(session.Options{
		ControlRoot:      cfg.ControlDir,
		SocketMode:       cfg.SocketMode,
		DefaultTitleMode: titleMode,
		Aliases:          cfg.CommandAliases,
		CleanupGrace:     5 * time.Minute,
	}, bus, logger)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	if restored := mgr.RestoreOnStartup(); restored > 0 {
		logger.Info("previous sessions promoted to exited", "count", restored)
	}

	srv, err := httpd.New(cfg, mgr, bus, logger)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus.Publish(events.KindServerUp, "", map[string]any{"version": Version})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx)
	})

	var tunnels *tunnel.Registry
	if len(cfg.TunnelCommand) > 0 {
		tunnels = tunnel.NewRegistry(bus, logger)
		provider := tunnel.NewCommandProvider(cfg.TunnelCommand)
		g.Go(func() error {
			// A tunnel failure never brings the daemon down.
			if _, err := tunnels.Start(ctx, provider, cfg.Port); err != nil {
				logger.Warn("tunnel failed to start", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				mgr.Cleanup()
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				mgr.Reap()
			}
		}
	})

	err = g.Wait()

	logger.Info("shutting down, terminating sessions")
	if tunnels != nil && tunnels.Status() != tunnel.StatusStopped {
		tunnels.Stop()
	}
	bus.Publish(events.KindServerDown, "", nil)
	mgr.Shutdown(shutdownBudget)

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client := apiclient.New(fmt.Sprintf("http://127.0.0.1:%d", cfg.Port), cfg.LocalToken)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		fmt.Printf("tunnelforged: not running on port %d\n", cfg.Port)
		return nil
	}

	records, err := client.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	fmt.Printf("tunnelforged: running on port %d, %d session(s)\n", cfg.Port, len(records))
	for _, r := range records {
		name := r.Name
		if name == "" {
			name = "-"
		}
		fmt.Printf("  %-10s %-8s %-20s %s\n", r.ID[:8], r.Status, name, joinCommand(r.Command))
	}
	return nil
}

func joinCommand(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	fmt.Println(string(data))

	if path, err := config.Path(); err == nil {
		fmt.Printf("\nconfig file: %s\n", path)
	}
	return nil
}
