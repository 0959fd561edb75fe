package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"cronkeeper/internal/api"
	"cronkeeper/internal/config"
	"cronkeeper/internal/core"
	"cronkeeper/internal/logging"
	cronkeepermcp "cronkeeper/internal/mcp"
	"cronkeeper/internal/notify"
	"cronkeeper/internal/store"
	"cronkeeper/internal/taskfile"
	"cronkeeper/internal/tasks"
)

var version = "dev"

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("cronkeeperd exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info().Str("path", st.Path()).Msg("store opened")

	bodies := core.NewBodies()
	tasks.Register(bodies, tasks.Deps{
		Store:     st,
		Retention: cfg.Scheduler.HistoryRetention,
		Logger:    logger,
	})

	engine := core.NewEngine(st, bodies, logger,
		core.WithLocation(cfg.Location()),
		core.WithTickInterval(cfg.Scheduler.TickInterval),
		core.WithHistoryRetention(cfg.Scheduler.HistoryRetention),
	)
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL,
			notify.WithBarkGroup(cfg.Notification.Bark.Group),
			notify.WithBarkLevel(cfg.Notification.Bark.Level),
		)
		if err != nil {
			return fmt.Errorf("bark notifier: %w", err)
		}
		engine.OnComplete(notify.FailureHook(notify.NewMultiNotifier(bark), logger))
		logger.Info().Msg("bark failure notifications enabled")
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer shutdownEngine(engine, cfg.ShutdownGrace, logger)

	if cfg.TasksFile.Path != "" {
		syncer := taskfile.NewSyncer(cfg.TasksFile.Path, engine, logger)
		if _, err := syncer.Sync(ctx); err != nil {
			logger.Error().Err(err).Msg("apply task file")
		}
		if cfg.TasksFile.Watch {
			go func() {
				if err := syncer.Watch(ctx); err != nil {
					logger.Warn().Err(err).Msg("task file watcher stopped")
				}
			}()
		}
	}

	logger.Info().
		Str("version", version).
		Str("mode", cfg.Mode).
		Str("tz", cfg.Location().String()).
		Dur("tick", cfg.Scheduler.TickInterval).
		Int("tasks", len(engine.ListTasks())).
		Msg("cronkeeperd started")

	mcpServer := cronkeepermcp.NewMCPServer(engine, logger, version)

	switch cfg.Mode {
	case config.ModeMCP:
		return runMCP(ctx, mcpServer, logger)
	case config.ModeBoth:
		return runHTTP(ctx, cfg, engine, mcpServer, logger, true)
	default:
		return runHTTP(ctx, cfg, engine, mcpServer, logger, false)
	}
}

// runMCP serves MCP on stdio until stdin closes or a signal arrives.
func runMCP(ctx context.Context, mcpServer *cronkeepermcp.MCPServer, logger zerolog.Logger) error {
	notifyReady(logger)
	mcpErr := make(chan error, 1)
	go func() { mcpErr <- mcpServer.ServeStdio() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("received signal, shutting down")
	case err := <-mcpErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp server: %w", err)
		}
		logger.Info().Msg("mcp stdio closed, shutting down")
	}
	notifyStopping(logger)
	return nil
}

// runHTTP serves the API (with /mcp mounted) and, with stdio set, MCP on
// stdio as well.
func runHTTP(ctx context.Context, cfg *config.Config, engine *core.Engine, mcpServer *cronkeepermcp.MCPServer, logger zerolog.Logger, stdio bool) error {
	limiter := rate.NewLimiter(rate.Limit(cfg.Server.RunRate), cfg.Server.RunBurst)
	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, engine, mcpServer.Handler(), limiter, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	mcpErr := make(chan error, 1)
	if stdio {
		go func() { mcpErr <- mcpServer.ServeStdio() }()
	}

	notifyReady(logger)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("received signal, shutting down")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-mcpErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("mcp server error")
		}
	}
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}
	return runErr
}

// shutdownEngine stops dispatching and waits up to grace for in-flight
// occurrences.
func shutdownEngine(engine *core.Engine, grace time.Duration, logger zerolog.Logger) {
	stopped := engine.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(grace):
		logger.Warn().Dur("grace", grace).Msg("in-flight tasks still running at shutdown")
	}
	logger.Info().Msg("shutdown complete")
}

func notifyReady(logger zerolog.Logger) {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn().Err(err).Msg("systemd ready notification")
	} else if sent {
		logger.Debug().Msg("systemd notified ready")
	}
}

func notifyStopping(logger zerolog.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		logger.Warn().Err(err).Msg("systemd stopping notification")
	}
}
