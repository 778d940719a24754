// Command api is the alphawatch daemon: it evaluates reminders on the cron
// schedule, reacts to snapshot changes and serves the operator API.
//
// Usage:
//
//	alphawatch-api
//	API_PORT=8080 EVENTS_FILE=./state/events.json alphawatch-api
//	RUN_ONCE=true alphawatch-api

// @title alphawatch operator API
// @version 1.0.0
// @description Listing reminder engine: ingest events, inspect and release ledger entries, trigger evaluation ticks.
// @host localhost:8000
// @BasePath /api/v1
// @schemes http https
// @contact.name alphawatch
// @license.name MIT
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"github.com/albapepper/alphawatch/internal/api"
	"github.com/albapepper/alphawatch/internal/app"
	"github.com/albapepper/alphawatch/internal/config"
	"github.com/albapepper/alphawatch/internal/listener"
	"github.com/albapepper/alphawatch/internal/maintenance"

	_ "github.com/albapepper/alphawatch/docs" // swagger docs
)

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.RunOnce {
		rep, err := a.Scheduler.RunOnce(ctx)
		if err != nil {
			return err
		}
		logger.Info("Single tick finished", "summary", rep.Summary())
		return nil
	}

	// Start LISTEN/NOTIFY consumer for pushed events
	if cfg.DatabaseURL != "" {
		go listener.Start(ctx, cfg.DatabaseURL, func(string) { a.Scheduler.Kick("ingest") }, logger)
	}

	// Watch the snapshot file the scraper rewrites
	if a.EventFile != nil {
		logger.Info("Watching events file", "path", a.EventFile.Path())
		go func() {
			if err := a.EventFile.Watch(ctx, func() { a.Scheduler.Kick("events file") }); err != nil {
				logger.Error("Events file watcher stopped", "error", err)
			}
		}()
	}

	// Start maintenance tickers (ledger sweep, audit retention)
	mcfg := maintenance.DefaultConfig()
	mcfg.SweepInterval = cfg.SweepInterval
	mcfg.AuditRetention = cfg.AuditRetention
	var pruner maintenance.Pruner
	if a.AuditLog != nil {
		pruner = a.AuditLog
	}
	go maintenance.Start(ctx, a.Store, pruner, mcfg, logger)

	// Catch up immediately instead of waiting for the first cron slot.
	if rep, err := a.Scheduler.RunOnce(ctx); err != nil {
		logger.Error("Startup tick failed", "error", err)
	} else {
		logger.Info("Startup tick finished", "summary", rep.Summary())
	}
	if err := a.Scheduler.Start(); err != nil {
		return err
	}
	defer a.Scheduler.Stop()

	// Create router and HTTP server
	router := api.NewRouter(a.HandlerDeps(), a.Registry, cfg)
	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting alphawatch",
			"addr", addr,
			"environment", cfg.Environment,
			"store", cfg.StoreDriver,
			"docs", fmt.Sprintf("http://localhost:%d/docs/", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	notifySystemd(daemon.SdNotifyReady, logger)
	go watchdog(ctx, logger)

	// Wait for interrupt or a server failure
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("Shutting down...")
	notifySystemd(daemon.SdNotifyStopping, logger)

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	logger.Info("Server stopped")
	return nil
}

func notifySystemd(state string, logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("systemd notify failed", "state", state, "error", err)
		return
	}
	if sent {
		logger.Debug("systemd notified", "state", state)
	}
}

// watchdog pings systemd at half the configured WatchdogSec. No-op when the
// unit has no watchdog.
func watchdog(ctx context.Context, logger *slog.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notifySystemd(daemon.SdNotifyWatchdog, logger)
		}
	}
}
