// Package app wires configuration into the ledger, sources, dispatcher and
// engine. The daemon and the CLI share it so both see the same behavior for
// the same environment.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/albapepper/alphawatch/internal/api/handler"
	"github.com/albapepper/alphawatch/internal/audit"
	"github.com/albapepper/alphawatch/internal/channel"
	"github.com/albapepper/alphawatch/internal/config"
	"github.com/albapepper/alphawatch/internal/db"
	"github.com/albapepper/alphawatch/internal/event"
	"github.com/albapepper/alphawatch/internal/ledger"
	"github.com/albapepper/alphawatch/internal/metrics"
	"github.com/albapepper/alphawatch/internal/notify"
	"github.com/albapepper/alphawatch/internal/reminder"
	"github.com/albapepper/alphawatch/internal/scheduler"
	"github.com/albapepper/alphawatch/internal/source"
	"github.com/albapepper/alphawatch/internal/window"
)

// NewLogger builds the process logger: slog text to stdout at the given level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// App holds every long-lived component.
type App struct {
	Cfg    *config.Config
	Logger *slog.Logger

	Pool       *db.Pool         // nil without DATABASE_URL
	AuditLog   *audit.Postgres  // nil without DATABASE_URL
	EventTable *source.Postgres // nil without DATABASE_URL
	EventFile  *source.File     // nil without EVENTS_FILE

	Store      ledger.Store
	Source     source.Source
	Dispatcher *notify.Dispatcher
	Engine     *reminder.Engine
	Scheduler  *scheduler.Scheduler
	Metrics    *metrics.Recorder
	Registry   *prometheus.Registry
}

// New builds the application. Call Close when done.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	quiet, err := window.ParseQuietWindow(cfg.QuietHours, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("QUIET_HOURS: %w", err)
	}
	retry := notify.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		Min:         cfg.BackoffMin,
		Max:         cfg.BackoffMax,
	}
	if err := retry.Validate(); err != nil {
		return nil, err
	}

	a := &App{Cfg: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	if cfg.DatabaseURL != "" {
		if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		a.Pool, err = db.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("Database connected",
			"min_conns", cfg.DBPoolMinConns,
			"max_conns", cfg.DBPoolMaxConns)
		a.AuditLog = audit.NewPostgres(a.Pool.Pool)
		a.EventTable = source.NewPostgres(a.Pool.Pool, cfg.Location, cfg.EventsHorizon, logger)
	}

	backend := ledger.Backend{
		Driver:        cfg.StoreDriver,
		SQLitePath:    cfg.SQLitePath,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
	}
	if a.Pool != nil {
		backend.Pool = a.Pool.Pool
	}
	a.Store, err = ledger.Open(ctx, backend, ledger.Options{
		ResolvedTTL: cfg.ResolvedTTL,
		ClaimTTL:    cfg.ClaimTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	logger.Info("Ledger opened", "driver", cfg.StoreDriver)

	a.Source, err = a.buildSource()
	if err != nil {
		return nil, err
	}

	sink := audit.Sink(audit.NewLogSink(logger))
	if a.AuditLog != nil {
		sink = audit.Multi{sink, a.AuditLog}
	}

	a.Dispatcher, err = buildDispatcher(cfg, notify.Config{
		Retry:        retry,
		Quiet:        quiet,
		QuietChannel: cfg.QuietChannel,
	}, sink, logger)
	if err != nil {
		return nil, err
	}

	a.Engine = reminder.New(reminder.Config{
		Policy: window.Policy{
			Offsets:       cfg.ReminderOffsets,
			Ahead:         cfg.AheadWindow,
			Grace:         cfg.Grace,
			NotifyTBAOnce: cfg.NotifyTBAOnce,
			Retention:     cfg.ResolvedTTL,
		},
		Channel:  cfg.Channel,
		Location: cfg.Location,
		Workers:  cfg.Workers,
	}, a.Store, a.Dispatcher, sink, a.Metrics, logger)

	a.Scheduler, err = scheduler.New(cfg.CronExpression, cfg.Location, a.Source, a.Engine, logger)
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// buildSource merges the events file and the events table. When both are
// configured the table row supersedes a file record with the same identity.
func (a *App) buildSource() (source.Source, error) {
	var srcs []source.Source
	if a.Cfg.EventsFile != "" {
		a.EventFile = source.NewFile(a.Cfg.EventsFile, a.Cfg.Location, a.Logger)
		srcs = append(srcs, a.EventFile)
	}
	if a.EventTable != nil {
		srcs = append(srcs, a.EventTable)
	}
	switch len(srcs) {
	case 0:
		return nil, errors.New("no event source: set EVENTS_FILE or DATABASE_URL")
	case 1:
		return srcs[0], nil
	}
	return source.Func(func(ctx context.Context, now time.Time) ([]event.Record, error) {
		var all []event.Record
		for _, s := range srcs {
			recs, err := s.Load(ctx, now)
			if err != nil {
				return nil, err
			}
			all = append(all, recs...)
		}
		return all, nil
	}), nil
}

func buildDispatcher(cfg *config.Config, dcfg notify.Config, sink audit.Sink, logger *slog.Logger) (*notify.Dispatcher, error) {
	var fallback notify.Deliverer
	if cfg.HasSpug() {
		spug := notify.NewSpug(notify.SpugConfig{
			BaseURL:           cfg.SpugBaseURL,
			Token:             cfg.SpugToken,
			Timeout:           cfg.SpugTimeout,
			XSendUserID:       cfg.SpugXSendUserID,
			TemplateID:        cfg.SpugTemplateID,
			Targets:           cfg.SpugTargets,
			RequestsPerMinute: cfg.SpugRequestsPerMinute,
		}, logger)
		fallback = spug
		logger.Info("Spug deliverer configured", "mode", spug.Mode())
	} else {
		logger.Warn("Spug is not configured; reminders on push channels will fail")
	}

	var tg notify.Deliverer
	if cfg.HasTelegram() {
		t, err := notify.NewTelegram(notify.TelegramConfig{
			Token:   cfg.TelegramBotToken,
			ChatIDs: cfg.TelegramChatIDs,
		}, logger)
		if err != nil {
			return nil, err
		}
		tg = t
		logger.Info("Telegram deliverer configured", "chats", len(cfg.TelegramChatIDs))
	}

	d := notify.NewDispatcher(fallback, dcfg, sink, logger)
	if tg != nil {
		d.Route(channel.Telegram, tg)
	}
	return d, nil
}

// HandlerDeps exposes the pieces the operator API needs.
func (a *App) HandlerDeps() handler.Deps {
	d := handler.Deps{
		Store:       a.Store,
		StoreDriver: a.Cfg.StoreDriver,
		Ticker:      a.Scheduler,
		Location:    a.Cfg.Location,
		Logger:      a.Logger,
	}
	if a.EventTable != nil {
		d.Ingester = a.EventTable
	}
	if a.AuditLog != nil {
		d.Attempts = a.AuditLog
	}
	if a.Pool != nil {
		d.Database = a.Pool
	}
	return d
}

// Close releases the ledger and the database pool.
func (a *App) Close() {
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn("Ledger close failed", "error", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
