// Package handler provides HTTP handlers for the operator API. Handlers talk
// to the ledger, the scheduler and the events table through small interfaces
// so the same router serves every store driver.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/albapepper/alphawatch/internal/api/respond"
	"github.com/albapepper/alphawatch/internal/audit"
	"github.com/albapepper/alphawatch/internal/event"
	"github.com/albapepper/alphawatch/internal/ledger"
	"github.com/albapepper/alphawatch/internal/reminder"
)

// Ticker runs or reports evaluation ticks. *scheduler.Scheduler implements it.
type Ticker interface {
	Trigger(ctx context.Context) (reminder.Report, error)
	Last() (reminder.Report, time.Time, error)
}

// Ingester stores pushed events. *source.Postgres implements it.
type Ingester interface {
	Upsert(ctx context.Context, records []event.Record) (int, error)
}

// AttemptLog returns recent delivery attempts. *audit.Postgres implements it.
type AttemptLog interface {
	Recent(ctx context.Context, taskKey string, limit int) ([]audit.Attempt, error)
}

// HealthChecker verifies a backing service. *db.Pool implements it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the handler's collaborators. Ingester, Attempts and Database may
// be nil.
type Deps struct {
	Store       ledger.Store
	StoreDriver string
	Ticker      Ticker
	Ingester    Ingester
	Attempts    AttemptLog
	Database    HealthChecker
	Location    *time.Location
	Logger      *slog.Logger
	Now         func() time.Time
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	Deps
}

// New creates a Handler with shared dependencies.
func New(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	return &Handler{Deps: d}
}

// Root serves API info at /.
// @Summary API root info
// @Description Returns API name, version, status and the active store driver.
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"name":    "alphawatch",
		"version": "1.0.0",
		"status":  "running",
		"docs":    "/docs",
		"store":   h.StoreDriver,
		"ingest":  h.Ingester != nil,
	})
}

// HealthCheck returns basic health status.
// @Summary Health check
// @Description Returns basic health status and timestamp.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckStore verifies the dedupe ledger and the events database are
// reachable.
// @Summary Ledger health check
// @Description Pings the ledger backend (Postgres, SQLite or Redis) and, when configured, the events database.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/store [get]
func (h *Handler) HealthCheckStore(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	unhealthy := func(msg string) {
		respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "unhealthy",
			"store":     h.StoreDriver,
			"error":     msg,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}

	if p, ok := h.Store.(ledger.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			h.Logger.Warn("Ledger health check failed", "driver", h.StoreDriver, "error", err)
			unhealthy("Ledger connection check failed")
			return
		}
	}
	if h.Database != nil {
		if err := h.Database.HealthCheck(ctx); err != nil {
			h.Logger.Warn("Database health check failed", "error", err)
			unhealthy("Database connection check failed")
			return
		}
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"store":     h.StoreDriver,
		"database":  h.Database != nil,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
