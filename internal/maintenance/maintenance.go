// Package maintenance runs periodic background tasks as Go tickers: expired
// ledger entries are swept and old audit rows are pruned.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/albapepper/alphawatch/internal/ledger"
)

// Pruner deletes audit rows older than a cutoff. *audit.Postgres implements it.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

// Config controls maintenance task intervals. Zero duration disables a task.
type Config struct {
	SweepInterval  time.Duration // Expired ledger entries
	PruneInterval  time.Duration // Audit retention
	AuditRetention time.Duration
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:  30 * time.Minute,
		PruneInterval:  6 * time.Hour,
		AuditRetention: 30 * 24 * time.Hour,
	}
}

// Start launches all configured maintenance tickers. pruner may be nil when
// attempts are not persisted. Blocks until ctx is cancelled. Intended to be
// called with `go`.
func Start(ctx context.Context, store ledger.Store, pruner Pruner, cfg Config, logger *slog.Logger) {
	logger.Info("Maintenance tickers started",
		"sweep", cfg.SweepInterval,
		"prune", cfg.PruneInterval,
		"retention", cfg.AuditRetention)

	tickers := make([]*time.Ticker, 0, 2)
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
	}()

	if cfg.SweepInterval > 0 && store != nil {
		t := time.NewTicker(cfg.SweepInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { Sweep(ctx, store, time.Now(), logger) })
	}

	if cfg.PruneInterval > 0 && cfg.AuditRetention > 0 && pruner != nil {
		t := time.NewTicker(cfg.PruneInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { Prune(ctx, pruner, time.Now().Add(-cfg.AuditRetention), logger) })
	}

	<-ctx.Done()
	logger.Info("Maintenance tickers stopped")
}

func runLoop(ctx context.Context, ch <-chan time.Time, fn func()) {
	for {
		select {
		case <-ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}
