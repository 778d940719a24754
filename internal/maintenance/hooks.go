package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/albapepper/alphawatch/internal/ledger"
)

// Sweep removes ledger entries whose TTL ran out before now. Shared by the
// ticker and `alphawatch ledger sweep`.
func Sweep(ctx context.Context, store ledger.Store, now time.Time, logger *slog.Logger) (int, error) {
	start := time.Now()
	n, err := store.Sweep(ctx, now)
	dur := time.Since(start).Round(time.Millisecond)
	if err != nil {
		logger.Warn("Sweep: failed to remove expired ledger entries", "duration", dur, "error", err)
		return 0, err
	}
	if n > 0 {
		logger.Info("Sweep: removed expired ledger entries", "count", n, "duration", dur)
	}
	return n, nil
}

// Prune removes audit rows written before the cutoff.
func Prune(ctx context.Context, pruner Pruner, before time.Time, logger *slog.Logger) (int, error) {
	n, err := pruner.Prune(ctx, before)
	if err != nil {
		logger.Warn("Prune: failed to remove old audit rows", "before", before, "error", err)
		return n, err
	}
	if n > 0 {
		logger.Info("Prune: removed old audit rows", "count", n, "before", before)
	}
	return n, nil
}
