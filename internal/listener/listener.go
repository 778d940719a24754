// Package listener provides a Postgres LISTEN/NOTIFY consumer that wakes the
// evaluator as soon as new events are ingested. It holds a dedicated pgx
// connection (not from the pool) listening on `alpha_events_ingested`.
//
// Scrapers that write to alpha_events directly, and the ingest API, fire
// pg_notify after an upsert. Each notification triggers a tick instead of
// waiting for the next cron slot.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/albapepper/alphawatch/internal/source"
)

const (
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
)

// Start opens a dedicated connection and listens on the ingest channel. It
// reconnects automatically on connection loss. Blocks until ctx is
// cancelled. Intended to be called with `go`.
func Start(ctx context.Context, dbURL string, onIngest func(payload string), logger *slog.Logger) {
	backoff := reconnectBackoff

	for {
		err := listenLoop(ctx, dbURL, onIngest, logger)
		if ctx.Err() != nil {
			logger.Info("Ingest listener stopped (context cancelled)")
			return
		}

		logger.Error("Ingest listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff)
		case <-ctx.Done():
			return
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	return min(d*2, maxReconnect)
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func listenLoop(ctx context.Context, dbURL string, onIngest func(string), logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{source.NotifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("LISTEN %s: %w", source.NotifyChannel, err)
	}
	logger.Info("Ingest listener connected", "channel", source.NotifyChannel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		logger.Debug("Ingest notification received", "payload", notification.Payload)
		onIngest(notification.Payload)
	}
}
