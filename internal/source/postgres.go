package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/alphawatch/internal/event"
)

// NotifyChannel is the Postgres channel signalled after events are ingested.
const NotifyChannel = "alpha_events_ingested"

// Postgres reads events from alpha_events. The table holds one row per
// identity, so the latest scrape of each event is what Load returns.
type Postgres struct {
	pool    *pgxpool.Pool
	loc     *time.Location
	horizon time.Duration
	logger  *slog.Logger
}

// NewPostgres creates a table-backed source. Events that started more than
// horizon ago are not loaded.
func NewPostgres(pool *pgxpool.Pool, loc *time.Location, horizon time.Duration, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	return &Postgres{pool: pool, loc: loc, horizon: horizon, logger: logger}
}

func (p *Postgres) Load(ctx context.Context, now time.Time) ([]event.Record, error) {
	rows, err := p.pool.Query(ctx, "events_active", now.Add(-p.horizon))
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var records []event.Record
	for rows.Next() {
		var (
			r       event.Record
			start   *time.Time
			details []byte
			origin  string
		)
		if err := rows.Scan(&r.Token, &r.Section, &r.RawTime, &start, &details, &origin); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if start != nil {
			t := start.In(p.loc)
			r.StartTime = &t
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &r.Details); err != nil {
				p.logger.Warn("Invalid event details", "token", r.Token, "error", err)
			}
		}
		r.Origin = event.Origin(origin)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return event.Resolve(records, p.loc, now), nil
}

// Upsert stores records by identity and signals NotifyChannel once. A DOM
// record never overwrites a network record for the same identity.
func (p *Postgres) Upsert(ctx context.Context, records []event.Record) (int, error) {
	records = event.Latest(records)
	if len(records) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		k := r.Key()
		details, err := json.Marshal(r.Details)
		if err != nil {
			return 0, fmt.Errorf("encode details for %s: %w", k, err)
		}
		origin := r.Origin
		if origin == "" {
			origin = event.OriginNetwork
		}
		batch.Queue(`
			INSERT INTO alpha_events (token, raw_time, section, start_time, details, origin, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (token, raw_time) DO UPDATE SET
				section = EXCLUDED.section,
				start_time = EXCLUDED.start_time,
				details = EXCLUDED.details,
				origin = EXCLUDED.origin,
				updated_at = NOW()
			WHERE NOT (alpha_events.origin = 'json' AND EXCLUDED.origin = 'dom')`,
			k.Token, k.RawTime, r.Section, r.StartTime, details, string(origin),
		)
	}
	batch.Queue(`SELECT pg_notify($1, $2)`, NotifyChannel, strconv.Itoa(len(records)))

	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("upsert events: %w", err)
	}
	p.logger.Info("Events upserted", "count", len(records))
	return len(records), nil
}
