package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/alphawatch/internal/channel"
)

// Postgres writes audit rows to alpha_notification_logs and
// alpha_notification_resolutions.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps a shared pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) RecordAttempt(ctx context.Context, a Attempt) error {
	var errText *string
	if a.Error != "" {
		errText = &a.Error
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO alpha_notification_logs (
			task_key, attempt_no, channel, provider, endpoint, payload,
			response_code, response_body, error, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.TaskKey, a.AttemptNo, string(a.Channel), a.Provider, a.Endpoint, a.Payload,
		a.ResponseCode, a.ResponseBody, errText, a.At,
	)
	if err != nil {
		return fmt.Errorf("insert attempt log: %w", err)
	}
	return nil
}

func (p *Postgres) RecordResolution(ctx context.Context, r Resolution) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO alpha_notification_resolutions (task_key, status, reason, attempts, resolved_at)
		VALUES ($1,$2,$3,$4,$5)`,
		r.TaskKey, r.Status, r.Reason, r.Attempts, r.At,
	)
	if err != nil {
		return fmt.Errorf("insert resolution log: %w", err)
	}
	return nil
}

// Recent returns the latest attempts for a task key, newest first.
func (p *Postgres) Recent(ctx context.Context, taskKey string, limit int) ([]Attempt, error) {
	rows, err := p.pool.Query(ctx, "audit_attempts_for_task", taskKey, limit)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a       Attempt
			ch      string
			errText *string
		)
		if err := rows.Scan(&a.TaskKey, &a.AttemptNo, &ch, &a.Provider, &a.Endpoint, &a.ResponseCode, &errText, &a.At); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Channel = channel.Channel(ch)
		if errText != nil {
			a.Error = *errText
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Prune deletes audit rows older than before and returns the number removed.
func (p *Postgres) Prune(ctx context.Context, before time.Time) (int, error) {
	total := 0
	for _, q := range []string{
		`DELETE FROM alpha_notification_logs WHERE created_at < $1`,
		`DELETE FROM alpha_notification_resolutions WHERE resolved_at < $1`,
	} {
		tag, err := p.pool.Exec(ctx, q, before)
		if err != nil {
			return total, fmt.Errorf("prune audit: %w", err)
		}
		total += int(tag.RowsAffected())
	}
	return total, nil
}
