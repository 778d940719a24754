package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores the ledger in the reminder_ledger table. The table is
// created by the db package migration.
type Postgres struct {
	pool *pgxpool.Pool
	opts Options
}

// NewPostgres wraps an existing pool. The pool is owned by the caller.
func NewPostgres(pool *pgxpool.Pool, opts Options) *Postgres {
	return &Postgres{pool: pool, opts: opts.withDefaults()}
}

const pgClaimSQL = `
	INSERT INTO reminder_ledger (task_key, status, owner, claimed_at, resolved_at, reason, attempts, expires_at)
	VALUES ($1, 'in_flight', $2, $3, NULL, '', 0, $4)
	ON CONFLICT (task_key) DO UPDATE SET
		status = 'in_flight',
		owner = EXCLUDED.owner,
		claimed_at = EXCLUDED.claimed_at,
		resolved_at = NULL,
		reason = '',
		attempts = 0,
		expires_at = EXCLUDED.expires_at
	WHERE reminder_ledger.expires_at <= EXCLUDED.claimed_at
	RETURNING expires_at`

// TryClaim upserts the claim; the conflict branch only fires when the existing
// row is expired, so a live row makes the statement return no rows.
func (p *Postgres) TryClaim(ctx context.Context, key TaskKey, now time.Time) (Claim, error) {
	k := key.String()
	var expires time.Time
	err := p.pool.QueryRow(ctx, pgClaimSQL, k, p.opts.Owner, now, now.Add(p.opts.ClaimTTL)).Scan(&expires)
	if err == nil {
		return Claim{Outcome: Claimed, Status: StatusInFlight, ExpiresAt: expires}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Claim{}, fmt.Errorf("claim reminder: %w", err)
	}

	var status string
	err = p.pool.QueryRow(ctx,
		`SELECT status, expires_at FROM reminder_ledger WHERE task_key = $1`, k,
	).Scan(&status, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		// Swept between the two statements; treat as contention.
		return Claim{Outcome: InFlight, Status: StatusInFlight}, nil
	}
	if err != nil {
		return Claim{}, fmt.Errorf("read ledger entry: %w", err)
	}
	st, err := ParseStatus(status)
	if err != nil {
		return Claim{}, fmt.Errorf("read ledger entry: %w", err)
	}
	return Entry{Status: st, ExpiresAt: expires}.claim(), nil
}

func (p *Postgres) Resolve(ctx context.Context, key TaskKey, status Status, at time.Time, reason string, attempts int) error {
	if err := checkResolvable(status); err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE reminder_ledger
		SET status = $3, resolved_at = $4, reason = $5, attempts = $6, expires_at = $7
		WHERE task_key = $1 AND owner = $2 AND status = 'in_flight'`,
		key.String(), p.opts.Owner, string(status), at, reason, attempts, at.Add(p.opts.ResolvedTTL),
	)
	if err != nil {
		return fmt.Errorf("resolve reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (p *Postgres) Sweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM reminder_ledger WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep ledger: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) Get(ctx context.Context, key TaskKey) (Entry, error) {
	var (
		e        Entry
		status   string
		resolved *time.Time
	)
	err := p.pool.QueryRow(ctx, `
		SELECT task_key, status, owner, claimed_at, resolved_at, reason, attempts, expires_at
		FROM reminder_ledger WHERE task_key = $1`, key.String(),
	).Scan(&e.Key, &status, &e.Owner, &e.ClaimedAt, &resolved, &e.Reason, &e.Attempts, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get ledger entry: %w", err)
	}
	if e.Status, err = ParseStatus(status); err != nil {
		return Entry{}, fmt.Errorf("get ledger entry: %w", err)
	}
	if resolved != nil {
		e.ResolvedAt = *resolved
	}
	return e, nil
}

func (p *Postgres) Release(ctx context.Context, key TaskKey) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM reminder_ledger WHERE task_key = $1`, key.String())
	if err != nil {
		return fmt.Errorf("release ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Touch(ctx context.Context, key TaskKey, now time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE reminder_ledger SET expires_at = GREATEST(expires_at, $2)
		WHERE task_key = $1 AND status <> 'in_flight' AND expires_at > $3`,
		key.String(), now.Add(p.opts.ResolvedTTL), now,
	)
	if err != nil {
		return fmt.Errorf("touch ledger entry: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close is a no-op; the pool is shared with the rest of the process.
func (p *Postgres) Close() error { return nil }
