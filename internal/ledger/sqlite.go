package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLite stores the ledger in a local database file. Times are persisted as
// unix milliseconds.
type SQLite struct {
	db   *sql.DB
	opts Options
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers, which makes the claim upsert
	// atomic within the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLite{db: db, opts: opts.withDefaults()}, nil
}

const sqliteClaimSQL = `
	INSERT INTO reminder_ledger (task_key, status, owner, claimed_at, resolved_at, reason, attempts, expires_at)
	VALUES (?, 'in_flight', ?, ?, NULL, '', 0, ?)
	ON CONFLICT(task_key) DO UPDATE SET
		status = 'in_flight',
		owner = excluded.owner,
		claimed_at = excluded.claimed_at,
		resolved_at = NULL,
		reason = '',
		attempts = 0,
		expires_at = excluded.expires_at
	WHERE reminder_ledger.expires_at <= excluded.claimed_at
	RETURNING expires_at`

func (s *SQLite) TryClaim(ctx context.Context, key TaskKey, now time.Time) (Claim, error) {
	k := key.String()
	var expires int64
	err := s.db.QueryRowContext(ctx, sqliteClaimSQL,
		k, s.opts.Owner, now.UnixMilli(), now.Add(s.opts.ClaimTTL).UnixMilli(),
	).Scan(&expires)
	if err == nil {
		return Claim{Outcome: Claimed, Status: StatusInFlight, ExpiresAt: time.UnixMilli(expires)}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Claim{}, fmt.Errorf("claim reminder: %w", err)
	}

	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT status, expires_at FROM reminder_ledger WHERE task_key = ?`, k,
	).Scan(&status, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Claim{Outcome: InFlight, Status: StatusInFlight}, nil
	}
	if err != nil {
		return Claim{}, fmt.Errorf("read ledger entry: %w", err)
	}
	st, err := ParseStatus(status)
	if err != nil {
		return Claim{}, fmt.Errorf("read ledger entry: %w", err)
	}
	return Entry{Status: st, ExpiresAt: time.UnixMilli(expires)}.claim(), nil
}

func (s *SQLite) Resolve(ctx context.Context, key TaskKey, status Status, at time.Time, reason string, attempts int) error {
	if err := checkResolvable(status); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminder_ledger
		SET status = ?, resolved_at = ?, reason = ?, attempts = ?, expires_at = ?
		WHERE task_key = ? AND owner = ? AND status = 'in_flight'`,
		string(status), at.UnixMilli(), reason, attempts, at.Add(s.opts.ResolvedTTL).UnixMilli(),
		key.String(), s.opts.Owner,
	)
	if err != nil {
		return fmt.Errorf("resolve reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *SQLite) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminder_ledger WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep ledger: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) Get(ctx context.Context, key TaskKey) (Entry, error) {
	var (
		e                Entry
		status           string
		claimed, expires int64
		resolved         sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT task_key, status, owner, claimed_at, resolved_at, reason, attempts, expires_at
		FROM reminder_ledger WHERE task_key = ?`, key.String(),
	).Scan(&e.Key, &status, &e.Owner, &claimed, &resolved, &e.Reason, &e.Attempts, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get ledger entry: %w", err)
	}
	if e.Status, err = ParseStatus(status); err != nil {
		return Entry{}, fmt.Errorf("get ledger entry: %w", err)
	}
	e.ClaimedAt = time.UnixMilli(claimed)
	e.ExpiresAt = time.UnixMilli(expires)
	if resolved.Valid {
		e.ResolvedAt = time.UnixMilli(resolved.Int64)
	}
	return e, nil
}

func (s *SQLite) Release(ctx context.Context, key TaskKey) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminder_ledger WHERE task_key = ?`, key.String())
	if err != nil {
		return fmt.Errorf("release ledger entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Touch(ctx context.Context, key TaskKey, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reminder_ledger SET expires_at = MAX(expires_at, ?)
		WHERE task_key = ? AND status <> 'in_flight' AND expires_at > ?`,
		now.Add(s.opts.ResolvedTTL).UnixMilli(), key.String(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("touch ledger entry: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
