package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Backend selects and configures a ledger implementation.
type Backend struct {
	Driver        string // postgres, sqlite, redis or memory
	Pool          *pgxpool.Pool
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open builds the store named by b.Driver.
func Open(ctx context.Context, b Backend, opts Options) (Store, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(b.Driver)) {
	case "postgres", "pg":
		if b.Pool == nil {
			return nil, errors.New("postgres ledger requires a database pool")
		}
		return NewPostgres(b.Pool, opts), nil
	case "sqlite", "":
		return OpenSQLite(ctx, b.SQLitePath, opts)
	case "redis":
		if b.RedisAddr == "" {
			return nil, errors.New("redis ledger requires REDIS_ADDR")
		}
		return NewRedis(ctx, b.RedisAddr, b.RedisPassword, b.RedisDB, opts)
	case "memory":
		return NewMemory(opts), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", b.Driver)
	}
}
