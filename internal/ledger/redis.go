package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "alphawatch:ledger:"

// Redis stores each entry as a JSON value whose key TTL is the entry expiry,
// so expired entries disappear without a sweep.
type Redis struct {
	client *redis.Client
	opts   Options
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int, opts Options) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Redis{client: client, opts: opts.withDefaults()}, nil
}

// resolveScript swaps in the resolved entry only while the caller still owns
// the in-flight claim.
var resolveScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	return 0
end
local e = cjson.decode(cur)
if e.owner ~= ARGV[1] or e.status ~= 'in_flight' then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// touchScript rewrites the entry only if nobody changed it since it was read.
var touchScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

func (r *Redis) key(k TaskKey) string {
	return redisKeyPrefix + k.String()
}

func (r *Redis) TryClaim(ctx context.Context, key TaskKey, now time.Time) (Claim, error) {
	e := Entry{
		Key:       key.String(),
		Status:    StatusInFlight,
		Owner:     r.opts.Owner,
		ClaimedAt: now,
		ExpiresAt: now.Add(r.opts.ClaimTTL),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return Claim{}, fmt.Errorf("marshal claim: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.key(key), data, r.opts.ClaimTTL).Result()
	if err != nil {
		return Claim{}, fmt.Errorf("claim reminder: %w", err)
	}
	if ok {
		return Claim{Outcome: Claimed, Status: StatusInFlight, ExpiresAt: e.ExpiresAt}, nil
	}

	existing, err := r.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		// Expired between SETNX and GET.
		return Claim{Outcome: InFlight, Status: StatusInFlight}, nil
	}
	if err != nil {
		return Claim{}, err
	}
	return existing.claim(), nil
}

func (r *Redis) Resolve(ctx context.Context, key TaskKey, status Status, at time.Time, reason string, attempts int) error {
	if err := checkResolvable(status); err != nil {
		return err
	}
	e := Entry{
		Key:        key.String(),
		Status:     status,
		Owner:      r.opts.Owner,
		ResolvedAt: at,
		Reason:     reason,
		Attempts:   attempts,
		ExpiresAt:  at.Add(r.opts.ResolvedTTL),
	}
	if cur, err := r.Get(ctx, key); err == nil {
		e.ClaimedAt = cur.ClaimedAt
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}

	n, err := resolveScript.Run(ctx, r.client, []string{r.key(key)},
		r.opts.Owner, string(data), r.opts.ResolvedTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("resolve reminder: %w", err)
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

// Sweep is a no-op: Redis expires keys itself.
func (r *Redis) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *Redis) Get(ctx context.Context, key TaskKey) (Entry, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get ledger entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decode ledger entry: %w", err)
	}
	if e.Status, err = ParseStatus(string(e.Status)); err != nil {
		return Entry{}, fmt.Errorf("decode ledger entry: %w", err)
	}
	return e, nil
}

func (r *Redis) Touch(ctx context.Context, key TaskKey, now time.Time) error {
	cur, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("touch ledger entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(cur, &e); err != nil {
		return fmt.Errorf("decode ledger entry: %w", err)
	}
	exp := now.Add(r.opts.ResolvedTTL)
	if !e.Status.Terminal() || !exp.After(e.ExpiresAt) {
		return nil
	}
	e.ExpiresAt = exp
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	if err := touchScript.Run(ctx, r.client, []string{r.key(key)},
		string(cur), string(data), r.opts.ResolvedTTL.Milliseconds(),
	).Err(); err != nil {
		return fmt.Errorf("touch ledger entry: %w", err)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, key TaskKey) error {
	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return fmt.Errorf("release ledger entry: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
