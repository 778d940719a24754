// Package ledger records which reminders have been claimed and how they were
// resolved, so that each reminder is dispatched at most once across ticks,
// restarts and competing evaluators.
//
// Every backend implements the same claim protocol: a claim inserts an
// in_flight entry only when no live entry exists for the key. Expired entries
// count as absent.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/albapepper/alphawatch/internal/channel"
	"github.com/albapepper/alphawatch/internal/event"
)

var (
	// ErrClaimLost is returned by Resolve when the caller no longer owns the
	// in-flight claim (it expired and another evaluator reclaimed the key).
	ErrClaimLost = errors.New("ledger: claim lost")
	// ErrNotFound is returned by Get and Release for unknown keys.
	ErrNotFound = errors.New("ledger: entry not found")
)

// Status is the state of a ledger entry.
type Status string

const (
	StatusInFlight Status = "in_flight"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
)

// Terminal reports whether s is a resolved status.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusSkipped
}

// ParseStatus accepts the persisted spelling of a status.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusInFlight, StatusSent, StatusFailed, StatusSkipped:
		return s, nil
	default:
		return "", fmt.Errorf("unknown ledger status %q", raw)
	}
}

// TaskKey identifies one reminder: an event, an offset (nil for the TBA
// alert) and the configured channel. The effective channel after quiet-hours
// downgrade is deliberately not part of the key.
type TaskKey struct {
	Event   event.Key
	Offset  *int
	Channel channel.Channel
}

// NewTaskKey builds a key, copying the offset.
func NewTaskKey(k event.Key, offset *int, ch channel.Channel) TaskKey {
	var off *int
	if offset != nil {
		o := *offset
		off = &o
	}
	return TaskKey{Event: k, Offset: off, Channel: ch}
}

// String renders TOKEN|raw time|offset|channel, the form persisted by every
// backend.
func (k TaskKey) String() string {
	offset := "tba"
	if k.Offset != nil {
		offset = strconv.Itoa(*k.Offset)
	}
	return k.Event.String() + "|" + offset + "|" + string(k.Channel)
}

// ParseTaskKey is the inverse of TaskKey.String. The raw time may itself
// contain separators, so the offset and channel are taken from the right.
func ParseTaskKey(s string) (TaskKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) < 4 {
		return TaskKey{}, fmt.Errorf("task key %q: want TOKEN|TIME|OFFSET|CHANNEL", s)
	}
	n := len(parts)
	ch, err := channel.Parse(parts[n-1])
	if err != nil || ch == "" {
		return TaskKey{}, fmt.Errorf("task key %q: invalid channel", s)
	}

	var offset *int
	if parts[n-2] != "tba" {
		o, err := strconv.Atoi(parts[n-2])
		if err != nil || o < 0 {
			return TaskKey{}, fmt.Errorf("task key %q: invalid offset", s)
		}
		offset = &o
	}

	return TaskKey{
		Event: event.Key{
			Token:   event.NormalizeToken(parts[0]),
			RawTime: event.NormalizeRawTime(strings.Join(parts[1:n-2], "|")),
		},
		Offset:  offset,
		Channel: ch,
	}, nil
}

// Outcome is the result of a claim attempt.
type Outcome int

const (
	// Claimed means the caller owns the key and must resolve it.
	Claimed Outcome = iota
	// AlreadyResolved means a live terminal entry exists; Claim.Status says which.
	AlreadyResolved
	// InFlight means another owner holds a live claim.
	InFlight
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case AlreadyResolved:
		return "already_resolved"
	default:
		return "in_flight"
	}
}

// Claim is returned by TryClaim.
type Claim struct {
	Outcome   Outcome
	Status    Status
	ExpiresAt time.Time
}

// Entry is a persisted ledger row.
type Entry struct {
	Key        string    `json:"key"`
	Status     Status    `json:"status"`
	Owner      string    `json:"owner"`
	ClaimedAt  time.Time `json:"claimed_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Attempts   int       `json:"attempts"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the entry counts as absent at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

func (e Entry) claim() Claim {
	if e.Status == StatusInFlight {
		return Claim{Outcome: InFlight, Status: e.Status, ExpiresAt: e.ExpiresAt}
	}
	return Claim{Outcome: AlreadyResolved, Status: e.Status, ExpiresAt: e.ExpiresAt}
}

// Store is the dedupe ledger.
type Store interface {
	// TryClaim atomically inserts an in_flight entry owned by this store's
	// owner unless a live entry already exists.
	TryClaim(ctx context.Context, key TaskKey, now time.Time) (Claim, error)
	// Resolve records a terminal status for a key this owner claimed.
	Resolve(ctx context.Context, key TaskKey, status Status, at time.Time, reason string, attempts int) error
	// Sweep removes entries expired at now and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
	// Get returns the entry for key, expired or not.
	Get(ctx context.Context, key TaskKey) (Entry, error)
	// Release deletes the entry so the next tick may fire the reminder again.
	Release(ctx context.Context, key TaskKey) error
	// Touch pushes the expiry of a live resolved entry out to now plus the
	// resolved TTL. In-flight, expired and missing entries are left alone.
	Touch(ctx context.Context, key TaskKey, now time.Time) error
	Close() error
}

// Pinger is implemented by stores backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configure every backend.
type Options struct {
	ResolvedTTL time.Duration
	ClaimTTL    time.Duration
	Owner       string
}

const (
	defaultResolvedTTL = 48 * time.Hour
	defaultClaimTTL    = 10 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.ResolvedTTL <= 0 {
		o.ResolvedTTL = defaultResolvedTTL
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = defaultClaimTTL
	}
	if o.Owner == "" {
		o.Owner = uuid.NewString()
	}
	return o
}

// Validate rejects option sets that would let a stale claim outlive a
// resolution.
func (o Options) Validate() error {
	o = o.withDefaults()
	if o.ClaimTTL >= o.ResolvedTTL {
		return fmt.Errorf("claim TTL %s must be shorter than resolved TTL %s", o.ClaimTTL, o.ResolvedTTL)
	}
	return nil
}

func checkResolvable(status Status) error {
	if !status.Terminal() {
		return fmt.Errorf("resolve with non-terminal status %q", status)
	}
	return nil
}
