package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/albapepper/alphawatch/internal/channel"
	"github.com/albapepper/alphawatch/internal/event"
)

func offset(n int) *int { return &n }

func testKey() TaskKey {
	return NewTaskKey(event.Key{Token: "ALPHA", RawTime: "10:00"}, offset(30), channel.Voice)
}

func testOptions(owner string) Options {
	return Options{ResolvedTTL: 48 * time.Hour, ClaimTTL: 10 * time.Minute, Owner: owner}
}

// backends returns a fresh store per backend that runs without external
// services.
func backends(t *testing.T, owner string) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), testOptions(owner))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(testOptions(owner)),
		"sqlite": sqlite,
	}
}

func TestTaskKeyRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		key  TaskKey
		want string
	}{
		{key: testKey(), want: "ALPHA|10:00|30|voice"},
		{key: NewTaskKey(event.Key{Token: "BETA", RawTime: event.TBA}, nil, channel.WeChat), want: "BETA|TBA|tba|wechat"},
		{key: NewTaskKey(event.Key{Token: "GAMMA", RawTime: "a|b"}, offset(5), channel.SMS), want: "GAMMA|a|b|5|sms"},
	}
	for _, tt := range tests {
		if got := tt.key.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		parsed, err := ParseTaskKey(tt.want)
		if err != nil {
			t.Fatalf("ParseTaskKey(%q): %v", tt.want, err)
		}
		if parsed.String() != tt.want {
			t.Errorf("ParseTaskKey(%q) = %q", tt.want, parsed.String())
		}
	}

	for _, bad := range []string{"ALPHA|10:00", "ALPHA|10:00|x|voice", "ALPHA|10:00|30|pager"} {
		if _, err := ParseTaskKey(bad); err == nil {
			t.Errorf("ParseTaskKey(%q) accepted", bad)
		}
	}
}

func TestClaimLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 5, 26, 9, 30, 0, 0, time.UTC)

	for name, store := range backends(t, "owner-a") {
		store := store
		t.Run(name, func(t *testing.T) {
			key := testKey()

			c, err := store.TryClaim(ctx, key, now)
			if err != nil || c.Outcome != Claimed {
				t.Fatalf("first claim = %v, %v; want claimed", c.Outcome, err)
			}

			c, err = store.TryClaim(ctx, key, now.Add(time.Minute))
			if err != nil || c.Outcome != InFlight {
				t.Fatalf("second claim = %v, %v; want in_flight", c.Outcome, err)
			}

			if err := store.Resolve(ctx, key, StatusSent, now.Add(2*time.Minute), "", 1); err != nil {
				t.Fatalf("resolve: %v", err)
			}

			c, err = store.TryClaim(ctx, key, now.Add(time.Hour))
			if err != nil || c.Outcome != AlreadyResolved || c.Status != StatusSent {
				t.Fatalf("claim after resolve = %v/%s, %v; want already_resolved/sent", c.Outcome, c.Status, err)
			}

			e, err := store.Get(ctx, key)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if e.Status != StatusSent || e.Attempts != 1 || e.Owner != "owner-a" {
				t.Fatalf("entry = %+v", e)
			}
			if want := now.Add(2*time.Minute + 48*time.Hour); !e.ExpiresAt.Equal(want) {
				t.Fatalf("expires = %v, want %v", e.ExpiresAt, want)
			}
		})
	}
}

func TestExpiredEntriesCountAsAbsent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 5, 26, 9, 30, 0, 0, time.UTC)

	for name, store := range backends(t, "owner-a") {
		store := store
		t.Run(name, func(t *testing.T) {
			key := testKey()
			if _, err := store.TryClaim(ctx, key, now); err != nil {
				t.Fatal(err)
			}
			// In-flight claim expires after the claim TTL.
			c, err := store.TryClaim(ctx, key, now.Add(10*time.Minute))
			if err != nil || c.Outcome != Claimed {
				t.Fatalf("reclaim after claim TTL = %v, %v; want claimed", c.Outcome, err)
			}
			if err := store.Resolve(ctx, key, StatusFailed, now.Add(11*time.Minute), "boom", 3); err != nil {
				t.Fatal(err)
			}

			n, err := store.Sweep(ctx, now.Add(time.Hour))
			if err != nil || n != 0 {
				t.Fatalf("early sweep removed %d, %v", n, err)
			}
			n, err = store.Sweep(ctx, now.Add(11*time.Minute+48*time.Hour))
			if err != nil || n != 1 {
				t.Fatalf("sweep removed %d, %v; want 1", n, err)
			}
			if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get after sweep: %v, want ErrNotFound", err)
			}
		})
	}
}

func TestResolveRequiresOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 5, 26, 9, 30, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "shared.db")

	a, err := OpenSQLite(ctx, path, testOptions("owner-a"))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	key := testKey()
	if c, _ := a.TryClaim(ctx, key, now); c.Outcome != Claimed {
		t.Fatalf("owner-a claim = %v", c.Outcome)
	}
	a.Close()

	// owner-b reclaims after the claim TTL elapsed.
	b, err := OpenSQLite(ctx, path, testOptions("owner-b"))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if c, _ := b.TryClaim(ctx, key, now.Add(15*time.Minute)); c.Outcome != Claimed {
		t.Fatalf("owner-b claim = %v", c.Outcome)
	}

	stale, err := OpenSQLite(ctx, path, testOptions("owner-a"))
	if err != nil {
		t.Fatal(err)
	}
	defer stale.Close()
	if err := stale.Resolve(ctx, key, StatusSent, now.Add(16*time.Minute), "", 1); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("stale resolve = %v, want ErrClaimLost", err)
	}
	if err := b.Resolve(ctx, key, StatusSent, now.Add(16*time.Minute), "", 1); err != nil {
		t.Fatalf("owner resolve: %v", err)
	}
}

func TestConcurrentClaimsYieldOneWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 5, 26, 9, 30, 0, 0, time.UTC)

	for name, store := range backends(t, "owner-a") {
		store := store
		t.Run(name, func(t *testing.T) {
			const workers = 16
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				claimed int
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c, err := store.TryClaim(ctx, testKey(), now)
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if c.Outcome == Claimed {
						mu.Lock()
						claimed++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if claimed != 1 {
				t.Fatalf("claimed = %d, want exactly 1", claimed)
			}
		})
	}
}

func TestReleaseAllowsRefire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 5, 26, 9, 30, 0, 0, time.UTC)
	store := NewMemory(testOptions("owner-a"))
	key := testKey()

	if err := store.Release(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("release unknown = %v, want ErrNotFound", err)
	}
	store.TryClaim(ctx, key, now)
	store.Resolve(ctx, key, StatusFailed, now, "http 500", 3)
	if err := store.Release(ctx, key); err != nil {
		t.Fatalf("release: %v", err)
	}
	if c, _ := store.TryClaim(ctx, key, now.Add(time.Minute)); c.Outcome != Claimed {
		t.Fatalf("claim after release = %v, want claimed", c.Outcome)
	}
}

func TestResolveRejectsNonTerminalStatus(t *testing.T) {
	t.Parallel()
	store := NewMemory(testOptions("owner-a"))
	if err := store.Resolve(context.Background(), testKey(), StatusInFlight, time.Now(), "", 0); err == nil {
		t.Fatal("expected error for in_flight resolution")
	}
}

func TestOptionsValidate(t *testing.T) {
	t.Parallel()
	if err := (Options{ResolvedTTL: time.Hour, ClaimTTL: 2 * time.Hour}).Validate(); err == nil {
		t.Fatal("claim TTL longer than resolved TTL accepted")
	}
	if err := (Options{}).Validate(); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}
	if _, err := Open(context.Background(), Backend{Driver: "etcd"}, Options{}); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestTouchExtendsResolvedEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 5, 26, 9, 30, 0, 0, time.UTC)

	for name, store := range backends(t, "owner-a") {
		store := store
		t.Run(name, func(t *testing.T) {
			key := testKey()
			if _, err := store.TryClaim(ctx, key, now); err != nil {
				t.Fatal(err)
			}
			// In-flight entries keep their claim TTL.
			if err := store.Touch(ctx, key, now.Add(time.Minute)); err != nil {
				t.Fatalf("touch in-flight: %v", err)
			}
			if e, _ := store.Get(ctx, key); !e.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
				t.Fatalf("in-flight expiry moved to %v", e.ExpiresAt)
			}

			if err := store.Resolve(ctx, key, StatusSent, now, "", 1); err != nil {
				t.Fatal(err)
			}
			later := now.Add(40 * time.Hour)
			if err := store.Touch(ctx, key, later); err != nil {
				t.Fatalf("touch: %v", err)
			}
			e, err := store.Get(ctx, key)
			if err != nil {
				t.Fatal(err)
			}
			if want := later.Add(48 * time.Hour); !e.ExpiresAt.Equal(want) {
				t.Fatalf("expires = %v, want %v", e.ExpiresAt, want)
			}

			// Past the original TTL the entry is still live.
			c, err := store.TryClaim(ctx, key, now.Add(60*time.Hour))
			if err != nil || c.Outcome != AlreadyResolved {
				t.Fatalf("claim after original TTL = %v, %v; want already_resolved", c.Outcome, err)
			}

			// An earlier touch never shortens the expiry.
			if err := store.Touch(ctx, key, now); err != nil {
				t.Fatal(err)
			}
			if e, _ := store.Get(ctx, key); !e.ExpiresAt.Equal(later.Add(48 * time.Hour)) {
				t.Fatalf("expiry shortened to %v", e.ExpiresAt)
			}

			// Expired and missing entries are left alone.
			if err := store.Touch(ctx, key, later.Add(49*time.Hour)); err != nil {
				t.Fatal(err)
			}
			if e, _ := store.Get(ctx, key); !e.ExpiresAt.Equal(later.Add(48 * time.Hour)) {
				t.Fatalf("expired entry revived until %v", e.ExpiresAt)
			}
			other := NewTaskKey(event.Key{Token: "OTHER", RawTime: event.TBA}, nil, channel.Voice)
			if err := store.Touch(ctx, other, now); err != nil {
				t.Fatalf("touch missing: %v", err)
			}
			if _, err := store.Get(ctx, other); !errors.Is(err, ErrNotFound) {
				t.Fatalf("touch created an entry: %v", err)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"sent", " Failed ", "skipped", "in_flight"} {
		if _, err := ParseStatus(raw); err != nil {
			t.Errorf("ParseStatus(%q): %v", raw, err)
		}
	}
	if _, err := ParseStatus("delivered"); err == nil {
		t.Error("unknown status accepted")
	}
}

func TestSQLiteRejectsUnknownStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"), testOptions("owner-a"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	key := testKey()
	if _, err := store.db.ExecContext(ctx, `
		INSERT INTO reminder_ledger (task_key, status, owner, claimed_at, reason, attempts, expires_at)
		VALUES (?, 'delivered', 'x', 0, '', 0, ?)`,
		key.String(), time.Now().Add(time.Hour).UnixMilli(),
	); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, key); err == nil {
		t.Fatal("Get accepted an unknown status")
	}
	if _, err := store.TryClaim(ctx, key, time.Now()); err == nil {
		t.Fatal("TryClaim accepted an unknown status")
	}
}
