package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process ledger. State is lost on restart, so it only suits
// tests and RUN_ONCE dry runs.
type Memory struct {
	mu      sync.Mutex
	opts    Options
	entries map[string]Entry
}

// NewMemory creates an empty in-memory ledger.
func NewMemory(opts Options) *Memory {
	return &Memory{opts: opts.withDefaults(), entries: make(map[string]Entry)}
}

func (m *Memory) TryClaim(_ context.Context, key TaskKey, now time.Time) (Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key.String()
	if e, ok := m.entries[k]; ok && !e.Expired(now) {
		return e.claim(), nil
	}
	e := Entry{
		Key:       k,
		Status:    StatusInFlight,
		Owner:     m.opts.Owner,
		ClaimedAt: now,
		ExpiresAt: now.Add(m.opts.ClaimTTL),
	}
	m.entries[k] = e
	return Claim{Outcome: Claimed, Status: StatusInFlight, ExpiresAt: e.ExpiresAt}, nil
}

func (m *Memory) Resolve(_ context.Context, key TaskKey, status Status, at time.Time, reason string, attempts int) error {
	if err := checkResolvable(status); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key.String()
	e, ok := m.entries[k]
	if !ok || e.Owner != m.opts.Owner || e.Status != StatusInFlight {
		return ErrClaimLost
	}
	e.Status = status
	e.ResolvedAt = at
	e.Reason = reason
	e.Attempts = attempts
	e.ExpiresAt = at.Add(m.opts.ResolvedTTL)
	m.entries[k] = e
	return nil
}

func (m *Memory) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Get(_ context.Context, key TaskKey) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key.String()]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) Release(_ context.Context, key TaskKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key.String()
	if _, ok := m.entries[k]; !ok {
		return ErrNotFound
	}
	delete(m.entries, k)
	return nil
}

func (m *Memory) Touch(_ context.Context, key TaskKey, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key.String()
	e, ok := m.entries[k]
	if !ok || e.Expired(now) || !e.Status.Terminal() {
		return nil
	}
	if exp := now.Add(m.opts.ResolvedTTL); exp.After(e.ExpiresAt) {
		e.ExpiresAt = exp
		m.entries[k] = e
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// Len returns the number of entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
