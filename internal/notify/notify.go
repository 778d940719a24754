// Package notify delivers reminder messages through external push services
// with bounded retries, quiet-hours channel downgrade and per-attempt audit.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/albapepper/alphawatch/internal/channel"
)

// ErrIncompleteConfig means a deliverer lacks the settings it needs to send.
// It is always permanent.
var ErrIncompleteConfig = errors.New("notify: incomplete deliverer configuration")

// Message is the rendered notification.
type Message struct {
	Title string
	Body  string
}

// WithNote returns a copy of m with an extra trailing line.
func (m Message) WithNote(note string) Message {
	if strings.TrimSpace(note) == "" {
		return m
	}
	if m.Body == "" {
		m.Body = note
		return m
	}
	m.Body += "\n" + note
	return m
}

// Response describes what a deliverer sent and what it got back.
type Response struct {
	Endpoint   string
	Payload    string
	StatusCode int
	Body       string
}

// Deliverer sends one message through one channel. Errors wrapped with
// Permanent stop the retry loop.
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, ch channel.Channel, msg Message) (Response, error)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent or is an
// incomplete configuration.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrIncompleteConfig) {
		return true
	}
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// ---------------------------------------------------------------------------
// Retry policy
// ---------------------------------------------------------------------------

// Backoff strategies.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// RetryPolicy bounds the synchronous retry loop in Dispatcher.Send.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     string
	Min         time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy matches the push API's documented tolerance: three
// attempts, 1s doubling up to 8s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: BackoffExponential, Min: time.Second, Max: 8 * time.Second}
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	switch p.Backoff {
	case BackoffExponential, BackoffFixed, "":
	default:
		return fmt.Errorf("unknown backoff strategy %q", p.Backoff)
	}
	if p.Min < 0 || p.Max < 0 {
		return errors.New("retry backoff must not be negative")
	}
	return nil
}

// Delay returns how long to wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Backoff == BackoffFixed {
		return p.Min
	}
	d := p.Min
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// truncate returns a truncated string representation for logs and audit rows.
func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
