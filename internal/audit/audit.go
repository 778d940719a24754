// Package audit records every delivery attempt and every terminal resolution
// of a reminder.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/albapepper/alphawatch/internal/channel"
)

// Attempt is one call to a deliverer.
type Attempt struct {
	TaskKey      string          `json:"task_key"`
	AttemptNo    int             `json:"attempt_no"`
	Channel      channel.Channel `json:"channel"`
	Provider     string          `json:"provider,omitempty"` // deliverer name
	Endpoint     string          `json:"endpoint,omitempty"`
	Payload      string          `json:"payload,omitempty"`
	ResponseCode int             `json:"response_code,omitempty"`
	ResponseBody string          `json:"response_body,omitempty"`
	Error        string          `json:"error,omitempty"`
	At           time.Time       `json:"at"`
}

// OK reports whether the attempt succeeded.
func (a Attempt) OK() bool { return a.Error == "" }

// Resolution is the terminal status of a reminder.
type Resolution struct {
	TaskKey  string    `json:"task_key"`
	Status   string    `json:"status"`
	Reason   string    `json:"reason,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// Sink persists audit records.
type Sink interface {
	RecordAttempt(ctx context.Context, a Attempt) error
	RecordResolution(ctx context.Context, r Resolution) error
}

// ---------------------------------------------------------------------------
// Log sink
// ---------------------------------------------------------------------------

// LogSink writes audit records to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink logging through logger (slog.Default when nil).
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) RecordAttempt(_ context.Context, a Attempt) error {
	attrs := []any{
		"task", a.TaskKey,
		"attempt", a.AttemptNo,
		"channel", a.Channel,
		"provider", a.Provider,
		"status_code", a.ResponseCode,
	}
	if a.OK() {
		s.logger.Info("Delivery attempt succeeded", attrs...)
		return nil
	}
	s.logger.Warn("Delivery attempt failed", append(attrs, "error", a.Error)...)
	return nil
}

func (s *LogSink) RecordResolution(_ context.Context, r Resolution) error {
	s.logger.Info("Reminder resolved",
		"task", r.TaskKey, "status", r.Status, "attempts", r.Attempts, "reason", r.Reason)
	return nil
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// Multi writes to every sink and joins their errors.
type Multi []Sink

func (m Multi) RecordAttempt(ctx context.Context, a Attempt) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.RecordAttempt(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) RecordResolution(ctx context.Context, r Resolution) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.RecordResolution(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Memory sink
// ---------------------------------------------------------------------------

// Memory keeps records in process. Used by tests and dry runs.
type Memory struct {
	mu          sync.Mutex
	attempts    []Attempt
	resolutions []Resolution
}

func (m *Memory) RecordAttempt(_ context.Context, a Attempt) error {
	m.mu.Lock()
	m.attempts = append(m.attempts, a)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordResolution(_ context.Context, r Resolution) error {
	m.mu.Lock()
	m.resolutions = append(m.resolutions, r)
	m.mu.Unlock()
	return nil
}

// Attempts returns a copy of the recorded attempts, optionally filtered by
// task key.
func (m *Memory) Attempts(taskKey string) []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attempt
	for _, a := range m.attempts {
		if taskKey == "" || a.TaskKey == taskKey {
			out = append(out, a)
		}
	}
	return out
}

// Resolutions returns a copy of the recorded resolutions.
func (m *Memory) Resolutions() []Resolution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Resolution(nil), m.resolutions...)
}
