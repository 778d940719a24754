// Package reminder runs one evaluation tick: it turns a snapshot of event
// records into claimed, dispatched and resolved reminders.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/albapepper/alphawatch/internal/audit"
	"github.com/albapepper/alphawatch/internal/channel"
	"github.com/albapepper/alphawatch/internal/event"
	"github.com/albapepper/alphawatch/internal/ledger"
	"github.com/albapepper/alphawatch/internal/metrics"
	"github.com/albapepper/alphawatch/internal/notify"
	"github.com/albapepper/alphawatch/internal/window"
)

// Sender delivers a reminder. *notify.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, req notify.Request) notify.Result
}

// Config holds engine policy.
type Config struct {
	Policy   window.Policy
	Channel  channel.Channel
	Location *time.Location
	Workers  int
}

// Engine evaluates ticks. It keeps no state between ticks; everything that
// must survive lives in the ledger.
type Engine struct {
	cfg     Config
	store   ledger.Store
	sender  Sender
	sink    audit.Sink
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// New creates an engine. sink and rec may be nil.
func New(cfg Config, store ledger.Store, sender Sender, sink audit.Sink, rec *metrics.Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.NewLogSink(logger)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Engine{cfg: cfg, store: store, sender: sender, sink: sink, metrics: rec, logger: logger}
}

// TaskResult is the outcome of one claimed reminder.
type TaskResult struct {
	Key      string          `json:"key"`
	Status   ledger.Status   `json:"status"`
	Channel  channel.Channel `json:"channel,omitempty"`
	Provider string          `json:"provider,omitempty"`
	Attempts int             `json:"attempts"`
	Reason   string          `json:"reason,omitempty"`
}

// Report tracks the outcome of a tick.
type Report struct {
	Events          int           `json:"events"`
	Candidates      int           `json:"candidates"`
	Claimed         int           `json:"claimed"`
	Sent            int           `json:"sent"`
	Failed          int           `json:"failed"`
	Skipped         int           `json:"skipped"`
	AlreadyResolved int           `json:"already_resolved"`
	InFlight        int           `json:"in_flight"`
	StoreErrors     int           `json:"store_errors"`
	Duration        time.Duration `json:"duration"`
	Errors          []string      `json:"errors,omitempty"`
	Results         []TaskResult  `json:"results,omitempty"`
}

// Summary returns a human-readable summary.
func (r *Report) Summary() string {
	return fmt.Sprintf(
		"events=%d candidates=%d claimed=%d sent=%d failed=%d skipped=%d resolved=%d in_flight=%d store_errors=%d dur=%s",
		r.Events, r.Candidates, r.Claimed, r.Sent, r.Failed, r.Skipped,
		r.AlreadyResolved, r.InFlight, r.StoreErrors, r.Duration.Round(time.Millisecond))
}

type task struct {
	key    ledger.TaskKey
	record event.Record
	offset *int
}

// Tick evaluates records at now. Duplicate identities are collapsed first,
// then every due or missed reminder is claimed. Missed ones are resolved as
// skipped; due ones are dispatched on the worker pool and resolved as sent or
// failed. Reminders already resolved or held by another evaluator are left
// alone, and a failed reminder is never re-opened here.
//
// Dispatch ignores ctx cancellation so that shutdown cannot strand a claim
// halfway through a send.
func (e *Engine) Tick(ctx context.Context, records []event.Record, now time.Time) Report {
	start := time.Now()
	var rep Report

	records = event.Latest(records)
	rep.Events = len(records)

	var tasks []task
	for _, r := range records {
		for _, c := range window.Evaluate(r, now, e.cfg.Policy) {
			rep.Candidates++
			key := ledger.NewTaskKey(r.Key(), c.Offset, e.cfg.Channel)

			claim, err := e.store.TryClaim(ctx, key, now)
			if err != nil {
				rep.storeError(key, err)
				e.metrics.StoreError()
				e.logger.Error("Ledger claim failed", "task", key.String(), "error", err)
				continue
			}
			e.metrics.Claim(claim.Outcome.String())

			switch claim.Outcome {
			case ledger.AlreadyResolved:
				rep.AlreadyResolved++
				if c.Offset == nil {
					// A TBA alert has no fire time to age out from; keep its
					// entry alive for as long as the listing is observed.
					e.touch(ctx, key, now)
				}
				continue
			case ledger.InFlight:
				rep.InFlight++
				continue
			}
			rep.Claimed++

			if c.State == window.Missed {
				reason := "missed window: fire time " + c.FireAt.Format(time.RFC3339)
				if err := e.resolve(ctx, key, ledger.StatusSkipped, now, reason, 0); err != nil {
					rep.storeError(key, err)
				} else {
					rep.Skipped++
					rep.Results = append(rep.Results, TaskResult{Key: key.String(), Status: ledger.StatusSkipped, Reason: reason})
				}
				e.logger.Warn("Reminder window missed", "task", key.String(), "fire_at", c.FireAt)
				continue
			}
			tasks = append(tasks, task{key: key, record: r, offset: c.Offset})
		}
	}

	if len(tasks) > 0 {
		e.dispatch(context.WithoutCancel(ctx), tasks, now, start, &rep)
	}

	rep.Duration = time.Since(start)
	e.metrics.Tick(rep.Events, rep.Duration, now)
	if rep.Claimed > 0 || rep.StoreErrors > 0 {
		e.logger.Info("Tick complete", "summary", rep.Summary())
	} else {
		e.logger.Debug("Tick complete", "summary", rep.Summary())
	}
	return rep
}

// dispatch fans tasks out over the worker pool: one channel of work, N workers.
func (e *Engine) dispatch(ctx context.Context, tasks []task, now, start time.Time, rep *Report) {
	workers := e.cfg.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	ch := make(chan task, len(tasks))
	for _, t := range tasks {
		ch <- t
	}
	close(ch)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range ch {
				msg := BuildMessage(t.record, t.offset, e.cfg.Location)
				// Dispatch and resolution follow the tick clock, advanced by
				// the wall time already spent in this tick.
				res := e.sender.Send(ctx, notify.Request{
					TaskKey: t.key.String(),
					Channel: e.cfg.Channel,
					Message: msg,
					At:      now.Add(time.Since(start)),
				})
				e.metrics.Attempts(res.Channel.String(), res.Attempts)

				status := ledger.StatusSent
				if res.Outcome != notify.Sent {
					status = ledger.StatusFailed
				}
				at := now.Add(time.Since(start))

				err := e.resolve(ctx, t.key, status, at, res.Reason, res.Attempts)

				mu.Lock()
				if err != nil {
					rep.storeError(t.key, err)
				} else {
					if status == ledger.StatusSent {
						rep.Sent++
					} else {
						rep.Failed++
					}
					rep.Results = append(rep.Results, TaskResult{
						Key:      t.key.String(),
						Status:   status,
						Channel:  res.Channel,
						Provider: res.Provider,
						Attempts: res.Attempts,
						Reason:   res.Reason,
					})
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func (r *Report) storeError(key ledger.TaskKey, err error) {
	r.StoreErrors++
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", key, err))
}

// resolve records the terminal status and, once the ledger accepts it, the
// resolution audit row.
func (e *Engine) resolve(ctx context.Context, key ledger.TaskKey, status ledger.Status, at time.Time, reason string, attempts int) error {
	err := e.store.Resolve(ctx, key, status, at, reason, attempts)
	if err != nil {
		e.metrics.StoreError()
		if errors.Is(err, ledger.ErrClaimLost) {
			e.logger.Warn("Claim lost before resolution", "task", key.String(), "status", status)
		} else {
			e.logger.Error("Ledger resolve failed", "task", key.String(), "status", status, "error", err)
		}
		return err
	}
	e.metrics.Resolution(string(status))

	if err := e.sink.RecordResolution(ctx, audit.Resolution{
		TaskKey:  key.String(),
		Status:   string(status),
		Reason:   reason,
		Attempts: attempts,
		At:       at,
	}); err != nil {
		e.logger.Error("Failed to record resolution", "task", key.String(), "error", err)
	}
	return nil
}

func (e *Engine) touch(ctx context.Context, key ledger.TaskKey, now time.Time) {
	if err := e.store.Touch(ctx, key, now); err != nil {
		e.metrics.StoreError()
		e.logger.Warn("Ledger touch failed", "task", key.String(), "error", err)
	}
}

// Plan is a candidate reminder as Preview reports it.
type Plan struct {
	Key    string        `json:"key"`
	State  string        `json:"state"`
	FireAt time.Time     `json:"fire_at"`
	Status ledger.Status `json:"ledger_status,omitempty"`
}

// Preview evaluates records at now without claiming or sending anything and
// reports the current ledger status of each candidate.
func (e *Engine) Preview(ctx context.Context, records []event.Record, now time.Time) ([]Plan, error) {
	var plans []Plan
	for _, r := range event.Latest(records) {
		for _, c := range window.Evaluate(r, now, e.cfg.Policy) {
			key := ledger.NewTaskKey(r.Key(), c.Offset, e.cfg.Channel)
			p := Plan{Key: key.String(), State: c.State.String(), FireAt: c.FireAt}
			entry, err := e.store.Get(ctx, key)
			switch {
			case err == nil && !entry.Expired(now):
				p.Status = entry.Status
			case err != nil && !errors.Is(err, ledger.ErrNotFound):
				return nil, fmt.Errorf("preview %s: %w", key, err)
			}
			plans = append(plans, p)
		}
	}
	return plans, nil
}
