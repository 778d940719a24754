// Package scheduler drives evaluation ticks from a cron expression, file
// changes, database notifications and operator requests. Only one tick runs at
// a time per process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/albapepper/alphawatch/internal/event"
	"github.com/albapepper/alphawatch/internal/reminder"
	"github.com/albapepper/alphawatch/internal/source"
)

// ErrBusy is returned by Trigger when a tick is already running.
var ErrBusy = errors.New("tick already running")

// Ticker evaluates a snapshot. *reminder.Engine implements it.
type Ticker interface {
	Tick(ctx context.Context, records []event.Record, now time.Time) reminder.Report
}

// Scheduler loads the current snapshot and hands it to the engine.
type Scheduler struct {
	src    source.Source
	engine Ticker
	logger *slog.Logger
	now    func() time.Time

	parser cron.Parser
	spec   string
	loc    *time.Location
	c      *cron.Cron

	running sync.Mutex

	mu      sync.Mutex
	last    reminder.Report
	lastAt  time.Time
	lastErr error

	ctx    context.Context
	cancel context.CancelFunc
}

// New validates the cron expression and creates a stopped scheduler.
func New(spec string, loc *time.Location, src source.Source, engine Ticker, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		src:    src,
		engine: engine,
		logger: logger,
		now:    time.Now,
		parser: parser,
		spec:   spec,
		loc:    loc,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// RunOnce loads the snapshot and runs a tick, waiting for any running tick
// to finish first.
func (s *Scheduler) RunOnce(ctx context.Context) (reminder.Report, error) {
	s.running.Lock()
	defer s.running.Unlock()
	return s.run(ctx)
}

// Trigger runs a tick unless one is already in progress, in which case it
// returns ErrBusy. The in-progress tick will see the same snapshot changes
// on the next schedule.
func (s *Scheduler) Trigger(ctx context.Context) (reminder.Report, error) {
	if !s.running.TryLock() {
		return reminder.Report{}, ErrBusy
	}
	defer s.running.Unlock()
	return s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) (reminder.Report, error) {
	now := s.now()
	records, err := s.src.Load(ctx, now)
	if err != nil {
		err = fmt.Errorf("load events: %w", err)
		s.record(reminder.Report{}, now, err)
		return reminder.Report{}, err
	}
	rep := s.engine.Tick(ctx, records, now)
	s.record(rep, now, nil)
	return rep, nil
}

func (s *Scheduler) record(rep reminder.Report, at time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last, s.lastAt, s.lastErr = rep, at, err
}

// Last returns the most recent tick report, its evaluation time and the load
// error if the tick could not run.
func (s *Scheduler) Last() (reminder.Report, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastAt, s.lastErr
}

// Kick runs a tick in the background. Used by the file watcher and the
// database listener; a busy scheduler drops the request.
func (s *Scheduler) Kick(reason string) {
	go func() {
		if _, err := s.Trigger(s.ctx); err != nil {
			if errors.Is(err, ErrBusy) {
				s.logger.Debug("Tick skipped, already running", "reason", reason)
				return
			}
			s.logger.Error("Triggered tick failed", "reason", reason, "error", err)
		}
	}()
}

// Start schedules ticks on the cron expression.
func (s *Scheduler) Start() error {
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{s.logger}),
	)
	if _, err := s.c.AddFunc(s.spec, func() {
		if _, err := s.Trigger(s.ctx); err != nil {
			if errors.Is(err, ErrBusy) {
				s.logger.Warn("Previous tick still running, skipping")
				return
			}
			s.logger.Error("Scheduled tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", s.spec, err)
	}
	s.c.Start()
	s.logger.Info("Scheduler started", "cron", s.spec, "tz", s.loc.String())
	return nil
}

// Stop halts the schedule and waits for a running tick to complete.
func (s *Scheduler) Stop() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.cancel()
	// Blocks until an in-flight tick returns.
	s.running.Lock()
	defer s.running.Unlock()
	s.logger.Info("Scheduler stopped")
}

// cronLogger routes cron's internal logs through slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
