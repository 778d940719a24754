package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/albapepper/alphawatch/internal/audit"
	"github.com/albapepper/alphawatch/internal/channel"
	"github.com/albapepper/alphawatch/internal/window"
)

// QuietNote is appended to messages sent on the quiet-hours fallback channel.
const QuietNote = "Quiet hours fallback channel"

// Outcome is the terminal result of Send.
type Outcome int

const (
	Sent Outcome = iota
	Failed
)

func (o Outcome) String() string {
	if o == Sent {
		return "sent"
	}
	return "failed"
}

// Request is one reminder to deliver.
type Request struct {
	TaskKey string
	Channel channel.Channel // configured channel, before quiet-hours downgrade
	Message Message
	// At is the evaluation instant the request was issued at. Attempt times,
	// and with them the quiet-hours check, advance from it by the wall time
	// spent sending. Zero means the wall clock.
	At time.Time
}

// Result summarizes a Send call.
type Result struct {
	Outcome  Outcome
	Channel  channel.Channel // effective channel of the last attempt
	Attempts int
	Reason   string
	Provider string // deliverer of the last attempt
}

// Config holds dispatcher policy.
type Config struct {
	Retry        RetryPolicy
	Quiet        *window.QuietWindow
	QuietChannel channel.Channel
}

// Dispatcher routes each request to a deliverer by effective channel and
// retries transient failures.
type Dispatcher struct {
	cfg      Config
	fallback Deliverer
	routes   map[channel.Channel]Deliverer
	sink     audit.Sink
	logger   *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewDispatcher creates a dispatcher using fallback for every channel without
// an explicit route.
func NewDispatcher(fallback Deliverer, cfg Config, sink audit.Sink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.NewLogSink(logger)
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Dispatcher{
		cfg:      cfg,
		fallback: fallback,
		routes:   make(map[channel.Channel]Deliverer),
		sink:     sink,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Route sends ch through d instead of the fallback deliverer.
func (d *Dispatcher) Route(ch channel.Channel, del Deliverer) {
	d.routes[ch] = del
}

func (d *Dispatcher) deliverer(ch channel.Channel) Deliverer {
	if del, ok := d.routes[ch]; ok {
		return del
	}
	return d.fallback
}

// Send delivers req, retrying transient failures up to the policy's attempt
// budget. The effective channel is recomputed on every attempt, so a retry
// that crosses a quiet-hours boundary uses the channel valid at that moment.
// Send never returns an error; failures are reported in the Result.
func (d *Dispatcher) Send(ctx context.Context, req Request) Result {
	res := Result{Outcome: Failed, Channel: req.Channel}
	began := d.now()

	for attempt := 1; attempt <= d.cfg.Retry.MaxAttempts; attempt++ {
		at := d.now()
		if !req.At.IsZero() {
			at = req.At.Add(at.Sub(began))
		}
		eff := window.ResolveChannel(req.Channel, at, d.cfg.Quiet, d.cfg.QuietChannel)
		msg := req.Message
		if eff != req.Channel {
			msg = msg.WithNote(QuietNote)
		}
		res.Channel = eff
		res.Attempts = attempt

		var (
			resp     Response
			err      error
			provider string
		)
		del := d.deliverer(eff)
		if del == nil {
			err = fmt.Errorf("no deliverer for channel %s: %w", eff, ErrIncompleteConfig)
		} else {
			provider = del.Name()
			resp, err = del.Deliver(ctx, eff, msg)
		}
		res.Provider = provider

		d.record(ctx, audit.Attempt{
			TaskKey:      req.TaskKey,
			AttemptNo:    attempt,
			Channel:      eff,
			Provider:     provider,
			Endpoint:     resp.Endpoint,
			Payload:      resp.Payload,
			ResponseCode: resp.StatusCode,
			ResponseBody: resp.Body,
			Error:        errString(err),
			At:           at,
		})

		if err == nil {
			res.Outcome = Sent
			res.Reason = ""
			return res
		}
		res.Reason = err.Error()

		if IsPermanent(err) {
			d.logger.Warn("Delivery failed permanently", "task", req.TaskKey, "attempt", attempt, "error", err)
			return res
		}
		if attempt == d.cfg.Retry.MaxAttempts {
			break
		}

		delay := d.cfg.Retry.Delay(attempt)
		d.logger.Debug("Delivery retry scheduled", "task", req.TaskKey, "attempt", attempt+1, "delay", delay, "error", err)
		if serr := d.sleep(ctx, delay); serr != nil {
			res.Reason = fmt.Sprintf("%s (retry aborted: %v)", res.Reason, serr)
			return res
		}
	}

	d.logger.Warn("Delivery attempts exhausted", "task", req.TaskKey, "attempts", res.Attempts, "error", res.Reason)
	return res
}

func (d *Dispatcher) record(ctx context.Context, a audit.Attempt) {
	if err := d.sink.RecordAttempt(ctx, a); err != nil {
		d.logger.Error("Failed to record delivery attempt", "task", a.TaskKey, "attempt", a.AttemptNo, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
