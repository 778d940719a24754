// Package metrics exposes Prometheus instruments for the reminder engine.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "alphawatch"

// Recorder holds the engine's instruments.
type Recorder struct {
	claims       *prometheus.CounterVec
	resolutions  *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	storeErrors  prometheus.Counter
	events       prometheus.Gauge
	tickDuration prometheus.Histogram
	lastTick     prometheus.Gauge
}

// New registers the instruments with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		claims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Ledger claim attempts by outcome.",
		}, []string{"outcome"}),
		resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Reminders resolved by terminal status.",
		}, []string{"status"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts by effective channel.",
		}, []string{"channel"}),
		storeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Ledger operations that failed.",
		}),
		events: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events",
			Help:      "Distinct events evaluated in the last tick.",
		}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one evaluation tick, dispatch included.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
		lastTick: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_tick_timestamp_seconds",
			Help:      "Unix time of the last completed tick.",
		}),
	}
}

func (r *Recorder) Claim(outcome string) {
	if r == nil {
		return
	}
	r.claims.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Resolution(status string) {
	if r == nil {
		return
	}
	r.resolutions.WithLabelValues(status).Inc()
}

func (r *Recorder) Attempts(channel string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.attempts.WithLabelValues(channel).Add(float64(n))
}

func (r *Recorder) StoreError() {
	if r == nil {
		return
	}
	r.storeErrors.Inc()
}

// Tick records a finished evaluation.
func (r *Recorder) Tick(events int, took time.Duration, at time.Time) {
	if r == nil {
		return
	}
	r.events.Set(float64(events))
	r.tickDuration.Observe(took.Seconds())
	r.lastTick.Set(float64(at.Unix()))
}
