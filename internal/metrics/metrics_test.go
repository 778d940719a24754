package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.Claim("claimed")
	r.Claim("claimed")
	r.Claim("in_flight")
	r.Resolution("sent")
	r.Attempts("voice", 3)
	r.StoreError()
	r.Tick(4, 20*time.Millisecond, time.Unix(1716700000, 0))

	if got := testutil.ToFloat64(r.claims.WithLabelValues("claimed")); got != 2 {
		t.Errorf("claimed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.attempts.WithLabelValues("voice")); got != 3 {
		t.Errorf("voice attempts = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.storeErrors); got != 1 {
		t.Errorf("store errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.lastTick); got != 1716700000 {
		t.Errorf("last tick = %v", got)
	}
	if n := testutil.CollectAndCount(r.tickDuration); n != 1 {
		t.Errorf("tick histogram series = %d, want 1", n)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.Claim("claimed")
	r.Resolution("sent")
	r.Attempts("voice", 1)
	r.StoreError()
	r.Tick(1, time.Second, time.Now())
}
