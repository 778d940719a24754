package listener

import (
	"testing"
	"time"
)

func TestNextBackoff(t *testing.T) {
	t.Parallel()
	d := reconnectBackoff
	var got []time.Duration
	for i := 0; i < 4; i++ {
		d = nextBackoff(d)
		got = append(got, d)
	}
	want := []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second, 30 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backoff sequence = %v, want %v", got, want)
		}
	}
}
