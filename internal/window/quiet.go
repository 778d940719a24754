package window

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/albapepper/alphawatch/internal/channel"
)

// QuietWindow is a local wall-clock range during which disruptive channels
// are downgraded. Start after End wraps midnight; Start equal to End is empty.
type QuietWindow struct {
	Start time.Duration // offset from local midnight
	End   time.Duration
	Loc   *time.Location
}

var quietDelimiters = []string{"–", "—", " to ", "-"}

// ParseQuietWindow parses "23:00-07:00" style ranges. Empty input returns
// (nil, nil), meaning quiet hours are disabled.
func ParseQuietWindow(raw string, loc *time.Location) (*QuietWindow, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	if loc == nil {
		loc = time.Local
	}

	var parts []string
	for _, d := range quietDelimiters {
		if strings.Contains(s, d) {
			parts = strings.SplitN(s, d, 2)
			break
		}
	}
	if parts == nil {
		parts = strings.Fields(s)
	}
	if len(parts) != 2 {
		return nil, fmt.Errorf("quiet hours %q: want START-END", raw)
	}

	start, err := parseClock(parts[0])
	if err != nil {
		return nil, fmt.Errorf("quiet hours %q: %w", raw, err)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return nil, fmt.Errorf("quiet hours %q: %w", raw, err)
	}
	return &QuietWindow{Start: start, End: end, Loc: loc}, nil
}

// Contains reports whether t falls inside the window, evaluated on the
// window's local clock.
func (w *QuietWindow) Contains(t time.Time) bool {
	if w == nil || w.Start == w.End {
		return false
	}
	loc := w.Loc
	if loc == nil {
		loc = time.Local
	}
	lt := t.In(loc)
	clock := time.Duration(lt.Hour())*time.Hour +
		time.Duration(lt.Minute())*time.Minute +
		time.Duration(lt.Second())*time.Second

	if w.Start < w.End {
		return clock >= w.Start && clock < w.End
	}
	return clock >= w.Start || clock < w.End
}

func (w *QuietWindow) String() string {
	if w == nil {
		return ""
	}
	return formatClock(w.Start) + "-" + formatClock(w.End)
}

// ResolveChannel returns the channel a dispatch attempt at now should use.
// Disruptive channels fall back to the quiet channel inside the quiet window;
// everything else passes through untouched.
func ResolveChannel(configured channel.Channel, now time.Time, quiet *QuietWindow, fallback channel.Channel) channel.Channel {
	if fallback == "" || !configured.Disruptive() {
		return configured
	}
	if quiet.Contains(now) {
		return fallback
	}
	return configured
}

func parseClock(s string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

func formatClock(d time.Duration) string {
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%02d:%02d", h, m)
}
