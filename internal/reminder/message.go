package reminder

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/albapepper/alphawatch/internal/event"
	"github.com/albapepper/alphawatch/internal/notify"
)

// BuildMessage renders the notification for one reminder. Start times are
// shown in loc; nil loc keeps the record's own zone.
func BuildMessage(r event.Record, offset *int, loc *time.Location) notify.Message {
	var start time.Time
	if r.StartTime != nil {
		start = *r.StartTime
		if loc != nil {
			start = start.In(loc)
		}
	}

	title := "[Alpha] " + r.DisplayName()
	if !start.IsZero() {
		title += " " + start.Format("2006-01-02 15:04")
	}

	lines := []string{"Section: " + r.Section}
	if !start.IsZero() {
		lines = append(lines, "Start: "+start.Format("2006-01-02 15:04 MST"))
	} else {
		raw := strings.TrimSpace(r.RawTime)
		if raw == "" {
			raw = event.TBA
		}
		lines = append(lines, "Time: "+raw)
	}
	if offset != nil {
		lines = append(lines, fmt.Sprintf("Reminder: T-%d min", *offset))
	}

	keys := make([]string, 0, len(r.Details))
	for k := range r.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := r.Details[k].(type) {
		case string, bool, int, int64, float64:
			lines = append(lines, fmt.Sprintf("%s: %v", k, v))
		}
	}

	return notify.Message{Title: title, Body: strings.Join(lines, "\n")}
}
