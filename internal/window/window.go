// Package window decides which reminders are due for an event at a given
// evaluation instant and which channel a dispatch should use under the
// quiet-hours policy. Everything here is a pure function of its inputs.
package window

import (
	"sort"
	"strconv"
	"time"

	"github.com/albapepper/alphawatch/internal/event"
)

// State classifies a reminder candidate at evaluation time.
type State int

const (
	// Due means the reminder should be dispatched now.
	Due State = iota
	// Missed means the grace window elapsed before the reminder was ever
	// claimed; it must be resolved as skipped.
	Missed
)

func (s State) String() string {
	if s == Missed {
		return "missed"
	}
	return "due"
}

// Policy carries the evaluation parameters.
type Policy struct {
	Offsets       []int         // minutes before start
	Ahead         time.Duration // look-ahead horizon
	Grace         time.Duration // late-fire tolerance
	NotifyTBAOnce bool
	// Retention drops reminders whose fire time is at least this far in the
	// past. Set it to the ledger's resolved TTL so a stale snapshot cannot
	// re-skip reminders whose entries already expired. Zero keeps them all.
	Retention time.Duration
}

// Candidate is one reminder the engine should act on for an event.
type Candidate struct {
	Offset *int // nil for the TBA-once alert
	FireAt time.Time
	State  State
}

// OffsetLabel renders the offset for keys and logs.
func (c Candidate) OffsetLabel() string {
	return OffsetLabel(c.Offset)
}

// Evaluate returns every due or missed reminder for r at now, ordered by fire
// time (soonest first). Reminders whose fire time has not arrived yet are
// omitted.
func Evaluate(r event.Record, now time.Time, p Policy) []Candidate {
	if r.StartTime == nil {
		if !p.NotifyTBAOnce {
			return nil
		}
		return []Candidate{{Offset: nil, FireAt: now, State: Due}}
	}

	start := *r.StartTime
	var out []Candidate
	for _, o := range uniqueOffsets(p.Offsets) {
		fireAt := start.Add(-time.Duration(o) * time.Minute)
		if now.Before(fireAt) {
			continue
		}
		if p.Retention > 0 && now.Sub(fireAt) >= p.Retention {
			continue
		}
		off := o
		if now.Before(fireAt.Add(p.Grace)) {
			if start.Sub(now) <= p.Ahead {
				out = append(out, Candidate{Offset: &off, FireAt: fireAt, State: Due})
			}
			continue
		}
		out = append(out, Candidate{Offset: &off, FireAt: fireAt, State: Missed})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return *out[i].Offset > *out[j].Offset
	})
	return out
}

// DueReminders returns only the candidates that should fire at now.
func DueReminders(r event.Record, now time.Time, offsets []int, ahead, grace time.Duration) []Candidate {
	all := Evaluate(r, now, Policy{Offsets: offsets, Ahead: ahead, Grace: grace, NotifyTBAOnce: true})
	due := all[:0]
	for _, c := range all {
		if c.State == Due {
			due = append(due, c)
		}
	}
	return due
}

// OffsetLabel renders an optional offset, "tba" for nil.
func OffsetLabel(offset *int) string {
	if offset == nil {
		return "tba"
	}
	return strconv.Itoa(*offset)
}

func uniqueOffsets(offsets []int) []int {
	seen := make(map[int]struct{}, len(offsets))
	out := make([]int, 0, len(offsets))
	for _, o := range offsets {
		if o < 0 {
			continue
		}
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	return out
}
