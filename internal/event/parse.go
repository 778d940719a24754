package event

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	reHHMM = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
	reDate = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)
)

// Layouts tried, in order, before falling back to clock-only or date-only forms.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseTime resolves a raw listing time into an absolute instant in loc.
//
// A bare "HH:MM" is anchored to ref's date and rolled over to the next day
// when it would land more than an hour before ref, so "00:15" scraped at
// 23:30 means tomorrow. TBA markers and unrecognised input return ok=false.
func ParseTime(raw string, loc *time.Location, ref time.Time) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if IsTBAMarker(s) {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	ref = ref.In(loc)

	for _, layout := range isoLayouts {
		var (
			t   time.Time
			err error
		)
		if strings.Contains(layout, "Z07") {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, loc)
		}
		if err == nil {
			return t.In(loc), true
		}
	}

	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if hour > 23 || minute > 59 {
			return time.Time{}, false
		}
		// A date next to the clock wins over ref's date.
		y, mo, d := ref.Date()
		if dm := reDate.FindStringSubmatch(s); dm != nil {
			y, _ = strconv.Atoi(dm[1])
			mi, _ := strconv.Atoi(dm[2])
			mo = time.Month(mi)
			d, _ = strconv.Atoi(dm[3])
			return time.Date(y, mo, d, hour, minute, 0, 0, loc), true
		}
		candidate := time.Date(y, mo, d, hour, minute, 0, 0, loc)
		if candidate.Before(ref.Add(-time.Hour)) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate, true
	}

	if dm := reDate.FindStringSubmatch(s); dm != nil {
		y, _ := strconv.Atoi(dm[1])
		mo, _ := strconv.Atoi(dm[2])
		d, _ := strconv.Atoi(dm[3])
		return time.Date(y, time.Month(mo), d, 0, 0, 0, 0, loc), true
	}
	return time.Time{}, false
}

// Resolve fills StartTime from RawTime when the collaborator did not supply a
// parsed value. Records that already carry a start are returned unchanged.
func Resolve(records []Record, loc *time.Location, ref time.Time) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		if r.StartTime == nil {
			if t, ok := ParseTime(r.RawTime, loc, ref); ok {
				r.StartTime = &t
			}
		}
		out[i] = r
	}
	return out
}
