// Package event holds the canonical representation of a scraped listing event.
//
// Records are produced by the scraping collaborator on every cycle and are
// treated as immutable within a tick. A newer record with the same identity
// supersedes an older one.
package event

import (
	"fmt"
	"strings"
	"time"
)

// Origin tags where a record came from.
type Origin string

const (
	OriginNetwork Origin = "json" // intercepted API payload
	OriginDOM     Origin = "dom"  // DOM fallback parse
	OriginStore   Origin = "db"   // loaded from the persisted events table
)

// TBA is the normalized raw time for events without an announced start.
const TBA = "TBA"

var tbaMarkers = func() map[string]struct{} {
	m := make(map[string]struct{})
	for _, s := range []string{"", "tba", "to be announced", "待定", "—", "-", "na", "n/a", "unknown"} {
		m[s] = struct{}{}
	}
	return m
}()

// Key identifies an event across scrapes. The raw time string is used instead
// of the parsed start because parsing may be corrected between scrapes.
type Key struct {
	Token   string
	RawTime string
}

func (k Key) String() string {
	return k.Token + "|" + k.RawTime
}

// Record is one scraped event.
type Record struct {
	Token     string         `json:"token" yaml:"token"`
	Section   string         `json:"section,omitempty" yaml:"section,omitempty"`
	RawTime   string         `json:"raw_time" yaml:"raw_time"`
	StartTime *time.Time     `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	Details   map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
	Origin    Origin         `json:"origin,omitempty" yaml:"origin,omitempty"`
}

// Key returns the record's identity.
func (r Record) Key() Key {
	return Key{Token: NormalizeToken(r.Token), RawTime: NormalizeRawTime(r.RawTime)}
}

// IsTBA reports whether the record has no known start time.
func (r Record) IsTBA() bool {
	return r.StartTime == nil
}

// DisplayName prefers an explicit display name from the details payload.
func (r Record) DisplayName() string {
	if v, ok := r.Details["display_name"]; ok {
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return r.Token
}

// NormalizeToken trims and upper-cases a token symbol. Multi-word names keep
// only the leading symbol.
func NormalizeToken(token string) string {
	token = strings.TrimSpace(token)
	if i := strings.IndexAny(token, " \t"); i > 0 {
		token = token[:i]
	}
	return strings.ToUpper(token)
}

// NormalizeRawTime collapses every TBA spelling to TBA.
func NormalizeRawTime(raw string) string {
	raw = strings.TrimSpace(raw)
	if IsTBAMarker(raw) {
		return TBA
	}
	return raw
}

// IsTBAMarker reports whether raw is one of the "not announced yet" spellings.
func IsTBAMarker(raw string) bool {
	_, ok := tbaMarkers[strings.ToLower(strings.TrimSpace(raw))]
	return ok
}

// Latest collapses records sharing an identity, keeping first-seen order.
// A later record supersedes an earlier one, except that a DOM fallback never
// replaces a network payload for the same identity.
func Latest(records []Record) []Record {
	index := make(map[Key]int, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if strings.TrimSpace(r.Token) == "" {
			continue
		}
		k := r.Key()
		i, seen := index[k]
		if !seen {
			index[k] = len(out)
			out = append(out, r)
			continue
		}
		if out[i].Origin == OriginNetwork && r.Origin == OriginDOM {
			continue
		}
		out[i] = r
	}
	return out
}
