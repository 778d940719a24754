package window

import (
	"testing"
	"time"

	"github.com/albapepper/alphawatch/internal/channel"
	"github.com/albapepper/alphawatch/internal/event"
)

func taipei(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func timed(start time.Time) event.Record {
	return event.Record{Token: "ALPHA", RawTime: start.Format("15:04"), StartTime: &start}
}

func TestDueRemindersBoundaries(t *testing.T) {
	t.Parallel()
	loc := taipei(t)
	start := time.Date(2024, 5, 26, 10, 0, 0, 0, loc)
	offsets := []int{30, 5}
	ahead := 30 * time.Minute
	grace := 3 * time.Minute

	tests := []struct {
		name string
		now  time.Time
		want []int
	}{
		{name: "before first fire time", now: start.Add(-31 * time.Minute), want: nil},
		{name: "exactly at T-30", now: start.Add(-30 * time.Minute), want: []int{30}},
		{name: "inside grace", now: start.Add(-28 * time.Minute), want: []int{30}},
		{name: "grace boundary is exclusive", now: start.Add(-27 * time.Minute), want: nil},
		{name: "exactly at T-5", now: start.Add(-5 * time.Minute), want: []int{5}},
		{name: "T-5 grace elapsed", now: start.Add(-2 * time.Minute), want: nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := DueReminders(timed(start), tt.now, offsets, ahead, grace)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d candidates, want %d (%+v)", len(got), len(tt.want), got)
			}
			for i, c := range got {
				if c.Offset == nil || *c.Offset != tt.want[i] {
					t.Errorf("candidate %d offset = %s, want %d", i, c.OffsetLabel(), tt.want[i])
				}
			}
		})
	}
}

func TestEvaluateRespectsAhead(t *testing.T) {
	t.Parallel()
	loc := taipei(t)
	start := time.Date(2024, 5, 26, 10, 0, 0, 0, loc)
	now := start.Add(-60 * time.Minute)

	got := Evaluate(timed(start), now, Policy{Offsets: []int{60}, Ahead: 30 * time.Minute, Grace: 3 * time.Minute})
	if len(got) != 0 {
		t.Fatalf("offset beyond look-ahead fired: %+v", got)
	}

	got = Evaluate(timed(start), now, Policy{Offsets: []int{60}, Ahead: 60 * time.Minute, Grace: 3 * time.Minute})
	if len(got) != 1 || got[0].State != Due {
		t.Fatalf("got %+v, want one due candidate", got)
	}
}

func TestEvaluateMarksMissed(t *testing.T) {
	t.Parallel()
	loc := taipei(t)
	start := time.Date(2024, 5, 26, 10, 0, 0, 0, loc)
	now := start.Add(-10 * time.Minute)

	got := Evaluate(timed(start), now, Policy{Offsets: []int{5, 30}, Ahead: 30 * time.Minute, Grace: 3 * time.Minute})
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1: %+v", len(got), got)
	}
	if got[0].State != Missed || *got[0].Offset != 30 {
		t.Fatalf("got %s offset %s, want missed 30", got[0].State, got[0].OffsetLabel())
	}
	if due := DueReminders(timed(start), now, []int{5, 30}, 30*time.Minute, 3*time.Minute); len(due) != 0 {
		t.Fatalf("missed candidate reported as due: %+v", due)
	}
}

func TestEvaluateOrdersSoonestFirst(t *testing.T) {
	t.Parallel()
	loc := taipei(t)
	start := time.Date(2024, 5, 26, 10, 0, 0, 0, loc)
	now := start

	got := Evaluate(timed(start), now, Policy{Offsets: []int{0, 30, 5, 30}, Ahead: time.Hour, Grace: time.Hour})
	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3 (duplicates collapsed)", len(got))
	}
	want := []int{30, 5, 0}
	for i, c := range got {
		if *c.Offset != want[i] {
			t.Errorf("position %d = %d, want %d", i, *c.Offset, want[i])
		}
	}
}

func TestEvaluateDropsRemindersPastRetention(t *testing.T) {
	t.Parallel()
	loc := taipei(t)
	start := time.Date(2024, 5, 26, 10, 0, 0, 0, loc)
	p := Policy{Offsets: []int{30, 5}, Ahead: 30 * time.Minute, Grace: 3 * time.Minute, Retention: 48 * time.Hour}

	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{name: "just after start", now: start.Add(time.Hour), want: 2},
		{name: "T-30 aged out", now: start.Add(48*time.Hour - 30*time.Minute), want: 1},
		{name: "both aged out", now: start.Add(48*time.Hour - 5*time.Minute), want: 0},
		{name: "days later", now: start.Add(96 * time.Hour), want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(timed(start), tt.now, p)
			if len(got) != tt.want {
				t.Fatalf("got %d candidates, want %d (%+v)", len(got), tt.want, got)
			}
			for _, c := range got {
				if c.State != Missed {
					t.Errorf("candidate %s state = %s, want missed", c.OffsetLabel(), c.State)
				}
			}
		})
	}

	p.Retention = 0
	if got := Evaluate(timed(start), start.Add(96*time.Hour), p); len(got) != 2 {
		t.Fatalf("without retention got %d candidates, want 2", len(got))
	}
}

func TestEvaluateTBA(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 26, 9, 0, 0, 0, time.UTC)
	r := event.Record{Token: "BETA", RawTime: "TBA"}

	got := Evaluate(r, now, Policy{Offsets: []int{30}, NotifyTBAOnce: true})
	if len(got) != 1 || got[0].Offset != nil || got[0].State != Due {
		t.Fatalf("got %+v, want single due TBA candidate", got)
	}
	if got[0].OffsetLabel() != "tba" {
		t.Fatalf("label = %q, want tba", got[0].OffsetLabel())
	}
	if got := Evaluate(r, now, Policy{Offsets: []int{30}}); len(got) != 0 {
		t.Fatalf("TBA fired with NotifyTBAOnce disabled: %+v", got)
	}
}

func TestParseQuietWindow(t *testing.T) {
	t.Parallel()
	loc := taipei(t)

	tests := []struct {
		raw     string
		want    string
		wantNil bool
		wantErr bool
	}{
		{raw: "", wantNil: true},
		{raw: "23:00-07:00", want: "23:00-07:00"},
		{raw: "23:00–07:00", want: "23:00-07:00"},
		{raw: "22:30 to 6:45", want: "22:30-06:45"},
		{raw: "00:00 07:30", want: "00:00-07:30"},
		{raw: "25:00-07:00", wantErr: true},
		{raw: "late-night", wantErr: true},
		{raw: "23:00", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseQuietWindow(tt.raw, loc)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if got != nil {
					t.Fatalf("got %v, want nil", got)
				}
				return
			}
			if got.String() != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestQuietWindowWrapsMidnight(t *testing.T) {
	t.Parallel()
	loc := taipei(t)
	w, err := ParseQuietWindow("23:00-07:00", loc)
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]bool{
		"22:59": false,
		"23:00": true,
		"02:00": true,
		"06:59": true,
		"07:00": false,
		"12:00": false,
	}
	for clock, want := range cases {
		tm, _ := time.ParseInLocation("2006-01-02 15:04", "2024-05-26 "+clock, loc)
		if got := w.Contains(tm); got != want {
			t.Errorf("Contains(%s) = %v, want %v", clock, got, want)
		}
	}

	empty, _ := ParseQuietWindow("08:00-08:00", loc)
	if empty.Contains(time.Date(2024, 5, 26, 8, 0, 0, 0, loc)) {
		t.Error("equal start and end should be an empty window")
	}
}

func TestResolveChannelQuietHours(t *testing.T) {
	t.Parallel()
	loc := taipei(t)
	quiet, err := ParseQuietWindow("00:00-07:30", loc)
	if err != nil {
		t.Fatal(err)
	}

	night := time.Date(2024, 5, 26, 3, 0, 0, 0, loc)
	morning := time.Date(2024, 5, 26, 9, 0, 0, 0, loc)

	if got := ResolveChannel(channel.Voice, night, quiet, channel.WeChat); got != channel.WeChat {
		t.Errorf("03:00 voice -> %s, want wechat", got)
	}
	if got := ResolveChannel(channel.Voice, morning, quiet, channel.WeChat); got != channel.Voice {
		t.Errorf("09:00 voice -> %s, want voice", got)
	}
	if got := ResolveChannel(channel.Email, night, quiet, channel.WeChat); got != channel.Email {
		t.Errorf("non-disruptive channel downgraded to %s", got)
	}
	if got := ResolveChannel(channel.SMS, night, quiet, ""); got != channel.SMS {
		t.Errorf("no fallback configured, got %s", got)
	}
	if got := ResolveChannel(channel.Voice, night, nil, channel.WeChat); got != channel.Voice {
		t.Errorf("nil quiet window downgraded to %s", got)
	}
}
