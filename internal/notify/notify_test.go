package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/albapepper/alphawatch/internal/audit"
	"github.com/albapepper/alphawatch/internal/channel"
	"github.com/albapepper/alphawatch/internal/window"
)

// scriptedDeliverer returns the scripted errors in order, then succeeds.
type scriptedDeliverer struct {
	mu       sync.Mutex
	errs     []error
	channels []channel.Channel
	messages []Message
}

func (s *scriptedDeliverer) Name() string { return "scripted" }

func (s *scriptedDeliverer) Deliver(_ context.Context, ch channel.Channel, msg Message) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, ch)
	s.messages = append(s.messages, msg)
	if len(s.errs) == 0 {
		return Response{Endpoint: "/test", StatusCode: 200}, nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return Response{Endpoint: "/test", StatusCode: 502}, err
}

func newTestDispatcher(del Deliverer, cfg Config, sink audit.Sink) (*Dispatcher, *[]time.Duration) {
	d := NewDispatcher(del, cfg, sink, nil)
	var slept []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}
	return d, &slept
}

func TestSendExhaustsTransientFailures(t *testing.T) {
	t.Parallel()
	transient := errors.New("http 502")
	del := &scriptedDeliverer{errs: []error{transient, transient, transient}}
	sink := &audit.Memory{}
	d, slept := newTestDispatcher(del, Config{Retry: DefaultRetryPolicy()}, sink)

	res := d.Send(context.Background(), Request{TaskKey: "A|10:00|30|voice", Channel: channel.Voice, Message: Message{Title: "t"}})

	if res.Outcome != Failed || res.Attempts != 3 {
		t.Fatalf("result = %+v, want failed after 3 attempts", res)
	}
	rows := sink.Attempts("A|10:00|30|voice")
	if len(rows) != 3 {
		t.Fatalf("audit rows = %d, want 3", len(rows))
	}
	for i, r := range rows {
		if r.AttemptNo != i+1 {
			t.Errorf("row %d attempt_no = %d", i, r.AttemptNo)
		}
		if r.OK() {
			t.Errorf("row %d recorded as success", i)
		}
	}
	if want := []time.Duration{time.Second, 2 * time.Second}; len(*slept) != 2 || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Errorf("backoff = %v, want %v", *slept, want)
	}
}

func TestSendSucceedsOnSecondAttempt(t *testing.T) {
	t.Parallel()
	del := &scriptedDeliverer{errs: []error{errors.New("timeout")}}
	sink := &audit.Memory{}
	d, _ := newTestDispatcher(del, Config{Retry: DefaultRetryPolicy()}, sink)

	res := d.Send(context.Background(), Request{TaskKey: "k", Channel: channel.Voice})

	if res.Outcome != Sent || res.Attempts != 2 || res.Reason != "" {
		t.Fatalf("result = %+v, want sent on attempt 2", res)
	}
	rows := sink.Attempts("k")
	if len(rows) != 2 || rows[0].OK() || !rows[1].OK() {
		t.Fatalf("audit rows = %+v", rows)
	}
	for _, r := range rows {
		if r.Provider != "scripted" {
			t.Errorf("row %d provider = %q, want scripted", r.AttemptNo, r.Provider)
		}
	}
	if res.Provider != "scripted" {
		t.Errorf("result provider = %q", res.Provider)
	}
}

func TestSendAdvancesFromRequestClock(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("CST", 8*3600)
	quiet, err := window.ParseQuietWindow("00:00-07:30", loc)
	if err != nil {
		t.Fatal(err)
	}
	del := &scriptedDeliverer{errs: []error{errors.New("timeout")}}
	sink := &audit.Memory{}
	d, _ := newTestDispatcher(del, Config{Retry: DefaultRetryPolicy(), Quiet: quiet, QuietChannel: channel.WeChat}, sink)
	wall := time.Date(2024, 5, 26, 11, 53, 0, 0, loc)
	calls := 0
	d.now = func() time.Time {
		calls++
		return wall.Add(time.Duration(calls) * time.Second)
	}
	tick := time.Date(2024, 5, 26, 3, 0, 0, 0, loc)

	res := d.Send(context.Background(), Request{TaskKey: "k", Channel: channel.Voice, At: tick})

	if res.Outcome != Sent || res.Channel != channel.WeChat {
		t.Fatalf("result = %+v, want sent on wechat", res)
	}
	for _, r := range sink.Attempts("k") {
		if r.At.Before(tick) || r.At.After(tick.Add(time.Minute)) {
			t.Errorf("attempt %d at %v, want just after %v", r.AttemptNo, r.At, tick)
		}
		if r.Channel != channel.WeChat {
			t.Errorf("attempt %d channel = %s", r.AttemptNo, r.Channel)
		}
	}
}

func TestSendStopsOnPermanentError(t *testing.T) {
	t.Parallel()
	del := &scriptedDeliverer{errs: []error{Permanent(errors.New("http 401"))}}
	sink := &audit.Memory{}
	d, slept := newTestDispatcher(del, Config{Retry: DefaultRetryPolicy()}, sink)

	res := d.Send(context.Background(), Request{TaskKey: "k", Channel: channel.Voice})

	if res.Outcome != Failed || res.Attempts != 1 || !strings.Contains(res.Reason, "401") {
		t.Fatalf("result = %+v, want one permanent failure", res)
	}
	if len(sink.Attempts("k")) != 1 || len(*slept) != 0 {
		t.Fatalf("permanent error was retried")
	}
}

func TestSendWithoutDeliverer(t *testing.T) {
	t.Parallel()
	sink := &audit.Memory{}
	d, _ := newTestDispatcher(nil, Config{Retry: DefaultRetryPolicy()}, sink)

	res := d.Send(context.Background(), Request{TaskKey: "k", Channel: channel.Email})
	if res.Outcome != Failed || res.Attempts != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestSendResolvesQuietChannelPerAttempt(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		t.Fatal(err)
	}
	quiet, err := window.ParseQuietWindow("00:00-07:30", loc)
	if err != nil {
		t.Fatal(err)
	}

	del := &scriptedDeliverer{errs: []error{errors.New("http 503")}}
	sink := &audit.Memory{}
	d, _ := newTestDispatcher(del, Config{Retry: DefaultRetryPolicy(), Quiet: quiet, QuietChannel: channel.WeChat}, sink)

	// First attempt lands just before the quiet window ends, the retry just after.
	clock := []time.Time{
		time.Date(2024, 5, 26, 7, 29, 59, 0, loc),
		time.Date(2024, 5, 26, 7, 30, 1, 0, loc),
	}
	d.now = func() time.Time {
		next := clock[0]
		if len(clock) > 1 {
			clock = clock[1:]
		}
		return next
	}

	res := d.Send(context.Background(), Request{TaskKey: "k", Channel: channel.Voice, Message: Message{Title: "t", Body: "b"}})

	if res.Outcome != Sent || res.Channel != channel.Voice {
		t.Fatalf("result = %+v, want sent on voice", res)
	}
	if del.channels[0] != channel.WeChat || del.channels[1] != channel.Voice {
		t.Fatalf("channels = %v, want [wechat voice]", del.channels)
	}
	if !strings.HasSuffix(del.messages[0].Body, QuietNote) {
		t.Errorf("fallback attempt body missing quiet note: %q", del.messages[0].Body)
	}
	if strings.Contains(del.messages[1].Body, QuietNote) {
		t.Errorf("voice attempt carries quiet note: %q", del.messages[1].Body)
	}
}

func TestSendRoutesByEffectiveChannel(t *testing.T) {
	t.Parallel()
	def := &scriptedDeliverer{}
	tg := &scriptedDeliverer{}
	d, _ := newTestDispatcher(def, Config{}, &audit.Memory{})
	d.Route(channel.Telegram, tg)

	d.Send(context.Background(), Request{TaskKey: "a", Channel: channel.Telegram})
	d.Send(context.Background(), Request{TaskKey: "b", Channel: channel.Voice})

	if len(tg.channels) != 1 || len(def.channels) != 1 {
		t.Fatalf("telegram=%d default=%d, want 1 each", len(tg.channels), len(def.channels))
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	t.Parallel()
	exp := RetryPolicy{MaxAttempts: 6, Backoff: BackoffExponential, Min: time.Second, Max: 8 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 8}
	for i, w := range want {
		if got := exp.Delay(i + 1); got != w*time.Second {
			t.Errorf("exponential Delay(%d) = %s, want %s", i+1, got, w*time.Second)
		}
	}
	fixed := RetryPolicy{MaxAttempts: 3, Backoff: BackoffFixed, Min: 3 * time.Second}
	if got := fixed.Delay(3); got != 3*time.Second {
		t.Errorf("fixed Delay(3) = %s", got)
	}
	if err := (RetryPolicy{MaxAttempts: 0}).Validate(); err == nil {
		t.Error("zero attempts accepted")
	}
	if err := (RetryPolicy{MaxAttempts: 1, Backoff: "linear"}).Validate(); err == nil {
		t.Error("unknown strategy accepted")
	}
}

func TestSpugXSend(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		gotPath string
		gotAuth string
		gotBody xsendPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"code":200}`)
	}))
	defer srv.Close()

	s := NewSpug(SpugConfig{BaseURL: srv.URL + "/", Token: "secret", XSendUserID: "u1", TemplateID: "t1", Targets: []string{"x"}, RequestsPerMinute: 6000}, nil)
	resp, err := s.Deliver(context.Background(), channel.Voice, Message{Title: "[Alpha] ABC", Body: "Section: x"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/xsend/u1" || gotAuth != "Token secret" {
		t.Fatalf("path=%q auth=%q", gotPath, gotAuth)
	}
	if gotBody.Channel != "voice" || gotBody.Title != "[Alpha] ABC" || gotBody.Content != "Section: x" {
		t.Fatalf("payload = %+v", gotBody)
	}
	if resp.StatusCode != 200 || resp.Endpoint != "/xsend/u1" || resp.Body != `{"code":200}` {
		t.Fatalf("response = %+v", resp)
	}
}

func TestSpugTemplateAndClassification(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		status  = http.StatusOK
		gotBody templatePayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.URL.Path != "/send/tpl" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	s := NewSpug(SpugConfig{BaseURL: srv.URL, TemplateID: "tpl", Targets: []string{"a", "b"}, RequestsPerMinute: 6000}, nil)

	tests := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{status: http.StatusOK},
		{status: http.StatusInternalServerError, wantErr: true},
		{status: http.StatusTooManyRequests, wantErr: true},
		{status: http.StatusBadRequest, wantErr: true, permanent: true},
		{status: http.StatusFound, wantErr: true, permanent: true},
	}
	for _, tt := range tests {
		mu.Lock()
		status = tt.status
		mu.Unlock()
		_, err := s.Deliver(context.Background(), channel.Voice, Message{Title: "t", Body: "b"})
		if (err != nil) != tt.wantErr {
			t.Fatalf("status %d: err = %v", tt.status, err)
		}
		if err != nil && IsPermanent(err) != tt.permanent {
			t.Errorf("status %d: permanent = %v, want %v", tt.status, IsPermanent(err), tt.permanent)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(gotBody.Targets) != 2 || gotBody.Title != "t" {
		t.Fatalf("template payload = %+v", gotBody)
	}
}

func TestSpugIncompleteConfig(t *testing.T) {
	t.Parallel()
	s := NewSpug(SpugConfig{BaseURL: "http://127.0.0.1:1", TemplateID: "tpl"}, nil)
	_, err := s.Deliver(context.Background(), channel.Voice, Message{})
	if !errors.Is(err, ErrIncompleteConfig) || !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent ErrIncompleteConfig", err)
	}
}

func TestSpugTransportErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := NewSpug(SpugConfig{BaseURL: url, XSendUserID: "u", RequestsPerMinute: 6000}, nil)
	_, err := s.Deliver(context.Background(), channel.SMS, Message{})
	if err == nil || IsPermanent(err) {
		t.Fatalf("err = %v, want transient transport error", err)
	}
}

func TestTelegramRequiresConfig(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegram(TelegramConfig{Token: "x"}, nil); !errors.Is(err, ErrIncompleteConfig) {
		t.Fatalf("err = %v, want ErrIncompleteConfig", err)
	}
}

func TestTelegramClassifiesAPIErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		body      string
		wantErr   bool
		permanent bool
	}{
		{"delivered", `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`, false, false},
		{"known bad request", `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`, true, true},
		{"unknown client error", `{"ok":false,"error_code":418,"description":"I'm a teapot"}`, true, true},
		{"flood control", `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`, true, false},
		{"group migrated", `{"ok":false,"error_code":400,"description":"Bad Request: group chat was upgraded to a supergroup chat","parameters":{"migrate_to_chat_id":-1001}}`, true, true},
		{"bad gateway", `{"ok":false,"error_code":502,"description":"Bad Gateway"}`, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
					t.Errorf("path = %s", r.URL.Path)
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			tg, err := NewTelegram(TelegramConfig{Token: "test-token", ChatIDs: []int64{42}, APIURL: srv.URL}, nil)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := tg.Deliver(context.Background(), channel.Voice, Message{Title: "ALPHA listing"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Deliver() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if resp.StatusCode != http.StatusOK {
					t.Errorf("StatusCode = %d", resp.StatusCode)
				}
				return
			}
			if got := IsPermanent(err); got != tt.permanent {
				t.Errorf("IsPermanent(%v) = %v, want %v", err, got, tt.permanent)
			}
		})
	}
}
