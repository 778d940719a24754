package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/albapepper/alphawatch/internal/channel"
)

// SpugConfig configures the Spug push API client.
//
// xsend mode (a user id) routes by channel and wins when both modes are set.
// Template mode sends to fixed targets and lets the template pick the route.
type SpugConfig struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	XSendUserID       string
	TemplateID        string
	Targets           []string
	RequestsPerMinute int
}

// Spug delivers through push.spug.cc.
type Spug struct {
	httpClient *http.Client
	cfg        SpugConfig
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewSpug creates a rate-limited Spug client.
func NewSpug(cfg SpugConfig, logger *slog.Logger) *Spug {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	rps := float64(cfg.RequestsPerMinute) / 60.0
	return &Spug{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logger,
	}
}

func (s *Spug) Name() string { return "spug" }

// Mode returns "xsend", "template" or "" when unconfigured.
func (s *Spug) Mode() string {
	switch {
	case s.cfg.XSendUserID != "":
		return "xsend"
	case s.cfg.TemplateID != "" && len(s.cfg.Targets) > 0:
		return "template"
	default:
		return ""
	}
}

type xsendPayload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Channel string `json:"channel"`
}

type templatePayload struct {
	Targets []string `json:"targets"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
}

// Deliver posts msg. 2xx is success; transport errors, 5xx and 429 are
// transient; anything else is permanent.
func (s *Spug) Deliver(ctx context.Context, ch channel.Channel, msg Message) (Response, error) {
	var (
		path    string
		payload any
	)
	switch s.Mode() {
	case "xsend":
		path = "/xsend/" + s.cfg.XSendUserID
		payload = xsendPayload{Title: msg.Title, Content: msg.Body, Channel: string(ch)}
	case "template":
		path = "/send/" + s.cfg.TemplateID
		payload = templatePayload{Targets: s.cfg.Targets, Title: msg.Title, Content: msg.Body}
	default:
		return Response{}, fmt.Errorf("spug: provide an xsend user id or a template id with targets: %w", ErrIncompleteConfig)
	}
	if s.cfg.BaseURL == "" {
		return Response{}, fmt.Errorf("spug: base URL is empty: %w", ErrIncompleteConfig)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, Permanent(fmt.Errorf("encode payload: %w", err))
	}
	resp := Response{Endpoint: path, Payload: string(body)}

	if err := s.limiter.Wait(ctx); err != nil {
		return resp, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return resp, Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Token "+s.cfg.Token)
	}

	httpResp, err := s.httpClient.Do(req)
	if err != nil {
		return resp, fmt.Errorf("http request %s: %w", path, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 64<<10))
	resp.StatusCode = httpResp.StatusCode
	resp.Body = truncate(raw, 2000)
	if err != nil {
		return resp, fmt.Errorf("read response body: %w", err)
	}

	switch code := httpResp.StatusCode; {
	case code >= 200 && code < 300:
		s.logger.Debug("Spug delivery accepted", "endpoint", path, "channel", ch, "status", code)
		return resp, nil
	case code == http.StatusTooManyRequests || code >= 500:
		return resp, fmt.Errorf("spug %s returned %d: %s", path, code, truncate(raw, 200))
	default:
		return resp, Permanent(fmt.Errorf("spug %s returned %d: %s", path, code, truncate(raw, 200)))
	}
}
