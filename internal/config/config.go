// Package config provides centralized configuration loaded from environment
// variables. Shared by the daemon and the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/albapepper/alphawatch/internal/channel"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// --------------------------------------------------------------------------
// Config is populated from environment variables.
// --------------------------------------------------------------------------

type Config struct {
	// Reminder policy
	Location        *time.Location
	AheadWindow     time.Duration
	ReminderOffsets []int
	Grace           time.Duration
	NotifyTBAOnce   bool
	QuietHours      string
	Channel         channel.Channel
	QuietChannel    channel.Channel

	// Ledger
	StoreDriver   string
	ResolvedTTL   time.Duration
	ClaimTTL      time.Duration
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Dispatch
	MaxAttempts int
	Backoff     string
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	Workers     int

	// Scheduling
	CronExpression string
	RunOnce        bool
	EventsFile     string
	EventsHorizon  time.Duration

	// Database
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration

	// Spug push API
	SpugBaseURL           string
	SpugToken             string
	SpugTimeout           time.Duration
	SpugXSendUserID       string
	SpugTemplateID        string
	SpugTargets           []string
	SpugRequestsPerMinute int

	// Telegram
	TelegramBotToken string
	TelegramChatIDs  []int64

	// API server
	APIHost     string
	APIPort     int
	Environment string // development, staging, production
	LogLevel    string

	// CORS
	CORSAllowOrigins []string

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Maintenance
	SweepInterval  time.Duration
	AuditRetention time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values that cannot fall back safely are reported as errors.
func Load() (*Config, error) {
	var errs []error

	tz := envOr("TIMEZONE", "Asia/Taipei")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
		loc = time.UTC
	}

	offsets, err := envInts("REMINDER_OFFSETS", []int{30, 5})
	if err != nil {
		errs = append(errs, err)
	}

	ch, err := channel.Parse(envOr("SPUG_CHANNEL", "voice"))
	if err != nil {
		errs = append(errs, fmt.Errorf("SPUG_CHANNEL: %w", err))
	}
	quietCh, err := channel.Parse(envOr("SPUG_QUIET_CHANNEL", ""))
	if err != nil {
		errs = append(errs, fmt.Errorf("SPUG_QUIET_CHANNEL: %w", err))
	}

	chatIDs, err := envInt64s("TELEGRAM_CHAT_IDS")
	if err != nil {
		errs = append(errs, err)
	}

	dbURL := envOr("DATABASE_URL", envOr("NEON_DATABASE_URL", ""))
	driver := DriverSQLite
	if dbURL != "" {
		driver = DriverPostgres
	}

	cfg := &Config{
		Location:        loc,
		AheadWindow:     envMinutes("AHEAD_MINUTES", 30),
		ReminderOffsets: offsets,
		Grace:           envMinutes("GRACE_MINUTES", 3),
		NotifyTBAOnce:   envBool("NOTIFY_TBA_ONCE", true),
		QuietHours:      envOr("QUIET_HOURS", ""),
		Channel:         ch,
		QuietChannel:    quietCh,

		StoreDriver:   strings.ToLower(envOr("STORE_DRIVER", driver)),
		ResolvedTTL:   time.Duration(envInt("STATE_TTL_HOURS", 48)) * time.Hour,
		ClaimTTL:      envMinutes("CLAIM_TTL_MINUTES", 10),
		SQLitePath:    envOr("SQLITE_PATH", "./state/alphawatch.db"),
		RedisAddr:     envOr("REDIS_ADDR", ""),
		RedisPassword: envOr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		MaxAttempts: envInt("DISPATCH_MAX_ATTEMPTS", 3),
		Backoff:     strings.ToLower(envOr("DISPATCH_BACKOFF", "exponential")),
		BackoffMin:  envSeconds("DISPATCH_BACKOFF_MIN_SECONDS", 1),
		BackoffMax:  envSeconds("DISPATCH_BACKOFF_MAX_SECONDS", 8),
		Workers:     envInt("DISPATCH_WORKERS", 4),

		CronExpression: envOr("CRON_EXPRESSION", "*/1 * * * *"),
		RunOnce:        envBool("RUN_ONCE", false),
		EventsFile:     envOr("EVENTS_FILE", ""),
		EventsHorizon:  envDuration("EVENTS_HORIZON", 24*time.Hour),

		DatabaseURL:    dbURL,
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 1),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  envMinutes("DB_POOL_MAX_LIFE_MINUTES", 30),

		SpugBaseURL:           envOr("SPUG_BASE_URL", "https://push.spug.cc"),
		SpugToken:             envOr("SPUG_TOKEN", ""),
		SpugTimeout:           envSeconds("SPUG_TIMEOUT_SECONDS", 10),
		SpugXSendUserID:       envOr("SPUG_XSEND_USER_ID", ""),
		SpugTemplateID:        envOr("SPUG_TEMPLATE_ID", ""),
		SpugTargets:           envList("SPUG_TARGETS", nil),
		SpugRequestsPerMinute: envInt("SPUG_REQUESTS_PER_MINUTE", 60),

		TelegramBotToken: envOr("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatIDs:  chatIDs,

		APIHost:     envOr("API_HOST", "0.0.0.0"),
		APIPort:     envInt("API_PORT", envInt("PORT", 8000)),
		Environment: envOr("ENVIRONMENT", "development"),
		LogLevel:    strings.ToLower(envOr("LOG_LEVEL", "info")),

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   envSeconds("RATE_LIMIT_WINDOW", 60),

		SweepInterval:  envMinutes("SWEEP_INTERVAL_MINUTES", 30),
		AuditRetention: time.Duration(envInt("AUDIT_RETENTION_DAYS", 30)) * 24 * time.Hour,
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.ReminderOffsets) == 0 && !c.NotifyTBAOnce {
		errs = append(errs, errors.New("REMINDER_OFFSETS is empty and NOTIFY_TBA_ONCE is off: nothing would ever fire"))
	}
	for _, o := range c.ReminderOffsets {
		switch {
		case o < 0:
			errs = append(errs, fmt.Errorf("REMINDER_OFFSETS: negative offset %d", o))
		case time.Duration(o)*time.Minute > c.AheadWindow:
			// Such a reminder is never inside the look-ahead window and would
			// always be resolved skipped.
			errs = append(errs, fmt.Errorf("REMINDER_OFFSETS: offset %d exceeds AHEAD_MINUTES (%s)", o, c.AheadWindow))
		}
	}
	if c.AheadWindow < 0 {
		errs = append(errs, errors.New("AHEAD_MINUTES must not be negative"))
	}
	if len(c.ReminderOffsets) > 0 && c.Grace <= 0 {
		errs = append(errs, errors.New("GRACE_MINUTES must be positive when REMINDER_OFFSETS is set"))
	}
	if c.Channel == "" {
		errs = append(errs, errors.New("SPUG_CHANNEL must be set"))
	}
	if c.ClaimTTL <= 0 || c.ClaimTTL >= c.ResolvedTTL {
		errs = append(errs, fmt.Errorf("CLAIM_TTL_MINUTES (%s) must be positive and shorter than STATE_TTL_HOURS (%s)", c.ClaimTTL, c.ResolvedTTL))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts))
	}
	if c.Backoff != "exponential" && c.Backoff != "fixed" {
		errs = append(errs, fmt.Errorf("DISPATCH_BACKOFF must be exponential or fixed, got %q", c.Backoff))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_WORKERS must be >= 1, got %d", c.Workers))
	}
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("STORE_DRIVER=postgres requires DATABASE_URL"))
		}
	case DriverRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("STORE_DRIVER=redis requires REDIS_ADDR"))
		}
	case DriverSQLite, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	return errors.Join(errs...)
}

// HasSpug reports whether the push API is configured in either mode.
func (c *Config) HasSpug() bool {
	return c.SpugToken != "" && (c.SpugXSendUserID != "" || (c.SpugTemplateID != "" && len(c.SpugTargets) > 0))
}

// HasTelegram reports whether direct Telegram delivery is configured.
func (c *Config) HasTelegram() bool {
	return c.TelegramBotToken != "" && len(c.TelegramChatIDs) > 0
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}

// envDuration accepts Go duration syntax ("90s", "2h").
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return fallback
}

func envMinutes(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Minute
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

func envInts(key string, fallback []int) ([]int, error) {
	raw := envList(key, nil)
	if raw == nil {
		return fallback, nil
	}
	out := make([]int, 0, len(raw))
	for _, p := range raw {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid integer %q", key, p)
		}
		out = append(out, n)
	}
	return out, nil
}

func envInt64s(key string) ([]int64, error) {
	var out []int64
	for _, p := range envList(key, nil) {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid id %q", key, p)
		}
		out = append(out, n)
	}
	return out, nil
}
