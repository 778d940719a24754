package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"github.com/albapepper/alphawatch/internal/channel"
)

// TelegramConfig configures direct delivery through the Bot API.
type TelegramConfig struct {
	Token   string
	ChatIDs []int64
	// APIURL overrides the Bot API endpoint; empty uses the public one.
	APIURL string
}

// Telegram sends reminders to a fixed set of chats.
type Telegram struct {
	bot    *tele.Bot
	chats  []int64
	logger *slog.Logger
}

// NewTelegram builds an offline bot (no getMe round trip, no polling).
func NewTelegram(cfg TelegramConfig, logger *slog.Logger) (*Telegram, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.Token) == "" || len(cfg.ChatIDs) == 0 {
		return nil, fmt.Errorf("telegram: token and chat ids are required: %w", ErrIncompleteConfig)
	}
	bot, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chats: cfg.ChatIDs, logger: logger}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Deliver sends the message to every chat and stops at the first failure.
func (t *Telegram) Deliver(ctx context.Context, _ channel.Channel, msg Message) (Response, error) {
	text := msg.Title
	if msg.Body != "" {
		text += "\n\n" + msg.Body
	}
	resp := Response{Endpoint: "sendMessage", Payload: text}

	for _, id := range t.chats {
		if err := ctx.Err(); err != nil {
			return resp, err
		}
		if _, err := t.bot.Send(&tele.Chat{ID: id}, text); err != nil {
			return resp, classifyTelegram(id, err)
		}
		t.logger.Debug("Telegram message sent", "chat_id", id)
	}
	resp.StatusCode = http.StatusOK
	return resp, nil
}

// apiCode matches the "(code)" suffix telebot puts on Bot API failures it has
// no typed error for.
var apiCode = regexp.MustCompile(`\((\d{3})\)$`)

// classifyTelegram treats Bot API 4xx answers (other than rate limiting) as
// permanent and everything else as transient.
func classifyTelegram(chatID int64, err error) error {
	wrapped := fmt.Errorf("telegram chat %s: %w", strconv.FormatInt(chatID, 10), err)
	if permanentTelegramCode(telegramCode(err)) {
		return Permanent(wrapped)
	}
	return wrapped
}

// telegramCode extracts the Bot API error code, or 0 when err did not come
// from an API answer (network failures, timeouts).
func telegramCode(err error) int {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return http.StatusTooManyRequests
	}
	var group tele.GroupError
	if errors.As(err, &group) {
		// The chat was upgraded to a supergroup; the configured id is dead.
		return http.StatusBadRequest
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	if m := apiCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return code
	}
	return 0
}

func permanentTelegramCode(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}
