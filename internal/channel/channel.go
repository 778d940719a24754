// Package channel defines the closed set of delivery channels a reminder can
// be routed through.
package channel

import (
	"fmt"
	"strings"
)

// Channel is a delivery channel understood by the push API or a direct deliverer.
type Channel string

const (
	Voice    Channel = "voice"
	SMS      Channel = "sms"
	WeChat   Channel = "wechat"
	Email    Channel = "email"
	Telegram Channel = "telegram"
)

// All lists every supported channel in a stable order.
var All = []Channel{Voice, SMS, WeChat, Email, Telegram}

// Parse normalizes a configured channel name. Empty input yields ("", nil).
func Parse(raw string) (Channel, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", nil
	}
	switch s {
	case "wx", "weixin":
		return WeChat, nil
	case "tg":
		return Telegram, nil
	case "mail":
		return Email, nil
	case "call", "phone":
		return Voice, nil
	}
	for _, c := range All {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown channel %q", raw)
}

// Disruptive reports whether the channel interrupts the recipient (rings or
// buzzes a phone) and should be downgraded during quiet hours.
func (c Channel) Disruptive() bool {
	return c == Voice || c == SMS
}

func (c Channel) String() string { return string(c) }
