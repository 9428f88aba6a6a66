package notify

import (
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Notifier delivers operator alerts. Implementations must be safe for
// concurrent use and must never block the caller on network errors
// longer than the underlying HTTP timeout.
type Notifier interface {
	Notify(text string)
}

// Noop discards all notifications. Used when no bot token is configured.
type Noop struct{}

func (Noop) Notify(string) {}

// Telegram pushes alerts to a single chat via the Bot API.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram connects the bot and verifies the token with getMe.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	return newTelegramAt(token, tgbotapi.APIEndpoint, chatID)
}

func newTelegramAt(token, endpoint string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, err
	}
	log.Info().Str("bot", bot.Self.UserName).Msg("telegram notifier connected")
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Notify(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		log.Error().Err(err).Msg("telegram send failed")
	}
}

// Throttle wraps a Notifier and drops keyed repeats inside the
// interval. Reject storms collapse to one message per reason per
// interval; plain Notify passes through untouched.
type Throttle struct {
	inner    Notifier
	interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func NewThrottle(inner Notifier, interval time.Duration) *Throttle {
	return &Throttle{
		inner:    inner,
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

func (t *Throttle) Notify(text string) { t.inner.Notify(text) }

// NotifyKey sends at most one message per key per interval.
func (t *Throttle) NotifyKey(key, text string) {
	t.mu.Lock()
	now := time.Now()
	if prev, ok := t.last[key]; ok && now.Sub(prev) < t.interval {
		t.mu.Unlock()
		return
	}
	t.last[key] = now
	t.mu.Unlock()

	t.inner.Notify(text)
}
