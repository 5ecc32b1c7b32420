package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Telegram delivers alerts to a single chat. Outbound only, the bot
// never polls for updates.
type Telegram struct {
	bot    *tele.Bot
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	// Offline skips the getMe probe so construction never touches the
	// network. The bot is send-only and never polls for updates.
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chatID: chatID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, msg Message) error {
	// telebot has no context plumbing; rely on its own HTTP timeout and
	// keep the caller's deadline as a coarse guard.
	if err := ctx.Err(); err != nil {
		return err
	}
	text := msg.Text
	if msg.Title != "" {
		text = msg.Title + "\n" + text
	}
	if !msg.At.IsZero() {
		text += "\n" + msg.At.UTC().Format(time.RFC3339)
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, text)
	return err
}
