// Package notify delivers operator alerts over Telegram. It is a send-only
// client: the bot never polls for updates.
package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "github.com/matthewnbrown/roc-massrecruit/pkg/logx"
)

type Config struct {
	Token  string
	ChatID int64
}

// Telegram implements logx.Alerter.
type Telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
	log  logx.Logger
}

func NewTelegram(cfg Config, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: nil,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, log: log}, nil
}

// Alert sends one message to the configured chat. Failures are logged to the
// local sinks only; alerting must never feed back into alerting.
func (t *Telegram) Alert(ctx context.Context, msg string) error {
	if t == nil || msg == "" {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(t.chat, msg)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			t.log.Debug("alert send failed", logx.Err(err))
		}
		return err
	case <-time.After(15 * time.Second):
		return errors.New("alert send timed out")
	}
}
