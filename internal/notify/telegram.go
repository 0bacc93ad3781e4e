package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "taskmind/pkg/logx"
)

// TelegramConfig maps users onto Telegram chats.
type TelegramConfig struct {
	Token string `json:"token"`
	// Chats maps user ids to chat ids. DefaultChat catches everyone else;
	// zero means unmapped users are an error.
	Chats       map[string]int64 `json:"chats,omitempty"`
	DefaultChat int64            `json:"default_chat,omitempty"`
}

// Telegram delivers messages to Telegram chats. Send-only: no poller.
type Telegram struct {
	bot *tele.Bot
	cfg TelegramConfig
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, cfg: cfg, log: log}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, m Message) error {
	chatID, ok := t.cfg.Chats[m.UserID]
	if !ok {
		chatID = t.cfg.DefaultChat
	}
	if chatID == 0 {
		return fmt.Errorf("no telegram chat mapped for user %q", m.UserID)
	}

	text := m.Text
	if m.Title != "" {
		text = "*" + escapeMarkdown(m.Title) + "*\n" + text
	}

	// telebot has no context-aware send; bound it with a goroutine so a
	// stuck HTTP call cannot pin a delivery worker past its timeout.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{ParseMode: tele.ModeMarkdown})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func escapeMarkdown(s string) string {
	r := strings.NewReplacer("*", "\\*", "_", "\\_", "`", "\\`", "[", "\\[")
	return r.Replace(s)
}
