package senders

import (
	"context"
	"fmt"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/regwatch/regwatch/app/subscription"
)

// TelegramSender delivers notifications through the Bot API. Bot handles are
// cached per token since multiple channels may share one bot.
type TelegramSender struct {
	mu   sync.Mutex
	bots map[string]telegramBot

	newBot func(token string) (telegramBot, error)
}

// telegramBot is the slice of the telebot API the sender uses.
type telegramBot interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

func NewTelegramSender() *TelegramSender {
	return &TelegramSender{
		bots: make(map[string]telegramBot),
		newBot: func(token string) (telegramBot, error) {
			return tele.NewBot(tele.Settings{
				Token:  token,
				Client: newHTTPClient(10 * time.Second),
			})
		},
	}
}

func (s *TelegramSender) Type() subscription.ChannelType {
	return subscription.ChannelTypeTelegram
}

func (s *TelegramSender) Send(ctx context.Context, payload Payload, channel subscription.Channel) error {
	cfg := channel.Config.Telegram
	if cfg == nil || cfg.BotToken == "" || cfg.ChatID == 0 {
		return permanentErr("telegram", fmt.Errorf("incomplete telegram config"))
	}
	if err := ctx.Err(); err != nil {
		return retryableErr("telegram", err)
	}

	bot, err := s.bot(cfg.BotToken)
	if err != nil {
		return retryableErr("telegram", fmt.Errorf("bot init: %w", err))
	}

	text := payload.Title
	if payload.Body != "" {
		text += "\n\n" + payload.Body
	}

	_, err = bot.Send(&tele.Chat{ID: cfg.ChatID}, text, &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	if err != nil {
		return retryableErr("telegram", fmt.Errorf("send message: %w", err))
	}
	return nil
}

func (s *TelegramSender) bot(token string) (telegramBot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bot, ok := s.bots[token]; ok {
		return bot, nil
	}
	bot, err := s.newBot(token)
	if err != nil {
		return nil, err
	}
	s.bots[token] = bot
	return bot, nil
}
