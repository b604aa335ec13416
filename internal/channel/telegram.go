package channel

import (
	"context"
	"fmt"
	"log"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/chatumba/internal/bus"
	"github.com/stellarlinkco/chatumba/internal/config"
)

// TelegramBot abstracts the bot API for tests.
type TelegramBot interface {
	GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	Send(tgbotapi.Chattable) (tgbotapi.Message, error)
	StopReceivingUpdates()
	Self() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(cfg)
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Self() tgbotapi.User {
	return w.bot.Self
}

// BotFactory builds the bot client; swapped out in tests.
type BotFactory func(token string) (TelegramBot, error)

func defaultBotFactory(token string) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel bridges Telegram long polling and the message bus.
type TelegramChannel struct {
	*BaseChannel
	cfg     config.TelegramConfig
	factory BotFactory
	bot     TelegramBot
	allowed map[string]bool
}

func NewTelegramChannel(b *bus.MessageBus, cfg config.TelegramConfig, factory BotFactory) *TelegramChannel {
	if factory == nil {
		factory = defaultBotFactory
	}
	allowed := make(map[string]bool, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		allowed[id] = true
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", b),
		cfg:         cfg,
		factory:     factory,
		allowed:     allowed,
	}
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	bot, err := c.factory(c.cfg.Token)
	if err != nil {
		return err
	}
	c.bot = bot
	log.Printf("[telegram] authorized as @%s", bot.Self().UserName)

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updates := bot.GetUpdatesChan(updateCfg)

	go c.receiveLoop(ctx, updates)
	go c.PumpOutbound(ctx, c.Send)
	return nil
}

func (c *TelegramChannel) Stop() error {
	close(c.StopCh())
	if c.bot != nil {
		c.bot.StopReceivingUpdates()
	}
	return nil
}

func (c *TelegramChannel) receiveLoop(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.StopCh():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			c.handleUpdate(update)
		}
	}
}

func (c *TelegramChannel) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	msg := update.Message
	senderID := strconv.FormatInt(msg.From.ID, 10)

	if len(c.allowed) > 0 && !c.allowed[senderID] && !c.allowed[msg.From.UserName] {
		log.Printf("[telegram] ignoring message from unauthorized sender %s", senderID)
		return
	}

	c.Bus().PublishInbound(bus.InboundMessage{
		Channel:    c.Name(),
		SenderID:   senderID,
		SenderName: msg.From.UserName,
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		Content:    msg.Text,
	})
}

func (c *TelegramChannel) Send(out bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(out.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad chat id %q: %w", out.ChatID, err)
	}
	reply := tgbotapi.NewMessage(chatID, out.Content)
	if _, err := c.bot.Send(reply); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
