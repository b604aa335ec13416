package channel

import (
	"context"
	"log"

	"github.com/stellarlinkco/chatumba/internal/bus"
	"github.com/stellarlinkco/chatumba/internal/config"
)

// Manager owns the enabled channels and their lifecycle.
type Manager struct {
	channels []Channel
}

func NewManager(b *bus.MessageBus, cfg config.ChannelsConfig, tgFactory BotFactory) *Manager {
	m := &Manager{}
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		m.channels = append(m.channels, NewTelegramChannel(b, cfg.Telegram, tgFactory))
	}
	return m
}

func (m *Manager) StartAll(ctx context.Context) error {
	for _, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			return err
		}
		log.Printf("[channel] %s started", ch.Name())
	}
	return nil
}

func (m *Manager) StopAll() {
	for _, ch := range m.channels {
		if err := ch.Stop(); err != nil {
			log.Printf("[channel] %s stop failed: %v", ch.Name(), err)
		}
	}
}

func (m *Manager) Names() []string {
	out := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch.Name())
	}
	return out
}
