package channel

import (
	"context"
	"log"

	"github.com/stellarlinkco/chatumba/internal/bus"
)

// Channel is one chat surface the bot lives on.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	// Send delivers one outbound reply to the surface.
	Send(msg bus.OutboundMessage) error
}

// BaseChannel carries the pieces every channel shares: its name, the
// bus, and the outbound pump goroutine.
type BaseChannel struct {
	name   string
	bus    *bus.MessageBus
	stopCh chan struct{}
}

func NewBaseChannel(name string, b *bus.MessageBus) *BaseChannel {
	return &BaseChannel{
		name:   name,
		bus:    b,
		stopCh: make(chan struct{}),
	}
}

func (c *BaseChannel) Name() string { return c.name }

func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

func (c *BaseChannel) StopCh() chan struct{} { return c.stopCh }

// PumpOutbound forwards dispatched replies to the channel's Send until
// stopped. Run it in a goroutine from Start.
func (c *BaseChannel) PumpOutbound(ctx context.Context, send func(bus.OutboundMessage) error) {
	outbound := c.bus.SubscribeOutbound(c.name, 100)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case msg := <-outbound:
			if err := send(msg); err != nil {
				log.Printf("[%s] send to %s failed: %v", c.name, msg.ChatID, err)
			}
		}
	}
}
