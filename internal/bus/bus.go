package bus

import (
	"log"
	"sync"
	"time"
)

// InboundMessage is a user turn arriving from a channel.
type InboundMessage struct {
	Channel    string
	SenderID   string
	SenderName string
	ChatID     string
	Content    string
	ReceivedAt time.Time
}

// OutboundMessage is a reply heading back to a channel.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
}

// MessageBus decouples channels from the gateway: channels publish
// inbound turns, the gateway consumes them and dispatches replies to
// per-channel outbound subscribers.
type MessageBus struct {
	inbound chan InboundMessage

	mu       sync.RWMutex
	outbound map[string]chan OutboundMessage
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, bufSize),
		outbound: make(map[string]chan OutboundMessage),
	}
}

// PublishInbound enqueues a user turn. A full queue drops the message
// rather than blocking the channel's receive loop.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	select {
	case b.inbound <- msg:
	default:
		log.Printf("[bus] inbound queue full, dropping message from %s/%s", msg.Channel, msg.SenderID)
	}
}

// Inbound returns the consumer side of the inbound queue.
func (b *MessageBus) Inbound() <-chan InboundMessage {
	return b.inbound
}

// SubscribeOutbound registers a channel's reply queue and returns it.
// Subscribing the same name twice returns the existing queue.
func (b *MessageBus) SubscribeOutbound(channel string, bufSize int) <-chan OutboundMessage {
	if bufSize <= 0 {
		bufSize = 100
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.outbound[channel]; ok {
		return ch
	}
	ch := make(chan OutboundMessage, bufSize)
	b.outbound[channel] = ch
	return ch
}

// DispatchOutbound routes a reply to its channel's queue.
func (b *MessageBus) DispatchOutbound(msg OutboundMessage) {
	b.mu.RLock()
	ch, ok := b.outbound[msg.Channel]
	b.mu.RUnlock()
	if !ok {
		log.Printf("[bus] no outbound subscriber for channel %q", msg.Channel)
		return
	}
	select {
	case ch <- msg:
	default:
		log.Printf("[bus] outbound queue full for %q, dropping reply", msg.Channel)
	}
}
