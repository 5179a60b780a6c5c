// Package bus provides the async message bus between transports, the
// conversation controller and background producers.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Inbound message kinds.
const (
	KindMessage  = "message"
	KindCallback = "callback"
)

// Callback is a button tap on a previously sent message.
type Callback struct {
	ID          string `json:"id"`
	Data        string `json:"data"`
	MessageID   string `json:"message_id"`
	// MessageText is the origin message's text when the platform reports it.
	MessageText string `json:"message_text,omitempty"`
}

// InboundMessage represents a normalized update from a channel.
type InboundMessage struct {
	Kind      string         `json:"kind"`
	Channel   string         `json:"channel"`
	SenderID  string         `json:"sender_id"`
	ChatID    string         `json:"chat_id"`
	SessionID string         `json:"session_id,omitempty"`
	Content   string         `json:"content"`
	Callback  *Callback      `json:"callback,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Button is an inline action attached to an outbound message. Data is the
// callback payload returned when the user taps it.
type Button struct {
	Label string `json:"label"`
	Data  string `json:"data"`
	Style string `json:"style,omitempty"`
}

// OutboundMessage represents a message from the runtime to a channel.
type OutboundMessage struct {
	Channel string     `json:"channel"`
	ChatID  string     `json:"chat_id"`
	Content string     `json:"content"`
	Buttons [][]Button `json:"buttons,omitempty"`
}

// MessageBus decouples channels from the agent core.
type MessageBus struct {
	inbound  chan *InboundMessage
	outbound chan *OutboundMessage
	subs     map[string][]func(*OutboundMessage)
	mu       sync.RWMutex
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan *InboundMessage, 100),
		outbound: make(chan *OutboundMessage, 100),
		subs:     make(map[string][]func(*OutboundMessage)),
	}
}

// PublishInbound sends an update from a channel to the controller.
func (b *MessageBus) PublishInbound(msg *InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Kind == "" {
		msg.Kind = KindMessage
	}
	b.inbound <- msg
}

// ConsumeInbound blocks until a message is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound queues a message for delivery.
func (b *MessageBus) PublishOutbound(msg *OutboundMessage) {
	b.outbound <- msg
}

// Subscribe registers a callback for outbound messages to a specific channel.
func (b *MessageBus) Subscribe(channel string, callback func(*OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[channel] = append(b.subs[channel], callback)
}

// DispatchOutbound runs the outbound message dispatcher until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.outbound:
			b.mu.RLock()
			callbacks := b.subs[msg.Channel]
			b.mu.RUnlock()

			if len(callbacks) == 0 {
				slog.Warn("Outbound message dropped: no subscriber", "channel", msg.Channel, "chat_id", msg.ChatID)
				continue
			}
			for _, cb := range callbacks {
				cb(msg)
			}
		}
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int {
	return len(b.outbound)
}
