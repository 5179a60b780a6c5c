// Package channels connects chat transports to the agent: routing, commands,
// button callbacks and delivery.
package channels

import (
	"context"

	"github.com/KafClaw/capclaw/internal/bus"
)

// Transport is a chat platform the runtime can talk through.
type Transport interface {
	// Name returns the channel name used on the bus (e.g. "slack").
	Name() string
	// Start starts any listener the transport needs beyond HTTP handlers.
	Start(ctx context.Context) error
	// Stop stops the listener.
	Stop() error
	// Send delivers a rich message (markdown and buttons) and returns its ID.
	Send(ctx context.Context, msg *bus.OutboundMessage) (string, error)
	// SendPlain delivers unformatted text.
	SendPlain(ctx context.Context, chatID, text string) error
	// EditMessage replaces a sent message's text and clears its buttons.
	EditMessage(ctx context.Context, chatID, messageID, text string) error
	// AckCallback acknowledges a button tap.
	AckCallback(ctx context.Context, callbackID string) error
	// MaxMessageLength is the longest text the platform accepts.
	MaxMessageLength() int
}
