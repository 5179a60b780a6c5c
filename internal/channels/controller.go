package channels

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/KafClaw/capclaw/internal/approval"
	"github.com/KafClaw/capclaw/internal/bus"
	"github.com/KafClaw/capclaw/internal/capabilities"
	"github.com/KafClaw/capclaw/internal/integrations"
	"github.com/KafClaw/capclaw/internal/provider"
	"github.com/KafClaw/capclaw/internal/scheduler"
	"github.com/KafClaw/capclaw/internal/session"
	"github.com/KafClaw/capclaw/internal/tools"
	"github.com/KafClaw/capclaw/internal/workflow"
)

// User-facing fixed replies.
const (
	ReplyUnavailable   = "Sorry, the assistant is unavailable right now. Please try again shortly."
	ReplyCancelled     = "Cancelled."
	ReplyExpired       = "This request has expired."
	ReplyNoIntegration = "The integration hub is not configured."
)

// Agent answers a user message given history.
type Agent interface {
	Run(ctx context.Context, history []provider.Message, userMessage string) (string, error)
}

// ToolCatalog is the registry surface the controller uses.
type ToolCatalog interface {
	Connections() []integrations.Connection
	Descriptors() []tools.Descriptor
	Reload(ctx context.Context) error
}

// Hub initiates integration connections.
type Hub interface {
	Configured() bool
	RequiredParams(ctx context.Context, app string) ([]integrations.Param, error)
	Connect(ctx context.Context, app string, params map[string]string) (string, error)
}

// Capabilities is the composer surface the controller uses.
type Capabilities interface {
	List() []capabilities.Capability
	ActiveMode() string
	SetActiveMode(mode string) (string, error)
	AllowedTags() []string
}

// Schedules lists schedules and runs them on demand.
type Schedules interface {
	List() []scheduler.Entry
	RunNow(ctx context.Context, id string) (string, error)
}

// EventSender resolves workflow waits.
type EventSender interface {
	Send(ctx context.Context, evt workflow.Event) error
	Awaiting(ctx context.Context, event, correlation string) (bool, error)
}

// ControllerOptions wires a Controller.
type ControllerOptions struct {
	Bus           *bus.MessageBus
	Agent         Agent
	Tools         ToolCatalog
	Hub           Hub
	Capabilities  Capabilities
	Prompt        *capabilities.Prompt
	Schedules     Schedules
	Events        EventSender
	History       *session.Store
	Confirmations approval.ConfirmationStore
	Collections   *approval.Collections
}

// Controller routes inbound updates and delivers replies.
type Controller struct {
	bus           *bus.MessageBus
	agent         Agent
	tools         ToolCatalog
	hub           Hub
	caps          Capabilities
	prompt        *capabilities.Prompt
	schedules     Schedules
	events        EventSender
	history       *session.Store
	confirmations approval.ConfirmationStore
	collections   *approval.Collections

	mu         sync.RWMutex
	transports map[string]Transport
	wg         sync.WaitGroup
}

// NewController creates a controller.
func NewController(opts ControllerOptions) *Controller {
	return &Controller{
		bus:           opts.Bus,
		agent:         opts.Agent,
		tools:         opts.Tools,
		hub:           opts.Hub,
		caps:          opts.Capabilities,
		prompt:        opts.Prompt,
		schedules:     opts.Schedules,
		events:        opts.Events,
		history:       opts.History,
		confirmations: opts.Confirmations,
		collections:   opts.Collections,
		transports:    make(map[string]Transport),
	}
}

// AddTransport registers t and subscribes it to outbound messages for its
// channel name.
func (c *Controller) AddTransport(t Transport) {
	c.mu.Lock()
	c.transports[t.Name()] = t
	c.mu.Unlock()
	c.bus.Subscribe(t.Name(), func(msg *bus.OutboundMessage) {
		c.Deliver(context.Background(), msg)
	})
	slog.Info("Transport registered", "channel", t.Name())
}

func (c *Controller) transport(name string) (Transport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.transports[name]
	return t, ok
}

// Run consumes inbound updates until ctx is done. Each update is handled in
// its own goroutine.
func (c *Controller) Run(ctx context.Context) error {
	slog.Info("Conversation controller started")
	for {
		msg, err := c.bus.ConsumeInbound(ctx)
		if err != nil {
			c.wg.Wait()
			return err
		}
		c.wg.Add(1)
		go func(m *bus.InboundMessage) {
			defer c.wg.Done()
			c.Handle(ctx, m)
		}(msg)
	}
}

// Handle processes a single inbound update.
func (c *Controller) Handle(ctx context.Context, msg *bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Inbound handler panic", "channel", msg.Channel, "chat_id", msg.ChatID, "panic", r)
		}
	}()
	if msg.SessionID == "" {
		msg.SessionID = session.Key(msg.Channel, msg.ChatID)
	}
	if msg.Kind == bus.KindCallback && msg.Callback != nil {
		c.handleCallback(ctx, msg)
		return
	}
	c.handleText(ctx, msg)
}

func (c *Controller) handleText(ctx context.Context, msg *bus.InboundMessage) {
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return
	}

	if c.collections != nil && c.continueCollection(ctx, msg, text) {
		return
	}

	if strings.HasPrefix(text, "/") {
		if c.handleCommand(ctx, msg, text) {
			return
		}
	}

	c.converse(ctx, msg, text)
}

// converse runs the agent for a plain message, normalizes the footer and
// persists the exchange.
func (c *Controller) converse(ctx context.Context, msg *bus.InboundMessage, text string) {
	var history []session.Message
	if c.history != nil {
		history = c.history.Load(msg.SessionID)
	}

	turnCtx := tools.WithTurn(ctx, tools.Turn{SessionID: msg.SessionID, ChatID: msg.ChatID, Channel: msg.Channel})
	reply, err := c.agent.Run(turnCtx, session.ToProvider(history), text)
	if err != nil {
		var perr *provider.ProviderError
		if errors.As(err, &perr) {
			slog.Error("Model backend failed", "provider", perr.Provider, "status", perr.Status, "error", err)
		} else {
			slog.Error("Agent run failed", "session", msg.SessionID, "error", err)
		}
		c.reply(ctx, msg, ReplyUnavailable, nil)
		return
	}

	var allowed []string
	if c.caps != nil {
		allowed = c.caps.AllowedTags()
	}
	body, label := capabilities.SplitFooter(reply, allowed)

	if c.history != nil {
		if err := c.history.Append(msg.SessionID,
			session.Message{Role: "user", Content: text},
			session.Message{Role: "assistant", Content: body},
		); err != nil {
			slog.Warn("Session history not saved", "session", msg.SessionID, "error", err)
		}
	}
	c.reply(ctx, msg, capabilities.AppendFooter(body, label), nil)
}

// RequestConfirmation records an action the model wants approved and sends
// Approve/Reject buttons to the turn's chat.
func (c *Controller) RequestConfirmation(ctx context.Context, turn tools.Turn, summary, action string) error {
	if c.confirmations == nil {
		return errors.New("confirmations are not configured")
	}
	id, err := c.confirmations.Create(ctx, approval.Confirmation{
		SessionID: turn.SessionID,
		ChatID:    turn.ChatID,
		Channel:   turn.Channel,
		Action:    action,
		Summary:   summary,
	})
	if err != nil {
		return err
	}
	c.bus.PublishOutbound(&bus.OutboundMessage{
		Channel: turn.Channel,
		ChatID:  turn.ChatID,
		Content: summary,
		Buttons: [][]bus.Button{{
			{Label: "Approve", Data: "confirm:approve:" + id, Style: "primary"},
			{Label: "Reject", Data: "confirm:reject:" + id, Style: "danger"},
		}},
	})
	return nil
}

func (c *Controller) reply(ctx context.Context, msg *bus.InboundMessage, text string, buttons [][]bus.Button) {
	c.Deliver(ctx, &bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: text, Buttons: buttons})
}

// Deliver sends msg through its transport, split to the platform limit.
// Buttons ride on the last chunk. A rejected rich send is retried once as
// plain text; a second failure is logged and dropped.
func (c *Controller) Deliver(ctx context.Context, msg *bus.OutboundMessage) {
	t, ok := c.transport(msg.Channel)
	if !ok {
		slog.Warn("No transport for outbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}
	chunks := SplitMessage(msg.Content, t.MaxMessageLength())
	for i, chunk := range chunks {
		part := &bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: chunk}
		if i == len(chunks)-1 {
			part.Buttons = msg.Buttons
		}
		if _, err := t.Send(ctx, part); err != nil {
			slog.Warn("Rich send rejected, retrying as plain text", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
			if err := t.SendPlain(ctx, msg.ChatID, PlainText(chunk)); err != nil {
				slog.Error("Message delivery abandoned", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
				return
			}
		}
	}
}

// Wait blocks until in-flight handlers return.
func (c *Controller) Wait() {
	c.wg.Wait()
}
