package channels

import (
	"context"
	"log/slog"
	"strings"

	"github.com/KafClaw/capclaw/internal/bus"
	"github.com/KafClaw/capclaw/internal/scheduler"
	"github.com/KafClaw/capclaw/internal/tools"
)

// callbackFunc performs a button's effect and returns the status text the
// origin message is edited to. An empty status leaves the text unchanged.
type callbackFunc func(ctx context.Context, msg *bus.InboundMessage, arg string) string

func (c *Controller) callbackTable() map[string]callbackFunc {
	return map[string]callbackFunc{
		"confirm":                c.onConfirm,
		scheduler.CallbackPrefix: c.onScheduleApproval,
		"mode":                   c.onMode,
		"run":                    c.onRun,
		"connect":                c.onConnect,
	}
}

// handleCallback acknowledges the tap, runs the effect, then clears the
// origin message's buttons.
func (c *Controller) handleCallback(ctx context.Context, msg *bus.InboundMessage) {
	cb := msg.Callback
	t, ok := c.transport(msg.Channel)
	if !ok {
		slog.Warn("Callback from unknown channel", "channel", msg.Channel)
		return
	}
	if err := t.AckCallback(ctx, cb.ID); err != nil {
		slog.Debug("Callback ack failed", "channel", msg.Channel, "error", err)
	}

	prefix, arg, _ := strings.Cut(cb.Data, ":")
	status := ""
	if fn, ok := c.callbackTable()[prefix]; ok {
		status = fn(ctx, msg, arg)
	} else {
		slog.Debug("Unknown callback prefix", "data", cb.Data)
	}

	if cb.MessageID == "" {
		return
	}
	if status == "" {
		status = cb.MessageText
	}
	if err := t.EditMessage(ctx, msg.ChatID, cb.MessageID, status); err != nil {
		slog.Warn("Callback message edit failed", "channel", msg.Channel, "message_id", cb.MessageID, "error", err)
	}
}

// onConfirm resolves an ad hoc confirmation: "approve:<id>" or "reject:<id>".
func (c *Controller) onConfirm(ctx context.Context, msg *bus.InboundMessage, arg string) string {
	decision, id, ok := strings.Cut(arg, ":")
	if !ok || c.confirmations == nil {
		return ""
	}
	conf, found, err := c.confirmations.Take(ctx, id)
	if err != nil {
		slog.Warn("Confirmation lookup failed", "id", id, "error", err)
		return ""
	}
	if !found {
		return ReplyExpired
	}
	if decision != "approve" {
		slog.Info("Confirmation rejected", "id", id, "session", conf.SessionID)
		return "Rejected: " + conf.Summary
	}

	slog.Info("Confirmation approved", "id", id, "session", conf.SessionID)
	turn := tools.Turn{SessionID: conf.SessionID, ChatID: conf.ChatID, Channel: conf.Channel}
	c.runApproved(ctx, turn, conf.Action)
	return "Approved: " + conf.Summary
}

func (c *Controller) runApproved(ctx context.Context, turn tools.Turn, action string) {
	reply, err := c.agent.Run(tools.WithTurn(ctx, turn), nil, action)
	if err != nil {
		slog.Error("Approved action failed", "session", turn.SessionID, "error", err)
		reply = ReplyUnavailable
	}
	c.Deliver(ctx, &bus.OutboundMessage{Channel: turn.Channel, ChatID: turn.ChatID, Content: reply})
}

// onScheduleApproval answers a scheduled preview: "approve:<run>" or
// "reject:<run>".
func (c *Controller) onScheduleApproval(ctx context.Context, msg *bus.InboundMessage, arg string) string {
	decision, runID, ok := strings.Cut(arg, ":")
	if !ok || c.events == nil {
		return ""
	}
	waiting, err := c.events.Awaiting(ctx, scheduler.ApprovalEvent, runID)
	if err != nil {
		slog.Warn("Approval wait lookup failed", "run_id", runID, "error", err)
	} else if !waiting {
		return ReplyExpired
	}
	approve := decision == "approve"
	if err := c.events.Send(ctx, scheduler.ApprovalDecision(runID, approve)); err != nil {
		slog.Error("Approval event not sent", "run_id", runID, "error", err)
		return ReplyUnavailable
	}
	if approve {
		return "Approved. Sending now."
	}
	return "Rejected."
}

func (c *Controller) onMode(ctx context.Context, msg *bus.InboundMessage, arg string) string {
	return c.switchMode(arg)
}

func (c *Controller) onRun(ctx context.Context, msg *bus.InboundMessage, arg string) string {
	if c.schedules == nil {
		return ""
	}
	if _, err := c.schedules.RunNow(ctx, arg); err != nil {
		slog.Error("Manual schedule run failed", "id", arg, "error", err)
		return "Schedule " + arg + " failed."
	}
	return "Ran " + arg + "."
}

func (c *Controller) onConnect(ctx context.Context, msg *bus.InboundMessage, arg string) string {
	c.startConnect(ctx, msg, arg)
	return "Connecting " + arg + "..."
}
