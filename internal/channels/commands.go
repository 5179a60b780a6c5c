package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/capclaw/internal/approval"
	"github.com/KafClaw/capclaw/internal/bus"
)

const helpText = `Commands:
/integrations - list connected integrations
/connect <app> - connect an integration
/schedules - list schedules
/capabilities - list capabilities
/mode <id|auto> - switch capability
/reload - reload tools
/cancel - abort a pending connect
/help - show this message`

// handleCommand runs a slash command. It reports false for unknown commands
// so they fall through to the conversation.
func (c *Controller) handleCommand(ctx context.Context, msg *bus.InboundMessage, text string) bool {
	fields := strings.Fields(text)
	name := strings.ToLower(fields[0])
	if i := strings.Index(name, "@"); i > 0 {
		name = name[:i]
	}
	args := fields[1:]

	switch name {
	case "/help", "/start":
		c.reply(ctx, msg, helpText, nil)
	case "/integrations":
		c.cmdIntegrations(ctx, msg)
	case "/schedules":
		c.cmdSchedules(ctx, msg)
	case "/capabilities":
		c.cmdCapabilities(ctx, msg)
	case "/mode":
		if len(args) == 0 {
			c.reply(ctx, msg, "Usage: /mode <id|auto>", nil)
			return true
		}
		c.reply(ctx, msg, c.switchMode(args[0]), nil)
	case "/connect":
		if len(args) == 0 {
			c.reply(ctx, msg, "Usage: /connect <app>", nil)
			return true
		}
		c.startConnect(ctx, msg, strings.ToLower(args[0]))
	case "/reload":
		if err := c.tools.Reload(ctx); err != nil {
			slog.Warn("Tool reload failed", "error", err)
			c.reply(ctx, msg, "Reload failed.", nil)
			return true
		}
		c.reply(ctx, msg, fmt.Sprintf("Reloaded %d tools.", len(c.tools.Descriptors())), nil)
	case "/cancel":
		c.reply(ctx, msg, "Nothing to cancel.", nil)
	default:
		return false
	}
	return true
}

func (c *Controller) cmdIntegrations(ctx context.Context, msg *bus.InboundMessage) {
	conns := c.tools.Connections()
	if len(conns) == 0 {
		c.reply(ctx, msg, "No integrations connected. Use /connect <app> to add one.", nil)
		return
	}
	var b strings.Builder
	b.WriteString("Connected integrations:")
	var buttons [][]bus.Button
	for _, conn := range conns {
		fmt.Fprintf(&b, "\n- %s (%s)", conn.App, conn.Status)
		if !strings.EqualFold(conn.Status, "active") {
			buttons = append(buttons, []bus.Button{{Label: "Reconnect " + conn.App, Data: "connect:" + conn.App}})
		}
	}
	c.reply(ctx, msg, b.String(), buttons)
}

func (c *Controller) cmdSchedules(ctx context.Context, msg *bus.InboundMessage) {
	if c.schedules == nil {
		c.reply(ctx, msg, "No schedules configured.", nil)
		return
	}
	entries := c.schedules.List()
	if len(entries) == 0 {
		c.reply(ctx, msg, "No schedules configured.", nil)
		return
	}
	var b strings.Builder
	b.WriteString("Schedules:")
	var buttons [][]bus.Button
	for _, e := range entries {
		state := "on"
		if !e.Enabled {
			state = "off"
		}
		fmt.Fprintf(&b, "\n- %s [%s] %s", e.ID, e.Cron, state)
		if e.Description != "" {
			fmt.Fprintf(&b, ": %s", e.Description)
		}
		buttons = append(buttons, []bus.Button{{Label: "Run " + e.ID, Data: "run:" + e.ID}})
	}
	c.reply(ctx, msg, b.String(), buttons)
}

func (c *Controller) cmdCapabilities(ctx context.Context, msg *bus.InboundMessage) {
	active := c.caps.ActiveMode()
	var b strings.Builder
	fmt.Fprintf(&b, "Active mode: %s\nCapabilities:", active)
	buttons := [][]bus.Button{{{Label: "Auto", Data: "mode:auto"}}}
	for _, cp := range c.caps.List() {
		fmt.Fprintf(&b, "\n- %s (%s)", cp.Name, cp.ID)
		if cp.Description != "" {
			fmt.Fprintf(&b, ": %s", cp.Description)
		}
		buttons = append(buttons, []bus.Button{{Label: cp.Name, Data: "mode:" + cp.ID}})
	}
	c.reply(ctx, msg, b.String(), buttons)
}

// switchMode persists the mode and hot-swaps the composed prompt.
func (c *Controller) switchMode(mode string) string {
	prompt, err := c.caps.SetActiveMode(mode)
	if err != nil {
		slog.Warn("Mode switch rejected", "mode", mode, "error", err)
		return fmt.Sprintf("Unknown capability %q.", mode)
	}
	if c.prompt != nil {
		c.prompt.Set(prompt)
	}
	slog.Info("Capability mode switched", "mode", mode)
	return "Switched to " + mode + "."
}

// startConnect begins an integration connect, asking for parameters first
// when the hub needs any.
func (c *Controller) startConnect(ctx context.Context, msg *bus.InboundMessage, app string) {
	if c.hub == nil || !c.hub.Configured() {
		c.reply(ctx, msg, ReplyNoIntegration, nil)
		return
	}
	params, err := c.hub.RequiredParams(ctx, app)
	if err != nil {
		slog.Warn("Required params lookup failed", "app", app, "error", err)
		c.reply(ctx, msg, "Could not start the connection for "+app+".", nil)
		return
	}
	if len(params) == 0 || c.collections == nil {
		c.finishConnect(ctx, msg, app, nil)
		return
	}
	col := approval.Collection{SessionID: msg.SessionID, ChatID: msg.ChatID, App: app, Params: params}
	c.collections.Start(col)
	c.askNext(ctx, msg, col)
}

func (c *Controller) askNext(ctx context.Context, msg *bus.InboundMessage, col approval.Collection) {
	p, ok := col.Current()
	if !ok {
		return
	}
	text := fmt.Sprintf("Please send your %s for %s.", p.Label(), col.App)
	if p.Description != "" {
		text += "\n" + p.Description
	}
	c.reply(ctx, msg, text+"\n(/cancel to abort)", nil)
}

// continueCollection stores text as the next parameter value. It reports
// false when the session has no collection in progress.
func (c *Controller) continueCollection(ctx context.Context, msg *bus.InboundMessage, text string) bool {
	if strings.EqualFold(text, "/cancel") {
		if !c.collections.Cancel(msg.SessionID) {
			return false
		}
		c.reply(ctx, msg, ReplyCancelled, nil)
		return true
	}
	col, done, ok := c.collections.Advance(msg.SessionID, text)
	if !ok {
		return false
	}
	if !done {
		c.askNext(ctx, msg, col)
		return true
	}
	c.finishConnect(ctx, msg, col.App, col.Values)
	return true
}

func (c *Controller) finishConnect(ctx context.Context, msg *bus.InboundMessage, app string, values map[string]string) {
	url, err := c.hub.Connect(ctx, app, values)
	if err != nil {
		slog.Warn("Integration connect failed", "app", app, "error", err)
		c.reply(ctx, msg, "Could not connect "+app+".", nil)
		return
	}
	if url == "" {
		c.reply(ctx, msg, app+" connected.", nil)
		return
	}
	c.reply(ctx, msg, "Open this link to connect "+app+":\n"+url, nil)
}
