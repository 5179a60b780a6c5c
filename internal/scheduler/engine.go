package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/capclaw/internal/bus"
	"github.com/KafClaw/capclaw/internal/capabilities"
	"github.com/KafClaw/capclaw/internal/provider"
	"github.com/KafClaw/capclaw/internal/tools"
	"github.com/KafClaw/capclaw/internal/workflow"
)

const (
	// FetchSeparator joins the results of an action's fetch calls.
	FetchSeparator = "\n\n---\n\n"
	// NoDataPlaceholder stands in for fetched data when an action has none.
	NoDataPlaceholder = "(no data was fetched for this run)"
	// TimestampFormat renders {{timestamp}} in output templates.
	TimestampFormat = "2006-01-02 15:04 MST"
	// ApprovalEvent is sent with the run ID as correlation when a preview is
	// approved or rejected.
	ApprovalEvent = "schedule.approval"
	// CallbackPrefix prefixes preview button payloads.
	CallbackPrefix = "sched"

	functionPrefix = "schedule:"
)

// AgentRunner processes a prompt with tools.
type AgentRunner interface {
	Run(ctx context.Context, history []provider.Message, userMessage string) (string, error)
}

// ToolExecutor runs fetch calls.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, params map[string]any) string
}

// Publisher delivers messages to a chat.
type Publisher interface {
	PublishOutbound(msg *bus.OutboundMessage)
}

// EngineOptions wires the schedule engine.
type EngineOptions struct {
	Store           *Store
	Workflows       workflow.Engine
	Agent           AgentRunner
	Tools           ToolExecutor
	Publisher       Publisher
	TagFor          func(capability string) string
	DefaultChannel  string
	DefaultChatID   string
	ApprovalTimeout time.Duration
}

// Engine turns schedule entries into workflow functions.
type Engine struct {
	store           *Store
	workflows       workflow.Engine
	agent           AgentRunner
	tools           ToolExecutor
	publisher       Publisher
	tagFor          func(string) string
	defaultChannel  string
	defaultChatID   string
	approvalTimeout time.Duration
}

// NewEngine creates a schedule engine.
func NewEngine(opts EngineOptions) *Engine {
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = time.Hour
	}
	if opts.TagFor == nil {
		opts.TagFor = func(capability string) string {
			if capability == "" {
				return "Scheduled"
			}
			return capabilities.DisplayName(capability)
		}
	}
	return &Engine{
		store:           opts.Store,
		workflows:       opts.Workflows,
		agent:           opts.Agent,
		tools:           opts.Tools,
		publisher:       opts.Publisher,
		tagFor:          opts.TagFor,
		defaultChannel:  opts.DefaultChannel,
		defaultChatID:   opts.DefaultChatID,
		approvalTimeout: opts.ApprovalTimeout,
	}
}

// List returns every configured entry.
func (e *Engine) List() []Entry {
	return e.store.List()
}

// FunctionID is the workflow function ID for a schedule entry.
func FunctionID(entryID string) string {
	return functionPrefix + entryID
}

// Register turns each enabled entry into a workflow function and returns how
// many were registered. Entries added or removed later need a restart.
func (e *Engine) Register(ctx context.Context) (int, error) {
	if e.workflows == nil {
		return 0, errors.New("scheduler: no workflow engine configured")
	}
	n := 0
	for _, entry := range e.store.List() {
		if !entry.Enabled {
			slog.Info("Schedule disabled, not registering", "id", entry.ID)
			continue
		}
		err := e.workflows.Register(workflow.Function{
			ID:       FunctionID(entry.ID),
			Cron:     entry.Cron,
			Timezone: entry.Timezone,
			Handler:  e.handler(entry.ID),
		})
		if err != nil {
			slog.Warn("Schedule not registered", "id", entry.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Trigger starts a workflow run of an entry, approval included.
func (e *Engine) Trigger(ctx context.Context, id string) (string, error) {
	return e.workflows.Trigger(ctx, FunctionID(id))
}

func (e *Engine) handler(id string) workflow.Handler {
	return func(ctx context.Context, run *workflow.Run) (string, error) {
		enabled, err := run.Step(ctx, "check-enabled", func(ctx context.Context) (string, error) {
			entry, _, err := e.store.Get(id)
			if errors.Is(err, ErrScheduleNotFound) {
				return "false", nil
			}
			if err != nil {
				return "", workflow.Permanent(err)
			}
			return strconv.FormatBool(entry.Enabled), nil
		})
		if err != nil {
			return "", err
		}
		if enabled != "true" {
			slog.Info("Schedule skipped: disabled or removed", "id", id, "run_id", run.ID)
			return "skipped", nil
		}

		entry, action, err := e.store.Get(id)
		if err != nil {
			return "", err
		}
		channel, chatID := e.destination(entry)
		ctx = tools.WithTurn(ctx, tools.Turn{SessionID: FunctionID(id), ChatID: chatID, Channel: channel})

		data, err := run.Step(ctx, "fetch", func(ctx context.Context) (string, error) {
			return e.fetch(ctx, action.Fetch), nil
		})
		if err != nil {
			return "", err
		}
		reply, err := run.Step(ctx, "process", func(ctx context.Context) (string, error) {
			return e.agent.Run(ctx, nil, processPrompt(action.Prompt, data))
		})
		if err != nil {
			return "", err
		}
		text := e.render(entry, action, reply, run.FiredAt)

		if action.RequiresConfirmation {
			if _, err := run.Step(ctx, "send-preview", func(ctx context.Context) (string, error) {
				e.publish(channel, chatID, previewText(entry, text), ApprovalButtons(run.ID))
				return "sent", nil
			}); err != nil {
				return "", err
			}
			evt, err := run.WaitForEvent(ctx, "approval", ApprovalEvent, run.ID, e.approvalTimeout)
			if errors.Is(err, workflow.ErrWaitTimeout) {
				_, _ = run.Step(ctx, "notify-timeout", func(ctx context.Context) (string, error) {
					e.publish(channel, chatID, fmt.Sprintf("Approval for %q expired, nothing was sent.", describe(entry)), nil)
					return "sent", nil
				})
				return "timed out", nil
			}
			if err != nil {
				return "", err
			}
			if evt.Data["decision"] != "approve" {
				slog.Info("Scheduled run rejected", "id", id, "run_id", run.ID)
				_, _ = run.Step(ctx, "notify-reject", func(ctx context.Context) (string, error) {
					e.publish(channel, chatID, fmt.Sprintf("Rejected %q, nothing was sent.", describe(entry)), nil)
					return "sent", nil
				})
				return "rejected", nil
			}
		}

		return run.Step(ctx, "deliver", func(ctx context.Context) (string, error) {
			e.publish(channel, chatID, text, nil)
			return text, nil
		})
	}
}

// RunNow runs an entry synchronously without approval and returns the
// delivered text.
func (e *Engine) RunNow(ctx context.Context, id string) (string, error) {
	entry, action, err := e.store.Get(id)
	if err != nil {
		return "", err
	}
	channel, chatID := e.destination(entry)
	ctx = tools.WithTurn(ctx, tools.Turn{SessionID: FunctionID(id), ChatID: chatID, Channel: channel})

	data := e.fetch(ctx, action.Fetch)
	reply, err := e.agent.Run(ctx, nil, processPrompt(action.Prompt, data))
	if err != nil {
		return "", fmt.Errorf("schedule %s: %w", id, err)
	}
	text := e.render(entry, action, reply, time.Now())
	e.publish(channel, chatID, text, nil)
	slog.Info("Schedule run manually", "id", id)
	return text, nil
}

// fetch runs every call in parallel. Tool failures arrive as text, so the
// group never aborts early.
func (e *Engine) fetch(ctx context.Context, calls []ToolCall) string {
	if len(calls) == 0 {
		return NoDataPlaceholder
	}
	results := make([]string, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			args := call.Args
			if args == nil {
				args = map[string]any{}
			}
			results[i] = e.tools.Execute(gctx, call.Tool, args)
			return nil
		})
	}
	_ = g.Wait()
	return strings.Join(results, FetchSeparator)
}

func processPrompt(prompt, data string) string {
	return prompt + "\n\nData:\n" + data
}

// render fills the output template and replaces any model footer with the
// entry's own.
func (e *Engine) render(entry Entry, action Action, reply string, firedAt time.Time) string {
	body, _ := capabilities.SplitFooter(reply, nil)
	out := Render(action.Output, body, firedAt, entry.Location())
	out, _ = capabilities.SplitFooter(out, nil)
	return capabilities.AppendFooter(out, e.tagFor(entry.Capability()))
}

// Render substitutes {{response}} and {{timestamp}} in tmpl. An empty
// template yields the response unchanged.
func Render(tmpl, response string, firedAt time.Time, loc *time.Location) string {
	if strings.TrimSpace(tmpl) == "" {
		return response
	}
	if loc == nil {
		loc = time.UTC
	}
	r := strings.NewReplacer(
		"{{response}}", response,
		"{{timestamp}}", firedAt.In(loc).Format(TimestampFormat),
	)
	return r.Replace(tmpl)
}

func (e *Engine) destination(entry Entry) (channel, chatID string) {
	channel, chatID = e.defaultChannel, e.defaultChatID
	if entry.Chat == "" {
		return channel, chatID
	}
	if i := strings.Index(entry.Chat, ":"); i > 0 {
		return entry.Chat[:i], entry.Chat[i+1:]
	}
	return channel, entry.Chat
}

func (e *Engine) publish(channel, chatID, text string, buttons [][]bus.Button) {
	if e.publisher == nil || chatID == "" {
		slog.Warn("Scheduled message has no destination", "channel", channel)
		return
	}
	e.publisher.PublishOutbound(&bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: text, Buttons: buttons})
}

func describe(entry Entry) string {
	if entry.Description != "" {
		return entry.Description
	}
	return entry.ID
}

func previewText(entry Entry, text string) string {
	return fmt.Sprintf("Preview of %q. Approve to send:\n\n%s", describe(entry), text)
}

// ApprovalButtons builds the Approve/Reject row for a preview.
func ApprovalButtons(runID string) [][]bus.Button {
	return [][]bus.Button{{
		{Label: "Approve", Data: CallbackPrefix + ":approve:" + runID, Style: "primary"},
		{Label: "Reject", Data: CallbackPrefix + ":reject:" + runID, Style: "danger"},
	}}
}

// ApprovalDecision builds the event that resolves a preview.
func ApprovalDecision(runID string, approve bool) workflow.Event {
	decision := "reject"
	if approve {
		decision = "approve"
	}
	return workflow.Event{Name: ApprovalEvent, Correlation: runID, Data: map[string]string{"decision": decision}}
}
