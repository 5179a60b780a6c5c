package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notifier delivers a plain message to a chat.
type Notifier interface {
	Notify(ctx context.Context, channel, chatID, text string) error
}

// AgentCallback runs a full agent turn for chatID and returns the reply.
type AgentCallback func(ctx context.Context, chatID, instruction string) (string, error)

// ConfirmationRequester asks the user in turn's chat to approve action.
type ConfirmationRequester func(ctx context.Context, turn Turn, summary, action string) error

// Timers runs delayed in-process actions. They are lost on restart.
type Timers struct {
	maxDelay time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewTimers creates a timer set that refuses delays above maxDelay.
func NewTimers(maxDelay time.Duration) *Timers {
	if maxDelay <= 0 {
		maxDelay = 24 * time.Hour
	}
	return &Timers{maxDelay: maxDelay, timers: map[string]*time.Timer{}}
}

// After schedules fn after delay and returns its id.
func (t *Timers) After(delay time.Duration, fn func()) (string, error) {
	if delay <= 0 {
		return "", errors.New("delay must be positive")
	}
	if delay > t.maxDelay {
		return "", fmt.Errorf("delay exceeds the maximum of %s", t.maxDelay)
	}
	id := uuid.NewString()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timers[id] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, id)
		t.mu.Unlock()
		fn()
	})
	return id, nil
}

// Pending returns the number of timers that have not fired.
func (t *Timers) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Stop cancels every pending timer.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

func delayFrom(params map[string]any) time.Duration {
	return time.Duration(GetInt(params, "delay_minutes", 0)) * time.Minute
}

// RemindTool sends a message back to the current chat after a delay.
type RemindTool struct {
	timers   *Timers
	notifier Notifier
}

// NewRemindTool creates the remind_later tool.
func NewRemindTool(timers *Timers, notifier Notifier) *RemindTool {
	return &RemindTool{timers: timers, notifier: notifier}
}

func (t *RemindTool) Name() string { return "remind_later" }
func (t *RemindTool) Description() string {
	return "Send the user a reminder message in this chat after a delay in minutes."
}

func (t *RemindTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message":       map[string]any{"type": "string", "description": "Reminder text"},
			"delay_minutes": map[string]any{"type": "integer", "description": "Minutes from now"},
		},
		"required": []string{"message", "delay_minutes"},
	}
}

func (t *RemindTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	turn, ok := TurnFrom(ctx)
	if !ok || turn.ChatID == "" {
		return "", errors.New("reminders need an active chat")
	}
	msg := strings.TrimSpace(GetString(params, "message", ""))
	if msg == "" {
		return "", errors.New("message is required")
	}
	delay := delayFrom(params)
	_, err := t.timers.After(delay, func() {
		if err := t.notifier.Notify(context.Background(), turn.Channel, turn.ChatID, "Reminder: "+msg); err != nil {
			slog.Warn("Reminder delivery failed", "chat_id", turn.ChatID, "error", err)
		}
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Reminder set for %d minutes from now.", int(delay.Minutes())), nil
}

// AgentRunTool runs a full agent turn later and posts the result to the chat.
// The agent is bound after construction with SetAgentCallback because the
// agent itself depends on the registry holding this tool.
type AgentRunTool struct {
	timers   *Timers
	notifier Notifier

	mu       sync.RWMutex
	callback AgentCallback
}

// NewAgentRunTool creates the schedule_agent_run tool.
func NewAgentRunTool(timers *Timers, notifier Notifier) *AgentRunTool {
	return &AgentRunTool{timers: timers, notifier: notifier}
}

// SetAgentCallback binds the agent runner.
func (t *AgentRunTool) SetAgentCallback(cb AgentCallback) {
	t.mu.Lock()
	t.callback = cb
	t.mu.Unlock()
}

func (t *AgentRunTool) agent() AgentCallback {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.callback
}

func (t *AgentRunTool) Name() string { return "schedule_agent_run" }
func (t *AgentRunTool) Description() string {
	return "Run an instruction with full tool access after a delay in minutes and send the result to this chat."
}

func (t *AgentRunTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"instruction":   map[string]any{"type": "string", "description": "What to do when the timer fires"},
			"delay_minutes": map[string]any{"type": "integer", "description": "Minutes from now"},
		},
		"required": []string{"instruction", "delay_minutes"},
	}
}

func (t *AgentRunTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	if t.agent() == nil {
		return "", errors.New("agent runner not ready")
	}
	turn, ok := TurnFrom(ctx)
	if !ok || turn.ChatID == "" {
		return "", errors.New("deferred runs need an active chat")
	}
	instruction := strings.TrimSpace(GetString(params, "instruction", ""))
	if instruction == "" {
		return "", errors.New("instruction is required")
	}
	delay := delayFrom(params)
	_, err := t.timers.After(delay, func() {
		runCtx := WithTurn(context.Background(), turn)
		reply, err := t.agent()(runCtx, turn.ChatID, instruction)
		if err != nil {
			slog.Error("Deferred agent run failed", "chat_id", turn.ChatID, "error", err)
			reply = "A scheduled task could not be completed."
		}
		if err := t.notifier.Notify(context.Background(), turn.Channel, turn.ChatID, reply); err != nil {
			slog.Warn("Deferred run delivery failed", "chat_id", turn.ChatID, "error", err)
		}
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Scheduled to run in %d minutes.", int(delay.Minutes())), nil
}

// ConfirmTool lets the model ask the user to approve an action before it runs.
type ConfirmTool struct {
	mu      sync.RWMutex
	request ConfirmationRequester
}

// NewConfirmTool creates the request_confirmation tool. Bind it with SetRequester.
func NewConfirmTool() *ConfirmTool {
	return &ConfirmTool{}
}

// SetRequester binds the channel that renders the approval prompt.
func (t *ConfirmTool) SetRequester(fn ConfirmationRequester) {
	t.mu.Lock()
	t.request = fn
	t.mu.Unlock()
}

func (t *ConfirmTool) Name() string { return "request_confirmation" }
func (t *ConfirmTool) Description() string {
	return "Ask the user to approve an action before doing it. The action runs only if the user taps Approve. " +
		"Describe the action as a complete instruction, e.g. \"Send the drafted reply to Alice\"."
}

func (t *ConfirmTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{"type": "string", "description": "Short question shown to the user"},
			"action":  map[string]any{"type": "string", "description": "Instruction to carry out once approved"},
		},
		"required": []string{"summary", "action"},
	}
}

func (t *ConfirmTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	t.mu.RLock()
	request := t.request
	t.mu.RUnlock()
	if request == nil {
		return "", errors.New("confirmations are not available")
	}
	turn, ok := TurnFrom(ctx)
	if !ok {
		return "", errors.New("confirmations need an active chat")
	}
	summary := strings.TrimSpace(GetString(params, "summary", ""))
	action := strings.TrimSpace(GetString(params, "action", ""))
	if action == "" {
		return "", errors.New("action is required")
	}
	if summary == "" {
		summary = action
	}
	if err := request(ctx, turn, summary, action); err != nil {
		return "", err
	}
	return "Asked the user for confirmation. The action will run only after they approve; do not perform it now.", nil
}
