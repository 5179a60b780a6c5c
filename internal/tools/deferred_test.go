package tools

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureNotifier struct {
	mu   sync.Mutex
	msgs []string
	ch   chan string
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{ch: make(chan string, 4)}
}

func (c *captureNotifier) Notify(ctx context.Context, channel, chatID, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, chatID+":"+text)
	c.mu.Unlock()
	c.ch <- chatID + ":" + text
	return nil
}

func TestTimersBounds(t *testing.T) {
	timers := NewTimers(time.Hour)
	if _, err := timers.After(2*time.Hour, func() {}); err == nil {
		t.Error("expected delay above maximum to be refused")
	}
	if _, err := timers.After(0, func() {}); err == nil {
		t.Error("expected zero delay to be refused")
	}
	if _, err := timers.After(time.Minute, func() {}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if timers.Pending() != 1 {
		t.Errorf("expected 1 pending timer, got %d", timers.Pending())
	}
	timers.Stop()
	if timers.Pending() != 0 {
		t.Errorf("expected timers cleared, got %d", timers.Pending())
	}
}

func TestTimersFire(t *testing.T) {
	timers := NewTimers(time.Hour)
	fired := make(chan struct{})
	if _, err := timers.After(10*time.Millisecond, func() { close(fired) }); err != nil {
		t.Fatalf("after: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestRemindToolNeedsChat(t *testing.T) {
	tool := NewRemindTool(NewTimers(time.Hour), newCaptureNotifier())
	if _, err := tool.Execute(context.Background(), map[string]any{"message": "hi", "delay_minutes": 5}); err == nil {
		t.Error("expected error without a turn")
	}

	ctx := WithTurn(context.Background(), Turn{SessionID: "s1", ChatID: "c1"})
	out, err := tool.Execute(ctx, map[string]any{"message": "stretch", "delay_minutes": float64(5)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "5 minutes") {
		t.Errorf("unexpected confirmation %q", out)
	}
	if _, err := tool.Execute(ctx, map[string]any{"message": "later", "delay_minutes": 100000}); err == nil {
		t.Error("expected delay over the maximum to be refused")
	}
}

func TestAgentRunToolLateBinding(t *testing.T) {
	timers := NewTimers(time.Hour)
	notifier := newCaptureNotifier()
	tool := NewAgentRunTool(timers, notifier)
	ctx := WithTurn(context.Background(), Turn{SessionID: "s1", ChatID: "c1"})

	if _, err := tool.Execute(ctx, map[string]any{"instruction": "x", "delay_minutes": 1}); err == nil || !strings.Contains(err.Error(), "not ready") {
		t.Fatalf("expected not-ready error before binding, got %v", err)
	}

	var gotInstruction string
	tool.SetAgentCallback(func(ctx context.Context, chatID, instruction string) (string, error) {
		gotInstruction = instruction
		return "done: " + instruction, nil
	})
	if _, err := tool.Execute(ctx, map[string]any{"instruction": "check inbox", "delay_minutes": 1}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if timers.Pending() != 1 {
		t.Errorf("expected deferred run pending, got %d", timers.Pending())
	}
	timers.Stop()
	if gotInstruction != "" {
		t.Error("stopped timer should not have run the agent")
	}
}

func TestConfirmToolUsesRequester(t *testing.T) {
	tool := NewConfirmTool()
	ctx := WithTurn(context.Background(), Turn{SessionID: "s1", ChatID: "c1"})
	if _, err := tool.Execute(ctx, map[string]any{"action": "send it"}); err == nil {
		t.Error("expected error before requester is bound")
	}

	var got []string
	tool.SetRequester(func(ctx context.Context, turn Turn, summary, action string) error {
		got = append(got, turn.ChatID, summary, action)
		return nil
	})
	out, err := tool.Execute(ctx, map[string]any{"action": "Send the reply to Bob"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "do not perform it now") {
		t.Errorf("unexpected tool output %q", out)
	}
	if len(got) != 3 || got[0] != "c1" || got[1] != "Send the reply to Bob" {
		t.Errorf("unexpected requester call %v", got)
	}
}

func TestCurrentTimeTool(t *testing.T) {
	tool := NewCurrentTimeTool()
	tool.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	out, err := tool.Execute(context.Background(), map[string]any{"timezone": "UTC"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "Sunday, 2026-03-01 12:00:00 UTC" {
		t.Errorf("unexpected time %q", out)
	}
	if _, err := tool.Execute(context.Background(), map[string]any{"timezone": "Mars/Base"}); err == nil {
		t.Error("expected unknown timezone error")
	}
}
