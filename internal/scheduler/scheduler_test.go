package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/KafClaw/capclaw/internal/bus"
	"github.com/KafClaw/capclaw/internal/provider"
	"github.com/KafClaw/capclaw/internal/workflow"
)

const rootYAML = `
entries:
  morning:
    cron: "0 8 * * *"
    timezone: Europe/Berlin
    action: brief
    description: Morning brief
actions:
  brief:
    prompt: Summarize the day.
    output: "Brief {{timestamp}}: {{response}}"
`

const capYAML = `
entries:
  digest:
    cron: "*/30 * * * *"
    action: summarize
    enabled: false
  inbox-agent:weekly:
    cron: "@weekly"
    action: inbox-agent:summarize
actions:
  summarize:
    fetch:
      - tool: list_mail
        args: {folder: inbox}
      - tool: list_calendar
    prompt: Summarize unread mail.
    requires_confirmation: true
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func setupWorkspace(t *testing.T) string {
	t.Helper()
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "schedules.yaml"), rootYAML)
	writeFile(t, filepath.Join(ws, "capabilities", "inbox-agent", "PROMPT.md"), "mail")
	writeFile(t, filepath.Join(ws, "capabilities", "inbox-agent", "schedules.yaml"), capYAML)
	return ws
}

func TestLoadConfigMergesAndNamespaces(t *testing.T) {
	ws := setupWorkspace(t)
	cfg := LoadConfig(ws, []string{"inbox-agent"})

	var ids []string
	for _, e := range cfg.Entries {
		ids = append(ids, e.ID)
	}
	want := []string{"inbox-agent:digest", "inbox-agent:weekly", "morning"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Fatalf("entries = %v, want %v", ids, want)
	}

	digest, _ := cfg.Entry("inbox-agent:digest")
	if digest.Enabled || digest.Action != "inbox-agent:summarize" {
		t.Errorf("unexpected digest entry %+v", digest)
	}
	weekly, _ := cfg.Entry("inbox-agent:weekly")
	if weekly.Action != "inbox-agent:summarize" || !weekly.Enabled {
		t.Errorf("prefixed IDs must not be prefixed twice: %+v", weekly)
	}
	if _, ok := cfg.Actions["inbox-agent:summarize"]; !ok {
		t.Error("capability action not namespaced")
	}
	if weekly.Capability() != "inbox-agent" {
		t.Errorf("unexpected capability %q", weekly.Capability())
	}
	if morning, _ := cfg.Entry("morning"); morning.Capability() != "" || !morning.Enabled {
		t.Errorf("root entry mis-parsed: %+v", morning)
	}
}

func TestLoadConfigMalformedFileContributesNothing(t *testing.T) {
	ws := setupWorkspace(t)
	writeFile(t, filepath.Join(ws, "schedules.yaml"), "entries: [not: a map")
	cfg := LoadConfig(ws, []string{"inbox-agent", "not-installed"})
	if _, ok := cfg.Entry("morning"); ok {
		t.Error("malformed root file should contribute nothing")
	}
	if len(cfg.Entries) != 2 {
		t.Errorf("capability entries should survive, got %d", len(cfg.Entries))
	}
}

func TestStoreCreateListDelete(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "capabilities", "inbox-agent", "PROMPT.md"), "mail")
	s := NewStore(ws, func() []string { return []string{"inbox-agent"} })

	if err := s.Create(Entry{ID: "standup", Cron: "0 9 * * 1-5", Description: "Standup"}, Action{Prompt: "Draft standup notes."}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(Entry{ID: "inbox-agent:triage", Cron: "0 * * * *"}, Action{Prompt: "Triage."}); err != nil {
		t.Fatalf("create namespaced: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws, "capabilities", "inbox-agent", "schedules.yaml")); err != nil {
		t.Errorf("namespaced entry should go to the capability file: %v", err)
	}

	entries := s.List()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	e, a, err := s.Get("standup")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !e.Enabled || e.Cron != "0 9 * * 1-5" || a.Prompt != "Draft standup notes." {
		t.Errorf("round trip mismatch: %+v %+v", e, a)
	}

	if err := s.Create(Entry{ID: "standup", Cron: "* * * * *"}, Action{Prompt: "x"}); err == nil {
		t.Error("duplicate create should fail")
	}
	if err := s.Create(Entry{ID: "bad", Cron: "nope"}, Action{Prompt: "x"}); err == nil {
		t.Error("invalid cron should fail")
	}
	if err := s.Create(Entry{ID: "crm:x", Cron: "* * * * *"}, Action{Prompt: "x"}); err == nil {
		t.Error("unknown capability should fail")
	}

	if err := s.SetEnabled("inbox-agent:triage", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if e, _, _ := s.Get("inbox-agent:triage"); e.Enabled {
		t.Error("entry still enabled")
	}

	if err := s.Delete("standup"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := s.Get("standup"); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	if _, ok := s.Load().Actions["standup"]; ok {
		t.Error("delete should remove the action too")
	}
	if err := s.Delete("standup"); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestStoreConcurrentCreateSameID(t *testing.T) {
	s := NewStore(t.TempDir(), func() []string { return nil })

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Create(Entry{ID: "digest", Cron: "0 8 * * *"}, Action{Prompt: "Summarize."}); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly one create to succeed, got %d", created)
	}
	if entries := s.List(); len(entries) != 1 {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestRender(t *testing.T) {
	fired := time.Date(2026, 1, 10, 7, 0, 0, 0, time.UTC)
	berlin, _ := time.LoadLocation("Europe/Berlin")
	got := Render("Brief {{timestamp}}: {{response}}", "all quiet {{timestamp}}", fired, berlin)
	if got != "Brief 2026-01-10 08:00 CET: all quiet {{timestamp}}" {
		t.Errorf("unexpected render %q", got)
	}
	if Render("", "plain", fired, nil) != "plain" {
		t.Error("empty template should pass the response through")
	}
}

type fakeAgent struct {
	mu      sync.Mutex
	prompts []string
	reply   string
}

func (f *fakeAgent) Run(ctx context.Context, history []provider.Message, msg string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, msg)
	return f.reply, nil
}

type fakeTools struct{}

func (fakeTools) Execute(ctx context.Context, name string, params map[string]any) string {
	if folder, ok := params["folder"].(string); ok {
		return name + "(" + folder + ")"
	}
	return name + "()"
}

type capturePublisher struct {
	ch chan *bus.OutboundMessage
}

func (c *capturePublisher) PublishOutbound(msg *bus.OutboundMessage) { c.ch <- msg }

func newEngine(t *testing.T, ws string, wf workflow.Engine) (*Engine, *fakeAgent, *capturePublisher) {
	agent := &fakeAgent{reply: "Three unread.\n\n-- General"}
	pub := &capturePublisher{ch: make(chan *bus.OutboundMessage, 8)}
	e := NewEngine(EngineOptions{
		Store:          NewStore(ws, func() []string { return []string{"inbox-agent"} }),
		Workflows:      wf,
		Agent:          agent,
		Tools:          fakeTools{},
		Publisher:      pub,
		DefaultChannel: "slack",
		DefaultChatID:  "C1",
	})
	return e, agent, pub
}

func TestRunNowSkipsApproval(t *testing.T) {
	ws := setupWorkspace(t)
	e, agent, pub := newEngine(t, ws, nil)

	text, err := e.RunNow(context.Background(), "inbox-agent:weekly")
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if text != "Three unread.\n\n-- Inbox Agent" {
		t.Errorf("unexpected delivered text %q", text)
	}
	msg := <-pub.ch
	if msg.Channel != "slack" || msg.ChatID != "C1" || len(msg.Buttons) != 0 {
		t.Errorf("unexpected outbound %+v", msg)
	}
	wantData := "list_mail(inbox)" + FetchSeparator + "list_calendar()"
	if !strings.HasSuffix(agent.prompts[0], "\n\nData:\n"+wantData) {
		t.Errorf("unexpected agent prompt %q", agent.prompts[0])
	}

	text, err = e.RunNow(context.Background(), "morning")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(text, "Brief ") || !strings.HasSuffix(text, "Three unread.\n\n-- Scheduled") {
		t.Errorf("unexpected root render %q", text)
	}
	if !strings.Contains(agent.prompts[1], NoDataPlaceholder) {
		t.Error("expected no-data placeholder")
	}

	if _, err := e.RunNow(context.Background(), "missing"); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("expected ErrScheduleNotFound, got %v", err)
	}
}

func newWorkflowEngine(t *testing.T) *workflow.LocalEngine {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	j, err := workflow.NewJournal(db)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	wf, err := workflow.NewLocalEngine(workflow.Options{Journal: j, StateDir: t.TempDir(), TickInterval: time.Hour, StepBackoff: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	return wf
}

func TestApprovalFlowThroughWorkflow(t *testing.T) {
	ws := setupWorkspace(t)
	wf := newWorkflowEngine(t)
	e, _, pub := newEngine(t, ws, wf)

	n, err := e.Register(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected the two enabled entries registered, got %d", n)
	}

	runID, err := e.Trigger(context.Background(), "inbox-agent:weekly")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	var preview *bus.OutboundMessage
	select {
	case preview = <-pub.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no preview published")
	}
	if len(preview.Buttons) != 1 || preview.Buttons[0][0].Data != "sched:approve:"+runID {
		t.Fatalf("unexpected preview buttons %+v", preview.Buttons)
	}

	if err := wf.Send(context.Background(), ApprovalDecision(runID, true)); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-pub.ch:
		if msg.Content != "Three unread.\n\n-- Inbox Agent" {
			t.Errorf("unexpected delivery %q", msg.Content)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("approved run not delivered")
	}
}

func TestDisabledEntrySkipsAtFire(t *testing.T) {
	ws := setupWorkspace(t)
	wf := newWorkflowEngine(t)
	e, agent, _ := newEngine(t, ws, wf)
	if _, err := e.Register(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.store.SetEnabled("morning", false); err != nil {
		t.Fatal(err)
	}
	runID, err := e.Trigger(context.Background(), "morning")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := wf.Journal().GetRun(runID)
		if err == nil && rec.Status != workflow.StatusRunning {
			if rec.Output != "skipped" {
				t.Errorf("expected skipped run, got %+v", rec)
			}
			agent.mu.Lock()
			defer agent.mu.Unlock()
			if len(agent.prompts) != 0 {
				t.Error("disabled run must not call the agent")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not finish")
}
