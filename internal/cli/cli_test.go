package cli

import (
	"bufio"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KafClaw/capclaw/internal/integrations"
	"github.com/KafClaw/capclaw/internal/scheduler"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CAPCLAW_HOME", home)
	t.Setenv("CAPCLAW_CONFIG", filepath.Join(home, "missing.json"))
	ws := filepath.Join(home, "ws")
	t.Setenv("CAPCLAW_PATHS_WORKSPACE", ws)
	t.Setenv("CAPCLAW_PATHS_STATE_DIR", filepath.Join(home, "state"))
	return ws
}

func TestParseFetch(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    []scheduler.ToolCall
		wantErr bool
	}{
		{name: "bare", in: []string{"gmail_list_unread"}, want: []scheduler.ToolCall{{Tool: "gmail_list_unread"}}},
		{name: "args", in: []string{`calendar_events={"days":1}`}, want: []scheduler.ToolCall{{Tool: "calendar_events", Args: map[string]any{"days": float64(1)}}}},
		{name: "bad json", in: []string{"x={"}, wantErr: true},
		{name: "empty name", in: []string{"={}"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFetch(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) || got[0].Tool != tt.want[0].Tool {
				t.Fatalf("got %+v", got)
			}
			for k, v := range tt.want[0].Args {
				if got[0].Args[k] != v {
					t.Fatalf("arg %s = %v, want %v", k, got[0].Args[k], v)
				}
			}
		})
	}
}

func TestPromptParams(t *testing.T) {
	in := bufio.NewReader(strings.NewReader("acme\n  key-123  \n"))
	values, err := promptParams(in, []integrations.Param{{Name: "subdomain"}, {Name: "api_key", DisplayName: "API key"}})
	if err != nil {
		t.Fatal(err)
	}
	if values["subdomain"] != "acme" || values["api_key"] != "key-123" {
		t.Fatalf("values = %v", values)
	}
}

func TestSchedulesCreateAndToggle(t *testing.T) {
	isolate(t)

	run := func(args ...string) {
		t.Helper()
		rootCmd.SetArgs(args)
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
	}
	run("schedules", "create", "daily", "--cron", "0 8 * * *", "--prompt", "Summarize my day", "--tz", "Europe/Berlin")

	store, err := openScheduleStore()
	if err != nil {
		t.Fatal(err)
	}
	entry, action, err := store.Get("daily")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Cron != "0 8 * * *" || entry.Timezone != "Europe/Berlin" || !entry.Enabled || action.Prompt != "Summarize my day" {
		t.Fatalf("entry=%+v action=%+v", entry, action)
	}

	run("schedules", "disable", "daily")
	if entry, _, _ := store.Get("daily"); entry.Enabled {
		t.Fatal("still enabled")
	}

	run("schedules", "delete", "daily")
	if _, _, err := store.Get("daily"); err == nil {
		t.Fatal("schedule survived delete")
	}
}

func TestDefaultChannel(t *testing.T) {
	isolate(t)
	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if got := defaultChannel(cfg); got != "webhook" {
		t.Fatalf("defaultChannel = %q", got)
	}
	cfg.Channel.Slack.Enabled = true
	if got := defaultChannel(cfg); got != "slack" {
		t.Fatalf("defaultChannel = %q", got)
	}
}
