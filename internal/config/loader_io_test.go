package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndEnsureDir(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("CAPCLAW_HOME", "")
	t.Setenv("CAPCLAW_CONFIG", "")

	cfg := DefaultConfig()
	cfg.Model.Name = "saved-model"
	if err := Save(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("saved config file missing: %v", err)
	}

	newDir := filepath.Join(tmpDir, "nested", "dir")
	if err := EnsureDir(newDir); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	if info, err := os.Stat(newDir); err != nil || !info.IsDir() {
		t.Fatalf("expected created directory, err=%v", err)
	}
}

func TestLoadInvalidJSONReturnsError(t *testing.T) {
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, ".capclaw")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(`{"model":`), 0o600); err != nil {
		t.Fatalf("write invalid config: %v", err)
	}
	t.Setenv("HOME", tmpDir)
	t.Setenv("CAPCLAW_HOME", "")
	t.Setenv("CAPCLAW_CONFIG", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected JSON error, got nil")
	}
}

func TestLoadPrecedence(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")
	body := `{"model":{"name":"from-file","maxTokens":1234},"tools":{"hub":{"apiKey":"${HUB_SECRET}"}}}`
	if err := os.WriteFile(configPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", tmpDir)
	t.Setenv("CAPCLAW_CONFIG", configPath)
	t.Setenv("CAPCLAW_MODEL_NAME", "from-env")
	t.Setenv("HUB_SECRET", "s3cret")
	t.Setenv("CAPCLAW_SCHEDULER_APPROVAL_TIMEOUT", "90m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.Name != "from-env" {
		t.Errorf("expected env to override file, got %q", cfg.Model.Name)
	}
	if cfg.Model.MaxTokens != 1234 {
		t.Errorf("expected maxTokens from file, got %d", cfg.Model.MaxTokens)
	}
	if cfg.Model.Temperature != 0.7 {
		t.Errorf("expected default temperature, got %v", cfg.Model.Temperature)
	}
	if cfg.Tools.Hub.APIKey != "s3cret" {
		t.Errorf("expected ${HUB_SECRET} substitution, got %q", cfg.Tools.Hub.APIKey)
	}
	if cfg.Scheduler.ApprovalTimeout != 90*time.Minute {
		t.Errorf("expected approval timeout 90m, got %v", cfg.Scheduler.ApprovalTimeout)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("CAPCLAW_CONFIG", filepath.Join(tmpDir, "absent.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.ApprovalTimeout != time.Hour {
		t.Errorf("expected 1h approval timeout, got %v", cfg.Scheduler.ApprovalTimeout)
	}
	if cfg.Channel.MaxMessageLength != 4000 {
		t.Errorf("expected 4000 message ceiling, got %d", cfg.Channel.MaxMessageLength)
	}
	if cfg.Paths.Workspace != filepath.Join(tmpDir, "capclaw-workspace") {
		t.Errorf("expected ~ expansion, got %q", cfg.Paths.Workspace)
	}
}

func TestParseEnvLine(t *testing.T) {
	tests := []struct {
		line    string
		key     string
		val     string
		matched bool
	}{
		{"FOO=bar", "FOO", "bar", true},
		{"export FOO=bar", "FOO", "bar", true},
		{`FOO="quoted value"`, "FOO", "quoted value", true},
		{"FOO='single'", "FOO", "single", true},
		{"# comment", "", "", false},
		{"", "", "", false},
		{"=novalue", "", "", false},
		{"NOEQUALS", "", "", false},
	}
	for _, tt := range tests {
		key, val, ok := parseEnvLine(tt.line)
		if ok != tt.matched || key != tt.key || val != tt.val {
			t.Errorf("parseEnvLine(%q) = (%q, %q, %v), want (%q, %q, %v)", tt.line, key, val, ok, tt.key, tt.val, tt.matched)
		}
	}
}
