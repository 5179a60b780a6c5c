package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".capclaw"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("CAPCLAW_CONFIG")); explicit != "" {
		return expandUser(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("CAPCLAW_HOME")); h != "" {
		return expandUser(h)
	}
	return os.UserHomeDir()
}

func expandUser(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	base, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, p[1:]), nil
}

// Load reads the config file and applies environment overrides.
// Precedence: env > file > defaults. A missing file is not an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load process env vars from ~/.config/capclaw/env (and fallbacks) first.
	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}

	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Override with environment variables for each group
	envconfig.Process("CAPCLAW_PATHS", &cfg.Paths)
	envconfig.Process("CAPCLAW_MODEL", &cfg.Model)
	envconfig.Process("CAPCLAW_PROVIDERS_OPENAI", &cfg.Providers.OpenAI)
	envconfig.Process("CAPCLAW_PROVIDERS_OPENROUTER", &cfg.Providers.OpenRouter)
	envconfig.Process("CAPCLAW_PROVIDERS_ANTHROPIC", &cfg.Providers.Anthropic)
	envconfig.Process("CAPCLAW_TOOLS", &cfg.Tools)
	envconfig.Process("CAPCLAW_TOOLS_HUB", &cfg.Tools.Hub)
	envconfig.Process("CAPCLAW_CHANNEL", &cfg.Channel)
	envconfig.Process("CAPCLAW_CHANNEL_SLACK", &cfg.Channel.Slack)
	envconfig.Process("CAPCLAW_GATEWAY", &cfg.Gateway)
	envconfig.Process("CAPCLAW_SCHEDULER", &cfg.Scheduler)
	envconfig.Process("CAPCLAW_PENDING", &cfg.Pending)

	// Fallback for API keys
	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Providers.OpenRouter.APIKey == "" {
		cfg.Providers.OpenRouter.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	if p, err := expandUser(cfg.Paths.Workspace); err == nil {
		cfg.Paths.Workspace = p
	}
	if p, err := expandUser(cfg.Paths.StateDir); err == nil {
		cfg.Paths.StateDir = p
	}

	if cfg.Channel.MaxMessageLength <= 0 {
		cfg.Channel.MaxMessageLength = 4000
	}
	if cfg.Scheduler.StepAttempts <= 0 {
		cfg.Scheduler.StepAttempts = 1
	}
	if cfg.Tools.ProtocolRetries <= 0 {
		cfg.Tools.ProtocolRetries = 1
	}

	return cfg, nil
}

// Save writes the config to its file with owner-only permissions.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// EnsureDir creates path and its parents.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// loadResolvedConfig reads the file and substitutes ${VAR} references in string values.
func loadResolvedConfig(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}
	substituteEnvValues(raw)
	return json.Marshal(raw)
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			parts := envPattern.FindStringSubmatch(match)
			if len(parts) != 2 {
				return match
			}
			if value, ok := os.LookupEnv(parts[1]); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
