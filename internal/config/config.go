// Package config provides configuration types and loading for capclaw.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Model, Providers, Tools, Channel, Gateway, Scheduler, Pending.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Model     ModelConfig     `json:"model"`
	Providers ProvidersConfig `json:"providers"`
	Tools     ToolsConfig     `json:"tools"`
	Channel   ChannelConfig   `json:"channel"`
	Gateway   GatewayConfig   `json:"gateway"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Pending   PendingConfig   `json:"pending"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	// Workspace holds capabilities/, schedules.yaml, capabilities.json and sessions/.
	Workspace string `json:"workspace" envconfig:"WORKSPACE"`
	// StateDir holds the workflow journal, lock files and the global prompt fallback.
	StateDir string `json:"stateDir" envconfig:"STATE_DIR"`
}

// ---------------------------------------------------------------------------
// Model – LLM behaviour
// ---------------------------------------------------------------------------

// ModelConfig groups LLM model and agent-loop settings.
type ModelConfig struct {
	// Provider selects the wire protocol: openai, openrouter, anthropic or auto.
	Provider    string  `json:"provider" envconfig:"PROVIDER"`
	Name        string  `json:"name" envconfig:"NAME"`
	ToolModel   string  `json:"toolModel" envconfig:"TOOL_MODEL"`
	MaxTokens   int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature float64 `json:"temperature" envconfig:"TEMPERATURE"`
}

// ---------------------------------------------------------------------------
// Providers – LLM API keys & endpoints
// ---------------------------------------------------------------------------

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Anthropic  ProviderConfig `json:"anthropic"`
}

// ProviderConfig contains settings for a single LLM provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// ---------------------------------------------------------------------------
// Tools – tool sources
// ---------------------------------------------------------------------------

// ToolsConfig configures the protocol and integration hub tool sources.
type ToolsConfig struct {
	MCPServers       []MCPServerConfig `json:"mcpServers"`
	Hub              HubConfig         `json:"hub"`
	ProtocolRetries  int               `json:"protocolRetries" envconfig:"PROTOCOL_RETRIES"`
	ProtocolBackoff  time.Duration     `json:"protocolBackoff" envconfig:"PROTOCOL_BACKOFF"`
	MaxReminderDelay time.Duration     `json:"maxReminderDelay" envconfig:"MAX_REMINDER_DELAY"`
}

// MCPServerConfig describes one MCP server. Command selects stdio, URL selects streamable HTTP.
type MCPServerConfig struct {
	Name    string            `json:"name"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// HubConfig configures the integration hub REST client.
type HubConfig struct {
	BaseURL string `json:"baseUrl" envconfig:"BASE_URL"`
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	UserID  string `json:"userId" envconfig:"USER_ID"`
}

// ---------------------------------------------------------------------------
// Channel – chat transport
// ---------------------------------------------------------------------------

// ChannelConfig configures the conversation channel and its transport.
type ChannelConfig struct {
	// DefaultChatID receives scheduled deliveries that do not name a chat.
	DefaultChatID    string      `json:"defaultChatId" envconfig:"DEFAULT_CHAT_ID"`
	MaxMessageLength int         `json:"maxMessageLength" envconfig:"MAX_MESSAGE_LENGTH"`
	WebhookToken     string      `json:"webhookToken" envconfig:"WEBHOOK_TOKEN"`
	// WebhookReplyURL receives outbound webhook messages. When empty they are
	// queued for polling on GET /webhook.
	WebhookReplyURL  string      `json:"webhookReplyUrl" envconfig:"WEBHOOK_REPLY_URL"`
	Slack            SlackConfig `json:"slack"`
}

// SlackConfig configures the Slack transport.
type SlackConfig struct {
	Enabled       bool   `json:"enabled" envconfig:"ENABLED"`
	BotToken      string `json:"botToken" envconfig:"BOT_TOKEN"`
	AppToken      string `json:"appToken" envconfig:"APP_TOKEN"`
	SigningSecret string `json:"signingSecret" envconfig:"SIGNING_SECRET"`
	APIURL        string `json:"apiUrl,omitempty" envconfig:"API_URL"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP server networking
// ---------------------------------------------------------------------------

// GatewayConfig contains gateway server settings.
type GatewayConfig struct {
	Host string `json:"host" envconfig:"HOST"`
	Port int    `json:"port" envconfig:"PORT"`
}

// ---------------------------------------------------------------------------
// Scheduler – cron workflows
// ---------------------------------------------------------------------------

// SchedulerConfig controls the workflow engine that runs schedules.
type SchedulerConfig struct {
	Enabled         bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval    time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	MaxConcurrent   int           `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
	ApprovalTimeout time.Duration `json:"approvalTimeout" envconfig:"APPROVAL_TIMEOUT"`
	StepAttempts    int           `json:"stepAttempts" envconfig:"STEP_ATTEMPTS"`
	KafkaBrokers    string        `json:"kafkaBrokers" envconfig:"KAFKA_BROKERS"`
	KafkaTopic      string        `json:"kafkaTopic" envconfig:"KAFKA_TOPIC"`
	KafkaGroupID    string        `json:"kafkaGroupId" envconfig:"KAFKA_GROUP_ID"`
}

// ---------------------------------------------------------------------------
// Pending – confirmation and parameter-collection registries
// ---------------------------------------------------------------------------

// PendingConfig controls the TTL stores owned by the conversation channel.
type PendingConfig struct {
	ConfirmationTTL time.Duration `json:"confirmationTtl" envconfig:"CONFIRMATION_TTL"`
	CollectionTTL   time.Duration `json:"collectionTtl" envconfig:"COLLECTION_TTL"`
	// RedisAddr moves confirmations into Redis so several gateways can share them.
	RedisAddr string `json:"redisAddr" envconfig:"REDIS_ADDR"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Workspace: "~/capclaw-workspace",
			StateDir:  "~/.capclaw",
		},
		Model: ModelConfig{
			Provider:    "auto",
			Name:        "openrouter/auto",
			ToolModel:   "openai/gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Providers: ProvidersConfig{
			OpenAI:     ProviderConfig{APIBase: "https://api.openai.com/v1"},
			OpenRouter: ProviderConfig{APIBase: "https://openrouter.ai/api/v1"},
			Anthropic:  ProviderConfig{APIBase: "https://api.anthropic.com"},
		},
		Tools: ToolsConfig{
			ProtocolRetries:  3,
			ProtocolBackoff:  2 * time.Second,
			MaxReminderDelay: 24 * time.Hour,
		},
		Channel: ChannelConfig{
			MaxMessageLength: 4000,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			TickInterval:    30 * time.Second,
			MaxConcurrent:   3,
			ApprovalTimeout: time.Hour,
			StepAttempts:    3,
			KafkaTopic:      "capclaw.workflow.events",
			KafkaGroupID:    "capclaw-workflow",
		},
		Pending: PendingConfig{
			ConfirmationTTL: 10 * time.Minute,
			CollectionTTL:   15 * time.Minute,
		},
	}
}
