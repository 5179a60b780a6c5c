package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/KafClaw/capclaw/internal/agent"
	"github.com/KafClaw/capclaw/internal/bus"
	"github.com/KafClaw/capclaw/internal/capabilities"
	"github.com/KafClaw/capclaw/internal/channels"
	"github.com/KafClaw/capclaw/internal/config"
	"github.com/KafClaw/capclaw/internal/integrations"
	"github.com/KafClaw/capclaw/internal/provider"
	"github.com/KafClaw/capclaw/internal/scheduler"
	"github.com/KafClaw/capclaw/internal/tools"
	"github.com/KafClaw/capclaw/internal/workflow"
)

const (
	defaultRelayTopic = "capclaw.workflow.events"
	defaultRelayGroup = "capclaw"
)

// runtime holds the components shared by serve and the one-shot commands.
type runtime struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	hub       *integrations.Client
	composer  *capabilities.Composer
	prompt    *capabilities.Prompt
	registry  *tools.Registry
	loop      *agent.Loop
	timers    *tools.Timers
	confirm   *tools.ConfirmTool
	journal   *workflow.Journal
	relay     *workflow.KafkaRelay
	workflows *workflow.LocalEngine
	schedules *scheduler.Store
	scheduler *scheduler.Engine
}

// busNotifier delivers tool notifications through the outbound bus.
type busNotifier struct {
	bus *bus.MessageBus
}

func (n busNotifier) Notify(ctx context.Context, channel, chatID, text string) error {
	n.bus.PublishOutbound(&bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: text})
	return nil
}

// loadConfig loads the config and makes sure the workspace and state
// directories exist.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	for _, dir := range []string{cfg.Paths.Workspace, cfg.Paths.StateDir} {
		if err := config.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return cfg, nil
}

func newHub(cfg *config.Config) *integrations.Client {
	return integrations.NewClient(cfg.Tools.Hub.BaseURL, cfg.Tools.Hub.APIKey, cfg.Tools.Hub.UserID)
}

func newComposer(cfg *config.Config) *capabilities.Composer {
	composer := capabilities.NewComposer(cfg.Paths.Workspace, cfg.Paths.StateDir)
	if _, err := composer.LoadInstalled(); err != nil {
		slog.Warn("Capability config not written", "error", err)
	}
	return composer
}

// defaultChannel is where scheduled output goes when an entry names no
// channel.
func defaultChannel(cfg *config.Config) string {
	if cfg.Channel.Slack.Enabled {
		return channels.SlackName
	}
	return channels.WebhookName
}

// buildRuntime wires provider, tools, agent, workflow engine and schedules.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	prov, err := provider.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		bus:      bus.NewMessageBus(),
		hub:      newHub(cfg),
		composer: newComposer(cfg),
		registry: tools.NewRegistry(),
		timers:   tools.NewTimers(cfg.Tools.MaxReminderDelay),
		confirm:  tools.NewConfirmTool(),
	}
	rt.prompt = capabilities.NewPrompt(rt.composer.ComposePrompt(rt.composer.ActiveMode()))
	rt.loop = agent.NewLoop(agent.LoopOptions{
		Provider:    prov,
		Tools:       rt.registry,
		Prompt:      rt.prompt,
		Model:       cfg.Model.Name,
		ToolModel:   cfg.Model.ToolModel,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
	})

	notifier := busNotifier{bus: rt.bus}
	agentRun := tools.NewAgentRunTool(rt.timers, notifier)
	agentRun.SetAgentCallback(func(ctx context.Context, chatID, instruction string) (string, error) {
		return rt.loop.RunInstruction(ctx, instruction)
	})

	opts := tools.InitOptions{
		MCPServers: cfg.Tools.MCPServers,
		Retries:    cfg.Tools.ProtocolRetries,
		Backoff:    cfg.Tools.ProtocolBackoff,
		Local: []tools.Tool{
			tools.NewCurrentTimeTool(),
			tools.NewIntegrationsTool(rt.registry),
			tools.NewRemindTool(rt.timers, notifier),
			agentRun,
			rt.confirm,
		},
	}
	if rt.hub.Configured() {
		opts.Hub = rt.hub
	}
	rt.registry.Init(ctx, opts)

	rt.journal, err = workflow.OpenJournal(filepath.Join(cfg.Paths.StateDir, "workflow.db"))
	if err != nil {
		rt.Close()
		return nil, err
	}
	wfOpts := workflow.Options{
		Journal:       rt.journal,
		StateDir:      cfg.Paths.StateDir,
		TickInterval:  cfg.Scheduler.TickInterval,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		StepAttempts:  cfg.Scheduler.StepAttempts,
	}
	if brokers := strings.TrimSpace(cfg.Scheduler.KafkaBrokers); brokers != "" {
		topic := orDefault(cfg.Scheduler.KafkaTopic, defaultRelayTopic)
		group := orDefault(cfg.Scheduler.KafkaGroupID, defaultRelayGroup)
		group = workflow.InstanceGroupID(group, cfg.Paths.StateDir)
		rt.relay = workflow.NewKafkaRelay(brokers, topic, group)
		wfOpts.Relay = rt.relay
		slog.Info("Workflow events relayed through Kafka", "brokers", brokers, "topic", topic, "group", group)
	}
	rt.workflows, err = workflow.NewLocalEngine(wfOpts)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.schedules = scheduler.NewStore(cfg.Paths.Workspace, rt.composer.Installed)
	rt.scheduler = scheduler.NewEngine(scheduler.EngineOptions{
		Store:           rt.schedules,
		Workflows:       rt.workflows,
		Agent:           rt.loop,
		Tools:           rt.registry,
		Publisher:       rt.bus,
		TagFor:          rt.composer.TagFor,
		DefaultChannel:  defaultChannel(cfg),
		DefaultChatID:   cfg.Channel.DefaultChatID,
		ApprovalTimeout: cfg.Scheduler.ApprovalTimeout,
	})
	return rt, nil
}

// Close releases tool sessions, timers, the relay and the journal.
func (rt *runtime) Close() {
	rt.timers.Stop()
	rt.registry.Close()
	if rt.relay != nil {
		if err := rt.relay.Close(); err != nil {
			slog.Debug("Kafka relay close failed", "error", err)
		}
	}
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			slog.Debug("Journal close failed", "error", err)
		}
	}
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
