package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/KafClaw/capclaw/internal/approval"
	"github.com/KafClaw/capclaw/internal/channels"
	"github.com/KafClaw/capclaw/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway: chat transports, agent and scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	printHeader("🌐 capclaw gateway")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	var confirmations approval.ConfirmationStore
	if addr := cfg.Pending.RedisAddr; addr != "" {
		confirmations, err = approval.NewRedisConfirmations(ctx, addr, cfg.Pending.ConfirmationTTL)
		if err != nil {
			return err
		}
		slog.Info("Confirmations stored in Redis", "addr", addr)
	} else {
		confirmations = approval.NewMemoryConfirmations(cfg.Pending.ConfirmationTTL)
	}
	defer confirmations.Close()
	collections := approval.NewCollections(cfg.Pending.CollectionTTL)
	defer collections.Close()

	ctrl := channels.NewController(channels.ControllerOptions{
		Bus:           rt.bus,
		Agent:         rt.loop,
		Tools:         rt.registry,
		Hub:           rt.hub,
		Capabilities:  rt.composer,
		Prompt:        rt.prompt,
		Schedules:     rt.scheduler,
		Events:        rt.workflows,
		History:       session.NewStore(cfg.Paths.Workspace, session.MaxHistory),
		Confirmations: confirmations,
		Collections:   collections,
	})
	rt.confirm.SetRequester(ctrl.RequestConfirmation)

	webhook := channels.NewWebhookTransport(rt.bus, cfg.Channel.WebhookToken, cfg.Channel.WebhookReplyURL, cfg.Channel.MaxMessageLength)
	ctrl.AddTransport(webhook)

	var slackT *channels.SlackTransport
	if cfg.Channel.Slack.Enabled {
		slackT = channels.NewSlackTransport(cfg.Channel.Slack, rt.bus, cfg.Channel.MaxMessageLength)
		ctrl.AddTransport(slackT)
		if err := slackT.Start(ctx); err != nil {
			return fmt.Errorf("start slack: %w", err)
		}
		defer slackT.Stop()
	}

	if cfg.Scheduler.Enabled {
		n, err := rt.scheduler.Register(ctx)
		if err != nil {
			slog.Warn("Some schedules were not registered", "error", err)
		}
		if err := rt.workflows.Start(ctx); err != nil {
			return fmt.Errorf("start workflows: %w", err)
		}
		slog.Info("Scheduler started", "schedules", n)
	}

	go func() {
		if err := rt.bus.DispatchOutbound(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Outbound dispatcher stopped", "error", err)
		}
	}()
	go func() {
		if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Controller stopped", "error", err)
		}
	}()

	srv := channels.NewServer(cfg.Gateway.Host, cfg.Gateway.Port, webhook, slackT)
	err = srv.ListenAndServe(ctx)

	slog.Info("Shutting down")
	stop()
	ctrl.Wait()
	rt.workflows.Wait()
	return err
}
