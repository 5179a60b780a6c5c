package tools

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/capclaw/internal/integrations"
)

// maxDiscoveryConcurrency bounds parallel catalog fetches.
const maxDiscoveryConcurrency = 8

// Hub is the part of the integration hub the registry needs.
type Hub interface {
	ListConnections(ctx context.Context) ([]integrations.Connection, error)
	ListTools(ctx context.Context, app string) ([]integrations.ToolSpec, error)
	Execute(ctx context.Context, tool, accountID string, args map[string]any) (string, error)
}

// RestTool is a hub tool executed over REST against the account connected for its app.
type RestTool struct {
	spec     integrations.ToolSpec
	hub      Hub
	accounts map[string]string
}

func (t *RestTool) Name() string               { return t.spec.Name }
func (t *RestTool) Description() string        { return t.spec.Description }
func (t *RestTool) Parameters() map[string]any { return t.spec.Parameters }
func (t *RestTool) Origin() Origin             { return OriginRest }
func (t *RestTool) Source() string             { return t.spec.App }

// Execute resolves the account identity for the tool's app and runs the tool.
func (t *RestTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	account, ok := t.accounts[t.spec.App]
	if !ok {
		return "", fmt.Errorf("no connected account for %s", t.spec.App)
	}
	return t.hub.Execute(ctx, t.spec.Name, account, params)
}

// discoverRest lists active connections and fetches one catalog per app in
// parallel. A failing app is logged and skipped; the rest still register.
func discoverRest(ctx context.Context, hub Hub) ([]Tool, []integrations.Connection) {
	conns, err := hub.ListConnections(ctx)
	if err != nil {
		slog.Error("Integration discovery failed", "error", err)
		return nil, nil
	}

	accounts := make(map[string]string, len(conns))
	var apps []string
	for _, c := range conns {
		if _, seen := accounts[c.App]; seen {
			continue
		}
		accounts[c.App] = c.AccountID
		apps = append(apps, c.App)
	}

	catalogs := make([][]integrations.ToolSpec, len(apps))
	var g errgroup.Group
	g.SetLimit(maxDiscoveryConcurrency)
	for i, app := range apps {
		g.Go(func() error {
			specs, err := hub.ListTools(ctx, app)
			if err != nil {
				slog.Warn("Integration tool catalog unavailable", "app", app, "error", err)
				return nil
			}
			catalogs[i] = specs
			return nil
		})
	}
	_ = g.Wait()

	var out []Tool
	for _, specs := range catalogs {
		for _, spec := range specs {
			out = append(out, &RestTool{spec: spec, hub: hub, accounts: accounts})
		}
	}
	return out, conns
}
