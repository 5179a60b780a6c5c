package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CurrentTimeTool reports the current time, optionally in an IANA timezone.
type CurrentTimeTool struct {
	now func() time.Time
}

// NewCurrentTimeTool creates the current_time tool.
func NewCurrentTimeTool() *CurrentTimeTool {
	return &CurrentTimeTool{now: time.Now}
}

func (t *CurrentTimeTool) Name() string { return "current_time" }
func (t *CurrentTimeTool) Description() string {
	return "Get the current date and time, optionally in a specific IANA timezone such as Europe/Berlin."
}

func (t *CurrentTimeTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{"type": "string", "description": "IANA timezone name"},
		},
	}
}

func (t *CurrentTimeTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	now := t.now()
	if tz := strings.TrimSpace(GetString(params, "timezone", "")); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		now = now.In(loc)
	}
	return now.Format("Monday, 2006-01-02 15:04:05 MST"), nil
}

// IntegrationsTool lists the integration hub connections found at discovery.
type IntegrationsTool struct {
	registry *Registry
}

// NewIntegrationsTool creates the list_integrations tool.
func NewIntegrationsTool(r *Registry) *IntegrationsTool {
	return &IntegrationsTool{registry: r}
}

func (t *IntegrationsTool) Name() string { return "list_integrations" }
func (t *IntegrationsTool) Description() string {
	return "List the third-party apps the user has connected and can be used through tools."
}

func (t *IntegrationsTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *IntegrationsTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	conns := t.registry.Connections()
	if len(conns) == 0 {
		return "No integrations are connected.", nil
	}
	var sb strings.Builder
	sb.WriteString("Connected integrations:\n")
	for _, c := range conns {
		fmt.Fprintf(&sb, "- %s\n", c.App)
	}
	return strings.TrimSpace(sb.String()), nil
}
