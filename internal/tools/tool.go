// Package tools provides the tool framework, the unified registry and the
// built-in local tools for the agent.
package tools

import (
	"context"
	"sort"
	"strconv"
)

// Tool is the interface that all agent tools must implement.
type Tool interface {
	// Name returns the tool identifier used in function calls.
	Name() string
	// Description returns a human-readable description for the LLM.
	Description() string
	// Parameters returns the JSON Schema for tool parameters.
	Parameters() map[string]any
	// Execute runs the tool with the given parameters.
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// Origin tags which kind of source a tool came from.
type Origin string

const (
	// OriginProtocol tools live behind a long-lived MCP session.
	OriginProtocol Origin = "protocol"
	// OriginRest tools are discovered and executed through the integration hub.
	OriginRest Origin = "rest"
	// OriginLocal tools run in-process.
	OriginLocal Origin = "local"
)

// SourcedTool is implemented by tools that are not local.
type SourcedTool interface {
	Tool
	Origin() Origin
	// Source names the MCP server or the integration app.
	Source() string
}

// OriginOf returns the origin tag of t. Tools without one are local.
func OriginOf(t Tool) Origin {
	if st, ok := t.(SourcedTool); ok {
		return st.Origin()
	}
	return OriginLocal
}

// Descriptor is the listing view of a registered tool.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Origin      Origin         `json:"origin"`
	Source      string         `json:"source,omitempty"`
}

// Describe builds the descriptor for t.
func Describe(t Tool) Descriptor {
	d := Descriptor{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
		Origin:      OriginOf(t),
	}
	if st, ok := t.(SourcedTool); ok {
		d.Source = st.Source()
	}
	return d
}

func sortedNames(m map[string]Tool) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
// Numeric strings are accepted because some models quote numbers.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		case string:
			if i, err := strconv.Atoi(n); err == nil {
				return i
			}
		}
	}
	return defaultVal
}

// GetBool extracts a bool parameter with a default value.
func GetBool(params map[string]any, key string, defaultVal bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

type turnKey struct{}

// Turn identifies the conversation a tool call belongs to.
type Turn struct {
	SessionID string
	ChatID    string
	Channel   string
}

// WithTurn attaches the current conversation to ctx.
func WithTurn(ctx context.Context, turn Turn) context.Context {
	return context.WithValue(ctx, turnKey{}, turn)
}

// TurnFrom returns the conversation attached by WithTurn.
func TurnFrom(ctx context.Context) (Turn, bool) {
	turn, ok := ctx.Value(turnKey{}).(Turn)
	return turn, ok
}
