package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KafClaw/capclaw/internal/config"
	"github.com/KafClaw/capclaw/internal/integrations"
	"github.com/KafClaw/capclaw/internal/provider"
)

// table is an immutable snapshot of the registry. Writers build a new one and swap it in.
type table struct {
	tools       map[string]Tool
	connections []integrations.Connection
}

func (t *table) clone() *table {
	next := &table{
		tools:       make(map[string]Tool, len(t.tools)),
		connections: t.connections,
	}
	for name, tool := range t.tools {
		next.tools[name] = tool
	}
	return next
}

// insert adds tool to t. The latest registration wins a name collision.
func (t *table) insert(tool Tool) {
	name := tool.Name()
	if prev, ok := t.tools[name]; ok {
		slog.Warn("Tool name collision, last registration wins",
			"name", name, "previous", OriginOf(prev), "replacement", OriginOf(tool))
	}
	t.tools[name] = tool
}

// Registry maps tool names to tools from every source.
// Reads are lock-free against the current snapshot.
type Registry struct {
	current atomic.Pointer[table]
	writeMu sync.Mutex

	hub      Hub
	sessions []*ProtocolSource
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(&table{tools: map[string]Tool{}})
	return r
}

// InitOptions configures the sources registered by Init.
type InitOptions struct {
	MCPServers []config.MCPServerConfig
	Retries    int
	Backoff    time.Duration
	// Hub is optional. When nil the Rest source is skipped.
	Hub   Hub
	Local []Tool
}

// Init connects the protocol sources, discovers the Rest source and registers
// the local tools, in that order. Source failures are logged and skipped.
func (r *Registry) Init(ctx context.Context, opts InitOptions) {
	for _, srv := range opts.MCPServers {
		src, err := ConnectProtocol(ctx, srv, opts.Retries, opts.Backoff)
		if err != nil {
			slog.Error("MCP server unavailable, skipping", "server", srv.Name, "error", err)
			continue
		}
		r.sessions = append(r.sessions, src)
		tools, err := src.Tools(ctx)
		if err != nil {
			slog.Error("MCP tool listing failed", "server", srv.Name, "error", err)
			continue
		}
		for _, t := range tools {
			r.Register(t)
		}
		slog.Info("MCP tools registered", "server", srv.Name, "count", len(tools))
	}

	if opts.Hub != nil {
		r.hub = opts.Hub
		tools, conns := discoverRest(ctx, opts.Hub)
		r.writeMu.Lock()
		next := r.current.Load().clone()
		for _, t := range tools {
			next.insert(t)
		}
		next.connections = conns
		r.current.Store(next)
		r.writeMu.Unlock()
		slog.Info("Integration tools registered", "connections", len(conns), "count", len(tools))
	}

	for _, t := range opts.Local {
		r.Register(t)
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	next := r.current.Load().clone()
	next.insert(tool)
	r.current.Store(next)
}

// Reload drops every Rest tool, rediscovers the hub catalog and swaps the
// result in. Calls already running keep using the snapshot they started with.
func (r *Registry) Reload(ctx context.Context) error {
	if r.hub == nil {
		return fmt.Errorf("no integration hub configured")
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tools, conns := discoverRest(ctx, r.hub)

	prev := r.current.Load()
	next := &table{tools: make(map[string]Tool, len(prev.tools))}
	for name, t := range prev.tools {
		if OriginOf(t) != OriginRest {
			next.tools[name] = t
		}
	}
	for _, t := range tools {
		next.insert(t)
	}
	next.connections = conns
	r.current.Store(next)
	slog.Info("Tool registry reloaded", "rest_tools", len(tools), "total", len(next.tools))
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.current.Load().tools[name]
	return tool, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	snap := r.current.Load()
	out := make([]Tool, 0, len(snap.tools))
	for _, name := range sortedNames(snap.tools) {
		out = append(out, snap.tools[name])
	}
	return out
}

// Descriptors returns the listing view of every tool, sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	tools := r.List()
	out := make([]Descriptor, len(tools))
	for i, t := range tools {
		out[i] = Describe(t)
	}
	return out
}

// Connections returns the hub connections found by the last discovery.
func (r *Registry) Connections() []integrations.Connection {
	return append([]integrations.Connection(nil), r.current.Load().connections...)
}

// Definitions returns tool definitions in OpenAI function format.
func (r *Registry) Definitions() []provider.ToolDefinition {
	tools := r.List()
	defs := make([]provider.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters()
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  params,
			},
		})
	}
	return defs
}

// Execute runs a tool by name. Every failure, including an unknown name or a
// panic inside the tool, comes back as text so one bad call never aborts a round.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (result string) {
	tool, ok := r.current.Load().tools[name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", name)
	}
	if params == nil {
		params = map[string]any{}
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Tool panicked", "tool", name, "panic", rec)
			result = fmt.Sprintf("Error: tool %s failed", name)
		}
	}()
	out, err := tool.Execute(ctx, params)
	if err != nil {
		slog.Warn("Tool execution failed", "tool", name, "origin", OriginOf(tool), "error", err)
		if strings.TrimSpace(out) != "" {
			return out
		}
		return fmt.Sprintf("Error: %v", err)
	}
	return out
}

// Close ends all protocol sessions.
func (r *Registry) Close() {
	for _, s := range r.sessions {
		if err := s.Close(); err != nil {
			slog.Debug("MCP session close failed", "server", s.Name(), "error", err)
		}
	}
}
