package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/KafClaw/capclaw/internal/config"
)

// protocolSession is the subset of the MCP client used after connecting.
type protocolSession interface {
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// ProtocolSource is a connected MCP server.
type ProtocolSource struct {
	name    string
	session protocolSession
}

// Name returns the configured server name.
func (s *ProtocolSource) Name() string { return s.name }

// Close ends the session.
func (s *ProtocolSource) Close() error { return s.session.Close() }

// ConnectProtocol connects to an MCP server, retrying with a fixed backoff.
func ConnectProtocol(ctx context.Context, cfg config.MCPServerConfig, retries int, backoff time.Duration) (*ProtocolSource, error) {
	if retries <= 0 {
		retries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		session, err := dialMCP(ctx, cfg)
		if err == nil {
			slog.Info("MCP server connected", "server", cfg.Name, "attempt", attempt)
			return &ProtocolSource{name: cfg.Name, session: session}, nil
		}
		lastErr = err
		slog.Warn("MCP connect failed", "server", cfg.Name, "attempt", attempt, "of", retries, "error", err)
		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("connect %s after %d attempts: %w", cfg.Name, retries, lastErr)
}

func dialMCP(ctx context.Context, cfg config.MCPServerConfig) (protocolSession, error) {
	var (
		c   *client.Client
		err error
	)
	switch {
	case cfg.Command != "":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		c, err = client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
		if err != nil {
			return nil, err
		}
	case cfg.URL != "":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		c, err = client.NewStreamableHttpClient(cfg.URL, opts...)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
	default:
		return nil, errors.New("mcp server needs a command or url")
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "capclaw", Version: "0.1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return c, nil
}

// Tools lists the server's tools.
func (s *ProtocolSource) Tools(ctx context.Context) ([]Tool, error) {
	res, err := s.session.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	out := make([]Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		out = append(out, &ProtocolTool{source: s, name: t.Name, description: t.Description, schema: inputSchema(t)})
	}
	return out, nil
}

// inputSchema reads the tool's JSON schema through its wire form, which covers
// both the structured and the raw schema variants.
func inputSchema(t mcp.Tool) map[string]any {
	data, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	var wire struct {
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil
	}
	return wire.InputSchema
}

// ProtocolTool is a tool served by an MCP session.
type ProtocolTool struct {
	source      *ProtocolSource
	name        string
	description string
	schema      map[string]any
}

func (t *ProtocolTool) Name() string               { return t.name }
func (t *ProtocolTool) Description() string        { return t.description }
func (t *ProtocolTool) Parameters() map[string]any { return t.schema }
func (t *ProtocolTool) Origin() Origin             { return OriginProtocol }
func (t *ProtocolTool) Source() string             { return t.source.name }

// Execute calls tools/call and joins the text content blocks.
func (t *ProtocolTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = params
	res, err := t.source.session.CallTool(ctx, req)
	if err != nil {
		return "", err
	}
	text := contentText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", errors.New(text)
	}
	return text, nil
}

func contentText(blocks []mcp.Content) string {
	var parts []string
	for _, block := range blocks {
		switch c := block.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		case mcp.ImageContent, *mcp.ImageContent:
			parts = append(parts, "[image]")
		default:
			if data, err := json.Marshal(c); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}
