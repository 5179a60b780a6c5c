// Package provider implements LLM provider interfaces and clients.
//
// Two wire protocols are supported. The OpenAI-compatible protocol returns tool
// calls as a list on the assistant message and takes results as "tool" role
// turns. The Anthropic messages protocol returns tool_use content blocks and
// takes tool_result blocks in a user turn. Both normalize to ChatResponse so
// callers never see the difference.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// LLMProvider is the interface for LLM API clients.
type LLMProvider interface {
	// Chat sends a completion request and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// DefaultModel returns the configured default model.
	DefaultModel() string
}

// ChatRequest contains the parameters for a chat completion request.
type ChatRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	Model       string
	MaxTokens   int
	Temperature float64
}

// ChatResponse contains the response from a chat completion request.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Message represents a chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool call from the LLM.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition defines a tool that can be called by the LLM.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a function that can be called.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage contains token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderError reports a failed backend call or a missing credential.
type ProviderError struct {
	Provider string
	Status   int
	Hint     string
	Err      error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("provider %q: API error (status %d): %s", e.Provider, e.Status, e.Hint)
	case e.Err != nil:
		return fmt.Sprintf("provider %q: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("provider %q: %s", e.Provider, e.Hint)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsAutoRouted reports whether model is a routing placeholder rather than a concrete model.
func IsAutoRouted(model string) bool {
	switch strings.ToLower(strings.TrimSpace(model)) {
	case "", "auto", "openrouter/auto":
		return true
	}
	return false
}

// decodeArguments parses tool-call arguments. Malformed or non-object JSON yields an empty map.
func decodeArguments(raw []byte) map[string]any {
	args := map[string]any{}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return args
	}
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

func truncateBody(b []byte) string {
	const max = 512
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
