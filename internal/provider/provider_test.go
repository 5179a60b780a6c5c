package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/KafClaw/capclaw/internal/config"
)

func TestOpenAIProvider_DefaultModel(t *testing.T) {
	p := NewOpenAIProvider("test-key", "", "")
	if p.DefaultModel() != "gpt-4o-mini" {
		t.Errorf("expected default model gpt-4o-mini, got %s", p.DefaultModel())
	}

	p = NewOpenAIProvider("test-key", "", "openai/gpt-4")
	if p.DefaultModel() != "openai/gpt-4" {
		t.Errorf("expected model openai/gpt-4, got %s", p.DefaultModel())
	}
}

func TestOpenAIProvider_ParseSimpleResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		resp := openAIResponse{
			Choices: []openAIChoice{{
				Message:      openAIMessage{Role: "assistant", Content: "Hello, world!"},
				FinishReason: "stop",
			}},
			Usage: openAIUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL, "test-model")
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages:    []Message{{Role: "user", Content: "Hello"}},
		MaxTokens:   100,
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Content != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got '%s'", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected total_tokens 15, got %d", resp.Usage.TotalTokens)
	}
}

func TestOpenAIProvider_ToolCallsAndMalformedArguments(t *testing.T) {
	var sent map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &sent)
		resp := openAIResponse{
			Choices: []openAIChoice{{
				Message: openAIMessage{
					Role: "assistant",
					ToolCalls: []openAIToolCall{
						{ID: "call_1", Type: "function", Function: openAIFunctionCall{Name: "lookup", Arguments: `{"q": "weather"}`}},
						{ID: "call_2", Type: "function", Function: openAIFunctionCall{Name: "lookup", Arguments: `{"q": broken`}},
					},
				},
				FinishReason: "tool_calls",
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL, "test-model")
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{
			{Role: "user", Content: "Check"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "old", Name: "lookup", Arguments: map[string]any{"q": "x"}}}},
			{Role: "tool", ToolCallID: "old", Content: "sunny"},
		},
		Tools: []ToolDefinition{{Type: "function", Function: FunctionDef{Name: "lookup", Parameters: map[string]any{"type": "object"}}}},
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Arguments["q"] != "weather" {
		t.Errorf("expected q=weather, got %v", resp.ToolCalls[0].Arguments["q"])
	}
	if args := resp.ToolCalls[1].Arguments; args == nil || len(args) != 0 {
		t.Errorf("expected malformed arguments to decode to {}, got %v", args)
	}

	if sent["tool_choice"] != "auto" {
		t.Errorf("expected tool_choice auto, got %v", sent["tool_choice"])
	}
	msgs := sent["messages"].([]any)
	toolTurn := msgs[2].(map[string]any)
	if toolTurn["role"] != "tool" || toolTurn["tool_call_id"] != "old" {
		t.Errorf("expected tool result turn, got %v", toolTurn)
	}
	assistant := msgs[1].(map[string]any)
	calls := assistant["tool_calls"].([]any)
	fn := calls[0].(map[string]any)["function"].(map[string]any)
	if fn["arguments"] != `{"q":"x"}` {
		t.Errorf("expected arguments encoded as JSON string, got %v", fn["arguments"])
	}
}

func TestOpenAIProvider_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "Invalid API key"}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("bad-key", server.URL, "test-model")
	_, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "Hello"}},
	})
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.Status != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", perr.Status)
	}
}

func TestAnthropicProvider_ContentBlocks(t *testing.T) {
	var sent map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant-test" {
			t.Errorf("missing x-api-key header")
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &sent)
		w.Write([]byte(`{
			"content": [
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"q": "inbox"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 12, "output_tokens": 4}
		}`))
	}))
	defer server.Close()

	p := NewAnthropicProvider("sk-ant-test", server.URL, "")
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Model: "openrouter/auto",
		Messages: []Message{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "Inbox?"},
			{Role: "assistant", ToolCalls: []ToolCall{
				{ID: "a", Name: "lookup", Arguments: map[string]any{}},
				{ID: "b", Name: "lookup", Arguments: map[string]any{}},
			}},
			{Role: "tool", ToolCallID: "a", Content: "one"},
			{Role: "tool", ToolCallID: "b", Content: "two"},
		},
		Tools: []ToolDefinition{{Type: "function", Function: FunctionDef{Name: "lookup", Description: "Look up"}}},
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Content != "Let me check." {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "toolu_1" || resp.ToolCalls[0].Arguments["q"] != "inbox" {
		t.Errorf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Errorf("expected 16 total tokens, got %d", resp.Usage.TotalTokens)
	}

	if sent["system"] != "You are helpful." {
		t.Errorf("expected top-level system prompt, got %v", sent["system"])
	}
	if sent["model"] != "claude-sonnet-4-5" {
		t.Errorf("expected auto-routed model replaced with default, got %v", sent["model"])
	}
	msgs := sent["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("expected user, assistant and merged tool_result turns, got %d", len(msgs))
	}
	results := msgs[2].(map[string]any)
	if results["role"] != "user" {
		t.Errorf("expected tool results in a user turn, got %v", results["role"])
	}
	blocks := results["content"].([]any)
	if len(blocks) != 2 || blocks[1].(map[string]any)["tool_use_id"] != "b" {
		t.Errorf("unexpected tool_result blocks %v", blocks)
	}
	tools := sent["tools"].([]any)
	if _, ok := tools[0].(map[string]any)["input_schema"]; !ok {
		t.Errorf("expected input_schema on tool definition")
	}
}

type stubProvider struct {
	calls int
	resp  *ChatResponse
	err   error
}

func (s *stubProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	s.calls++
	return s.resp, s.err
}

func (s *stubProvider) DefaultModel() string { return "stub" }

func TestFallbackProvider(t *testing.T) {
	primary := &stubProvider{err: errors.New("boom")}
	secondary := &stubProvider{resp: &ChatResponse{Content: "from B"}}
	fb := NewFallbackProvider(primary, secondary)

	resp, err := fb.Chat(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from B" || primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("expected one call each, got primary=%d secondary=%d", primary.calls, secondary.calls)
	}

	secondary.err = errors.New("also down")
	secondary.resp = nil
	if _, err := fb.Chat(context.Background(), &ChatRequest{}); err == nil {
		t.Fatal("expected error when both fail")
	}
	if secondary.calls != 2 {
		t.Errorf("expected exactly one fallback attempt per request, got %d", secondary.calls)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		want    string
		wantErr bool
	}{
		{"no credentials", func(c *config.Config) {}, "", true},
		{"openrouter auto", func(c *config.Config) { c.Providers.OpenRouter.APIKey = "sk-or-1" }, "*provider.OpenAIProvider", false},
		{"anthropic prefix on openai key", func(c *config.Config) { c.Providers.OpenAI.APIKey = "sk-ant-xyz" }, "*provider.AnthropicProvider", false},
		{"openai with anthropic fallback", func(c *config.Config) {
			c.Model.Provider = "openai"
			c.Providers.OpenAI.APIKey = "sk-1"
			c.Providers.Anthropic.APIKey = "sk-ant-2"
		}, "*provider.FallbackProvider", false},
		{"explicit anthropic", func(c *config.Config) {
			c.Model.Provider = "anthropic"
			c.Providers.Anthropic.APIKey = "sk-ant-2"
		}, "*provider.AnthropicProvider", false},
		{"unknown provider", func(c *config.Config) { c.Model.Provider = "mystery" }, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			p, err := Resolve(cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %T", p)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := typeName(p); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func typeName(p LLMProvider) string {
	switch p.(type) {
	case *OpenAIProvider:
		return "*provider.OpenAIProvider"
	case *AnthropicProvider:
		return "*provider.AnthropicProvider"
	case *FallbackProvider:
		return "*provider.FallbackProvider"
	}
	return "unknown"
}

func TestIsAutoRouted(t *testing.T) {
	for _, m := range []string{"auto", "openrouter/auto", "OpenRouter/Auto", ""} {
		if !IsAutoRouted(m) {
			t.Errorf("expected %q to be auto-routed", m)
		}
	}
	if IsAutoRouted("openai/gpt-4o") {
		t.Error("concrete model reported as auto-routed")
	}
}
