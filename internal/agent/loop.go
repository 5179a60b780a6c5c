// Package agent runs the bounded tool-calling conversation loop.
package agent

import (
	"context"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/KafClaw/capclaw/internal/provider"
)

const (
	// MaxRounds bounds the number of model calls per Run.
	MaxRounds = 10
	// MaxToolResultChars caps a cleaned tool result, in runes.
	MaxToolResultChars = 8000
	// TruncationMarker ends a truncated tool result.
	TruncationMarker = "... [truncated]"
	// MaxRoundsReply is returned when the model is still calling tools after MaxRounds.
	MaxRoundsReply = "I reached the maximum number of steps for this request."
	// EmptyReply replaces an empty final answer.
	EmptyReply = "I don't have a response for that."
	// DefaultToolModel serves tool-bearing requests when the main model is auto-routed.
	DefaultToolModel = "openai/gpt-4o-mini"
)

// ToolExecutor is the part of the tool registry the loop needs.
type ToolExecutor interface {
	Definitions() []provider.ToolDefinition
	Execute(ctx context.Context, name string, params map[string]any) string
}

// PromptSource yields the current system prompt.
type PromptSource interface {
	Get() string
}

// LoopOptions contains configuration for the agent loop.
type LoopOptions struct {
	Provider    provider.LLMProvider
	Tools       ToolExecutor
	Prompt      PromptSource
	Model       string
	ToolModel   string
	MaxTokens   int
	Temperature float64
	MaxRounds   int
}

// Loop drives one user message through the model and tools.
type Loop struct {
	provider    provider.LLMProvider
	tools       ToolExecutor
	prompt      PromptSource
	model       string
	toolModel   string
	maxTokens   int
	temperature float64
	maxRounds   int
}

// NewLoop creates a new agent loop.
func NewLoop(opts LoopOptions) *Loop {
	model := opts.Model
	if model == "" && opts.Provider != nil {
		model = opts.Provider.DefaultModel()
	}
	toolModel := opts.ToolModel
	if toolModel == "" {
		toolModel = DefaultToolModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	rounds := opts.MaxRounds
	if rounds <= 0 {
		rounds = MaxRounds
	}
	return &Loop{
		provider:    opts.Provider,
		tools:       opts.Tools,
		prompt:      opts.Prompt,
		model:       model,
		toolModel:   toolModel,
		maxTokens:   maxTokens,
		temperature: opts.Temperature,
		maxRounds:   rounds,
	}
}

// Run answers userMessage given prior history. It returns a
// *provider.ProviderError when the model backend fails.
func (l *Loop) Run(ctx context.Context, history []provider.Message, userMessage string) (string, error) {
	system := ""
	if l.prompt != nil {
		system = l.prompt.Get()
	}
	messages := make([]provider.Message, 0, len(history)+2)
	messages = append(messages, provider.Message{Role: "system", Content: system})
	messages = append(messages, history...)
	messages = append(messages, provider.Message{Role: "user", Content: userMessage})

	var toolDefs []provider.ToolDefinition
	if l.tools != nil {
		toolDefs = l.tools.Definitions()
	}
	model := l.modelFor(toolDefs)

	for i := 0; i < l.maxRounds; i++ {
		llmStart := time.Now()
		resp, err := l.provider.Chat(ctx, &provider.ChatRequest{
			Messages:    messages,
			Tools:       toolDefs,
			Model:       model,
			MaxTokens:   l.maxTokens,
			Temperature: l.temperature,
		})
		if err != nil {
			return "", err
		}
		slog.Debug("LLM round complete",
			"round", i+1,
			"model", model,
			"tool_calls", len(resp.ToolCalls),
			"tokens", resp.Usage.TotalTokens,
			"duration_ms", time.Since(llmStart).Milliseconds())

		if len(resp.ToolCalls) == 0 {
			if strings.TrimSpace(resp.Content) == "" {
				return EmptyReply, nil
			}
			return resp.Content, nil
		}

		messages = append(messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			toolStart := time.Now()
			result := CleanToolResult(l.tools.Execute(ctx, tc.Name, tc.Arguments))
			messages = append(messages, provider.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
			slog.Debug("Tool executed", "name", tc.Name, "result_length", len(result), "duration_ms", time.Since(toolStart).Milliseconds())
		}
	}

	slog.Warn("Agent loop hit round limit", "rounds", l.maxRounds)
	return MaxRoundsReply, nil
}

// RunInstruction runs a one-shot instruction with no history. Deferred agent
// runs and schedule processing use it.
func (l *Loop) RunInstruction(ctx context.Context, instruction string) (string, error) {
	return l.Run(ctx, nil, instruction)
}

func (l *Loop) modelFor(toolDefs []provider.ToolDefinition) string {
	if len(toolDefs) > 0 && provider.IsAutoRouted(l.model) {
		return l.toolModel
	}
	return l.model
}

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`[\s\p{Zs}]+`)
)

// CleanToolResult strips markup from a tool result, collapses whitespace and
// caps it at MaxToolResultChars runes.
func CleanToolResult(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = whitespacePattern.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	return truncateRunes(s, MaxToolResultChars)
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	keep := max - len([]rune(TruncationMarker))
	if keep < 0 {
		keep = 0
	}
	return string(r[:keep]) + TruncationMarker
}

// FormatError maps a run failure to a user-facing sentence.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	slog.Error("Agent run failed", "error", err)
	return UnavailableReply
}

// UnavailableReply is shown to users when the model backend fails.
const UnavailableReply = "Sorry, the assistant is unavailable right now. Please try again shortly."
