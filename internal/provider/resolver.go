package provider

import (
	"log/slog"
	"strings"

	"github.com/KafClaw/capclaw/internal/config"
)

// Wire identifies a tool-calling wire protocol.
type Wire string

const (
	// WireOpenAI returns tool calls as a list on the assistant message.
	WireOpenAI Wire = "openai"
	// WireAnthropic returns tool calls as tool_use content blocks.
	WireAnthropic Wire = "anthropic"
)

// WireForKey applies the credential-prefix heuristic.
func WireForKey(key string) Wire {
	if strings.HasPrefix(strings.TrimSpace(key), "sk-ant-") {
		return WireAnthropic
	}
	return WireOpenAI
}

// ParseModelString splits a "provider/model" string into provider ID and model name.
func ParseModelString(s string) (providerID, modelName string) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, "/", 2)
	if len(parts) < 2 {
		return "", s
	}
	return strings.ToLower(parts[0]), parts[1]
}

// Resolve builds the provider selected by model.provider. "auto" picks from
// whichever credentials are present, honouring the sk-ant- prefix. A shape-A
// provider is wrapped in a FallbackProvider when Anthropic credentials are also
// available.
func Resolve(cfg *config.Config) (LLMProvider, error) {
	p := cfg.Providers
	choice := strings.ToLower(strings.TrimSpace(cfg.Model.Provider))
	if choice == "claude" {
		choice = "anthropic"
	}

	anthropicKey := p.Anthropic.APIKey
	if anthropicKey == "" && WireForKey(p.OpenAI.APIKey) == WireAnthropic {
		anthropicKey = p.OpenAI.APIKey
	}

	var primary LLMProvider
	switch choice {
	case "anthropic":
		if anthropicKey == "" {
			return nil, &ProviderError{Provider: "anthropic", Hint: "set providers.anthropic.apiKey in config or ANTHROPIC_API_KEY"}
		}
		return NewAnthropicProvider(anthropicKey, p.Anthropic.APIBase, anthropicModel(cfg.Model.Name)), nil

	case "openai":
		if p.OpenAI.APIKey == "" {
			return nil, &ProviderError{Provider: "openai", Hint: "set providers.openai.apiKey in config or OPENAI_API_KEY"}
		}
		if WireForKey(p.OpenAI.APIKey) == WireAnthropic {
			return NewAnthropicProvider(p.OpenAI.APIKey, p.Anthropic.APIBase, anthropicModel(cfg.Model.Name)), nil
		}
		primary = NewOpenAIProvider(p.OpenAI.APIKey, p.OpenAI.APIBase, cfg.Model.Name)

	case "openrouter":
		if p.OpenRouter.APIKey == "" {
			return nil, &ProviderError{Provider: "openrouter", Hint: "set providers.openrouter.apiKey in config or OPENROUTER_API_KEY"}
		}
		primary = NewOpenAIProvider(p.OpenRouter.APIKey, p.OpenRouter.APIBase, cfg.Model.Name)

	case "", "auto":
		switch {
		case p.OpenRouter.APIKey != "":
			primary = NewOpenAIProvider(p.OpenRouter.APIKey, p.OpenRouter.APIBase, cfg.Model.Name)
		case p.OpenAI.APIKey != "" && WireForKey(p.OpenAI.APIKey) == WireOpenAI:
			primary = NewOpenAIProvider(p.OpenAI.APIKey, p.OpenAI.APIBase, cfg.Model.Name)
		case anthropicKey != "":
			return NewAnthropicProvider(anthropicKey, p.Anthropic.APIBase, anthropicModel(cfg.Model.Name)), nil
		default:
			return nil, &ProviderError{Provider: "auto", Hint: "no LLM credentials configured; set OPENROUTER_API_KEY, OPENAI_API_KEY or ANTHROPIC_API_KEY"}
		}

	default:
		return nil, &ProviderError{Provider: choice, Hint: "unknown provider; use openai, openrouter, anthropic or auto"}
	}

	if anthropicKey != "" {
		slog.Info("Provider fallback enabled", "primary", string(WireOpenAI), "secondary", string(WireAnthropic))
		return NewFallbackProvider(primary, NewAnthropicProvider(anthropicKey, p.Anthropic.APIBase, "")), nil
	}
	return primary, nil
}

// anthropicModel keeps an explicit Claude model and drops routing placeholders.
func anthropicModel(name string) string {
	if IsAutoRouted(name) {
		return ""
	}
	prov, model := ParseModelString(name)
	switch prov {
	case "":
		return model
	case "anthropic":
		return model
	}
	return ""
}
