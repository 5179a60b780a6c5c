package provider

import (
	"context"
	"errors"
	"log/slog"
)

// FallbackProvider sends each request to the primary provider and, when that
// fails, retries it exactly once against the secondary.
type FallbackProvider struct {
	primary   LLMProvider
	secondary LLMProvider
}

// NewFallbackProvider wraps primary with a single retry against secondary.
func NewFallbackProvider(primary, secondary LLMProvider) *FallbackProvider {
	return &FallbackProvider{primary: primary, secondary: secondary}
}

// DefaultModel returns the primary provider's default model.
func (f *FallbackProvider) DefaultModel() string {
	return f.primary.DefaultModel()
}

// Chat implements LLMProvider.
func (f *FallbackProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := f.primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	slog.Warn("Primary provider failed, falling back", "error", err)
	resp, fbErr := f.secondary.Chat(ctx, req)
	if fbErr != nil {
		return nil, errors.Join(err, fbErr)
	}
	return resp, nil
}
