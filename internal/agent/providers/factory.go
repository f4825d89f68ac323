package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/coachd/internal/agent"
	"github.com/haasonsaas/coachd/internal/config"
)

// New builds the named provider from its config entry.
func New(ctx context.Context, name string, cfg config.LLMProviderConfig, logger *slog.Logger) (agent.LLMProvider, error) {
	retry := RetryConfig{MaxRetries: cfg.MaxRetries, Logger: logger}
	switch name {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
			Retry:        retry,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
			Retry:        retry,
		})
	case "google":
		return NewGoogleProvider(ctx, GoogleConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
			Retry:        retry,
		})
	case "bedrock":
		return NewBedrockProvider(ctx, BedrockConfig{
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionToken:    cfg.SessionToken,
			DefaultModel:    cfg.DefaultModel,
			Retry:           retry,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// FromConfig builds the named provider, falling back to the default one.
func FromConfig(ctx context.Context, llm config.LLMConfig, name string, logger *slog.Logger) (agent.LLMProvider, error) {
	if name == "" {
		name = llm.DefaultProvider
	}
	entry, ok := llm.Providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", agent.ErrNoProvider, name)
	}
	return New(ctx, name, entry, logger)
}
