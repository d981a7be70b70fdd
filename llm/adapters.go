package llm

import (
	"context"
	"strings"

	"github.com/vinayprograms/memoryd/errors"
)

// NewProvider creates a provider based on the configuration.
// If Provider is empty, it will be inferred from the Model name and falls
// back to openai, which covers any OpenAI-compatible endpoint.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	if cfg.Provider == "" {
		cfg.Provider = InferProviderFromModel(cfg.Model)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	switch strings.ToLower(cfg.Provider) {
	case "openai", "openai-compat", "ollama", "litellm":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Retry:     cfg.Retry,
		})

	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Retry:     cfg.Retry,
		})

	case "google":
		return NewGoogleProvider(ctx, GoogleConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Retry:     cfg.Retry,
		})

	default:
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "unsupported provider: %s", cfg.Provider)
	}
}

// InferProviderFromModel returns the provider name based on model name patterns.
func InferProviderFromModel(model string) string {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gemini"), strings.HasPrefix(model, "gemma"):
		return "google"
	default:
		return "openai"
	}
}
