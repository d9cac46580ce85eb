package client

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"review-pipeline/internal/config"
	"review-pipeline/internal/llm"
)

// NewBackend selects the streaming backend for the configured provider.
// The returned backend is safe for concurrent use as long as its
// configuration is not modified after creation.
func NewBackend(ctx context.Context, cfg config.LLMConfig) (llm.StreamBackend, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, "":
		opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
		if cfg.Endpoint != "" {
			opts = append(opts, option.WithBaseURL(cfg.Endpoint))
		}
		oc := openai.NewClient(opts...)
		return NewOpenAIBackend(&oc, cfg.Model, cfg.MaxTokens, cfg.MaxConcurrent), nil
	case config.ProviderAnthropic:
		return NewAnthropicBackend(cfg)
	case config.ProviderOllama:
		return NewOllamaBackend(cfg)
	case config.ProviderGemini:
		return NewGeminiBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
