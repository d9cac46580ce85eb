package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"

	"review-pipeline/internal/config"
	"review-pipeline/internal/llm"
)

// LangChainBackend adapts a langchaingo chat model to the streaming backend
// contract. JSON output is enforced by the system prompt; validation happens
// downstream against the findings schema.
type LangChainBackend struct {
	model     llms.Model
	provider  string
	name      string
	maxTokens int
	sem       chan struct{}
}

var _ llm.StreamBackend = (*LangChainBackend)(nil)

// NewAnthropicBackend builds a LangChain backend over the Anthropic API.
func NewAnthropicBackend(cfg config.LLMConfig) (*LangChainBackend, error) {
	opts := []anthropic.Option{
		anthropic.WithToken(cfg.APIKey),
		anthropic.WithModel(cfg.Model),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.Endpoint))
	}
	model, err := anthropic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("anthropic client: %w", err)
	}
	return newLangChainBackend(model, "anthropic", cfg), nil
}

// NewOllamaBackend builds a LangChain backend over a local Ollama server.
func NewOllamaBackend(cfg config.LLMConfig) (*LangChainBackend, error) {
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.Endpoint != "" {
		opts = append(opts, ollama.WithServerURL(cfg.Endpoint))
	}
	model, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("ollama client: %w", err)
	}
	return newLangChainBackend(model, "ollama", cfg), nil
}

func newLangChainBackend(model llms.Model, provider string, cfg config.LLMConfig) *LangChainBackend {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &LangChainBackend{
		model:     model,
		provider:  provider,
		name:      cfg.Model,
		maxTokens: cfg.MaxTokens,
		sem:       make(chan struct{}, maxConcurrent),
	}
}

func (b *LangChainBackend) Provider() string { return b.provider }

func (b *LangChainBackend) Model() string { return b.name }

// Ping sends a minimal request to verify the connection.
func (b *LangChainBackend) Ping(ctx context.Context) error {
	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, "hello"),
	}
	if _, err := b.model.GenerateContent(ctx, content, llms.WithMaxTokens(1)); err != nil {
		return fmt.Errorf("llm ping failed: %w", err)
	}
	return nil
}

func (b *LangChainBackend) Stream(ctx context.Context, system, user string, emit func(string) error) (string, error) {
	select {
	case b.sem <- struct{}{}:
		defer func() { <-b.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}

	var full strings.Builder
	opts := []llms.CallOption{
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			full.Write(chunk)
			return emit(string(chunk))
		}),
	}
	if b.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(b.maxTokens))
	}

	resp, err := b.model.GenerateContent(ctx, content, opts...)
	if err != nil {
		return full.String(), fmt.Errorf("%s stream: %w", b.provider, err)
	}
	// Prefer the final choice content; some models return trailing text
	// that never went through the streaming func.
	if len(resp.Choices) > 0 && resp.Choices[0].Content != "" {
		return resp.Choices[0].Content, nil
	}
	return full.String(), nil
}
