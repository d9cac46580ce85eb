package client

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"review-pipeline/internal/config"
	"review-pipeline/internal/llm"
)

// GeminiBackend streams completions from the Gemini API in JSON mode.
type GeminiBackend struct {
	client    *genai.Client
	model     string
	maxTokens int
	sem       chan struct{}
}

var _ llm.StreamBackend = (*GeminiBackend)(nil)

// NewGeminiBackend builds a Gemini backend. The endpoint override is not
// supported; Gemini routing is handled by the client library.
func NewGeminiBackend(ctx context.Context, cfg config.LLMConfig) (*GeminiBackend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &GeminiBackend{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		sem:       make(chan struct{}, maxConcurrent),
	}, nil
}

func (b *GeminiBackend) Provider() string { return "gemini" }

func (b *GeminiBackend) Model() string { return b.model }

// Ping sends a minimal request to verify the connection.
func (b *GeminiBackend) Ping(ctx context.Context) error {
	cfg := &genai.GenerateContentConfig{MaxOutputTokens: 1}
	if _, err := b.client.Models.GenerateContent(ctx, b.model, genai.Text("hello"), cfg); err != nil {
		return fmt.Errorf("llm ping failed: %w", err)
	}
	return nil
}

func (b *GeminiBackend) Stream(ctx context.Context, system, user string, emit func(string) error) (string, error) {
	select {
	case b.sem <- struct{}{}:
		defer func() { <-b.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	}
	if b.maxTokens > 0 {
		cfg.MaxOutputTokens = int32(b.maxTokens)
	}

	var full strings.Builder
	for resp, err := range b.client.Models.GenerateContentStream(ctx, b.model, genai.Text(user), cfg) {
		if err != nil {
			return full.String(), fmt.Errorf("gemini stream: %w", err)
		}
		delta := resp.Text()
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if err := emit(delta); err != nil {
			return full.String(), err
		}
	}
	return full.String(), nil
}
