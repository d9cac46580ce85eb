// Package client holds the provider bindings behind llm.StreamBackend:
// OpenAI-compatible endpoints, langchaingo models (anthropic, ollama),
// and Gemini.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"review-pipeline/internal/llm"
	"review-pipeline/internal/types"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// OpenAIBackend streams chat completions from an OpenAI-compatible
// endpoint in JSON mode. Safe for concurrent use; a channel semaphore
// bounds simultaneous upstream streams.
type OpenAIBackend struct {
	client    *openai.Client
	model     string
	maxTokens int
	sem       chan struct{}
}

var _ llm.StreamBackend = (*OpenAIBackend)(nil)

func NewOpenAIBackend(client *openai.Client, model string, maxTokens, maxConcurrent int) *OpenAIBackend {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &OpenAIBackend{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		sem:       make(chan struct{}, maxConcurrent),
	}
}

func (b *OpenAIBackend) Provider() string { return "openai" }

func (b *OpenAIBackend) Model() string { return b.model }

// Ping sends a minimal request to verify the connection.
func (b *OpenAIBackend) Ping(ctx context.Context) error {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(b.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("hello"),
		},
		MaxTokens: openai.Int(1),
	}
	if _, err := b.client.Chat.Completions.New(ctx, params); err != nil {
		return fmt.Errorf("llm ping failed: %w", b.wrapError(err))
	}
	return nil
}

func (b *OpenAIBackend) Stream(ctx context.Context, system, user string, emit func(string) error) (string, error) {
	select {
	case b.sem <- struct{}{}:
		defer func() { <-b.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	jsonMode := shared.NewResponseFormatJSONObjectParam()
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(b.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &jsonMode,
		},
	}
	if b.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(b.maxTokens))
	}

	stream := b.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var full strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if err := emit(delta); err != nil {
			return full.String(), err
		}
	}
	if err := stream.Err(); err != nil {
		return full.String(), b.wrapError(fmt.Errorf("openai stream: %w", err))
	}
	return full.String(), nil
}

// wrapError marks 429 and 5xx responses retryable.
func (b *OpenAIBackend) wrapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		if status == 429 || (status >= 500 && status < 600) {
			return types.NewRetryableError(err)
		}
	}
	return err
}
