// Package xai implements the xAI provider over its OpenAI-compatible
// chat completions surface.
package xai

import (
	"context"
	"fmt"
	"time"

	"github.com/conclave-ai/conclave/ai/providers"
	"github.com/conclave-ai/conclave/core"
	"github.com/conclave-ai/conclave/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultBaseURL is the default xAI API endpoint
	DefaultBaseURL = "https://api.x.ai/v1"
)

// Client implements core.AIClient for xAI
type Client struct {
	*providers.BaseClient
	apiKey  string
	baseURL string
}

// NewClient creates a new xAI client with configuration
func NewClient(apiKey, baseURL string, logger core.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	base := providers.NewBaseClient(30*time.Second, logger)
	base.DefaultModel = resolveModel("")

	return &Client{
		BaseClient: base,
		apiKey:     apiKey,
		baseURL:    baseURL,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

// GenerateResponse generates a response using the chat completions API
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "ai.generate_response",
		attribute.String("ai.provider", "xai"),
		attribute.Int("ai.prompt_length", len(prompt)),
	)
	defer span.End()

	if c.apiKey == "" {
		err := fmt.Errorf("xai: %w: api key not configured", core.ErrAuthFailed)
		span.RecordError(err)
		return nil, err
	}

	options = c.ApplyDefaults(options)
	options.Model = resolveModel(options.Model)
	span.SetAttributes(attribute.String("ai.model", options.Model))

	messages := make([]chatMessage, 0, 2)
	if options.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: options.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	var parsed chatResponse
	start := time.Now()
	err := c.PostJSON(ctx, c.baseURL+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + c.apiKey},
		chatRequest{
			Model:       options.Model,
			Messages:    messages,
			Temperature: options.Temperature,
			MaxTokens:   options.MaxTokens,
		}, &parsed)
	telemetry.Duration("ai.request.duration_ms", start, "provider", "xai")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if len(parsed.Choices) == 0 {
		err := fmt.Errorf("%w: empty choices from xai", core.ErrRequestFailed)
		span.RecordError(err)
		return nil, err
	}

	model := parsed.Model
	if model == "" {
		model = options.Model
	}

	return &core.AIResponse{
		Content:  parsed.Choices[0].Message.Content,
		Model:    model,
		Provider: "xai",
		Usage: core.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}
