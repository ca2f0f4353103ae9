package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/ai/providers"
	"github.com/conclave-ai/conclave/core"
	"github.com/conclave-ai/conclave/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultBaseURL is the default Anthropic API endpoint
	DefaultBaseURL = "https://api.anthropic.com/v1"
	// APIVersion is the required Anthropic API version header
	APIVersion = "2023-06-01"
)

// Client implements core.AIClient for Anthropic
type Client struct {
	*providers.BaseClient
	apiKey  string
	baseURL string
}

// NewClient creates a new Anthropic client with configuration
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

type messagesRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model string `json:"model"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// GenerateResponse generates a response using the native Messages API
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "ai.generate_response",
		attribute.String("ai.provider", "anthropic"),
		attribute.Int("ai.prompt_length", len(prompt)),
	)
	defer span.End()

	if c.apiKey == "" {
		err := fmt.Errorf("anthropic: %w: api key not configured", core.ErrAuthFailed)
		span.RecordError(err)
		return nil, err
	}

	options = c.ApplyDefaults(options)
	options.Model = resolveModel(options.Model)
	span.SetAttributes(attribute.String("ai.model", options.Model))

	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": APIVersion,
	}

	var parsed messagesResponse
	start := time.Now()
	err := c.PostJSON(ctx, c.baseURL+"/messages", headers, messagesRequest{
		Model:       options.Model,
		System:      options.SystemPrompt,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	}, &parsed)
	telemetry.Duration("ai.request.duration_ms", start, "provider", "anthropic")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		err := fmt.Errorf("%w: empty content from anthropic", core.ErrRequestFailed)
		span.RecordError(err)
		return nil, err
	}

	model := parsed.Model
	if model == "" {
		model = options.Model
	}

	return &core.AIResponse{
		Content:  text.String(),
		Model:    model,
		Provider: "anthropic",
		Usage: core.TokenUsage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}
