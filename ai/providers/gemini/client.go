package gemini

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
	// DefaultBaseURL is the default Gemini API endpoint
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// Client implements core.AIClient for Google Gemini
type Client struct {
	*providers.BaseClient
	apiKey  string
	baseURL string
}

// NewClient creates a new Gemini client with configuration
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

type generateRequest struct {
	Contents          []content          `json:"contents"`
	SystemInstruction *content           `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig  `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// GenerateResponse generates a response using the GenerateContent API
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "ai.generate_response",
		attribute.String("ai.provider", "gemini"),
		attribute.Int("ai.prompt_length", len(prompt)),
	)
	defer span.End()

	if c.apiKey == "" {
		err := fmt.Errorf("gemini: %w: api key not configured", core.ErrAuthFailed)
		span.RecordError(err)
		return nil, err
	}

	options = c.ApplyDefaults(options)
	options.Model = resolveModel(options.Model)
	span.SetAttributes(attribute.String("ai.model", options.Model))

	reqBody := generateRequest{
		Contents: []content{
			{Role: "user", Parts: []part{{Text: prompt}}},
		},
		GenerationConfig: &generationConfig{
			Temperature:     options.Temperature,
			MaxOutputTokens: options.MaxTokens,
		},
	}
	if options.SystemPrompt != "" {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: options.SystemPrompt}}}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, options.Model, c.apiKey)

	var parsed generateResponse
	start := time.Now()
	err := c.PostJSON(ctx, url, nil, reqBody, &parsed)
	telemetry.Duration("ai.request.duration_ms", start, "provider", "gemini")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if len(parsed.Candidates) == 0 {
		err := fmt.Errorf("%w: empty candidates from gemini", core.ErrRequestFailed)
		span.RecordError(err)
		return nil, err
	}

	var text strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	if text.Len() == 0 {
		err := fmt.Errorf("%w: empty content from gemini", core.ErrRequestFailed)
		span.RecordError(err)
		return nil, err
	}

	model := parsed.ModelVersion
	if model == "" {
		model = options.Model
	}

	return &core.AIResponse{
		Content:  text.String(),
		Model:    model,
		Provider: "gemini",
		Usage: core.TokenUsage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
		},
	}, nil
}
