// Package bedrock implements an AWS Bedrock provider. It backs the ranked
// fallback route for Claude-family roles when the native Anthropic endpoint
// is degraded.
package bedrock

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/conclave-ai/conclave/core"
	"github.com/conclave-ai/conclave/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Client implements core.AIClient for AWS Bedrock
type Client struct {
	bedrockClient *bedrockruntime.Client
	logger        core.Logger

	DefaultModel       string
	DefaultTemperature float32
	DefaultMaxTokens   int
}

// NewClient creates a new Bedrock client from an AWS configuration
func NewClient(cfg aws.Config, logger core.Logger) *Client {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	return &Client{
		bedrockClient:      bedrockruntime.NewFromConfig(cfg),
		logger:             logger,
		DefaultModel:       resolveModel(""),
		DefaultTemperature: 0.7,
		DefaultMaxTokens:   1000,
	}
}

// GenerateResponse generates a response using Bedrock's Converse API
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "ai.generate_response",
		attribute.String("ai.provider", "bedrock"),
		attribute.Int("ai.prompt_length", len(prompt)),
	)
	defer span.End()

	opts := c.applyDefaults(options)
	span.SetAttributes(attribute.String("ai.model", opts.Model))

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(opts.Model),
		Messages: []types.Message{
			{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: prompt},
				},
			},
		},
	}

	if opts.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: opts.SystemPrompt},
		}
	}

	inferenceConfig := &types.InferenceConfiguration{}
	if opts.MaxTokens > 0 {
		inferenceConfig.MaxTokens = aws.Int32(int32(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		inferenceConfig.Temperature = aws.Float32(opts.Temperature)
	}
	input.InferenceConfig = inferenceConfig

	start := time.Now()
	output, err := c.bedrockClient.Converse(ctx, input)
	telemetry.Duration("ai.request.duration_ms", start, "provider", "bedrock")
	if err != nil {
		span.RecordError(err)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: bedrock converse: %v", core.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: bedrock converse: %v", core.ErrRequestFailed, err)
	}

	if output.Output == nil {
		return nil, fmt.Errorf("%w: empty output from bedrock", core.ErrRequestFailed)
	}

	var content string
	switch v := output.Output.(type) {
	case *types.ConverseOutputMemberMessage:
		for _, block := range v.Value.Content {
			if text, ok := block.(*types.ContentBlockMemberText); ok {
				content += text.Value
			}
		}
	default:
		return nil, fmt.Errorf("%w: unexpected output type from bedrock", core.ErrRequestFailed)
	}

	if content == "" {
		return nil, fmt.Errorf("%w: empty content from bedrock", core.ErrRequestFailed)
	}

	result := &core.AIResponse{
		Content:  content,
		Model:    opts.Model,
		Provider: "bedrock",
	}

	if output.Usage != nil {
		result.Usage = core.TokenUsage{
			PromptTokens:     int(aws.ToInt32(output.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(output.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(output.Usage.TotalTokens)),
		}
	}

	return result, nil
}

func (c *Client) applyDefaults(options *core.AIOptions) *core.AIOptions {
	if options == nil {
		options = &core.AIOptions{}
	}
	out := *options
	out.Model = resolveModel(out.Model)
	if out.Temperature == 0 {
		out.Temperature = c.DefaultTemperature
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = c.DefaultMaxTokens
	}
	return &out
}

// CreateAWSConfig loads an AWS configuration for Bedrock access.
// Credentials resolve through the default chain (IAM role, environment,
// shared config) unless an explicit provider is supplied.
func CreateAWSConfig(ctx context.Context, region string, credentials ...aws.CredentialsProvider) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if len(credentials) > 0 && credentials[0] != nil {
		opts = append(opts, config.WithCredentialsProvider(credentials[0]))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}
