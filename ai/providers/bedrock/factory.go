package bedrock

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/conclave-ai/conclave/ai"
	"github.com/conclave-ai/conclave/core"
)

// Factory implements ai.ProviderFactory for AWS Bedrock
type Factory struct{}

func init() {
	ai.MustRegister(&Factory{})
}

// Create creates a new Bedrock client instance
func (f *Factory) Create(config *ai.ClientConfig) core.AIClient {
	ctx := context.Background()

	region := ""
	if v, ok := config.Extra["region"].(string); ok {
		region = v
	}
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	var credProvider *credentials.StaticCredentialsProvider
	if accessKey, ok := config.Extra["aws_access_key_id"].(string); ok && accessKey != "" {
		if secretKey, ok := config.Extra["aws_secret_access_key"].(string); ok && secretKey != "" {
			sessionToken, _ := config.Extra["aws_session_token"].(string)
			p := credentials.NewStaticCredentialsProvider(accessKey, secretKey, sessionToken)
			credProvider = &p
		}
	}

	var client *Client
	if credProvider != nil {
		cfg, err := CreateAWSConfig(ctx, region, *credProvider)
		if err != nil {
			return &errorClient{err: err}
		}
		client = NewClient(cfg, config.Logger)
	} else {
		cfg, err := CreateAWSConfig(ctx, region)
		if err != nil {
			return &errorClient{err: err}
		}
		client = NewClient(cfg, config.Logger)
	}

	if config.Model != "" {
		client.DefaultModel = resolveModel(config.Model)
	}
	if config.Temperature > 0 {
		client.DefaultTemperature = config.Temperature
	}
	if config.MaxTokens > 0 {
		client.DefaultMaxTokens = config.MaxTokens
	}

	return client
}

// DetectEnvironment reports availability based on AWS configuration
func (f *Factory) DetectEnvironment() (int, bool) {
	available := os.Getenv("AWS_REGION") != "" || os.Getenv("AWS_DEFAULT_REGION") != "" ||
		os.Getenv("AWS_ACCESS_KEY_ID") != ""
	return 60, available
}

// Name returns the provider's name
func (f *Factory) Name() string {
	return "bedrock"
}

// Description returns a human-readable description
func (f *Factory) Description() string {
	return "AWS Bedrock Converse API (Claude on Bedrock)"
}

// errorClient defers configuration failures to first use so registration
// never fails
type errorClient struct {
	err error
}

func (e *errorClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	return nil, core.NewModelFailure("bedrock.GenerateResponse", "bedrock", "", e.err)
}
