package xai

import (
	"os"

	"github.com/conclave-ai/conclave/ai"
	"github.com/conclave-ai/conclave/core"
)

// Factory implements ai.ProviderFactory for xAI
type Factory struct{}

func init() {
	ai.MustRegister(&Factory{})
}

// Create creates a new xAI client instance
func (f *Factory) Create(config *ai.ClientConfig) core.AIClient {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("XAI_API_KEY")
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("XAI_BASE_URL")
	}

	client := NewClient(apiKey, baseURL, config.Logger)

	if config.Timeout > 0 {
		client.HTTPClient.Timeout = config.Timeout
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

// DetectEnvironment reports availability based on configured credentials
func (f *Factory) DetectEnvironment() (int, bool) {
	return 70, os.Getenv("XAI_API_KEY") != ""
}

// Name returns the provider's name
func (f *Factory) Name() string {
	return "xai"
}

// Description returns a human-readable description
func (f *Factory) Description() string {
	return "xAI Grok chat completions"
}
