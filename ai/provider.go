package ai

import (
	"time"

	"github.com/conclave-ai/conclave/core"
)

// Provider represents an AI provider type
type Provider string

// Standard provider constants
const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderXAI       Provider = "xai"
	ProviderBedrock   Provider = "bedrock"
)

// ClientConfig holds configuration for AI client creation
type ClientConfig struct {
	// Provider to use
	Provider string

	// API credentials
	APIKey  string
	BaseURL string

	// Connection settings
	Timeout time.Duration

	// Model configuration
	Model       string
	Temperature float32
	MaxTokens   int

	Logger core.Logger

	// Advanced options
	Headers map[string]string
	Extra   map[string]interface{}
}

// ClientOption configures an AI client
type ClientOption func(*ClientConfig)

// WithProvider sets the AI provider
func WithProvider(provider string) ClientOption {
	return func(c *ClientConfig) {
		c.Provider = provider
	}
}

// WithAPIKey sets the API key
func WithAPIKey(key string) ClientOption {
	return func(c *ClientConfig) {
		c.APIKey = key
	}
}

// WithBaseURL sets the base URL for the API
func WithBaseURL(url string) ClientOption {
	return func(c *ClientConfig) {
		c.BaseURL = url
	}
}

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.Timeout = timeout
	}
}

// WithModel sets the model to use
func WithModel(model string) ClientOption {
	return func(c *ClientConfig) {
		c.Model = model
	}
}

// WithTemperature sets the temperature for generation
func WithTemperature(temp float32) ClientOption {
	return func(c *ClientConfig) {
		c.Temperature = temp
	}
}

// WithMaxTokens sets the maximum tokens for generation
func WithMaxTokens(tokens int) ClientOption {
	return func(c *ClientConfig) {
		c.MaxTokens = tokens
	}
}

// WithHeaders sets custom headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *ClientConfig) {
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
		for k, v := range headers {
			c.Headers[k] = v
		}
	}
}

// WithExtra sets extra configuration options (e.g. "region" for Bedrock)
func WithExtra(key string, value interface{}) ClientOption {
	return func(c *ClientConfig) {
		if c.Extra == nil {
			c.Extra = make(map[string]interface{})
		}
		c.Extra[key] = value
	}
}

// WithLogger sets the logger for AI operations
func WithLogger(logger core.Logger) ClientOption {
	return func(c *ClientConfig) {
		c.Logger = logger
	}
}
