// Package providers holds the shared plumbing for HTTP-backed model
// provider clients.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/conclave-ai/conclave/core"
)

// BaseClient provides common functionality for all AI providers.
// Clients are stateless per call; resilience wrapping happens outside.
type BaseClient struct {
	// HTTP client with timeout
	HTTPClient *http.Client

	// Logger for debugging
	Logger core.Logger

	// Default configuration
	DefaultModel        string
	DefaultTemperature  float32
	DefaultMaxTokens    int
	DefaultSystemPrompt string
}

// NewBaseClient creates a new base client with defaults
func NewBaseClient(timeout time.Duration, logger core.Logger) *BaseClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &BaseClient{
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		Logger:             logger,
		DefaultTemperature: 0.7,
		DefaultMaxTokens:   1000,
	}
}

// ApplyDefaults fills unset option fields from the client defaults
func (b *BaseClient) ApplyDefaults(options *core.AIOptions) *core.AIOptions {
	if options == nil {
		options = &core.AIOptions{}
	}
	out := *options
	if out.Model == "" {
		out.Model = b.DefaultModel
	}
	if out.Temperature == 0 {
		out.Temperature = b.DefaultTemperature
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = b.DefaultMaxTokens
	}
	if out.SystemPrompt == "" {
		out.SystemPrompt = b.DefaultSystemPrompt
	}
	return &out
}

// PostJSON sends a JSON request and decodes the JSON response into out.
// Upstream HTTP failures are classified into the engine error taxonomy.
func (b *BaseClient) PostJSON(ctx context.Context, url string, headers map[string]string, reqBody interface{}, out interface{}) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %v", core.ErrTimeout, err)
		}
		if ctx.Err() == context.Canceled {
			return fmt.Errorf("%w: %v", core.ErrContextCanceled, err)
		}
		return fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", core.ErrRequestFailed, err)
	}

	if err := core.ClassifyHTTPStatus(resp.StatusCode, string(body)); err != nil {
		b.Logger.Warn("Provider request failed", map[string]interface{}{
			"operation": "provider_request_failed",
			"url":       url,
			"status":    resp.StatusCode,
		})
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: parse response: %v", core.ErrRequestFailed, err)
	}
	return nil
}
