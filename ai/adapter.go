package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/conclave-ai/conclave/core"
)

// MaxPromptLength is the largest prompt an adapter will accept
const MaxPromptLength = 25000

// InvokeParams carries the per-call generation settings
type InvokeParams struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string

	// Deadline bounds this call; it never extends the caller's deadline
	Deadline time.Duration
}

// Invoke runs one model call through the uniform adapter contract:
// validate the prompt, enforce the per-call deadline, and translate any
// provider failure into the engine error taxonomy. Breakers and retry wrap
// this externally; the call itself is stateless.
func Invoke(ctx context.Context, client core.AIClient, provider, model, prompt string, params InvokeParams) (*core.AIResponse, error) {
	const op = "ai.Invoke"

	if len(prompt) == 0 {
		return nil, core.NewValidationError(op, core.ErrInvalidRequest)
	}
	if len(prompt) > MaxPromptLength {
		return nil, core.NewValidationError(op,
			fmt.Errorf("%w: %d > %d", core.ErrPromptTooLong, len(prompt), MaxPromptLength))
	}

	if params.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.Deadline)
		defer cancel()
	}

	resp, err := client.GenerateResponse(ctx, prompt, &core.AIOptions{
		Model:        params.Model,
		Temperature:  params.Temperature,
		MaxTokens:    params.MaxTokens,
		SystemPrompt: params.SystemPrompt,
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("%w: %v", core.ErrTimeout, err)
		}
		return nil, core.NewModelFailure(op, provider, model, err)
	}

	if resp.Provider == "" {
		resp.Provider = provider
	}
	if resp.Model == "" {
		resp.Model = model
	}
	return resp, nil
}
