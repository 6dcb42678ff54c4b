package core

import (
	"context"
	"time"
)

// Generator is the text-generation backend boundary. Implementations may
// fail or exceed their timeout; callers treat both as non-fatal.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// GenerateOptions tunes a single generation call.
type GenerateOptions struct {
	// SystemPrompt is sent ahead of the prompt when the backend supports it.
	SystemPrompt string

	// MaxTokens caps the response length. Zero uses the backend default.
	MaxTokens int

	// Temperature for sampling. Zero uses the backend default.
	Temperature float64

	// Timeout bounds the call. Zero leaves the caller's deadline in charge.
	Timeout time.Duration
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	return f(ctx, prompt, opts)
}
