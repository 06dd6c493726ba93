// Package generate talks to the inference backend: it renders prompts from
// gathered context, streams completions and cleans up model output.
package generate

import (
	"context"
	"errors"
)

var (
	// ErrModelNotLoaded is returned by GenerateCompletion before LoadModel succeeded.
	ErrModelNotLoaded = errors.New("model not loaded")
	// ErrNotConfigured means no generation API key is available.
	ErrNotConfigured = errors.New("generation API key not configured")
)

// TokenEvent is one streamed chunk. Count is the running number of chunks
// received so far, including this one.
type TokenEvent struct {
	Token string
	Count int
}

// Prompt is the rendered input for one completion.
type Prompt struct {
	System string
	User   string
}

// Options tune a single generation. Zero fields fall back to the values the
// model was loaded with.
type Options struct {
	MaxTokens   int
	Temperature float64
	Stop        []string
}

func (o Options) merge(defaults Options) Options {
	if o.MaxTokens == 0 {
		o.MaxTokens = defaults.MaxTokens
	}
	if o.Temperature == 0 {
		o.Temperature = defaults.Temperature
	}
	if len(o.Stop) == 0 {
		o.Stop = defaults.Stop
	}
	return o
}

// LoadOptions configure LoadModel.
type LoadOptions struct {
	// Defaults are used for every generation that leaves a field unset.
	Defaults Options
	// Verify asks the backend whether the model exists before accepting it.
	Verify bool
}

// Backend is an inference capability. Implementations must honour ctx
// cancellation during GenerateCompletion and, when onToken is non-nil, call
// it once per streamed chunk from the calling goroutine.
type Backend interface {
	IsModelLoaded() bool
	LoadModel(ctx context.Context, name string, opts LoadOptions) error
	GenerateCompletion(ctx context.Context, p Prompt, opts Options, onToken func(TokenEvent)) (string, error)
}
