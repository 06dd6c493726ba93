package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	codelet "github.com/Paranoid-AF/codelet"
)

var (
	inferenceRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codelet_inference_requests_total",
		Help: "Inference calls by result (ok, error, cancelled).",
	}, []string{"result"})
	inferenceTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codelet_inference_tokens_total",
		Help: "Streamed chunks received from the inference backend.",
	})
)

// Generator performs streaming chat completions via an OpenAI-compatible API.
type Generator struct {
	client  *openai.Client
	limiter *rate.Limiter

	mu       sync.RWMutex
	model    string
	defaults Options
}

var _ Backend = (*Generator)(nil)

// NewGenerator creates a generator. requestsPerSecond <= 0 disables rate limiting.
func NewGenerator(baseURL, apiKey string, requestsPerSecond float64) *Generator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}

	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = max(1, int(requestsPerSecond))
	}
	return &Generator{
		client:  openai.NewClientWithConfig(cfg),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// FromConfig builds and loads a generator from configuration. It returns
// ErrNotConfigured when no API key is available.
func FromConfig(ctx context.Context, cfg *codelet.Config) (*Generator, error) {
	apiKey := codelet.ResolveGenerationAPIKey(cfg)
	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	g := NewGenerator(codelet.ResolveGenerationBaseURL(cfg), apiKey, cfg.Generation.RequestsPerSecond)
	err := g.LoadModel(ctx, codelet.ResolveGenerationModel(cfg), LoadOptions{
		Defaults: Options{
			MaxTokens:   cfg.Generation.MaxTokens,
			Temperature: cfg.Generation.Temperature,
			Stop:        cfg.Generation.Stop,
		},
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Model returns the loaded model name, or "" before LoadModel.
func (g *Generator) Model() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.model
}

// IsModelLoaded reports whether LoadModel has succeeded.
func (g *Generator) IsModelLoaded() bool {
	return g.Model() != ""
}

// LoadModel selects the model used for generation. Remote models need no
// loading; with opts.Verify the API is asked whether the model exists.
func (g *Generator) LoadModel(ctx context.Context, name string, opts LoadOptions) error {
	if name == "" {
		return errors.New("model name is required")
	}
	if opts.Verify {
		if _, err := g.client.GetModel(ctx, name); err != nil {
			return fmt.Errorf("verify model %s: %w", name, err)
		}
	}
	g.mu.Lock()
	g.model = name
	g.defaults = opts.Defaults
	g.mu.Unlock()
	return nil
}

// GenerateCompletion sends the prompt and returns the generated text. With a
// non-nil onToken the response is streamed and onToken sees every chunk.
func (g *Generator) GenerateCompletion(ctx context.Context, p Prompt, opts Options, onToken func(TokenEvent)) (string, error) {
	g.mu.RLock()
	model, defaults := g.model, g.defaults
	g.mu.RUnlock()
	if model == "" {
		return "", ErrModelNotLoaded
	}

	if err := g.limiter.Wait(ctx); err != nil {
		inferenceRequests.WithLabelValues("cancelled").Inc()
		return "", err
	}

	opts = opts.merge(defaults)
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.System},
			{Role: openai.ChatMessageRoleUser, Content: p.User},
		},
		MaxTokens:   opts.MaxTokens,
		Temperature: float32(opts.Temperature),
		Stop:        opts.Stop,
	}

	var text string
	var err error
	if onToken == nil {
		text, err = g.complete(ctx, req)
	} else {
		text, err = g.stream(ctx, req, onToken)
	}

	switch {
	case err != nil && ctx.Err() != nil:
		inferenceRequests.WithLabelValues("cancelled").Inc()
		return "", ctx.Err()
	case err != nil:
		inferenceRequests.WithLabelValues("error").Inc()
		return "", err
	}
	inferenceRequests.WithLabelValues("ok").Inc()
	return text, nil
}

func (g *Generator) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (g *Generator) stream(ctx context.Context, req openai.ChatCompletionRequest, onToken func(TokenEvent)) (string, error) {
	req.Stream = true
	stream, err := g.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion stream: %w", err)
	}
	defer stream.Close()

	var sb strings.Builder
	count := 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("chat completion stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		token := resp.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		count++
		inferenceTokens.Inc()
		sb.WriteString(token)
		onToken(TokenEvent{Token: token, Count: count})
	}
}
