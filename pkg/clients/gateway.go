package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"oracle/pkg/config"
)

// Request is a single generation call. Model is the provider-native model
// name; providers that run their own model namespace ignore it.
type Request struct {
	System      string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
	JSONMode    bool
}

// Response carries the generated text plus provenance for logging.
type Response struct {
	Text       string
	Model      string
	Provider   string
	TokensUsed int
	LatencyMS  int64
}

// ErrNoProviders is returned when no LLM API key is configured.
var ErrNoProviders = errors.New("no llm providers configured")

type provider struct {
	name         string
	llm          llms.Model
	attempts     int
	defaultModel string
	ownModel     bool
}

// Gateway fans a generation request across the configured providers in
// priority order: OpenRouter (two attempts, the second only after a
// transient failure), then Groq, then Gemini. The first success wins.
type Gateway struct {
	providers []provider
}

func NewGateway(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	var providers []provider

	if cfg.OpenRouterApiKey != "" {
		llm, err := openai.New(
			openai.WithBaseURL(cfg.OpenRouterBaseURL),
			openai.WithToken(cfg.OpenRouterApiKey),
			openai.WithModel(cfg.ReasoningModel),
		)
		if err != nil {
			return nil, fmt.Errorf("init openrouter client: %w", err)
		}
		providers = append(providers, provider{name: "openrouter", llm: llm, attempts: 2, defaultModel: cfg.ReasoningModel})
	}

	if cfg.GroqApiKey != "" {
		llm, err := openai.New(
			openai.WithBaseURL(cfg.GroqBaseURL),
			openai.WithToken(cfg.GroqApiKey),
			openai.WithModel(cfg.ReasoningModel),
		)
		if err != nil {
			return nil, fmt.Errorf("init groq client: %w", err)
		}
		providers = append(providers, provider{name: "groq", llm: llm, attempts: 1, defaultModel: cfg.ReasoningModel})
	}

	if cfg.GoogleApiKey != "" {
		llm, err := newGoogleAI(ctx, cfg.GoogleApiKey)
		if err != nil {
			return nil, fmt.Errorf("init google client: %w", err)
		}
		providers = append(providers, provider{name: "google", llm: llm, attempts: 1, defaultModel: string(DefaultGeminiModel), ownModel: true})
	}

	return &Gateway{providers: providers}, nil
}

// Configured reports whether at least one provider is available.
func (g *Gateway) Configured() bool {
	return len(g.providers) > 0
}

// Generate runs the request through the provider chain. A provider is
// retried only when its failure looks transient; anything else moves
// straight to the next provider.
func (g *Gateway) Generate(ctx context.Context, req Request) (*Response, error) {
	if len(g.providers) == 0 {
		return nil, ErrNoProviders
	}

	var messages []llms.MessageContent
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	var lastErr error
	for _, p := range g.providers {
		model := req.Model
		if model == "" || p.ownModel {
			model = p.defaultModel
		}

		opts := []llms.CallOption{
			llms.WithModel(model),
			llms.WithTemperature(req.Temperature),
		}
		if req.MaxTokens > 0 {
			opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
		}
		if req.JSONMode {
			opts = append(opts, llms.WithJSONMode())
		}

		for attempt := 1; attempt <= p.attempts; attempt++ {
			start := time.Now()
			resp, err := p.llm.GenerateContent(ctx, messages, opts...)
			if err == nil && len(resp.Choices) > 0 {
				return &Response{
					Text:       resp.Choices[0].Content,
					Model:      model,
					Provider:   p.name,
					TokensUsed: totalTokens(resp),
					LatencyMS:  time.Since(start).Milliseconds(),
				}, nil
			}
			if err == nil {
				err = fmt.Errorf("empty response")
			}
			lastErr = fmt.Errorf("%s: %w", p.name, err)
			slog.Warn("generation attempt failed", "provider", p.name, "attempt", attempt, "error", err)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("generation cancelled: %w", ctx.Err())
			}
			if !IsTransient(err) {
				break
			}
		}
	}

	return nil, fmt.Errorf("all llm providers failed: %w", lastErr)
}

var transientMarkers = []string{"429", "500", "502", "503", "timeout"}

// IsTransient classifies an upstream failure as retry-worthy.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func totalTokens(resp *llms.ContentResponse) int {
	if len(resp.Choices) == 0 || resp.Choices[0].GenerationInfo == nil {
		return 0
	}
	for _, key := range []string{"TotalTokens", "total_tokens"} {
		if v, ok := resp.Choices[0].GenerationInfo[key]; ok {
			if n, ok := v.(int); ok {
				return n
			}
		}
	}
	return 0
}
