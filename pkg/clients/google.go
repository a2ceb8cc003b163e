package clients

import (
	"context"

	"github.com/tmc/langchaingo/llms/googleai"
)

// GeminiModel is an enum for the Gemini models the gateway can fall back to.
type GeminiModel string

const (
	DefaultGeminiModel GeminiModel = "gemini-3-flash-preview"
	ProGeminiModel     GeminiModel = "gemini-3-pro-preview"
)

// newGoogleAI builds the Gemini fallback client. Gemini runs its own model
// namespace, so the gateway never forwards OpenAI-style model names to it.
func newGoogleAI(ctx context.Context, apiKey string) (*googleai.GoogleAI, error) {
	return googleai.New(ctx, googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(string(DefaultGeminiModel)))
}
