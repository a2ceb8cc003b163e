package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"oracle/pkg/clients"
)

// Intent labels for incoming user messages.
const (
	IntentChat     = "chat"
	IntentResearch = "research"
	IntentPDF      = "pdf"
)

// Generator is the slice of the LLM gateway the router needs.
type Generator interface {
	Generate(ctx context.Context, req clients.Request) (*clients.Response, error)
}

// Router classifies a user message so the frontend can send it to the
// chat agent, the research pipeline, or the PDF ingest flow.
type Router struct {
	LLM   Generator
	Model string
}

func NewRouter(llm Generator, model string) *Router {
	return &Router{LLM: llm, Model: model}
}

const routerSystem = `You classify user messages for an engineering research assistant. Reply with JSON only: {"intent": "..."}. Intents:
- "research": the user wants a new investigation, report, deep dive, or comparison that needs fresh sources.
- "pdf": the user is asking about an attached or uploaded document.
- "chat": everything else, including questions answerable from existing reports.`

// Route never fails. Classification errors fall back to keyword
// matching so a dead LLM degrades to slightly worse routing, not a
// broken frontend.
func (r *Router) Route(ctx context.Context, message string, hasPDF bool) string {
	if hasPDF {
		return IntentPDF
	}
	if strings.TrimSpace(message) == "" {
		return IntentChat
	}

	resp, err := r.LLM.Generate(ctx, clients.Request{
		System:      routerSystem,
		Prompt:      message,
		Model:       r.Model,
		Temperature: 0,
		MaxTokens:   50,
		JSONMode:    true,
	})
	if err != nil {
		slog.Warn("Intent classification failed, using keyword fallback", "error", err)
		return keywordIntent(message)
	}

	var out struct {
		Intent string `json:"intent"`
	}
	if err := json.Unmarshal([]byte(clients.ExtractJSON(resp.Text)), &out); err != nil {
		return keywordIntent(message)
	}

	switch out.Intent {
	case IntentChat, IntentResearch, IntentPDF:
		return out.Intent
	}
	return keywordIntent(message)
}

var researchKeywords = []string{
	"research",
	"investigate",
	"deep dive",
	"write a report",
	"compare",
	"benchmark",
}

func keywordIntent(message string) string {
	lower := strings.ToLower(message)
	for _, kw := range researchKeywords {
		if strings.Contains(lower, kw) {
			return IntentResearch
		}
	}
	return IntentChat
}
