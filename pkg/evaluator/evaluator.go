package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"unicode/utf8"

	"oracle/pkg/clients"
	"oracle/pkg/config"
	"oracle/pkg/indexer"
)

const maxEvalContentChars = 8000

// Strategy scores how relevant a piece of generated analysis is to the
// query that produced it. Scores live in [0,1].
type Strategy interface {
	Name() string
	Score(ctx context.Context, query, content string) (float64, error)
}

// TextEmbedder is the slice of the embedding client the cosine strategy needs.
type TextEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Generator is the slice of the LLM gateway the judge strategy needs.
type Generator interface {
	Generate(ctx context.Context, req clients.Request) (*clients.Response, error)
}

// Evaluator wraps the configured strategy. Evaluate never fails the
// pipeline: a broken strategy scores zero and the run keeps going.
type Evaluator struct {
	strategy Strategy
}

// New picks the strategy from config, degrading to keyword overlap when the
// requested strategy's dependency is missing.
func New(cfg *config.Config, embedder TextEmbedder, generator Generator) *Evaluator {
	var s Strategy
	switch cfg.EvaluatorStrategy {
	case "keyword":
		s = KeywordStrategy{}
	case "judge":
		if generator != nil {
			s = &JudgeStrategy{Generator: generator, Model: cfg.FastModel}
		}
	default:
		if embedder != nil {
			s = &EmbeddingStrategy{Embedder: embedder}
		}
	}
	if s == nil {
		s = KeywordStrategy{}
	}
	return &Evaluator{strategy: s}
}

func (e *Evaluator) StrategyName() string {
	return e.strategy.Name()
}

// Evaluate scores content against query, clamped to [0,1]. Any strategy
// failure is logged and scored as zero relevance.
func (e *Evaluator) Evaluate(ctx context.Context, query, content string) float64 {
	score, err := e.strategy.Score(ctx, query, content)
	if err != nil {
		slog.Warn("evaluation failed, scoring zero", "strategy", e.strategy.Name(), "error", err)
		return 0
	}
	return clamp01(score)
}

// KeywordStrategy measures unique-token overlap between query and content.
// Cheap, deterministic, and the fallback for every other strategy.
type KeywordStrategy struct{}

func (KeywordStrategy) Name() string { return "keyword" }

func (KeywordStrategy) Score(_ context.Context, query, content string) (float64, error) {
	queryTokens := tokenSet(query)
	if len(queryTokens) == 0 {
		return 0.5, nil
	}
	contentTokens := tokenSet(content)

	overlap := 0
	for token := range queryTokens {
		if contentTokens[token] {
			overlap++
		}
	}
	score := float64(overlap) / float64(len(queryTokens)) * 1.2
	return math.Min(score, 1.0), nil
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, token := range indexer.Tokenize(text) {
		set[token] = true
	}
	return set
}

// EmbeddingStrategy scores with cosine similarity between query and content
// embeddings. Embedding failures fall back to keyword overlap rather than
// erroring, so transient embedding outages never zero a run.
type EmbeddingStrategy struct {
	Embedder TextEmbedder
}

func (*EmbeddingStrategy) Name() string { return "embedding" }

func (s *EmbeddingStrategy) Score(ctx context.Context, query, content string) (float64, error) {
	content = truncate(content, maxEvalContentChars)

	queryVec, err := s.Embedder.EmbedText(ctx, query)
	if err != nil {
		slog.Warn("query embedding failed, using keyword overlap", "error", err)
		return KeywordStrategy{}.Score(ctx, query, content)
	}
	contentVec, err := s.Embedder.EmbedText(ctx, content)
	if err != nil {
		slog.Warn("content embedding failed, using keyword overlap", "error", err)
		return KeywordStrategy{}.Score(ctx, query, content)
	}

	sim, err := cosine(queryVec, contentVec)
	if err != nil {
		return KeywordStrategy{}.Score(ctx, query, content)
	}
	return clamp01(sim), nil
}

func cosine(a, b []float32) (float64, error) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, fmt.Errorf("embedding dimensions mismatch: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("zero-magnitude embedding")
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

const judgeSystem = `You grade how well a technical analysis answers an engineering question.
Reply with strict JSON: {"score": <number between 0 and 1>}.
1.0 means the analysis fully answers the question with concrete evidence; 0.0 means it is irrelevant.`

// JudgeStrategy asks an LLM for a relevance verdict.
type JudgeStrategy struct {
	Generator Generator
	Model     string
}

func (*JudgeStrategy) Name() string { return "judge" }

func (s *JudgeStrategy) Score(ctx context.Context, query, content string) (float64, error) {
	content = truncate(content, maxEvalContentChars)
	prompt := fmt.Sprintf("Question:\n%s\n\nAnalysis:\n%s", query, content)

	resp, err := s.Generator.Generate(ctx, clients.Request{
		System:      judgeSystem,
		Prompt:      prompt,
		Model:       s.Model,
		MaxTokens:   256,
		Temperature: 0.1,
		JSONMode:    true,
	})
	if err != nil {
		return 0, fmt.Errorf("judge generation: %w", err)
	}

	var verdict struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(clients.ExtractJSON(resp.Text)), &verdict); err != nil {
		return 0, fmt.Errorf("parse judge verdict: %w", err)
	}
	return clamp01(verdict.Score), nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 {
		r, size := utf8.DecodeLastRuneInString(cut)
		if r != utf8.RuneError || size > 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}
	return cut
}
