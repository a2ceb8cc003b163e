package evaluator

import (
	"context"
	"errors"
	"math"
	"testing"

	"oracle/pkg/clients"
	"oracle/pkg/config"
)

type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

type fakeGenerator struct {
	text string
	err  error
}

func (f *fakeGenerator) Generate(_ context.Context, _ clients.Request) (*clients.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &clients.Response{Text: f.text}, nil
}

type failingStrategy struct{}

func (failingStrategy) Name() string { return "failing" }
func (failingStrategy) Score(context.Context, string, string) (float64, error) {
	return 0, errors.New("strategy exploded")
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestKeywordScore(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		content string
		want    float64
	}{
		{"full overlap capped", "gc latency", "gc latency numbers for the runtime", 1.0},
		{"partial overlap", "gc latency tuning", "notes about gc pauses and latency", 2.0 / 3.0 * 1.2},
		{"no overlap", "quantum chemistry", "web server connection pooling", 0},
		{"empty query", "", "anything at all", 0.5},
		{"repeated query tokens count once", "cache cache cache", "a cache appears", 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := KeywordStrategy{}.Score(context.Background(), tt.query, tt.content)
			if err != nil {
				t.Fatalf("Score returned error: %v", err)
			}
			if !almostEqual(got, tt.want) {
				t.Errorf("Score(%q, %q) = %v, want %v", tt.query, tt.content, got, tt.want)
			}
		})
	}
}

func TestEmbeddingScoreCosine(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"query":   {1, 0, 0},
		"content": {1, 0, 0},
		"ortho":   {0, 1, 0},
	}}
	s := &EmbeddingStrategy{Embedder: emb}

	got, err := s.Score(context.Background(), "query", "content")
	if err != nil {
		t.Fatalf("Score returned error: %v", err)
	}
	if !almostEqual(got, 1.0) {
		t.Errorf("identical vectors scored %v, want 1.0", got)
	}

	got, err = s.Score(context.Background(), "query", "ortho")
	if err != nil {
		t.Fatalf("Score returned error: %v", err)
	}
	if !almostEqual(got, 0) {
		t.Errorf("orthogonal vectors scored %v, want 0", got)
	}
}

func TestEmbeddingFallsBackToKeyword(t *testing.T) {
	s := &EmbeddingStrategy{Embedder: &fakeEmbedder{err: errors.New("quota exhausted")}}

	got, err := s.Score(context.Background(), "gc latency", "gc latency numbers")
	if err != nil {
		t.Fatalf("fallback should not error: %v", err)
	}
	if !almostEqual(got, 1.0) {
		t.Errorf("fallback score = %v, want keyword score 1.0", got)
	}
}

func TestJudgeScore(t *testing.T) {
	s := &JudgeStrategy{Generator: &fakeGenerator{text: "```json\n{\"score\": 0.83}\n```"}}

	got, err := s.Score(context.Background(), "q", "analysis")
	if err != nil {
		t.Fatalf("Score returned error: %v", err)
	}
	if !almostEqual(got, 0.83) {
		t.Errorf("judge score = %v, want 0.83", got)
	}
}

func TestJudgeScoreBadJSON(t *testing.T) {
	s := &JudgeStrategy{Generator: &fakeGenerator{text: "I think it's pretty good"}}
	if _, err := s.Score(context.Background(), "q", "analysis"); err == nil {
		t.Fatal("expected an error for unparseable verdict")
	}
}

func TestEvaluateFailureScoresZero(t *testing.T) {
	e := &Evaluator{strategy: failingStrategy{}}
	if got := e.Evaluate(context.Background(), "q", "c"); got != 0 {
		t.Errorf("failing strategy scored %v, want 0", got)
	}
}

func TestEvaluateClamps(t *testing.T) {
	e := &Evaluator{strategy: &JudgeStrategy{Generator: &fakeGenerator{text: `{"score": 7.5}`}}}
	if got := e.Evaluate(context.Background(), "q", "c"); got != 1.0 {
		t.Errorf("score = %v, want clamp to 1.0", got)
	}
}

func TestNewSelectsStrategy(t *testing.T) {
	gen := &fakeGenerator{text: `{"score": 0.5}`}
	emb := &fakeEmbedder{}

	tests := []struct {
		name      string
		strategy  string
		embedder  TextEmbedder
		generator Generator
		want      string
	}{
		{"explicit keyword", "keyword", emb, gen, "keyword"},
		{"judge with generator", "judge", emb, gen, "judge"},
		{"judge without generator degrades", "judge", emb, nil, "keyword"},
		{"default embedding", "embedding", emb, gen, "embedding"},
		{"embedding without embedder degrades", "embedding", nil, gen, "keyword"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{EvaluatorStrategy: tt.strategy, FastModel: "m"}
			e := New(cfg, tt.embedder, tt.generator)
			if e.StrategyName() != tt.want {
				t.Errorf("strategy = %q, want %q", e.StrategyName(), tt.want)
			}
		})
	}
}
