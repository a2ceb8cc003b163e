package flashcards

import (
	"context"
	"errors"
	"strings"
	"testing"

	"oracle/pkg/clients"
)

type fakeLLM struct {
	responses []string
	err       error
	calls     int
}

func (f *fakeLLM) Generate(ctx context.Context, req clients.Request) (*clients.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	content := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return &clients.Response{Text: content}, nil
}

const sampleReport = `# Connection Pooling

## Summary

PgBouncer in transaction mode cuts connection overhead [1].

## Benchmarks and Evidence

Median latency dropped from 8ms to 2ms at 500 clients [2].`

func TestGenerate(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"cards": [
			{"front": "What does PgBouncer transaction mode reduce?", "back": "Connection overhead.", "tags": ["postgres", "pooling"], "source_citations": [1]},
			{"front": "Median latency at 500 clients?", "back": "2ms, down from 8ms.", "tags": ["benchmarks"], "source_citations": [2]}
		]}`,
	}}

	cards, err := Generate(context.Background(), llm, "test-model", sampleReport)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("expected 2 cards, got %d", len(cards))
	}
	if llm.calls != 1 {
		t.Errorf("expected 1 LLM call for a short report, got %d", llm.calls)
	}
	if cards[0].Front != "What does PgBouncer transaction mode reduce?" {
		t.Errorf("unexpected front: %q", cards[0].Front)
	}
	if len(cards[1].SourceCitations) != 1 || cards[1].SourceCitations[0] != 2 {
		t.Errorf("unexpected citations: %v", cards[1].SourceCitations)
	}
}

func TestGenerateSkipsBlankCards(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"cards": [
			{"front": "", "back": "orphan answer"},
			{"front": "Real question?", "back": "Real answer."},
			{"front": "No answer?", "back": "   "}
		]}`,
	}}

	cards, err := Generate(context.Background(), llm, "test-model", sampleReport)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("expected only the complete card, got %d", len(cards))
	}
}

func TestGenerateNonJSONYieldsNoCards(t *testing.T) {
	llm := &fakeLLM{responses: []string{"Here are some flashcards for you!"}}

	cards, err := Generate(context.Background(), llm, "test-model", sampleReport)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(cards) != 0 {
		t.Errorf("expected no cards from a non-JSON response, got %d", len(cards))
	}
}

func TestGenerateEmptyReport(t *testing.T) {
	llm := &fakeLLM{responses: []string{`{"cards": []}`}}

	if _, err := Generate(context.Background(), llm, "test-model", "   "); err == nil {
		t.Fatal("expected error for empty report")
	}
	if llm.calls != 0 {
		t.Errorf("expected no LLM calls, got %d", llm.calls)
	}
}

func TestGenerateLLMError(t *testing.T) {
	llm := &fakeLLM{err: errors.New("upstream 429")}

	if _, err := Generate(context.Background(), llm, "test-model", sampleReport); err == nil {
		t.Fatal("expected error when the LLM fails")
	}
}

func TestGenerateSplitsLongReports(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 12; i++ {
		sb.WriteString("## Section\n\n")
		sb.WriteString(strings.Repeat("Benchmark data and production guidance. ", 30))
		sb.WriteString("\n\n")
	}

	llm := &fakeLLM{responses: []string{
		`{"cards": [{"front": "Q?", "back": "A."}]}`,
	}}

	cards, err := Generate(context.Background(), llm, "test-model", sb.String())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if llm.calls < 2 {
		t.Errorf("expected the report to be split into multiple calls, got %d", llm.calls)
	}
	if len(cards) != llm.calls {
		t.Errorf("expected one card per section call, got %d cards from %d calls", len(cards), llm.calls)
	}
}

func TestSplitReportShort(t *testing.T) {
	pieces := splitReport("## Short\n\ncontent")
	if len(pieces) != 1 {
		t.Fatalf("expected a single piece, got %d", len(pieces))
	}
}

func TestToTSV(t *testing.T) {
	cards := []Card{
		{Front: "What is BM25?", Back: "A ranking function.", Tags: []string{"retrieval", "search"}},
		{Front: "Tab\there?", Back: "Line\nbreak.", Tags: nil},
	}

	got := ToTSV(cards)
	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), got)
	}
	if lines[0] != "What is BM25?\tA ranking function.\tretrieval search" {
		t.Errorf("unexpected first line: %q", lines[0])
	}
	if strings.Count(lines[1], "\t") != 2 {
		t.Errorf("embedded tabs must not add columns: %q", lines[1])
	}
	if strings.Contains(lines[1], "\n") {
		t.Errorf("embedded newlines must not split cards: %q", lines[1])
	}
}

func TestToTSVEmpty(t *testing.T) {
	if got := ToTSV(nil); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}
