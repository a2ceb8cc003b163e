// Package flashcards turns finished research reports into study cards
// suitable for spaced-repetition import.
package flashcards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"oracle/pkg/clients"
)

// Card is one front/back study card. SourceCitations holds the [n]
// source numbers from the report that back the answer.
type Card struct {
	Front           string   `json:"front"`
	Back            string   `json:"back"`
	Tags            []string `json:"tags,omitempty"`
	SourceCitations []int    `json:"source_citations,omitempty"`
}

// Generator is the slice of the LLM gateway this package needs.
type Generator interface {
	Generate(ctx context.Context, req clients.Request) (*clients.Response, error)
}

const (
	// reportCharLimit is the largest report that goes to the model in
	// one call. Longer reports are split on markdown structure first.
	reportCharLimit = 8000
	sectionChars    = 4000
)

const cardSystem = `You write flashcards from engineering research reports. For each markdown section of the input, produce 3 to 5 cards that test the section's key facts, numbers, and trade-offs. Front is a question, back is a concise answer. Tag each card with lowercase topic keywords. When the section cites numbered sources like [2], list those numbers in source_citations. Respond with JSON only:
{"cards": [{"front": "...", "back": "...", "tags": ["..."], "source_citations": [1]}]}`

// Generate produces cards for a report. Sections whose model response
// is not parseable JSON contribute no cards rather than failing the
// whole request.
func Generate(ctx context.Context, llm Generator, model, report string) ([]Card, error) {
	report = strings.TrimSpace(report)
	if report == "" {
		return nil, errors.New("report is empty")
	}

	var cards []Card
	for _, section := range splitReport(report) {
		resp, err := llm.Generate(ctx, clients.Request{
			System:      cardSystem,
			Prompt:      section,
			Model:       model,
			Temperature: 0.3,
			MaxTokens:   2048,
			JSONMode:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("flashcard generation failed: %w", err)
		}

		var out struct {
			Cards []Card `json:"cards"`
		}
		if err := json.Unmarshal([]byte(clients.ExtractJSON(resp.Text)), &out); err != nil {
			slog.Warn("Flashcard response was not valid JSON, skipping section", "error", err)
			continue
		}

		for _, card := range out.Cards {
			if strings.TrimSpace(card.Front) == "" || strings.TrimSpace(card.Back) == "" {
				continue
			}
			cards = append(cards, card)
		}
	}
	return cards, nil
}

// splitReport returns the pieces each model call covers. Short reports
// go through whole; long ones are split along markdown headings so
// cards line up with report sections.
func splitReport(report string) []string {
	runes := []rune(report)
	if len(runes) <= reportCharLimit {
		return []string{report}
	}

	splitter := textsplitter.NewMarkdownTextSplitter(
		textsplitter.WithChunkSize(sectionChars),
		textsplitter.WithChunkOverlap(0),
	)
	sections, err := splitter.SplitText(report)
	if err != nil || len(sections) == 0 {
		return []string{string(runes[:reportCharLimit])}
	}
	return sections
}

// ToTSV renders cards as front/back/tags lines for Anki import. Tabs
// and newlines inside fields collapse to spaces to keep one card per
// line.
func ToTSV(cards []Card) string {
	var sb strings.Builder
	for _, card := range cards {
		sb.WriteString(tsvField(card.Front))
		sb.WriteByte('\t')
		sb.WriteString(tsvField(card.Back))
		sb.WriteByte('\t')
		sb.WriteString(tsvField(strings.Join(card.Tags, " ")))
		sb.WriteByte('\n')
	}
	return sb.String()
}

var tsvEscaper = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")

func tsvField(s string) string {
	return tsvEscaper.Replace(s)
}
