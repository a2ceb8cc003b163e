package server

import (
	"context"
	"fmt"
	"strings"

	"oracle/pkg/clients"
	"oracle/pkg/indexer"
	"oracle/pkg/research/tools"
)

type AnswerRequest struct {
	Question string `json:"question"`
}

type AnswerSource struct {
	Origin  string `json:"origin"`
	Heading string `json:"heading,omitempty"`
}

type AnswerResponse struct {
	Answer  string         `json:"answer"`
	Sources []AnswerSource `json:"sources"`
}

const answerSystem = `You answer engineering questions from the provided context only.
If the context does not contain the answer, say what is missing.
Keep answers short and concrete.`

// Answer runs a single-shot lookup over the ingested corpus, skipping
// the full pipeline. Suited to questions the corpus already covers.
func (s *Service) Answer(ctx context.Context, question string) (*AnswerResponse, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrBadRequest)
	}

	chunks, err := s.Chunks(ctx)
	if err != nil {
		return nil, err
	}

	index := indexer.NewIndex()
	index.Add(chunks)
	hits := index.Search(question, 10)

	if len(hits) == 0 {
		return &AnswerResponse{
			Answer: "The corpus has no content matching this question. Ingest relevant documents first or run full research.",
		}, nil
	}

	var sb strings.Builder
	var sources []AnswerSource
	seen := make(map[string]bool)
	for _, h := range hits {
		if h.Chunk.SectionHeading != "" {
			fmt.Fprintf(&sb, "[%s] ", h.Chunk.SectionHeading)
		}
		sb.WriteString(tools.Truncate(h.Chunk.Content, 500))
		sb.WriteString("\n\n")

		key := h.Chunk.SourceID + "|" + h.Chunk.SectionHeading
		if !seen[key] {
			seen[key] = true
			sources = append(sources, AnswerSource{Origin: h.Chunk.SourceID, Heading: h.Chunk.SectionHeading})
		}
	}

	resp, err := s.LLM.Generate(ctx, clients.Request{
		System:      answerSystem,
		Prompt:      fmt.Sprintf("Question: %s\n\nContext:\n%s", question, sb.String()),
		Model:       s.Cfg.FastModel,
		Temperature: 0.5,
		MaxTokens:   2048,
	})
	if err != nil {
		return nil, fmt.Errorf("answer generation failed: %w", err)
	}

	return &AnswerResponse{Answer: resp.Text, Sources: sources}, nil
}
