package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"oracle/pkg/indexer"
	"oracle/pkg/research/tools"
)

// ErrUnprocessable marks payloads that parsed as requests but yielded
// no usable text. Maps to HTTP 422.
var ErrUnprocessable = errors.New("could not extract content")

type IngestRequest struct {
	// Kind selects the extractor: pdf, url or github.
	Kind string `json:"kind"`
	// Payload is base64 PDF bytes for pdf, a page URL for url, or a
	// repository URL for github.
	Payload string `json:"payload"`
	// Origin optionally labels pdf payloads; url and github derive it.
	Origin string `json:"origin"`
}

type IngestResult struct {
	DocumentID string `json:"document_id"`
	Kind       string `json:"kind"`
	Origin     string `json:"origin"`
	Title      string `json:"title,omitempty"`
	CharCount  int    `json:"char_count"`
	Chunks     int    `json:"chunks"`
}

// Ingest extracts a document, chunks it at corpus granularity and
// stores it for corpus-restricted runs and quick answers.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if strings.TrimSpace(req.Payload) == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrBadRequest)
	}

	var title, origin, text string
	switch req.Kind {
	case "pdf":
		data, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: payload is not valid base64", ErrBadRequest)
		}
		extractor := tools.NewPDFExtractor("")
		text, err = extractor.ExtractBytes(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnprocessable, err)
		}
		origin = req.Origin
		if origin == "" {
			origin = tools.Truncate(req.Payload, 500)
		}

	case "url":
		doc, err := tools.NewScraper().Fetch(ctx, req.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnprocessable, err)
		}
		text, title, origin = doc.Content, doc.Title, req.Payload

	case "github":
		cloneURL, ok := tools.NormalizeRepoURL(req.Payload)
		if !ok {
			return nil, fmt.Errorf("%w: not a clonable repository URL", ErrBadRequest)
		}
		info, err := tools.NewRepoCloner().Clone(ctx, cloneURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnprocessable, err)
		}
		text, title, origin = info.Markdown(), info.Name, cloneURL

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBadRequest, req.Kind)
	}

	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: no text extracted", ErrUnprocessable)
	}

	chunker := indexer.NewChunker(s.Cfg.CorpusChunkSize, s.Cfg.CorpusChunkOverlap)
	chunks := chunker.Split(text, origin)

	docID := uuid.New()
	_, err := s.DB.Pool.Exec(ctx,
		"INSERT INTO corpus_documents (id, kind, origin, title, char_count) VALUES ($1, $2, $3, $4, $5)",
		docID, req.Kind, origin, title, len(text))
	if err != nil {
		return nil, fmt.Errorf("failed to save document: %w", err)
	}

	batch := &pgx.Batch{}
	for _, ch := range chunks {
		batch.Queue(
			"INSERT INTO corpus_chunks (id, document_id, chunk_index, section_heading, content, char_count) VALUES ($1, $2, $3, $4, $5, $6)",
			ch.ID, docID, ch.Index, ch.SectionHeading, ch.Content, ch.CharCount)
	}
	br := s.DB.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range chunks {
		if _, err := br.Exec(); err != nil {
			return nil, fmt.Errorf("failed to save chunk: %w", err)
		}
	}

	return &IngestResult{
		DocumentID: docID.String(),
		Kind:       req.Kind,
		Origin:     origin,
		Title:      title,
		CharCount:  len(text),
		Chunks:     len(chunks),
	}, nil
}
