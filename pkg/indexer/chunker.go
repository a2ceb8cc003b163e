// Package indexer provides the section-aware chunker and the in-memory
// BM25 index that pipeline retrieval runs against.
package indexer

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Chunk is one retrievable unit of a source document.
type Chunk struct {
	ID             string `json:"id"`
	SourceID       string `json:"source_id"`
	Index          int    `json:"chunk_index"`
	SectionHeading string `json:"section_heading"`
	Content        string `json:"content"`
	CharCount      int    `json:"char_count"`
}

// Chunker splits markdown-ish text into chunks of roughly TargetSize bytes,
// keeping section boundaries intact and seeding consecutive chunks with an
// Overlap-sized tail of the previous one.
type Chunker struct {
	TargetSize int
	Overlap    int
}

func NewChunker(targetSize, overlap int) *Chunker {
	if targetSize <= 0 {
		targetSize = 2000
	}
	if overlap < 0 {
		overlap = 0
	}
	return &Chunker{TargetSize: targetSize, Overlap: overlap}
}

var (
	headingRe   = regexp.MustCompile(`(?m)^(#{1,4})\s+(.+)$`)
	paragraphRe = regexp.MustCompile(`\n{2,}`)
)

type section struct {
	heading string
	body    string
}

// Split chunks text for the given source. Boundaries and contents are
// deterministic; chunk IDs are fresh uuids on every call.
func (c *Chunker) Split(text, sourceID string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	index := 0
	emit := func(heading, content string) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		chunks = append(chunks, Chunk{
			ID:             uuid.NewString(),
			SourceID:       sourceID,
			Index:          index,
			SectionHeading: heading,
			Content:        content,
			CharCount:      len(content),
		})
		index++
	}

	for _, sec := range splitSections(text) {
		body := strings.TrimSpace(sec.body)
		if body == "" {
			continue
		}
		if len(body) <= c.TargetSize {
			emit(sec.heading, body)
			continue
		}

		current := ""
		for _, para := range paragraphRe.Split(body, -1) {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			if current != "" && len(current)+len(para)+2 > c.TargetSize {
				emit(sec.heading, current)
				current = tail(current, c.Overlap)
			}
			if current == "" {
				current = para
			} else {
				current += "\n\n" + para
			}
		}
		emit(sec.heading, current)
	}

	return chunks
}

// splitSections partitions text at markdown headings (levels 1-4). Text
// before the first heading becomes a section with an empty heading.
func splitSections(text string) []section {
	matches := headingRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return []section{{body: text}}
	}

	var sections []section
	if pre := text[:matches[0][0]]; strings.TrimSpace(pre) != "" {
		sections = append(sections, section{body: pre})
	}
	for i, m := range matches {
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		sections = append(sections, section{
			heading: strings.TrimSpace(text[m[4]:m[5]]),
			body:    text[m[1]:end],
		})
	}
	return sections
}

// tail returns the last n bytes of s, advanced to a rune boundary.
func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	t := s[len(s)-n:]
	for i := 0; i < len(t); i++ {
		if utf8.RuneStart(t[i]) {
			return t[i:]
		}
	}
	return ""
}
