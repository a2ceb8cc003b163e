package indexer

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
)

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

var tokenRe = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Tokenize lowercases text and extracts word tokens. Documents and queries
// go through the same function so term matching stays symmetric.
func Tokenize(text string) []string {
	return tokenRe.FindAllString(strings.ToLower(text), -1)
}

// ScoredChunk is a retrieval hit.
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

type indexedDoc struct {
	chunk  Chunk
	tf     map[string]int
	length int
}

// Index is an additive in-memory BM25 index. Safe for concurrent use: the
// server answers queries against the corpus index while ingestion adds to it.
type Index struct {
	mu       sync.RWMutex
	docs     []indexedDoc
	df       map[string]int
	totalLen int
}

func NewIndex() *Index {
	return &Index{df: make(map[string]int)}
}

// Add indexes chunks in order. IDF is derived at query time, so adding more
// chunks later (retry rounds, corpus loads) needs no rebuild.
func (idx *Index) Add(chunks []Chunk) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, c := range chunks {
		tokens := Tokenize(c.Content)
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		for t := range tf {
			idx.df[t]++
		}
		idx.docs = append(idx.docs, indexedDoc{chunk: c, tf: tf, length: len(tokens)})
		idx.totalLen += len(tokens)
	}
}

// Len reports the number of indexed chunks.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Search ranks indexed chunks against the query with BM25 (k1=1.5, b=0.75).
// Only chunks with a positive score are returned, ordered by descending
// score; ties keep insertion order. At most topK hits come back.
func (idx *Index) Search(query string, topK int) []ScoredChunk {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.search(query, topK)
}

func (idx *Index) search(query string, topK int) []ScoredChunk {
	n := len(idx.docs)
	if n == 0 || topK <= 0 {
		return nil
	}
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	avgdl := float64(idx.totalLen) / float64(n)
	if avgdl < 1 {
		avgdl = 1
	}

	var hits []ScoredChunk
	for _, doc := range idx.docs {
		var score float64
		for _, term := range queryTokens {
			tf := doc.tf[term]
			if tf == 0 {
				continue
			}
			df := idx.df[term]
			idf := math.Log((float64(n-df)+0.5)/(float64(df)+0.5) + 1)
			denom := float64(tf) + bm25K1*(1-bm25B+bm25B*float64(doc.length)/avgdl)
			score += idf * float64(tf) * (bm25K1 + 1) / denom
		}
		if score > 0 {
			hits = append(hits, ScoredChunk{
				Chunk: doc.chunk,
				Score: math.Round(score*10000) / 10000,
			})
		}
	}

	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// SearchAll runs Search for every query and merges the hits, deduplicating
// by chunk ID. The first query to return a chunk wins, then the merged list
// is re-sorted by score. The result is not truncated.
func (idx *Index) SearchAll(queries []string, topK int) []ScoredChunk {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[string]bool)
	var merged []ScoredChunk
	for _, q := range queries {
		for _, hit := range idx.search(q, topK) {
			if seen[hit.Chunk.ID] {
				continue
			}
			seen[hit.Chunk.ID] = true
			merged = append(merged, hit)
		}
	}

	sort.SliceStable(merged, func(a, b int) bool { return merged[a].Score > merged[b].Score })
	return merged
}
