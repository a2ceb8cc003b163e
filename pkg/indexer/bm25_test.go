package indexer

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func makeChunk(id, content string) Chunk {
	return Chunk{ID: id, SourceID: "src", Content: content, CharCount: len(content)}
}

func hitIDs(hits []ScoredChunk) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Chunk.ID
	}
	return ids
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"Hello, World!", []string{"hello", "world"}},
		{"GC pause: 1.5ms (p99)", []string{"gc", "pause", "1", "5ms", "p99"}},
		{"snake_case stays", []string{"snake_case", "stays"}},
		{"", nil},
		{"!!! ---", nil},
	}

	for _, tt := range tests {
		if got := Tokenize(tt.input); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Tokenize(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestSearchRanking(t *testing.T) {
	idx := NewIndex()
	idx.Add([]Chunk{
		makeChunk("a", strings.Repeat("latency benchmark results matter. ", 3)),
		makeChunk("b", "one latency benchmark appears here among other words about tuning"),
		makeChunk("c", "nothing relevant lives in this chunk at all"),
	})

	hits := idx.Search("latency benchmark", 2)
	if got, want := hitIDs(hits), []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Search ranking = %v, want %v", got, want)
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("scores not descending: %v >= %v expected", hits[0].Score, hits[1].Score)
	}
}

func TestSearchPositiveScoresOnly(t *testing.T) {
	idx := NewIndex()
	idx.Add([]Chunk{
		makeChunk("a", "completely unrelated content"),
		makeChunk("b", "more words that do not match"),
	})

	if hits := idx.Search("quantum entanglement", 5); len(hits) != 0 {
		t.Errorf("got %d hits for a query with no matching terms, want 0", len(hits))
	}
}

func TestSearchTieKeepsInsertionOrder(t *testing.T) {
	idx := NewIndex()
	idx.Add([]Chunk{
		makeChunk("first", "identical payload here"),
		makeChunk("second", "identical payload here"),
		makeChunk("third", "identical payload here"),
	})

	hits := idx.Search("payload", 3)
	if got, want := hitIDs(hits), []string{"first", "second", "third"}; !reflect.DeepEqual(got, want) {
		t.Errorf("tie order = %v, want %v", got, want)
	}
}

func TestSearchTopK(t *testing.T) {
	idx := NewIndex()
	for i := 0; i < 10; i++ {
		idx.Add([]Chunk{makeChunk(fmt.Sprintf("c%d", i), "shared throughput term")})
	}

	if hits := idx.Search("throughput", 4); len(hits) != 4 {
		t.Errorf("topK=4 returned %d hits", len(hits))
	}
	if hits := idx.Search("throughput", 50); len(hits) != 10 {
		t.Errorf("topK beyond corpus returned %d hits, want 10", len(hits))
	}
	if hits := idx.Search("throughput", 0); hits != nil {
		t.Errorf("topK=0 returned %v, want nil", hits)
	}
}

func TestSearchEmptyCases(t *testing.T) {
	idx := NewIndex()
	if hits := idx.Search("anything", 5); hits != nil {
		t.Errorf("empty index returned %v", hits)
	}

	idx.Add([]Chunk{makeChunk("a", "some content")})
	if hits := idx.Search("???", 5); hits != nil {
		t.Errorf("tokenless query returned %v", hits)
	}
	if idx.Len() != 1 {
		t.Errorf("Len() = %d, want 1", idx.Len())
	}
}

func TestSearchAllDedupe(t *testing.T) {
	idx := NewIndex()
	idx.Add([]Chunk{
		makeChunk("shared", "goroutine scheduler latency details"),
		makeChunk("sched", "scheduler internals and run queues"),
		makeChunk("lat", "latency histograms for the api"),
	})

	merged := idx.SearchAll([]string{"goroutine scheduler", "latency"}, 3)

	counts := make(map[string]int)
	for _, h := range merged {
		counts[h.Chunk.ID]++
	}
	if counts["shared"] != 1 {
		t.Fatalf("chunk hit by both queries appears %d times, want 1", counts["shared"])
	}
	if len(merged) != 3 {
		t.Fatalf("merged %d hits, want 3", len(merged))
	}
	for i := 1; i < len(merged); i++ {
		if merged[i-1].Score < merged[i].Score {
			t.Errorf("merged hits not sorted by score: %v before %v", merged[i-1].Score, merged[i].Score)
		}
	}

	// First query's score wins for the shared chunk.
	direct := idx.Search("goroutine scheduler", 3)
	var wantScore float64
	for _, h := range direct {
		if h.Chunk.ID == "shared" {
			wantScore = h.Score
		}
	}
	for _, h := range merged {
		if h.Chunk.ID == "shared" && h.Score != wantScore {
			t.Errorf("shared chunk score = %v, want first-query score %v", h.Score, wantScore)
		}
	}
}

func TestAddIsAdditive(t *testing.T) {
	idx := NewIndex()
	idx.Add([]Chunk{makeChunk("a", "etcd raft consensus")})
	before := idx.Search("raft", 5)

	idx.Add([]Chunk{makeChunk("b", "raft leader election timing")})
	after := idx.Search("raft", 5)

	if len(before) != 1 || len(after) != 2 {
		t.Errorf("additive indexing broken: %d then %d hits", len(before), len(after))
	}
}
