package tools

import (
	"strings"
	"testing"
)

func TestFilterQuality(t *testing.T) {
	results := []SearchResult{
		{Title: "thin", URL: "https://a.example", Snippet: "short"},
		{Title: "rich", URL: "https://b.example", Snippet: strings.Repeat("x", 150)},
		{Title: "borderline", URL: "https://c.example", Snippet: strings.Repeat("y", 50)},
	}

	kept := FilterQuality(results, MinSnippetChars)
	if len(kept) != 1 {
		t.Fatalf("kept %d results, want 1", len(kept))
	}
	if kept[0].Title != "rich" {
		t.Errorf("kept %q, want %q", kept[0].Title, "rich")
	}

	// Exactly at the bar passes.
	exact := []SearchResult{{Title: "edge", URL: "https://d.example", Snippet: strings.Repeat("z", MinSnippetChars)}}
	if kept := FilterQuality(exact, MinSnippetChars); len(kept) != 1 {
		t.Errorf("snippet of exactly %d chars should pass", MinSnippetChars)
	}
}

func TestDedupeByURL(t *testing.T) {
	results := []SearchResult{
		{Title: "first", URL: "https://same.example", Source: "duckduckgo"},
		{Title: "second", URL: "https://same.example", Source: "tavily"},
		{Title: "other", URL: "https://other.example"},
		{Title: "empty url dropped", URL: ""},
	}

	deduped := DedupeByURL(results)
	if len(deduped) != 2 {
		t.Fatalf("got %d results, want 2", len(deduped))
	}
	if deduped[0].Title != "first" {
		t.Errorf("dedupe should keep the first occurrence, got %q", deduped[0].Title)
	}
}

func TestResolveDDGHref(t *testing.T) {
	tests := []struct {
		name string
		href string
		want string
	}{
		{
			"redirect link",
			"//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fblog%2Fpgo&rut=abc123",
			"https://go.dev/blog/pgo",
		},
		{"direct link", "https://go.dev/doc/", "https://go.dev/doc/"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveDDGHref(tt.href); got != tt.want {
				t.Errorf("resolveDDGHref(%q) = %q, want %q", tt.href, got, tt.want)
			}
		})
	}
}

func TestParseDDGResults(t *testing.T) {
	page := `<html><body>
<div class="results">
  <div class="result results_links">
    <h2 class="result__title"><a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fblog%2Fpgo">Profile-guided optimization</a></h2>
    <a class="result__snippet" href="#">PGO landed in Go 1.21 and typically improves performance by two to seven percent on representative benchmarks.</a>
  </div>
  <div class="result results_links">
    <h2 class="result__title"><a class="result__a" href="https://example.com/direct">Direct hit</a></h2>
    <div class="result__snippet">A result whose snippet lives in a div instead of an anchor.</div>
  </div>
  <div class="result">
    <span>malformed, no link</span>
  </div>
</div>
</body></html>`

	results, err := parseDDGResults(strings.NewReader(page))
	if err != nil {
		t.Fatalf("parseDDGResults returned error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("parsed %d results, want 2", len(results))
	}

	if results[0].Title != "Profile-guided optimization" {
		t.Errorf("title = %q", results[0].Title)
	}
	if results[0].URL != "https://go.dev/blog/pgo" {
		t.Errorf("redirect not resolved: %q", results[0].URL)
	}
	if !strings.Contains(results[0].Snippet, "PGO landed") {
		t.Errorf("snippet = %q", results[0].Snippet)
	}

	if results[1].URL != "https://example.com/direct" {
		t.Errorf("second url = %q", results[1].URL)
	}
	if !strings.Contains(results[1].Snippet, "div instead of an anchor") {
		t.Errorf("div snippet not captured: %q", results[1].Snippet)
	}
}
