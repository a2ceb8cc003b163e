package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// SearchResult is one discovered source candidate.
type SearchResult struct {
	Title          string  `json:"title"`
	URL            string  `json:"url"`
	Snippet        string  `json:"snippet"`
	Source         string  `json:"source"`
	RelevanceScore float64 `json:"relevance_score,omitempty"`
}

const (
	ddgEndpoint    = "https://html.duckduckgo.com/html/"
	tavilyEndpoint = "https://api.tavily.com/search"

	// MinSnippetChars is the quality bar for discovery results. Thin
	// snippets usually mean link farms or paywalled stubs.
	MinSnippetChars = 100
)

// SearchClient discovers sources via the DuckDuckGo HTML endpoint, with
// Tavily as an optional fallback when DuckDuckGo comes back thin.
type SearchClient struct {
	client    *http.Client
	tavilyKey string
}

func NewSearchClient(tavilyKey string) *SearchClient {
	return &SearchClient{
		client:    &http.Client{Timeout: 15 * time.Second},
		tavilyKey: tavilyKey,
	}
}

// Search scrapes the DuckDuckGo HTML results page for the query.
func (c *SearchClient) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 10
	}

	endpoint := ddgEndpoint + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search %q: status %d", query, resp.StatusCode)
	}

	results, err := parseDDGResults(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("parse search results for %q: %w", query, err)
	}
	for i := range results {
		results[i].Source = "duckduckgo"
	}
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

// parseDDGResults walks the result list markup: each hit is a div with a
// "result" class containing a result__a link and a result__snippet.
func parseDDGResults(r io.Reader) ([]SearchResult, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result") {
			if res, ok := parseResultDiv(n); ok {
				results = append(results, res)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results, nil
}

func parseResultDiv(div *html.Node) (SearchResult, bool) {
	var res SearchResult
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			switch {
			case hasClass(n, "result__a") && res.URL == "":
				res.Title = strings.TrimSpace(textOf(n))
				res.URL = resolveDDGHref(attrValue(n, "href"))
			case hasClass(n, "result__snippet") && res.Snippet == "":
				res.Snippet = strings.TrimSpace(textOf(n))
			}
		}
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result__snippet") && res.Snippet == "" {
			res.Snippet = strings.TrimSpace(textOf(n))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(div)
	return res, res.URL != "" && res.Title != ""
}

// resolveDDGHref unwraps DuckDuckGo redirect links (/l/?uddg=<target>).
func resolveDDGHref(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		if decoded, err := url.QueryUnescape(target); err == nil {
			return decoded
		}
		return target
	}
	return href
}

func hasClass(n *html.Node, class string) bool {
	for _, field := range strings.Fields(attrValue(n, "class")) {
		if field == class {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return sb.String()
}

// TavilySearch queries the Tavily API. Without an API key it is a no-op so
// discovery can call it unconditionally.
func (c *SearchClient) TavilySearch(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if c.tavilyKey == "" {
		return nil, nil
	}
	if maxResults <= 0 {
		maxResults = 10
	}

	payload, err := json.Marshal(map[string]any{
		"api_key":     c.tavilyKey,
		"query":       query,
		"max_results": maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tavily request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tavilyEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build tavily request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily search %q: %w", query, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tavily search %q: status %d: %s", query, resp.StatusCode, body)
	}

	var decoded struct {
		Results []struct {
			Title   string  `json:"title"`
			URL     string  `json:"url"`
			Content string  `json:"content"`
			Score   float64 `json:"score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode tavily response: %w", err)
	}

	results := make([]SearchResult, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		results = append(results, SearchResult{
			Title:          r.Title,
			URL:            r.URL,
			Snippet:        r.Content,
			Source:         "tavily",
			RelevanceScore: r.Score,
		})
	}
	return results, nil
}

// FilterQuality keeps results whose snippet meets the minimum length.
func FilterQuality(results []SearchResult, minSnippetChars int) []SearchResult {
	kept := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if len(r.Snippet) >= minSnippetChars {
			kept = append(kept, r)
		}
	}
	return kept
}

// DedupeByURL drops repeated URLs, keeping the first occurrence.
func DedupeByURL(results []SearchResult) []SearchResult {
	seen := make(map[string]bool, len(results))
	deduped := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.URL == "" || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		deduped = append(deduped, r)
	}
	return deduped
}
