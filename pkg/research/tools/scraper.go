package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

// SourceCategory drives how a discovered URL is harvested.
type SourceCategory string

const (
	CategoryDoc    SourceCategory = "doc"
	CategoryGitHub SourceCategory = "github"
	CategoryPDF    SourceCategory = "pdf"
	CategoryOther  SourceCategory = "other"
)

var docHostMarkers = []string{"arxiv.org", "docs.", "readthedocs", "wiki", "medium.com", "blog"}

// ClassifyURL buckets a URL by how its content should be acquired. The PDF
// check runs first so arxiv.org/pdf/... links are not misfiled as articles.
func ClassifyURL(rawURL string) SourceCategory {
	u, err := url.Parse(rawURL)
	if err != nil {
		return CategoryOther
	}
	if strings.HasSuffix(strings.ToLower(u.Path), ".pdf") {
		return CategoryPDF
	}
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, "github.com") {
		return CategoryGitHub
	}
	for _, marker := range docHostMarkers {
		if strings.Contains(host, marker) {
			return CategoryDoc
		}
	}
	return CategoryOther
}

// ScrapedDocument is the text of one harvested page.
type ScrapedDocument struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type"`
	CharCount   int       `json:"char_count"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

var (
	// ErrBlocked marks a 403 response. Blocked hosts are never retried.
	ErrBlocked = errors.New("blocked by upstream")
	// ErrRateLimited marks a 429 that survived the retry budget.
	ErrRateLimited = errors.New("rate limited by upstream")
)

var browserHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.9",
}

const (
	minPageChars = 50
	maxPageChars = 50_000
)

// Scraper fetches pages and extracts their readable text. A shared rate
// limiter keeps the harvester polite even when several workers fetch at once.
type Scraper struct {
	client  *http.Client
	limiter *rate.Limiter
}

func NewScraper() *Scraper {
	return &Scraper{
		client:  &http.Client{Timeout: 20 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(2), 4),
	}
}

// Fetch downloads a page and returns its extracted text. 429 responses are
// retried up to three attempts with exponential backoff (2s, 4s, capped at
// 30s); 403 fails immediately with ErrBlocked. Pages yielding fewer than 50
// characters of text are rejected, and content is capped at 50k characters.
func (s *Scraper) Fetch(ctx context.Context, rawURL string) (*ScrapedDocument, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var resp *http.Response
	backoff := 2 * time.Second
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request for %s: %w", rawURL, err)
		}
		for k, v := range browserHeaders {
			req.Header.Set(k, v)
		}

		resp, err = s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			break
		}
		resp.Body.Close()
		if attempt >= 2 {
			return nil, fmt.Errorf("%s: %w", rawURL, ErrRateLimited)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%s: %w", rawURL, ErrBlocked)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	title, body, err := ExtractReadableText(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	if len(body) < minPageChars {
		return nil, fmt.Errorf("page %s yielded only %d characters", rawURL, len(body))
	}
	body = Truncate(body, maxPageChars)

	return &ScrapedDocument{
		URL:         rawURL,
		Title:       title,
		Content:     body,
		ContentType: "html",
		CharCount:   len(body),
		ScrapedAt:   time.Now().UTC(),
	}, nil
}

var noiseTags = map[string]bool{
	"script": true, "style": true, "nav": true, "footer": true,
	"header": true, "aside": true, "noscript": true,
}

// ExtractReadableText parses HTML and returns the page title plus the text
// of the main content region. Navigation chrome and script/style noise are
// dropped; article, main and div[role=main] are preferred over body.
func ExtractReadableText(r io.Reader) (title, body string, err error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", err
	}

	if node := findElement(doc, "title"); node != nil {
		title = strings.TrimSpace(textOf(node))
	}
	if title == "" {
		if node := findElement(doc, "h1"); node != nil {
			title = strings.TrimSpace(textOf(node))
		}
	}

	main := findMainContent(doc)
	if main == nil {
		main = doc
	}
	var sb strings.Builder
	collectText(main, &sb)
	return title, collapseBlankRuns(sb.String()), nil
}

func findMainContent(doc *html.Node) *html.Node {
	for _, tag := range []string{"article", "main"} {
		if n := findElement(doc, tag); n != nil {
			return n
		}
	}
	if n := findNode(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "div" && attrValue(n, "role") == "main"
	}); n != nil {
		return n
	}
	return findElement(doc, "body")
}

func findElement(root *html.Node, tag string) *html.Node {
	return findNode(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == tag
	})
}

func findNode(root *html.Node, match func(*html.Node) bool) *html.Node {
	if match(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode && noiseTags[n.Data] {
		return
	}
	if n.Type == html.TextNode {
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString("\n")
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
	if n.Type == html.ElementNode {
		switch n.Data {
		case "p", "div", "section", "li", "h1", "h2", "h3", "h4", "h5", "h6", "pre", "tr", "br":
			sb.WriteString("\n")
		}
	}
}

var blankRunRe = regexp.MustCompile(`\n{3,}`)

func collapseBlankRuns(s string) string {
	return strings.TrimSpace(blankRunRe.ReplaceAllString(s, "\n\n"))
}

// Truncate cuts s to at most n bytes without splitting a rune.
func Truncate(s string, n int) string {
	if n < 0 || len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 {
		r, size := utf8.DecodeLastRuneInString(cut)
		if r != utf8.RuneError || size > 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}
	return cut
}
