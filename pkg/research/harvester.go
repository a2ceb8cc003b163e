package research

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"oracle/pkg/config"
	"oracle/pkg/research/tools"
)

// PageFetcher acquires the readable text of a web page.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*tools.ScrapedDocument, error)
}

// RepoFetcher clones a repository and summarizes its contents.
type RepoFetcher interface {
	Clone(ctx context.Context, cloneURL string) (*tools.RepoInfo, error)
}

// PDFFetcher downloads a PDF and extracts its text.
type PDFFetcher interface {
	ExtractURL(ctx context.Context, rawURL string) (string, error)
}

// Harvester turns discovered search results into documents and repo
// summaries. Individual sources are allowed to fail; a failed source
// becomes a trace event, never a harvest error.
type Harvester struct {
	Pages PageFetcher
	Repos RepoFetcher
	PDFs  PDFFetcher

	MaxConcurrent int
	MaxScrapes    int
	MaxClones     int

	Logger *slog.Logger
}

// NewHarvester wires the real acquisition tools.
func NewHarvester(cfg *config.Config) *Harvester {
	return &Harvester{
		Pages:         tools.NewScraper(),
		Repos:         tools.NewRepoCloner(),
		PDFs:          tools.NewPDFExtractor(cfg.MistralApiKey),
		MaxConcurrent: cfg.MaxConcurrentFetch,
		MaxScrapes:    cfg.MaxScrapeURLs,
		MaxClones:     cfg.MaxRepoClones,
		Logger:        slog.Default(),
	}
}

// candidate is one selected source with its acquisition category.
type candidate struct {
	result   tools.SearchResult
	category tools.SourceCategory
	cloneURL string
}

// Harvest fetches every in-budget source from state.Results and appends
// the survivors to state.Documents and state.Repos. Selection happens up
// front so the page and clone budgets stay deterministic; URLs beyond
// the budget are left unprocessed for a later round.
func (h *Harvester) Harvest(ctx context.Context, state *PipelineState) {
	candidates := h.selectCandidates(state)
	if len(candidates) == 0 {
		h.Logger.Info("Nothing new to harvest", "results", len(state.Results))
		return
	}

	limit := h.MaxConcurrent
	if limit < 1 {
		limit = 5
	}
	if limit > 8 {
		limit = 8
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, limit)

	for _, c := range candidates {
		wg.Add(1)
		go func(c candidate) {
			defer wg.Done()
			semaphore <- struct{}{}        // Acquire
			defer func() { <-semaphore }() // Release

			switch c.category {
			case tools.CategoryGitHub:
				h.harvestRepo(ctx, state, c)
			case tools.CategoryPDF:
				h.harvestPDF(ctx, state, c)
			default:
				h.harvestPage(ctx, state, c)
			}
		}(c)
	}
	wg.Wait()

	state.Mu.Lock()
	docs, repos := len(state.Documents), len(state.Repos)
	state.Mu.Unlock()
	h.Logger.Info("Harvest complete", "candidates", len(candidates), "documents", docs, "repos", repos)
}

// selectCandidates picks which results this round will fetch. URLs seen
// in an earlier round are skipped, repos are deduplicated by clone URL,
// and the page and clone budgets are applied in result order.
func (h *Harvester) selectCandidates(state *PipelineState) []candidate {
	state.Mu.Lock()
	defer state.Mu.Unlock()

	var selected []candidate
	pages, clones := 0, 0
	seenClones := make(map[string]bool)

	for _, r := range state.Results {
		if r.URL == "" || state.ProcessedURLs[r.URL] {
			continue
		}

		cat := tools.ClassifyURL(r.URL)
		if cat == tools.CategoryGitHub {
			cloneURL, ok := tools.NormalizeRepoURL(r.URL)
			if !ok {
				// Topic pages and org roots are not clonable.
				state.ProcessedURLs[r.URL] = true
				continue
			}
			if clones >= h.MaxClones || seenClones[cloneURL] {
				continue
			}
			seenClones[cloneURL] = true
			clones++
			state.ProcessedURLs[r.URL] = true
			selected = append(selected, candidate{result: r, category: cat, cloneURL: cloneURL})
			continue
		}

		if pages >= h.MaxScrapes {
			continue
		}
		pages++
		state.ProcessedURLs[r.URL] = true
		selected = append(selected, candidate{result: r, category: cat})
	}

	return selected
}

func (h *Harvester) harvestPage(ctx context.Context, state *PipelineState, c candidate) {
	doc, err := h.Pages.Fetch(ctx, c.result.URL)
	if err != nil {
		h.drop(state, c.result.URL, "page fetch failed", err)
		return
	}
	if doc.Title == "" {
		doc.Title = c.result.Title
	}

	state.Mu.Lock()
	state.Documents = append(state.Documents, *doc)
	state.Mu.Unlock()
}

func (h *Harvester) harvestPDF(ctx context.Context, state *PipelineState, c candidate) {
	text, err := h.PDFs.ExtractURL(ctx, c.result.URL)
	if err != nil {
		h.drop(state, c.result.URL, "pdf extraction failed", err)
		return
	}

	state.Mu.Lock()
	state.Documents = append(state.Documents, tools.ScrapedDocument{
		URL:         c.result.URL,
		Title:       c.result.Title,
		Content:     text,
		ContentType: "pdf",
		CharCount:   len(text),
		ScrapedAt:   time.Now(),
	})
	state.Mu.Unlock()
}

func (h *Harvester) harvestRepo(ctx context.Context, state *PipelineState, c candidate) {
	info, err := h.Repos.Clone(ctx, c.cloneURL)
	if err != nil {
		h.drop(state, c.result.URL, "repo clone failed", err)
		return
	}
	if info.Readme == "" && len(info.KeyFiles) == 0 {
		h.drop(state, c.result.URL, "repo has no readable content", nil)
		return
	}

	state.Mu.Lock()
	state.Repos = append(state.Repos, info)
	state.Mu.Unlock()
}

// drop records a failed source in the trace and moves on.
func (h *Harvester) drop(state *PipelineState, url, reason string, err error) {
	h.Logger.Warn("Dropping source", "url", url, "reason", reason, "error", err)

	meta := map[string]interface{}{"url": url}
	if err != nil {
		meta["error"] = err.Error()
	}
	state.AddEvent(StageEvent{
		Stage:     StageHarvest,
		Message:   reason,
		Status:    "error",
		Timestamp: time.Now(),
		Metadata:  meta,
	})
}
