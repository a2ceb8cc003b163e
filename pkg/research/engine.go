// Package research runs the staged pipeline that turns an engineering
// question into a cited report: discover sources, harvest them, index
// the evidence, retrieve against a plan, generate an analysis, grade
// it, and either synthesize the report or refine the query and loop.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"oracle/pkg/clients"
	"oracle/pkg/config"
	"oracle/pkg/indexer"
	"oracle/pkg/research/tools"
)

// Generator produces text through the model provider chain.
type Generator interface {
	Generate(ctx context.Context, req clients.Request) (*clients.Response, error)
}

// Scorer grades an analysis against the original query on [0, 1].
type Scorer interface {
	Evaluate(ctx context.Context, query, content string) float64
	StrategyName() string
}

// CorpusSource supplies pre-chunked evidence from the ingest corpus.
type CorpusSource interface {
	Chunks(ctx context.Context) ([]indexer.Chunk, error)
}

// ErrNoEvidence reports a run with nothing to analyze and no way to
// acquire more sources. Only corpus-restricted runs can fail this way;
// web-enabled runs always proceed to a report, degraded if need be.
var ErrNoEvidence = errors.New("no evidence available for analysis")

const maxEvidenceBlocks = 15

type Engine struct {
	Config    *config.Config
	LLM       Generator
	Evaluator Scorer
	Harvester *Harvester
	Search    WebSearcher
	Arxiv     func(ctx context.Context, query string, maxResults int) ([]tools.SearchResult, error)
	Corpus    CorpusSource
	Logger    *slog.Logger

	// OnEvent streams stage transitions to the caller as they happen.
	// Fine-grained harvest drops land in the trace only.
	OnEvent func(StageEvent)
}

// WebSearcher finds candidate sources on the open web.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]tools.SearchResult, error)
	TavilySearch(ctx context.Context, query string, maxResults int) ([]tools.SearchResult, error)
}

func NewEngine(cfg *config.Config, llm Generator, scorer Scorer) *Engine {
	return &Engine{
		Config:    cfg,
		LLM:       llm,
		Evaluator: scorer,
		Harvester: NewHarvester(cfg),
		Search:    tools.NewSearchClient(cfg.TavilyApiKey),
		Arxiv:     tools.SearchArxiv,
		Logger:    slog.Default(),
	}
}

// Run executes the pipeline for one query. The returned result always
// carries a report unless the run was canceled or had no evidence at
// all; low-quality runs are marked, not suppressed.
func (e *Engine) Run(ctx context.Context, query string, opts Options) (*RunResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty research query")
	}
	mode := opts.Mode
	if mode != "deep" {
		mode = "fast"
	}

	state := NewPipelineState(query, mode)
	index := indexer.NewIndex()
	e.Logger.Info("Starting research run", "query", query, "mode", mode)

	stage := StageDiscovery
	for stage != StageDone {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run canceled during %s: %w", stage, err)
		}

		switch stage {
		case StageDiscovery:
			e.discover(ctx, state, opts)
			stage = StageHarvest

		case StageHarvest:
			e.emit(state, StageHarvest, "harvesting sources", "running", nil)
			e.Harvester.Harvest(ctx, state)
			state.Mu.Lock()
			docs, repos := len(state.Documents), len(state.Repos)
			state.Mu.Unlock()
			e.emit(state, StageHarvest, fmt.Sprintf("harvested %d documents and %d repos", docs, repos), "completed",
				map[string]interface{}{"documents": docs, "repos": repos})
			stage = StageIndex

		case StageIndex:
			if err := e.buildIndex(ctx, state, index, opts); err != nil {
				return nil, err
			}
			stage = StageRetrieve

		case StageRetrieve:
			e.retrieve(ctx, state, index)
			stage = StageGenerate

		case StageGenerate:
			e.generateAnalysis(ctx, state)
			stage = StageEvaluate

		case StageEvaluate:
			e.evaluate(ctx, state)
			stage = nextStage(state.Score, state.RetryCount, e.Config.MaxRetries, e.Config.RelevanceThreshold)

		case StageRefine:
			e.refine(ctx, state)
			stage = StageDiscovery

		case StageForceSynthesis:
			state.QualityWarning = true
			e.emit(state, StageForceSynthesis, "retry budget exhausted, synthesizing from available evidence", "running",
				map[string]interface{}{"score": state.Score, "retries": state.RetryCount})
			stage = StageSynthesis

		case StageSynthesis:
			e.synthesize(ctx, state)
			stage = StageDone
		}
	}

	e.emit(state, StageDone, "run complete", "completed",
		map[string]interface{}{"score": state.Score, "retries": state.RetryCount, "quality_warning": state.QualityWarning})

	return &RunResult{
		ReportID:       uuid.NewString(),
		Query:          state.Query,
		Mode:           state.Mode,
		Report:         state.Report,
		Score:          state.Score,
		RetryCount:     state.RetryCount,
		QualityWarning: state.QualityWarning,
		Citations:      state.citations,
		Trace:          state.Trace,
	}, nil
}

// nextStage decides where the pipeline goes after evaluation. Meeting
// the threshold synthesizes; under it, the query is refined until the
// retry budget runs out, then synthesis is forced.
func nextStage(score float64, retryCount, maxRetries int, threshold float64) Stage {
	if score >= threshold {
		return StageSynthesis
	}
	if retryCount < maxRetries {
		return StageRefine
	}
	return StageForceSynthesis
}

func (e *Engine) emit(state *PipelineState, stage Stage, message, status string, meta map[string]interface{}) {
	ev := StageEvent{
		Stage:     stage,
		Message:   message,
		Status:    status,
		Timestamp: time.Now(),
		Metadata:  meta,
	}
	state.AddEvent(ev)
	if e.OnEvent != nil {
		e.OnEvent(ev)
	}
}

// --- Stage Implementations ---

func (e *Engine) discover(ctx context.Context, state *PipelineState, opts Options) {
	e.emit(state, StageDiscovery, "searching for sources: "+state.RefinedQuery, "running", nil)

	if !opts.AllowWebSearch {
		e.emit(state, StageDiscovery, "web search disabled, using corpus only", "completed", nil)
		return
	}

	var mu sync.Mutex
	var found []tools.SearchResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results, err := e.Search.Search(gctx, state.RefinedQuery, 10)
		if err != nil {
			e.Logger.Warn("Web search failed", "query", state.RefinedQuery, "error", err)
			return nil
		}
		mu.Lock()
		found = append(found, results...)
		mu.Unlock()
		return nil
	})
	if state.Mode == "deep" {
		g.Go(func() error {
			results, err := e.Arxiv(gctx, state.RefinedQuery, 5)
			if err != nil {
				e.Logger.Warn("Arxiv search failed", "query", state.RefinedQuery, "error", err)
				return nil
			}
			mu.Lock()
			found = append(found, results...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	quality := tools.FilterQuality(found, tools.MinSnippetChars)
	if len(quality) < e.Config.MinQualityResults {
		extra, err := e.Search.TavilySearch(ctx, state.RefinedQuery, 10)
		if err != nil {
			e.Logger.Warn("Tavily fallback failed", "error", err)
		} else {
			quality = append(quality, tools.FilterQuality(extra, tools.MinSnippetChars)...)
		}
	}

	state.Mu.Lock()
	state.Results = tools.DedupeByURL(append(state.Results, quality...))
	total := len(state.Results)
	state.Mu.Unlock()

	e.emit(state, StageDiscovery, fmt.Sprintf("found %d candidate sources", total), "completed",
		map[string]interface{}{"results": total})
}

// buildIndex chunks everything harvested since the last round and adds
// it to the run's index. The corpus loads once per run.
func (e *Engine) buildIndex(ctx context.Context, state *PipelineState, index *indexer.Index, opts Options) error {
	e.emit(state, StageIndex, "indexing evidence", "running", nil)

	chunker := indexer.NewChunker(e.Config.ChunkSize, e.Config.ChunkOverlap)

	state.Mu.Lock()
	newDocs := state.Documents[state.indexedDocs:]
	newRepos := state.Repos[state.indexedRepos:]
	state.indexedDocs = len(state.Documents)
	state.indexedRepos = len(state.Repos)
	state.Mu.Unlock()

	var chunks []indexer.Chunk
	for _, doc := range newDocs {
		chunks = append(chunks, chunker.Split(doc.Content, doc.URL)...)
	}
	for _, repo := range newRepos {
		chunks = append(chunks, chunker.Split(repo.Markdown(), repo.URL)...)
	}

	if opts.UseCorpus && e.Corpus != nil && !state.corpusLoaded {
		state.corpusLoaded = true
		corpusChunks, err := e.Corpus.Chunks(ctx)
		if err != nil {
			e.Logger.Warn("Corpus load failed", "error", err)
		} else {
			chunks = append(chunks, corpusChunks...)
		}
	}

	index.Add(chunks)

	if index.Len() == 0 && !opts.AllowWebSearch {
		e.emit(state, StageIndex, "corpus is empty and web search is disabled", "error",
			map[string]interface{}{"need_more_sources": true})
		return ErrNoEvidence
	}

	e.emit(state, StageIndex, fmt.Sprintf("indexed %d new chunks (%d total)", len(chunks), index.Len()), "completed",
		map[string]interface{}{"new_chunks": len(chunks), "total_chunks": index.Len()})
	return nil
}

const plannerSystem = `You are a research planner for an engineering knowledge assistant.
Given a research query, return a JSON object with:
  "sub_questions": 2-4 short search queries that decompose the topic,
  "must_check": up to 3 facts the final report must verify,
  "report_title": a concise title for the report,
  "sufficient_sources": whether typical web sources should cover this topic.
Return only the JSON object.`

func (e *Engine) retrieve(ctx context.Context, state *PipelineState, index *indexer.Index) {
	e.emit(state, StageRetrieve, "planning retrieval", "running", nil)

	plan := e.buildPlan(ctx, state)
	state.Plan = plan

	queries := append([]string{state.RefinedQuery}, plan.SubQuestions...)
	hits := index.SearchAll(queries, e.Config.RetrievalTopK)
	blocks, citations := e.formatEvidence(state, hits)

	state.Mu.Lock()
	state.Evidence = blocks
	state.citations = citations
	state.Mu.Unlock()

	e.emit(state, StageRetrieve, fmt.Sprintf("retrieved %d evidence blocks from %d hits", len(blocks), len(hits)), "completed",
		map[string]interface{}{"blocks": len(blocks), "sources": len(citations)})
}

func (e *Engine) buildPlan(ctx context.Context, state *PipelineState) *Plan {
	var plan Plan
	_, err := e.generateWithRetry(ctx, clients.Request{
		System:      plannerSystem,
		Prompt:      fmt.Sprintf("Query: %s\nMode: %s", state.RefinedQuery, state.Mode),
		Model:       e.Config.ReasoningModel,
		Temperature: 0.2,
		MaxTokens:   512,
		JSONMode:    true,
	}, func(content string) error {
		// Reset for retry
		plan = Plan{}
		if err := json.Unmarshal([]byte(clients.ExtractJSON(content)), &plan); err != nil {
			return fmt.Errorf("json parse error: %w", err)
		}
		if len(plan.SubQuestions) == 0 {
			return fmt.Errorf("empty sub_questions list")
		}
		return nil
	})
	if err != nil {
		e.Logger.Warn("Planner failed, using fallback plan", "error", err)
		return fallbackPlan(state.RefinedQuery)
	}
	return &plan
}

// fallbackPlan stands in when the planner model is unavailable.
func fallbackPlan(query string) *Plan {
	return &Plan{
		SubQuestions: []string{
			query + " overview",
			query + " benchmark",
			query + " production experience",
		},
		ReportTitle: query,
	}
}

// formatEvidence turns ranked hits into numbered source blocks. Numbers
// are assigned per source, not per chunk, so inline citations in the
// analysis line up with the final source list.
func (e *Engine) formatEvidence(state *PipelineState, hits []indexer.ScoredChunk) ([]string, []Citation) {
	titles := make(map[string]string)
	state.Mu.Lock()
	for _, d := range state.Documents {
		titles[d.URL] = d.Title
	}
	for _, r := range state.Repos {
		titles[r.URL] = r.Name
	}
	state.Mu.Unlock()

	numbers := make(map[string]int)
	var citations []Citation
	var blocks []string

	for _, h := range hits {
		if len(blocks) >= maxEvidenceBlocks {
			break
		}
		src := h.Chunk.SourceID
		title := titles[src]
		if title == "" {
			title = src
		}
		n, ok := numbers[src]
		if !ok {
			n = len(citations) + 1
			numbers[src] = n
			citations = append(citations, Citation{Number: n, Title: title, URL: src})
		}

		header := fmt.Sprintf("[Source %d: %s]", n, title)
		if h.Chunk.SectionHeading != "" {
			header = fmt.Sprintf("[Source %d: %s / %s]", n, title, h.Chunk.SectionHeading)
		}
		blocks = append(blocks, header+"\n"+h.Chunk.Content)
	}
	return blocks, citations
}

const analysisSystem = `You are a senior engineer writing an evidence-grounded technical analysis.
Use only the numbered source blocks provided. Cite them inline as [Source N].
Cover how it works, trade-offs, concrete numbers when the evidence has them, and practical guidance.
Where the evidence is thin, say so instead of guessing.`

func (e *Engine) generateAnalysis(ctx context.Context, state *PipelineState) {
	e.emit(state, StageGenerate, "generating analysis", "running", nil)

	contextBlock := strings.Join(state.Evidence, "\n\n---\n\n")
	resp, err := e.LLM.Generate(ctx, clients.Request{
		System:      analysisSystem,
		Prompt:      fmt.Sprintf("Research question: %s\n\nEvidence:\n%s", state.Query, contextBlock),
		Model:       e.Config.ReasoningModel,
		Temperature: 0.3,
		MaxTokens:   4096,
	})
	if err != nil {
		// The run continues on raw evidence; the evaluator will send
		// it through refinement or mark the forced synthesis.
		e.Logger.Error("Analysis generation failed", "error", err)
		state.Analysis = "## Analysis Error\n\n" + tools.Truncate(contextBlock, 3000)
		e.emit(state, StageGenerate, "analysis generation failed, continuing with raw evidence", "error",
			map[string]interface{}{"error": err.Error()})
		return
	}

	state.Analysis = resp.Text
	e.emit(state, StageGenerate, "analysis complete", "completed",
		map[string]interface{}{"provider": resp.Provider, "tokens": resp.TokensUsed})
}

func (e *Engine) evaluate(ctx context.Context, state *PipelineState) {
	e.emit(state, StageEvaluate, "scoring analysis", "running", nil)

	// Always score against the original question. Refined queries widen
	// the search, they do not move the goalposts.
	state.Score = e.Evaluator.Evaluate(ctx, state.Query, state.Analysis)

	e.emit(state, StageEvaluate, fmt.Sprintf("analysis scored %.2f (%s)", state.Score, e.Evaluator.StrategyName()), "completed",
		map[string]interface{}{"score": state.Score, "strategy": e.Evaluator.StrategyName(), "retry": state.RetryCount})
}

const refineSystem = `You rewrite research queries that produced weak results.
Return only the rewritten query text, nothing else.`

func (e *Engine) refine(ctx context.Context, state *PipelineState) {
	e.emit(state, StageRefine, "refining query", "running",
		map[string]interface{}{"score": state.Score})

	refined := ""
	resp, err := e.LLM.Generate(ctx, clients.Request{
		System: refineSystem,
		Prompt: fmt.Sprintf("Original query: %s\nCurrent query: %s\nAnalysis score: %.2f\nRewrite the query to surface more concrete technical sources.",
			state.Query, state.RefinedQuery, state.Score),
		Model:       e.Config.RefinerModel,
		Temperature: 0.5,
		MaxTokens:   200,
	})
	if err == nil {
		refined = firstLine(resp.Text)
	} else {
		e.Logger.Warn("Refiner failed, using fallback query", "error", err)
	}
	if refined == "" {
		refined = state.Query + " benchmark comparison production"
	}

	state.RefinedQuery = refined
	state.RetryCount++
	e.emit(state, StageRefine, "retrying with: "+refined, "completed",
		map[string]interface{}{"retry": state.RetryCount})
}

// firstLine extracts the first non-empty line, unquoted and trimmed.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.Trim(strings.TrimSpace(line), `"`)
		if line != "" {
			return line
		}
	}
	return ""
}

const synthesisSystem = `You are writing the final research report for an engineering audience.
Structure it in Markdown with exactly these sections:
# <title>
## Summary
## Background
## How It Works
## Trade-offs
## Benchmarks and Evidence
## Production Guidance
## Open Questions
## Sources
Cite claims inline as [n] matching the numbered source list you are given, and reproduce that list under Sources.`

func (e *Engine) synthesize(ctx context.Context, state *PipelineState) {
	e.emit(state, StageSynthesis, "writing final report", "running", nil)

	title := state.Query
	if state.Plan != nil && state.Plan.ReportTitle != "" {
		title = state.Plan.ReportTitle
	}

	model := e.Config.FastModel
	maxTokens := 2048
	if state.Mode == "deep" {
		model = e.Config.SynthesisModel
		maxTokens = 8192
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Report title: %s\nResearch question: %s\n\nAnalysis:\n%s\n", title, state.Query, state.Analysis)
	if state.Mode == "deep" && len(state.Evidence) > 0 {
		blocks := state.Evidence
		if len(blocks) > 8 {
			blocks = blocks[:8]
		}
		sb.WriteString("\nKey excerpts:\n" + strings.Join(blocks, "\n\n---\n\n") + "\n")
	}
	sb.WriteString("\nNumbered sources:\n" + formatCitations(state.citations))
	if state.QualityWarning {
		sb.WriteString("\nNote: evidence quality stayed below target after retries. State the gaps explicitly under Open Questions.")
	}

	resp, err := e.LLM.Generate(ctx, clients.Request{
		System:      synthesisSystem,
		Prompt:      sb.String(),
		Model:       model,
		Temperature: 0.4,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		e.Logger.Error("Synthesis failed, emitting fallback report", "error", err)
		state.Report = fallbackReport(title, state)
		e.emit(state, StageSynthesis, "synthesis failed, report assembled from analysis", "error",
			map[string]interface{}{"error": err.Error()})
		return
	}

	state.Report = resp.Text
	e.emit(state, StageSynthesis, "report complete", "completed",
		map[string]interface{}{"chars": len(state.Report), "provider": resp.Provider})
}

// fallbackReport assembles a degraded report when the synthesis model
// is unavailable. A run that reached synthesis always ends with one.
func fallbackReport(title string, state *PipelineState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", title)
	sb.WriteString("## Summary\n\nReport synthesis was unavailable for this run. The sections below carry the unedited analysis and the sources it drew on.\n\n")
	if state.QualityWarning {
		sb.WriteString("Evidence quality stayed below target after retries; treat conclusions with care.\n\n")
	}
	sb.WriteString("## Analysis\n\n" + state.Analysis + "\n\n")
	sb.WriteString("## Sources\n\n" + formatCitations(state.citations))
	return sb.String()
}

func formatCitations(citations []Citation) string {
	if len(citations) == 0 {
		return "No sources were retrievable for this run.\n"
	}
	var sb strings.Builder
	for _, c := range citations {
		fmt.Fprintf(&sb, "[%d] %s - %s\n", c.Number, c.Title, c.URL)
	}
	return sb.String()
}

// generateWithRetry asks the model for content and validates it before
// accepting, retrying up to 3 times with linear backoff.
func (e *Engine) generateWithRetry(ctx context.Context, req clients.Request, validator func(string) error) (string, error) {
	maxRetries := 3
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			e.Logger.Warn("Retrying generation", "attempt", i+1, "last_error", lastErr)
			time.Sleep(time.Second * time.Duration(i)) // Linear backoff
		}

		resp, err := e.LLM.Generate(ctx, req)
		if err != nil {
			lastErr = fmt.Errorf("generation failed: %w", err)
			continue
		}
		if err := validator(resp.Text); err != nil {
			lastErr = fmt.Errorf("validation failed: %w", err)
			continue
		}
		return resp.Text, nil
	}

	return "", fmt.Errorf("operation failed after %d retries: %w", maxRetries, lastErr)
}
