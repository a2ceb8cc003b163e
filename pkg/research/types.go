package research

import (
	"sync"
	"time"

	"oracle/pkg/research/tools"
)

// Stage names one phase of the research pipeline.
type Stage string

const (
	StageDiscovery      Stage = "discovery"
	StageHarvest        Stage = "harvest"
	StageIndex          Stage = "index"
	StageRetrieve       Stage = "retrieve"
	StageGenerate       Stage = "generate"
	StageEvaluate       Stage = "evaluate"
	StageRefine         Stage = "refine"
	StageForceSynthesis Stage = "force_synthesis"
	StageSynthesis      Stage = "synthesis"
	StageDone           Stage = "done"
)

// StageEvent is one entry in a run's trace. Events stream to SSE
// clients and persist in the research_logs table.
type StageEvent struct {
	Stage     Stage                  `json:"node"`
	Message   string                 `json:"message"`
	Status    string                 `json:"status"` // running, completed, error
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Plan is the retrieval plan the reasoning model produces before
// querying the index.
type Plan struct {
	SubQuestions      []string `json:"sub_questions"`
	MustCheck         []string `json:"must_check"`
	ReportTitle       string   `json:"report_title"`
	SufficientSources bool     `json:"sufficient_sources"`
}

// PipelineState accumulates everything a run learns. It survives
// refinement loops so later passes build on earlier evidence.
type PipelineState struct {
	Query        string
	RefinedQuery string
	Mode         string // fast or deep

	Results   []tools.SearchResult
	Documents []tools.ScrapedDocument
	Repos     []*tools.RepoInfo

	Plan     *Plan
	Evidence []string // formatted excerpts fed to the analysis model
	Analysis string
	Score    float64
	Report   string

	RetryCount     int
	QualityWarning bool
	Trace          []StageEvent

	ProcessedURLs map[string]bool
	Mu            sync.Mutex // guards concurrent appends during harvest

	indexedDocs  int
	indexedRepos int
	corpusLoaded bool
	citations    []Citation
}

// NewPipelineState initializes a run for a query.
func NewPipelineState(query, mode string) *PipelineState {
	return &PipelineState{
		Query:         query,
		RefinedQuery:  query,
		Mode:          mode,
		ProcessedURLs: make(map[string]bool),
	}
}

// AddEvent appends a trace event under the state lock.
func (s *PipelineState) AddEvent(ev StageEvent) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.Trace = append(s.Trace, ev)
}

// Citation is one numbered source in the final report.
type Citation struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"url"`
}

// RunResult is what a completed pipeline run hands back. A result is
// produced on every run, including degraded ones.
type RunResult struct {
	ReportID       string       `json:"report_id"`
	Query          string       `json:"query"`
	Mode           string       `json:"mode"`
	Report         string       `json:"report"`
	Score          float64      `json:"evaluation_score"`
	RetryCount     int          `json:"retry_count"`
	QualityWarning bool         `json:"quality_warning"`
	Citations      []Citation   `json:"citations"`
	Trace          []StageEvent `json:"trace,omitempty"`
}

// Options tunes a single run.
type Options struct {
	Mode           string // fast (default) or deep
	AllowWebSearch bool
	UseCorpus      bool
}
