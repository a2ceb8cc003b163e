package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"oracle/pkg/config"
	"oracle/pkg/database"
	"oracle/pkg/embeddings"
	"oracle/pkg/indexer"
	"oracle/pkg/research"
	"oracle/pkg/vectorstore"
)

var (
	// ErrNotFound marks lookups for jobs or reports that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrBadRequest marks client mistakes that map to HTTP 400.
	ErrBadRequest = errors.New("bad request")
)

type Service struct {
	DB     *database.PostgresDB
	Cfg    *config.Config
	LLM    research.Generator
	Scorer research.Scorer

	// Embedder and Store are optional; without them archive features
	// degrade gracefully instead of failing runs.
	Embedder *embeddings.GoogleEmbedder
	Store    *vectorstore.ArchiveStore
}

func NewService(db *database.PostgresDB, cfg *config.Config, llm research.Generator, scorer research.Scorer) *Service {
	return &Service{
		DB:     db,
		Cfg:    cfg,
		LLM:    llm,
		Scorer: scorer,
	}
}

func (s *Service) newEngine(logger *slog.Logger) *research.Engine {
	engine := research.NewEngine(s.Cfg, s.LLM, s.Scorer)
	engine.Logger = logger
	engine.Corpus = s
	return engine
}

type Job struct {
	ID              uuid.UUID `json:"id"`
	Query           string    `json:"query"`
	Mode            string    `json:"mode"`
	Status          string    `json:"status"`
	Report          *string   `json:"report,omitempty"`
	EvaluationScore *float64  `json:"evaluation_score,omitempty"`
	RetryCount      int       `json:"retry_count"`
	QualityWarning  bool      `json:"quality_warning"`
	Error           *string   `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type CreateJobRequest struct {
	Query          string `json:"query"`
	Mode           string `json:"mode"`
	AllowWebSearch *bool  `json:"allow_web_search"`
	UseCorpus      bool   `json:"use_corpus"`
}

func (r CreateJobRequest) options() research.Options {
	allow := true
	if r.AllowWebSearch != nil {
		allow = *r.AllowWebSearch
	}
	return research.Options{
		Mode:           normalizeMode(r.Mode),
		AllowWebSearch: allow,
		UseCorpus:      r.UseCorpus,
	}
}

func normalizeMode(mode string) string {
	if mode == "deep" {
		return "deep"
	}
	return "fast"
}

// CreateJob files a run and starts it on a background worker.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrBadRequest)
	}

	query := `
		INSERT INTO research_jobs (id, query, mode, status)
		VALUES ($1, $2, $3, 'pending')
		RETURNING id, query, mode, status, created_at, updated_at
	`

	job := &Job{}
	err := s.DB.Pool.QueryRow(ctx, query, uuid.New(), req.Query, normalizeMode(req.Mode)).Scan(
		&job.ID, &job.Query, &job.Mode, &job.Status, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	go s.runWorker(job.ID, req)

	return job, nil
}

func (s *Service) runWorker(jobID uuid.UUID, req CreateJobRequest) {
	ctx := context.Background()

	_, _ = s.DB.Pool.Exec(ctx, "UPDATE research_jobs SET status = 'running', updated_at = NOW() WHERE id = $1", jobID)

	dbLogger := slog.New(NewDBLogHandler(s.DB, jobID))
	engine := s.newEngine(dbLogger)
	engine.OnEvent = func(ev research.StageEvent) {
		s.saveEvent(jobID, ev)
	}

	result, err := engine.Run(ctx, req.Query, req.options())
	if err != nil {
		s.failJob(ctx, jobID, fmt.Sprintf("research failed: %v", err))
		return
	}

	result.ReportID = jobID.String()
	if err := s.saveResult(ctx, jobID, result); err != nil {
		dbLogger.Error("Failed to save result", "error", err)
		s.failJob(ctx, jobID, fmt.Sprintf("failed to persist report: %v", err))
	}
}

// RunInline executes a run synchronously, relaying stage events to the
// caller. The job row exists up front so inline reports land in the
// same tables as background ones.
func (s *Service) RunInline(ctx context.Context, req CreateJobRequest, onEvent func(research.StageEvent)) (*research.RunResult, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrBadRequest)
	}

	jobID := uuid.New()
	_, err := s.DB.Pool.Exec(ctx,
		"INSERT INTO research_jobs (id, query, mode, status) VALUES ($1, $2, $3, 'running')",
		jobID, req.Query, normalizeMode(req.Mode))
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	dbLogger := slog.New(NewDBLogHandler(s.DB, jobID))
	engine := s.newEngine(dbLogger)
	engine.OnEvent = func(ev research.StageEvent) {
		s.saveEvent(jobID, ev)
		if onEvent != nil {
			onEvent(ev)
		}
	}

	result, err := engine.Run(ctx, req.Query, req.options())
	if err != nil {
		s.failJob(context.Background(), jobID, err.Error())
		return nil, err
	}

	result.ReportID = jobID.String()
	if err := s.saveResult(ctx, jobID, result); err != nil {
		dbLogger.Error("Failed to save result", "error", err)
	}
	return result, nil
}

// saveEvent appends one stage event to the job's log stream.
func (s *Service) saveEvent(jobID uuid.UUID, ev research.StageEvent) {
	meta := map[string]interface{}{"node": ev.Stage, "status": ev.Status}
	for k, v := range ev.Metadata {
		meta[k] = v
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metaJSON = []byte("{}")
	}

	_, err = s.DB.Pool.Exec(context.Background(),
		"INSERT INTO research_logs (job_id, timestamp, level, message, metadata) VALUES ($1, $2, 'stage', $3, $4)",
		jobID, ev.Timestamp, ev.Message, metaJSON)
	if err != nil {
		slog.Warn("Failed to save stage event", "job_id", jobID, "error", err)
	}
}

func (s *Service) saveResult(ctx context.Context, jobID uuid.UUID, result *research.RunResult) error {
	stateJSON, err := json.Marshal(result.Trace)
	if err != nil {
		stateJSON = []byte("[]")
	}

	_, err = s.DB.Pool.Exec(ctx, `
		UPDATE research_jobs
		SET status = 'completed', report = $2, evaluation_score = $3, retry_count = $4,
		    quality_warning = $5, state = $6, updated_at = NOW()
		WHERE id = $1
	`, jobID, result.Report, result.Score, result.RetryCount, result.QualityWarning, stateJSON)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}

	for _, c := range result.Citations {
		_, err := s.DB.Pool.Exec(ctx,
			"INSERT INTO report_sources (job_id, number, title, url) VALUES ($1, $2, $3, $4)",
			jobID, c.Number, c.Title, c.URL)
		if err != nil {
			return fmt.Errorf("failed to save source: %w", err)
		}
	}

	s.archiveReport(ctx, jobID, result)
	return nil
}

// archiveReport embeds the finished report into the archive collection
// so chat and MCP clients can search past work. Failures only log;
// the report itself is already saved.
func (s *Service) archiveReport(ctx context.Context, jobID uuid.UUID, result *research.RunResult) {
	if s.Embedder == nil || s.Store == nil {
		return
	}

	chunker := indexer.NewChunker(s.Cfg.CorpusChunkSize, s.Cfg.CorpusChunkOverlap)
	chunks := chunker.Split(result.Report, jobID.String())
	if len(chunks) == 0 {
		return
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	vectors, err := s.Embedder.EmbedTexts(ctx, texts)
	if err != nil {
		slog.Warn("Failed to embed report for archive", "job_id", jobID, "error", err)
		return
	}

	docs := make([]vectorstore.Document, len(chunks))
	for i, ch := range chunks {
		docs[i] = vectorstore.Document{
			Content: ch.Content,
			Metadata: map[string]interface{}{
				"report_id":       jobID.String(),
				"query":           result.Query,
				"section":         ch.SectionHeading,
				"mode":            result.Mode,
				"quality_warning": result.QualityWarning,
			},
			Embedding: vectors[i],
		}
	}
	if err := s.Store.AddDocuments(ctx, docs); err != nil {
		slog.Warn("Failed to archive report", "job_id", jobID, "error", err)
	}
}

func (s *Service) failJob(ctx context.Context, jobID uuid.UUID, reason string) {
	dbLogger := slog.New(NewDBLogHandler(s.DB, jobID))
	dbLogger.Error(reason)

	_, _ = s.DB.Pool.Exec(ctx,
		"UPDATE research_jobs SET status = 'failed', error = $2, updated_at = NOW() WHERE id = $1",
		jobID, reason)
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `
		SELECT id, query, mode, status, report, evaluation_score, retry_count, quality_warning, error, created_at, updated_at
		FROM research_jobs
		WHERE id = $1
	`
	job := &Job{}
	err := s.DB.Pool.QueryRow(ctx, query, id).Scan(
		&job.ID, &job.Query, &job.Mode, &job.Status, &job.Report, &job.EvaluationScore,
		&job.RetryCount, &job.QualityWarning, &job.Error, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context) ([]Job, error) {
	query := `
		SELECT id, query, mode, status, evaluation_score, retry_count, quality_warning, error, created_at, updated_at
		FROM research_jobs
		ORDER BY created_at DESC
		LIMIT 50
	`
	rows, err := s.DB.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		if err := rows.Scan(&job.ID, &job.Query, &job.Mode, &job.Status, &job.EvaluationScore,
			&job.RetryCount, &job.QualityWarning, &job.Error, &job.CreatedAt, &job.UpdatedAt); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

type LogEntry struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (s *Service) GetJobLogs(ctx context.Context, jobID uuid.UUID) ([]LogEntry, error) {
	query := `
		SELECT id, timestamp, level, message, metadata
		FROM research_logs
		WHERE job_id = $1
		ORDER BY id ASC
	`
	rows, err := s.DB.Pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Level, &l.Message, &l.Metadata); err != nil {
			continue
		}
		logs = append(logs, l)
	}
	return logs, nil
}

type ReportSummary struct {
	ID              uuid.UUID `json:"id"`
	Query           string    `json:"query"`
	Mode            string    `json:"mode"`
	EvaluationScore *float64  `json:"evaluation_score,omitempty"`
	QualityWarning  bool      `json:"quality_warning"`
	Preview         string    `json:"preview"`
	CreatedAt       time.Time `json:"created_at"`
}

// ListReports returns finished reports, newest first, with a short
// preview instead of the full body. Limit is capped at 100.
func (s *Service) ListReports(ctx context.Context, limit, offset int) ([]ReportSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT id, query, mode, evaluation_score, quality_warning, LEFT(report, 200), created_at
		FROM research_jobs
		WHERE status = 'completed' AND report IS NOT NULL
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := s.DB.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var reports []ReportSummary
	for rows.Next() {
		var r ReportSummary
		if err := rows.Scan(&r.ID, &r.Query, &r.Mode, &r.EvaluationScore, &r.QualityWarning, &r.Preview, &r.CreatedAt); err != nil {
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}

type Report struct {
	ID              uuid.UUID           `json:"id"`
	Query           string              `json:"query"`
	Mode            string              `json:"mode"`
	Report          string              `json:"report"`
	EvaluationScore *float64            `json:"evaluation_score,omitempty"`
	RetryCount      int                 `json:"retry_count"`
	QualityWarning  bool                `json:"quality_warning"`
	Sources         []research.Citation `json:"sources"`
	CreatedAt       time.Time           `json:"created_at"`
}

func (s *Service) GetReport(ctx context.Context, id uuid.UUID) (*Report, error) {
	query := `
		SELECT id, query, mode, report, evaluation_score, retry_count, quality_warning, created_at
		FROM research_jobs
		WHERE id = $1 AND status = 'completed' AND report IS NOT NULL
	`
	r := &Report{}
	err := s.DB.Pool.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.Query, &r.Mode, &r.Report, &r.EvaluationScore, &r.RetryCount, &r.QualityWarning, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	srcRows, err := s.DB.Pool.Query(ctx,
		"SELECT number, title, url FROM report_sources WHERE job_id = $1 ORDER BY number ASC", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get report sources: %w", err)
	}
	defer srcRows.Close()

	for srcRows.Next() {
		var c research.Citation
		if err := srcRows.Scan(&c.Number, &c.Title, &c.URL); err != nil {
			continue
		}
		r.Sources = append(r.Sources, c)
	}
	return r, nil
}

// Chunks loads the ingested corpus for corpus-restricted runs and the
// quick answer endpoint. Service satisfies research.CorpusSource.
func (s *Service) Chunks(ctx context.Context) ([]indexer.Chunk, error) {
	query := `
		SELECT c.id, d.origin, c.chunk_index, COALESCE(c.section_heading, ''), c.content, c.char_count
		FROM corpus_chunks c
		JOIN corpus_documents d ON d.id = c.document_id
		ORDER BY d.created_at ASC, c.chunk_index ASC
	`
	rows, err := s.DB.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load corpus: %w", err)
	}
	defer rows.Close()

	var chunks []indexer.Chunk
	for rows.Next() {
		var ch indexer.Chunk
		if err := rows.Scan(&ch.ID, &ch.SourceID, &ch.Index, &ch.SectionHeading, &ch.Content, &ch.CharCount); err != nil {
			return nil, fmt.Errorf("failed to scan corpus chunk: %w", err)
		}
		chunks = append(chunks, ch)
	}
	return chunks, rows.Err()
}

// SearchArchive embeds the query and searches archived report fragments.
// An empty reportID searches across all reports.
func (s *Service) SearchArchive(ctx context.Context, query string, topK int, reportID string) ([]vectorstore.SearchResult, error) {
	if s.Embedder == nil || s.Store == nil {
		return nil, fmt.Errorf("archive search unavailable: embeddings not configured")
	}
	if topK <= 0 {
		topK = 5
	}
	vec, err := s.Embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return s.Store.SimilaritySearch(ctx, vec, topK, reportID)
}
