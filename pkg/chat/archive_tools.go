package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/adk/agent"
	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"

	"oracle/pkg/config"
	"oracle/pkg/database"
	"oracle/pkg/embeddings"
	"oracle/pkg/vectorstore"
)

// ArchiveToolset exposes the report archive to the chat agent.
type ArchiveToolset struct {
	DB       *database.PostgresDB
	Embedder *embeddings.GoogleEmbedder
	config   *config.Config
}

func NewArchiveToolset(db *database.PostgresDB, embedder *embeddings.GoogleEmbedder, cfg *config.Config) *ArchiveToolset {
	return &ArchiveToolset{
		DB:       db,
		Embedder: embedder,
		config:   cfg,
	}
}

func (t *ArchiveToolset) Name() string {
	return "archive_tools"
}

func (t *ArchiveToolset) Tools(ctx agent.ReadonlyContext) ([]tool.Tool, error) {
	searchTool, err := functiontool.New[SearchArchiveArgs, SearchArchiveResp](
		functiontool.Config{
			Name:        "search_archive",
			Description: "Search past research reports using semantic search. Returns the most relevant report fragments.",
		},
		t.searchArchiveTool,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create search tool: %w", err)
	}

	findByReportTool, err := functiontool.New[FindReportArgs, FindReportResp](
		functiontool.Config{
			Name:        "find_report_fragments",
			Description: "Fetch every archived fragment of a specific report by its report ID.",
		},
		t.findReportFragmentsTool,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create find_report_fragments tool: %w", err)
	}

	findByMetadataTool, err := functiontool.New[FindMetadataArgs, FindMetadataResp](
		functiontool.Config{
			Name:        "find_fragments_by_metadata",
			Description: "Find report fragments using complex logical filters on metadata ($and, $or, $not).",
		},
		t.findFragmentsByMetadataTool,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create find_fragments_by_metadata tool: %w", err)
	}

	return []tool.Tool{searchTool, findByReportTool, findByMetadataTool}, nil
}

// --- Tool Implementations ---

type SearchArchiveArgs struct {
	Query    string `json:"query" description:"The search query"`
	TopK     int    `json:"topK,omitempty" description:"Number of results to return (default 5)"`
	ReportID string `json:"report_id,omitempty" description:"Optional report ID filter"`
}

type SearchArchiveResp struct {
	Results string `json:"results"`
}

// Wrapper for ADK tool interface
func (t *ArchiveToolset) searchArchiveTool(ctx tool.Context, args SearchArchiveArgs) (SearchArchiveResp, error) {
	return t.SearchArchive(ctx, args)
}

// Public method using standard context
func (t *ArchiveToolset) SearchArchive(ctx context.Context, args SearchArchiveArgs) (SearchArchiveResp, error) {
	if args.TopK == 0 {
		args.TopK = 5
	}

	slog.Info("Search archive", "query", args.Query, "topK", args.TopK, "report_id", args.ReportID)

	queryEmbedding, err := t.Embedder.EmbedText(ctx, args.Query)
	if err != nil {
		return SearchArchiveResp{}, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	store, err := vectorstore.NewArchiveStore(t.DB.Pool, t.config.CollectionName)
	if err != nil {
		return SearchArchiveResp{}, fmt.Errorf("invalid collection name: %w", err)
	}

	results, err := store.SimilaritySearch(ctx, queryEmbedding, args.TopK, args.ReportID)
	if err != nil {
		return SearchArchiveResp{}, fmt.Errorf("failed to search: %w", err)
	}

	var formattedResults []string
	for _, result := range results {
		reportID := "unknown"
		if id, ok := result.Document.Metadata["report_id"].(string); ok {
			reportID = id
		}

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("[Report]: %s\n[Content]: %s", reportID, result.Document.Content))

		for k, v := range result.Document.Metadata {
			if k == "report_id" {
				continue
			}
			sb.WriteString(fmt.Sprintf("\n[%s]: %v", k, v))
		}

		formattedResults = append(formattedResults, sb.String())
	}

	serialized := strings.Join(formattedResults, "\n\n")
	return SearchArchiveResp{Results: serialized}, nil
}

type FindReportArgs struct {
	ReportID string `json:"report_id" description:"The report ID to fetch fragments for"`
}

type FindReportResp struct {
	Content string `json:"content"`
}

// Wrapper for ADK tool interface
func (t *ArchiveToolset) findReportFragmentsTool(ctx tool.Context, args FindReportArgs) (FindReportResp, error) {
	return t.FindReportFragments(ctx, args)
}

// Public method using standard context
func (t *ArchiveToolset) FindReportFragments(ctx context.Context, args FindReportArgs) (FindReportResp, error) {
	store, err := vectorstore.NewArchiveStore(t.DB.Pool, t.config.CollectionName)
	if err != nil {
		return FindReportResp{}, fmt.Errorf("invalid collection name: %w", err)
	}

	results, err := store.GetByReport(ctx, args.ReportID)
	if err != nil {
		return FindReportResp{}, fmt.Errorf("failed to find fragments: %w", err)
	}

	var formattedResults []string
	for _, result := range results {
		formattedResults = append(formattedResults, result.Content)
	}

	serialized := strings.Join(formattedResults, "\n\n")
	return FindReportResp{Content: serialized}, nil
}

type FindMetadataArgs struct {
	Filter map[string]interface{} `json:"filter" description:"JSON filter object with logical operators ($and, $or, $not)"`
}

type FindMetadataResp struct {
	Content string `json:"content"`
}

// Wrapper for ADK tool interface
func (t *ArchiveToolset) findFragmentsByMetadataTool(ctx tool.Context, args FindMetadataArgs) (FindMetadataResp, error) {
	return t.FindFragmentsByMetadata(ctx, args)
}

// Public method using standard context
func (t *ArchiveToolset) FindFragmentsByMetadata(ctx context.Context, args FindMetadataArgs) (FindMetadataResp, error) {
	store, err := vectorstore.NewArchiveStore(t.DB.Pool, t.config.CollectionName)
	if err != nil {
		return FindMetadataResp{}, fmt.Errorf("invalid collection name: %w", err)
	}

	results, err := store.GetByMetadata(ctx, args.Filter)
	if err != nil {
		return FindMetadataResp{}, fmt.Errorf("failed to find fragments: %w", err)
	}

	var formattedResults []string
	for _, result := range results {
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("[Content]: %s", result.Content))
		for k, v := range result.Metadata {
			sb.WriteString(fmt.Sprintf("\n[%s]: %v", k, v))
		}
		formattedResults = append(formattedResults, sb.String())
	}

	serialized := strings.Join(formattedResults, "\n\n")
	return FindMetadataResp{Content: serialized}, nil
}
