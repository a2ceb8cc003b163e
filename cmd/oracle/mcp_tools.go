package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"oracle/pkg/server"
)

// RunResearchInput is the input schema for the run_research tool.
type RunResearchInput struct {
	Query string `json:"query" jsonschema:"the engineering question to research"`
	Mode  string `json:"mode,omitempty" jsonschema:"fast or deep (default fast)"`
}

// RunResearchOutput is the output schema for the run_research tool.
type RunResearchOutput struct {
	ReportID        string  `json:"report_id"`
	Report          string  `json:"report"`
	EvaluationScore float64 `json:"evaluation_score"`
	RetryCount      int     `json:"retry_count"`
	QualityWarning  bool    `json:"quality_warning"`
}

// SearchArchiveInput is the input schema for the search_archive tool.
type SearchArchiveInput struct {
	Query    string `json:"query" jsonschema:"the search query"`
	TopK     int    `json:"topK,omitempty" jsonschema:"maximum number of fragments to return (default 5)"`
	ReportID string `json:"report_id,omitempty" jsonschema:"restrict the search to one report"`
}

// ArchiveFragment is one search hit.
type ArchiveFragment struct {
	ReportID string  `json:"report_id"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
}

// SearchArchiveOutput is the output schema for the search_archive tool.
type SearchArchiveOutput struct {
	Fragments []ArchiveFragment `json:"fragments"`
	Count     int               `json:"count"`
}

// GetReportInput is the input schema for the get_report tool.
type GetReportInput struct {
	ReportID string `json:"report_id" jsonschema:"the report ID"`
}

// GetReportOutput is the output schema for the get_report tool.
type GetReportOutput struct {
	ReportID       string  `json:"report_id"`
	Query          string  `json:"query"`
	Report         string  `json:"report"`
	QualityWarning bool    `json:"quality_warning"`
	Score          float64 `json:"evaluation_score,omitempty"`
}

// QuickAnswerInput is the input schema for the quick_answer tool.
type QuickAnswerInput struct {
	Question string `json:"question" jsonschema:"the question to answer from the ingested corpus"`
}

// QuickAnswerOutput is the output schema for the quick_answer tool.
type QuickAnswerOutput struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources,omitempty"`
}

func registerMCPTools(srv *mcp.Server, svc *server.Service) {
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "run_research",
		Description: "Run the full research pipeline for an engineering question and return the cited report. Deep mode adds paper search and a larger synthesis model.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input RunResearchInput) (*mcp.CallToolResult, RunResearchOutput, error) {
		result, err := svc.RunInline(ctx, server.CreateJobRequest{Query: input.Query, Mode: input.Mode}, nil)
		if err != nil {
			return nil, RunResearchOutput{}, err
		}
		return nil, RunResearchOutput{
			ReportID:        result.ReportID,
			Report:          result.Report,
			EvaluationScore: result.Score,
			RetryCount:      result.RetryCount,
			QualityWarning:  result.QualityWarning,
		}, nil
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "search_archive",
		Description: "Semantic search over fragments of previously generated reports.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input SearchArchiveInput) (*mcp.CallToolResult, SearchArchiveOutput, error) {
		results, err := svc.SearchArchive(ctx, input.Query, input.TopK, input.ReportID)
		if err != nil {
			return nil, SearchArchiveOutput{}, err
		}

		out := SearchArchiveOutput{Fragments: make([]ArchiveFragment, len(results)), Count: len(results)}
		for i, r := range results {
			reportID, _ := r.Document.Metadata["report_id"].(string)
			out.Fragments[i] = ArchiveFragment{
				ReportID: reportID,
				Content:  r.Document.Content,
				Score:    r.Score,
			}
		}
		return nil, out, nil
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_report",
		Description: "Fetch the full text of a finished report by ID.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input GetReportInput) (*mcp.CallToolResult, GetReportOutput, error) {
		id, err := uuid.Parse(input.ReportID)
		if err != nil {
			return nil, GetReportOutput{}, fmt.Errorf("invalid report_id: %w", err)
		}
		report, err := svc.GetReport(ctx, id)
		if err != nil {
			return nil, GetReportOutput{}, err
		}

		out := GetReportOutput{
			ReportID:       report.ID.String(),
			Query:          report.Query,
			Report:         report.Report,
			QualityWarning: report.QualityWarning,
		}
		if report.EvaluationScore != nil {
			out.Score = *report.EvaluationScore
		}
		return nil, out, nil
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "quick_answer",
		Description: "Answer a question from the ingested corpus without running the full pipeline.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input QuickAnswerInput) (*mcp.CallToolResult, QuickAnswerOutput, error) {
		resp, err := svc.Answer(ctx, input.Question)
		if err != nil {
			return nil, QuickAnswerOutput{}, err
		}

		out := QuickAnswerOutput{Answer: resp.Answer}
		for _, src := range resp.Sources {
			label := src.Origin
			if src.Heading != "" {
				label += " / " + src.Heading
			}
			out.Sources = append(out.Sources, label)
		}
		return nil, out, nil
	})
}
