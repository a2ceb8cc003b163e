package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"oracle/pkg/chat"
	"oracle/pkg/flashcards"
	"oracle/pkg/research"
	"oracle/pkg/research/tools"
)

// MCPSession represents an MCP session
type MCPSession struct {
	ID      string
	Created int64
}

var (
	mcpSessions = make(map[string]*MCPSession)
	sessionMu   sync.RWMutex
)

// MCPRequest represents an MCP JSON-RPC request
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MCPResponse represents an MCP JSON-RPC response
type MCPResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
}

// MCPError represents an MCP error
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StreamEvent is one SSE frame on the inline report endpoint. The
// report body streams as a series of fragment events so clients can
// render progressively.
type StreamEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const reportFragmentChars = 200

type Handler struct {
	Service *Service
	Chat    *chat.Service
	Router  *chat.Router
}

func NewHandler(s *Service, c *chat.Service, router *chat.Router) *Handler {
	return &Handler{Service: s, Chat: c, Router: router}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)
	r.POST("/mcp", h.MCPHandler)

	api := r.Group("/api")
	{
		api.POST("/report", h.streamReport)

		api.POST("/research", h.createJob)
		api.GET("/research", h.listJobs)
		api.GET("/research/:id", h.getJob)
		api.GET("/research/:id/logs", h.getJobLogs)

		api.GET("/reports", h.listReports)
		api.GET("/reports/:id", h.getReport)
		api.POST("/reports/:id/flashcards", h.generateFlashcards)

		api.POST("/answer", h.answer)
		api.POST("/ingest", h.ingest)
		api.POST("/route", h.routeIntent)

		// Chat Routes
		api.POST("/chat/conversations", h.createConversation)
		api.GET("/chat/conversations", h.listConversations)
		api.GET("/chat/conversations/:id/messages", h.getMessages)
		api.POST("/chat/conversations/:id/messages", h.sendMessage)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "engineering-oracle"})
}

// statusForError maps failures onto HTTP statuses. Upstream throttling
// surfaces as 429 and blocked fetches as 502 so callers can tell
// retryable failures from hard ones.
func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnprocessable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, tools.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, tools.ErrBlocked):
		return http.StatusBadGateway
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"):
		return http.StatusTooManyRequests
	case strings.Contains(msg, "403"), strings.Contains(msg, "blocked"):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
}

// fragments slices s into rune-safe pieces of at most n characters.
func fragments(s string, n int) []string {
	if n <= 0 || s == "" {
		return nil
	}
	runes := []rune(s)
	var out []string
	for start := 0; start < len(runes); start += n {
		end := start + n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// streamReport runs the pipeline inline and streams progress plus the
// finished report over SSE.
func (h *Handler) streamReport(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Transfer-Encoding", "chunked")

	write := func(ev StreamEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		_, _ = c.Writer.Write([]byte("data: "))
		_, _ = c.Writer.Write(data)
		_, _ = c.Writer.Write([]byte("\n\n"))
		c.Writer.Flush()
	}

	result, err := h.Service.RunInline(c.Request.Context(), req, func(ev research.StageEvent) {
		write(StreamEvent{Type: "thought", Payload: ev})
	})
	if err != nil {
		if errors.Is(err, research.ErrNoEvidence) {
			write(StreamEvent{Type: "need_more_sources", Payload: "ingest more documents or enable web search"})
		} else {
			write(StreamEvent{Type: "error", Payload: err.Error()})
		}
		return
	}

	for _, fragment := range fragments(result.Report, reportFragmentChars) {
		write(StreamEvent{Type: "report", Payload: fragment})
	}
	write(StreamEvent{Type: "sources", Payload: result.Citations})
	write(StreamEvent{Type: "done", Payload: gin.H{
		"report_id":        result.ReportID,
		"evaluation_score": result.Score,
		"retry_count":      result.RetryCount,
		"quality_warning":  result.QualityWarning,
	}})
}

func (h *Handler) createJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.Service.CreateJob(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, job)
}

func (h *Handler) listJobs(c *gin.Context) {
	jobs, err := h.Service.ListJobs(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	// Return empty list instead of null
	if jobs == nil {
		jobs = []Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *Handler) getJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid"})
		return
	}

	job, err := h.Service.GetJob(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) getJobLogs(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid"})
		return
	}

	logs, err := h.Service.GetJobLogs(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if logs == nil {
		logs = []LogEntry{}
	}
	c.JSON(http.StatusOK, logs)
}

func (h *Handler) listReports(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	reports, err := h.Service.ListReports(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	if reports == nil {
		reports = []ReportSummary{}
	}
	c.JSON(http.StatusOK, reports)
}

func (h *Handler) getReport(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid"})
		return
	}

	report, err := h.Service.GetReport(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) generateFlashcards(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid"})
		return
	}

	report, err := h.Service.GetReport(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	cards, err := flashcards.Generate(c.Request.Context(), h.Service.LLM, h.Service.Cfg.FastModel, report.Report)
	if err != nil {
		respondError(c, err)
		return
	}

	if c.Query("format") == "tsv" {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=flashcards-%s.tsv", id))
		c.Data(http.StatusOK, "text/tab-separated-values; charset=utf-8", []byte(flashcards.ToTSV(cards)))
		return
	}
	c.JSON(http.StatusOK, gin.H{"report_id": id, "cards": cards})
}

func (h *Handler) answer(c *gin.Context) {
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.Service.Answer(c.Request.Context(), req.Question)
	if err != nil {
		respondError(c, err)
		return
	}
	if resp.Sources == nil {
		resp.Sources = []AnswerSource{}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.Service.Ingest(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) routeIntent(c *gin.Context) {
	if h.Router == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "intent routing unavailable"})
		return
	}

	var req struct {
		Message string `json:"message"`
		HasPDF  bool   `json:"has_pdf"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	intent := h.Router.Route(c.Request.Context(), req.Message, req.HasPDF)
	c.JSON(http.StatusOK, gin.H{"intent": intent})
}

// --- MCP over HTTP ---

// MCPHandler handles MCP protocol requests
func (h *Handler) MCPHandler(c *gin.Context) {
	sessionID := c.GetHeader("Mcp-Session-Id")

	var req MCPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, MCPResponse{
			JSONRPC: "2.0",
			ID:      nil,
			Error: &MCPError{
				Code:    -32700,
				Message: "Parse error",
			},
		})
		return
	}

	// Handle initialize request
	if req.Method == "initialize" {
		if sessionID == "" {
			sessionID = uuid.New().String()
			c.Header("Mcp-Session-Id", sessionID)

			sessionMu.Lock()
			mcpSessions[sessionID] = &MCPSession{
				ID:      sessionID,
				Created: time.Now().Unix(),
			}
			sessionMu.Unlock()
		}

		c.JSON(http.StatusOK, MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"serverInfo": map[string]interface{}{
					"name":    "engineering-oracle-mcp",
					"version": "1.0.0",
				},
				"capabilities": map[string]interface{}{
					"tools": map[string]interface{}{},
				},
			},
		})
		return
	}

	// Validate session for other requests
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &MCPError{
				Code:    -32000,
				Message: "Bad Request: No valid session ID provided",
			},
		})
		return
	}

	sessionMu.RLock()
	_, exists := mcpSessions[sessionID]
	sessionMu.RUnlock()

	if !exists {
		c.JSON(http.StatusBadRequest, MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &MCPError{
				Code:    -32000,
				Message: "Invalid session ID",
			},
		})
		return
	}

	switch req.Method {
	case "tools/list":
		h.handleToolsList(c, req)
	case "tools/call":
		h.handleToolsCall(c, req)
	case "ping":
		c.JSON(http.StatusOK, MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  map[string]interface{}{},
		})
	default:
		c.JSON(http.StatusOK, MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &MCPError{
				Code:    -32601,
				Message: "Method not found",
			},
		})
	}
}

func (h *Handler) handleToolsList(c *gin.Context, req MCPRequest) {
	c.JSON(http.StatusOK, MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": []map[string]interface{}{
				{
					"name":        "run_research",
					"description": "Start a background research run for an engineering question. Returns the job ID to poll.",
					"inputSchema": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"query": map[string]interface{}{
								"type":        "string",
								"description": "The research question.",
							},
							"mode": map[string]interface{}{
								"type":        "string",
								"description": "fast or deep. Deep adds paper search and a larger synthesis model.",
								"default":     "fast",
							},
						},
						"required": []string{"query"},
					},
				},
				{
					"name":        "search_archive",
					"description": "Semantic search over fragments of previously generated reports.",
					"inputSchema": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"query": map[string]interface{}{
								"type":        "string",
								"description": "The search query.",
							},
							"topK": map[string]interface{}{
								"type":        "number",
								"description": "The number of top results to return.",
								"default":     5,
							},
							"report_id": map[string]interface{}{
								"type":        "string",
								"description": "Restrict the search to one report.",
							},
						},
						"required": []string{"query"},
					},
				},
				{
					"name":        "get_report",
					"description": "Fetch the full text of a finished report by ID.",
					"inputSchema": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"report_id": map[string]interface{}{
								"type":        "string",
								"description": "The report ID.",
							},
						},
						"required": []string{"report_id"},
					},
				},
				{
					"name":        "quick_answer",
					"description": "Answer a question from the ingested corpus without running the full pipeline.",
					"inputSchema": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"question": map[string]interface{}{
								"type":        "string",
								"description": "The question to answer.",
							},
						},
						"required": []string{"question"},
					},
				},
			},
		},
	})
}

func (h *Handler) handleToolsCall(c *gin.Context, req MCPRequest) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.sendError(c, req.ID, -32602, "Invalid params")
		return
	}

	switch params.Name {
	case "run_research":
		var args struct {
			Query string `json:"query"`
			Mode  string `json:"mode"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil || args.Query == "" {
			h.sendError(c, req.ID, -32602, "Invalid arguments")
			return
		}
		job, err := h.Service.CreateJob(c.Request.Context(), CreateJobRequest{Query: args.Query, Mode: args.Mode})
		if err != nil {
			h.sendError(c, req.ID, -32603, err.Error())
			return
		}
		h.sendText(c, req.ID, fmt.Sprintf("Research started. Job ID: %s. Poll /api/research/%s for status and the report.", job.ID, job.ID))

	case "search_archive":
		var args struct {
			Query    string `json:"query"`
			TopK     int    `json:"topK"`
			ReportID string `json:"report_id"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil || args.Query == "" {
			h.sendError(c, req.ID, -32602, "Invalid arguments")
			return
		}
		results, err := h.Service.SearchArchive(c.Request.Context(), args.Query, args.TopK, args.ReportID)
		if err != nil {
			h.sendError(c, req.ID, -32603, err.Error())
			return
		}
		var sb strings.Builder
		for _, r := range results {
			reportID, _ := r.Document.Metadata["report_id"].(string)
			fmt.Fprintf(&sb, "- [%.2f] (report %s) %s\n", r.Score, reportID, tools.Truncate(r.Document.Content, 300))
		}
		if sb.Len() == 0 {
			sb.WriteString("No archived fragments matched.")
		}
		h.sendText(c, req.ID, sb.String())

	case "get_report":
		var args struct {
			ReportID string `json:"report_id"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			h.sendError(c, req.ID, -32602, "Invalid arguments")
			return
		}
		id, err := uuid.Parse(args.ReportID)
		if err != nil {
			h.sendError(c, req.ID, -32602, "Invalid report_id")
			return
		}
		report, err := h.Service.GetReport(c.Request.Context(), id)
		if err != nil {
			h.sendError(c, req.ID, -32603, err.Error())
			return
		}
		h.sendText(c, req.ID, report.Report)

	case "quick_answer":
		var args struct {
			Question string `json:"question"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil || args.Question == "" {
			h.sendError(c, req.ID, -32602, "Invalid arguments")
			return
		}
		resp, err := h.Service.Answer(c.Request.Context(), args.Question)
		if err != nil {
			h.sendError(c, req.ID, -32603, err.Error())
			return
		}
		h.sendText(c, req.ID, resp.Answer)

	default:
		h.sendError(c, req.ID, -32601, fmt.Sprintf("Tool not found: %s", params.Name))
	}
}

func (h *Handler) sendError(c *gin.Context, id interface{}, code int, msg string) {
	c.JSON(http.StatusOK, MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: msg,
		},
	})
}

func (h *Handler) sendText(c *gin.Context, id interface{}, text string) {
	c.JSON(http.StatusOK, MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": text,
				},
			},
		},
	})
}

// --- Chat ---

func (h *Handler) chatUnavailable(c *gin.Context) bool {
	if h.Chat == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat unavailable: google api key not configured"})
		return true
	}
	return false
}

func (h *Handler) createConversation(c *gin.Context) {
	if h.chatUnavailable(c) {
		return
	}
	conv, err := h.Chat.CreateConversation(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) listConversations(c *gin.Context) {
	if h.chatUnavailable(c) {
		return
	}
	convs, err := h.Chat.ListConversations(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}
	c.JSON(http.StatusOK, convs)
}

func (h *Handler) getMessages(c *gin.Context) {
	if h.chatUnavailable(c) {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid"})
		return
	}

	msgs, err := h.Chat.GetHistory(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *Handler) sendMessage(c *gin.Context) {
	if h.chatUnavailable(c) {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid"})
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	next, err := h.Chat.SendMessage(c.Request.Context(), id, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Transfer-Encoding", "chunked")

	for event, err := range next {
		if err != nil {
			// Surface stream failures as a terminal error event.
			errEvent := chat.StreamEvent{
				Type:    "error",
				Payload: err.Error(),
			}
			if data, err := json.Marshal(errEvent); err == nil {
				_, _ = c.Writer.Write([]byte("data: "))
				_, _ = c.Writer.Write(data)
				_, _ = c.Writer.Write([]byte("\n\n"))
				c.Writer.Flush()
			}
			return
		}

		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		_, _ = c.Writer.Write([]byte("data: "))
		_, _ = c.Writer.Write(data)
		_, _ = c.Writer.Write([]byte("\n\n"))
		c.Writer.Flush()
	}
}
