// Package mcp exposes the change-management and feedback surfaces as Model
// Context Protocol tools for agents.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"execution-insight/backend/internal/auth"
	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/internal/logging"
	"execution-insight/backend/internal/similarity"
	"execution-insight/backend/pkg/models"
)

type Similarity interface {
	AnalyzeWith(ctx context.Context, req similarity.Request) (*models.SimilarityRecord, error)
}

type Impact interface {
	Analyze(ctx context.Context, trigger models.ChangeTrigger, scope models.Scope) (*models.ImpactAnalysis, error)
}

type Feedback interface {
	Submit(ctx context.Context, f *models.Feedback) (*models.Feedback, error)
	Aggregate(ctx context.Context, targetType models.TargetType, id string) (*models.FeedbackAggregate, error)
}

type Threads interface {
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	ListTasks(ctx context.Context, threadID string) ([]*models.Task, error)
}

type Deps struct {
	Similarity Similarity
	Impact     Impact
	Feedback   Feedback
	Threads    Threads
	Logger     *logging.Logger
}

type Server struct {
	mcpServer *server.MCPServer
	deps      Deps
	logger    *logging.Logger
}

func NewServer(deps Deps, version string) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Execution Insight",
			version,
			server.WithToolCapabilities(true),
		),
		deps:   deps,
		logger: deps.Logger,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"find_similar_executions",
			mcp.WithDescription("Find past executions most similar to a finished thread or task, with their feedback quality"),
			mcp.WithString("target_id", mcp.Required(), mcp.Description("ID of the thread or task")),
			mcp.WithString("target_type", mcp.Enum("thread", "task"), mcp.DefaultString("thread")),
			mcp.WithString("domain", mcp.Description("Only consider neighbours from this domain")),
			mcp.WithNumber("top_k", mcp.Description("Maximum number of neighbours")),
		),
		s.handleFindSimilar,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"analyze_change_impact",
			mcp.WithDescription("Estimate which executions a proposed process change would affect and suggest mitigations"),
			mcp.WithString("trigger_kind", mcp.Required(), mcp.Enum("thread", "task_type", "process_definition")),
			mcp.WithString("thread_id", mcp.Description("Thread whose process the change is modelled on")),
			mcp.WithString("task_type", mcp.Description("Task type being changed")),
			mcp.WithString("process_definition_id", mcp.Description("Process definition being changed")),
			mcp.WithString("description", mcp.Description("Free-text description of the change")),
			mcp.WithString("scope_kind", mcp.Enum("process_definition", "domain", "global")),
			mcp.WithNumber("horizon_days", mcp.Description("How far back to look for candidate executions")),
			mcp.WithNumber("depth", mcp.Description("How many caller levels of dependent processes to include")),
			mcp.WithArray("process_definition_ids", mcp.WithStringItems()),
			mcp.WithString("domain"),
			mcp.WithBoolean("include_active", mcp.Description("Include executions still in flight")),
		),
		s.handleAnalyzeImpact,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"submit_feedback",
			mcp.WithDescription("Rate or comment on a thread or task"),
			mcp.WithString("target_type", mcp.Required(), mcp.Enum("thread", "task")),
			mcp.WithString("target_id", mcp.Required()),
			mcp.WithString("type", mcp.Required(), mcp.Enum("rating", "comment", "issue", "suggestion", "praise")),
			mcp.WithNumber("rating", mcp.Description("Rating on the configured scale")),
			mcp.WithString("content"),
			mcp.WithString("thread_id", mcp.Description("Owning thread, for task feedback")),
		),
		s.handleSubmitFeedback,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_thread",
			mcp.WithDescription("Fetch a thread with its tasks and feedback summary"),
			mcp.WithString("thread_id", mcp.Required()),
		),
		s.handleGetThread,
	)
}

func jsonResult(v any, note string) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if note == "" {
		return mcp.NewToolResultText(string(jsonBytes)), nil
	}
	return &mcp.CallToolResult{Content: []mcp.Content{
		mcp.NewTextContent(string(jsonBytes)),
		mcp.NewTextContent(note),
	}}, nil
}

func (s *Server) toolError(action string, err error) (*mcp.CallToolResult, error) {
	if apperrors.Classify(err) == apperrors.CategoryInternal {
		s.logger.Error("mcp tool failed", "action", action, logging.ErrorKey, err)
	}
	return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", action, err)), nil
}

// partial returns a note for a degraded result, or ok=false for any other error.
func partial(err error) (note string, ok bool) {
	var de *apperrors.DegradedError
	if apperrors.As(err, &de) {
		return "Partial result: " + de.Error(), true
	}
	return "", false
}

func (s *Server) handleFindSimilar(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("target_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: target_id"), nil
	}
	rec, err := s.deps.Similarity.AnalyzeWith(ctx, similarity.Request{
		TargetID:   id,
		TargetType: models.TargetType(request.GetString("target_type", string(models.TargetThread))),
		Domain:     request.GetString("domain", ""),
		TopK:       request.GetInt("top_k", 0),
	})
	note := ""
	if err != nil {
		var ok bool
		if note, ok = partial(err); !ok || rec == nil {
			return s.toolError("find similar executions", err)
		}
	}
	return jsonResult(rec, note)
}

func (s *Server) handleAnalyzeImpact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := request.RequireString("trigger_kind")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: trigger_kind"), nil
	}
	trigger := models.ChangeTrigger{
		Kind:                models.TriggerKind(kind),
		ThreadID:            request.GetString("thread_id", ""),
		TaskType:            models.TaskType(request.GetString("task_type", "")),
		ProcessDefinitionID: request.GetString("process_definition_id", ""),
		Description:         request.GetString("description", ""),
	}
	scope := models.Scope{
		Kind:                 models.ScopeKind(request.GetString("scope_kind", "")),
		HorizonDays:          request.GetInt("horizon_days", 0),
		Depth:                request.GetInt("depth", 0),
		ProcessDefinitionIDs: request.GetStringSlice("process_definition_ids", nil),
		Domain:               request.GetString("domain", ""),
		IncludeActive:        request.GetBool("include_active", false),
	}
	analysis, err := s.deps.Impact.Analyze(ctx, trigger, scope)
	note := ""
	if err != nil {
		var ok bool
		if note, ok = partial(err); !ok || analysis == nil {
			return s.toolError("analyze change impact", err)
		}
	}
	return jsonResult(analysis, note)
}

func (s *Server) handleSubmitFeedback(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	author, ok := auth.PrincipalFrom(ctx)
	if !ok {
		return mcp.NewToolResultError("Feedback requires an authenticated caller"), nil
	}
	f := &models.Feedback{
		TargetType: models.TargetType(request.GetString("target_type", "")),
		TargetID:   request.GetString("target_id", ""),
		ThreadID:   request.GetString("thread_id", ""),
		Type:       models.FeedbackType(request.GetString("type", "")),
		Content:    request.GetString("content", ""),
		Author:     author,
	}
	if _, present := request.GetArguments()["rating"]; present {
		rating := request.GetInt("rating", 0)
		f.Rating = &rating
	}
	stored, err := s.deps.Feedback.Submit(ctx, f)
	if err != nil {
		return s.toolError("submit feedback", err)
	}
	return jsonResult(stored, "")
}

type threadView struct {
	Thread   *models.Thread            `json:"thread"`
	Tasks    []*models.Task            `json:"tasks"`
	Feedback *models.FeedbackAggregate `json:"feedback,omitempty"`
}

func (s *Server) handleGetThread(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: thread_id"), nil
	}
	th, err := s.deps.Threads.GetThread(ctx, id)
	if err != nil {
		return s.toolError("get thread", err)
	}
	tasks, err := s.deps.Threads.ListTasks(ctx, id)
	if err != nil {
		return s.toolError("list tasks", err)
	}
	view := threadView{Thread: th, Tasks: tasks}
	// Feedback is optional context for the caller.
	if agg, err := s.deps.Feedback.Aggregate(ctx, models.TargetThread, id); err == nil {
		view.Feedback = agg
	} else {
		s.logger.Warn("thread feedback unavailable", logging.ThreadIDKey, id, logging.ErrorKey, err)
	}
	return jsonResult(view, "")
}

// MountHTTPHandlers serves the streamable HTTP transport on /mcp and the SSE
// transport on /mcp/sse and /mcp/message. Requests keep their context, so a
// principal set by the auth middleware reaches the tool handlers.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	streamable := server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.Handle("/mcp", streamable)
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
