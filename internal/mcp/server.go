// Package mcp exposes the run service as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"agentflow/backend/internal/auth"
	"agentflow/backend/internal/engine"
	"agentflow/backend/internal/services"
	"agentflow/backend/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	runs      *services.RunService
	approvals *services.ApprovalService
}

func NewServer(runs *services.RunService, approvals *services.ApprovalService, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"agentflow",
			version,
			server.WithToolCapabilities(true),
		),
		runs:      runs,
		approvals: approvals,
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
			"start_run",
			mcp.WithDescription("Start a run of the latest version of a process"),
			mcp.WithString("process_id", mcp.Required(), mcp.Description("The process to run")),
			mcp.WithString("request", mcp.Description("The request the run should work on")),
			mcp.WithObject("input", mcp.Description("Structured run input; merged with request")),
			mcp.WithString("worker_override", mcp.Description("Run every task with this worker id")),
		),
		s.handleStartRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_run",
			mcp.WithDescription("Get a run with its ordered steps"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The ID of the run")),
		),
		s.handleGetRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_runs",
			mcp.WithDescription("List runs, optionally filtered by status"),
			mcp.WithString("status",
				mcp.Description("Only runs in this status"),
				mcp.Enum("running", "paused", "completed", "failed", "cancelled"),
			),
		),
		s.handleListRuns,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"resume_run",
			mcp.WithDescription("Resume a paused run by deciding its checkpoint"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The ID of the run")),
			mcp.WithBoolean("approved", mcp.Description("Approve (default) or reject the checkpoint")),
			mcp.WithString("comment", mcp.Description("Reviewer comment")),
		),
		s.handleResumeRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"cancel_run",
			mcp.WithDescription("Cancel a running or paused run"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The ID of the run")),
		),
		s.handleCancelRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"resolve_approval",
			mcp.WithDescription("Approve or reject a pending approval request"),
			mcp.WithString("approval_id", mcp.Required(), mcp.Description("The ID of the approval")),
			mcp.WithBoolean("approved", mcp.Required(), mcp.Description("The decision")),
			mcp.WithString("comment", mcp.Description("Reviewer comment")),
		),
		s.handleResolveApproval,
	)
}

func arguments(request mcp.CallToolRequest) (map[string]interface{}, *mcp.CallToolResult) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, mcp.NewToolResultError("Invalid arguments type")
	}
	return args, nil
}

func requiredString(args map[string]interface{}, key string) (string, *mcp.CallToolResult) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", mcp.NewToolResultError("Missing required parameter: " + key)
	}
	return v, nil
}

// tenant returns the caller's tenant or a tool error when the request was not
// authenticated.
func tenant(ctx context.Context) (string, *mcp.CallToolResult) {
	id, ok := auth.FromContext(ctx)
	if !ok {
		return "", mcp.NewToolResultError("Unauthenticated")
	}
	return id.TenantID, nil
}

func decision(ctx context.Context, args map[string]interface{}) engine.Decision {
	d := engine.Decision{Approved: true, By: auth.User(ctx)}
	if v, ok := args["approved"].(bool); ok {
		d.Approved = v
	}
	if v, ok := args["comment"].(string); ok {
		d.Comment = v
	}
	return d
}

func jsonResult(v interface{}) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

func (s *Server) handleStartRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, errResult := arguments(request)
	if errResult != nil {
		return errResult, nil
	}
	tenantID, errResult := tenant(ctx)
	if errResult != nil {
		return errResult, nil
	}
	processID, errResult := requiredString(args, "process_id")
	if errResult != nil {
		return errResult, nil
	}

	input := map[string]interface{}{}
	if obj, ok := args["input"].(map[string]interface{}); ok {
		for k, v := range obj {
			input[k] = v
		}
	}
	if req, ok := args["request"].(string); ok && req != "" {
		input["request"] = req
	}
	override, _ := args["worker_override"].(string)

	run, err := s.runs.Start(ctx, tenantID, services.StartRunInput{
		ProcessID:      processID,
		Input:          input,
		WorkerOverride: override,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start run: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{"runId": run.ID, "status": run.Status}), nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, errResult := arguments(request)
	if errResult != nil {
		return errResult, nil
	}
	tenantID, errResult := tenant(ctx)
	if errResult != nil {
		return errResult, nil
	}
	runID, errResult := requiredString(args, "run_id")
	if errResult != nil {
		return errResult, nil
	}

	detail, err := s.runs.Get(ctx, tenantID, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get run: %v", err)), nil
	}
	return jsonResult(detail), nil
}

func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, errResult := tenant(ctx)
	if errResult != nil {
		return errResult, nil
	}
	var status models.RunStatus
	if args, ok := request.Params.Arguments.(map[string]interface{}); ok {
		if v, ok := args["status"].(string); ok {
			status = models.RunStatus(v)
		}
	}
	if status != "" && !status.Valid() {
		return mcp.NewToolResultError("Unknown status: " + string(status)), nil
	}

	runs, err := s.runs.List(ctx, tenantID, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list runs: %v", err)), nil
	}
	if runs == nil {
		runs = []*models.FlowRun{}
	}
	return jsonResult(runs), nil
}

func (s *Server) handleResumeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, errResult := arguments(request)
	if errResult != nil {
		return errResult, nil
	}
	tenantID, errResult := tenant(ctx)
	if errResult != nil {
		return errResult, nil
	}
	runID, errResult := requiredString(args, "run_id")
	if errResult != nil {
		return errResult, nil
	}

	run, err := s.runs.Resume(ctx, tenantID, runID, decision(ctx, args))
	if err != nil {
		return mcp.NewToolResultError(resumeFailure(err)), nil
	}
	return jsonResult(run), nil
}

func (s *Server) handleCancelRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, errResult := arguments(request)
	if errResult != nil {
		return errResult, nil
	}
	tenantID, errResult := tenant(ctx)
	if errResult != nil {
		return errResult, nil
	}
	runID, errResult := requiredString(args, "run_id")
	if errResult != nil {
		return errResult, nil
	}

	run, err := s.runs.Cancel(ctx, tenantID, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel run: %v", err)), nil
	}
	return jsonResult(run), nil
}

func (s *Server) handleResolveApproval(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, errResult := arguments(request)
	if errResult != nil {
		return errResult, nil
	}
	tenantID, errResult := tenant(ctx)
	if errResult != nil {
		return errResult, nil
	}
	approvalID, errResult := requiredString(args, "approval_id")
	if errResult != nil {
		return errResult, nil
	}
	if _, ok := args["approved"].(bool); !ok {
		return mcp.NewToolResultError("Missing required parameter: approved"), nil
	}

	run, err := s.approvals.Resolve(ctx, tenantID, approvalID, decision(ctx, args))
	if err != nil {
		return mcp.NewToolResultError(resumeFailure(err)), nil
	}
	return jsonResult(run), nil
}

func resumeFailure(err error) string {
	switch {
	case errors.Is(err, engine.ErrEngineNotFound):
		return "No engine instance holds this run"
	case errors.Is(err, engine.ErrNotPaused):
		return "Run is not paused"
	case errors.Is(err, services.ErrAlreadyResolved):
		return "Approval was already resolved"
	default:
		return fmt.Sprintf("Failed to resume run: %v", err)
	}
}

// MountHTTPHandlers serves the MCP SSE transport under /mcp. authn must store
// an auth.Identity in the request context; it is carried into tool calls.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer, authn func(http.Handler) http.Handler) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id, ok := auth.FromContext(r.Context()); ok {
				return auth.WithIdentity(ctx, id)
			}
			return ctx
		}),
	)

	mux.Handle("/mcp", authn(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})))
	mux.Handle("/mcp/sse", authn(sseServer))
	mux.Handle("/mcp/message", authn(sseServer))
}
