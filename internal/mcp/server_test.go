package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/backend/internal/agent"
	"agentflow/backend/internal/auth"
	"agentflow/backend/internal/engine"
	"agentflow/backend/internal/reasoning"
	"agentflow/backend/internal/repository"
	"agentflow/backend/internal/router"
	"agentflow/backend/internal/services"
	"agentflow/backend/pkg/models"
)

const reviewYAML = `
id: review
processes:
  - id: main
    nodes:
      - {id: start, type: startEvent}
      - {id: draft, type: task, name: Draft}
      - {id: signoff, type: userTask, name: Sign-off}
      - {id: end, type: endEvent}
    flows:
      - {source: start, target: draft}
      - {source: draft, target: signoff}
      - {source: signoff, target: end}
`

type nopInvoker struct{}

func (nopInvoker) Invoke(_ context.Context, _ models.WorkerRef, p agent.Prompt) (*agent.Result, error) {
	return &agent.Result{Text: p.Task, Output: map[string]interface{}{agent.RawKey: p.Task}, Attempts: 1}, nil
}

func newTestServer(t *testing.T) (*Server, *repository.Memory) {
	t.Helper()
	repo := repository.NewMemory()
	rt := router.New(reasoning.CompleterFunc(func(context.Context, reasoning.Request) (string, error) {
		return "1", nil
	}), nil)
	processes := services.NewProcessService(repo)
	eng := engine.New(repo, nopInvoker{}, rt, nil, engine.WithRehydrator(processes))
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	_, err := processes.Save(context.Background(), "tenant-1", "ann@acme.com", []byte(reviewYAML))
	require.NoError(t, err)

	runs := services.NewRunService(repo, eng, processes, services.NewStoreRegistry(repo), rt, nil)
	approvals := services.NewApprovalService(repo, runs, nil, 0, services.TimeoutNone)
	return NewServer(runs, approvals, "test"), repo
}

func authed() context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{TenantID: "tenant-1", Email: "ann@acme.com"})
}

func call(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func waitStatus(t *testing.T, repo *repository.Memory, runID string, status models.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := repo.GetRunByID(context.Background(), runID)
		return err == nil && run.Status == status
	}, 5*time.Second, 5*time.Millisecond)
}

func TestTools_RunLifecycle(t *testing.T) {
	s, repo := newTestServer(t)
	ctx := authed()

	res, err := s.handleStartRun(ctx, call(map[string]interface{}{"process_id": "review", "request": "write a post"}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))
	var started struct {
		RunID string `json:"runId"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &started))
	waitStatus(t, repo, started.RunID, models.RunStatusPaused)

	res, err = s.handleGetRun(ctx, call(map[string]interface{}{"run_id": started.RunID}))
	require.NoError(t, err)
	var detail models.RunDetail
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &detail))
	assert.Equal(t, "write a post", detail.Input["request"])
	assert.Len(t, detail.Steps, 2)

	approvals, err := repo.ListApprovals(context.Background(), "tenant-1", models.ApprovalPending)
	require.NoError(t, err)
	require.Len(t, approvals, 1)

	res, err = s.handleResolveApproval(ctx, call(map[string]interface{}{"approval_id": approvals[0].ID}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "approved is required")

	res, err = s.handleResolveApproval(ctx, call(map[string]interface{}{"approval_id": approvals[0].ID, "approved": true}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))
	waitStatus(t, repo, started.RunID, models.RunStatusCompleted)

	res, err = s.handleResumeRun(ctx, call(map[string]interface{}{"run_id": started.RunID}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "Run is not paused", text(t, res))

	res, err = s.handleListRuns(ctx, call(map[string]interface{}{"status": "completed"}))
	require.NoError(t, err)
	var runs []models.FlowRun
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &runs))
	assert.Len(t, runs, 1)
}

func TestTools_CancelPausedRun(t *testing.T) {
	s, repo := newTestServer(t)
	ctx := authed()

	res, err := s.handleStartRun(ctx, call(map[string]interface{}{"process_id": "review"}))
	require.NoError(t, err)
	var started struct {
		RunID string `json:"runId"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &started))
	waitStatus(t, repo, started.RunID, models.RunStatusPaused)

	res, err = s.handleCancelRun(ctx, call(map[string]interface{}{"run_id": started.RunID}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))
	waitStatus(t, repo, started.RunID, models.RunStatusCancelled)
}

func TestTools_RejectBadRequests(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleGetRun(context.Background(), call(map[string]interface{}{"run_id": "x"}))
	require.NoError(t, err)
	assert.Equal(t, "Unauthenticated", text(t, res))

	res, err = s.handleStartRun(authed(), call(map[string]interface{}{}))
	require.NoError(t, err)
	assert.Equal(t, "Missing required parameter: process_id", text(t, res))

	res, err = s.handleListRuns(authed(), call(map[string]interface{}{"status": "sleeping"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleGetRun(authed(), call(map[string]interface{}{"run_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	var bad mcp.CallToolRequest
	bad.Params.Arguments = "not an object"
	res, err = s.handleCancelRun(authed(), bad)
	require.NoError(t, err)
	assert.Equal(t, "Invalid arguments type", text(t, res))
}
