package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"agentflow/backend/internal/auth"
	"agentflow/backend/internal/engine"
	"agentflow/backend/internal/services"
	"agentflow/backend/pkg/models"
)

// StartRunResponse is returned when a run is accepted.
type StartRunResponse struct {
	RunID  string           `json:"runId"`
	Status models.RunStatus `json:"status"`
}

// DecisionRequest resolves a human checkpoint. Approved defaults to true.
type DecisionRequest struct {
	Approved *bool  `json:"approved"`
	Comment  string `json:"comment"`
}

func (r DecisionRequest) decision(by string) engine.Decision {
	approved := true
	if r.Approved != nil {
		approved = *r.Approved
	}
	return engine.Decision{Approved: approved, Comment: r.Comment, By: by}
}

// StartRun starts a run of the latest version of a process
// (POST /api/v1/runs)
func (s *Server) StartRun(c echo.Context) error {
	var in services.StartRunInput
	if err := c.Bind(&in); err != nil {
		return s.problem(c, badRequest("invalid request body: "+err.Error()))
	}
	if in.ProcessID == "" {
		return s.problem(c, badRequest("processId is required"))
	}

	run, err := s.runs.Start(c.Request().Context(), tenantOf(c), in)
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(http.StatusAccepted, StartRunResponse{RunID: run.ID, Status: run.Status})
}

// ListRuns returns the tenant's runs
// (GET /api/v1/runs?status=)
func (s *Server) ListRuns(c echo.Context) error {
	status := models.RunStatus(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return s.problem(c, badRequest("unknown status "+string(status)))
	}
	runs, err := s.runs.List(c.Request().Context(), tenantOf(c), status)
	if err != nil {
		return s.problem(c, err)
	}
	if runs == nil {
		runs = []*models.FlowRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

// GetRun returns a run and its ordered steps
// (GET /api/v1/runs/:id)
func (s *Server) GetRun(c echo.Context) error {
	detail, err := s.runs.Get(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

// ResumeRun resolves the checkpoint a paused run waits on
// (POST /api/v1/runs/:id/resume)
func (s *Server) ResumeRun(c echo.Context) error {
	req, err := decodeDecision(c)
	if err != nil {
		return s.problem(c, err)
	}
	ctx := c.Request().Context()
	run, err := s.runs.Resume(ctx, tenantOf(c), c.Param("id"), req.decision(auth.User(ctx)))
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// CancelRun stops a run
// (POST /api/v1/runs/:id/cancel)
func (s *Server) CancelRun(c echo.Context) error {
	run, err := s.runs.Cancel(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// DeleteRun removes a run and its history
// (DELETE /api/v1/runs/:id)
func (s *Server) DeleteRun(c echo.Context) error {
	if err := s.runs.Delete(c.Request().Context(), tenantOf(c), c.Param("id")); err != nil {
		return s.problem(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// decodeDecision reads an optional decision body.
func decodeDecision(c echo.Context) (DecisionRequest, error) {
	var req DecisionRequest
	err := json.NewDecoder(c.Request().Body).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		return req, badRequest("invalid request body: " + err.Error())
	}
	return req, nil
}
