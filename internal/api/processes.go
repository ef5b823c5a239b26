package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"agentflow/backend/internal/auth"
	"agentflow/backend/pkg/models"
)

// maxDefinitionSize bounds an uploaded process document.
const maxDefinitionSize = 1 << 20

// ListProcesses returns the latest version of every process
// (GET /api/v1/processes)
func (s *Server) ListProcesses(c echo.Context) error {
	defs, err := s.processes.List(c.Request().Context(), tenantOf(c))
	if err != nil {
		return s.problem(c, err)
	}
	if defs == nil {
		defs = []*models.ProcessDefinition{}
	}
	return c.JSON(http.StatusOK, defs)
}

// GetProcess returns one version of a process, the latest by default
// (GET /api/v1/processes/:id?version=)
func (s *Server) GetProcess(c echo.Context) error {
	version := 0
	if v := c.QueryParam("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return s.problem(c, badRequest("version must be a positive integer"))
		}
		version = n
	}
	def, err := s.processes.Get(c.Request().Context(), tenantOf(c), c.Param("id"), version)
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

// PutProcess stores a process document. The body is the raw YAML or JSON
// definition; a document whose id already exists becomes its next version.
// (PUT /api/v1/processes)
func (s *Server) PutProcess(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxDefinitionSize+1))
	if err != nil {
		return s.problem(c, badRequest("failed to read body: "+err.Error()))
	}
	if len(body) == 0 {
		return s.problem(c, badRequest("empty definition"))
	}
	if len(body) > maxDefinitionSize {
		return writeError(c, http.StatusRequestEntityTooLarge, "TooLarge", "definition exceeds 1 MiB")
	}

	ctx := c.Request().Context()
	def, err := s.processes.Save(ctx, tenantOf(c), auth.User(ctx), body)
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(http.StatusOK, def)
}
