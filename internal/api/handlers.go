// Package api contains the HTTP handlers for the flow execution service
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"agentflow/backend/internal/agent"
	"agentflow/backend/internal/auth"
	"agentflow/backend/internal/engine"
	"agentflow/backend/internal/live"
	"agentflow/backend/internal/logging"
	"agentflow/backend/internal/process"
	"agentflow/backend/internal/repository"
	"agentflow/backend/internal/services"
	"agentflow/backend/pkg/models"
)

const serviceName = "agentflow"

// Version is reported by the health endpoint.
var Version = "dev"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies for the API server.
type Server struct {
	runs      *services.RunService
	approvals *services.ApprovalService
	processes *services.ProcessService
	hub       *live.Hub
	db        Pinger
	logger    *logging.Logger
	upgrader  websocket.Upgrader
	heartbeat time.Duration
}

// NewServer creates a new Server.
func NewServer(runs *services.RunService, approvals *services.ApprovalService, processes *services.ProcessService, hub *live.Hub, db Pinger, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		runs:      runs,
		approvals: approvals,
		processes: processes,
		hub:       hub,
		db:        db,
		logger:    logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		heartbeat: 15 * time.Second,
	}
}

// Register mounts the health check and the /api/v1 routes. authn must store an
// auth.Identity in the request context.
func (s *Server) Register(e *echo.Echo, authn echo.MiddlewareFunc) {
	e.GET("/health", s.HandleHealth)

	read := echo.WrapMiddleware(auth.RequireScope(auth.ScopeRunsRead))
	write := echo.WrapMiddleware(auth.RequireScope(auth.ScopeRunsWrite))
	define := echo.WrapMiddleware(auth.RequireScope(auth.ScopeProcessesWrite))

	g := e.Group("/api/v1", authn)
	g.POST("/runs", s.StartRun, write)
	g.GET("/runs", s.ListRuns, read)
	g.GET("/runs/:id", s.GetRun, read)
	g.GET("/runs/:id/live", s.StreamRun, read)
	g.GET("/runs/:id/ws", s.StreamRunWS, read)
	g.POST("/runs/:id/resume", s.ResumeRun, write)
	g.POST("/runs/:id/cancel", s.CancelRun, write)
	g.DELETE("/runs/:id", s.DeleteRun, write)

	g.GET("/approvals", s.ListApprovals, read)
	g.POST("/approvals/:id/resolve", s.ResolveApproval, write)

	g.PUT("/processes", s.PutProcess, define)
	g.GET("/processes", s.ListProcesses, read)
	g.GET("/processes/:id", s.GetProcess, read)
}

// HandleHealth reports service health. It returns 503 when the database is
// unreachable.
func (s *Server) HandleHealth(c echo.Context) error {
	status := models.HealthStatus{
		Status:    "ok",
		Service:   serviceName,
		Version:   Version,
		Timestamp: time.Now().UTC(),
		Checks:    map[string]string{},
	}
	code := http.StatusOK
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Checks["database"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			status.Checks["database"] = "ok"
		}
	}
	return c.JSON(code, status)
}

// errBadRequest marks malformed client input.
var errBadRequest = errors.New("bad request")

func badRequest(detail string) error {
	return &requestError{detail: detail}
}

type requestError struct{ detail string }

func (e *requestError) Error() string { return e.detail }
func (e *requestError) Unwrap() error { return errBadRequest }

// writeError writes an RFC 7807 Problem Details JSON error response
func writeError(c echo.Context, status int, title, detail string) error {
	problem := models.ProblemDetails{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, problem)
}

// problem maps a service error to its HTTP problem document.
func (s *Server) problem(c echo.Context, err error) error {
	status, title := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
	return writeError(c, status, title, err.Error())
}

func classify(err error) (int, string) {
	var defErr *process.DefinitionError
	var workerErr *agent.WorkerInvocationError
	var persistErr *repository.PersistenceError
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "BadRequest"
	case errors.As(err, &defErr):
		return http.StatusUnprocessableEntity, "DefinitionError"
	case errors.Is(err, services.ErrUnknownWorker):
		return http.StatusUnprocessableEntity, "UnknownWorker"
	case errors.Is(err, engine.ErrEngineNotFound):
		return http.StatusNotFound, "EngineNotFound"
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, engine.ErrNotPaused):
		return http.StatusConflict, "NotPaused"
	case errors.Is(err, engine.ErrRunFinished):
		return http.StatusConflict, "RunFinished"
	case errors.Is(err, services.ErrAlreadyResolved):
		return http.StatusConflict, "AlreadyResolved"
	case errors.As(err, &workerErr):
		return http.StatusBadGateway, "WorkerInvocationError"
	case errors.As(err, &persistErr):
		return http.StatusServiceUnavailable, "PersistenceError"
	default:
		return http.StatusInternalServerError, "InternalError"
	}
}

// tenantOf returns the caller's tenant. Register guarantees an identity.
func tenantOf(c echo.Context) string {
	return auth.TenantID(c.Request().Context())
}
