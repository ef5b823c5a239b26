package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"agentflow/backend/internal/auth"
	"agentflow/backend/pkg/models"
)

// ListApprovals returns the tenant's approval requests
// (GET /api/v1/approvals?status=pending)
func (s *Server) ListApprovals(c echo.Context) error {
	resolution := models.ApprovalResolution(c.QueryParam("status"))
	switch resolution {
	case "", models.ApprovalPending, models.ApprovalApproved, models.ApprovalRejected:
	default:
		return s.problem(c, badRequest("unknown status "+string(resolution)))
	}
	approvals, err := s.approvals.List(c.Request().Context(), tenantOf(c), resolution)
	if err != nil {
		return s.problem(c, err)
	}
	if approvals == nil {
		approvals = []*models.ApprovalRequest{}
	}
	return c.JSON(http.StatusOK, approvals)
}

// ResolveApproval decides an approval and resumes its run
// (POST /api/v1/approvals/:id/resolve)
func (s *Server) ResolveApproval(c echo.Context) error {
	req, err := decodeDecision(c)
	if err != nil {
		return s.problem(c, err)
	}
	ctx := c.Request().Context()
	run, err := s.approvals.Resolve(ctx, tenantOf(c), c.Param("id"), req.decision(auth.User(ctx)))
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(http.StatusOK, run)
}
