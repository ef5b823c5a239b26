package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"agentflow/backend/internal/engine"
	"agentflow/backend/internal/logging"
	"agentflow/backend/internal/repository"
	"agentflow/backend/pkg/models"
)

// ErrAlreadyResolved is returned when an approval was decided before.
var ErrAlreadyResolved = errors.New("approval already resolved")

// TimeoutPolicy decides what happens to approvals left pending too long.
type TimeoutPolicy string

const (
	TimeoutNone     TimeoutPolicy = "none"
	TimeoutApprove  TimeoutPolicy = "approve"
	TimeoutReject   TimeoutPolicy = "reject"
	TimeoutEscalate TimeoutPolicy = "escalate"
)

// timeoutActor is recorded as the resolver of approvals decided by the
// sweeper.
const timeoutActor = "system:timeout"

// ApprovalService resolves approval requests and applies the timeout policy.
type ApprovalService struct {
	store   repository.ApprovalStore
	runs    *RunService
	logger  *logging.Logger
	timeout time.Duration
	policy  TimeoutPolicy
	now     func() time.Time
	cron    *cron.Cron
}

// NewApprovalService creates an ApprovalService. A zero timeout disables the
// sweeper.
func NewApprovalService(store repository.ApprovalStore, runs *RunService, logger *logging.Logger, timeout time.Duration, policy TimeoutPolicy) *ApprovalService {
	if logger == nil {
		logger = logging.Nop()
	}
	if policy == "" {
		policy = TimeoutNone
	}
	return &ApprovalService{
		store:   store,
		runs:    runs,
		logger:  logger,
		timeout: timeout,
		policy:  policy,
		now:     time.Now,
	}
}

// List returns the approvals of a tenant. An empty resolution lists all.
func (s *ApprovalService) List(ctx context.Context, tenantID string, resolution models.ApprovalResolution) ([]*models.ApprovalRequest, error) {
	return s.store.ListApprovals(ctx, tenantID, resolution)
}

// Resolve decides an approval and resumes the run waiting on it.
func (s *ApprovalService) Resolve(ctx context.Context, tenantID, id string, d engine.Decision) (*models.FlowRun, error) {
	a, err := s.store.GetApproval(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if a.Resolution != models.ApprovalPending {
		return nil, ErrAlreadyResolved
	}
	return s.runs.Resume(ctx, tenantID, a.RunID, d)
}

// Sweep applies the timeout policy to every overdue approval and returns how
// many were acted on.
func (s *ApprovalService) Sweep(ctx context.Context) (int, error) {
	if s.timeout <= 0 || s.policy == TimeoutNone {
		return 0, nil
	}
	overdue, err := s.store.ListPendingApprovalsBefore(ctx, s.now().Add(-s.timeout))
	if err != nil {
		return 0, fmt.Errorf("list overdue approvals: %w", err)
	}

	handled := 0
	for _, a := range overdue {
		var err error
		switch s.policy {
		case TimeoutApprove, TimeoutReject:
			_, err = s.runs.Resume(ctx, a.TenantID, a.RunID, engine.Decision{
				Approved: s.policy == TimeoutApprove,
				Comment:  fmt.Sprintf("no decision within %s", s.timeout),
				By:       timeoutActor,
			})
		case TimeoutEscalate:
			if a.Urgency == models.UrgencyHigh {
				continue
			}
			a.Urgency = models.UrgencyHigh
			err = s.store.UpdateApproval(ctx, a)
		}
		if err != nil {
			s.logger.Error("approval timeout policy failed", "approval_id", a.ID, "run_id", a.RunID, "policy", string(s.policy), "error", err)
			continue
		}
		s.logger.Warn("approval timed out", "approval_id", a.ID, "run_id", a.RunID, "policy", string(s.policy))
		handled++
	}
	return handled, nil
}

// StartSweeper runs Sweep on the cron schedule. It is a no-op when the policy
// is none or the timeout is zero.
func (s *ApprovalService) StartSweeper(schedule string) error {
	if s.timeout <= 0 || s.policy == TimeoutNone {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error("approval sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("approval sweeper started", "schedule", schedule, "timeout", s.timeout.String(), "policy", string(s.policy))
	return nil
}

// StopSweeper stops the schedule and waits for a running sweep.
func (s *ApprovalService) StopSweeper(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
