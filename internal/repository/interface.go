package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentflow/backend/pkg/models"
)

// ErrNotFound is returned when a record does not exist for the caller's tenant.
var ErrNotFound = errors.New("not found")

// PersistenceError wraps a failed storage operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// TenantStore resolves tenants.
type TenantStore interface {
	GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
}

// RunStore holds runs and their append-only step history.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.FlowRun) error
	UpdateRun(ctx context.Context, run *models.FlowRun) error
	GetRun(ctx context.Context, tenantID, id string) (*models.FlowRun, error)
	// GetRunByID looks a run up without tenant scoping. It is reserved for
	// internal callers such as the engine and the approval sweeper.
	GetRunByID(ctx context.Context, id string) (*models.FlowRun, error)
	ListRuns(ctx context.Context, tenantID string, status models.RunStatus) ([]*models.FlowRun, error)
	// ListRunsByStatus returns runs of every tenant in status. Like
	// GetRunByID it is for internal callers only.
	ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.FlowRun, error)
	DeleteRun(ctx context.Context, tenantID, id string) error
	// SaveStep inserts or updates a step.
	SaveStep(ctx context.Context, step *models.FlowStep) error
	ListSteps(ctx context.Context, runID string) ([]*models.FlowStep, error)
}

// ApprovalStore holds approval requests.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a *models.ApprovalRequest) error
	UpdateApproval(ctx context.Context, a *models.ApprovalRequest) error
	GetApproval(ctx context.Context, tenantID, id string) (*models.ApprovalRequest, error)
	ListApprovals(ctx context.Context, tenantID string, resolution models.ApprovalResolution) ([]*models.ApprovalRequest, error)
	// ListPendingApprovalsBefore returns pending approvals of every tenant
	// requested before cutoff.
	ListPendingApprovalsBefore(ctx context.Context, cutoff time.Time) ([]*models.ApprovalRequest, error)
}

// SnapshotStore holds the latest flow state of each run.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s *models.StateSnapshot) error
	GetSnapshot(ctx context.Context, runID string) (*models.StateSnapshot, error)
}

// ProcessStore holds versioned process definitions.
type ProcessStore interface {
	// SaveProcessDefinition stores def as the next version of def.ProcessID
	// and marks it latest.
	SaveProcessDefinition(ctx context.Context, def *models.ProcessDefinition) error
	GetLatestProcessDefinition(ctx context.Context, tenantID, processID string) (*models.ProcessDefinition, error)
	GetProcessDefinitionVersion(ctx context.Context, tenantID, processID string, version int) (*models.ProcessDefinition, error)
	ListProcessDefinitions(ctx context.Context, tenantID string) ([]*models.ProcessDefinition, error)
}

// WorkerStore holds worker configurations. Workers without a process id are
// available to every process of the tenant.
type WorkerStore interface {
	ListWorkers(ctx context.Context, tenantID, processID string) ([]models.WorkerRef, error)
	UpsertWorker(ctx context.Context, tenantID, processID string, w models.WorkerRef) error
}

// Repository is the full storage surface of the service.
type Repository interface {
	TenantStore
	RunStore
	ApprovalStore
	SnapshotStore
	ProcessStore
	WorkerStore
	Ping(ctx context.Context) error
}
