// Package models defines the domain models for the process execution service
package models

import (
	"time"
)

// RunStatus represents the lifecycle status of a flow run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// StepStatus represents the lifecycle status of a single task execution
type StepStatus string

const (
	StepStatusPending         StepStatus = "pending"
	StepStatusRunning         StepStatus = "running"
	StepStatusWaitingApproval StepStatus = "waiting_approval"
	StepStatusCompleted       StepStatus = "completed"
	StepStatusFailed          StepStatus = "failed"
	StepStatusSkipped         StepStatus = "skipped"
)

// TaskKind is the normalized kind of a graph node
type TaskKind string

const (
	TaskKindService           TaskKind = "service"
	TaskKindHuman             TaskKind = "human"
	TaskKindGateway           TaskKind = "gateway"
	TaskKindStart             TaskKind = "start"
	TaskKindEnd               TaskKind = "end"
	TaskKindIntermediateEvent TaskKind = "intermediateEvent"
)

// ApprovalResolution is the decision recorded on an approval request
type ApprovalResolution string

const (
	ApprovalPending  ApprovalResolution = "pending"
	ApprovalApproved ApprovalResolution = "approved"
	ApprovalRejected ApprovalResolution = "rejected"
)

// Urgency levels for approval requests
const (
	UrgencyLow    = "low"
	UrgencyNormal = "normal"
	UrgencyHigh   = "high"
)

// FlowRun represents one execution of a process definition
type FlowRun struct {
	ID          string                 `json:"id" db:"id"`
	TenantID    string                 `json:"tenant_id" db:"tenant_id"`
	ProcessID   string                 `json:"process_id" db:"process_id"`
	Status      RunStatus              `json:"status" db:"status"`
	Input       map[string]interface{} `json:"input,omitempty" db:"input"`   // JSONB
	Output      map[string]interface{} `json:"output,omitempty" db:"output"` // JSONB, nil until terminal
	Error       *string                `json:"error,omitempty" db:"error"`
	StartedAt   time.Time              `json:"started_at" db:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
}

// IsTerminal reports whether the run can no longer change status.
func (r *FlowRun) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// FlowStep represents one execution of one task within a run. A task that is
// re-entered through a loop produces a new step each time.
type FlowStep struct {
	ID          string                 `json:"id" db:"id"`
	RunID       string                 `json:"run_id" db:"run_id"`
	Seq         int                    `json:"seq" db:"seq"`
	TaskID      string                 `json:"task_id" db:"task_id"`
	Name        string                 `json:"name" db:"name"`
	Kind        TaskKind               `json:"kind" db:"kind"`
	Status      StepStatus             `json:"status" db:"status"`
	Iteration   int                    `json:"iteration" db:"iteration"`
	Input       map[string]interface{} `json:"input,omitempty" db:"input"`   // JSONB
	Output      map[string]interface{} `json:"output,omitempty" db:"output"` // JSONB
	Error       *string                `json:"error,omitempty" db:"error"`
	ApprovalID  *string                `json:"approval_id,omitempty" db:"approval_id"`
	StartedAt   time.Time              `json:"started_at" db:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
}

// ApprovalRequest is created when a run reaches a human checkpoint
type ApprovalRequest struct {
	ID          string             `json:"id" db:"id"`
	TenantID    string             `json:"tenant_id" db:"tenant_id"`
	RunID       string             `json:"run_id" db:"run_id"`
	StepID      string             `json:"step_id" db:"step_id"`
	Title       string             `json:"title" db:"title"`
	Description string             `json:"description" db:"description"`
	Urgency     string             `json:"urgency" db:"urgency"`
	Resolution  ApprovalResolution `json:"resolution" db:"resolution"`
	Comment     *string            `json:"comment,omitempty" db:"comment"`
	ResolvedBy  *string            `json:"resolved_by,omitempty" db:"resolved_by"`
	RequestedAt time.Time          `json:"requested_at" db:"requested_at"`
	ResolvedAt  *time.Time         `json:"resolved_at,omitempty" db:"resolved_at"`
}

// RunDetail is a run together with its ordered step history
type RunDetail struct {
	*FlowRun
	Steps []*FlowStep `json:"steps"`
}

// StateSnapshot is the persisted form of a run's in-memory flow state. It lets
// a paused run be rebuilt after the engine instance that owned it is gone.
type StateSnapshot struct {
	RunID       string                            `json:"run_id"`
	ProcessID   string                            `json:"process_id"`
	Version     int                               `json:"version"`
	Request     string                            `json:"request"`
	Summary     string                            `json:"summary"`
	Outputs     map[string]map[string]interface{} `json:"outputs"`
	Order       []string                          `json:"order"`
	Vars        map[string]interface{}            `json:"vars"`
	Iterations  map[string]int                    `json:"iterations"`
	Assignments map[string]WorkerRef              `json:"assignments,omitempty"`
	NextSeq     int                               `json:"next_seq"`
	UpdatedAt   time.Time                         `json:"updated_at"`
}

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// Tenant owns runs, approvals, process definitions and workers. Users are
// mapped to a tenant by the domain of their email address.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
