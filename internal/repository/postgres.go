package repository

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentflow/backend/pkg/models"
)

//go:embed schema.sql
var schema string

// Postgres is a PostgreSQL implementation of the Repository interface.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a new Postgres repository.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Pool exposes the underlying pool for components that need a raw
// connection, such as the live channel bridge.
func (s *Postgres) Pool() *pgxpool.Pool { return s.db }

// Migrate creates the schema if it does not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return persistErr("migrate", err)
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Tenants

func (s *Postgres) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.QueryRow(ctx,
		"SELECT id::text, name, domain, created_at, updated_at FROM tenants WHERE domain = $1", domain,
	).Scan(&t.ID, &t.Name, &t.Domain, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, persistErr("get tenant", notFound(err))
	}
	return &t, nil
}

func (s *Postgres) CreateTenant(ctx context.Context, t *models.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.db.Exec(ctx,
		"INSERT INTO tenants (id, name, domain, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)",
		t.ID, t.Name, t.Domain, t.CreatedAt, t.UpdatedAt)
	return persistErr("create tenant", err)
}

// Runs

const runColumns = "id::text, tenant_id, process_id, status, input, output, error, started_at, completed_at"

func scanRun(row pgx.Row) (*models.FlowRun, error) {
	var r models.FlowRun
	err := row.Scan(&r.ID, &r.TenantID, &r.ProcessID, &r.Status, &r.Input, &r.Output, &r.Error, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Postgres) CreateRun(ctx context.Context, r *models.FlowRun) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO flow_runs (id, tenant_id, process_id, status, input, output, error, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.TenantID, r.ProcessID, r.Status, r.Input, r.Output, r.Error, r.StartedAt, r.CompletedAt)
	return persistErr("create run", err)
}

func (s *Postgres) UpdateRun(ctx context.Context, r *models.FlowRun) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE flow_runs SET status = $1, output = $2, error = $3, completed_at = $4 WHERE id = $5",
		r.Status, r.Output, r.Error, r.CompletedAt, r.ID)
	if err == nil && tag.RowsAffected() == 0 {
		err = ErrNotFound
	}
	return persistErr("update run", err)
}

func (s *Postgres) GetRun(ctx context.Context, tenantID, id string) (*models.FlowRun, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	r, err := scanRun(s.db.QueryRow(ctx,
		"SELECT "+runColumns+" FROM flow_runs WHERE id = $1 AND tenant_id = $2", id, tenantID))
	return r, persistErr("get run", notFound(err))
}

func (s *Postgres) GetRunByID(ctx context.Context, id string) (*models.FlowRun, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	r, err := scanRun(s.db.QueryRow(ctx, "SELECT "+runColumns+" FROM flow_runs WHERE id = $1", id))
	return r, persistErr("get run", notFound(err))
}

func (s *Postgres) ListRuns(ctx context.Context, tenantID string, status models.RunStatus) ([]*models.FlowRun, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+runColumns+" FROM flow_runs WHERE tenant_id = $1 AND ($2 = '' OR status = $2) ORDER BY started_at DESC",
		tenantID, string(status))
	if err != nil {
		return nil, persistErr("list runs", err)
	}
	defer rows.Close()

	var runs []*models.FlowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, persistErr("list runs", err)
		}
		runs = append(runs, r)
	}
	return runs, persistErr("list runs", rows.Err())
}

func (s *Postgres) ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.FlowRun, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+runColumns+" FROM flow_runs WHERE status = $1 ORDER BY started_at",
		string(status))
	if err != nil {
		return nil, persistErr("list runs by status", err)
	}
	defer rows.Close()

	var runs []*models.FlowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, persistErr("list runs by status", err)
		}
		runs = append(runs, r)
	}
	return runs, persistErr("list runs by status", rows.Err())
}

// DeleteRun removes the run; steps, approvals and the snapshot cascade.
func (s *Postgres) DeleteRun(ctx context.Context, tenantID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := s.db.Exec(ctx, "DELETE FROM flow_runs WHERE id = $1 AND tenant_id = $2", id, tenantID)
	if err == nil && tag.RowsAffected() == 0 {
		err = ErrNotFound
	}
	return persistErr("delete run", err)
}

// Steps

func (s *Postgres) SaveStep(ctx context.Context, st *models.FlowStep) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO flow_steps (id, run_id, seq, task_id, name, kind, status, iteration, input, output, error, approval_id, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status, input = EXCLUDED.input, output = EXCLUDED.output,
		   error = EXCLUDED.error, approval_id = EXCLUDED.approval_id, completed_at = EXCLUDED.completed_at`,
		st.ID, st.RunID, st.Seq, st.TaskID, st.Name, st.Kind, st.Status, st.Iteration,
		st.Input, st.Output, st.Error, st.ApprovalID, st.StartedAt, st.CompletedAt)
	return persistErr("save step", err)
}

func (s *Postgres) ListSteps(ctx context.Context, runID string) ([]*models.FlowStep, error) {
	if _, err := uuid.Parse(runID); err != nil {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT id::text, run_id::text, seq, task_id, name, kind, status, iteration, input, output, error,
		        approval_id::text, started_at, completed_at
		 FROM flow_steps WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, persistErr("list steps", err)
	}
	defer rows.Close()

	var steps []*models.FlowStep
	for rows.Next() {
		var st models.FlowStep
		if err := rows.Scan(&st.ID, &st.RunID, &st.Seq, &st.TaskID, &st.Name, &st.Kind, &st.Status, &st.Iteration,
			&st.Input, &st.Output, &st.Error, &st.ApprovalID, &st.StartedAt, &st.CompletedAt); err != nil {
			return nil, persistErr("list steps", err)
		}
		steps = append(steps, &st)
	}
	return steps, persistErr("list steps", rows.Err())
}

// Approvals

const approvalColumns = `id::text, tenant_id, run_id::text, step_id::text, title, description, urgency,
	resolution, comment, resolved_by, requested_at, resolved_at`

func scanApproval(row pgx.Row) (*models.ApprovalRequest, error) {
	var a models.ApprovalRequest
	err := row.Scan(&a.ID, &a.TenantID, &a.RunID, &a.StepID, &a.Title, &a.Description, &a.Urgency,
		&a.Resolution, &a.Comment, &a.ResolvedBy, &a.RequestedAt, &a.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Postgres) CreateApproval(ctx context.Context, a *models.ApprovalRequest) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO approval_requests (id, tenant_id, run_id, step_id, title, description, urgency, resolution, comment, resolved_by, requested_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.TenantID, a.RunID, a.StepID, a.Title, a.Description, a.Urgency, a.Resolution,
		a.Comment, a.ResolvedBy, a.RequestedAt, a.ResolvedAt)
	return persistErr("create approval", err)
}

func (s *Postgres) UpdateApproval(ctx context.Context, a *models.ApprovalRequest) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE approval_requests SET urgency = $1, resolution = $2, comment = $3, resolved_by = $4, resolved_at = $5
		 WHERE id = $6`,
		a.Urgency, a.Resolution, a.Comment, a.ResolvedBy, a.ResolvedAt, a.ID)
	if err == nil && tag.RowsAffected() == 0 {
		err = ErrNotFound
	}
	return persistErr("update approval", err)
}

func (s *Postgres) GetApproval(ctx context.Context, tenantID, id string) (*models.ApprovalRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	a, err := scanApproval(s.db.QueryRow(ctx,
		"SELECT "+approvalColumns+" FROM approval_requests WHERE id = $1 AND tenant_id = $2", id, tenantID))
	return a, persistErr("get approval", notFound(err))
}

func (s *Postgres) ListApprovals(ctx context.Context, tenantID string, resolution models.ApprovalResolution) ([]*models.ApprovalRequest, error) {
	return s.queryApprovals(ctx,
		"SELECT "+approvalColumns+" FROM approval_requests WHERE tenant_id = $1 AND ($2 = '' OR resolution = $2) ORDER BY requested_at",
		tenantID, string(resolution))
}

func (s *Postgres) ListPendingApprovalsBefore(ctx context.Context, cutoff time.Time) ([]*models.ApprovalRequest, error) {
	return s.queryApprovals(ctx,
		"SELECT "+approvalColumns+" FROM approval_requests WHERE resolution = 'pending' AND requested_at < $1 ORDER BY requested_at",
		cutoff)
}

func (s *Postgres) queryApprovals(ctx context.Context, sql string, args ...interface{}) ([]*models.ApprovalRequest, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, persistErr("list approvals", err)
	}
	defer rows.Close()

	var out []*models.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, persistErr("list approvals", err)
		}
		out = append(out, a)
	}
	return out, persistErr("list approvals", rows.Err())
}

// Snapshots

func (s *Postgres) SaveSnapshot(ctx context.Context, snap *models.StateSnapshot) error {
	snap.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(ctx,
		`INSERT INTO flow_state_snapshots (run_id, state, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (run_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		snap.RunID, snap, snap.UpdatedAt)
	return persistErr("save snapshot", err)
}

func (s *Postgres) GetSnapshot(ctx context.Context, runID string) (*models.StateSnapshot, error) {
	if _, err := uuid.Parse(runID); err != nil {
		return nil, ErrNotFound
	}
	var snap models.StateSnapshot
	err := s.db.QueryRow(ctx, "SELECT state FROM flow_state_snapshots WHERE run_id = $1", runID).Scan(&snap)
	if err != nil {
		return nil, persistErr("get snapshot", notFound(err))
	}
	return &snap, nil
}
