package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"agentflow/backend/pkg/models"
)

const definitionColumns = `id::text, tenant_id, process_id, version, is_latest, name, description, format,
	source, created_by, created_at, updated_at`

func scanDefinition(row pgx.Row) (*models.ProcessDefinition, error) {
	var d models.ProcessDefinition
	err := row.Scan(&d.ID, &d.TenantID, &d.ProcessID, &d.Version, &d.IsLatest, &d.Name, &d.Description,
		&d.Format, &d.Source, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// SaveProcessDefinition stores a new version of a process definition. The
// previous latest version is demoted in the same transaction.
func (s *Postgres) SaveProcessDefinition(ctx context.Context, d *models.ProcessDefinition) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return persistErr("save process definition", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// serialize concurrent saves of the same process
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2))", d.TenantID, d.ProcessID); err != nil {
		return persistErr("save process definition", fmt.Errorf("lock: %w", err))
	}

	var current int
	err = tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM process_definitions WHERE tenant_id = $1 AND process_id = $2",
		d.TenantID, d.ProcessID).Scan(&current)
	if err != nil {
		return persistErr("save process definition", fmt.Errorf("read version: %w", err))
	}
	if _, err := tx.Exec(ctx,
		"UPDATE process_definitions SET is_latest = false, updated_at = now() WHERE tenant_id = $1 AND process_id = $2 AND is_latest",
		d.TenantID, d.ProcessID); err != nil {
		return persistErr("save process definition", fmt.Errorf("demote latest: %w", err))
	}

	now := time.Now().UTC()
	d.ID = uuid.New().String()
	d.Version = current + 1
	d.IsLatest = true
	d.CreatedAt, d.UpdatedAt = now, now
	if _, err := tx.Exec(ctx,
		`INSERT INTO process_definitions (id, tenant_id, process_id, version, is_latest, name, description, format, source, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.TenantID, d.ProcessID, d.Version, d.IsLatest, d.Name, d.Description, d.Format, d.Source,
		d.CreatedBy, d.CreatedAt, d.UpdatedAt); err != nil {
		return persistErr("save process definition", err)
	}
	return persistErr("save process definition", tx.Commit(ctx))
}

func (s *Postgres) GetLatestProcessDefinition(ctx context.Context, tenantID, processID string) (*models.ProcessDefinition, error) {
	d, err := scanDefinition(s.db.QueryRow(ctx,
		"SELECT "+definitionColumns+" FROM process_definitions WHERE tenant_id = $1 AND process_id = $2 AND is_latest",
		tenantID, processID))
	return d, persistErr("get process definition", notFound(err))
}

func (s *Postgres) GetProcessDefinitionVersion(ctx context.Context, tenantID, processID string, version int) (*models.ProcessDefinition, error) {
	d, err := scanDefinition(s.db.QueryRow(ctx,
		"SELECT "+definitionColumns+" FROM process_definitions WHERE tenant_id = $1 AND process_id = $2 AND version = $3",
		tenantID, processID, version))
	return d, persistErr("get process definition", notFound(err))
}

// ListProcessDefinitions returns the latest version of every process.
func (s *Postgres) ListProcessDefinitions(ctx context.Context, tenantID string) ([]*models.ProcessDefinition, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+definitionColumns+" FROM process_definitions WHERE tenant_id = $1 AND is_latest ORDER BY name, process_id",
		tenantID)
	if err != nil {
		return nil, persistErr("list process definitions", err)
	}
	defer rows.Close()

	var defs []*models.ProcessDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, persistErr("list process definitions", err)
		}
		defs = append(defs, d)
	}
	return defs, persistErr("list process definitions", rows.Err())
}

// Workers

func (s *Postgres) ListWorkers(ctx context.Context, tenantID, processID string) ([]models.WorkerRef, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, system_prompt, model, purpose FROM workers
		 WHERE tenant_id = $1 AND (process_id = '' OR process_id = $2) ORDER BY name, id`,
		tenantID, processID)
	if err != nil {
		return nil, persistErr("list workers", err)
	}
	defer rows.Close()

	var workers []models.WorkerRef
	for rows.Next() {
		var w models.WorkerRef
		if err := rows.Scan(&w.ID, &w.Name, &w.Config.SystemPrompt, &w.Config.Model, &w.Config.Purpose); err != nil {
			return nil, persistErr("list workers", err)
		}
		workers = append(workers, w)
	}
	return workers, persistErr("list workers", rows.Err())
}

func (s *Postgres) UpsertWorker(ctx context.Context, tenantID, processID string, w models.WorkerRef) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO workers (id, tenant_id, process_id, name, system_prompt, model, purpose)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, process_id, id) DO UPDATE SET
		   name = EXCLUDED.name, system_prompt = EXCLUDED.system_prompt,
		   model = EXCLUDED.model, purpose = EXCLUDED.purpose`,
		w.ID, tenantID, processID, w.Name, w.Config.SystemPrompt, w.Config.Model, w.Config.Purpose)
	return persistErr("upsert worker", err)
}
