package services

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agentflow/backend/internal/process"
	"agentflow/backend/internal/repository"
	"agentflow/backend/pkg/models"
)

// ProcessService stores versioned process definitions.
type ProcessService struct {
	store repository.ProcessStore
}

// NewProcessService creates a new ProcessService.
func NewProcessService(store repository.ProcessStore) *ProcessService {
	return &ProcessService{store: store}
}

// Save validates source and stores it as the next version of its process.
// A document without an id becomes a new process.
func (s *ProcessService) Save(ctx context.Context, tenantID, createdBy string, source []byte) (*models.ProcessDefinition, error) {
	raw, err := process.Parse(source)
	if err != nil {
		return nil, err
	}
	if _, err := process.Normalize(raw); err != nil {
		return nil, err
	}

	processID := strings.TrimSpace(raw.ID)
	if processID == "" {
		processID = uuid.New().String()
	}
	def := &models.ProcessDefinition{
		TenantID:  tenantID,
		ProcessID: processID,
		Name:      raw.Name,
		Format:    formatOf(source),
		Source:    string(source),
		CreatedBy: createdBy,
	}
	if def.Name == "" {
		def.Name = processID
	}
	if err := s.store.SaveProcessDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("save process definition: %w", err)
	}
	return def, nil
}

// List returns the latest version of every process of the tenant.
func (s *ProcessService) List(ctx context.Context, tenantID string) ([]*models.ProcessDefinition, error) {
	return s.store.ListProcessDefinitions(ctx, tenantID)
}

// Get returns one version of a process. Version 0 means latest.
func (s *ProcessService) Get(ctx context.Context, tenantID, processID string, version int) (*models.ProcessDefinition, error) {
	if version > 0 {
		return s.store.GetProcessDefinitionVersion(ctx, tenantID, processID, version)
	}
	return s.store.GetLatestProcessDefinition(ctx, tenantID, processID)
}

// Load returns the executable graph of one version of a process.
func (s *ProcessService) Load(ctx context.Context, tenantID, processID string, version int) (*process.Graph, *models.ProcessDefinition, error) {
	def, err := s.Get(ctx, tenantID, processID, version)
	if err != nil {
		return nil, nil, err
	}
	raw, err := process.Parse([]byte(def.Source))
	if err != nil {
		return nil, nil, err
	}
	g, err := process.Normalize(raw)
	if err != nil {
		return nil, nil, err
	}
	return g, def, nil
}

// Rehydrate rebuilds the graph a paused run was started from.
func (s *ProcessService) Rehydrate(ctx context.Context, run *models.FlowRun, snap *models.StateSnapshot) (*process.Graph, error) {
	g, _, err := s.Load(ctx, run.TenantID, run.ProcessID, snap.Version)
	return g, err
}

func formatOf(source []byte) string {
	trimmed := bytes.TrimSpace(source)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return "json"
	}
	return "yaml"
}
