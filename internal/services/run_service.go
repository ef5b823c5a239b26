package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentflow/backend/internal/engine"
	"agentflow/backend/internal/logging"
	"agentflow/backend/internal/process"
	"agentflow/backend/internal/repository"
	"agentflow/backend/pkg/models"
)

// ErrUnknownWorker is returned when a worker override names no registered
// worker.
var ErrUnknownWorker = errors.New("unknown worker")

// deleteWait bounds how long Delete waits for a cancelled run to exit.
const deleteWait = 5 * time.Second

// WorkerMapper assigns workers to the tasks of a graph.
type WorkerMapper interface {
	MapTasksToWorkers(g *process.Graph, workers []models.WorkerRef) map[string]models.WorkerRef
}

// StartRunInput describes a run to start.
type StartRunInput struct {
	ProcessID      string                 `json:"processId"`
	Input          map[string]interface{} `json:"input"`
	WorkerOverride string                 `json:"workerOverride,omitempty"`
}

// RunService starts and manages flow runs.
type RunService struct {
	store     repository.RunStore
	engine    *engine.Engine
	processes *ProcessService
	workers   WorkerRegistry
	mapper    WorkerMapper
	logger    *logging.Logger
}

// NewRunService creates a new RunService.
func NewRunService(store repository.RunStore, eng *engine.Engine, processes *ProcessService, workers WorkerRegistry, mapper WorkerMapper, logger *logging.Logger) *RunService {
	if logger == nil {
		logger = logging.Nop()
	}
	return &RunService{
		store:     store,
		engine:    eng,
		processes: processes,
		workers:   workers,
		mapper:    mapper,
		logger:    logger,
	}
}

// Start loads the latest definition of in.ProcessID and starts a run of it.
func (s *RunService) Start(ctx context.Context, tenantID string, in StartRunInput) (*models.FlowRun, error) {
	if in.ProcessID == "" {
		return nil, &process.DefinitionError{Reason: "processId is required"}
	}
	g, def, err := s.processes.Load(ctx, tenantID, in.ProcessID, 0)
	if err != nil {
		return nil, err
	}
	workers, err := s.workers.ListWorkers(ctx, tenantID, in.ProcessID)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}

	var assigned map[string]models.WorkerRef
	if in.WorkerOverride != "" {
		assigned, err = overrideWorkers(g, workers, in.WorkerOverride)
		if err != nil {
			return nil, err
		}
	} else {
		assigned = s.mapper.MapTasksToWorkers(g, workers)
	}

	return s.engine.Start(ctx, engine.StartRequest{
		TenantID:  tenantID,
		ProcessID: def.ProcessID,
		Version:   def.Version,
		Graph:     g,
		Workers:   assigned,
		Input:     in.Input,
	})
}

func overrideWorkers(g *process.Graph, workers []models.WorkerRef, id string) (map[string]models.WorkerRef, error) {
	for _, w := range workers {
		if w.ID != id {
			continue
		}
		assigned := make(map[string]models.WorkerRef)
		for _, t := range g.Tasks() {
			assigned[t.ID] = w
		}
		return assigned, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
}

// List returns the runs of a tenant, optionally filtered by status.
func (s *RunService) List(ctx context.Context, tenantID string, status models.RunStatus) ([]*models.FlowRun, error) {
	return s.store.ListRuns(ctx, tenantID, status)
}

// Get returns a run with its ordered steps.
func (s *RunService) Get(ctx context.Context, tenantID, id string) (*models.RunDetail, error) {
	run, err := s.store.GetRun(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	if steps == nil {
		steps = []*models.FlowStep{}
	}
	return &models.RunDetail{FlowRun: run, Steps: steps}, nil
}

// Resume resolves the checkpoint a paused run waits on.
func (s *RunService) Resume(ctx context.Context, tenantID, id string, d engine.Decision) (*models.FlowRun, error) {
	if _, err := s.store.GetRun(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.engine.Resume(ctx, id, d)
}

// Cancel stops a non-terminal run.
func (s *RunService) Cancel(ctx context.Context, tenantID, id string) (*models.FlowRun, error) {
	if _, err := s.store.GetRun(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.engine.Cancel(ctx, id)
}

// Delete removes a run and its history. Active runs are cancelled first.
func (s *RunService) Delete(ctx context.Context, tenantID, id string) error {
	run, err := s.store.GetRun(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !run.IsTerminal() {
		if _, err := s.engine.Cancel(ctx, id); err != nil && !errors.Is(err, engine.ErrRunFinished) {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, deleteWait)
		if err := s.engine.Wait(waitCtx, id); err != nil {
			s.logger.Warn("deleting run before its instance exited", "run_id", id, "error", err)
		}
		cancel()
	}
	return s.store.DeleteRun(ctx, tenantID, id)
}
