package repository

import (
	"context"
	"encoding/json"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentflow/backend/pkg/models"
)

// Memory is an in-process Repository used for development and tests.
type Memory struct {
	mu          sync.RWMutex
	tenants     map[string]*models.Tenant
	runs        map[string]*models.FlowRun
	steps       map[string][]*models.FlowStep
	approvals   map[string]*models.ApprovalRequest
	snapshots   map[string][]byte
	definitions map[string][]*models.ProcessDefinition
	workers     map[string][]models.WorkerRef
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		tenants:     make(map[string]*models.Tenant),
		runs:        make(map[string]*models.FlowRun),
		steps:       make(map[string][]*models.FlowStep),
		approvals:   make(map[string]*models.ApprovalRequest),
		snapshots:   make(map[string][]byte),
		definitions: make(map[string][]*models.ProcessDefinition),
		workers:     make(map[string][]models.WorkerRef),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) GetTenantByDomain(_ context.Context, domain string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tenants {
		if t.Domain == domain {
			c := *t
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateTenant(_ context.Context, t *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	c := *t
	m.tenants[t.ID] = &c
	return nil
}

func copyRun(r *models.FlowRun) *models.FlowRun {
	c := *r
	c.Input = maps.Clone(r.Input)
	c.Output = maps.Clone(r.Output)
	return &c
}

func copyStep(s *models.FlowStep) *models.FlowStep {
	c := *s
	c.Input = maps.Clone(s.Input)
	c.Output = maps.Clone(s.Output)
	return &c
}

func (m *Memory) CreateRun(_ context.Context, r *models.FlowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = copyRun(r)
	return nil
}

func (m *Memory) UpdateRun(_ context.Context, r *models.FlowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return ErrNotFound
	}
	m.runs[r.ID] = copyRun(r)
	return nil
}

func (m *Memory) GetRun(_ context.Context, tenantID, id string) (*models.FlowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return copyRun(r), nil
}

func (m *Memory) GetRunByID(_ context.Context, id string) (*models.FlowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(r), nil
}

func (m *Memory) ListRuns(_ context.Context, tenantID string, status models.RunStatus) ([]*models.FlowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.FlowRun
	for _, r := range m.runs {
		if r.TenantID == tenantID && (status == "" || r.Status == status) {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) ListRunsByStatus(_ context.Context, status models.RunStatus) ([]*models.FlowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.FlowRun
	for _, r := range m.runs {
		if r.Status == status {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) DeleteRun(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.runs, id)
	delete(m.steps, id)
	delete(m.snapshots, id)
	for aid, a := range m.approvals {
		if a.RunID == id {
			delete(m.approvals, aid)
		}
	}
	return nil
}

func (m *Memory) SaveStep(_ context.Context, s *models.FlowStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[s.RunID]; !ok {
		return &PersistenceError{Op: "save step", Err: ErrNotFound}
	}
	steps := m.steps[s.RunID]
	for i, existing := range steps {
		if existing.ID == s.ID {
			steps[i] = copyStep(s)
			return nil
		}
	}
	m.steps[s.RunID] = append(steps, copyStep(s))
	return nil
}

func (m *Memory) ListSteps(_ context.Context, runID string) ([]*models.FlowStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.FlowStep, 0, len(m.steps[runID]))
	for _, s := range m.steps[runID] {
		out = append(out, copyStep(s))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) CreateApproval(_ context.Context, a *models.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *a
	m.approvals[a.ID] = &c
	return nil
}

func (m *Memory) UpdateApproval(_ context.Context, a *models.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[a.ID]; !ok {
		return ErrNotFound
	}
	c := *a
	m.approvals[a.ID] = &c
	return nil
}

func (m *Memory) GetApproval(_ context.Context, tenantID, id string) (*models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok || a.TenantID != tenantID {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *Memory) ListApprovals(_ context.Context, tenantID string, resolution models.ApprovalResolution) ([]*models.ApprovalRequest, error) {
	return m.filterApprovals(func(a *models.ApprovalRequest) bool {
		return a.TenantID == tenantID && (resolution == "" || a.Resolution == resolution)
	}), nil
}

func (m *Memory) ListPendingApprovalsBefore(_ context.Context, cutoff time.Time) ([]*models.ApprovalRequest, error) {
	return m.filterApprovals(func(a *models.ApprovalRequest) bool {
		return a.Resolution == models.ApprovalPending && a.RequestedAt.Before(cutoff)
	}), nil
}

func (m *Memory) filterApprovals(keep func(*models.ApprovalRequest) bool) []*models.ApprovalRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ApprovalRequest
	for _, a := range m.approvals {
		if keep(a) {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// SaveSnapshot stores the snapshot serialized so later reads never alias the
// caller's maps.
func (m *Memory) SaveSnapshot(_ context.Context, s *models.StateSnapshot) error {
	s.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(s)
	if err != nil {
		return &PersistenceError{Op: "save snapshot", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.RunID] = data
	return nil
}

func (m *Memory) GetSnapshot(_ context.Context, runID string) (*models.StateSnapshot, error) {
	m.mu.RLock()
	data, ok := m.snapshots[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var s models.StateSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &PersistenceError{Op: "get snapshot", Err: err}
	}
	return &s, nil
}

func definitionKey(tenantID, processID string) string { return tenantID + "/" + processID }

func (m *Memory) SaveProcessDefinition(_ context.Context, d *models.ProcessDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := definitionKey(d.TenantID, d.ProcessID)
	versions := m.definitions[key]
	for _, v := range versions {
		v.IsLatest = false
	}
	now := time.Now().UTC()
	d.ID = uuid.New().String()
	d.Version = len(versions) + 1
	d.IsLatest = true
	d.CreatedAt, d.UpdatedAt = now, now
	c := *d
	m.definitions[key] = append(versions, &c)
	return nil
}

func (m *Memory) GetLatestProcessDefinition(_ context.Context, tenantID, processID string) (*models.ProcessDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.definitions[definitionKey(tenantID, processID)]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	c := *versions[len(versions)-1]
	return &c, nil
}

func (m *Memory) GetProcessDefinitionVersion(_ context.Context, tenantID, processID string, version int) (*models.ProcessDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.definitions[definitionKey(tenantID, processID)] {
		if v.Version == version {
			c := *v
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListProcessDefinitions(_ context.Context, tenantID string) ([]*models.ProcessDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ProcessDefinition
	for _, versions := range m.definitions {
		latest := versions[len(versions)-1]
		if latest.TenantID == tenantID {
			c := *latest
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ProcessID < out[j].ProcessID
	})
	return out, nil
}

func (m *Memory) ListWorkers(_ context.Context, tenantID, processID string) ([]models.WorkerRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.WorkerRef
	out = append(out, m.workers[definitionKey(tenantID, "")]...)
	if processID != "" {
		out = append(out, m.workers[definitionKey(tenantID, processID)]...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpsertWorker(_ context.Context, tenantID, processID string, w models.WorkerRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := definitionKey(tenantID, processID)
	for i, existing := range m.workers[key] {
		if existing.ID == w.ID {
			m.workers[key][i] = w
			return nil
		}
	}
	m.workers[key] = append(m.workers[key], w)
	return nil
}
