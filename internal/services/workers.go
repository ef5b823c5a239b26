package services

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"agentflow/backend/internal/repository"
	"agentflow/backend/pkg/models"
)

// WorkerRegistry lists the workers available to a process.
type WorkerRegistry interface {
	ListWorkers(ctx context.Context, tenantID, processID string) ([]models.WorkerRef, error)
}

// StoreRegistry reads workers from the repository.
type StoreRegistry struct {
	store repository.WorkerStore
}

// NewStoreRegistry creates a registry backed by store.
func NewStoreRegistry(store repository.WorkerStore) *StoreRegistry {
	return &StoreRegistry{store: store}
}

func (r *StoreRegistry) ListWorkers(ctx context.Context, tenantID, processID string) ([]models.WorkerRef, error) {
	return r.store.ListWorkers(ctx, tenantID, processID)
}

// WorkerFile is the document read by FileRegistry.
type WorkerFile struct {
	Workers []FileWorker `yaml:"workers"`
}

// FileWorker is one worker entry. Workers without processes serve every
// process.
type FileWorker struct {
	models.WorkerRef `yaml:",inline"`
	Processes        []string `yaml:"processes"`
}

// FileRegistry serves workers from a YAML file shared by every tenant.
type FileRegistry struct {
	path string

	mu      sync.RWMutex
	workers []FileWorker
}

// NewFileRegistry loads the registry at path.
func NewFileRegistry(path string) (*FileRegistry, error) {
	r := &FileRegistry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseWorkerFile decodes a worker registry document.
func ParseWorkerFile(data []byte) (*WorkerFile, error) {
	var f WorkerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse worker file: %w", err)
	}
	for i, w := range f.Workers {
		if w.ID == "" {
			return nil, fmt.Errorf("worker %d has no id", i)
		}
		if w.Name == "" {
			f.Workers[i].Name = w.ID
		}
	}
	return &f, nil
}

// Reload re-reads the file.
func (r *FileRegistry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read worker file %s: %w", r.path, err)
	}
	f, err := ParseWorkerFile(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.workers = f.Workers
	r.mu.Unlock()
	return nil
}

func (r *FileRegistry) ListWorkers(_ context.Context, _ string, processID string) ([]models.WorkerRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.WorkerRef
	for _, w := range r.workers {
		if len(w.Processes) == 0 || contains(w.Processes, processID) {
			out = append(out, w.WorkerRef)
		}
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
