package models

import (
	"time"
)

// ProcessDefinition stores a raw process definition document. Each save of an
// existing ProcessID creates a new version; runs always start from the latest.
type ProcessDefinition struct {
	ID          string    `json:"id"`         // Unique Version ID
	TenantID    string    `json:"tenant_id"`  // Multi-tenancy isolation
	ProcessID   string    `json:"process_id"` // Stable Concept ID
	Version     int       `json:"version"`
	IsLatest    bool      `json:"is_latest"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Format      string    `json:"format"` // yaml or json
	Source      string    `json:"source"` // raw document
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WorkerRef identifies the agent that executes a task. Worker configurations
// are owned by an external registry.
type WorkerRef struct {
	ID     string       `json:"id" yaml:"id"`
	Name   string       `json:"name" yaml:"name"`
	Config WorkerConfig `json:"config" yaml:"config"`
}

// WorkerConfig holds the invocation settings for a worker
type WorkerConfig struct {
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	Model        string `json:"model" yaml:"model"`
	Purpose      string `json:"purpose" yaml:"purpose"`
}
