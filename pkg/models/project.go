package models

import "time"

// PipelineState is the coarse state of a project's generation pipeline.
type PipelineState string

const (
	StateCreating  PipelineState = "creating"
	StateTesting   PipelineState = "testing"
	StateDeploying PipelineState = "deploying"
	StateReady     PipelineState = "ready"
	StateDeployed  PipelineState = "deployed"
	StateFailed    PipelineState = "failed"
)

// IsTerminal reports whether no further progress is expected in this state.
// A terminal project can still leave the state again (for example when a
// test run is triggered), so this is a hint for polling, not a lifecycle end.
func (s PipelineState) IsTerminal() bool {
	switch s {
	case StateReady, StateDeployed, StateFailed:
		return true
	}
	return false
}

// InProgress reports whether Progress carries meaning for this state.
func (s PipelineState) InProgress() bool {
	switch s {
	case StateCreating, StateTesting, StateDeploying:
		return true
	}
	return false
}

// Status is the current pipeline status of a project.
// Completion must be read from State, never from Progress alone.
type Status struct {
	State       PipelineState `json:"status"`
	Progress    int           `json:"progress"`
	Message     string        `json:"message"`
	CurrentStep string        `json:"current_step,omitempty"`
}

// Project is the project record returned by the backend.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Prompt      string    `json:"prompt"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	FilesCount  int       `json:"files_count"`
	GithubURL   string    `json:"github_url,omitempty"`
}

// Version is one entry of a project's version history.
type Version struct {
	ID        string                 `json:"id"`
	ProjectID string                 `json:"project_id"`
	Message   string                 `json:"message"`
	Changes   map[string]interface{} `json:"changes,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	CreatedBy string                 `json:"created_by"`
}
