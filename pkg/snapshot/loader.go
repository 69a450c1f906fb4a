// Package snapshot loads point-in-time views of a project from the backend
// REST API and forwards user-triggered mutations to it.
package snapshot

import (
	"context"

	"github.com/grovetools/pipewatch/pkg/models"
)

// Loader is the request/response side of the backend. Implementations never
// retry; callers decide what to do with a transient failure.
type Loader interface {
	FetchProject(ctx context.Context, projectID string) (*models.Project, error)
	// FetchFiles returns the full file inventory in server order.
	FetchFiles(ctx context.Context, projectID string) ([]models.FileRecord, error)
	// FetchLogs returns the most recent log entries, newest first.
	FetchLogs(ctx context.Context, projectID string) ([]models.LogEntry, error)
	// FetchVersions returns the version history, newest first.
	FetchVersions(ctx context.Context, projectID string) ([]models.Version, error)

	TriggerTest(ctx context.Context, projectID string) error
	TriggerRegenerate(ctx context.Context, projectID string) error

	// SaveFile persists new content for a file and returns the stored record.
	SaveFile(ctx context.Context, fileID, content string) (*models.FileRecord, error)
}

// Snapshot is a full hydration result.
type Snapshot struct {
	Project  models.Project
	Files    []models.FileRecord
	Logs     []models.LogEntry
	Versions []models.Version
}
