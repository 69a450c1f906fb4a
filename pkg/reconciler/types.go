package reconciler

import "github.com/grovetools/pipewatch/pkg/models"

// ChangeType identifies what part of the model changed.
type ChangeType string

const (
	ChangeHydrated   ChangeType = "hydrated"
	ChangeStatus     ChangeType = "status"
	ChangeLog        ChangeType = "log"
	ChangeFiles      ChangeType = "files"
	ChangeFilesStale ChangeType = "files_stale"
	ChangeSelection  ChangeType = "selection"
	ChangeEdit       ChangeType = "edit"
)

// Change is broadcast to subscribers after every mutation.
type Change struct {
	Type      ChangeType
	ProjectID string
}

// Model is a point-in-time copy of the read model. It shares nothing with
// the Reconciler and can be read freely.
type Model struct {
	ProjectID string
	Hydrated  bool

	Project models.Project
	Status  models.Status
	// Logs are ordered newest first.
	Logs []models.LogEntry
	// Files are in server listing order.
	Files    []models.FileRecord
	Versions []models.Version

	FilesStale     bool
	SelectedFileID string
	// Edits holds unsaved local content keyed by file id.
	Edits map[string]string
}

// File looks up a file by id.
func (m Model) File(id string) (models.FileRecord, bool) {
	for _, f := range m.Files {
		if f.ID == id {
			return f, true
		}
	}
	return models.FileRecord{}, false
}

// Content returns what an editor should show for a file: the local edit if
// there is one, the server content otherwise.
func (m Model) Content(id string) (string, bool) {
	if c, ok := m.Edits[id]; ok {
		return c, true
	}
	f, ok := m.File(id)
	return f.Content, ok
}

// Dirty reports whether a file has unsaved local content.
func (m Model) Dirty(id string) bool {
	_, ok := m.Edits[id]
	return ok
}

type localEdit struct {
	content string
	// base is the server content the edit was made against.
	base string
}
