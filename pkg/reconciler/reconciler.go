// Package reconciler holds the authoritative read model of one session and
// merges snapshot loads and pushed events into it.
package reconciler

import (
	"sync"

	"github.com/grovetools/pipewatch/pkg/models"
	"github.com/grovetools/pipewatch/pkg/snapshot"
)

// Reconciler is the in-memory read model for a single project.
// It is thread-safe and supports pub/sub for change notifications.
//
// There is no terminal condition: once a project reaches a terminal status
// the model stays queryable and later events are still applied.
type Reconciler struct {
	mu        sync.RWMutex
	projectID string
	hydrated  bool

	project  models.Project
	status   models.Status
	logs     []models.LogEntry // oldest first; reversed on read
	files    map[string]models.FileRecord
	order    []string
	versions []models.Version

	stale    bool
	selected string
	edits    map[string]localEdit

	subscribers map[chan Change]struct{}
}

// New creates an empty model for projectID.
func New(projectID string) *Reconciler {
	return &Reconciler{
		projectID:   projectID,
		files:       make(map[string]models.FileRecord),
		edits:       make(map[string]localEdit),
		subscribers: make(map[chan Change]struct{}),
	}
}

// ProjectID returns the project this model tracks.
func (r *Reconciler) ProjectID() string { return r.projectID }

// Hydrate replaces status, files, logs and versions with a fresh snapshot
// and clears the stale flag. Applying the same snapshot twice leaves the
// model unchanged.
func (r *Reconciler) Hydrate(s snapshot.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hydrateLocked(s)
	r.replaceFilesLocked(s.Files)
	r.broadcast(ChangeHydrated)
}

// HydrateKeepFiles is Hydrate without the file inventory: files and the
// stale flag stay as they are. It applies a snapshot whose file list is
// older than what the model already holds or has asked for.
func (r *Reconciler) HydrateKeepFiles(s snapshot.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hydrateLocked(s)
	r.broadcast(ChangeHydrated)
}

func (r *Reconciler) hydrateLocked(s snapshot.Snapshot) {
	r.hydrated = true
	r.project = s.Project
	r.status = s.Project.Status

	// Server order is newest first.
	r.logs = make([]models.LogEntry, 0, len(s.Logs))
	for i := len(s.Logs) - 1; i >= 0; i-- {
		r.logs = append(r.logs, cloneLog(s.Logs[i]))
	}
	r.versions = append([]models.Version(nil), s.Versions...)
}

// ReplaceFiles replaces only the file inventory and clears the stale flag.
func (r *Reconciler) ReplaceFiles(files []models.FileRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.replaceFilesLocked(files)
	r.broadcast(ChangeFiles)
}

func (r *Reconciler) replaceFilesLocked(files []models.FileRecord) {
	r.files = make(map[string]models.FileRecord, len(files))
	r.order = r.order[:0]
	for _, f := range files {
		if _, dup := r.files[f.ID]; !dup {
			r.order = append(r.order, f.ID)
		}
		r.files[f.ID] = f
	}
	r.stale = false

	// An edit survives only while the server still holds the content it
	// was made against.
	for id, e := range r.edits {
		f, ok := r.files[id]
		if !ok || f.Content != e.base || f.Content == e.content {
			delete(r.edits, id)
		}
	}
	if _, ok := r.files[r.selected]; !ok {
		r.selected = ""
	}
}

// ApplyStatusEvent replaces the status. The last event to arrive wins; the
// current step is carried forward when the event leaves it empty.
func (r *Reconciler) ApplyStatusEvent(e models.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	step := r.status.CurrentStep
	if e.CurrentStep != nil && *e.CurrentStep != "" {
		step = *e.CurrentStep
	}
	r.status = models.Status{
		State:       e.State,
		Progress:    e.Progress,
		Message:     e.Message,
		CurrentStep: step,
	}
	r.project.Status = r.status

	r.broadcast(ChangeStatus)
}

// ApplyLogEvent admits a log entry as the newest one. Duplicates are kept.
func (r *Reconciler) ApplyLogEvent(e models.LogEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logs = append(r.logs, cloneLog(e.Entry(r.projectID)))
	r.broadcast(ChangeLog)
}

// ApplyFileCreatedEvent marks the file inventory stale. Files themselves are
// only ever replaced from a fresh snapshot.
func (r *Reconciler) ApplyFileCreatedEvent(models.FileCreatedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stale = true
	r.broadcast(ChangeFilesStale)
}

// Apply routes a decoded event to the matching Apply method. Events for
// other projects are ignored and reported as not applied.
func (r *Reconciler) Apply(e models.Event) bool {
	if e.ProjectID != r.projectID {
		return false
	}
	switch {
	case e.Status != nil:
		r.ApplyStatusEvent(*e.Status)
	case e.Log != nil:
		r.ApplyLogEvent(*e.Log)
	case e.FileCreated != nil:
		r.ApplyFileCreatedEvent(*e.FileCreated)
	default:
		return false
	}
	return true
}

// SelectFile sets the selected file. Selecting an unknown id clears the
// selection.
func (r *Reconciler) SelectFile(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.files[id]; ok {
		r.selected = id
	} else {
		r.selected = ""
	}
	r.broadcast(ChangeSelection)
}

// EditFileContentLocally records unsaved content for a file. Editing back to
// the server content discards the edit. Unknown ids are ignored.
func (r *Reconciler) EditFileContentLocally(id, content string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[id]
	if !ok {
		return false
	}
	if content == f.Content {
		delete(r.edits, id)
	} else {
		base := f.Content
		if prev, ok := r.edits[id]; ok {
			base = prev.base
		}
		r.edits[id] = localEdit{content: content, base: base}
	}
	r.broadcast(ChangeEdit)
	return true
}

// LocalEdit returns the unsaved content for a file.
func (r *Reconciler) LocalEdit(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.edits[id]
	return e.content, ok
}

// FilesStale reports whether a file_created event arrived since the last
// file load.
func (r *Reconciler) FilesStale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stale
}

// Status returns the current status.
func (r *Reconciler) Status() models.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Snapshot returns a deep copy of the model.
func (r *Reconciler) Snapshot() Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := Model{
		ProjectID:      r.projectID,
		Hydrated:       r.hydrated,
		Project:        r.project,
		Status:         r.status,
		Logs:           make([]models.LogEntry, 0, len(r.logs)),
		Files:          make([]models.FileRecord, 0, len(r.order)),
		Versions:       make([]models.Version, 0, len(r.versions)),
		FilesStale:     r.stale,
		SelectedFileID: r.selected,
		Edits:          make(map[string]string, len(r.edits)),
	}
	for i := len(r.logs) - 1; i >= 0; i-- {
		m.Logs = append(m.Logs, cloneLog(r.logs[i]))
	}
	for _, id := range r.order {
		m.Files = append(m.Files, r.files[id])
	}
	for _, v := range r.versions {
		v.Changes = cloneMap(v.Changes)
		m.Versions = append(m.Versions, v)
	}
	for id, e := range r.edits {
		m.Edits[id] = e.content
	}
	return m
}

// Subscribe creates a new subscription channel for change notifications.
func (r *Reconciler) Subscribe() chan Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Change, 100) // Buffered
	r.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (r *Reconciler) Unsubscribe(ch chan Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[ch]; !ok {
		return
	}
	delete(r.subscribers, ch)
	close(ch)
}

// Discard closes every subscription. The model must not be used afterwards.
func (r *Reconciler) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subscribers {
		delete(r.subscribers, ch)
		close(ch)
	}
}

// broadcast notifies subscribers. Callers hold r.mu.
func (r *Reconciler) broadcast(t ChangeType) {
	c := Change{Type: t, ProjectID: r.projectID}
	for ch := range r.subscribers {
		select {
		case ch <- c:
		default:
			// Non-blocking send to prevent slow readers from stalling the session
		}
	}
}

func cloneLog(e models.LogEntry) models.LogEntry {
	e.Details = cloneMap(e.Details)
	return e
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]interface{}:
			out[k] = cloneMap(vv)
		case []interface{}:
			out[k] = append([]interface{}(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}
