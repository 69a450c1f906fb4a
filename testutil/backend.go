package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/pipewatch/pkg/models"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Backend is an in-process fake of the pipeline backend: REST endpoints under
// /api and a websocket endpoint at /ws. Responses, failures and pushed events
// are controlled by the test.
type Backend struct {
	t      testing.TB
	server *httptest.Server

	mu       sync.Mutex
	projects map[string]models.Project
	files    map[string][]models.FileRecord
	logs     map[string][]models.LogEntry
	versions map[string][]models.Version
	failures map[string][]int
	holds    map[string]chan struct{}
	calls    map[string]int
	queries  map[string]string
	auth     map[string]string
	saved    map[string]string
	onAction map[string]func(projectID string)

	upgrader  websocket.Upgrader
	conns     map[*wsConn]struct{}
	clientIDs []string
	received  chan models.Frame
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	joined  map[string]int
}

// NewBackend starts a fake backend that is shut down with the test.
func NewBackend(t testing.TB) *Backend {
	t.Helper()

	b := &Backend{
		t:        t,
		projects: make(map[string]models.Project),
		files:    make(map[string][]models.FileRecord),
		logs:     make(map[string][]models.LogEntry),
		versions: make(map[string][]models.Version),
		failures: make(map[string][]int),
		holds:    make(map[string]chan struct{}),
		calls:    make(map[string]int),
		queries:  make(map[string]string),
		auth:     make(map[string]string),
		saved:    make(map[string]string),
		onAction: make(map[string]func(string)),
		conns:    make(map[*wsConn]struct{}),
		received: make(chan models.Frame, 256),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects/{id}", b.handleProject)
	mux.HandleFunc("GET /api/projects/{id}/files", b.handleFiles)
	mux.HandleFunc("GET /api/projects/{id}/logs", b.handleLogs)
	mux.HandleFunc("GET /api/projects/{id}/versions", b.handleVersions)
	mux.HandleFunc("POST /api/projects/{id}/test", b.handleAction("test"))
	mux.HandleFunc("POST /api/projects/{id}/regenerate", b.handleAction("regenerate"))
	mux.HandleFunc("PUT /api/files/{id}", b.handleSaveFile)
	mux.HandleFunc("/ws", b.handleWS)

	b.server = httptest.NewServer(h2c.NewHandler(mux, &http2.Server{}))
	t.Cleanup(b.Close)
	return b
}

// URL returns the backend origin.
func (b *Backend) URL() string { return b.server.URL }

// Close releases held requests, drops every websocket connection and stops
// the server.
func (b *Backend) Close() {
	b.mu.Lock()
	for path, ch := range b.holds {
		close(ch)
		delete(b.holds, path)
	}
	b.mu.Unlock()
	b.DropConnections()
	b.server.Close()
}

// SetProject registers or replaces a project.
func (b *Backend) SetProject(p models.Project) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.projects[p.ID] = p
}

// SetStatus replaces the status of a registered project.
func (b *Backend) SetStatus(projectID string, s models.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.projects[projectID]
	p.ID = projectID
	p.Status = s
	b.projects[projectID] = p
}

// SetFiles replaces the file inventory of a project.
func (b *Backend) SetFiles(projectID string, files []models.FileRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[projectID] = append([]models.FileRecord(nil), files...)
}

// SetLogs replaces the log history of a project. Entries are served in the
// given order, which should be newest first.
func (b *Backend) SetLogs(projectID string, logs []models.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs[projectID] = append([]models.LogEntry(nil), logs...)
}

// SetVersions replaces the version history of a project.
func (b *Backend) SetVersions(projectID string, versions []models.Version) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.versions[projectID] = append([]models.Version(nil), versions...)
}

// FailNext makes the next len(statuses) requests to path answer with the
// given status codes, in order. Path is the request path without query,
// e.g. "/api/projects/p1/files".
func (b *Backend) FailNext(path string, statuses ...int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[path] = append(b.failures[path], statuses...)
}

// Hold blocks requests to path until the returned release func is called,
// the request is cancelled, or the backend is closed.
func (b *Backend) Hold(path string) (release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.holds[path]; ok {
		close(prev)
	}
	ch := make(chan struct{})
	b.holds[path] = ch
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.holds[path] == ch {
			delete(b.holds, path)
			close(ch)
		}
	}
}

// OnAction registers a hook run when a test or regenerate trigger is accepted.
func (b *Backend) OnAction(action string, fn func(projectID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onAction[action] = fn
}

// Calls returns the number of requests received for path.
func (b *Backend) Calls(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[path]
}

// LastQuery returns the raw query of the last request to path.
func (b *Backend) LastQuery(path string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queries[path]
}

// LastAuthorization returns the Authorization header of the last request to path.
func (b *Backend) LastAuthorization(path string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.auth[path]
}

// SavedContent returns the last content written for a file id.
func (b *Backend) SavedContent(fileID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.saved[fileID]
	return c, ok
}

// ClientIDs returns the X-Client-ID headers of every websocket handshake.
func (b *Backend) ClientIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.clientIDs...)
}

// Received returns the frames sent by clients, in arrival order.
func (b *Backend) Received() <-chan models.Frame { return b.received }

// Connections returns the number of open websocket connections.
func (b *Backend) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Joined reports whether any connection is subscribed to projectID.
func (b *Backend) Joined(projectID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		if c.joined[projectID] > 0 {
			return true
		}
	}
	return false
}

// WaitJoined polls until projectID is joined (or not, when want is false).
func (b *Backend) WaitJoined(projectID string, want bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.Joined(projectID) == want {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return b.Joined(projectID) == want
}

// Push sends an event to every connection joined to projectID.
func (b *Backend) Push(projectID string, kind models.EventKind, data interface{}) {
	b.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		b.t.Fatalf("failed to encode event data: %v", err)
	}
	frame, err := json.Marshal(models.Frame{Event: string(kind), ProjectID: projectID, Data: raw})
	if err != nil {
		b.t.Fatalf("failed to encode frame: %v", err)
	}
	b.broadcast(projectID, frame)
}

// PushRaw sends an arbitrary text message to every connection joined to projectID.
func (b *Backend) PushRaw(projectID string, msg []byte) {
	b.broadcast(projectID, msg)
}

func (b *Backend) broadcast(projectID string, msg []byte) {
	b.mu.Lock()
	var targets []*wsConn
	for c := range b.conns {
		if c.joined[projectID] > 0 {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()

	for _, c := range targets {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.TextMessage, msg)
		c.writeMu.Unlock()
	}
}

// DropConnections closes every websocket connection without a close frame,
// simulating a transport failure.
func (b *Backend) DropConnections() {
	b.mu.Lock()
	conns := make([]*wsConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
}

// intercept records the call and applies configured failures and holds.
// It returns false when the response has already been written.
func (b *Backend) intercept(w http.ResponseWriter, r *http.Request) bool {
	path := r.URL.Path

	b.mu.Lock()
	b.calls[path]++
	b.queries[path] = r.URL.RawQuery
	b.auth[path] = r.Header.Get("Authorization")
	hold := b.holds[path]
	var status int
	if queued := b.failures[path]; len(queued) > 0 {
		status = queued[0]
		b.failures[path] = queued[1:]
	}
	b.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return false
		}
	}

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return false
	}
	return true
}

func (b *Backend) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		b.t.Logf("fake backend: failed to encode response: %v", err)
	}
}

func (b *Backend) handleProject(w http.ResponseWriter, r *http.Request) {
	if !b.intercept(w, r) {
		return
	}
	b.mu.Lock()
	p, ok := b.projects[r.PathValue("id")]
	b.mu.Unlock()
	if !ok {
		http.Error(w, `{"detail":"project not found"}`, http.StatusNotFound)
		return
	}
	b.writeJSON(w, p)
}

func (b *Backend) handleFiles(w http.ResponseWriter, r *http.Request) {
	if !b.intercept(w, r) {
		return
	}
	b.mu.Lock()
	files := append([]models.FileRecord{}, b.files[r.PathValue("id")]...)
	b.mu.Unlock()
	b.writeJSON(w, files)
}

func (b *Backend) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !b.intercept(w, r) {
		return
	}
	b.mu.Lock()
	logs := append([]models.LogEntry{}, b.logs[r.PathValue("id")]...)
	b.mu.Unlock()
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit >= 0 && limit < len(logs) {
		logs = logs[:limit]
	}
	b.writeJSON(w, logs)
}

func (b *Backend) handleVersions(w http.ResponseWriter, r *http.Request) {
	if !b.intercept(w, r) {
		return
	}
	b.mu.Lock()
	versions := append([]models.Version{}, b.versions[r.PathValue("id")]...)
	b.mu.Unlock()
	b.writeJSON(w, versions)
}

func (b *Backend) handleAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !b.intercept(w, r) {
			return
		}
		id := r.PathValue("id")
		b.mu.Lock()
		_, ok := b.projects[id]
		hook := b.onAction[action]
		b.mu.Unlock()
		if !ok {
			http.Error(w, `{"detail":"project not found"}`, http.StatusNotFound)
			return
		}
		if hook != nil {
			hook(id)
		}
		b.writeJSON(w, map[string]string{"message": action + " started"})
	}
}

func (b *Backend) handleSaveFile(w http.ResponseWriter, r *http.Request) {
	if !b.intercept(w, r) {
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	id := r.PathValue("id")
	b.mu.Lock()
	defer b.mu.Unlock()
	for projectID, files := range b.files {
		for i := range files {
			if files[i].ID != id {
				continue
			}
			files[i].Content = body.Content
			files[i].UpdatedAt = time.Now().UTC()
			b.saved[id] = body.Content
			b.files[projectID] = files
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(files[i])
			return
		}
	}
	http.Error(w, `{"detail":"file not found"}`, http.StatusNotFound)
}

func (b *Backend) handleWS(w http.ResponseWriter, r *http.Request) {
	if !b.intercept(w, r) {
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{conn: conn, joined: make(map[string]int)}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.clientIDs = append(b.clientIDs, r.Header.Get("X-Client-ID"))
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var frame models.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		var data models.JoinData
		_ = json.Unmarshal(frame.Data, &data)

		b.mu.Lock()
		switch frame.Event {
		case "join_project":
			c.joined[data.ProjectID]++
		case "leave_project":
			if c.joined[data.ProjectID] > 0 {
				c.joined[data.ProjectID]--
			}
		}
		b.mu.Unlock()

		select {
		case b.received <- frame:
		default:
		}
	}
}

// WaitFor polls cond until it holds or the timeout passes.
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting: %s", msg)
		case <-ticker.C:
		}
	}
}
