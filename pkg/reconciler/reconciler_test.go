package reconciler

import (
	"fmt"
	"testing"

	"github.com/grovetools/pipewatch/pkg/models"
	"github.com/grovetools/pipewatch/pkg/snapshot"
	"github.com/grovetools/pipewatch/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func status(state models.PipelineState, progress int, message string, step *string) models.StatusEvent {
	return models.StatusEvent{State: state, Progress: progress, Message: message, CurrentStep: step}
}

func logEvent(agent, message string) models.LogEvent {
	return models.LogEvent{Agent: agent, Level: models.LevelInfo, Message: message}
}

func hydrated(t *testing.T, id string) *Reconciler {
	t.Helper()
	r := New(id)
	r.Hydrate(snapshot.Snapshot{
		Project: testutil.Project(id, models.StateCreating, 10, "Project created"),
		Files:   testutil.Files(id, 2),
		Logs: []models.LogEntry{
			testutil.Log("architect", models.LevelInfo, "second"),
			testutil.Log("architect", models.LevelInfo, "first"),
		},
	})
	return r
}

func TestStatusSequenceLastWins(t *testing.T) {
	tests := []struct {
		name   string
		events []models.StatusEvent
		want   models.Status
	}{
		{
			name: "single event",
			events: []models.StatusEvent{
				status(models.StateCreating, 20, "Analyzing", testutil.Step("plan")),
			},
			want: models.Status{State: models.StateCreating, Progress: 20, Message: "Analyzing", CurrentStep: "plan"},
		},
		{
			name: "step carried forward when omitted",
			events: []models.StatusEvent{
				status(models.StateCreating, 20, "Analyzing", testutil.Step("plan")),
				status(models.StateCreating, 40, "Generating", nil),
			},
			want: models.Status{State: models.StateCreating, Progress: 40, Message: "Generating", CurrentStep: "plan"},
		},
		{
			name: "step carried forward when empty",
			events: []models.StatusEvent{
				status(models.StateCreating, 20, "", testutil.Step("plan")),
				status(models.StateTesting, 60, "", testutil.Step("")),
			},
			want: models.Status{State: models.StateTesting, Progress: 60, CurrentStep: "plan"},
		},
		{
			name: "out of order arrival keeps the later arrival",
			events: []models.StatusEvent{
				status(models.StateCreating, 80, "late", nil),
				status(models.StateCreating, 50, "early", nil),
			},
			want: models.Status{State: models.StateCreating, Progress: 50, Message: "early"},
		},
		{
			name: "terminal state still accepts later events",
			events: []models.StatusEvent{
				status(models.StateReady, 100, "done", nil),
				status(models.StateTesting, 50, "testing", nil),
			},
			want: models.Status{State: models.StateTesting, Progress: 50, Message: "testing"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New("p1")
			for _, e := range tt.events {
				r.ApplyStatusEvent(e)
			}
			assert.Equal(t, tt.want, r.Snapshot().Status)
		})
	}
}

func TestLogEventsNewestFirstWithDuplicates(t *testing.T) {
	r := hydrated(t, "p1")

	const n = 5
	for i := 0; i < n; i++ {
		r.ApplyLogEvent(logEvent("coder", fmt.Sprintf("event %d", i)))
	}
	r.ApplyLogEvent(logEvent("coder", "event 4"))

	logs := r.Snapshot().Logs
	require.Len(t, logs, 2+n+1)
	assert.Equal(t, "event 4", logs[0].Message)
	assert.Equal(t, "event 4", logs[1].Message)
	assert.Equal(t, "event 3", logs[2].Message)
	assert.Equal(t, "event 0", logs[n].Message)
	assert.Equal(t, "second", logs[n+1].Message)
	assert.Equal(t, "first", logs[n+2].Message)
	assert.Equal(t, "p1", logs[0].ProjectID)
}

func TestLogDetailsPreserved(t *testing.T) {
	r := New("p1")
	r.Hydrate(snapshot.Snapshot{
		Project: testutil.Project("p1", models.StateCreating, 0, ""),
		Logs: []models.LogEntry{{
			Agent: "tester", Level: models.LevelError, Message: "failed",
			Details: map[string]interface{}{"tests_failed": float64(2)},
		}},
	})
	r.ApplyLogEvent(models.LogEvent{
		Agent: "coder", Level: models.LevelWarning, Message: "slow",
		Details: map[string]interface{}{"elapsed": "3s"},
	})

	logs := r.Snapshot().Logs
	require.Len(t, logs, 2)
	assert.Equal(t, "3s", logs[0].Details["elapsed"])
	assert.Equal(t, float64(2), logs[1].Details["tests_failed"])
}

func TestHydrateReplacesAndIsIdempotent(t *testing.T) {
	r := hydrated(t, "p1")
	r.ApplyLogEvent(logEvent("coder", "pushed"))
	r.ApplyStatusEvent(status(models.StateTesting, 70, "testing", testutil.Step("tests")))
	r.ApplyFileCreatedEvent(models.FileCreatedEvent{Path: "new.py"})

	snap := snapshot.Snapshot{
		Project:  testutil.Project("p1", models.StateReady, 100, "ready"),
		Files:    testutil.Files("p1", 3),
		Logs:     []models.LogEntry{testutil.Log("tester", models.LevelInfo, "only")},
		Versions: []models.Version{{ID: "v1", Message: "initial"}},
	}
	r.Hydrate(snap)
	first := r.Snapshot()

	assert.Equal(t, models.StateReady, first.Status.State)
	assert.Equal(t, "", first.Status.CurrentStep)
	require.Len(t, first.Logs, 1)
	assert.Equal(t, "only", first.Logs[0].Message)
	assert.Len(t, first.Files, 3)
	assert.Len(t, first.Versions, 1)
	assert.False(t, first.FilesStale)

	r.Hydrate(snap)
	assert.Equal(t, first, r.Snapshot())
}

func TestFileCreatedOnlyMarksStale(t *testing.T) {
	r := hydrated(t, "p1")
	before := r.Snapshot().Files

	r.ApplyFileCreatedEvent(models.FileCreatedEvent{Path: "src/new.py"})
	after := r.Snapshot()

	assert.True(t, after.FilesStale)
	assert.Equal(t, before, after.Files)

	r.ReplaceFiles(testutil.Files("p1", 3))
	replaced := r.Snapshot()
	assert.False(t, replaced.FilesStale)
	assert.Len(t, replaced.Files, 3)
}

func TestReplaceFilesLeavesStatusAndLogs(t *testing.T) {
	r := hydrated(t, "p1")
	r.ApplyStatusEvent(status(models.StateCreating, 45, "Generating", testutil.Step("backend")))
	before := r.Snapshot()

	r.ReplaceFiles(testutil.Files("p1", 4))
	after := r.Snapshot()

	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Logs, after.Logs)
	assert.Len(t, after.Files, 4)
}

func TestHydrateKeepFiles(t *testing.T) {
	r := hydrated(t, "p1")
	r.ApplyFileCreatedEvent(models.FileCreatedEvent{Path: "src/file3.py"})
	before := r.Snapshot()

	r.HydrateKeepFiles(snapshot.Snapshot{
		Project: testutil.Project("p1", models.StateReady, 100, "Done"),
		Files:   testutil.Files("p1", 1),
		Logs:    []models.LogEntry{testutil.Log("tester", models.LevelInfo, "all green")},
	})
	after := r.Snapshot()

	assert.Equal(t, models.StateReady, after.Status.State)
	require.Len(t, after.Logs, 1)
	assert.Equal(t, "all green", after.Logs[0].Message)
	assert.Equal(t, before.Files, after.Files)
	assert.True(t, after.FilesStale)
}

func TestFilesKeepServerOrder(t *testing.T) {
	r := New("p1")
	files := []models.FileRecord{{ID: "c", Path: "c.py"}, {ID: "a", Path: "a.py"}, {ID: "b", Path: "b.py"}}
	r.ReplaceFiles(files)

	got := r.Snapshot().Files
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestLocalEdits(t *testing.T) {
	r := hydrated(t, "p1")

	assert.False(t, r.EditFileContentLocally("missing", "x"))
	require.True(t, r.EditFileContentLocally("f1", "edited"))

	m := r.Snapshot()
	content, ok := m.Content("f1")
	require.True(t, ok)
	assert.Equal(t, "edited", content)
	assert.True(t, m.Dirty("f1"))

	// Unchanged server content keeps the edit.
	r.ReplaceFiles(testutil.Files("p1", 2))
	_, ok = r.LocalEdit("f1")
	assert.True(t, ok)

	// Changed server content drops it.
	files := testutil.Files("p1", 2)
	files[0].Content = "server changed"
	r.ReplaceFiles(files)
	_, ok = r.LocalEdit("f1")
	assert.False(t, ok)

	// Removed files drop their edits and selection.
	r.EditFileContentLocally("f2", "edited")
	r.SelectFile("f2")
	r.ReplaceFiles(testutil.Files("p1", 1))
	m = r.Snapshot()
	assert.False(t, m.Dirty("f2"))
	assert.Equal(t, "", m.SelectedFileID)
}

func TestEditBackToServerContentClearsEdit(t *testing.T) {
	r := hydrated(t, "p1")
	m := r.Snapshot()
	f, _ := m.File("f1")

	r.EditFileContentLocally("f1", "changed")
	r.EditFileContentLocally("f1", f.Content)
	assert.False(t, r.Snapshot().Dirty("f1"))
}

func TestSelectFile(t *testing.T) {
	r := hydrated(t, "p1")
	r.SelectFile("f2")
	assert.Equal(t, "f2", r.Snapshot().SelectedFileID)
	r.SelectFile("nope")
	assert.Equal(t, "", r.Snapshot().SelectedFileID)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	r := New("p1")
	r.ApplyLogEvent(models.LogEvent{Agent: "a", Level: models.LevelInfo, Message: "m",
		Details: map[string]interface{}{"k": "v"}})

	m := r.Snapshot()
	m.Logs[0].Details["k"] = "mutated"
	m.Logs[0].Message = "mutated"

	again := r.Snapshot()
	assert.Equal(t, "v", again.Logs[0].Details["k"])
	assert.Equal(t, "m", again.Logs[0].Message)
}

func TestApplyRoutesByKindAndProject(t *testing.T) {
	r := New("p1")

	assert.False(t, r.Apply(models.Event{Kind: models.EventLog, ProjectID: "p2", Log: &models.LogEvent{Agent: "a"}}))
	assert.True(t, r.Apply(models.Event{Kind: models.EventLog, ProjectID: "p1", Log: &models.LogEvent{Agent: "a"}}))
	assert.True(t, r.Apply(models.Event{Kind: models.EventFileCreated, ProjectID: "p1", FileCreated: &models.FileCreatedEvent{Path: "x"}}))
	assert.False(t, r.Apply(models.Event{Kind: models.EventStatus, ProjectID: "p1"}))

	m := r.Snapshot()
	assert.Len(t, m.Logs, 1)
	assert.True(t, m.FilesStale)
}

func TestSubscribe(t *testing.T) {
	r := New("p1")
	ch := r.Subscribe()

	r.ApplyStatusEvent(status(models.StateCreating, 10, "", nil))
	r.ApplyFileCreatedEvent(models.FileCreatedEvent{Path: "a"})

	assert.Equal(t, Change{Type: ChangeStatus, ProjectID: "p1"}, <-ch)
	assert.Equal(t, Change{Type: ChangeFilesStale, ProjectID: "p1"}, <-ch)

	r.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)

	// Double unsubscribe is harmless.
	r.Unsubscribe(ch)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	r := New("p1")
	r.Subscribe()

	for i := 0; i < 500; i++ {
		r.ApplyLogEvent(logEvent("a", "m"))
	}
	assert.Len(t, r.Snapshot().Logs, 500)
}

func TestDiscardClosesSubscribers(t *testing.T) {
	r := New("p1")
	a, b := r.Subscribe(), r.Subscribe()
	r.Discard()

	_, openA := <-a
	_, openB := <-b
	assert.False(t, openA)
	assert.False(t, openB)
}

// The progress 10 -> 45 scenario: hydrate, then a status event with a new
// step, a log line and a file_created signal, then the file refetch.
func TestEndToEndScenario(t *testing.T) {
	r := New("p1")
	r.Hydrate(snapshot.Snapshot{
		Project: testutil.Project("p1", models.StateCreating, 10, "Project created"),
		Files:   testutil.Files("p1", 1),
	})

	r.ApplyStatusEvent(status(models.StateCreating, 45, "Generating files", testutil.Step("backend")))
	r.ApplyLogEvent(logEvent("coder", "wrote app.py"))
	r.ApplyFileCreatedEvent(models.FileCreatedEvent{Path: "app.py"})

	m := r.Snapshot()
	assert.Equal(t, 45, m.Status.Progress)
	assert.Equal(t, "backend", m.Status.CurrentStep)
	require.Len(t, m.Logs, 1)
	assert.Equal(t, "wrote app.py", m.Logs[0].Message)
	assert.True(t, m.FilesStale)
	assert.Len(t, m.Files, 1)

	r.ReplaceFiles(testutil.Files("p1", 2))
	m = r.Snapshot()
	assert.False(t, m.FilesStale)
	assert.Len(t, m.Files, 2)
	assert.Equal(t, 45, m.Status.Progress)
}
