package session

import (
	"context"
	"testing"
	"time"

	"github.com/grovetools/pipewatch/config"
	"github.com/grovetools/pipewatch/errors"
	"github.com/grovetools/pipewatch/pkg/channel"
	"github.com/grovetools/pipewatch/pkg/models"
	"github.com/grovetools/pipewatch/pkg/reconciler"
	"github.com/grovetools/pipewatch/pkg/snapshot"
	"github.com/grovetools/pipewatch/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

const waitTimeout = 5 * time.Second

type fixture struct {
	id     string
	loader *fakeLoader
	ch     *fakeChannel
	ctrl   *Controller
}

func newFixture(t *testing.T, state models.PipelineState, mutate ...func(*Options)) *fixture {
	t.Helper()
	id := testutil.NewProjectID()
	f := &fixture{
		id:     id,
		loader: newFakeLoader(testutil.Project(id, state, 10, "Starting"), testutil.Files(id, 2)),
		ch:     newFakeChannel(),
	}
	f.loader.logs = []models.LogEntry{testutil.Log("architect", models.LevelInfo, "planning")}
	f.loader.versions = []models.Version{{ID: "v1", ProjectID: id, Message: "initial"}}

	opts := Options{
		RefreshInterval: time.Hour,
		RetryInitial:    time.Millisecond,
		RetryMax:        5 * time.Millisecond,
		Logger:          testutil.DiscardLogger(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.ctrl = New(f.loader, f.ch, opts)
	t.Cleanup(f.ctrl.Close)
	return f
}

func (f *fixture) open(t *testing.T) {
	t.Helper()
	require.NoError(t, f.ctrl.Open(context.Background(), f.id))
	require.Equal(t, Open, f.ctrl.State())
}

func (f *fixture) model(t *testing.T) reconciler.Model {
	t.Helper()
	m, ok := f.ctrl.Snapshot()
	require.True(t, ok, "expected a session")
	return m
}

func (f *fixture) status(state models.PipelineState, progress int, message string, step *string) models.Event {
	return models.Event{
		Kind:      models.EventStatus,
		ProjectID: f.id,
		Status:    &models.StatusEvent{State: state, Progress: progress, Message: message, CurrentStep: step},
	}
}

func (f *fixture) logEvent(agent, message string) models.Event {
	return models.Event{
		Kind:      models.EventLog,
		ProjectID: f.id,
		Log:       &models.LogEvent{Agent: agent, Level: models.LevelInfo, Message: message, Timestamp: time.Now().UTC()},
	}
}

func (f *fixture) fileCreated(path string) models.Event {
	return models.Event{
		Kind:        models.EventFileCreated,
		ProjectID:   f.id,
		FileCreated: &models.FileCreatedEvent{Path: path},
	}
}

// blockProject makes the next FetchProject calls wait until the returned
// channel is closed. It returns once a fetch is parked.
func (f *fixture) blockProject(t *testing.T, start func()) chan struct{} {
	t.Helper()
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	f.loader.mu.Lock()
	f.loader.block = block
	f.loader.blockStarted = started
	f.loader.mu.Unlock()

	start()
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("project fetch never started")
	}
	return block
}

func drainErrors(c *Controller) []error {
	var errs []error
	for {
		select {
		case err := <-c.Errors():
			errs = append(errs, err)
		default:
			return errs
		}
	}
}

func TestOpenHydratesModel(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	f.open(t)

	m := f.model(t)
	assert.True(t, m.Hydrated)
	assert.Equal(t, f.id, m.ProjectID)
	assert.Equal(t, models.StateCreating, m.Status.State)
	assert.Equal(t, 10, m.Status.Progress)
	assert.Len(t, m.Files, 2)
	assert.Len(t, m.Logs, 1)
	assert.Len(t, m.Versions, 1)
	assert.False(t, m.FilesStale)

	assert.Equal(t, 1, f.ch.Refs(f.id))
	assert.Equal(t, 2, f.ch.Handlers())
	assert.Equal(t, f.id, f.ctrl.ProjectID())
}

func TestOpenSameProjectIsNoop(t *testing.T) {
	f := newFixture(t, models.StateReady)
	f.open(t)
	f.open(t)

	assert.Equal(t, 1, f.loader.count("project"))
	assert.Equal(t, 1, f.ch.Refs(f.id))
}

func TestOpenRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	f.loader.projectErrs = []error{
		errors.Unavailable("fetch project", nil),
		errors.Unavailable("fetch project", nil),
	}

	f.open(t)

	assert.Equal(t, 3, f.loader.count("project"))
	errs := drainErrors(f.ctrl)
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.True(t, errors.IsTransient(err))
	}
}

func TestOpenTerminalErrorsCloseWithoutRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code errors.ErrorCode
	}{
		{"not found", errors.NotFound("project", "x"), errors.ErrCodeNotFound},
		{"unauthorized", errors.Unauthorized("fetch project"), errors.ErrCodeUnauthorized},
		{"invalid input", errors.FromHTTPStatus("fetch project", "project", "x", 422), errors.ErrCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, models.StateCreating)
			f.loader.projectErrs = []error{tt.err}

			err := f.ctrl.Open(context.Background(), f.id)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.code), "got %v", err)

			assert.Equal(t, 1, f.loader.count("project"))
			assert.Equal(t, Closed, f.ctrl.State())
			assert.Equal(t, 0, f.ch.Refs(f.id))
			assert.Equal(t, 0, f.ch.Handlers())
			_, ok := f.ctrl.Snapshot()
			assert.False(t, ok)
		})
	}
}

func TestOpenUnknownProject(t *testing.T) {
	f := newFixture(t, models.StateCreating)

	err := f.ctrl.Open(context.Background(), "does-not-exist")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
	assert.Equal(t, Closed, f.ctrl.State())
}

func TestOpenGivesUpWhenCallerCancels(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	errs := make([]error, 1000)
	for i := range errs {
		errs[i] = errors.Unavailable("fetch project", nil)
	}
	f.loader.projectErrs = errs

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.Error(t, f.ctrl.Open(ctx, f.id))
	assert.Equal(t, Closed, f.ctrl.State())
	assert.Equal(t, 0, f.ch.Refs(f.id))
}

func TestCloseDuringHydrationDiscardsResult(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	block := make(chan struct{})
	f.loader.block = block
	f.loader.blockStarted = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Open(context.Background(), f.id) }()

	select {
	case <-f.loader.blockStarted:
	case <-time.After(waitTimeout):
		t.Fatal("hydration never started")
	}
	assert.Equal(t, Opening, f.ctrl.State())
	assert.Equal(t, 1, f.ch.Refs(f.id))

	f.ctrl.Close()
	close(block)

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, errors.ErrCodeSessionClosed), "got %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("Open did not return after Close")
	}

	assert.Equal(t, Closed, f.ctrl.State())
	assert.Equal(t, 0, f.ch.Refs(f.id))
	assert.Equal(t, 0, f.ch.Handlers())
	_, ok := f.ctrl.Snapshot()
	assert.False(t, ok)

	// Late events for the closed project go nowhere.
	f.ch.emit(f.status(models.StateTesting, 90, "late", nil))
	_, ok = f.ctrl.Snapshot()
	assert.False(t, ok)
}

func TestCloseReleasesSession(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	f.open(t)

	sub, err := f.ctrl.Subscribe()
	require.NoError(t, err)

	f.ctrl.Close()
	f.ctrl.Close()

	assert.Equal(t, Closed, f.ctrl.State())
	assert.Equal(t, 0, f.ch.Refs(f.id))
	assert.Equal(t, 0, f.ch.Handlers())
	assert.Equal(t, "", f.ctrl.ProjectID())

	for range sub {
	}
}

func TestActionsRequireOpenSession(t *testing.T) {
	f := newFixture(t, models.StateReady)
	ctx := context.Background()

	check := func(t *testing.T) {
		assert.True(t, errors.Is(f.ctrl.Refresh(ctx), errors.ErrCodeSessionClosed))
		assert.True(t, errors.Is(f.ctrl.TriggerTest(ctx), errors.ErrCodeSessionClosed))
		assert.True(t, errors.Is(f.ctrl.TriggerRegenerate(ctx), errors.ErrCodeSessionClosed))
		assert.True(t, errors.Is(f.ctrl.SelectFile(ctx, "f1"), errors.ErrCodeSessionClosed))
		assert.True(t, errors.Is(f.ctrl.EditFile(ctx, "f1", "x"), errors.ErrCodeSessionClosed))
		assert.True(t, errors.Is(f.ctrl.SaveFile(ctx, "f1"), errors.ErrCodeSessionClosed))
		_, err := f.ctrl.Subscribe()
		assert.True(t, errors.Is(err, errors.ErrCodeSessionClosed))
	}

	t.Run("before open", check)
	f.open(t)
	f.ctrl.Close()
	t.Run("after close", check)

	assert.Equal(t, 0, f.loader.count("test"))
}

func TestOpenAnotherProjectClosesCurrent(t *testing.T) {
	f := newFixture(t, models.StateReady)
	f.open(t)
	first := f.id

	second := testutil.NewProjectID()
	f.loader.mu.Lock()
	f.loader.project = testutil.Project(second, models.StateCreating, 5, "Starting")
	f.loader.mu.Unlock()

	require.NoError(t, f.ctrl.Open(context.Background(), second))

	assert.Equal(t, 0, f.ch.Refs(first))
	assert.Equal(t, 1, f.ch.Refs(second))
	assert.Equal(t, 2, f.ch.Handlers())
	assert.Equal(t, second, f.model(t).ProjectID)
}

func TestPushedEventsReachModel(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	f.open(t)

	f.ch.emit(f.status(models.StateCreating, 45, "Generating", testutil.Step("backend")))
	f.ch.emit(f.logEvent("architect", "wrote plan"))

	testutil.WaitFor(t, waitTimeout, func() bool {
		m := f.model(t)
		return m.Status.Progress == 45 && len(m.Logs) == 2
	}, "events applied")

	m := f.model(t)
	assert.Equal(t, "backend", m.Status.CurrentStep)
	assert.Equal(t, "Generating", m.Status.Message)
	assert.Equal(t, "wrote plan", m.Logs[0].Message)
	assert.Equal(t, 1, f.loader.count("project"), "events must not trigger a refetch")
}

func TestEventsForOtherProjectsIgnored(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	f.open(t)

	other := f.status(models.StateFailed, 0, "boom", nil)
	other.ProjectID = "someone-else"
	f.ch.emit(other)
	f.ch.emit(f.logEvent("architect", "marker"))

	testutil.WaitFor(t, waitTimeout, func() bool { return len(f.model(t).Logs) == 2 }, "marker applied")
	assert.Equal(t, models.StateCreating, f.model(t).Status.State)
}

func TestOutOfOrderStatusLastWins(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	f.open(t)

	f.ch.emit(f.status(models.StateCreating, 80, "eighty", nil))
	f.ch.emit(f.status(models.StateCreating, 50, "fifty", nil))

	testutil.WaitFor(t, waitTimeout, func() bool { return f.model(t).Status.Message == "fifty" }, "last status applied")
	assert.Equal(t, 50, f.model(t).Status.Progress)
}

func TestFileCreatedRefetchesFiles(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	f.open(t)
	require.Equal(t, 1, f.loader.count("files"))

	f.loader.setFiles(testutil.Files(f.id, 3))
	f.ch.emit(f.fileCreated("src/file3.py"))

	testutil.WaitFor(t, waitTimeout, func() bool {
		m := f.model(t)
		return len(m.Files) == 3 && !m.FilesStale
	}, "files refetched")
	assert.Equal(t, 2, f.loader.count("files"))
	assert.Equal(t, 1, f.loader.count("project"))
}

func TestOlderRefreshKeepsNewerFiles(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	f.open(t)

	done := make(chan error, 1)
	block := f.blockProject(t, func() {
		go func() { done <- f.ctrl.Refresh(context.Background()) }()
	})
	// The refresh has already read the two-file inventory.
	testutil.WaitFor(t, waitTimeout, func() bool { return f.loader.count("files") == 2 }, "refresh read files")

	f.loader.setFiles(testutil.Files(f.id, 3))
	f.ch.emit(f.fileCreated("src/file3.py"))
	testutil.WaitFor(t, waitTimeout, func() bool {
		m := f.model(t)
		return len(m.Files) == 3 && !m.FilesStale
	}, "files refetched")

	close(block)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("refresh did not finish")
	}

	f.ch.emit(f.status(models.StateReady, 100, "Done", nil))
	testutil.WaitFor(t, waitTimeout, func() bool { return f.model(t).Status.State == models.StateReady }, "ready")

	m := f.model(t)
	assert.Len(t, m.Files, 3)
	assert.False(t, m.FilesStale)
	assert.Equal(t, 3, f.loader.count("files"))
}

func TestFileFetchDuringRefreshIsNotOverwritten(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	f.open(t)

	done := make(chan error, 1)
	block := f.blockProject(t, func() {
		go func() { done <- f.ctrl.Refresh(context.Background()) }()
	})
	testutil.WaitFor(t, waitTimeout, func() bool { return f.loader.count("files") == 2 }, "refresh read files")

	// The file event arrives while the refresh is parked; its own fetch
	// lands first and the refresh must not roll it back.
	f.loader.setFiles(testutil.Files(f.id, 4))
	f.ch.emit(f.fileCreated("src/file4.py"))
	testutil.WaitFor(t, waitTimeout, func() bool { return len(f.model(t).Files) == 4 }, "files refetched")

	close(block)
	require.NoError(t, <-done)
	m := f.model(t)
	assert.Len(t, m.Files, 4)
	assert.Equal(t, models.StateCreating, m.Status.State)
}

func TestPeriodicRefreshFollowsPipelineState(t *testing.T) {
	f := newFixture(t, models.StateCreating, func(o *Options) { o.RefreshInterval = 10 * time.Millisecond })
	f.open(t)

	testutil.WaitFor(t, waitTimeout, func() bool { return f.loader.count("project") >= 3 }, "periodic refresh")

	f.loader.setStatus(models.Status{State: models.StateReady, Progress: 100, Message: "Done"})
	f.ch.emit(f.status(models.StateReady, 100, "Done", nil))
	testutil.WaitFor(t, waitTimeout, func() bool { return f.model(t).Status.State == models.StateReady }, "ready")

	// Let an in-flight refresh land, then expect silence.
	time.Sleep(50 * time.Millisecond)
	settled := f.loader.count("project")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, f.loader.count("project"), "refresh should pause in a terminal state")

	f.loader.onTrigger = func(l *fakeLoader) {
		l.project.Status = models.Status{State: models.StateTesting, Progress: 0, Message: "Testing"}
	}
	require.NoError(t, f.ctrl.TriggerTest(context.Background()))

	testutil.WaitFor(t, waitTimeout, func() bool { return f.model(t).Status.State == models.StateTesting }, "testing")
	testutil.WaitFor(t, waitTimeout, func() bool { return f.loader.count("project") >= settled+3 }, "refresh resumed")
}

func TestPollMode(t *testing.T) {
	f := newFixture(t, models.StateCreating, func(o *Options) {
		o.Mode = config.ModePoll
		o.RefreshInterval = 10 * time.Millisecond
	})
	f.open(t)

	assert.Equal(t, 0, f.ch.Refs(f.id))
	assert.Equal(t, 0, f.ch.Handlers())

	f.loader.setStatus(models.Status{State: models.StateTesting, Progress: 60, Message: "Testing"})
	testutil.WaitFor(t, waitTimeout, func() bool { return f.model(t).Status.State == models.StateTesting }, "polled status")
}

func TestTriggerDuringRefreshFetchesAgain(t *testing.T) {
	f := newFixture(t, models.StateReady, func(o *Options) { o.Mode = config.ModePoll })
	f.open(t)
	require.Equal(t, 1, f.loader.count("project"))

	done := make(chan error, 1)
	block := f.blockProject(t, func() {
		go func() { done <- f.ctrl.Refresh(context.Background()) }()
	})

	// The parked fetch already holds the ready status.
	f.loader.onTrigger = func(l *fakeLoader) {
		l.project.Status = models.Status{State: models.StateTesting, Progress: 0, Message: "Testing"}
	}
	require.NoError(t, f.ctrl.TriggerTest(context.Background()))

	close(block)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("refresh did not finish")
	}

	// Refresh answers only once the fetch started after the trigger lands.
	assert.Equal(t, models.StateTesting, f.model(t).Status.State)
	assert.Equal(t, 3, f.loader.count("project"))
}

func TestTicksDuringRefreshDoNotQueue(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	f.open(t)

	done := make(chan error, 1)
	block := f.blockProject(t, func() {
		go func() { done <- f.ctrl.Refresh(context.Background()) }()
	})
	f.ctrl.SetRefreshInterval(5 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	f.ctrl.SetRefreshInterval(time.Hour)

	close(block)
	require.NoError(t, <-done)
	time.Sleep(50 * time.Millisecond)
	// Open, the parked refresh, and at most one tick that raced the
	// interval change back.
	assert.LessOrEqual(t, f.loader.count("project"), 3)
}

func TestNilChannelPolls(t *testing.T) {
	id := testutil.NewProjectID()
	loader := newFakeLoader(testutil.Project(id, models.StateCreating, 0, "Starting"), nil)
	ctrl := New(loader, nil, Options{RefreshInterval: 10 * time.Millisecond, Logger: testutil.DiscardLogger()})
	defer ctrl.Close()

	require.NoError(t, ctrl.Open(context.Background(), id))
	testutil.WaitFor(t, waitTimeout, func() bool { return loader.count("project") >= 2 }, "polling")
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	f.open(t)

	f.loader.setStatus(models.Status{State: models.StateDeploying, Progress: 95, Message: "Deploying"})
	require.NoError(t, f.ctrl.Refresh(context.Background()))

	m := f.model(t)
	assert.Equal(t, models.StateDeploying, m.Status.State)
	assert.Equal(t, 95, m.Status.Progress)
}

func TestRefreshFailureKeepsLastKnownState(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	f.open(t)
	drainErrors(f.ctrl)

	f.loader.mu.Lock()
	f.loader.projectErrs = []error{errors.Unavailable("fetch project", nil)}
	f.loader.mu.Unlock()

	err := f.ctrl.Refresh(context.Background())
	assert.True(t, errors.IsTransient(err))

	m := f.model(t)
	assert.True(t, m.Hydrated)
	assert.Len(t, m.Files, 2)
	assert.Equal(t, Open, f.ctrl.State())
	assert.NotEmpty(t, drainErrors(f.ctrl))
}

func TestVersionsAreBestEffort(t *testing.T) {
	f := newFixture(t, models.StateReady)
	f.open(t)
	require.Len(t, f.model(t).Versions, 1)

	f.loader.mu.Lock()
	f.loader.versionsErr = errors.Unavailable("fetch versions", nil)
	f.loader.mu.Unlock()

	require.NoError(t, f.ctrl.Refresh(context.Background()))
	assert.Len(t, f.model(t).Versions, 1, "previous versions kept")
}

func TestTriggerFailureLeavesModel(t *testing.T) {
	f := newFixture(t, models.StateReady)
	f.open(t)
	f.loader.triggerErr = errors.FromHTTPStatus("trigger regenerate", "project", f.id, 409)

	err := f.ctrl.TriggerRegenerate(context.Background())
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.loader.count("project"))
	assert.Equal(t, models.StateReady, f.model(t).Status.State)
}

func TestSelectAndEditFile(t *testing.T) {
	f := newFixture(t, models.StateReady)
	f.open(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.SelectFile(ctx, "f2"))
	require.NoError(t, f.ctrl.EditFile(ctx, "f2", "print('hi')\n"))

	m := f.model(t)
	assert.Equal(t, "f2", m.SelectedFileID)
	assert.True(t, m.Dirty("f2"))
	content, ok := m.Content("f2")
	require.True(t, ok)
	assert.Equal(t, "print('hi')\n", content)

	err := f.ctrl.EditFile(ctx, "nope", "x")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestSaveFileConverges(t *testing.T) {
	f := newFixture(t, models.StateReady)
	f.open(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.EditFile(ctx, "f1", "# rewritten\n"))
	require.NoError(t, f.ctrl.SaveFile(ctx, "f1"))

	assert.Equal(t, "# rewritten\n", f.loader.saved["f1"])
	m := f.model(t)
	assert.False(t, m.Dirty("f1"))
	file, ok := m.File("f1")
	require.True(t, ok)
	assert.Equal(t, "# rewritten\n", file.Content)
	assert.Equal(t, 2, f.loader.count("files"))
}

func TestSaveFileWithoutEditIsNoop(t *testing.T) {
	f := newFixture(t, models.StateReady)
	f.open(t)

	require.NoError(t, f.ctrl.SaveFile(context.Background(), "f1"))
	assert.Equal(t, 0, f.loader.count("save"))
}

func TestSetRefreshInterval(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	f.open(t)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.loader.count("project"))

	f.ctrl.SetRefreshInterval(10 * time.Millisecond)
	testutil.WaitFor(t, waitTimeout, func() bool { return f.loader.count("project") >= 3 }, "faster refresh")
}

func TestChannelLossAndRecovery(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	f.open(t)
	drainErrors(f.ctrl)

	f.ch.setState(channel.Disconnected)
	select {
	case err := <-f.ctrl.Errors():
		assert.True(t, errors.IsTransient(err))
	case <-time.After(waitTimeout):
		t.Fatal("channel loss not reported")
	}

	f.ch.setState(channel.Connecting)
	f.ch.setState(channel.Connected)
	testutil.WaitFor(t, waitTimeout, func() bool { return f.loader.count("project") >= 2 }, "healing refresh")
}

func TestRejectedChannelReportsAuthFailure(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	f.open(t)
	drainErrors(f.ctrl)

	f.ch.setState(channel.Rejected)
	select {
	case err := <-f.ctrl.Errors():
		assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized), "got %v", err)
		assert.False(t, errors.IsTransient(err))
	case <-time.After(waitTimeout):
		t.Fatal("rejection not reported")
	}

	// A later successful connect heals like any reconnect.
	f.ch.setState(channel.Connected)
	testutil.WaitFor(t, waitTimeout, func() bool { return f.loader.count("project") >= 2 }, "healing refresh")
}

func TestClosingSessionDropsQueuedMessages(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		projectID: f.id,
		rec:       reconciler.New(f.id),
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan interface{}, 4),
	}
	d := &dispatcher{c: f.ctrl, s: s}
	before := s.rec.Snapshot()
	cancel()

	assert.False(t, s.post(eventMsg{event: f.status(models.StateTesting, 50, "late", nil)}))
	assert.Empty(t, s.inbox)

	// Messages that were already queued when the session closed.
	d.handle(eventMsg{event: f.status(models.StateTesting, 50, "late", nil)})
	d.handle(eventMsg{event: f.logEvent("tester", "late")})
	assert.Equal(t, before, s.rec.Snapshot())

	reply := make(chan error, 1)
	d.handle(selectMsg{id: "file-1", reply: reply})
	assert.True(t, errors.Is(<-reply, errors.ErrCodeSessionClosed))

	reply = make(chan error, 1)
	d.handle(refreshMsg{reply: reply})
	assert.True(t, errors.Is(<-reply, errors.ErrCodeSessionClosed))
	assert.False(t, d.hydrating)
	assert.Equal(t, 0, f.loader.count("project"))
}

func TestSubscribeNotifiesChanges(t *testing.T) {
	f := newFixture(t, models.StateCreating)
	f.open(t)

	sub, err := f.ctrl.Subscribe()
	require.NoError(t, err)

	f.ch.emit(f.logEvent("tester", "running"))
	select {
	case c := <-sub:
		assert.Equal(t, reconciler.ChangeLog, c.Type)
		assert.Equal(t, f.id, c.ProjectID)
	case <-time.After(waitTimeout):
		t.Fatal("no change notification")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "opening", Opening.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "closing", Closing.String())
}

// TestEndToEnd runs a session against the fake backend over REST and the
// real push channel.
func TestEndToEnd(t *testing.T) {
	b := testutil.NewBackend(t)
	id := testutil.NewProjectID()
	b.SetProject(testutil.Project(id, models.StateCreating, 10, "Starting"))
	b.SetFiles(id, testutil.Files(id, 2))

	loader, err := snapshot.NewHTTPLoader(snapshot.Options{BaseURL: b.URL(), Logger: testutil.DiscardLogger()})
	require.NoError(t, err)

	wsURL, err := channel.WebsocketURL(b.URL(), "/ws")
	require.NoError(t, err)
	ch, err := channel.New(channel.Options{
		URL:              wsURL,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		Logger:           testutil.DiscardLogger(),
	})
	require.NoError(t, err)
	defer ch.Disconnect()
	require.NoError(t, ch.Connect(context.Background()))

	ctrl := New(loader, ch, Options{RefreshInterval: time.Hour, Logger: testutil.DiscardLogger()})
	defer ctrl.Close()

	require.NoError(t, ctrl.Open(context.Background(), id))
	require.True(t, b.WaitJoined(id, true, waitTimeout), "project joined")

	model := func() reconciler.Model {
		m, ok := ctrl.Snapshot()
		require.True(t, ok)
		return m
	}
	assert.Equal(t, 10, model().Status.Progress)

	b.Push(id, models.EventStatus, models.StatusEvent{
		State: models.StateCreating, Progress: 45, Message: "Generating backend", CurrentStep: testutil.Step("backend"),
	})
	b.Push(id, models.EventLog, models.LogEvent{
		Agent: "backend", Level: models.LevelInfo, Message: "wrote api.py", Timestamp: time.Now().UTC(),
	})
	b.SetFiles(id, testutil.Files(id, 3))
	b.Push(id, models.EventFileCreated, models.FileCreatedEvent{Path: "src/file3.py"})

	testutil.WaitFor(t, waitTimeout, func() bool {
		m := model()
		return m.Status.Progress == 45 && len(m.Logs) == 1 && len(m.Files) == 3 && !m.FilesStale
	}, "model converged")

	m := model()
	assert.Equal(t, "backend", m.Status.CurrentStep)
	assert.Equal(t, "wrote api.py", m.Logs[0].Message)
	assert.Equal(t, 1, b.Calls("/api/projects/"+id), "events must not refetch the project")

	ctrl.Close()
	assert.True(t, b.WaitJoined(id, false, waitTimeout), "project left")
}
