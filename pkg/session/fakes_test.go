package session

import (
	"context"
	"sync"

	"github.com/grovetools/pipewatch/errors"
	"github.com/grovetools/pipewatch/pkg/channel"
	"github.com/grovetools/pipewatch/pkg/models"
	"github.com/grovetools/pipewatch/pkg/snapshot"
)

// fakeLoader is a scripted snapshot.Loader.
type fakeLoader struct {
	mu       sync.Mutex
	project  models.Project
	files    []models.FileRecord
	logs     []models.LogEntry
	versions []models.Version

	projectErrs  []error
	versionsErr  error
	triggerErr   error
	onTrigger    func(l *fakeLoader)
	block        chan struct{}
	blockStarted chan struct{}
	calls        map[string]int
	saved        map[string]string
}

var _ snapshot.Loader = (*fakeLoader)(nil)

func newFakeLoader(p models.Project, files []models.FileRecord) *fakeLoader {
	return &fakeLoader{
		project: p,
		files:   files,
		calls:   make(map[string]int),
		saved:   make(map[string]string),
	}
}

func (l *fakeLoader) count(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

func (l *fakeLoader) setStatus(s models.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.project.Status = s
}

func (l *fakeLoader) setFiles(files []models.FileRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files = files
}

func (l *fakeLoader) FetchProject(ctx context.Context, id string) (*models.Project, error) {
	l.mu.Lock()
	l.calls["project"]++
	block, started := l.block, l.blockStarted
	var err error
	if len(l.projectErrs) > 0 {
		err = l.projectErrs[0]
		l.projectErrs = l.projectErrs[1:]
	}
	p := l.project
	l.mu.Unlock()

	if block != nil {
		if started != nil {
			select {
			case started <- struct{}{}:
			default:
			}
		}
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if p.ID != id {
		return nil, errors.NotFound("project", id)
	}
	return &p, nil
}

func (l *fakeLoader) FetchFiles(ctx context.Context, id string) ([]models.FileRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["files"]++
	return append([]models.FileRecord(nil), l.files...), nil
}

func (l *fakeLoader) FetchLogs(ctx context.Context, id string) ([]models.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["logs"]++
	return append([]models.LogEntry(nil), l.logs...), nil
}

func (l *fakeLoader) FetchVersions(ctx context.Context, id string) ([]models.Version, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["versions"]++
	if l.versionsErr != nil {
		return nil, l.versionsErr
	}
	return append([]models.Version(nil), l.versions...), nil
}

func (l *fakeLoader) TriggerTest(ctx context.Context, id string) error {
	return l.trigger("test")
}

func (l *fakeLoader) TriggerRegenerate(ctx context.Context, id string) error {
	return l.trigger("regenerate")
}

func (l *fakeLoader) trigger(op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[op]++
	if l.triggerErr != nil {
		return l.triggerErr
	}
	if l.onTrigger != nil {
		l.onTrigger(l)
	}
	return nil
}

func (l *fakeLoader) SaveFile(ctx context.Context, fileID, content string) (*models.FileRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["save"]++
	for i := range l.files {
		if l.files[i].ID == fileID {
			l.files[i].Content = content
			l.saved[fileID] = content
			f := l.files[i]
			return &f, nil
		}
	}
	return nil, errors.NotFound("file", fileID)
}

// fakeChannel records joins and lets tests inject events and state changes.
type fakeChannel struct {
	mu     sync.Mutex
	refs   map[string]int
	events map[int]channel.EventHandler
	states map[int]channel.StateHandler
	next   int
	state  channel.ConnectionState
}

var _ Channel = (*fakeChannel)(nil)

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		refs:   make(map[string]int),
		events: make(map[int]channel.EventHandler),
		states: make(map[int]channel.StateHandler),
		state:  channel.Connected,
	}
}

func (f *fakeChannel) Join(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[id]++
}

func (f *fakeChannel) Leave(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs[id] > 0 {
		f.refs[id]--
	}
}

func (f *fakeChannel) Refs(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[id]
}

func (f *fakeChannel) OnEvent(h channel.EventHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.events[id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.events, id)
	}
}

func (f *fakeChannel) OnConnectionStateChange(h channel.StateHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.states[id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.states, id)
	}
}

func (f *fakeChannel) State() channel.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Handlers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events) + len(f.states)
}

func (f *fakeChannel) emit(e models.Event) {
	f.mu.Lock()
	handlers := make([]channel.EventHandler, 0, len(f.events))
	for _, h := range f.events {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}

func (f *fakeChannel) setState(s channel.ConnectionState) {
	f.mu.Lock()
	f.state = s
	handlers := make([]channel.StateHandler, 0, len(f.states))
	for _, h := range f.states {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}
