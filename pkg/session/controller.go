// Package session drives the lifecycle of one project session: it hydrates
// the read model from REST snapshots, feeds it pushed events, keeps it fresh
// with a periodic refresh and forwards user actions to the backend.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/grovetools/pipewatch/config"
	"github.com/grovetools/pipewatch/errors"
	"github.com/grovetools/pipewatch/pkg/channel"
	"github.com/grovetools/pipewatch/pkg/models"
	"github.com/grovetools/pipewatch/pkg/reconciler"
	"github.com/grovetools/pipewatch/pkg/snapshot"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Channel is the part of *channel.Channel a session uses.
type Channel interface {
	Join(projectID string)
	Leave(projectID string)
	OnEvent(h channel.EventHandler) (unsubscribe func())
	OnConnectionStateChange(h channel.StateHandler) (unsubscribe func())
	State() channel.ConnectionState
}

var _ Channel = (*channel.Channel)(nil)

// Options configures a Controller.
type Options struct {
	// Mode is config.ModePush or config.ModePoll.
	Mode            string
	RefreshInterval time.Duration

	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMaxElapsed time.Duration

	Logger *logrus.Entry
}

// OptionsFromConfig reads the session section.
func OptionsFromConfig(cfg *config.Config, logger *logrus.Entry) Options {
	return Options{
		Mode:            cfg.Session.Mode,
		RefreshInterval: cfg.Session.RefreshInterval.Std(),
		RetryInitial:    cfg.Session.Retry.InitialInterval.Std(),
		RetryMax:        cfg.Session.Retry.MaxInterval.Std(),
		RetryMaxElapsed: cfg.Session.Retry.MaxElapsedTime.Std(),
		Logger:          logger,
	}
}

// Controller owns at most one session at a time.
type Controller struct {
	loader snapshot.Loader
	ch     Channel
	opts   Options
	logger *logrus.Entry
	errs   chan error

	// openMu serializes Open calls; Close may still run concurrently.
	openMu sync.Mutex

	mu       sync.Mutex
	state    State
	gen      uint64
	cur      *session
	interval time.Duration
}

// New creates a closed Controller. ch may be nil, in which case sessions run
// in poll-only mode.
func New(loader snapshot.Loader, ch Channel, opts Options) *Controller {
	if opts.Mode == "" {
		opts.Mode = config.ModePush
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Second
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 500 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}

	return &Controller{
		loader:   loader,
		ch:       ch,
		opts:     opts,
		logger:   logger,
		errs:     make(chan error, 32),
		interval: opts.RefreshInterval,
	}
}

// session is everything that lives between Open and Close.
type session struct {
	gen       uint64
	projectID string
	rec       *reconciler.Reconciler
	push      bool

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan interface{}
	wg     sync.WaitGroup
	unsubs []func()
}

// post hands a message to the dispatch loop. It gives up once the session is
// closed, which is how late results get dropped.
func (s *session) post(m interface{}) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.inbox <- m:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ProjectID returns the id of the current session, if any.
func (c *Controller) ProjectID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return ""
	}
	return c.cur.projectID
}

// Errors surfaces transient conditions such as failed refreshes or a lost
// push connection. The model keeps its last known good content meanwhile.
// Errors are dropped when nobody reads them.
func (c *Controller) Errors() <-chan error { return c.errs }

func (c *Controller) report(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

// Open starts a session for projectID and blocks until the first hydration
// succeeds. Transient failures are retried with backoff while the session
// stays Opening; NotFound, Unauthorized and InvalidInput close the session
// and are returned. Opening a different project closes the current one
// first; opening the already open project is a no-op.
func (c *Controller) Open(ctx context.Context, projectID string) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.Lock()
	if c.cur != nil && c.cur.projectID == projectID && c.state == Open {
		c.mu.Unlock()
		return nil
	}
	hasSession := c.cur != nil
	c.mu.Unlock()

	if hasSession {
		c.Close()
	}

	s := c.start(projectID)
	log := c.logger.WithFields(logrus.Fields{"project": projectID, "session": s.gen})
	log.Info("Opening session")

	f, err := c.hydrateWithRetry(ctx, s, log)
	if err == nil {
		reply := make(chan error, 1)
		if s.post(hydratedMsg{gen: s.gen, fetched: f, opening: true, reply: reply}) {
			select {
			case err = <-reply:
			case <-s.ctx.Done():
				err = errors.SessionClosed(projectID)
			}
		} else {
			err = errors.SessionClosed(projectID)
		}
	}

	if err != nil {
		if s.ctx.Err() != nil && ctx.Err() == nil {
			// Closed underneath us.
			return errors.SessionClosed(projectID)
		}
		log.WithError(err).Warn("Session failed to open")
		c.closeSession(s)
		return err
	}

	log.Info("Session open")
	return nil
}

// start registers a new session in the Opening state and launches its
// dispatch loop.
func (c *Controller) start(projectID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		gen:       c.gen,
		projectID: projectID,
		rec:       reconciler.New(projectID),
		push:      c.ch != nil && c.opts.Mode != config.ModePoll,
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan interface{}, 256),
	}
	c.cur = s
	c.state = Opening

	if s.push {
		s.unsubs = append(s.unsubs,
			c.ch.OnEvent(func(e models.Event) {
				if e.ProjectID == projectID {
					s.post(eventMsg{event: e})
				}
			}),
			c.ch.OnConnectionStateChange(func(cs channel.ConnectionState) {
				s.post(connMsg{state: cs})
			}),
		)
		c.ch.Join(projectID)
	}

	d := &dispatcher{c: c, s: s, interval: c.interval, conn: channel.Disconnected}
	if s.push {
		d.conn = c.ch.State()
	}
	s.wg.Add(1)
	go d.run()
	return s
}

func (c *Controller) hydrateWithRetry(ctx context.Context, s *session, log *logrus.Entry) (fetched, error) {
	// The attempt ends when either the caller gives up or the session closes.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.opts.RetryInitial),
		backoff.WithMaxInterval(c.opts.RetryMax),
		backoff.WithMaxElapsedTime(c.opts.RetryMaxElapsed),
	)

	var f fetched
	attempt := func() error {
		var err error
		f, err = c.fetchSnapshot(ctx, s.projectID)
		if err == nil {
			return nil
		}
		if errors.IsTransient(err) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait.Round(time.Millisecond)).Warn("Hydration failed, retrying")
		c.report(err)
	}

	err := backoff.RetryNotify(attempt, backoff.WithContext(b, ctx), notify)
	return f, err
}

// fetched is one snapshot load. Versions are best effort: a failure there
// is kept aside instead of failing the load.
type fetched struct {
	snap        snapshot.Snapshot
	versionsErr error
}

// fetchSnapshot loads project, files, logs and versions in parallel.
func (c *Controller) fetchSnapshot(ctx context.Context, projectID string) (fetched, error) {
	var snap snapshot.Snapshot
	var versionsErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := c.loader.FetchProject(gctx, projectID)
		if err != nil {
			return err
		}
		snap.Project = *p
		return nil
	})
	g.Go(func() error {
		files, err := c.loader.FetchFiles(gctx, projectID)
		snap.Files = files
		return err
	})
	g.Go(func() error {
		logs, err := c.loader.FetchLogs(gctx, projectID)
		snap.Logs = logs
		return err
	})
	g.Go(func() error {
		versions, err := c.loader.FetchVersions(gctx, projectID)
		snap.Versions = versions
		versionsErr = err
		return nil
	})

	if err := g.Wait(); err != nil {
		return fetched{}, err
	}
	return fetched{snap: snap, versionsErr: versionsErr}, nil
}

// Close ends the current session: in-flight work is cancelled, listeners are
// removed, the project is left on the channel and the model is discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	s := c.cur
	if s == nil {
		c.mu.Unlock()
		return
	}
	c.state = Closing
	c.mu.Unlock()

	c.closeSession(s)
}

func (c *Controller) closeSession(s *session) {
	c.mu.Lock()
	if c.cur != s {
		c.mu.Unlock()
		return
	}
	c.state = Closing
	c.mu.Unlock()

	s.cancel()
	for _, unsub := range s.unsubs {
		unsub()
	}
	if s.push {
		c.ch.Leave(s.projectID)
	}
	s.wg.Wait()
	s.rec.Discard()

	c.mu.Lock()
	if c.cur == s {
		c.cur = nil
		c.state = Closed
	}
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"project": s.projectID, "session": s.gen}).Info("Session closed")
}

// current returns the open session, or a SessionClosed error.
func (c *Controller) current() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.state != Open {
		id := ""
		if c.cur != nil {
			id = c.cur.projectID
		}
		return nil, errors.SessionClosed(id)
	}
	return c.cur, nil
}

// isCurrent reports whether gen is still the live session generation.
func (c *Controller) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil && c.cur.gen == gen
}

func (c *Controller) markOpen(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil && c.cur.gen == gen && c.state == Opening {
		c.state = Open
	}
}

// Snapshot returns a copy of the current model. ok is false when no session
// has been opened.
func (c *Controller) Snapshot() (reconciler.Model, bool) {
	c.mu.Lock()
	s := c.cur
	c.mu.Unlock()
	if s == nil {
		return reconciler.Model{}, false
	}
	return s.rec.Snapshot(), true
}

// Subscribe returns change notifications for the current session. The
// channel is closed when the session closes.
func (c *Controller) Subscribe() (<-chan reconciler.Change, error) {
	c.mu.Lock()
	s := c.cur
	c.mu.Unlock()
	if s == nil {
		return nil, errors.SessionClosed("")
	}
	return s.rec.Subscribe(), nil
}

// Refresh re-hydrates the whole model and waits for the result.
func (c *Controller) Refresh(ctx context.Context) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return c.request(ctx, s, func(reply chan error) interface{} { return refreshMsg{reply: reply} })
}

// TriggerTest starts a test run. On success an immediate refresh is
// scheduled; on failure the model is left untouched.
func (c *Controller) TriggerTest(ctx context.Context) error {
	return c.trigger(ctx, "test", c.loader.TriggerTest)
}

// TriggerRegenerate starts a regeneration. Same contract as TriggerTest.
func (c *Controller) TriggerRegenerate(ctx context.Context) error {
	return c.trigger(ctx, "regenerate", c.loader.TriggerRegenerate)
}

func (c *Controller) trigger(ctx context.Context, action string, fn func(context.Context, string) error) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	if err := fn(ctx, s.projectID); err != nil {
		c.logger.WithError(err).WithField("project", s.projectID).Warnf("Failed to trigger %s", action)
		return err
	}
	c.logger.WithField("project", s.projectID).Infof("Triggered %s", action)
	s.post(refreshMsg{})
	return nil
}

// SelectFile sets the selected file in the model.
func (c *Controller) SelectFile(ctx context.Context, fileID string) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return c.request(ctx, s, func(reply chan error) interface{} { return selectMsg{id: fileID, reply: reply} })
}

// EditFile records unsaved content for a file.
func (c *Controller) EditFile(ctx context.Context, fileID, content string) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return c.request(ctx, s, func(reply chan error) interface{} {
		return editMsg{id: fileID, content: content, reply: reply}
	})
}

// SaveFile persists the local edit of a file and then reloads the file
// inventory so the model converges on the stored content. Saving a file
// without local changes does nothing.
func (c *Controller) SaveFile(ctx context.Context, fileID string) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	content, ok := s.rec.LocalEdit(fileID)
	if !ok {
		return nil
	}
	if _, err := c.loader.SaveFile(ctx, fileID, content); err != nil {
		c.logger.WithError(err).WithField("file", fileID).Warn("Failed to save file")
		return err
	}
	return c.request(ctx, s, func(reply chan error) interface{} { return filesRefreshMsg{reply: reply} })
}

// SetRefreshInterval changes the periodic refresh interval of the current
// and future sessions.
func (c *Controller) SetRefreshInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.interval = d
	s := c.cur
	c.mu.Unlock()
	if s != nil {
		s.post(intervalMsg{interval: d})
	}
}

// request posts a message carrying a reply channel and waits for the answer.
func (c *Controller) request(ctx context.Context, s *session, build func(chan error) interface{}) error {
	reply := make(chan error, 1)
	if !s.post(build(reply)) {
		return errors.SessionClosed(s.projectID)
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.SessionClosed(s.projectID)
	}
}

func (c *Controller) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return "session(closed)"
	}
	return fmt.Sprintf("session(%s, %s)", c.cur.projectID, c.state)
}
