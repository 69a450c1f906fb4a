package session

import (
	"fmt"
	"time"

	"github.com/grovetools/pipewatch/errors"
	"github.com/grovetools/pipewatch/pkg/channel"
	"github.com/grovetools/pipewatch/pkg/models"
	"github.com/sirupsen/logrus"
)

// Messages handled by the dispatch loop.
type (
	eventMsg struct{ event models.Event }
	connMsg  struct{ state channel.ConnectionState }

	hydratedMsg struct {
		gen     uint64
		epoch   uint64
		fetched fetched
		err     error
		opening bool
		reply   chan error
	}
	filesMsg struct {
		gen   uint64
		epoch uint64
		files []models.FileRecord
		err   error
	}

	refreshMsg      struct{ reply chan error }
	filesRefreshMsg struct{ reply chan error }
	intervalMsg     struct{ interval time.Duration }
	selectMsg       struct {
		id    string
		reply chan error
	}
	editMsg struct {
		id, content string
		reply       chan error
	}
)

// dispatcher is the single owner of a session's model. Everything that
// mutates the Reconciler runs on its goroutine; network calls run in helper
// goroutines that post their results back.
type dispatcher struct {
	c *Controller
	s *session

	open     bool
	interval time.Duration
	ticker   *time.Ticker
	tick     <-chan time.Time
	conn     channel.ConnectionState

	// Every fetch takes an epoch when it starts. filesWanted is the epoch of
	// the latest request for fresh files, filesEpoch the epoch of the fetch
	// the current file list came from. A full refresh older than either
	// leaves the files alone.
	epoch       uint64
	filesWanted uint64
	filesEpoch  uint64

	// Full refreshes.
	hydrating    bool
	hydEpoch     uint64
	refreshAgain bool
	hydWaiters   []chan error

	// File-only refetches.
	fetchingFiles bool
	refetchFiles  bool
	fileWaiters   []chan error
}

func (d *dispatcher) log() *logrus.Entry {
	return d.c.logger.WithFields(logrus.Fields{"project": d.s.projectID, "session": d.s.gen})
}

func (d *dispatcher) run() {
	defer d.s.wg.Done()
	defer d.stopTicker()

	for {
		select {
		case <-d.s.ctx.Done():
			d.failWaiters(errors.SessionClosed(d.s.projectID))
			return
		case <-d.tick:
			if d.s.ctx.Err() == nil {
				d.startRefresh(nil, false)
			}
		case m := <-d.s.inbox:
			d.handle(m)
		}
	}
}

func (d *dispatcher) handle(m interface{}) {
	if d.s.ctx.Err() != nil {
		// Closing. run returns on its next turn; the model stays as it was.
		if reply := replyOf(m); reply != nil {
			reply <- errors.SessionClosed(d.s.projectID)
		}
		return
	}

	switch m := m.(type) {
	case eventMsg:
		d.handleEvent(m.event)
	case connMsg:
		d.handleConn(m.state)
	case hydratedMsg:
		d.handleHydrated(m)
	case filesMsg:
		d.handleFiles(m)
	case refreshMsg:
		d.startRefresh(m.reply, true)
	case filesRefreshMsg:
		d.startFilesFetch(m.reply)
	case intervalMsg:
		d.interval = m.interval
		if d.ticker != nil {
			d.ticker.Reset(d.interval)
		}
	case selectMsg:
		d.s.rec.SelectFile(m.id)
		m.reply <- nil
	case editMsg:
		if !d.s.rec.EditFileContentLocally(m.id, m.content) {
			m.reply <- errors.NotFound("file", m.id)
			return
		}
		m.reply <- nil
	default:
		d.log().Errorf("unexpected dispatch message %T", m)
	}
}

// replyOf returns the reply channel a message carries, if any.
func replyOf(m interface{}) chan error {
	switch m := m.(type) {
	case hydratedMsg:
		return m.reply
	case refreshMsg:
		return m.reply
	case filesRefreshMsg:
		return m.reply
	case selectMsg:
		return m.reply
	case editMsg:
		return m.reply
	}
	return nil
}

func (d *dispatcher) handleEvent(e models.Event) {
	if !d.s.rec.Apply(e) {
		return
	}
	switch {
	case e.Status != nil:
		d.updateTicker()
	case e.FileCreated != nil:
		d.startFilesFetch(nil)
	}
}

func (d *dispatcher) handleConn(state channel.ConnectionState) {
	prev := d.conn
	d.conn = state
	switch {
	case state == channel.Disconnected && prev == channel.Connected:
		d.log().Warn("Push channel lost, relying on periodic refresh")
		d.c.report(errors.Unavailable("push channel", fmt.Errorf("connection %s", state)))
	case state == channel.Connected && prev != channel.Connected && d.open:
		// Events may have been missed while disconnected.
		d.log().Info("Push channel restored, refreshing")
		d.startRefresh(nil, true)
	case state == channel.Rejected:
		d.log().Error("Push channel rejected the credentials, relying on periodic refresh")
		d.c.report(errors.Unauthorized("push channel"))
	}
}

// startRefresh launches a full hydration. While one is running the request
// is answered by it, unless queue is set: then one more hydration follows,
// since the running one may have started before whatever prompted the
// request (a trigger, a reconnect). Ticks do not queue.
func (d *dispatcher) startRefresh(reply chan error, queue bool) {
	if reply != nil {
		d.hydWaiters = append(d.hydWaiters, reply)
	}
	if d.hydrating {
		d.refreshAgain = d.refreshAgain || queue
		return
	}
	d.hydrating = true
	d.refreshAgain = false
	d.epoch++
	d.hydEpoch = d.epoch
	epoch, s := d.epoch, d.s

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f, err := d.c.fetchSnapshot(s.ctx, s.projectID)
		s.post(hydratedMsg{gen: s.gen, epoch: epoch, fetched: f, err: err})
	}()
}

func (d *dispatcher) handleHydrated(m hydratedMsg) {
	if m.gen != d.s.gen || !d.c.isCurrent(m.gen) {
		return
	}

	if m.opening {
		// Epoch 0: files fetched for events seen while opening win.
		d.apply(m.fetched, 0)
		d.open = true
		d.c.markOpen(m.gen)
		d.updateTicker()
		m.reply <- nil
		return
	}

	if !d.hydrating || m.epoch != d.hydEpoch {
		return
	}
	d.hydrating = false

	if m.err != nil {
		d.log().WithError(m.err).Warn("Refresh failed, keeping last known state")
		d.c.report(m.err)
	} else {
		d.apply(m.fetched, m.epoch)
		d.updateTicker()
	}

	if d.refreshAgain {
		// Waiters ride along with the next hydration.
		d.startRefresh(nil, false)
		return
	}
	for _, w := range d.hydWaiters {
		w <- m.err
	}
	d.hydWaiters = nil
}

func (d *dispatcher) apply(f fetched, epoch uint64) {
	snap := f.snap
	if f.versionsErr != nil {
		d.log().WithError(f.versionsErr).Debug("Version history unavailable, keeping previous")
		snap.Versions = d.s.rec.Snapshot().Versions
	}
	if epoch < d.filesWanted || epoch < d.filesEpoch {
		d.log().Debug("Snapshot predates the file inventory, keeping files")
		d.s.rec.HydrateKeepFiles(snap)
		return
	}
	d.filesEpoch = epoch
	d.s.rec.Hydrate(snap)
}

// startFilesFetch reloads the file inventory. A request that arrives while a
// fetch is running schedules one more fetch after it, since the running one
// may predate the new file.
func (d *dispatcher) startFilesFetch(reply chan error) {
	if reply != nil {
		d.fileWaiters = append(d.fileWaiters, reply)
	}
	d.epoch++
	d.filesWanted = d.epoch
	if d.fetchingFiles {
		d.refetchFiles = true
		return
	}
	d.fetchingFiles = true
	d.refetchFiles = false
	epoch, s := d.epoch, d.s

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		files, err := d.c.loader.FetchFiles(s.ctx, s.projectID)
		s.post(filesMsg{gen: s.gen, epoch: epoch, files: files, err: err})
	}()
}

func (d *dispatcher) handleFiles(m filesMsg) {
	if m.gen != d.s.gen || !d.c.isCurrent(m.gen) {
		return
	}
	d.fetchingFiles = false

	switch {
	case m.err != nil:
		d.log().WithError(m.err).Warn("File refresh failed")
		d.c.report(m.err)
	case m.epoch < d.filesEpoch:
		d.log().Debug("Newer snapshot already applied, dropping file list")
	default:
		d.filesEpoch = m.epoch
		d.s.rec.ReplaceFiles(m.files)
	}

	if d.refetchFiles {
		// Waiters ride along with the next fetch.
		d.startFilesFetch(nil)
		return
	}
	for _, w := range d.fileWaiters {
		w <- m.err
	}
	d.fileWaiters = nil
}

// updateTicker runs the periodic refresh while the session is open and the
// pipeline is still working.
func (d *dispatcher) updateTicker() {
	if !d.open {
		return
	}
	terminal := d.s.rec.Status().State.IsTerminal()
	switch {
	case terminal && d.ticker != nil:
		d.log().Debug("Pipeline finished, pausing periodic refresh")
		d.stopTicker()
	case !terminal && d.ticker == nil:
		d.log().WithField("interval", d.interval).Debug("Starting periodic refresh")
		d.ticker = time.NewTicker(d.interval)
		d.tick = d.ticker.C
	}
}

func (d *dispatcher) stopTicker() {
	if d.ticker != nil {
		d.ticker.Stop()
		d.ticker = nil
		d.tick = nil
	}
}

func (d *dispatcher) failWaiters(err error) {
	for _, w := range d.hydWaiters {
		w <- err
	}
	for _, w := range d.fileWaiters {
		w <- err
	}
	d.hydWaiters, d.fileWaiters = nil, nil
}
