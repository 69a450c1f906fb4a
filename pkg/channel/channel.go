// Package channel maintains the process-wide push connection to the backend.
//
// One Channel serves every session in the process. Sessions Join and Leave
// project ids; the server-side subscription for an id lives as long as at
// least one joiner holds it, and is re-established after every reconnect.
package channel

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grovetools/pipewatch/config"
	"github.com/grovetools/pipewatch/errors"
	"github.com/grovetools/pipewatch/pkg/models"
	"github.com/grovetools/pipewatch/schema"
	"github.com/grovetools/pipewatch/version"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Connect after Disconnect.
var ErrClosed = stderrors.New("channel is closed")

const writeTimeout = 5 * time.Second

// EventHandler receives validated events. Handlers run on the reader
// goroutine and must not block.
type EventHandler func(models.Event)

// StateHandler receives connection state changes. Like EventHandler it must
// not block.
type StateHandler func(ConnectionState)

// Options configures a Channel.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8000/ws.
	URL   string
	Token string

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	HandshakeTimeout time.Duration
	// PingInterval of zero disables keepalive pings.
	PingInterval time.Duration

	Validator *schema.Validator
	Logger    *logrus.Entry
}

// Channel is a reconnecting websocket client with ref-counted project joins.
type Channel struct {
	opts     Options
	dialer   *websocket.Dialer
	clientID string
	logger   *logrus.Entry

	mu     sync.Mutex
	refs   map[string]int
	conn   *websocket.Conn
	state  ConnectionState
	closed bool
	cancel context.CancelFunc
	err    error

	handlersMu    sync.RWMutex
	nextHandlerID int
	eventHandlers map[int]EventHandler
	stateHandlers map[int]StateHandler

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a disconnected channel.
func New(opts Options) (*Channel, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, errors.ConfigInvalid(fmt.Sprintf("websocket url %q must use ws or wss", opts.URL))
	}

	if opts.Validator == nil {
		v, err := schema.NewValidator()
		if err != nil {
			return nil, fmt.Errorf("failed to build event validator: %w", err)
		}
		opts.Validator = v
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}

	clientID := uuid.NewString()
	return &Channel{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		clientID:      clientID,
		logger:        logger.WithField("client_id", clientID),
		refs:          make(map[string]int),
		eventHandlers: make(map[int]EventHandler),
		stateHandlers: make(map[int]StateHandler),
	}, nil
}

// NewFromConfig derives the websocket endpoint from the server base URL.
func NewFromConfig(cfg *config.Config, v *schema.Validator, logger *logrus.Entry) (*Channel, error) {
	wsURL, err := WebsocketURL(cfg.Server.BaseURL, cfg.Server.WSPath)
	if err != nil {
		return nil, err
	}
	return New(Options{
		URL:              wsURL,
		Token:            cfg.Server.Token,
		ReconnectInitial: cfg.Channel.Reconnect.InitialInterval.Std(),
		ReconnectMax:     cfg.Channel.Reconnect.MaxInterval.Std(),
		HandshakeTimeout: cfg.Channel.HandshakeTimeout.Std(),
		PingInterval:     cfg.Channel.PingInterval.Std(),
		Validator:        v,
		Logger:           logger,
	})
}

// WebsocketURL maps an http(s) origin and a path to the ws(s) endpoint.
func WebsocketURL(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", errors.ConfigInvalid(fmt.Sprintf("server.base_url: %v", err))
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.ConfigInvalid(fmt.Sprintf("server.base_url %q must use http or https", baseURL))
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

// ClientID identifies this process to the server across reconnects.
func (c *Channel) ClientID() string { return c.clientID }

// Connect starts the connection supervisor. It returns immediately; the
// connection is (re)established in the background until ctx is done or
// Disconnect is called. Calling Connect on a running channel is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.err = nil
	c.wg.Add(1)
	go c.run(runCtx)
	return nil
}

// Disconnect stops the supervisor, closes the connection and drops every
// handler. The channel cannot be reconnected afterwards.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.wg.Wait()

	c.handlersMu.Lock()
	c.eventHandlers = make(map[int]EventHandler)
	c.stateHandlers = make(map[int]StateHandler)
	c.handlersMu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Join subscribes to events for projectID. Each Join must be paired with one
// Leave; only the first joiner sends a join frame.
func (c *Channel) Join(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refs[projectID]++
	if c.refs[projectID] == 1 && c.conn != nil {
		if err := c.send(c.conn, "join_project", projectID); err != nil {
			// The reader will notice the broken connection; the
			// reconnect re-joins every referenced id.
			c.logger.WithError(err).WithField("project", projectID).Debug("join frame not sent")
		}
	}
}

// Leave releases one reference to projectID. The server-side subscription is
// dropped when the last reference goes; the connection stays open.
func (c *Channel) Leave(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.refs[projectID]
	if !ok {
		return
	}
	if n > 1 {
		c.refs[projectID] = n - 1
		return
	}
	delete(c.refs, projectID)
	if c.conn != nil {
		if err := c.send(c.conn, "leave_project", projectID); err != nil {
			c.logger.WithError(err).WithField("project", projectID).Debug("leave frame not sent")
		}
	}
}

// Refs returns the reference count held for projectID.
func (c *Channel) Refs(projectID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs[projectID]
}

// OnEvent registers an event handler and returns its unsubscribe func.
func (c *Channel) OnEvent(h EventHandler) (unsubscribe func()) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.eventHandlers[id] = h
	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		delete(c.eventHandlers, id)
	}
}

// OnConnectionStateChange registers a state handler and returns its
// unsubscribe func.
func (c *Channel) OnConnectionStateChange(h StateHandler) (unsubscribe func()) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.stateHandlers[id] = h
	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		delete(c.stateHandlers, id)
	}
}

// run is the connection supervisor. Transport failures are retried with
// backoff; a rejected handshake ends it in the Rejected state.
func (c *Channel) run(ctx context.Context) {
	defer c.wg.Done()

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.opts.ReconnectInitial),
		backoff.WithMaxInterval(c.opts.ReconnectMax),
		backoff.WithMaxElapsedTime(0),
	)

	for {
		c.setState(Connecting)
		conn, err := c.dial(ctx)
		if err == nil {
			b.Reset()
			err = c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			c.setState(Disconnected)
			return
		}

		if errors.Is(err, errors.ErrCodeUnauthorized) {
			c.reject(err)
			return
		}

		c.setState(Disconnected)
		wait := b.NextBackOff()
		c.logger.WithError(err).WithField("retry_in", wait.Round(time.Millisecond)).Warn("push connection lost")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			c.setState(Disconnected)
			return
		case <-t.C:
		}
	}
}

// reject records a terminal handshake failure and lets a later Connect
// start over.
func (c *Channel) reject(err error) {
	c.mu.Lock()
	c.err = err
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	c.logger.WithError(err).Error("push connection rejected, not retrying")
	c.setState(Rejected)
}

// Err returns the error that moved the channel to Rejected, or nil.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("X-Client-ID", c.clientID)
	header.Set("User-Agent", version.UserAgent())
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, errors.Unauthorized("open push channel").WithDetail("status", resp.StatusCode)
			}
		}
		return nil, errors.Unavailable("open push channel", err)
	}
	return conn, nil
}

// serve registers conn, re-joins every referenced project and reads until
// the connection fails.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	for id := range c.refs {
		if err := c.send(conn, "join_project", id); err != nil {
			c.conn = nil
			c.mu.Unlock()
			_ = conn.Close()
			return err
		}
	}
	joined := len(c.refs)
	c.mu.Unlock()

	c.logger.WithField("rejoined", joined).Info("push connection established")
	c.setState(Connected)

	done := make(chan struct{})
	if c.opts.PingInterval > 0 {
		c.wg.Add(1)
		go c.keepalive(conn, done)
	}

	err := c.read(ctx, conn)

	close(done)
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	return err
}

func (c *Channel) read(ctx context.Context, conn *websocket.Conn) error {
	extend := func() {
		if c.opts.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))
		}
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Unavailable("read push channel", err)
		}
		extend()
		c.handleMessage(msg)
	}
}

func (c *Channel) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleMessage validates one frame and hands it to the event handlers.
// Anything malformed is logged and dropped.
func (c *Channel) handleMessage(msg []byte) {
	var frame models.Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		c.logger.WithError(errors.MalformedEvent("frame", err)).Warn("dropping undecodable frame")
		return
	}

	kind := models.EventKind(frame.Event)
	switch kind {
	case models.EventStatus, models.EventLog, models.EventFileCreated:
	default:
		c.logger.WithField("event", frame.Event).Debug("ignoring frame")
		return
	}

	if frame.ProjectID == "" {
		c.logger.WithError(errors.MalformedEvent(frame.Event, stderrors.New("missing project_id"))).Warn("dropping event")
		return
	}
	if c.Refs(frame.ProjectID) == 0 {
		return
	}

	event, err := decode(c.opts.Validator, kind, frame)
	if err != nil {
		c.logger.WithError(err).WithField("project", frame.ProjectID).Warn("dropping malformed event")
		return
	}

	c.handlersMu.RLock()
	handlers := make([]EventHandler, 0, len(c.eventHandlers))
	for _, h := range c.eventHandlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func decode(v *schema.Validator, kind models.EventKind, frame models.Frame) (models.Event, error) {
	event := models.Event{Kind: kind, ProjectID: frame.ProjectID, ReceivedAt: time.Now()}

	if err := v.Validate(kind, frame.Data); err != nil {
		return event, errors.MalformedEvent(string(kind), err)
	}

	var err error
	switch kind {
	case models.EventStatus:
		event.Status = &models.StatusEvent{}
		err = json.Unmarshal(frame.Data, event.Status)
	case models.EventLog:
		event.Log = &models.LogEvent{}
		err = json.Unmarshal(frame.Data, event.Log)
	case models.EventFileCreated:
		event.FileCreated = &models.FileCreatedEvent{}
		err = json.Unmarshal(frame.Data, event.FileCreated)
	}
	if err != nil {
		return event, errors.MalformedEvent(string(kind), err)
	}
	return event, nil
}

// send writes a join or leave frame. Callers hold c.mu.
func (c *Channel) send(conn *websocket.Conn, event, projectID string) error {
	data, err := json.Marshal(models.JoinData{ProjectID: projectID})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(models.Frame{Event: event, Data: data})
}

func (c *Channel) setState(s ConnectionState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.logger.WithField("state", s).Debug("connection state changed")

	c.handlersMu.RLock()
	handlers := make([]StateHandler, 0, len(c.stateHandlers))
	for _, h := range c.stateHandlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(s)
	}
}
