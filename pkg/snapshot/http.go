package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grovetools/pipewatch/config"
	"github.com/grovetools/pipewatch/errors"
	"github.com/grovetools/pipewatch/pkg/models"
	"github.com/grovetools/pipewatch/version"
	"github.com/sirupsen/logrus"
)

// Options configures an HTTPLoader.
type Options struct {
	BaseURL   string
	APIPrefix string
	Token     string
	Timeout   time.Duration
	LogLimit  int
	// HTTPClient overrides the default client. Its Timeout is left untouched.
	HTTPClient *http.Client
	Logger     *logrus.Entry
}

// HTTPLoader implements Loader against the backend REST API.
type HTTPLoader struct {
	httpClient *http.Client
	apiBase    string
	token      string
	logLimit   int
	logger     *logrus.Entry
}

var _ Loader = (*HTTPLoader)(nil)

// NewHTTPLoader creates a loader from explicit options.
func NewHTTPLoader(opts Options) (*HTTPLoader, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.ConfigInvalid(fmt.Sprintf("server.base_url %q is not an absolute URL", opts.BaseURL))
	}

	client := opts.HTTPClient
	if client == nil {
		transport := &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			DisableKeepAlives: false,
			MaxIdleConns:      10,
			IdleConnTimeout:   90 * time.Second,
		}
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{
			Transport: transport,
			Timeout:   timeout,
		}
	}

	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}

	limit := opts.LogLimit
	if limit <= 0 {
		limit = 100
	}

	return &HTTPLoader{
		httpClient: client,
		apiBase:    strings.TrimRight(opts.BaseURL, "/") + "/" + strings.Trim(opts.APIPrefix, "/"),
		token:      opts.Token,
		logLimit:   limit,
		logger:     logger,
	}, nil
}

// NewHTTPLoaderFromConfig creates a loader from the server and session sections.
func NewHTTPLoaderFromConfig(cfg *config.Config, logger *logrus.Entry) (*HTTPLoader, error) {
	return NewHTTPLoader(Options{
		BaseURL:   cfg.Server.BaseURL,
		APIPrefix: cfg.Server.APIPrefix,
		Token:     cfg.Server.Token,
		Timeout:   cfg.Session.RequestTimeout.Std(),
		LogLimit:  cfg.Session.LogLimit,
		Logger:    logger,
	})
}

// FetchProject returns the project record including its status.
func (l *HTTPLoader) FetchProject(ctx context.Context, projectID string) (*models.Project, error) {
	var project models.Project
	if err := l.do(ctx, call{
		op:       "fetch project",
		method:   http.MethodGet,
		path:     "/projects/" + url.PathEscape(projectID),
		resource: "project",
		id:       projectID,
	}, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// FetchFiles returns every file of the project.
func (l *HTTPLoader) FetchFiles(ctx context.Context, projectID string) ([]models.FileRecord, error) {
	var files []models.FileRecord
	if err := l.do(ctx, call{
		op:       "fetch files",
		method:   http.MethodGet,
		path:     "/projects/" + url.PathEscape(projectID) + "/files",
		resource: "project",
		id:       projectID,
	}, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// FetchLogs returns up to the configured limit of log entries, newest first.
func (l *HTTPLoader) FetchLogs(ctx context.Context, projectID string) ([]models.LogEntry, error) {
	var logs []models.LogEntry
	if err := l.do(ctx, call{
		op:       "fetch logs",
		method:   http.MethodGet,
		path:     "/projects/" + url.PathEscape(projectID) + "/logs",
		query:    url.Values{"limit": {strconv.Itoa(l.logLimit)}},
		resource: "project",
		id:       projectID,
	}, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// FetchVersions returns the project's version history.
func (l *HTTPLoader) FetchVersions(ctx context.Context, projectID string) ([]models.Version, error) {
	var versions []models.Version
	if err := l.do(ctx, call{
		op:       "fetch versions",
		method:   http.MethodGet,
		path:     "/projects/" + url.PathEscape(projectID) + "/versions",
		resource: "project",
		id:       projectID,
	}, &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

// TriggerTest asks the backend to start a test run.
func (l *HTTPLoader) TriggerTest(ctx context.Context, projectID string) error {
	return l.trigger(ctx, "trigger test", projectID, "test")
}

// TriggerRegenerate asks the backend to regenerate the project.
func (l *HTTPLoader) TriggerRegenerate(ctx context.Context, projectID string) error {
	return l.trigger(ctx, "trigger regenerate", projectID, "regenerate")
}

// SaveFile replaces a file's content.
func (l *HTTPLoader) SaveFile(ctx context.Context, fileID, content string) (*models.FileRecord, error) {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return nil, fmt.Errorf("failed to encode file content: %w", err)
	}

	var file models.FileRecord
	if err := l.do(ctx, call{
		op:       "save file",
		method:   http.MethodPut,
		path:     "/files/" + url.PathEscape(fileID),
		body:     body,
		resource: "file",
		id:       fileID,
	}, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

type ack struct {
	Message string `json:"message"`
}

func (l *HTTPLoader) trigger(ctx context.Context, op, projectID, action string) error {
	var a ack
	if err := l.do(ctx, call{
		op:       op,
		method:   http.MethodPost,
		path:     "/projects/" + url.PathEscape(projectID) + "/" + action,
		resource: "project",
		id:       projectID,
		emptyOK:  true,
	}, &a); err != nil {
		return err
	}
	l.logger.WithFields(logrus.Fields{"project": projectID, "ack": a.Message}).Debugf("%s accepted", op)
	return nil
}

type call struct {
	op       string
	method   string
	path     string
	query    url.Values
	body     []byte
	resource string
	id       string
	// emptyOK accepts a 2xx response without a body.
	emptyOK bool
}

// do performs one request and decodes a JSON response into out.
func (l *HTTPLoader) do(ctx context.Context, c call, out interface{}) error {
	target := l.apiBase + c.path
	if len(c.query) > 0 {
		target += "?" + c.query.Encode()
	}

	var body io.Reader
	if c.body != nil {
		body = bytes.NewReader(c.body)
	}

	req, err := http.NewRequestWithContext(ctx, c.method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	start := time.Now()
	resp, err := l.httpClient.Do(req)
	if err != nil {
		l.logger.WithError(err).WithField("op", c.op).Debug("request failed")
		return errors.FromTransport(c.op, err)
	}
	defer resp.Body.Close()

	l.logger.WithFields(logrus.Fields{
		"op":       c.op,
		"status":   resp.StatusCode,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("request completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return errors.FromHTTPStatus(c.op, c.resource, c.id, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if err == io.EOF && c.emptyOK {
			return nil
		}
		if ctx.Err() != nil {
			return errors.FromTransport(c.op, ctx.Err())
		}
		return errors.Unavailable(c.op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
