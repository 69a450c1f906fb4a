package cmd

import (
	"context"
	"time"

	"github.com/grovetools/pipewatch/cli"
	"github.com/grovetools/pipewatch/config"
	"github.com/grovetools/pipewatch/errors"
	"github.com/grovetools/pipewatch/logging"
	"github.com/grovetools/pipewatch/pkg/channel"
	"github.com/grovetools/pipewatch/pkg/profiling"
	"github.com/grovetools/pipewatch/pkg/session"
	"github.com/grovetools/pipewatch/pkg/snapshot"
	"github.com/grovetools/pipewatch/state"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// addServerFlags registers the flags shared by every command that talks to
// the backend.
func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "Backend base URL (overrides server.base_url)")
	cmd.Flags().String("token", "", "Bearer token (overrides server.token)")
	cmd.Flags().Duration("timeout", 0, "Per-request timeout (overrides session.request_timeout)")
}

// client bundles the pieces a backend command needs.
type client struct {
	cfg     *config.Config
	cfgPath string
	logger  *logrus.Entry
	loader  *snapshot.HTTPLoader
	channel *channel.Channel
	ctrl    *session.Controller
}

// newClient loads configuration, applies flag overrides and builds the
// loader and controller. With push set and the config in push mode it also
// connects the event channel. overrides run after the shared flags.
func newClient(cmd *cobra.Command, push bool, overrides ...func(*config.Config)) (*client, error) {
	opts := cli.GetOptions(cmd)
	span := profiling.Start(cmd.Context(), "load config")
	cfg, path, err := cli.LoadConfig(opts)
	span.Stop()
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("server"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		cfg.Server.Token = v
	}
	if v, _ := cmd.Flags().GetDuration("timeout"); v > 0 {
		cfg.Session.RequestTimeout = config.Duration(v)
	}
	for _, o := range overrides {
		o(cfg)
	}
	if cfg.Server.BaseURL == "" {
		return nil, errors.ConfigInvalid("server.base_url is not set; use --server or pipewatch.yml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var logCfg logging.Config
	if err := cfg.UnmarshalExtension("logging", &logCfg); err == nil {
		logging.Reconfigure(logCfg)
	}
	logger := cli.GetLogger(cmd)

	loader, err := snapshot.NewHTTPLoaderFromConfig(cfg, logging.NewLogger("snapshot"))
	if err != nil {
		return nil, err
	}

	c := &client{cfg: cfg, cfgPath: path, logger: logger, loader: loader}

	var ch session.Channel
	if push && cfg.Session.Mode == config.ModePush {
		c.channel, err = channel.NewFromConfig(cfg, nil, logging.NewLogger("channel"))
		if err != nil {
			return nil, err
		}
		span := profiling.Start(cmd.Context(), "connect channel")
		err = c.channel.Connect(cmd.Context())
		span.Stop()
		if err != nil {
			return nil, err
		}
		ch = c.channel
	}

	c.ctrl = session.New(loader, ch, session.OptionsFromConfig(cfg, logging.NewLogger("session")))
	return c, nil
}

// openOnce starts a session for a one-shot command. Unless the retry budget
// is configured, hydration gives up after a few request timeouts instead of
// retrying forever.
func (c *client) openOnce(ctx context.Context, projectID string) error {
	defer profiling.Start(ctx, "open session").Stop()
	if c.cfg.Session.Retry.MaxElapsedTime == 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 3*c.cfg.Session.RequestTimeout.Std()+time.Second)
		defer cancel()
	}
	return c.ctrl.Open(ctx, projectID)
}

// remember records the open project as the most recent one. Failures only
// cost the convenience of omitting the id next time.
func (c *client) remember() {
	m, ok := c.ctrl.Snapshot()
	if !ok {
		return
	}
	if err := state.RecordOpen(m.ProjectID, m.Project.Name); err != nil {
		c.logger.WithError(err).Debug("Failed to record recent project")
	}
}

// projectArg returns the project id argument, falling back to the most
// recently opened project.
func projectArg(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	s, err := state.Load()
	if err != nil {
		return "", err
	}
	if id, ok := s.LastProject(); ok {
		return id, nil
	}
	return "", errors.New(errors.ErrCodeInvalidInput, "no project id given and no project opened before")
}

func (c *client) close() {
	c.ctrl.Close()
	if c.channel != nil {
		c.channel.Disconnect()
	}
}
