package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grovetools/pipewatch/cli"
	"github.com/grovetools/pipewatch/config"
	"github.com/grovetools/pipewatch/logging"
	"github.com/grovetools/pipewatch/pkg/reconciler"
	"github.com/spf13/cobra"
)

// NewWatchCmd creates the `watch` command.
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [project-id]",
		Short: "Follow a project live",
		Long: `Opens a session for a project and prints status changes, agent log lines
and file inventory changes as they happen. Events are pushed over a
websocket; a periodic refresh heals anything missed while the connection
was down. Edits to the configuration file are applied without restarting
(log level and refresh interval). Without a project id the most recently
opened project is followed.

Examples:
  # Follow until interrupted
  pipewatch watch 3f2a9c

  # Stop once the pipeline finishes
  pipewatch watch 3f2a9c --exit-on-done

  # Poll every 2s without the push channel
  pipewatch watch 3f2a9c --mode poll --interval 2s
`,
		Args: cobra.MaximumNArgs(1),
		RunE: runWatchE,
	}

	addServerFlags(cmd)
	cmd.Flags().String("mode", "", "Update mode: push or poll (overrides session.mode)")
	cmd.Flags().Duration("interval", 0, "Refresh interval (overrides session.refresh_interval)")
	cmd.Flags().Bool("exit-on-done", false, "Exit when the pipeline reaches a final state")
	cmd.Flags().Bool("no-reload", false, "Do not watch the configuration file for changes")

	return cmd
}

func runWatchE(cmd *cobra.Command, args []string) error {
	projectID, err := projectArg(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	c, err := newWatchClient(cmd)
	if err != nil {
		return err
	}
	defer c.close()

	p := cli.NewPrettyLogger(cmd)
	p.InfoPretty(fmt.Sprintf("Opening %s on %s", projectID, c.cfg.Server.BaseURL))

	if err := c.ctrl.Open(ctx, projectID); err != nil {
		return err
	}
	c.remember()

	if !cli.GetOptions(cmd).JSONOutput {
		m, _ := c.ctrl.Snapshot()
		printSummary(p, m, 20)
	}

	if noReload, _ := cmd.Flags().GetBool("no-reload"); !noReload && c.cfgPath != "" {
		w, err := config.NewWatcher(c.cfgPath, 0, c.logger, func(cfg *config.Config) {
			applyReload(c, cfg, p)
		})
		if err != nil {
			c.logger.WithError(err).Warn("Config hot reload disabled")
		} else {
			defer w.Close()
			go w.Start(ctx)
		}
	}

	exitOnDone, _ := cmd.Flags().GetBool("exit-on-done")
	return follow(ctx, cmd, c, p, exitOnDone)
}

// newWatchClient applies the watch-only flags on top of newClient.
func newWatchClient(cmd *cobra.Command) (*client, error) {
	mode, _ := cmd.Flags().GetString("mode")
	interval, _ := cmd.Flags().GetDuration("interval")

	return newClient(cmd, true, func(cfg *config.Config) {
		if mode != "" {
			cfg.Session.Mode = mode
		}
		if interval > 0 {
			cfg.Session.RefreshInterval = config.Duration(interval)
		}
	})
}

// applyReload pushes the settings that can change at runtime into the
// running session.
func applyReload(c *client, cfg *config.Config, p *logging.PrettyLogger) {
	var logCfg logging.Config
	if err := cfg.UnmarshalExtension("logging", &logCfg); err != nil {
		c.logger.WithError(err).Warn("Ignoring invalid logging section")
	} else {
		logging.Reconfigure(logCfg)
	}

	interval := cfg.Session.RefreshInterval.Std()
	if interval != c.cfg.Session.RefreshInterval.Std() {
		c.cfg.Session.RefreshInterval = cfg.Session.RefreshInterval
		c.ctrl.SetRefreshInterval(interval)
		p.InfoPretty(fmt.Sprintf("Refresh interval is now %s", interval))
	}
}

// follow prints changes until ctx is done, the session closes, or with
// exitOnDone the pipeline finishes.
func follow(ctx context.Context, cmd *cobra.Command, c *client, p *logging.PrettyLogger, exitOnDone bool) error {
	changes, err := c.ctrl.Subscribe()
	if err != nil {
		return err
	}

	jsonOut := cli.GetOptions(cmd).JSONOutput
	m, _ := c.ctrl.Snapshot()
	last := m.Status
	fileCount := len(m.Files)
	var cursor logCursor
	cursor.skip(m.Logs)

	// Changes are coalesced: one render may cover several notifications.
	render := func() bool {
		m, _ := c.ctrl.Snapshot()
		if jsonOut {
			_ = printJSON(cmd.OutOrStdout(), m)
		} else {
			cursor.print(p, m.Logs)
			if m.Status != last {
				p.Status(m.Status)
			}
			if len(m.Files) != fileCount && !m.FilesStale {
				p.Field("Files", len(m.Files))
				p.Files(m.Files)
			}
		}
		last = m.Status
		fileCount = len(m.Files)
		return exitOnDone && last.State.IsTerminal()
	}

	if exitOnDone && last.State.IsTerminal() {
		return nil
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			p.Blank()
			p.InfoPretty("Stopped")
			return nil
		case err := <-c.ctrl.Errors():
			p.WarnPretty(err.Error())
		case change, ok := <-changes:
			if !ok {
				return fmt.Errorf("session for %s closed", c.ctrl.ProjectID())
			}
			if change.Type == reconciler.ChangeFilesStale {
				continue
			}
			if pending == nil {
				pending = time.After(50 * time.Millisecond)
			}
		case <-pending:
			pending = nil
			if render() {
				return nil
			}
		}
	}
}
