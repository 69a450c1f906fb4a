package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/grovetools/pipewatch/cli"
	"github.com/grovetools/pipewatch/logging"
	"github.com/grovetools/pipewatch/pkg/models"
	"github.com/grovetools/pipewatch/pkg/profiling"
	"github.com/grovetools/pipewatch/pkg/reconciler"
	"github.com/spf13/cobra"
)

// NewTestCmd creates the `test` command.
func NewTestCmd() *cobra.Command {
	return newActionCmd("test", "Start a test run for a project", "Test run",
		func(ctx context.Context, c *client) error { return c.ctrl.TriggerTest(ctx) })
}

// NewRegenerateCmd creates the `regenerate` command.
func NewRegenerateCmd() *cobra.Command {
	return newActionCmd("regenerate", "Regenerate a project from its prompt", "Regeneration",
		func(ctx context.Context, c *client) error { return c.ctrl.TriggerRegenerate(ctx) })
}

func newActionCmd(name, short, label string, trigger func(context.Context, *client) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name + " <project-id>",
		Short: short,
		Long: fmt.Sprintf(`%s. The command returns once the backend has accepted
the request; use --wait to follow the pipeline until it finishes.

Examples:
  pipewatch %s 3f2a9c
  pipewatch %s 3f2a9c --wait --wait-timeout 10m
`, short, name, name),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, _ := cmd.Flags().GetBool("wait")

			c, err := newClient(cmd, wait)
			if err != nil {
				return err
			}
			defer c.close()

			if err := c.openOnce(cmd.Context(), args[0]); err != nil {
				return err
			}
			c.remember()

			changes, err := c.ctrl.Subscribe()
			if err != nil {
				return err
			}

			span := profiling.Start(cmd.Context(), "trigger "+name)
			err = trigger(cmd.Context(), c)
			span.Stop()
			if err != nil {
				return err
			}

			p := cli.NewPrettyLogger(cmd)
			p.Success(fmt.Sprintf("%s started for %s", label, args[0]))
			if !wait {
				return nil
			}

			timeout, _ := cmd.Flags().GetDuration("wait-timeout")
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			final, err := waitForCompletion(ctx, c, changes, p)
			if err != nil {
				return err
			}
			if final.State == models.StateFailed {
				return fmt.Errorf("%s failed: %s", label, final.Message)
			}
			return nil
		},
	}

	addServerFlags(cmd)
	cmd.Flags().Bool("wait", false, "Wait until the pipeline reaches a final state")
	cmd.Flags().Duration("wait-timeout", 30*time.Minute, "Maximum time to wait with --wait")

	return cmd
}

// waitForCompletion prints status changes until the pipeline has left its
// final state and come back to one. The first status observed after the
// trigger may still be the previous final state.
func waitForCompletion(ctx context.Context, c *client, changes <-chan reconciler.Change, p *logging.PrettyLogger) (models.Status, error) {
	var last models.Status
	started := false
	for {
		select {
		case <-ctx.Done():
			return last, fmt.Errorf("gave up waiting: %w", ctx.Err())
		case err := <-c.ctrl.Errors():
			p.WarnPretty(err.Error())
		case _, ok := <-changes:
			if !ok {
				return last, fmt.Errorf("session closed while waiting")
			}
			m, _ := c.ctrl.Snapshot()
			if m.Status != last {
				last = m.Status
				p.Status(last)
			}
			if !last.State.IsTerminal() {
				started = true
			} else if started {
				return last, nil
			}
		}
	}
}
