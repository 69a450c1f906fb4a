package cmd

import (
	"github.com/grovetools/pipewatch/cli"
	"github.com/spf13/cobra"
)

// NewStatusCmd creates the `status` command.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [project-id]",
		Short: "Show the current state of a project",
		Long: `Loads a project snapshot from the backend and prints its pipeline status,
file inventory and most recent agent log lines. Without a project id the
most recently opened project is shown.

Examples:
  # Show a project
  pipewatch status 3f2a9c

  # Include the last 50 log lines
  pipewatch status 3f2a9c --logs 50

  # Machine-readable output
  pipewatch status 3f2a9c --json
`,
		Args: cobra.MaximumNArgs(1),
		RunE: runStatusE,
	}

	addServerFlags(cmd)
	cmd.Flags().Int("logs", 10, "Number of recent log lines to show")

	return cmd
}

func runStatusE(cmd *cobra.Command, args []string) error {
	projectID, err := projectArg(args)
	if err != nil {
		return err
	}

	c, err := newClient(cmd, false)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.openOnce(cmd.Context(), projectID); err != nil {
		return err
	}
	c.remember()
	m, _ := c.ctrl.Snapshot()

	if cli.GetOptions(cmd).JSONOutput {
		return printJSON(cmd.OutOrStdout(), m)
	}

	maxLogs, _ := cmd.Flags().GetInt("logs")
	printSummary(cli.NewPrettyLogger(cmd), m, maxLogs)
	return nil
}
