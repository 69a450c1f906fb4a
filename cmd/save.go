package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/grovetools/pipewatch/cli"
	"github.com/grovetools/pipewatch/pkg/profiling"
	"github.com/spf13/cobra"
)

// NewSaveCmd creates the `save` command.
func NewSaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save <project-id> <file-id> [path]",
		Short: "Upload new content for a generated file",
		Long: `Replaces the content of a project file with the content of a local file,
or of stdin when no path (or "-") is given. The file inventory is reloaded
afterwards so the printed record is what the backend stored.

Examples:
  pipewatch save 3f2a9c f12 ./main.py
  cat main.py | pipewatch save 3f2a9c f12
`,
		Args: cobra.RangeArgs(2, 3),
		RunE: runSaveE,
	}

	addServerFlags(cmd)

	return cmd
}

func runSaveE(cmd *cobra.Command, args []string) error {
	projectID, fileID := args[0], args[1]

	var content []byte
	var err error
	if len(args) == 3 && args[2] != "-" {
		content, err = os.ReadFile(args[2])
	} else {
		content, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}

	c, err := newClient(cmd, false)
	if err != nil {
		return err
	}
	defer c.close()

	ctx := cmd.Context()
	if err := c.openOnce(ctx, projectID); err != nil {
		return err
	}
	if err := c.ctrl.EditFile(ctx, fileID, string(content)); err != nil {
		return err
	}

	p := cli.NewPrettyLogger(cmd)
	m, _ := c.ctrl.Snapshot()
	if !m.Dirty(fileID) {
		p.InfoPretty(fmt.Sprintf("%s is unchanged", fileID))
		return nil
	}

	span := profiling.Start(ctx, "save file")
	err = c.ctrl.SaveFile(ctx, fileID)
	span.Stop()
	if err != nil {
		return err
	}

	m, _ = c.ctrl.Snapshot()
	f, _ := m.File(fileID)
	p.Success(fmt.Sprintf("Saved %s (%d bytes)", f.Path, len(f.Content)))
	return nil
}
