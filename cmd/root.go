package cmd

import (
	"github.com/grovetools/pipewatch/cli"
	"github.com/grovetools/pipewatch/logging"
	"github.com/grovetools/pipewatch/pkg/profiling"
	"github.com/grovetools/pipewatch/version"
	"github.com/spf13/cobra"
)

// NewRootCmd assembles the pipewatch command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := cli.NewStandardCommand(
		version.Name,
		"Follow AI project generation pipelines from the terminal",
	)
	cli.SetVersionTemplate(rootCmd, version.GetInfo())

	profiler := profiling.NewCobraProfiler(logging.NewLogger("profiling"))
	profiler.AddFlags(rootCmd)
	rootCmd.PersistentPreRunE = profiler.PreRun
	rootCmd.PersistentPostRun = profiler.PostRun

	rootCmd.AddCommand(NewWatchCmd())
	rootCmd.AddCommand(NewStatusCmd())
	rootCmd.AddCommand(NewTestCmd())
	rootCmd.AddCommand(NewRegenerateCmd())
	rootCmd.AddCommand(NewSaveCmd())
	rootCmd.AddCommand(NewConfigCmd())
	rootCmd.AddCommand(NewPathsCmd())
	rootCmd.AddCommand(cli.NewVersionCommand(version.Name))

	cli.ApplyStyledHelpRecursive(rootCmd)
	return rootCmd
}
