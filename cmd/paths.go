package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/grovetools/pipewatch/config"
	"github.com/grovetools/pipewatch/pkg/paths"
	"github.com/spf13/cobra"
)

// PathsOutput represents the XDG-compliant paths used by pipewatch.
type PathsOutput struct {
	ConfigDir    string `json:"config_dir"`
	GlobalConfig string `json:"global_config"`
	StateDir     string `json:"state_dir"`
	LogDir       string `json:"log_dir"`
}

func NewPathsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paths",
		Short: "Print the XDG-compliant paths used by pipewatch",
		Long: `Print the XDG-compliant paths used by pipewatch as JSON.

- config_dir: global configuration (pipewatch.yml)
- state_dir: runtime state
- log_dir: log files written by the file sink

PIPEWATCH_HOME relocates all of them under one root.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := PathsOutput{
				ConfigDir:    paths.ConfigDir(),
				GlobalConfig: config.GlobalConfigPath(),
				StateDir:     paths.StateDir(),
				LogDir:       paths.LogDir(),
			}

			jsonData, err := json.MarshalIndent(output, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal paths to JSON: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonData))
			return nil
		},
	}

	return cmd
}
