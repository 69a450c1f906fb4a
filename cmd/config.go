package cmd

import (
	"fmt"

	"github.com/grovetools/pipewatch/cli"
	"github.com/grovetools/pipewatch/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Display the effective configuration",
		Long: `Shows the configuration pipewatch runs with after merging layers and
applying defaults:
1. Global config ($XDG_CONFIG_HOME/pipewatch/pipewatch.yml)
2. Project config (pipewatch.yml found upward from the current directory)
This is useful for debugging configuration issues. The server token is masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := cli.LoadConfig(cli.GetOptions(cmd))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if path != "" {
				fmt.Fprintf(out, "# Source: %s\n", path)
			} else {
				fmt.Fprintln(out, "# Source: defaults (no pipewatch.yml found)")
			}
			if global := config.GlobalConfigPath(); global != "" && global != path {
				fmt.Fprintf(out, "# Global: %s\n", global)
			}

			masked := *cfg
			if masked.Server.Token != "" {
				masked.Server.Token = "********"
			}
			data, err := yaml.Marshal(&masked)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprint(out, string(data))
			return nil
		},
	}
	return cmd
}
