package cli

import (
	"os"

	"github.com/grovetools/pipewatch/config"
	"github.com/grovetools/pipewatch/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// CommandOptions holds common options for pipewatch commands
type CommandOptions struct {
	ConfigFile string
	Verbose    bool
	JSONOutput bool
	NoColor    bool
}

// NewStandardCommand creates a new command with the standard flags
func NewStandardCommand(use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	cmd.PersistentFlags().StringP("config", "c", "", "Path to pipewatch.yml config file")

	SetStyledHelp(cmd)

	return cmd
}

// GetLogger returns the CLI component logger adjusted for the command flags.
func GetLogger(cmd *cobra.Command) *logrus.Entry {
	entry := logging.NewLogger("pipewatch-cli")

	opts := GetOptions(cmd)
	if opts.Verbose {
		entry.Logger.SetLevel(logrus.DebugLevel)
	}
	if opts.JSONOutput {
		entry.Logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return entry
}

// GetOptions extracts common options from a command
func GetOptions(cmd *cobra.Command) CommandOptions {
	configFile, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	noColor, _ := cmd.Flags().GetBool("no-color")

	return CommandOptions{
		ConfigFile: configFile,
		Verbose:    verbose,
		JSONOutput: jsonOutput,
		NoColor:    noColor,
	}
}

// InitConfig resolves the configuration file path. An empty path with a nil
// error means no file exists and defaults apply.
func InitConfig(configFile string) (string, error) {
	if configFile != "" {
		return configFile, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	foundConfigFile, err := config.FindConfigFile(cwd)
	if err != nil {
		return "", nil
	}

	return foundConfigFile, nil
}

// LoadConfig loads the configuration named by the --config flag, or the one
// found from the working directory, or the defaults. It also returns the
// path that was loaded, if any.
func LoadConfig(opts CommandOptions) (*config.Config, string, error) {
	if opts.ConfigFile != "" {
		cfg, err := config.Load(opts.ConfigFile)
		return cfg, opts.ConfigFile, err
	}

	path, err := InitConfig("")
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		return config.Default(), "", nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.LoadFrom(cwd)
	return cfg, path, err
}

// NewPrettyLogger returns console output honoring --no-color.
func NewPrettyLogger(cmd *cobra.Command) *logging.PrettyLogger {
	p := logging.NewPrettyLoggerTo(cmd.OutOrStdout())
	if GetOptions(cmd).NoColor || os.Getenv("NO_COLOR") != "" {
		p.WithPlain()
	}
	return p
}
