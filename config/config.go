package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/grovetools/pipewatch/errors"
	"github.com/grovetools/pipewatch/pkg/paths"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// configNames are the project config file names, in lookup order.
var configNames = []string{
	"pipewatch.yml",
	"pipewatch.yaml",
	"pipewatch.toml",
	".pipewatch.yml",
	".pipewatch.yaml",
}

// knownKeys are the top-level keys decoded into Config fields; every other
// key lands in Extensions.
var knownKeys = map[string]bool{
	"version": true,
	"server":  true,
	"session": true,
	"channel": true,
}

// Load reads, parses, defaults, and validates a single configuration file.
func Load(path string) (*Config, error) {
	cfg, err := loadRaw(path)
	if err != nil {
		return nil, err
	}
	return finalize(cfg)
}

// LoadDefault finds and loads the configuration starting from the working directory.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to get current directory")
	}

	return LoadFrom(cwd)
}

// LoadFrom loads the project configuration found upward from startDir,
// layered over the global file.
func LoadFrom(startDir string) (*Config, error) {
	return LoadFromWithLogger(startDir, logrus.NewEntry(logrus.StandardLogger()))
}

// LoadFromWithLogger is LoadFrom with an explicit logger. The global file
// ($XDG_CONFIG_HOME/pipewatch/pipewatch.yml) is the base layer; the nearest
// project file overrides it key by key. A broken global file is skipped
// with a warning, a broken project file is an error.
func LoadFromWithLogger(startDir string, logger *logrus.Entry) (*Config, error) {
	projectPath, err := FindConfigFile(startDir)
	if err != nil {
		return nil, err
	}

	project, err := loadRaw(projectPath)
	if err != nil {
		return nil, err
	}
	logger.WithField("path", projectPath).Debug("Loaded configuration")

	globalPath := GlobalConfigPath()
	if globalPath == "" || globalPath == projectPath {
		return finalize(project)
	}
	if _, err := os.Stat(globalPath); err != nil {
		return finalize(project)
	}

	global, err := loadRaw(globalPath)
	if err != nil {
		logger.WithError(err).WithField("path", globalPath).Warn("Skipping unreadable global configuration")
		return finalize(project)
	}
	logger.WithField("path", globalPath).Debug("Layered global configuration")
	return finalize(mergeConfigs(global, project))
}

// LoadOrDefault behaves like LoadFrom but returns the defaults when no
// configuration file exists anywhere in the search path.
func LoadOrDefault(startDir string) (*Config, error) {
	cfg, err := LoadFrom(startDir)
	if errors.Is(err, errors.ErrCodeConfigNotFound) {
		return Default(), nil
	}
	return cfg, err
}

// LoadFromBytes parses YAML configuration content.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg, err := parse(data, ".yml")
	if err != nil {
		return nil, err
	}
	return finalize(cfg)
}

// FindConfigFile returns the first of configNames found in startDir or one
// of its parents, falling back to the global file.
func FindConfigFile(startDir string) (string, error) {
	for dir := startDir; ; {
		for _, name := range configNames {
			if isFile(filepath.Join(dir, name)) {
				return filepath.Join(dir, name), nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if global := GlobalConfigPath(); global != "" && isFile(global) {
		return global, nil
	}
	return "", errors.ConfigNotFound(startDir).WithDetail("searchPath", startDir)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// GlobalConfigPath returns the path of the user-wide configuration file.
func GlobalConfigPath() string {
	dir := paths.ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "pipewatch.yml")
}

func loadRaw(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigNotFound(path)
		}
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to read config file").
			WithDetail("path", path)
	}

	cfg, err := parse(data, filepath.Ext(path))
	if err != nil {
		if coded, ok := err.(*errors.Error); ok {
			return nil, coded.WithDetail("path", path)
		}
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte, ext string) (*Config, error) {
	// Expand environment variables
	expanded := []byte(expandEnvVars(string(data)))

	var cfg Config
	if ext == ".toml" {
		if err := toml.Unmarshal(expanded, &cfg); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse TOML configuration")
		}
		var raw map[string]interface{}
		if err := toml.Unmarshal(expanded, &raw); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse TOML configuration")
		}
		for key, val := range raw {
			if knownKeys[key] {
				continue
			}
			if cfg.Extensions == nil {
				cfg.Extensions = make(map[string]interface{})
			}
			cfg.Extensions[key] = val
		}
		return &cfg, nil
	}

	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse YAML configuration")
	}
	return &cfg, nil
}

func finalize(cfg *Config) (*Config, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnvVars substitutes ${VAR} and ${VAR:-default}. Unset variables
// without a default expand to the empty string.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		name, def, _ := strings.Cut(envVarRegex.FindStringSubmatch(match)[1], ":-")
		if v := os.Getenv(name); v != "" {
			return v
		}
		return def
	})
}
