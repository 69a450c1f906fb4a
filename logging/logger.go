package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/grovetools/pipewatch/config"
	"github.com/grovetools/pipewatch/pkg/paths"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Environment overrides.
const (
	EnvLevel  = "PIPEWATCH_LOG_LEVEL"
	EnvCaller = "PIPEWATCH_LOG_CALLER"
	EnvDebug  = "PIPEWATCH_DEBUG"
)

var (
	mu      sync.Mutex
	loggers = make(map[string]*logrus.Entry)
	// files holds open log files by path; components share them.
	files = make(map[string]*os.File)
)

// NewLogger returns the logger for component, creating it on first use from
// the `logging` section of the discovered configuration.
func NewLogger(component string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()

	if entry, ok := loggers[component]; ok {
		return entry
	}

	var cfg Config
	if c, err := config.LoadDefault(); err == nil {
		if err := c.UnmarshalExtension("logging", &cfg); err != nil {
			logrus.Warnf("Ignoring invalid 'logging' config: %v", err)
		}
	}

	entry := newEntry(component, cfg)
	loggers[component] = entry
	return entry
}

// Reconfigure applies a reloaded configuration to every logger created so
// far. Level and caller reporting change; sinks and formatter stay.
func Reconfigure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	s := resolve(cfg)
	for _, entry := range loggers {
		entry.Logger.SetLevel(s.level)
		entry.Logger.SetReportCaller(s.caller)
	}
}

// settings are the values of Config after environment overrides.
type settings struct {
	level  logrus.Level
	caller bool
}

func resolve(cfg Config) settings {
	name := cfg.Level
	if env := os.Getenv(EnvLevel); env != "" {
		name = env
	}
	level, err := logrus.ParseLevel(name)
	if name == "" || err != nil {
		level = logrus.InfoLevel
	}
	return settings{
		level:  level,
		caller: cfg.ReportCaller || os.Getenv(EnvCaller) == "true",
	}
}

func newEntry(component string, cfg Config) *logrus.Entry {
	s := resolve(cfg)

	logger := logrus.New()
	logger.SetLevel(s.level)
	logger.SetReportCaller(s.caller)
	logger.SetFormatter(formatterFor(cfg.Format))

	var writers []io.Writer
	if cfg.File.Enabled {
		if f, err := logFile(cfg.File.Path); err == nil {
			writers = append(writers, f)
		} else {
			logger.Warnf("Log file disabled: %v", err)
		}
	}
	if toStderr(cfg.Format.StructuredToStderr, s.level) {
		writers = append(writers, os.Stderr)
	}

	switch len(writers) {
	case 0:
		// On an interactive terminal the pretty output is the UI.
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(writers[0])
	default:
		logger.SetOutput(io.MultiWriter(writers...))
	}

	return logger.WithField(fieldComponent, component)
}

func formatterFor(f FormatConfig) logrus.Formatter {
	switch f.Preset {
	case PresetJSON:
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	case PresetSimple:
		return &TextFormatter{Config: FormatConfig{DisableTimestamp: true, DisableComponent: true}}
	default:
		return &TextFormatter{Config: f}
	}
}

// toStderr decides whether structured logs reach stderr. In auto mode they
// do when debugging or when stderr is not a terminal.
func toStderr(mode string, level logrus.Level) bool {
	switch mode {
	case StderrAlways:
		return true
	case StderrNever:
		return false
	}
	if os.Getenv(EnvDebug) == "1" || level >= logrus.DebugLevel {
		return true
	}
	fd := os.Stderr.Fd()
	return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}

// logFile opens (once per process) the file at path, or the dated default
// under the state log directory.
func logFile(path string) (*os.File, error) {
	path = expandHome(path)
	if path == "" {
		dir := paths.LogDir()
		if dir == "" {
			return nil, fmt.Errorf("no log directory")
		}
		path = filepath.Join(dir, fmt.Sprintf("pipewatch-%s.log", time.Now().Format("2006-01-02")))
	}
	if f, ok := files[path]; ok {
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	files[path] = f
	return f, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
