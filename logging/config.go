package logging

// Format presets accepted in logging.format.preset.
const (
	PresetDefault = "default"
	PresetSimple  = "simple"
	PresetJSON    = "json"
)

// Modes accepted in logging.format.structured_to_stderr.
const (
	StderrAuto   = "auto"
	StderrAlways = "always"
	StderrNever  = "never"
)

// Config is the `logging` extension of pipewatch.yml.
//
//	logging:
//	  level: debug
//	  file:
//	    enabled: true
//	  format:
//	    preset: simple
type Config struct {
	// Level is overridden by PIPEWATCH_LOG_LEVEL.
	Level string `yaml:"level"`
	// ReportCaller is also enabled by PIPEWATCH_LOG_CALLER=true.
	ReportCaller bool           `yaml:"report_caller"`
	File         FileSinkConfig `yaml:"file"`
	Format       FormatConfig   `yaml:"format"`
}

// FileSinkConfig enables the log file. An empty Path means
// <state>/logs/pipewatch-<date>.log, shared by all components.
type FileSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// FormatConfig controls how entries are rendered.
type FormatConfig struct {
	Preset           string `yaml:"preset"`
	DisableTimestamp bool   `yaml:"disable_timestamp"`
	DisableComponent bool   `yaml:"disable_component"`
	// StructuredToStderr is one of the Stderr* modes; empty means auto.
	StructuredToStderr string `yaml:"structured_to_stderr"`
}
