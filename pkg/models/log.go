package models

import "time"

// LogLevel is the severity of an agent log entry.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// LogEntry is one line of the project's agent log.
type LogEntry struct {
	ID        string                 `json:"id,omitempty"`
	ProjectID string                 `json:"project_id,omitempty"`
	Agent     string                 `json:"agent"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"created_at"`
}
