package models

import (
	"encoding/json"
	"time"
)

// EventKind identifies the payload carried by a pushed event.
type EventKind string

const (
	EventStatus      EventKind = "status"
	EventLog         EventKind = "log"
	EventFileCreated EventKind = "file_created"
)

// Frame is the JSON envelope exchanged over the push channel.
// Outbound frames (join_project, leave_project) carry the project id in Data.
type Frame struct {
	Event     string          `json:"event"`
	ProjectID string          `json:"project_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// JoinData is the payload of join_project and leave_project frames.
type JoinData struct {
	ProjectID string `json:"project_id"`
}

// StatusEvent is a full status snapshot pushed by the backend.
type StatusEvent struct {
	State       PipelineState `json:"status" jsonschema:"enum=creating,enum=testing,enum=deploying,enum=ready,enum=deployed,enum=failed"`
	Progress    int           `json:"progress" jsonschema:"minimum=0,maximum=100"`
	Message     string        `json:"message"`
	CurrentStep *string       `json:"current_step,omitempty"`
}

// LogEvent is a single log line pushed by the backend.
type LogEvent struct {
	Agent     string                 `json:"agent" jsonschema:"minLength=1"`
	Level     LogLevel               `json:"level" jsonschema:"enum=info,enum=warning,enum=error"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Entry converts the event into the log entry it is admitted as.
func (e LogEvent) Entry(projectID string) LogEntry {
	return LogEntry{
		ProjectID: projectID,
		Agent:     e.Agent,
		Level:     e.Level,
		Message:   e.Message,
		Details:   e.Details,
		Timestamp: e.Timestamp,
	}
}

// FileCreatedEvent signals that the file inventory changed. It never
// carries content.
type FileCreatedEvent struct {
	Path string `json:"path" jsonschema:"minLength=1"`
}

// Event is a decoded, validated push event. Exactly one payload is set,
// matching Kind.
type Event struct {
	Kind        EventKind
	ProjectID   string
	ReceivedAt  time.Time
	Status      *StatusEvent
	Log         *LogEvent
	FileCreated *FileCreatedEvent
}
