package schema

import (
	"encoding/json"
	"fmt"

	"github.com/grovetools/pipewatch/pkg/models"
	"github.com/invopop/jsonschema"
)

// eventPayloads lists the Go types that describe each pushed event payload.
var eventPayloads = map[models.EventKind]interface{}{
	models.EventStatus:      &models.StatusEvent{},
	models.EventLog:         &models.LogEvent{},
	models.EventFileCreated: &models.FileCreatedEvent{},
}

// EventKinds returns the event kinds that have a payload schema.
func EventKinds() []models.EventKind {
	return []models.EventKind{models.EventStatus, models.EventLog, models.EventFileCreated}
}

// GenerateEventSchema reflects the JSON Schema for one event payload.
func GenerateEventSchema(kind models.EventKind) ([]byte, error) {
	payload, ok := eventPayloads[kind]
	if !ok {
		return nil, fmt.Errorf("no schema for event kind %q", kind)
	}

	r := &jsonschema.Reflector{
		// Newer backends may add fields; only the known ones are checked.
		AllowAdditionalProperties: true,
		ExpandedStruct:            true,
	}

	s := r.Reflect(payload)
	// The validator registers each schema under its own resource name.
	s.ID = ""
	s.Title = fmt.Sprintf("pipewatch %s event", kind)
	s.Description = fmt.Sprintf("Payload of the %q push event.", kind)

	return json.MarshalIndent(s, "", "  ")
}
