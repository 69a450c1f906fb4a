package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/grovetools/pipewatch/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates pushed event payloads against their reflected JSON Schemas.
type Validator struct {
	schemas map[models.EventKind]*jsonschema.Schema
}

// NewValidator compiles a schema for every known event kind.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	schemas := make(map[models.EventKind]*jsonschema.Schema)

	for _, kind := range EventKinds() {
		data, err := GenerateEventSchema(kind)
		if err != nil {
			return nil, err
		}

		url := fmt.Sprintf("%s.event.json", kind)
		if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to add %s schema resource: %w", kind, err)
		}

		s, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", kind, err)
		}
		schemas[kind] = s
	}

	return &Validator{schemas: schemas}, nil
}

// Validate checks a raw event payload. Top-level null members are treated as
// absent, since the backend serializes unset optional fields as null.
func (v *Validator) Validate(kind models.EventKind, data []byte) error {
	s, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("unknown event kind %q", kind)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if obj, ok := doc.(map[string]interface{}); ok {
		for key, val := range obj {
			if val == nil {
				delete(obj, key)
			}
		}
	}

	if err := s.Validate(doc); err != nil {
		// Format the validation error to be more user-friendly.
		if validationErr, ok := err.(*jsonschema.ValidationError); ok {
			var errorMessages []string
			collectErrors(validationErr, &errorMessages)
			return fmt.Errorf("schema validation failed: %s", strings.Join(errorMessages, "; "))
		}
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// collectErrors recursively collects all validation errors into a slice
func collectErrors(err *jsonschema.ValidationError, messages *[]string) {
	if len(err.Causes) == 0 {
		loc := err.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*messages = append(*messages, fmt.Sprintf("%s: %s", loc, err.Message))
	}
	for _, cause := range err.Causes {
		collectErrors(cause, messages)
	}
}
