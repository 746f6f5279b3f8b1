package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/ormasoftchile/hrun/pkg/envelope"
)

// ExportEnvelopeSchema produces a JSON Schema Draft 2020-12 document
// reflected from the envelope Go types using invopop/jsonschema. This is
// the documentation/export view; runtime validation uses the stricter
// hand-written schema in schema.go (conditional recipient/termination
// requirements are not expressible by reflection).
func ExportEnvelopeSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false

	s := r.Reflect(&envelope.Envelope{})
	s.ID = "https://github.com/ormasoftchile/hrun/schemas/envelope-v1.json"
	s.Title = "Harmony Envelope v1"
	s.Description = "Ordered immutable message sequence defining a run template"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal envelope schema: %w", err)
	}
	return data, nil
}

// ExportScriptSchema produces a JSON Schema document reflected from the
// script step types.
func ExportScriptSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false

	s := r.Reflect(&envelope.Script{})
	s.ID = "https://github.com/ormasoftchile/hrun/schemas/script-v1.json"
	s.Title = "Harmony Script v1"
	s.Description = "Typed step program embedded as a harmony-script message body"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal script schema: %w", err)
	}
	return data, nil
}
