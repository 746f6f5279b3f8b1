package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ormasoftchile/hrun/pkg/hrf"
)

// SchemaValidator compiles the envelope and script schemas once and
// validates documents against them.
type SchemaValidator struct {
	envelope *sjsonschema.Schema
	script   *sjsonschema.Schema
}

// NewValidator compiles the built-in schema documents.
func NewValidator() (*SchemaValidator, error) {
	env, err := compile("envelope.json", envelopeSchema)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	scr, err := compile("script.json", scriptSchema)
	if err != nil {
		return nil, fmt.Errorf("compile script schema: %w", err)
	}
	return &SchemaValidator{envelope: env, script: scr}, nil
}

// MustValidator is NewValidator for wiring paths where the built-in schemas
// are known-good; it panics only on a broken build.
func MustValidator() *SchemaValidator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

func compile(name, text string) (*sjsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := sjsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(name)
}

// ValidateEnvelope checks canonical envelope JSON text against the envelope
// schema. Returns nil when the document conforms.
func (v *SchemaValidator) ValidateEnvelope(jsonText string) *hrf.Error {
	var doc any
	if err := json.Unmarshal([]byte(jsonText), &doc); err != nil {
		return hrf.Newf(hrf.CodeSchemaEnvelopeFailed, "envelope is not valid JSON: %v", err)
	}
	return toError(v.envelope.Validate(doc), hrf.CodeSchemaEnvelopeFailed, "envelope violates canonical schema")
}

// ValidateScript checks a decoded harmony-script content node against the
// script schema.
func (v *SchemaValidator) ValidateScript(scriptNode any) *hrf.Error {
	// Normalize typed nodes (maps built in Go) through JSON so the
	// validator sees plain decoded values.
	data, err := json.Marshal(scriptNode)
	if err != nil {
		return hrf.Newf(hrf.CodeSchemaScriptFailed, "marshal script for validation: %v", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return hrf.Newf(hrf.CodeSchemaScriptFailed, "unmarshal script for validation: %v", err)
	}
	return toError(v.script.Validate(doc), hrf.CodeSchemaScriptFailed, "script violates schema")
}

// toError flattens a jsonschema validation error into one structured error
// whose details carry the first failing instance path.
func toError(err error, code, message string) *hrf.Error {
	if err == nil {
		return nil
	}
	he := hrf.New(code, message)
	if ve, ok := err.(*sjsonschema.ValidationError); ok {
		leaves := flatten(ve)
		var parts []string
		for _, leaf := range leaves {
			path := "/" + strings.Join(leaf.InstanceLocation, "/")
			parts = append(parts, fmt.Sprintf("%s: %v", path, leaf.ErrorKind))
		}
		he.Message = fmt.Sprintf("%s: %s", message, strings.Join(parts, "; "))
		if len(leaves) > 0 {
			he.WithDetail("path", "/"+strings.Join(leaves[0].InstanceLocation, "/"))
			he.WithDetail("cause", fmt.Sprintf("%v", leaves[0].ErrorKind))
		}
		return he
	}
	he.Message = fmt.Sprintf("%s: %v", message, err)
	return he
}

// flatten recursively collects all leaf validation errors.
func flatten(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flatten(cause)...)
	}
	return flat
}
