// Package schema is the JSON-schema validation boundary. The runtime treats
// the validator as an injected black box that returns nil or one structured
// error; this package provides the reference implementation on top of
// santhosh-tekuri/jsonschema (Draft 2020-12).
package schema

import (
	"github.com/ormasoftchile/hrun/pkg/hrf"
)

// Validator is the contract the canonicalizer and session service consume.
type Validator interface {
	// ValidateEnvelope checks canonical envelope JSON text.
	ValidateEnvelope(jsonText string) *hrf.Error
	// ValidateScript checks a decoded harmony-script content node.
	ValidateScript(scriptNode any) *hrf.Error
}

// envelopeSchema is the canonical envelope document schema: a single root
// property "messages"; recipient and termination are required exactly for
// assistant commentary messages and forbidden elsewhere.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "messages": {
      "type": "array",
      "items": { "$ref": "#/$defs/message" }
    }
  },
  "required": ["messages"],
  "additionalProperties": false,
  "$defs": {
    "message": {
      "type": "object",
      "properties": {
        "role": { "type": "string", "minLength": 1 },
        "channel": { "type": "string", "enum": ["", "analysis", "commentary", "final"] },
        "contentType": { "type": "string", "enum": ["text", "json", "harmony-script"] },
        "recipient": { "type": "string", "minLength": 1 },
        "termination": { "type": "string", "enum": ["call", "return", "end"] },
        "content": {}
      },
      "required": ["role", "channel", "contentType", "content"],
      "additionalProperties": false,
      "allOf": [
        {
          "if": {
            "properties": {
              "role": { "const": "assistant" },
              "channel": { "const": "commentary" }
            },
            "required": ["role", "channel"]
          },
          "then": { "required": ["recipient", "termination"] },
          "else": {
            "not": {
              "anyOf": [
                { "required": ["recipient"] },
                { "required": ["termination"] }
              ]
            }
          }
        }
      ]
    }
  }
}`

// scriptSchema constrains harmony-script bodies: an ordered non-empty step
// program plus optional default vars.
const scriptSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "vars": { "type": "object" }
  },
  "required": ["steps"],
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "properties": {
        "type": { "enum": ["extract-input", "tool-call", "if", "assistant-message", "halt"] },
        "extract": { "type": "object", "additionalProperties": { "type": "string" } },
        "recipient": { "type": "string", "minLength": 1 },
        "channel": { "type": "string" },
        "args": { "type": "object" },
        "save_as": { "type": "string" },
        "condition": { "type": "string" },
        "then": { "type": "array", "items": { "$ref": "#/$defs/step" } },
        "else": { "type": "array", "items": { "$ref": "#/$defs/step" } },
        "content": { "type": "string" },
        "contentTemplate": { "type": "string" }
      },
      "required": ["type"],
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "tool-call" } }, "required": ["type"] },
          "then": {
            "required": ["recipient", "save_as"],
            "properties": { "channel": { "const": "commentary" } }
          }
        },
        {
          "if": { "properties": { "type": { "const": "if" } }, "required": ["type"] },
          "then": { "required": ["condition"] }
        },
        {
          "if": { "properties": { "type": { "const": "assistant-message" } }, "required": ["type"] },
          "then": { "properties": { "channel": { "enum": ["analysis", "final"] } } }
        }
      ]
    }
  }
}`
