package api

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// controlSchema governs the control endpoint and the inbound half of the
// watch socket. A message that fails validation is rejected before it
// reaches the run controller and never touches the ledger.
const controlSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["control_type"],
  "properties": {
    "control_type": {
      "type": "string",
      "enum": ["inject_fact", "approve", "reject", "pause", "resume", "update_budget", "cancel"]
    },
    "job_id": {"type": "string"},
    "correlation_id": {"type": "string"},
    "actor": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["user", "agent", "system"]},
        "id": {"type": "string"},
        "device": {"type": "string"}
      },
      "additionalProperties": false
    },
    "payload": {"type": "object"}
  },
  "additionalProperties": false,
  "allOf": [
    {
      "if": {"properties": {"control_type": {"const": "inject_fact"}}},
      "then": {
        "properties": {
          "payload": {
            "type": "object",
            "required": ["key", "fact_id"],
            "properties": {
              "key": {"type": "string", "minLength": 1},
              "fact_id": {"type": "string", "minLength": 1},
              "payload": {"type": "object"}
            }
          }
        },
        "required": ["payload"]
      }
    },
    {
      "if": {"properties": {"control_type": {"enum": ["approve", "reject"]}}},
      "then": {"required": ["correlation_id"]}
    },
    {
      "if": {"properties": {"control_type": {"const": "update_budget"}}},
      "then": {"required": ["payload"]}
    }
  ]
}`

func compileControlSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://converge.aprio.one/schemas/control.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(controlSchema)); err != nil {
		return nil, fmt.Errorf("control schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("control schema compile failed: %w", err)
	}
	return compiled, nil
}
