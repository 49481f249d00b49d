package decision

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// eventSchemaJSON constrains inbound decision events before they are acted
// on. Anything failing validation is dropped at the bridge boundary so one
// malformed event can never wedge the negotiation workflow.
const eventSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "data"],
  "properties": {
    "type": {
      "enum": ["decision_required", "negotiation_required"]
    },
    "data": {
      "type": "object",
      "required": ["decision_id", "options"],
      "properties": {
        "decision_id": {"type": "string", "minLength": 1},
        "options": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "label": {"type": "string"}
            }
          }
        },
        "timeout_seconds": {"type": "number", "minimum": 0},
        "free_text_allowed": {"type": "boolean"},
        "targets": {
          "type": "array",
          "items": {"type": "string", "minLength": 1}
        },
        "suggestion": {"type": "object"},
        "summary": {"type": "string"}
      }
    }
  }
}`

// eventSchema is compiled once at package load; the schema is a constant,
// so compilation cannot fail at runtime.
var eventSchema = jsonschema.MustCompileString("decision_event.schema.json", eventSchemaJSON)

// validateEvent checks a raw inbound event against the schema.
func validateEvent(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if err := eventSchema.Validate(v); err != nil {
		return fmt.Errorf("validate event: %w", err)
	}
	return nil
}
