package envelope

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema is the wire contract for HandoffEnvelope. The writer
// validates every envelope against it before persisting, so a schema drift in
// the Go types surfaces at write time instead of at a downstream consumer.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["step_id", "flow_key", "run_id", "attempt", "routing_signal", "summary", "artifacts", "status", "duration_ms", "timestamp"],
  "properties": {
    "step_id": {"type": "string", "minLength": 1},
    "flow_key": {"type": "string", "minLength": 1},
    "run_id": {"type": "string", "minLength": 1},
    "attempt": {"type": "integer", "minimum": 1},
    "routing_signal": {
      "type": "object",
      "required": ["decision", "reason", "confidence", "needs_human"],
      "properties": {
        "decision": {"enum": ["advance", "loop", "terminate", "branch"]},
        "next_step_id": {"type": "string"},
        "route": {
          "type": ["object", "null"],
          "required": ["flow", "step_id"],
          "properties": {
            "flow": {"type": "string"},
            "step_id": {"type": "string"}
          }
        },
        "reason": {"type": "string"},
        "confidence": {"type": "number", "minimum": 0, "maximum": 1},
        "needs_human": {"type": "boolean"}
      }
    },
    "summary": {"type": "string", "minLength": 1, "maxLength": 2000},
    "artifacts": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "status": {"enum": ["succeeded", "failed", "skipped"]},
    "error": {"type": "string"},
    "duration_ms": {"type": "integer", "minimum": 0},
    "timestamp": {"type": "string"}
  }
}`

func compileEnvelopeSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", strings.NewReader(envelopeSchema)); err != nil {
		panic("envelope schema resource: " + err.Error())
	}
	return c.MustCompile("envelope.json")
}
