package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// workflowSchema validates the shape of workflow documents before
// decoding. Semantic checks (entry resolution, cycles) live in Validate.
const workflowSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "entry", "nodes"],
  "properties": {
    "version": {"type": "string"},
    "name": {"type": "string"},
    "entry": {"type": "string", "minLength": 1},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "kind": {"enum": ["task", "decision", "join"]},
          "label": {"type": "string"},
          "phase": {"enum": ["analysis", "plan", "impl", "review", "test"]},
          "gateRequired": {"type": "boolean"},
          "gatePolicy": {"type": "object"},
          "timeoutMs": {"type": "integer", "minimum": 0},
          "retries": {"type": "integer", "minimum": 0},
          "onError": {"enum": ["fail", "skip", "continue"]}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "condition": {
            "type": "object",
            "required": ["kind", "path"],
            "properties": {
              "kind": {"enum": ["equals", "exists", "truthy"]},
              "path": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    },
    "defaults": {"type": "object"}
  }
}`

var compiledWorkflowSchema = jsonschema.MustCompileString("workflow.schema.json", workflowSchema)

// ParseDocument decodes and validates a workflow JSON document. Schema
// violations and structural problems both surface as ValidationError.
func ParseDocument(data []byte) (*Workflow, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := compiledWorkflowSchema.Validate(raw); err != nil {
		return nil, &ValidationError{Message: schemaErrMessage(err)}
	}

	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("decode workflow: %v", err)}
	}
	if _, err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

func schemaErrMessage(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			return leaf.Message
		}
		return fmt.Sprintf("%s: %s", loc, leaf.Message)
	}
	return err.Error()
}
