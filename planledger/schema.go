package main

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request bodies are validated against JSON Schemas before decoding, so
// malformed shapes fail with a schema error rather than a half-populated
// struct.
type requestValidator struct {
	schema *jsonschema.Schema
}

func newRequestValidator(name, schemaJSON string) (*requestValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", doc); err != nil {
		return nil, fmt.Errorf("add %s schema: %w", name, err)
	}
	schema, err := c.Compile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &requestValidator{schema: schema}, nil
}

func (v *requestValidator) Validate(body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return v.schema.Validate(doc)
}

type requestValidators struct {
	createPlan        *requestValidator
	updatePlan        *requestValidator
	failPlan          *requestValidator
	createReceipt     *requestValidator
	uploadDeliverable *requestValidator
}

func newRequestValidators() (requestValidators, error) {
	createPlan, err := newRequestValidator("create_plan", createPlanSchema)
	if err != nil {
		return requestValidators{}, err
	}
	updatePlan, err := newRequestValidator("update_plan", updatePlanSchema)
	if err != nil {
		return requestValidators{}, err
	}
	failPlan, err := newRequestValidator("fail_plan", failPlanSchema)
	if err != nil {
		return requestValidators{}, err
	}
	createReceipt, err := newRequestValidator("create_receipt", createReceiptSchema)
	if err != nil {
		return requestValidators{}, err
	}
	uploadDeliverable, err := newRequestValidator("upload_deliverable", uploadDeliverableSchema)
	if err != nil {
		return requestValidators{}, err
	}
	return requestValidators{
		createPlan:        createPlan,
		updatePlan:        updatePlan,
		failPlan:          failPlan,
		createReceipt:     createReceipt,
		uploadDeliverable: uploadDeliverable,
	}, nil
}

const amountPattern = `^[0-9]+(\\.[0-9]+)?$`

const planSpecSchema = `{
  "type": "object",
  "properties": {
    "scope": {
      "type": "object",
      "properties": {
        "assumptions": {"type": "array", "items": {"type": "string"}},
        "acceptance_criteria": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "tool"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "tool": {
            "type": "object",
            "required": ["method", "url"],
            "properties": {
              "method": {"type": "string", "minLength": 1},
              "url": {"type": "string", "minLength": 1}
            },
            "additionalProperties": false
          },
          "estimated_cost": {"type": "string", "pattern": "` + amountPattern + `"},
          "max_cost": {"type": "string", "pattern": "` + amountPattern + `"},
          "fallback": {"type": "string"},
          "requires_evidence": {"type": "boolean"}
        },
        "additionalProperties": false
      }
    },
    "tool_policy": {
      "type": "object",
      "properties": {
        "allowlist": {"type": "array", "items": {"type": "string"}},
        "denylist": {"type": "array", "items": {"type": "string"}},
        "require_allowlist": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "budget": {
      "type": "object",
      "required": ["currency", "not_to_exceed"],
      "properties": {
        "currency": {"type": "string", "minLength": 1},
        "not_to_exceed": {"type": "string", "pattern": "` + amountPattern + `"},
        "approval_threshold": {"type": "string", "pattern": "` + amountPattern + `"},
        "per_tool_caps": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["pattern", "limit"],
            "properties": {
              "pattern": {"type": "string", "minLength": 1},
              "limit": {"type": "string", "pattern": "` + amountPattern + `"}
            },
            "additionalProperties": false
          }
        },
        "per_step_default_cap": {"type": "string", "pattern": "` + amountPattern + `"}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

const createPlanSchema = `{
  "type": "object",
  "required": ["title", "spec"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "objective": {"type": "string"},
    "workspace_id": {"type": "string"},
    "spec": ` + planSpecSchema + `,
    "tags": {"type": "array", "items": {"type": "string"}},
    "metadata": {"type": "object"}
  },
  "additionalProperties": false
}`

const updatePlanSchema = `{
  "type": "object",
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "objective": {"type": "string"},
    "scope": {
      "type": "object",
      "properties": {
        "assumptions": {"type": "array", "items": {"type": "string"}},
        "acceptance_criteria": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "tool"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "tool": {
            "type": "object",
            "required": ["method", "url"],
            "properties": {
              "method": {"type": "string", "minLength": 1},
              "url": {"type": "string", "minLength": 1}
            },
            "additionalProperties": false
          },
          "estimated_cost": {"type": "string", "pattern": "` + amountPattern + `"},
          "max_cost": {"type": "string", "pattern": "` + amountPattern + `"},
          "fallback": {"type": "string"},
          "requires_evidence": {"type": "boolean"}
        },
        "additionalProperties": false
      }
    },
    "tool_policy": {
      "type": "object",
      "properties": {
        "allowlist": {"type": "array", "items": {"type": "string"}},
        "denylist": {"type": "array", "items": {"type": "string"}},
        "require_allowlist": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "budget": {
      "type": "object",
      "required": ["currency", "not_to_exceed"],
      "properties": {
        "currency": {"type": "string", "minLength": 1},
        "not_to_exceed": {"type": "string", "pattern": "` + amountPattern + `"},
        "approval_threshold": {"type": "string", "pattern": "` + amountPattern + `"},
        "per_tool_caps": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["pattern", "limit"],
            "properties": {
              "pattern": {"type": "string", "minLength": 1},
              "limit": {"type": "string", "pattern": "` + amountPattern + `"}
            },
            "additionalProperties": false
          }
        },
        "per_step_default_cap": {"type": "string", "pattern": "` + amountPattern + `"}
      },
      "additionalProperties": false
    },
    "tags": {"type": "array", "items": {"type": "string"}},
    "metadata": {"type": "object"}
  },
  "additionalProperties": false
}`

const failPlanSchema = `{
  "type": "object",
  "properties": {
    "reason": {"type": "string"}
  },
  "additionalProperties": false
}`

const createReceiptSchema = `{
  "type": "object",
  "required": ["step_id", "tool", "cost"],
  "properties": {
    "step_id": {"type": "string", "minLength": 1},
    "tool": {
      "type": "object",
      "required": ["method", "url"],
      "properties": {
        "method": {"type": "string", "minLength": 1},
        "url": {"type": "string", "minLength": 1}
      },
      "additionalProperties": false
    },
    "cost": {
      "type": "object",
      "required": ["amount"],
      "properties": {
        "currency": {"type": "string"},
        "amount": {"type": "string", "pattern": "` + amountPattern + `"}
      },
      "additionalProperties": false
    },
    "x402": {
      "type": "object",
      "properties": {
        "payment_reference": {"type": "string"},
        "request_id": {"type": "string"},
        "response_status": {"type": "integer"}
      },
      "additionalProperties": false
    },
    "output": {"type": "string"},
    "notes": {"type": "string"}
  },
  "additionalProperties": false
}`

const uploadDeliverableSchema = `{
  "type": "object",
  "required": ["content_base64"],
  "properties": {
    "title": {"type": "string"},
    "content_type": {"type": "string"},
    "content_base64": {"type": "string", "minLength": 1},
    "metadata": {"type": "object"}
  },
  "additionalProperties": false
}`
