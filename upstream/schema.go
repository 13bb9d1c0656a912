package upstream

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Schemas for the upstream documents we decode. Only the fields we rely on
// are constrained; everything else is allowed through.
var (
	loginRequestSchema = mustSchema(`{
		"type": "object",
		"required": ["challenge", "skip"],
		"properties": {
			"challenge": {"type": "string", "minLength": 1},
			"skip": {"type": "boolean"},
			"subject": {"type": "string"}
		}
	}`)

	consentRequestSchema = mustSchema(`{
		"type": "object",
		"required": ["challenge", "subject"],
		"properties": {
			"challenge": {"type": "string", "minLength": 1},
			"skip": {"type": "boolean"},
			"subject": {"type": "string"},
			"requested_scope": {"type": ["array", "null"], "items": {"type": "string"}},
			"requested_access_token_audience": {"type": ["array", "null"], "items": {"type": "string"}},
			"context": {"type": ["object", "null"]}
		}
	}`)

	logoutRequestSchema = mustSchema(`{
		"type": "object",
		"properties": {
			"challenge": {"type": "string"},
			"subject": {"type": "string"},
			"sid": {"type": "string"}
		}
	}`)

	completedRequestSchema = mustSchema(`{
		"type": "object",
		"required": ["redirect_to"],
		"properties": {
			"redirect_to": {"type": "string", "minLength": 1}
		}
	}`)

	identitySchema = mustSchema(`{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"traits": {
				"type": ["object", "null"],
				"properties": {
					"email": {"type": "string"},
					"role": {"type": "string"},
					"name": {
						"oneOf": [
							{"type": "null"},
							{"type": "string"},
							{"type": "object", "properties": {
								"first": {"type": "string"},
								"last": {"type": "string"}
							}}
						]
					}
				}
			}
		}
	}`)

	sessionSchema = mustSchema(`{
		"type": "object",
		"required": ["identity"],
		"properties": {
			"id": {"type": "string"},
			"active": {"type": "boolean"},
			"identity": {"type": "object", "required": ["id"], "properties": {
				"id": {"type": "string", "minLength": 1}
			}}
		}
	}`)

	loginFlowSchema = mustSchema(`{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"ui": {"type": "object", "properties": {
				"nodes": {"type": "array"}
			}}
		}
	}`)

	loginResultSchema = mustSchema(`{
		"type": "object",
		"required": ["session"],
		"properties": {
			"session": {"type": "object", "required": ["identity"], "properties": {
				"identity": {"type": "object", "required": ["id"], "properties": {
					"id": {"type": "string", "minLength": 1}
				}}
			}}
		}
	}`)
)

func mustSchema(doc string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return s
}

// validate returns the schema violations found in body, or nil.
func validate(schema *gojsonschema.Schema, body []byte) ([]string, error) {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, err
	}
	if result.Valid() {
		return nil, nil
	}
	reasons := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		reasons = append(reasons, re.String())
	}
	return reasons, nil
}
