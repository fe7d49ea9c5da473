package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	kerrors "github.com/credlink/keyops/internal/errors"
)

// definitionSchema is the structural contract for keyops.yaml.
// Cross-field rules (escrow references, sql DSN presence) live in
// validateSemantics.
const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "identities"],
  "properties": {
    "version": {"type": "integer", "enum": [1]},
    "store": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["file", "sql"]},
        "path": {"type": "string"},
        "database": {"type": "string", "enum": ["postgres", "postgresql", "mysql", "mariadb", ""]},
        "dsn": {"type": "string"}
      }
    },
    "grace_window_hours": {"type": "integer", "minimum": 1},
    "janitor_interval_minutes": {"type": "integer", "minimum": 1},
    "near_expiry_days": {"type": "integer", "minimum": 1},
    "escrows": {
      "type": "object",
      "properties": {
        "aws": {"type": "object"},
        "gcp": {
          "type": "object",
          "required": ["project_id"],
          "properties": {"project_id": {"type": "string", "minLength": 1}}
        },
        "azure": {
          "type": "object",
          "required": ["vault_url"],
          "properties": {"vault_url": {"type": "string", "minLength": 1}}
        }
      }
    },
    "identities": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["kind"],
        "properties": {
          "kind": {"type": "string", "enum": ["certificate", "api_key"]},
          "common_name": {"type": "string"},
          "dns_names": {"type": "array", "items": {"type": "string"}},
          "validity_days": {"type": "integer", "minimum": 1},
          "key_size": {"type": "integer", "enum": [2048, 3072, 4096]},
          "rotation_interval_hours": {"type": "integer", "minimum": 1},
          "escrow": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

// validateSchema checks the raw YAML document against the embedded
// JSON schema. It runs on the document as written, before defaults
// are applied, so explicit zero values hit the declared minimums
// instead of disappearing through omitempty re-marshaling.
func validateSchema(raw []byte) error {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to decode configuration for validation: %w", err)
	}

	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration for validation: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(definitionSchema)
	documentLoader := gojsonschema.NewBytesLoader(jsonData)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errorMessages []string
		for _, desc := range result.Errors() {
			errorMessages = append(errorMessages, desc.String())
		}
		return kerrors.ConfigError{
			Message:    "keyops.yaml failed schema validation:\n  - " + strings.Join(errorMessages, "\n  - "),
			Suggestion: "Fix the listed fields and retry",
		}
	}
	return nil
}
