// Package constitution manages versioned rule bundles: draft creation,
// schema validation, activation (freezing), and amendment into new
// semver versions. Prior versions are never rewritten — historical
// evaluations stay queryable against the exact bundle that produced them.
package constitution

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/covenantlabs/covenant/pkg/contracts"
)

// ErrInvalidDefinition marks a definition that fails schema validation.
var ErrInvalidDefinition = errors.New("invalid constitution definition")

// definitionSchema validates the structural shape of a definition before
// any rule-level compilation happens. Signal-ref existence and predicate
// compilation are checked separately at activation.
const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "articles"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "articles": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "title", "rules"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string", "minLength": 1},
          "rules": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["id", "name", "severity", "weight", "scope", "signal_refs"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "name": {"type": "string", "minLength": 1},
                "severity": {"enum": ["INFO", "WARN", "FAIL"]},
                "weight": {"type": "number", "minimum": 0, "maximum": 1},
                "scope": {"enum": ["portfolio", "account", "security"]},
                "signal_refs": {
                  "type": "array",
                  "minItems": 1,
                  "items": {"type": "string", "minLength": 1}
                },
                "predicate": {
                  "type": "object",
                  "properties": {
                    "signal": {"type": "string"},
                    "op": {"enum": ["lte", "gte", "lt", "gt", "eq"]},
                    "warn": {"type": "number"},
                    "fail": {"type": "number"},
                    "fail_expr": {"type": "string"},
                    "warn_expr": {"type": "string"}
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("constitution.schema.json", definitionSchema)

// Definition is the user-supplied shape of a constitution bundle.
type Definition struct {
	Name     string              `json:"name"`
	Articles []contracts.Article `json:"articles"`
}

// ParseDefinition decodes a YAML or JSON definition and validates it
// against the definition schema.
func ParseDefinition(data []byte) (*Definition, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	generic = normalizeKeys(generic)

	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	// Round-trip through JSON so struct tags drive field mapping.
	raw, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	var def Definition
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	if err := checkUniqueRuleIDs(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

func checkUniqueRuleIDs(def *Definition) error {
	seen := make(map[string]bool)
	for _, a := range def.Articles {
		for _, r := range a.Rules {
			if seen[r.ID] {
				return fmt.Errorf("%w: duplicate rule id %q", ErrInvalidDefinition, r.ID)
			}
			seen[r.ID] = true
		}
	}
	return nil
}

// normalizeKeys converts yaml map[any]any trees into map[string]any so
// the JSON-schema validator and encoding/json accept them.
func normalizeKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeKeys(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeKeys(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeKeys(t[i])
		}
		return t
	default:
		return v
	}
}

// Describe summarizes a definition, one line per article. Used by the
// CLI validate command.
func Describe(def *Definition) string {
	var b strings.Builder
	for _, a := range def.Articles {
		fmt.Fprintf(&b, "%s (%s): %d rules\n", a.Title, a.ID, len(a.Rules))
	}
	return b.String()
}
