package tools

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// schemaHints is the subset of a tool schema the coercer looks at.
type schemaHints struct {
	Properties map[string]struct {
		Type string `json:"type"`
	} `json:"properties"`
	Required []string `json:"required"`
}

// prepareArgs checks required properties and applies best-effort coercion
// before strict validation: a scalar where an array is expected becomes a
// one-element array, numeric and boolean strings become their typed values.
// Every coercion is recorded as a warning.
func prepareArgs(schema json.RawMessage, args json.RawMessage) (json.RawMessage, []string, error) {
	if len(strings.TrimSpace(string(schema))) == 0 {
		return args, nil, nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	var hints schemaHints
	if err := json.Unmarshal(schema, &hints); err != nil {
		return nil, nil, fmt.Errorf("parse tool schema: %w", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}

	for _, req := range hints.Required {
		if _, ok := decoded[req]; !ok {
			return nil, nil, fmt.Errorf("missing required argument %q", req)
		}
	}

	var warnings []string
	for name, prop := range hints.Properties {
		value, ok := decoded[name]
		if !ok {
			continue
		}
		coerced, note := coerceValue(name, prop.Type, value)
		if note != "" {
			decoded[name] = coerced
			warnings = append(warnings, note)
		}
	}

	out, err := json.Marshal(decoded)
	if err != nil {
		return nil, nil, err
	}

	compiled, err := compileSchema(schema)
	if err != nil {
		return nil, nil, fmt.Errorf("compile tool schema: %w", err)
	}
	var final any
	if err := json.Unmarshal(out, &final); err != nil {
		return nil, nil, err
	}
	if err := compiled.Validate(final); err != nil {
		return nil, nil, fmt.Errorf("arguments invalid: %w", err)
	}
	return out, warnings, nil
}

func coerceValue(name, wantType string, value any) (any, string) {
	switch wantType {
	case "array":
		if _, isArr := value.([]any); !isArr {
			return []any{value}, fmt.Sprintf("wrapped %q in a one-element array", name)
		}
	case "number":
		if s, isStr := value.(string); isStr {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f, fmt.Sprintf("coerced %q from string to number", name)
			}
		}
	case "integer":
		if s, isStr := value.(string); isStr {
			if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
				return n, fmt.Sprintf("coerced %q from string to integer", name)
			}
		}
	case "boolean":
		if s, isStr := value.(string); isStr {
			if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
				return b, fmt.Sprintf("coerced %q from string to boolean", name)
			}
		}
	}
	return value, ""
}
