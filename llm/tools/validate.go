package tools

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/pminervini/open-deep-research/types"
)

// ValidateArguments checks raw action arguments against schema and returns the
// normalized arguments. Empty input is treated as an empty object. A nil schema
// accepts any JSON object.
func ValidateArguments(schema *types.JSONSchema, raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}

	var args any
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, types.NewInvalidArgumentError("arguments", "arguments are not valid JSON: "+err.Error())
	}
	obj, ok := args.(map[string]any)
	if !ok {
		return nil, types.NewInvalidArgumentError("arguments", fmt.Sprintf("arguments must be an object, got %s", jsonKind(args)))
	}
	if schema == nil {
		return trimmed, nil
	}

	for _, name := range schema.Required {
		v, present := obj[name]
		if !present {
			return nil, types.NewInvalidArgumentError(name, "missing required argument")
		}
		if v == nil {
			if p, ok := schema.Properties[name]; !ok || p == nil || !p.Nullable {
				return nil, types.NewInvalidArgumentError(name, "required argument is null")
			}
		}
	}

	for name, v := range obj {
		prop, known := schema.Properties[name]
		if !known {
			if schema.AdditionalProperties != nil && !*schema.AdditionalProperties {
				return nil, types.NewInvalidArgumentError(name, "unexpected argument")
			}
			continue
		}
		if err := validateValue(name, prop, v); err != nil {
			return nil, err
		}
	}
	return trimmed, nil
}

func validateValue(param string, s *types.JSONSchema, v any) error {
	if s == nil {
		return nil
	}
	if v == nil {
		if s.Nullable || s.Type == types.SchemaTypeAny || s.Type == types.SchemaTypeNull {
			return nil
		}
		return types.NewInvalidArgumentError(param, fmt.Sprintf("expected %s, got null", s.Type))
	}

	switch s.Type {
	case types.SchemaTypeAny:
	case types.SchemaTypeString:
		str, ok := v.(string)
		if !ok {
			return mismatch(param, s.Type, v)
		}
		if s.Format == types.FormatBinary {
			if _, err := base64.StdEncoding.DecodeString(str); err != nil {
				return types.NewInvalidArgumentError(param, "expected base64-encoded binary data")
			}
		}
	case types.SchemaTypeBoolean:
		if _, ok := v.(bool); !ok {
			return mismatch(param, s.Type, v)
		}
	case types.SchemaTypeInteger:
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return mismatch(param, s.Type, v)
		}
	case types.SchemaTypeNumber:
		if _, ok := v.(float64); !ok {
			return mismatch(param, s.Type, v)
		}
	case types.SchemaTypeArray:
		items, ok := v.([]any)
		if !ok {
			return mismatch(param, s.Type, v)
		}
		for i, item := range items {
			if err := validateValue(fmt.Sprintf("%s[%d]", param, i), s.Items, item); err != nil {
				return err
			}
		}
	case types.SchemaTypeObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return mismatch(param, s.Type, v)
		}
		for _, req := range s.Required {
			if _, present := obj[req]; !present {
				return types.NewInvalidArgumentError(param+"."+req, "missing required argument")
			}
		}
		for k, child := range obj {
			if err := validateValue(param+"."+k, s.Properties[k], child); err != nil {
				return err
			}
		}
	}

	if len(s.Enum) > 0 && !inEnum(s.Enum, v) {
		return types.NewInvalidArgumentError(param, fmt.Sprintf("value %v is not one of %v", v, s.Enum))
	}
	return nil
}

func inEnum(enum []any, v any) bool {
	for _, e := range enum {
		if reflect.DeepEqual(normalizeNumber(e), normalizeNumber(v)) {
			return true
		}
	}
	return false
}

func normalizeNumber(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}

func mismatch(param string, want types.SchemaType, v any) error {
	return types.NewInvalidArgumentError(param, fmt.Sprintf("expected %s, got %s", want, jsonKind(v)))
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
