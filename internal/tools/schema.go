package tools

import (
	"fmt"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
)

// ValidateParams checks call parameters against a tool's declared schema
// before any resources are allocated. Required fields must be present, typed
// fields must match, and enum/range constraints must hold. Parameters the
// schema does not mention pass through; permission allow/deny lists restrict
// them separately.
func ValidateParams(schema ports.ParameterSchema, params map[string]any) error {
	for _, name := range schema.Required {
		if _, ok := params[name]; !ok {
			return errors.NewValidationError(name, "required parameter is missing")
		}
	}

	for name, value := range params {
		prop, ok := schema.Properties[name]
		if !ok {
			continue
		}
		if err := checkProperty(name, prop, value); err != nil {
			return err
		}
	}
	return nil
}

func checkProperty(name string, prop ports.Property, value any) error {
	switch prop.Type {
	case "string":
		if _, ok := value.(string); !ok {
			return errors.NewValidationError(name, "expected string, got %T", value)
		}
	case "number", "integer":
		n, ok := asNumber(value)
		if !ok {
			return errors.NewValidationError(name, "expected %s, got %T", prop.Type, value)
		}
		if prop.Type == "integer" && n != float64(int64(n)) {
			return errors.NewValidationError(name, "expected integer, got %v", value)
		}
		if prop.Minimum != nil && n < *prop.Minimum {
			return errors.NewValidationError(name, "must be >= %v, got %v", *prop.Minimum, n)
		}
		if prop.Maximum != nil && n > *prop.Maximum {
			return errors.NewValidationError(name, "must be <= %v, got %v", *prop.Maximum, n)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return errors.NewValidationError(name, "expected boolean, got %T", value)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return errors.NewValidationError(name, "expected object, got %T", value)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return errors.NewValidationError(name, "expected array, got %T", value)
		}
	}

	if len(prop.Enum) > 0 && !enumAllows(prop.Enum, value) {
		return errors.NewValidationError(name, "value %v is not one of %v", value, prop.Enum)
	}
	return nil
}

// asNumber normalizes the numeric types a JSON decode or a Go caller can
// produce.
func asNumber(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func enumAllows(enum []any, value any) bool {
	vn, vIsNum := asNumber(value)
	for _, allowed := range enum {
		if an, ok := asNumber(allowed); ok && vIsNum {
			if an == vn {
				return true
			}
			continue
		}
		if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", value) {
			return true
		}
	}
	return false
}
