package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/flowbaker/flowdispatch/pkg/domain"
)

// FormatValue converts a resolved value into the declared value type. Empty
// strings become nil for non-string types.
func FormatValue(value any, valueType domain.ValueType) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch valueType {
	case domain.ValueTypeString:
		return ValueToString(value), nil
	case domain.ValueTypeNumber:
		return toNumber(value)
	case domain.ValueTypeBoolean:
		return toBoolean(value)
	case domain.ValueTypeObject:
		return toJSONValue[map[string]any](value)
	case domain.ValueTypeArray:
		return toJSONValue[[]any](value)
	default:
		return value, nil
	}
}

// DefaultValue returns the value a required output falls back to when a node
// did not produce it.
func DefaultValue(output domain.NodeOutput) any {
	if output.DefaultValue != nil {
		formatted, err := FormatValue(output.DefaultValue, output.ValueType)
		if err == nil {
			return formatted
		}
	}

	switch output.ValueType {
	case domain.ValueTypeString:
		return ""
	case domain.ValueTypeNumber:
		return float64(0)
	case domain.ValueTypeBoolean:
		return false
	case domain.ValueTypeObject:
		return map[string]any{}
	case domain.ValueTypeArray:
		return []any{}
	default:
		return nil
	}
}

func toNumber(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case bool:
		if v {
			return float64(1), nil
		}
		return float64(0), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil, nil
		}

		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to number", v)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to number", value)
	}
}

func toBoolean(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil, nil
		}

		b, err := strconv.ParseBool(trimmed)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to boolean", v)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to boolean", value)
	}
}

func toJSONValue[T any](value any) (any, error) {
	if typed, ok := value.(T); ok {
		return typed, nil
	}

	str, ok := value.(string)
	if !ok {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		str = string(raw)
	}

	if strings.TrimSpace(str) == "" {
		return nil, nil
	}

	var target T
	if err := json.Unmarshal([]byte(str), &target); err != nil {
		return nil, fmt.Errorf("cannot parse value as %T: %w", target, err)
	}

	return target, nil
}
