package condition

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type operatorFunc func(left string, right string) (bool, error)

// Operators are addressed as "<data type>.<operator>", e.g. "number.is_greater_than".
var operatorsByDataType = map[string]map[string]operatorFunc{
	"string": {
		"exists":              func(l, r string) (bool, error) { return l != "", nil },
		"does_not_exist":      func(l, r string) (bool, error) { return l == "", nil },
		"is_empty":            func(l, r string) (bool, error) { return l == "", nil },
		"is_not_empty":        func(l, r string) (bool, error) { return l != "", nil },
		"is_equal":            func(l, r string) (bool, error) { return l == r, nil },
		"is_not_equal":        func(l, r string) (bool, error) { return l != r, nil },
		"contains":            func(l, r string) (bool, error) { return strings.Contains(l, r), nil },
		"does_not_contain":    func(l, r string) (bool, error) { return !strings.Contains(l, r), nil },
		"starts_with":         func(l, r string) (bool, error) { return strings.HasPrefix(l, r), nil },
		"ends_with":           func(l, r string) (bool, error) { return strings.HasSuffix(l, r), nil },
		"does_not_start_with": func(l, r string) (bool, error) { return !strings.HasPrefix(l, r), nil },
		"does_not_end_with":   func(l, r string) (bool, error) { return !strings.HasSuffix(l, r), nil },
		"matches_regex":       matchesRegex,
		"does_not_match_regex": func(l, r string) (bool, error) {
			matched, err := matchesRegex(l, r)
			return !matched, err
		},
	},
	"number": {
		"exists":                   func(l, r string) (bool, error) { return l != "", nil },
		"does_not_exist":           func(l, r string) (bool, error) { return l == "", nil },
		"is_equal":                 compareNumbers(func(a, b float64) bool { return a == b }),
		"is_not_equal":             compareNumbers(func(a, b float64) bool { return a != b }),
		"is_greater_than":          compareNumbers(func(a, b float64) bool { return a > b }),
		"is_less_than":             compareNumbers(func(a, b float64) bool { return a < b }),
		"is_greater_than_or_equal": compareNumbers(func(a, b float64) bool { return a >= b }),
		"is_less_than_or_equal":    compareNumbers(func(a, b float64) bool { return a <= b }),
	},
	"boolean": {
		"exists":         func(l, r string) (bool, error) { return l != "", nil },
		"does_not_exist": func(l, r string) (bool, error) { return l == "", nil },
		"is_equal":       func(l, r string) (bool, error) { return strings.EqualFold(l, r), nil },
		"is_not_equal":   func(l, r string) (bool, error) { return !strings.EqualFold(l, r), nil },
		"is_true":        func(l, r string) (bool, error) { return strings.EqualFold(l, "true"), nil },
		"is_false":       func(l, r string) (bool, error) { return strings.EqualFold(l, "false"), nil },
	},
	"date": {
		"exists":             func(l, r string) (bool, error) { return l != "", nil },
		"does_not_exist":     func(l, r string) (bool, error) { return l == "", nil },
		"is_equal":           compareDates(func(a, b time.Time) bool { return a.Equal(b) }),
		"is_not_equal":       compareDates(func(a, b time.Time) bool { return !a.Equal(b) }),
		"is_after":           compareDates(func(a, b time.Time) bool { return a.After(b) }),
		"is_before":          compareDates(func(a, b time.Time) bool { return a.Before(b) }),
		"is_after_or_equal":  compareDates(func(a, b time.Time) bool { return !a.Before(b) }),
		"is_before_or_equal": compareDates(func(a, b time.Time) bool { return !a.After(b) }),
	},
	"array": {
		"exists": func(l, r string) (bool, error) {
			_, err := parseArray(l)
			return err == nil, nil
		},
		"does_not_exist": func(l, r string) (bool, error) {
			_, err := parseArray(l)
			return err != nil, nil
		},
		"is_empty":            withArray(func(arr []any, r string) (bool, error) { return len(arr) == 0, nil }),
		"is_not_empty":        withArray(func(arr []any, r string) (bool, error) { return len(arr) > 0, nil }),
		"contains":            withArray(func(arr []any, r string) (bool, error) { return arrayContains(arr, r), nil }),
		"does_not_contain":    withArray(func(arr []any, r string) (bool, error) { return !arrayContains(arr, r), nil }),
		"length_equals":       compareLength(func(n, target float64) bool { return n == target }),
		"length_greater_than": compareLength(func(n, target float64) bool { return n > target }),
		"length_less_than":    compareLength(func(n, target float64) bool { return n < target }),
	},
	"object": {
		"exists": func(l, r string) (bool, error) {
			_, err := parseObject(l)
			return err == nil, nil
		},
		"does_not_exist": func(l, r string) (bool, error) {
			_, err := parseObject(l)
			return err != nil, nil
		},
		"has_key":           withObject(func(obj map[string]any, r string) (bool, error) { return hasKey(obj, r), nil }),
		"does_not_have_key": withObject(func(obj map[string]any, r string) (bool, error) { return !hasKey(obj, r), nil }),
		"key_equals":        withObject(keyEquals),
		"key_not_equals": withObject(func(obj map[string]any, r string) (bool, error) {
			equal, err := keyEquals(obj, r)
			return !equal, err
		}),
	},
}

func lookupOperator(conditionType string) (operatorFunc, error) {
	dataType, operator, _ := strings.Cut(conditionType, ".")

	operators, ok := operatorsByDataType[dataType]
	if !ok {
		return nil, fmt.Errorf("unknown condition data type: %s", dataType)
	}

	fn, ok := operators[operator]
	if !ok {
		return nil, fmt.Errorf("unknown %s condition: %s", dataType, operator)
	}

	return fn, nil
}

func matchesRegex(l, r string) (bool, error) {
	matched, err := regexp.MatchString(r, l)
	if err != nil {
		return false, fmt.Errorf("invalid regex %q: %w", r, err)
	}

	return matched, nil
}

func compareNumbers(cmp func(a, b float64) bool) operatorFunc {
	return func(l, r string) (bool, error) {
		a, err := strconv.ParseFloat(strings.TrimSpace(l), 64)
		if err != nil {
			return false, fmt.Errorf("failed to parse %q as number: %w", l, err)
		}

		b, err := strconv.ParseFloat(strings.TrimSpace(r), 64)
		if err != nil {
			return false, fmt.Errorf("failed to parse %q as number: %w", r, err)
		}

		return cmp(a, b), nil
	}
}

func compareDates(cmp func(a, b time.Time) bool) operatorFunc {
	return func(l, r string) (bool, error) {
		a, err := time.Parse(time.RFC3339, l)
		if err != nil {
			return false, fmt.Errorf("failed to parse %q as date: %w", l, err)
		}

		b, err := time.Parse(time.RFC3339, r)
		if err != nil {
			return false, fmt.Errorf("failed to parse %q as date: %w", r, err)
		}

		return cmp(a, b), nil
	}
}

func parseArray(s string) ([]any, error) {
	var arr []any
	if err := json.Unmarshal([]byte(s), &arr); err != nil {
		return nil, fmt.Errorf("failed to parse %q as array: %w", s, err)
	}

	return arr, nil
}

func parseObject(s string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, fmt.Errorf("failed to parse %q as object: %w", s, err)
	}

	return obj, nil
}

func withArray(fn func(arr []any, r string) (bool, error)) operatorFunc {
	return func(l, r string) (bool, error) {
		arr, err := parseArray(l)
		if err != nil {
			return false, err
		}

		return fn(arr, r)
	}
}

func withObject(fn func(obj map[string]any, r string) (bool, error)) operatorFunc {
	return func(l, r string) (bool, error) {
		obj, err := parseObject(l)
		if err != nil {
			return false, err
		}

		return fn(obj, r)
	}
}

func compareLength(cmp func(n, target float64) bool) operatorFunc {
	return withArray(func(arr []any, r string) (bool, error) {
		target, err := strconv.ParseFloat(strings.TrimSpace(r), 64)
		if err != nil {
			return false, fmt.Errorf("failed to parse length %q: %w", r, err)
		}

		return cmp(float64(len(arr)), target), nil
	})
}

func hasKey(obj map[string]any, key string) bool {
	_, ok := obj[key]
	return ok
}

// keyEquals expects r in the form "key:value".
func keyEquals(obj map[string]any, r string) (bool, error) {
	key, expected, ok := strings.Cut(r, ":")
	if !ok {
		return false, fmt.Errorf("expected key:value, got %q", r)
	}

	value, exists := obj[key]
	if !exists {
		return false, nil
	}

	return stringify(value) == expected, nil
}

func arrayContains(arr []any, target string) bool {
	for _, item := range arr {
		if stringify(item) == target {
			return true
		}
	}

	return false
}

func stringify(value any) string {
	if s, ok := value.(string); ok {
		return s
	}

	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}

	return string(b)
}
