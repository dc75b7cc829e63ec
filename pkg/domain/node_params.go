package domain

import (
	"encoding/json"
	"fmt"
)

// BindParams decodes resolved node params into a typed struct using the
// struct's json tags.
func BindParams(params map[string]any, target any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal node params: %w", err)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to bind node params: %w", err)
	}

	return nil
}
