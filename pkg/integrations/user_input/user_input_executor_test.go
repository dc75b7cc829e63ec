package userinput

import (
	"context"
	"testing"

	"github.com/flowbaker/flowdispatch/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserInputExecutor_Execute(t *testing.T) {
	executor := NewUserInputExecutor(domain.NodeExecutorDeps{})

	params := map[string]any{
		"description": "Tell us about you",
		"userInputForms": []any{
			map[string]any{"key": "name", "label": "Name", "valueType": "string", "required": true},
			map[string]any{"key": "age", "label": "Age", "valueType": "number"},
		},
	}

	resuming := func(query string) *domain.RunContext {
		return &domain.RunContext{
			Query:           query,
			LastInteractive: &domain.InteractiveSnapshot{Type: domain.InteractiveTypeUserInput},
		}
	}

	tests := []struct {
		name       string
		node       domain.Node
		runContext *domain.RunContext
		expected   map[string]any
		pauses     bool
		expectErr  error
	}{
		{
			name:       "first visit pauses",
			node:       domain.Node{NodeID: "form"},
			runContext: &domain.RunContext{Query: "hi"},
			pauses:     true,
		},
		{
			name:       "resume fills outputs",
			node:       domain.Node{NodeID: "form", IsEntry: true},
			runContext: resuming(`{"name":"Ada","age":"36"}`),
			expected: map[string]any{
				"name":              "Ada",
				"age":               float64(36),
				OutputKeyFormResult: map[string]any{"name": "Ada", "age": float64(36)},
			},
		},
		{
			name:       "missing required field",
			node:       domain.Node{NodeID: "form", IsEntry: true},
			runContext: resuming(`{"age":3}`),
			expectErr:  ErrMissingFormField,
		},
		{
			name:       "not json",
			node:       domain.Node{NodeID: "form", IsEntry: true},
			runContext: resuming(`Ada`),
			expectErr:  ErrInvalidFormAnswer,
		},
		{
			name:       "bad number",
			node:       domain.Node{NodeID: "form", IsEntry: true},
			runContext: resuming(`{"name":"Ada","age":"old"}`),
			expectErr:  ErrInvalidFieldNumber,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := executor.Execute(context.Background(), domain.NodeExecutorInput{
				Node:       tt.node,
				Params:     params,
				RunContext: tt.runContext,
			})
			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
				return
			}

			require.NoError(t, err)

			if tt.pauses {
				require.NotNil(t, result.Interactive)
				assert.Equal(t, domain.InteractiveTypeUserInput, result.Interactive.Type)
				assert.Len(t, result.Interactive.Params.InputForm, 2)
				return
			}

			assert.Equal(t, tt.expected, result.Data)
		})
	}
}
