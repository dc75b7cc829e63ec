package executor

import (
	"context"
	"testing"

	"github.com/flowbaker/flowdispatch/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeAssistantResponses(t *testing.T) {
	file := domain.AssistantResponseItem{Type: domain.AssistantResponseTypeFile, File: &domain.FileReference{Name: "x"}}

	tests := []struct {
		name     string
		items    []domain.AssistantResponseItem
		expected []string
	}{
		{
			name:     "empty",
			items:    nil,
			expected: []string{},
		},
		{
			name:     "consecutive text concatenates",
			items:    []domain.AssistantResponseItem{{Type: domain.AssistantResponseTypeText, Text: "a"}, {Type: domain.AssistantResponseTypeText, Text: "b"}},
			expected: []string{"text:ab"},
		},
		{
			name: "non-text item breaks the run",
			items: []domain.AssistantResponseItem{
				{Type: domain.AssistantResponseTypeText, Text: "a"},
				{Type: domain.AssistantResponseTypeText, Text: "b"},
				file,
				{Type: domain.AssistantResponseTypeText, Text: "c"},
			},
			expected: []string{"text:ab", "file:", "text:c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged := MergeAssistantResponses(tt.items)

			actual := []string{}
			for _, item := range merged {
				actual = append(actual, string(item.Type)+":"+item.Text)
			}

			assert.Equal(t, tt.expected, actual)
		})
	}
}

func TestRunAccumulator_EmptyResponsesYieldOneTextItem(t *testing.T) {
	accumulator := NewRunAccumulator()

	responses := accumulator.AssistantResponses()

	require.Len(t, responses, 1)
	assert.Equal(t, domain.AssistantResponseTypeText, responses[0].Type)
	assert.Empty(t, responses[0].Text)
}

func TestRunAccumulator_HandleEvent(t *testing.T) {
	accumulator := NewRunAccumulator()
	ctx := context.Background()

	require.NoError(t, accumulator.HandleEvent(ctx, NodeRunCompletedEvent{
		Trace: domain.NodeTrace{NodeID: "a"},
		Result: domain.NodeResult{
			Usages:             []domain.UsageRecord{{ModuleName: "a", TotalPoints: 1.5}},
			AssistantResponses: []domain.AssistantResponseItem{domain.NewTextResponse("shown")},
		},
	}))

	require.NoError(t, accumulator.HandleEvent(ctx, NodeRunCompletedEvent{
		Trace: domain.NodeTrace{NodeID: "b"},
		Result: domain.NodeResult{
			Usages:             []domain.UsageRecord{{ModuleName: "b", TotalPoints: 0.25}},
			AssistantResponses: []domain.AssistantResponseItem{domain.NewTextResponse("hidden")},
			ForbidStream:       true,
		},
	}))

	require.NoError(t, accumulator.HandleEvent(ctx, NodeSkippedEvent{NodeID: "c"}))

	assert.Len(t, accumulator.Traces(), 2)
	assert.Len(t, accumulator.Usages(), 2)
	assert.InDelta(t, 1.75, accumulator.TotalPoints(), 1e-9)

	responses := accumulator.AssistantResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "shown", responses[0].Text)

	debugResponses := accumulator.DebugNodeResponses()
	require.Contains(t, debugResponses, "c")
	assert.Equal(t, string(NodeRunStatusSkip), debugResponses["c"].Type)
	assert.Nil(t, debugResponses["c"].Response)
	assert.NotContains(t, debugResponses, "a")
}

func TestRunAccumulator_SetInteractive(t *testing.T) {
	t.Run("payment pauses accumulate", func(t *testing.T) {
		accumulator := NewRunAccumulator()

		accumulator.SetInteractive("a", domain.InteractiveResponse{Type: domain.InteractiveTypePaymentPause})
		accumulator.SetInteractive("b", domain.InteractiveResponse{Type: domain.InteractiveTypePaymentPause})

		require.True(t, accumulator.HasInteractive())
		assert.Equal(t, []string{"a", "b"}, accumulator.Interactive().EntryNodeIDs)
	})

	t.Run("other pauses replace", func(t *testing.T) {
		accumulator := NewRunAccumulator()

		accumulator.SetInteractive("a", domain.InteractiveResponse{Type: domain.InteractiveTypeUserSelect})
		accumulator.SetInteractive("b", domain.InteractiveResponse{Type: domain.InteractiveTypeUserInput})

		pending := accumulator.Interactive()
		require.NotNil(t, pending)
		assert.Equal(t, []string{"b"}, pending.EntryNodeIDs)
		assert.Equal(t, domain.InteractiveTypeUserInput, pending.Response.Type)
	})
}
