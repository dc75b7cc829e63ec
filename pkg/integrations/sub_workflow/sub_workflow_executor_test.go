package subworkflow

import (
	"context"
	"testing"

	"github.com/flowbaker/flowdispatch/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAppStore map[string]domain.App

func (s fakeAppStore) GetApp(ctx context.Context, appID string) (domain.App, error) {
	app, ok := s[appID]
	if !ok {
		return domain.App{}, domain.ErrAppNotFound
	}

	return app, nil
}

type fakeDispatcher struct {
	calls  []domain.DispatchParams
	result domain.DispatchResult
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, params domain.DispatchParams) (domain.DispatchResult, error) {
	d.calls = append(d.calls, params)

	return d.result, nil
}

func TestSubWorkflowExecutor_Execute(t *testing.T) {
	graph := domain.Graph{
		Nodes: []domain.Node{{NodeID: "start", Type: domain.NodeTypeWorkflowStart}},
	}
	store := fakeAppStore{
		"child":      {ID: "child", TeamID: "team-a", Name: "Child", Graph: graph},
		"other-team": {ID: "other-team", TeamID: "team-b", Name: "Other", Graph: graph},
	}

	childSnapshot := &domain.InteractiveSnapshot{
		Type:         domain.InteractiveTypeUserSelect,
		EntryNodeIDs: []string{"select"},
	}

	tests := []struct {
		name                string
		params              map[string]any
		node                domain.Node
		lastInteractive     *domain.InteractiveSnapshot
		childResult         domain.DispatchResult
		expectedAnswer      string
		expectedInteractive bool
		expectedChildResume *domain.InteractiveSnapshot
		expectErr           bool
	}{
		{
			name:   "merges child output",
			params: map[string]any{"appId": "child", "variables": map[string]any{"topic": "go"}},
			node:   domain.Node{NodeID: "sub"},
			childResult: domain.DispatchResult{
				FlowUsages: []domain.UsageRecord{{ModuleName: "AI", TotalPoints: 2}},
				AssistantResponses: []domain.AssistantResponseItem{
					{Type: domain.AssistantResponseTypeText, Text: "hello "},
					{Type: domain.AssistantResponseTypeText, Text: "world"},
				},
				FlowResponses: []domain.NodeTrace{{NodeID: "start"}},
				RunTimes:      2,
			},
			expectedAnswer: "hello world",
		},
		{
			name:   "child pause becomes children interactive",
			params: map[string]any{"appId": "child"},
			node:   domain.Node{NodeID: "sub"},
			childResult: domain.DispatchResult{
				WorkflowInteractiveResponse: childSnapshot,
				AssistantResponses: []domain.AssistantResponseItem{
					domain.NewInteractiveResponseItem(*childSnapshot),
				},
			},
			expectedInteractive: true,
		},
		{
			name:   "resume forwards the child snapshot",
			params: map[string]any{"appId": "child"},
			node:   domain.Node{NodeID: "sub", IsEntry: true},
			lastInteractive: &domain.InteractiveSnapshot{
				Type:   domain.InteractiveTypeChildrenInteractive,
				Params: domain.InteractiveParams{ChildrenResponse: childSnapshot},
			},
			expectedChildResume: childSnapshot,
		},
		{
			name:      "unknown app",
			params:    map[string]any{"appId": "missing"},
			node:      domain.Node{NodeID: "sub"},
			expectErr: true,
		},
		{
			name:      "app of another team",
			params:    map[string]any{"appId": "other-team"},
			node:      domain.Node{NodeID: "sub"},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dispatcher := &fakeDispatcher{result: tt.childResult}
			executor := NewSubWorkflowExecutor(domain.NodeExecutorDeps{AppStore: store})

			result, err := executor.Execute(context.Background(), domain.NodeExecutorInput{
				Node:   tt.node,
				Params: tt.params,
				RunContext: &domain.RunContext{
					TeamID:            "team-a",
					UserID:            "user-1",
					Query:             "hi",
					UsageID:           "usage-1",
					Depth:             3,
					Dispatcher:        dispatcher,
					LastInteractive:   tt.lastInteractive,
					Variables:         map[string]any{"userId": "user-1", "secret": "x"},
					RemainingRunTimes: 7,
				},
			})
			if tt.expectErr {
				assert.ErrorIs(t, err, domain.ErrAppNotFound)
				assert.Empty(t, dispatcher.calls)
				return
			}

			require.NoError(t, err)
			require.Len(t, dispatcher.calls, 1)

			call := dispatcher.calls[0]
			assert.Equal(t, 3, call.Depth)
			assert.Equal(t, "team-a", call.TeamID)
			assert.InDelta(t, 7.0, call.MaxRunTimes, 1e-9)
			assert.Equal(t, "usage-1", call.UsageID)
			assert.Equal(t, "child", call.Variables["appId"])
			assert.Equal(t, "user-1", call.Variables["userId"])
			assert.NotContains(t, call.Variables, "secret")
			assert.Equal(t, tt.expectedChildResume, call.LastInteractive)

			assert.Equal(t, tt.expectedAnswer, result.Data[OutputKeyAnswerText])
			assert.Equal(t, tt.childResult.FlowUsages, result.Usages)
			assert.Equal(t, tt.childResult.FlowResponses, result.ChildTraces)
			assert.InDelta(t, tt.childResult.RunTimes, result.RunTimes, 1e-9)

			for _, item := range result.AssistantResponses {
				assert.NotEqual(t, domain.AssistantResponseTypeInteractive, item.Type)
			}

			if tt.expectedInteractive {
				require.NotNil(t, result.Interactive)
				assert.Equal(t, domain.InteractiveTypeChildrenInteractive, result.Interactive.Type)
				assert.Equal(t, childSnapshot, result.Interactive.Params.ChildrenResponse)
			} else {
				assert.Nil(t, result.Interactive)
			}
		})
	}
}

func TestSubWorkflowExecutor_SpentBudget(t *testing.T) {
	tests := []struct {
		name      string
		remaining float64
		dispatch  bool
	}{
		{name: "nothing left", remaining: 0, dispatch: false},
		{name: "partial run left", remaining: 0.5, dispatch: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dispatcher := &fakeDispatcher{}
			executor := NewSubWorkflowExecutor(domain.NodeExecutorDeps{AppStore: fakeAppStore{"child": {ID: "child"}}})

			result, err := executor.Execute(context.Background(), domain.NodeExecutorInput{
				Node:   domain.Node{NodeID: "sub"},
				Params: map[string]any{"appId": "child"},
				RunContext: &domain.RunContext{
					Dispatcher:        dispatcher,
					RemainingRunTimes: tt.remaining,
				},
			})
			require.NoError(t, err)

			if !tt.dispatch {
				assert.Empty(t, dispatcher.calls)
				assert.Equal(t, "", result.Data[OutputKeyAnswerText])
				assert.Zero(t, result.RunTimes)
				return
			}

			require.Len(t, dispatcher.calls, 1)
			assert.InDelta(t, tt.remaining, dispatcher.calls[0].MaxRunTimes, 1e-9)
		})
	}
}
