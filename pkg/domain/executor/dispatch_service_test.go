package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowbaker/flowdispatch/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testNodeTypeStep   domain.NodeType = "testStep"
	testNodeTypeBranch domain.NodeType = "testBranch"
	testNodeTypeFail   domain.NodeType = "testFail"
)

type fakeUsageLedger struct {
	mutex   sync.Mutex
	created []domain.CreateUsageParams
	pushed  []domain.UsageRecord
}

func (l *fakeUsageLedger) CreateUsage(ctx context.Context, params domain.CreateUsageParams) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.created = append(l.created, params)

	return nil
}

func (l *fakeUsageLedger) PushUsages(ctx context.Context, usageID string, usages []domain.UsageRecord) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.pushed = append(l.pushed, usages...)

	return nil
}

func (l *fakeUsageLedger) totalPoints() float64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return domain.SumUsagePoints(l.pushed)
}

type recordingSink struct {
	mutex  sync.Mutex
	events []domain.StreamEvent
}

func (s *recordingSink) Publish(ctx context.Context, event domain.StreamEvent) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.events = append(s.events, event)

	return nil
}

func (s *recordingSink) count(eventType domain.StreamEventType) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	count := 0
	for _, event := range s.events {
		if event.Type == eventType {
			count++
		}
	}

	return count
}

type balanceCheckerFunc func(ctx context.Context, teamID string) error

func (f balanceCheckerFunc) CheckBalance(ctx context.Context, teamID string) error {
	return f(ctx, teamID)
}

type callCounter struct {
	mutex sync.Mutex
	calls map[string]int
}

func newCallCounter() *callCounter {
	return &callCounter{calls: map[string]int{}}
}

func (c *callCounter) inc(nodeID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.calls[nodeID]++
}

func (c *callCounter) get(nodeID string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.calls[nodeID]
}

func startNode(id string) domain.Node {
	return domain.Node{
		NodeID:  id,
		Name:    id,
		Type:    domain.NodeTypeWorkflowStart,
		Outputs: []domain.NodeOutput{{Key: "userChatInput", ValueType: domain.ValueTypeString}},
	}
}

func stepNode(id string, text string) domain.Node {
	return domain.Node{
		NodeID:  id,
		Name:    id,
		Type:    testNodeTypeStep,
		Inputs:  []domain.NodeInput{{Key: "text", Value: text, ValueType: domain.ValueTypeString}},
		Outputs: []domain.NodeOutput{{Key: "text", ValueType: domain.ValueTypeString}},
	}
}

func link(source string, handle string, target string) domain.Edge {
	return domain.Edge{
		Source:       source,
		SourceHandle: domain.SourceHandle(source, handle),
		Target:       target,
		TargetHandle: domain.TargetHandle(target, "left"),
	}
}

func newTestSelector(counter *callCounter) domain.NodeExecutorSelector {
	selector := domain.NewNodeExecutorSelector()

	selector.Register(domain.NodeTypeWorkflowStart, domain.NodeExecutorFunc(func(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
		counter.inc(input.Node.NodeID)

		return domain.NodeResult{
			Data: map[string]any{"userChatInput": input.RunContext.Query},
		}, nil
	}))

	selector.Register(testNodeTypeStep, domain.NodeExecutorFunc(func(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
		counter.inc(input.Node.NodeID)

		text, _ := input.Params["text"].(string)

		return domain.NodeResult{
			Data:               map[string]any{"text": text},
			AssistantResponses: []domain.AssistantResponseItem{domain.NewTextResponse(text)},
		}, nil
	}))

	selector.Register(testNodeTypeBranch, domain.NodeExecutorFunc(func(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
		counter.inc(input.Node.NodeID)

		return domain.NodeResult{
			SkipHandleIDs: []string{domain.SourceHandle(input.Node.NodeID, "else")},
		}, nil
	}))

	selector.Register(testNodeTypeFail, domain.NodeExecutorFunc(func(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
		counter.inc(input.Node.NodeID)

		return domain.NodeResult{}, errors.New("boom")
	}))

	return selector
}

func newTestService(t *testing.T, selector domain.NodeExecutorSelector, deps DispatchServiceDependencies) DispatchService {
	t.Helper()

	validator, err := NewGraphValidator()
	require.NoError(t, err)

	deps.Selector = selector
	deps.Validator = validator

	return NewDispatchService(deps)
}

func TestDispatch_LinearChain(t *testing.T) {
	counter := newCallCounter()
	service := newTestService(t, newTestSelector(counter), DispatchServiceDependencies{})

	result, err := service.Dispatch(context.Background(), domain.DispatchParams{
		Query: "hi",
		Nodes: []domain.Node{
			startNode("start"),
			stepNode("a", "{{$start.userChatInput$}}"),
			stepNode("b", "!"),
		},
		Edges: []domain.Edge{
			link("start", "right", "a"),
			link("a", "right", "b"),
		},
	})
	require.NoError(t, err)

	assert.InDelta(t, 3.0, result.RunTimes, 1e-9)
	assert.Len(t, result.FlowResponses, 3)
	require.Len(t, result.AssistantResponses, 1)
	assert.Equal(t, "hi!", result.AssistantResponses[0].Text)
	assert.Nil(t, result.WorkflowInteractiveResponse)

	for _, nodeID := range []string{"start", "a", "b"} {
		assert.Equal(t, 1, counter.get(nodeID), nodeID)
	}
}

func TestDispatch_BranchSkipsUnselectedSubtree(t *testing.T) {
	counter := newCallCounter()
	service := newTestService(t, newTestSelector(counter), DispatchServiceDependencies{})

	result, err := service.Dispatch(context.Background(), domain.DispatchParams{
		Mode: domain.DispatchModeTest,
		Nodes: []domain.Node{
			startNode("start"),
			{NodeID: "branch", Type: testNodeTypeBranch},
			stepNode("yes", "yes"),
			stepNode("no", "no"),
			stepNode("noChild", "no child"),
		},
		Edges: []domain.Edge{
			link("start", "right", "branch"),
			link("branch", "if", "yes"),
			link("branch", "else", "no"),
			link("no", "right", "noChild"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, counter.get("yes"))
	assert.Equal(t, 0, counter.get("no"))
	assert.Equal(t, 0, counter.get("noChild"))
	assert.InDelta(t, 3.2, result.RunTimes, 1e-9)

	require.NotNil(t, result.DebugResponse)
	responses := result.DebugResponse.NodeResponses
	assert.Equal(t, string(NodeRunStatusRun), responses["yes"].Type)
	assert.Equal(t, string(NodeRunStatusSkip), responses["no"].Type)
	assert.Equal(t, string(NodeRunStatusSkip), responses["noChild"].Type)

	for _, edge := range result.DebugResponse.FinishedEdges {
		if edge.Target == "no" || edge.Target == "noChild" {
			assert.Equal(t, domain.EdgeStatusSkipped, edge.Status)
		}
	}
}

func TestDispatch_NodeErrors(t *testing.T) {
	tests := []struct {
		name          string
		catchError    bool
		expectedCalls map[string]int
	}{
		{
			name:          "error without catch starves successors",
			catchError:    false,
			expectedCalls: map[string]int{"next": 0, "onError": 0},
		},
		{
			name:          "error with catch activates the error branch",
			catchError:    true,
			expectedCalls: map[string]int{"next": 0, "onError": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := newCallCounter()
			service := newTestService(t, newTestSelector(counter), DispatchServiceDependencies{})

			result, err := service.Dispatch(context.Background(), domain.DispatchParams{
				Nodes: []domain.Node{
					startNode("start"),
					{
						NodeID:     "fail",
						Type:       testNodeTypeFail,
						CatchError: tt.catchError,
						Outputs:    []domain.NodeOutput{{Key: OutputKeyErrorText, ValueType: domain.ValueTypeString}},
					},
					stepNode("next", "next"),
					stepNode("onError", "{{$fail.errorText$}}"),
				},
				Edges: []domain.Edge{
					link("start", "right", "fail"),
					link("fail", "right", "next"),
					link("fail", domain.CatchErrorHandleKey, "onError"),
				},
			})
			require.NoError(t, err)

			for nodeID, calls := range tt.expectedCalls {
				assert.Equal(t, calls, counter.get(nodeID), nodeID)
			}

			var failTrace *domain.NodeTrace
			for i := range result.FlowResponses {
				if result.FlowResponses[i].NodeID == "fail" {
					failTrace = &result.FlowResponses[i]
				}
			}

			require.NotNil(t, failTrace)
			assert.Equal(t, "boom", failTrace.Error)

			if tt.catchError {
				assert.Equal(t, "boom", result.AssistantResponses[0].Text)
			}
		})
	}
}

func TestDispatch_MaxConcurrency(t *testing.T) {
	var inFlight atomic.Int32
	var maxInFlight atomic.Int32
	var calls atomic.Int32

	selector := newTestSelector(newCallCounter())
	selector.Register(testNodeTypeStep, domain.NodeExecutorFunc(func(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)

		for {
			observed := maxInFlight.Load()
			if current <= observed || maxInFlight.CompareAndSwap(observed, current) {
				break
			}
		}

		calls.Add(1)
		time.Sleep(20 * time.Millisecond)

		return domain.NodeResult{}, nil
	}))

	service := newTestService(t, selector, DispatchServiceDependencies{})

	nodes := []domain.Node{startNode("start")}
	edges := []domain.Edge{}
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		nodes = append(nodes, stepNode(id, id))
		edges = append(edges, link("start", "right", id))
	}

	_, err := service.Dispatch(context.Background(), domain.DispatchParams{
		Nodes:          nodes,
		Edges:          edges,
		MaxConcurrency: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, int32(5), calls.Load())
	assert.LessOrEqual(t, maxInFlight.Load(), int32(2))
}

func TestDispatch_MaxRunTimesHaltsSilently(t *testing.T) {
	counter := newCallCounter()
	service := newTestService(t, newTestSelector(counter), DispatchServiceDependencies{})

	result, err := service.Dispatch(context.Background(), domain.DispatchParams{
		MaxRunTimes: 2,
		Nodes: []domain.Node{
			startNode("start"),
			stepNode("a", "a"),
			stepNode("b", "b"),
			stepNode("c", "c"),
		},
		Edges: []domain.Edge{
			link("start", "right", "a"),
			link("a", "right", "b"),
			link("b", "right", "c"),
		},
	})
	require.NoError(t, err)

	assert.InDelta(t, 2.0, result.RunTimes, 1e-9)
	assert.Equal(t, 1, counter.get("a"))
	assert.Equal(t, 0, counter.get("b"))
}

func TestDispatch_InteractivePauseAndResume(t *testing.T) {
	counter := newCallCounter()
	selector := newTestSelector(counter)
	selector.Register(domain.NodeTypeUserSelect, domain.NodeExecutorFunc(func(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
		counter.inc(input.Node.NodeID)

		if input.RunContext.LastInteractive == nil {
			return domain.NodeResult{
				Interactive: &domain.InteractiveResponse{
					Type: domain.InteractiveTypeUserSelect,
					Params: domain.InteractiveParams{
						UserSelectOptions: []domain.UserSelectOption{{Key: "a", Value: "A"}},
					},
				},
			}, nil
		}

		return domain.NodeResult{Data: map[string]any{"selected": input.RunContext.Query}}, nil
	}))

	service := newTestService(t, selector, DispatchServiceDependencies{})

	nodes := []domain.Node{
		startNode("start"),
		{
			NodeID:  "select",
			Type:    domain.NodeTypeUserSelect,
			Outputs: []domain.NodeOutput{{Key: "selected", ValueType: domain.ValueTypeString}},
		},
		stepNode("answer", "{{$start.userChatInput$}} -> {{$select.selected$}}"),
	}
	edges := []domain.Edge{
		link("start", "right", "select"),
		link("select", "right", "answer"),
	}

	paused, err := service.Dispatch(context.Background(), domain.DispatchParams{
		Query: "hello",
		Nodes: nodes,
		Edges: edges,
	})
	require.NoError(t, err)

	require.NotNil(t, paused.WorkflowInteractiveResponse)
	snapshot := *paused.WorkflowInteractiveResponse
	assert.Equal(t, domain.InteractiveTypeUserSelect, snapshot.Type)
	assert.Equal(t, []string{"select"}, snapshot.EntryNodeIDs)
	assert.Equal(t, 0, counter.get("answer"))

	last := paused.AssistantResponses[len(paused.AssistantResponses)-1]
	assert.Equal(t, domain.AssistantResponseTypeInteractive, last.Type)

	resumed, err := service.Dispatch(context.Background(), domain.DispatchParams{
		Query:           "A",
		Nodes:           nodes,
		Edges:           edges,
		LastInteractive: &snapshot,
	})
	require.NoError(t, err)

	assert.Nil(t, resumed.WorkflowInteractiveResponse)
	assert.Equal(t, 1, counter.get("start"))
	assert.Equal(t, 2, counter.get("select"))
	assert.Equal(t, 1, counter.get("answer"))
	assert.Equal(t, "hello -> A", resumed.AssistantResponses[0].Text)
}

func TestDispatch_PaymentPauseAccumulatesEntryNodes(t *testing.T) {
	var checks atomic.Int32

	checker := balanceCheckerFunc(func(ctx context.Context, teamID string) error {
		if checks.Add(1) == 1 {
			return nil
		}

		return domain.ErrInsufficientBalance
	})

	counter := newCallCounter()
	service := newTestService(t, newTestSelector(counter), DispatchServiceDependencies{BalanceChecker: checker})

	result, err := service.Dispatch(context.Background(), domain.DispatchParams{
		Nodes: []domain.Node{
			startNode("start"),
			stepNode("a", "a"),
			stepNode("b", "b"),
		},
		Edges: []domain.Edge{
			link("start", "right", "a"),
			link("start", "right", "b"),
		},
	})
	require.NoError(t, err)

	require.NotNil(t, result.WorkflowInteractiveResponse)
	assert.Equal(t, domain.InteractiveTypePaymentPause, result.WorkflowInteractiveResponse.Type)
	assert.ElementsMatch(t, []string{"a", "b"}, result.WorkflowInteractiveResponse.EntryNodeIDs)
	assert.Equal(t, 0, counter.get("a"))
	assert.Equal(t, 0, counter.get("b"))
}

func TestDispatch_RecursionStopsAtMaxDepth(t *testing.T) {
	var calls atomic.Int32

	nodes := []domain.Node{
		startNode("start"),
		{NodeID: "child", Type: domain.NodeTypeSubWorkflow},
	}
	edges := []domain.Edge{link("start", "right", "child")}

	selector := newTestSelector(newCallCounter())
	selector.Register(domain.NodeTypeSubWorkflow, domain.NodeExecutorFunc(func(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
		calls.Add(1)

		childResult, err := input.RunContext.Dispatcher.Dispatch(ctx, domain.DispatchParams{
			Nodes: nodes,
			Edges: edges,
			Depth: input.RunContext.Depth,
		})
		if err != nil {
			return domain.NodeResult{}, err
		}

		return domain.NodeResult{ChildTraces: childResult.FlowResponses}, nil
	}))

	service := newTestService(t, selector, DispatchServiceDependencies{})

	_, err := service.Dispatch(context.Background(), domain.DispatchParams{Nodes: nodes, Edges: edges})
	require.NoError(t, err)

	assert.Equal(t, int32(MaxDispatchDepth), calls.Load())
}

func TestDispatch_UsagePushedOnceAcrossNestedRuns(t *testing.T) {
	ledger := &fakeUsageLedger{}

	childNodes := []domain.Node{
		startNode("childStart"),
		{NodeID: "billed", Type: domain.NodeTypeAIChat},
	}
	childEdges := []domain.Edge{link("childStart", "right", "billed")}

	selector := newTestSelector(newCallCounter())
	selector.Register(domain.NodeTypeAIChat, domain.NodeExecutorFunc(func(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
		return domain.NodeResult{
			Usages: []domain.UsageRecord{{ModuleName: input.Node.NodeID, TotalPoints: 2}},
		}, nil
	}))
	selector.Register(domain.NodeTypeSubWorkflow, domain.NodeExecutorFunc(func(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
		childResult, err := input.RunContext.Dispatcher.Dispatch(ctx, domain.DispatchParams{
			Nodes:   childNodes,
			Edges:   childEdges,
			Depth:   input.RunContext.Depth,
			UsageID: input.RunContext.UsageID,
		})
		if err != nil {
			return domain.NodeResult{}, err
		}

		return domain.NodeResult{Usages: childResult.FlowUsages}, nil
	}))

	service := newTestService(t, selector, DispatchServiceDependencies{UsageLedger: ledger})

	result, err := service.Dispatch(context.Background(), domain.DispatchParams{
		TeamID: "team",
		Nodes: []domain.Node{
			startNode("start"),
			{NodeID: "parentBilled", Type: domain.NodeTypeAIChat},
			{NodeID: "sub", Type: domain.NodeTypeSubWorkflow},
		},
		Edges: []domain.Edge{
			link("start", "right", "parentBilled"),
			link("parentBilled", "right", "sub"),
		},
	})
	require.NoError(t, err)

	assert.Len(t, ledger.created, 1)
	assert.InDelta(t, 4.0, ledger.totalPoints(), 1e-9)
	assert.InDelta(t, domain.SumUsagePoints(result.FlowUsages), ledger.totalPoints(), 1e-9)
}

func TestDispatch_ContractViolations(t *testing.T) {
	tests := []struct {
		name        string
		nodes       []domain.Node
		edges       []domain.Edge
		expectedErr error
	}{
		{
			name:        "missing executor",
			nodes:       []domain.Node{startNode("start"), {NodeID: "x", Type: "unknownType"}},
			edges:       []domain.Edge{link("start", "right", "x")},
			expectedErr: domain.ErrNodeExecutorNotFound,
		},
		{
			name:        "edge to unknown node",
			nodes:       []domain.Node{startNode("start")},
			edges:       []domain.Edge{link("start", "right", "ghost")},
			expectedErr: domain.ErrMalformedGraph,
		},
		{
			name:        "no entry node",
			nodes:       []domain.Node{stepNode("a", "a")},
			expectedErr: domain.ErrMalformedGraph,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := newTestService(t, newTestSelector(newCallCounter()), DispatchServiceDependencies{})

			_, err := service.Dispatch(context.Background(), domain.DispatchParams{Nodes: tt.nodes, Edges: tt.edges})
			assert.ErrorIs(t, err, tt.expectedErr)
		})
	}
}

func TestDispatch_DebugModeStopsAtNextStep(t *testing.T) {
	counter := newCallCounter()
	service := newTestService(t, newTestSelector(counter), DispatchServiceDependencies{})

	result, err := service.Dispatch(context.Background(), domain.DispatchParams{
		Mode: domain.DispatchModeDebug,
		Nodes: []domain.Node{
			startNode("start"),
			stepNode("a", "a"),
			stepNode("b", "b"),
		},
		Edges: []domain.Edge{
			link("start", "right", "a"),
			link("a", "right", "b"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, counter.get("start"))
	assert.Equal(t, 0, counter.get("a"))

	require.NotNil(t, result.DebugResponse)
	require.Len(t, result.DebugResponse.NextStepRunNodes, 1)
	assert.Equal(t, "a", result.DebugResponse.NextStepRunNodes[0].NodeID)
}

func TestDispatch_StreamsTopLevelEvents(t *testing.T) {
	sink := &recordingSink{}
	service := newTestService(t, newTestSelector(newCallCounter()), DispatchServiceDependencies{})

	nodes := []domain.Node{startNode("start"), stepNode("a", "a")}
	nodes[1].ShowStatus = true

	_, err := service.Dispatch(context.Background(), domain.DispatchParams{
		Stream: true,
		Sink:   sink,
		Nodes:  nodes,
		Edges:  []domain.Edge{link("start", "right", "a")},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, sink.count(domain.StreamEventFlowNodeStatus))
	assert.Equal(t, 2, sink.count(domain.StreamEventFlowNodeResponse))
	assert.Equal(t, 1, sink.count(domain.StreamEventWorkflowDuration))
}

func TestDispatch_DepthBeyondLimitReturnsEmpty(t *testing.T) {
	counter := newCallCounter()
	service := newTestService(t, newTestSelector(counter), DispatchServiceDependencies{})

	result, err := service.Dispatch(context.Background(), domain.DispatchParams{
		Depth: MaxDispatchDepth,
		Nodes: []domain.Node{startNode("start")},
	})
	require.NoError(t, err)

	assert.Empty(t, result.FlowResponses)
	assert.Equal(t, 0, counter.get("start"))
}

func TestDispatch_BudgetBelowOneRunsNothing(t *testing.T) {
	counter := newCallCounter()
	service := newTestService(t, newTestSelector(counter), DispatchServiceDependencies{})

	result, err := service.Dispatch(context.Background(), domain.DispatchParams{
		MaxRunTimes: 0.5,
		Nodes:       []domain.Node{startNode("start"), stepNode("a", "a")},
		Edges:       []domain.Edge{link("start", "right", "a")},
	})
	require.NoError(t, err)

	assert.Zero(t, result.RunTimes)
	assert.Equal(t, 0, counter.get("start"))
	require.Len(t, result.AssistantResponses, 1)
	assert.Equal(t, "", result.AssistantResponses[0].Text)
}

func TestDispatch_JoinRunsOnceAfterConcurrentPredecessors(t *testing.T) {
	counter := newCallCounter()
	service := newTestService(t, newTestSelector(counter), DispatchServiceDependencies{})

	result, err := service.Dispatch(context.Background(), domain.DispatchParams{
		Nodes: []domain.Node{
			startNode("start"),
			stepNode("left", "l"),
			stepNode("right", "r"),
			stepNode("join", "{{$left.text$}}{{$right.text$}}"),
		},
		Edges: []domain.Edge{
			link("start", "right", "left"),
			link("start", "right", "right"),
			link("left", "right", "join"),
			link("right", "right", "join"),
		},
		MaxConcurrency: 4,
	})
	require.NoError(t, err)

	for _, nodeID := range []string{"start", "left", "right", "join"} {
		assert.Equal(t, 1, counter.get(nodeID), nodeID)
	}

	assert.InDelta(t, 4.0, result.RunTimes, 1e-9)

	var joinTrace *domain.NodeTrace
	for i := range result.FlowResponses {
		if result.FlowResponses[i].NodeID == "join" {
			joinTrace = &result.FlowResponses[i]
		}
	}

	require.NotNil(t, joinTrace)
	assert.Equal(t, "lr", joinTrace.Data["text"])
}
