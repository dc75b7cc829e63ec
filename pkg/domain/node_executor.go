package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNodeExecutorNotFound = errors.New("node executor not found")
)

type NodeExecutorInput struct {
	Node       Node
	Params     map[string]any
	RunContext *RunContext
}

// NodeResult is the generic envelope every node executor returns. The
// scheduler only reads the control fields; Data is written into the node's
// declared outputs.
type NodeResult struct {
	Data               map[string]any
	NewVariables       map[string]any
	Usages             []UsageRecord
	AssistantResponses []AssistantResponseItem
	ToolResponses      any
	Interactive        *InteractiveResponse
	SkipHandleIDs      []string
	Details            map[string]any
	ChildTraces        []NodeTrace

	// RunTimes spent by nested dispatches, charged to the caller's budget.
	RunTimes float64

	// ForbidStream keeps AssistantResponses out of the outward response list.
	ForbidStream bool
}

type NodeExecutor interface {
	Execute(ctx context.Context, input NodeExecutorInput) (NodeResult, error)
}

type NodeExecutorFunc func(ctx context.Context, input NodeExecutorInput) (NodeResult, error)

func (f NodeExecutorFunc) Execute(ctx context.Context, input NodeExecutorInput) (NodeResult, error) {
	return f(ctx, input)
}

type SelectNodeExecutorParams struct {
	NodeType NodeType
}

type NodeExecutorSelector interface {
	Select(ctx context.Context, params SelectNodeExecutorParams) (NodeExecutor, error)
	Register(nodeType NodeType, executor NodeExecutor)
	RegisteredTypes() []NodeType
}

type nodeExecutorSelector struct {
	mtx             sync.RWMutex
	executorsByType map[NodeType]NodeExecutor
}

func NewNodeExecutorSelector() NodeExecutorSelector {
	return &nodeExecutorSelector{
		executorsByType: make(map[NodeType]NodeExecutor),
	}
}

func (s *nodeExecutorSelector) Register(nodeType NodeType, executor NodeExecutor) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.executorsByType[nodeType] = executor
}

func (s *nodeExecutorSelector) Select(ctx context.Context, params SelectNodeExecutorParams) (NodeExecutor, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	executor, ok := s.executorsByType[params.NodeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeExecutorNotFound, params.NodeType)
	}

	return executor, nil
}

func (s *nodeExecutorSelector) RegisteredTypes() []NodeType {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	types := make([]NodeType, 0, len(s.executorsByType))

	for nodeType := range s.executorsByType {
		types = append(types, nodeType)
	}

	return types
}
