package executor

import (
	"context"
	"time"

	"github.com/flowbaker/flowdispatch/pkg/domain"
)

type ExecutionEventType string

const (
	ExecutionEventTypeNodeRunStarted       ExecutionEventType = "node_run_started"
	ExecutionEventTypeNodeRunCompleted     ExecutionEventType = "node_run_completed"
	ExecutionEventTypeNodeSkipped          ExecutionEventType = "node_skipped"
	ExecutionEventTypeWorkflowRunCompleted ExecutionEventType = "workflow_run_completed"
)

type ExecutionEvent interface {
	GetEventType() ExecutionEventType
}

type NodeRunStartedEvent struct {
	Node      domain.Node
	Timestamp time.Time
}

func (NodeRunStartedEvent) GetEventType() ExecutionEventType {
	return ExecutionEventTypeNodeRunStarted
}

type NodeRunCompletedEvent struct {
	Node      domain.Node
	Trace     domain.NodeTrace
	Result    domain.NodeResult
	Error     error
	StartedAt time.Time
	EndedAt   time.Time
}

func (NodeRunCompletedEvent) GetEventType() ExecutionEventType {
	return ExecutionEventTypeNodeRunCompleted
}

type NodeSkippedEvent struct {
	NodeID    string
	Timestamp time.Time
}

func (NodeSkippedEvent) GetEventType() ExecutionEventType {
	return ExecutionEventTypeNodeSkipped
}

type WorkflowRunCompletedEvent struct {
	RunID           string
	DurationSeconds float64
	Timestamp       time.Time
}

func (WorkflowRunCompletedEvent) GetEventType() ExecutionEventType {
	return ExecutionEventTypeWorkflowRunCompleted
}

type ExecutionEventHandler interface {
	HandleEvent(ctx context.Context, event ExecutionEvent) error
}

type ExecutionObserver struct {
	handlers []ExecutionEventHandler
}

func NewExecutionObserver() *ExecutionObserver {
	return &ExecutionObserver{
		handlers: []ExecutionEventHandler{},
	}
}

func (o *ExecutionObserver) Subscribe(handler ExecutionEventHandler) {
	o.handlers = append(o.handlers, handler)
}

// Notify calls every handler and returns the first error.
func (o *ExecutionObserver) Notify(ctx context.Context, event ExecutionEvent) error {
	var firstErr error

	for _, handler := range o.handlers {
		if err := handler.HandleEvent(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
