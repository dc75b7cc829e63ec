package domain

import (
	"context"
)

type StreamEventType string

const (
	StreamEventFlowNodeStatus   StreamEventType = "flowNodeStatus"
	StreamEventFlowNodeResponse StreamEventType = "flowNodeResponse"
	StreamEventInteractive      StreamEventType = "interactive"
	StreamEventAnswer           StreamEventType = "answer"
	StreamEventWorkflowDuration StreamEventType = "workflowDuration"
	StreamEventHeartbeat        StreamEventType = "heartbeat"
)

type StreamEvent struct {
	Type StreamEventType `json:"event"`
	Data any             `json:"data"`
}

type NodeStatusData struct {
	Status string `json:"status"`
	NodeID string `json:"nodeId"`
	Name   string `json:"name"`
}

type AnswerDeltaData struct {
	Text      string `json:"text,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

type WorkflowDurationData struct {
	DurationSeconds float64 `json:"durationSeconds"`
}

type InteractiveEventData struct {
	Interactive InteractiveSnapshot `json:"interactive"`
}

// StreamSink receives incremental events of a run. Implementations must be
// safe for concurrent use.
type StreamSink interface {
	Publish(ctx context.Context, event StreamEvent) error
}

type StreamFunc func(event StreamEvent)

// Publish lets a StreamFunc act as the sink of a nested run.
func (f StreamFunc) Publish(ctx context.Context, event StreamEvent) error {
	f(event)

	return nil
}
