package executor

import (
	"context"
	"sync"

	"github.com/flowbaker/flowdispatch/pkg/domain"
)

const (
	RunCost  = 1.0
	SkipCost = 0.1
)

type PendingInteractive struct {
	EntryNodeIDs []string
	Response     domain.InteractiveResponse
}

// RunAccumulator collects everything a run produces: run times, traces,
// usages, assistant responses and the pending interactive pause.
type RunAccumulator struct {
	mutex sync.Mutex

	runTimes           float64
	traces             []domain.NodeTrace
	usages             []domain.UsageRecord
	assistantResponses []domain.AssistantResponseItem
	toolResponses      any
	interactive        *PendingInteractive

	debugNodeResponses map[string]domain.DebugNodeResponse
	nextStepNodeIDs    []string
}

func NewRunAccumulator() *RunAccumulator {
	return &RunAccumulator{
		traces:             []domain.NodeTrace{},
		usages:             []domain.UsageRecord{},
		assistantResponses: []domain.AssistantResponseItem{},
		debugNodeResponses: map[string]domain.DebugNodeResponse{},
	}
}

// HandleEvent records completed and skipped nodes. Skips only surface
// through the debug node responses.
func (a *RunAccumulator) HandleEvent(ctx context.Context, event ExecutionEvent) error {
	switch e := event.(type) {
	case NodeRunCompletedEvent:
		a.recordCompleted(e)
	case NodeSkippedEvent:
		a.RecordDebugNode(domain.DebugNodeResponse{
			NodeID: e.NodeID,
			Type:   string(NodeRunStatusSkip),
		})
	}

	return nil
}

func (a *RunAccumulator) recordCompleted(e NodeRunCompletedEvent) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.traces = append(a.traces, e.Trace)
	a.usages = append(a.usages, e.Result.Usages...)

	if !e.Result.ForbidStream {
		a.assistantResponses = append(a.assistantResponses, e.Result.AssistantResponses...)
	}

	if e.Result.ToolResponses != nil {
		a.toolResponses = e.Result.ToolResponses
	}
}

func (a *RunAccumulator) AddRunTimes(delta float64) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.runTimes += delta
}

func (a *RunAccumulator) RunTimes() float64 {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.runTimes
}

// SetInteractive records a pause. Pauses of an accumulating type merge their
// entry nodes, any other pause replaces the previous one.
func (a *RunAccumulator) SetInteractive(nodeID string, response domain.InteractiveResponse) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.interactive != nil &&
		response.Type.AccumulatesEntryNodes() &&
		a.interactive.Response.Type == response.Type {
		a.interactive.EntryNodeIDs = append(a.interactive.EntryNodeIDs, nodeID)
		return
	}

	a.interactive = &PendingInteractive{
		EntryNodeIDs: []string{nodeID},
		Response:     response,
	}
}

func (a *RunAccumulator) Interactive() *PendingInteractive {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.interactive
}

func (a *RunAccumulator) HasInteractive() bool {
	return a.Interactive() != nil
}

func (a *RunAccumulator) AppendAssistantResponse(item domain.AssistantResponseItem) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.assistantResponses = append(a.assistantResponses, item)
}

func (a *RunAccumulator) RecordDebugNode(response domain.DebugNodeResponse) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.debugNodeResponses[response.NodeID] = response
}

func (a *RunAccumulator) AddNextStepNode(nodeID string) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, id := range a.nextStepNodeIDs {
		if id == nodeID {
			return
		}
	}

	a.nextStepNodeIDs = append(a.nextStepNodeIDs, nodeID)
}

func (a *RunAccumulator) NextStepNodeIDs() []string {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return append([]string{}, a.nextStepNodeIDs...)
}

func (a *RunAccumulator) DebugNodeResponses() map[string]domain.DebugNodeResponse {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	responses := make(map[string]domain.DebugNodeResponse, len(a.debugNodeResponses))
	for nodeID, response := range a.debugNodeResponses {
		responses[nodeID] = response
	}

	return responses
}

func (a *RunAccumulator) Traces() []domain.NodeTrace {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return append([]domain.NodeTrace{}, a.traces...)
}

func (a *RunAccumulator) Usages() []domain.UsageRecord {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return append([]domain.UsageRecord{}, a.usages...)
}

func (a *RunAccumulator) TotalPoints() float64 {
	return domain.SumUsagePoints(a.Usages())
}

func (a *RunAccumulator) ToolResponses() any {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.toolResponses
}

// AssistantResponses returns the merged response list, never empty.
func (a *RunAccumulator) AssistantResponses() []domain.AssistantResponseItem {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	merged := MergeAssistantResponses(a.assistantResponses)
	if len(merged) == 0 {
		merged = append(merged, domain.NewTextResponse(""))
	}

	return merged
}

// MergeAssistantResponses concatenates consecutive text items. Any other
// item type ends the current text run.
func MergeAssistantResponses(items []domain.AssistantResponseItem) []domain.AssistantResponseItem {
	merged := make([]domain.AssistantResponseItem, 0, len(items))

	for _, item := range items {
		last := len(merged) - 1

		if item.Type == domain.AssistantResponseTypeText &&
			last >= 0 &&
			merged[last].Type == domain.AssistantResponseTypeText {
			merged[last].Text += item.Text
			continue
		}

		merged = append(merged, item)
	}

	return merged
}
