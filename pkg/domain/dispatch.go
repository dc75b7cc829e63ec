package domain

import (
	"context"
	"errors"
)

var (
	ErrAppNotFound = errors.New("app not found")
)

type DispatchMode string

const (
	DispatchModeChat  DispatchMode = "chat"
	DispatchModeDebug DispatchMode = "debug"
	DispatchModeTest  DispatchMode = "test"
)

func (m DispatchMode) RecordsDebugTrace() bool {
	return m == DispatchModeDebug || m == DispatchModeTest
}

type DispatchParams struct {
	TeamID string
	UserID string
	AppID  string
	ChatID string

	Nodes           []Node
	Edges           []Edge
	Variables       map[string]any
	Histories       []ChatItem
	Query           string
	MaxRunTimes     float64
	MaxConcurrency  int
	Mode            DispatchMode
	Stream          bool
	LastInteractive *InteractiveSnapshot
	ResponseAllData bool

	// Set by a parent run when dispatching a sub-workflow.
	UsageID string
	Depth   int
	Sink    StreamSink
	Pool    ConnectionPool
}

type DebugNodeResponse struct {
	NodeID      string               `json:"nodeId"`
	Type        string               `json:"type"`
	Response    *NodeTrace           `json:"response,omitempty"`
	Interactive *InteractiveResponse `json:"interactive,omitempty"`
}

type DebugResponse struct {
	FinishedNodes    []Node                       `json:"finishedNodes"`
	FinishedEdges    []Edge                       `json:"finishedEdges"`
	NextStepRunNodes []Node                       `json:"nextStepRunNodes"`
	NodeResponses    map[string]DebugNodeResponse `json:"nodeResponses"`
}

type DispatchResult struct {
	FlowResponses               []NodeTrace             `json:"flowResponses"`
	FlowUsages                  []UsageRecord           `json:"flowUsages"`
	DebugResponse               *DebugResponse          `json:"debugResponse,omitempty"`
	WorkflowInteractiveResponse *InteractiveSnapshot    `json:"workflowInteractiveResponse,omitempty"`
	RunTimes                    float64                 `json:"runTimes"`
	AssistantResponses          []AssistantResponseItem `json:"assistantResponses"`
	ToolResponses               any                     `json:"toolResponses,omitempty"`
	NewVariables                map[string]any          `json:"newVariables"`
	DurationSeconds             float64                 `json:"durationSeconds"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, params DispatchParams) (DispatchResult, error)
}

type App struct {
	ID      string `json:"id" yaml:"id"`
	TeamID  string `json:"teamId" yaml:"teamId"`
	OwnerID string `json:"ownerId" yaml:"ownerId"`
	Name    string `json:"name" yaml:"name"`
	Graph   Graph  `json:"graph" yaml:"graph"`
}

type AppStore interface {
	GetApp(ctx context.Context, appID string) (App, error)
}

type AppWriter interface {
	SaveApp(ctx context.Context, app App) error
}
