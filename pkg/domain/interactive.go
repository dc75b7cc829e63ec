package domain

import (
	"context"
	"errors"
)

var (
	ErrSnapshotNotFound = errors.New("interactive snapshot not found")
)

type InteractiveType string

const (
	InteractiveTypeUserSelect          InteractiveType = "userSelect"
	InteractiveTypeUserInput           InteractiveType = "userInput"
	InteractiveTypePaymentPause        InteractiveType = "paymentPause"
	InteractiveTypeChildrenInteractive InteractiveType = "childrenInteractive"
)

// AccumulatesEntryNodes reports whether concurrent pauses of this type are
// merged instead of replacing each other.
func (t InteractiveType) AccumulatesEntryNodes() bool {
	return t == InteractiveTypePaymentPause
}

type UserSelectOption struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type UserInputField struct {
	Key         string    `json:"key"`
	Label       string    `json:"label"`
	ValueType   ValueType `json:"valueType"`
	Required    bool      `json:"required,omitempty"`
	Description string    `json:"description,omitempty"`
}

type InteractiveParams struct {
	Description       string               `json:"description,omitempty"`
	UserSelectOptions []UserSelectOption   `json:"userSelectOptions,omitempty"`
	InputForm         []UserInputField     `json:"inputForm,omitempty"`
	ChildrenResponse  *InteractiveSnapshot `json:"childrenResponse,omitempty"`
}

// InteractiveResponse is what a node returns when it needs to suspend the run.
type InteractiveResponse struct {
	Type   InteractiveType   `json:"type"`
	Params InteractiveParams `json:"params"`
}

type NodeOutputValue struct {
	NodeID string `json:"nodeId"`
	Key    string `json:"key"`
	Value  any    `json:"value"`
}

type SkipRecord struct {
	NodeID         string   `json:"id"`
	SkippedNodeIDs []string `json:"skippedNodeIdList"`
}

// InteractiveSnapshot is everything needed to resume a paused run on the
// next dispatch call.
type InteractiveSnapshot struct {
	Type          InteractiveType   `json:"type"`
	Params        InteractiveParams `json:"params"`
	EntryNodeIDs  []string          `json:"entryNodeIds"`
	SkipNodeQueue []SkipRecord      `json:"skipNodeQueue"`
	MemoryEdges   []Edge            `json:"memoryEdges"`
	NodeOutputs   []NodeOutputValue `json:"nodeOutputs"`
	UsageID       string            `json:"usageId,omitempty"`
}

// InteractiveStore keeps the pending pause of a chat. Keys are scoped by
// the caller, the HTTP layer uses "<teamId>:<chatId>".
type InteractiveStore interface {
	Save(ctx context.Context, key string, snapshot InteractiveSnapshot) error
	Get(ctx context.Context, key string) (InteractiveSnapshot, error)
	Delete(ctx context.Context, key string) error
}
