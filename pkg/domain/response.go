package domain

import (
	"github.com/google/uuid"
)

type AssistantResponseType string

const (
	AssistantResponseTypeText        AssistantResponseType = "text"
	AssistantResponseTypeFile        AssistantResponseType = "file"
	AssistantResponseTypeReasoning   AssistantResponseType = "reasoning"
	AssistantResponseTypeInteractive AssistantResponseType = "interactive"
)

type FileReference struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
}

type AssistantResponseItem struct {
	ID          string                `json:"id,omitempty"`
	Type        AssistantResponseType `json:"type"`
	Text        string                `json:"text,omitempty"`
	Reasoning   string                `json:"reasoning,omitempty"`
	File        *FileReference        `json:"file,omitempty"`
	Interactive *InteractiveSnapshot  `json:"interactive,omitempty"`
}

func NewTextResponse(text string) AssistantResponseItem {
	return AssistantResponseItem{
		ID:   uuid.NewString(),
		Type: AssistantResponseTypeText,
		Text: text,
	}
}

func NewInteractiveResponseItem(snapshot InteractiveSnapshot) AssistantResponseItem {
	return AssistantResponseItem{
		ID:          uuid.NewString(),
		Type:        AssistantResponseTypeInteractive,
		Interactive: &snapshot,
	}
}

type ChatRole string

const (
	ChatRoleHuman  ChatRole = "Human"
	ChatRoleAI     ChatRole = "AI"
	ChatRoleSystem ChatRole = "System"
)

type ChatItem struct {
	Role    ChatRole `json:"obj"`
	Content string   `json:"value"`
}

// NodeTrace is the per-node record returned as flowResponses.
type NodeTrace struct {
	ID          string                  `json:"id"`
	NodeID      string                  `json:"nodeId"`
	ModuleName  string                  `json:"moduleName"`
	ModuleType  NodeType                `json:"moduleType"`
	RunningTime float64                 `json:"runningTime"`
	TotalPoints float64                 `json:"totalPoints,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Params      map[string]any          `json:"params,omitempty"`
	Data        map[string]any          `json:"data,omitempty"`
	Details     map[string]any          `json:"details,omitempty"`
	ChildTraces []NodeTrace             `json:"childTraces,omitempty"`
	Withheld    []AssistantResponseItem `json:"withheldResponses,omitempty"`
}

// Public strips the inputs, outputs and nested detail from a trace so it can
// be shown to someone who does not own the app.
func (t NodeTrace) Public() NodeTrace {
	return NodeTrace{
		ID:          t.ID,
		NodeID:      t.NodeID,
		ModuleName:  t.ModuleName,
		ModuleType:  t.ModuleType,
		RunningTime: t.RunningTime,
		TotalPoints: t.TotalPoints,
		Error:       t.Error,
	}
}
