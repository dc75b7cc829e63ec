package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedGraph = errors.New("malformed graph")
	ErrNodeNotFound   = errors.New("node not found")
)

type NodeType string

const (
	NodeTypeWorkflowStart  NodeType = "workflowStart"
	NodeTypePluginInput    NodeType = "pluginInput"
	NodeTypeAnswer         NodeType = "answerNode"
	NodeTypeCondition      NodeType = "ifElseNode"
	NodeTypeCode           NodeType = "code"
	NodeTypeHTTPRequest    NodeType = "httpRequest468"
	NodeTypeAIChat         NodeType = "chatNode"
	NodeTypeUserSelect     NodeType = "userSelect"
	NodeTypeUserInput      NodeType = "formInput"
	NodeTypeVariableUpdate NodeType = "variableUpdate"
	NodeTypeSubWorkflow    NodeType = "appModule"
	NodeTypeMCPTool        NodeType = "mcpTool"
)

// IsEntryType reports whether nodes of this type start a run when no
// explicit entry flag is set.
func (t NodeType) IsEntryType() bool {
	return t == NodeTypeWorkflowStart || t == NodeTypePluginInput
}

type ValueType string

const (
	ValueTypeString  ValueType = "string"
	ValueTypeNumber  ValueType = "number"
	ValueTypeBoolean ValueType = "boolean"
	ValueTypeObject  ValueType = "object"
	ValueTypeArray   ValueType = "arrayAny"
	ValueTypeAny     ValueType = "any"
)

type EdgeStatus string

const (
	EdgeStatusWaiting EdgeStatus = "waiting"
	EdgeStatusActive  EdgeStatus = "active"
	EdgeStatusSkipped EdgeStatus = "skipped"
)

const (
	SourceHandleFormat = "%s-source-%s"
	TargetHandleFormat = "%s-target-%s"

	CatchErrorHandleKey = "catch"
)

func SourceHandle(nodeID string, key string) string {
	return fmt.Sprintf(SourceHandleFormat, nodeID, key)
}

func TargetHandle(nodeID string, key string) string {
	return fmt.Sprintf(TargetHandleFormat, nodeID, key)
}

// CatchErrorHandle is the source handle that only activates when a node with
// CatchError enabled fails.
func CatchErrorHandle(nodeID string) string {
	return SourceHandle(nodeID, CatchErrorHandleKey)
}

type NodeInput struct {
	Key       string    `json:"key" yaml:"key"`
	Value     any       `json:"value,omitempty" yaml:"value,omitempty"`
	ValueType ValueType `json:"valueType,omitempty" yaml:"valueType,omitempty"`
	Required  bool      `json:"required,omitempty" yaml:"required,omitempty"`
}

type NodeOutput struct {
	Key          string    `json:"key" yaml:"key"`
	ValueType    ValueType `json:"valueType,omitempty" yaml:"valueType,omitempty"`
	Required     bool      `json:"required,omitempty" yaml:"required,omitempty"`
	DefaultValue any       `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
	Value        any       `json:"value,omitempty" yaml:"value,omitempty"`
}

type Node struct {
	NodeID     string       `json:"nodeId" yaml:"nodeId"`
	Name       string       `json:"name" yaml:"name"`
	Type       NodeType     `json:"flowNodeType" yaml:"flowNodeType"`
	Inputs     []NodeInput  `json:"inputs" yaml:"inputs"`
	Outputs    []NodeOutput `json:"outputs" yaml:"outputs"`
	CatchError bool         `json:"catchError,omitempty" yaml:"catchError,omitempty"`
	IsEntry    bool         `json:"isEntry,omitempty" yaml:"isEntry,omitempty"`
	ShowStatus bool         `json:"showStatus,omitempty" yaml:"showStatus,omitempty"`
}

func (n *Node) GetInput(key string) (NodeInput, bool) {
	for _, input := range n.Inputs {
		if input.Key == key {
			return input, true
		}
	}

	return NodeInput{}, false
}

func (n *Node) GetOutput(key string) (NodeOutput, bool) {
	for _, output := range n.Outputs {
		if output.Key == key {
			return output, true
		}
	}

	return NodeOutput{}, false
}

// SetOutputValue writes value into the declared output with the given key.
// Undeclared keys are ignored.
func (n *Node) SetOutputValue(key string, value any) bool {
	for i := range n.Outputs {
		if n.Outputs[i].Key == key {
			n.Outputs[i].Value = value
			return true
		}
	}

	return false
}

func (n Node) Clone() Node {
	clone := n

	clone.Inputs = make([]NodeInput, len(n.Inputs))
	copy(clone.Inputs, n.Inputs)

	clone.Outputs = make([]NodeOutput, len(n.Outputs))
	copy(clone.Outputs, n.Outputs)

	return clone
}

type Edge struct {
	Source       string     `json:"source" yaml:"source"`
	SourceHandle string     `json:"sourceHandle" yaml:"sourceHandle"`
	Target       string     `json:"target" yaml:"target"`
	TargetHandle string     `json:"targetHandle" yaml:"targetHandle"`
	Status       EdgeStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

type Graph struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

func CloneNodes(nodes []Node) []Node {
	clones := make([]Node, 0, len(nodes))

	for _, node := range nodes {
		clones = append(clones, node.Clone())
	}

	return clones
}

// CloneEdges copies edges, resetting any empty status to waiting.
func CloneEdges(edges []Edge) []Edge {
	clones := make([]Edge, 0, len(edges))

	for _, edge := range edges {
		if edge.Status == "" {
			edge.Status = EdgeStatusWaiting
		}

		clones = append(clones, edge)
	}

	return clones
}
