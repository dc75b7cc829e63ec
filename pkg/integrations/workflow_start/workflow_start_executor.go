package workflowstart

import (
	"context"

	"github.com/flowbaker/flowdispatch/pkg/domain"
)

const (
	OutputKeyUserChatInput = "userChatInput"
)

// WorkflowStartExecutor exposes the user query and any declared inputs as
// outputs. It is also used for plugin input nodes.
type WorkflowStartExecutor struct{}

func NewWorkflowStartExecutor(deps domain.NodeExecutorDeps) domain.NodeExecutor {
	return &WorkflowStartExecutor{}
}

func (e *WorkflowStartExecutor) Execute(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
	data := map[string]any{}

	for key, value := range input.Params {
		data[key] = value
	}

	if _, ok := data[OutputKeyUserChatInput]; !ok {
		data[OutputKeyUserChatInput] = input.RunContext.Query
	}

	return domain.NodeResult{Data: data}, nil
}
