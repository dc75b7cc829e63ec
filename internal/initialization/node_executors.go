package initialization

import (
	aichat "github.com/flowbaker/flowdispatch/pkg/integrations/ai_chat"
	"github.com/flowbaker/flowdispatch/pkg/integrations/answer"
	"github.com/flowbaker/flowdispatch/pkg/integrations/code"
	"github.com/flowbaker/flowdispatch/pkg/integrations/condition"
	"github.com/flowbaker/flowdispatch/pkg/integrations/http"
	mcptool "github.com/flowbaker/flowdispatch/pkg/integrations/mcp_tool"
	subworkflow "github.com/flowbaker/flowdispatch/pkg/integrations/sub_workflow"
	userinput "github.com/flowbaker/flowdispatch/pkg/integrations/user_input"
	userselect "github.com/flowbaker/flowdispatch/pkg/integrations/user_select"
	variableupdate "github.com/flowbaker/flowdispatch/pkg/integrations/variable_update"
	workflowstart "github.com/flowbaker/flowdispatch/pkg/integrations/workflow_start"

	"github.com/flowbaker/flowdispatch/pkg/domain"
)

type nodeExecutorRegisterParams struct {
	NodeTypes   []domain.NodeType
	NewExecutor func(deps domain.NodeExecutorDeps) domain.NodeExecutor
}

var nodeExecutorRegisterParamsList = []nodeExecutorRegisterParams{
	{
		NodeTypes:   []domain.NodeType{domain.NodeTypeWorkflowStart, domain.NodeTypePluginInput},
		NewExecutor: workflowstart.NewWorkflowStartExecutor,
	},
	{
		NodeTypes:   []domain.NodeType{domain.NodeTypeAnswer},
		NewExecutor: answer.NewAnswerExecutor,
	},
	{
		NodeTypes:   []domain.NodeType{domain.NodeTypeCondition},
		NewExecutor: condition.NewConditionExecutor,
	},
	{
		NodeTypes:   []domain.NodeType{domain.NodeTypeCode},
		NewExecutor: code.NewCodeExecutor,
	},
	{
		NodeTypes:   []domain.NodeType{domain.NodeTypeHTTPRequest},
		NewExecutor: http.NewHTTPExecutor,
	},
	{
		NodeTypes:   []domain.NodeType{domain.NodeTypeAIChat},
		NewExecutor: aichat.NewAIChatExecutor,
	},
	{
		NodeTypes:   []domain.NodeType{domain.NodeTypeUserSelect},
		NewExecutor: userselect.NewUserSelectExecutor,
	},
	{
		NodeTypes:   []domain.NodeType{domain.NodeTypeUserInput},
		NewExecutor: userinput.NewUserInputExecutor,
	},
	{
		NodeTypes:   []domain.NodeType{domain.NodeTypeVariableUpdate},
		NewExecutor: variableupdate.NewVariableUpdateExecutor,
	},
	{
		NodeTypes:   []domain.NodeType{domain.NodeTypeSubWorkflow},
		NewExecutor: subworkflow.NewSubWorkflowExecutor,
	},
	{
		NodeTypes:   []domain.NodeType{domain.NodeTypeMCPTool},
		NewExecutor: mcptool.NewMCPToolExecutor,
	},
}

// RegisterNodeExecutors builds every built-in executor once and registers it
// for each node type it serves.
func RegisterNodeExecutors(selector domain.NodeExecutorSelector, deps domain.NodeExecutorDeps) {
	for _, params := range nodeExecutorRegisterParamsList {
		nodeExecutor := params.NewExecutor(deps)

		for _, nodeType := range params.NodeTypes {
			selector.Register(nodeType, nodeExecutor)
		}
	}
}
