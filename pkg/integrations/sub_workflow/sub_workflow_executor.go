package subworkflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/flowbaker/flowdispatch/pkg/domain"

	"github.com/rs/zerolog/log"
)

var (
	ErrDispatcherNotAvailable = errors.New("dispatcher is not available")
	ErrAppStoreNotAvailable   = errors.New("app store is not available")
)

const (
	OutputKeyAnswerText = "answerText"
	OutputKeyHistory    = "history"
)

// Variables a child run inherits from its caller unless overridden.
var forwardedVariableKeys = []string{"userId", "teamId", "chatId", "cTime"}

type SubWorkflowParams struct {
	AppID         string         `json:"appId"`
	UserChatInput string         `json:"userChatInput"`
	Variables     map[string]any `json:"variables"`
	ForbidStream  bool           `json:"forbidStream"`
}

type SubWorkflowExecutor struct {
	appStore domain.AppStore
}

func NewSubWorkflowExecutor(deps domain.NodeExecutorDeps) domain.NodeExecutor {
	return &SubWorkflowExecutor{appStore: deps.AppStore}
}

func (e *SubWorkflowExecutor) Execute(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
	p := SubWorkflowParams{}
	if err := domain.BindParams(input.Params, &p); err != nil {
		return domain.NodeResult{}, err
	}

	runContext := input.RunContext
	if runContext.Dispatcher == nil {
		return domain.NodeResult{}, ErrDispatcherNotAvailable
	}

	if e.appStore == nil {
		return domain.NodeResult{}, ErrAppStoreNotAvailable
	}

	app, err := e.appStore.GetApp(ctx, p.AppID)
	if err != nil {
		return domain.NodeResult{}, fmt.Errorf("failed to load app %s: %w", p.AppID, err)
	}

	if app.TeamID != "" && app.TeamID != runContext.TeamID {
		return domain.NodeResult{}, fmt.Errorf("failed to load app %s: %w", p.AppID, domain.ErrAppNotFound)
	}

	var childInteractive *domain.InteractiveSnapshot
	if runContext.IsResuming(input.Node, domain.InteractiveTypeChildrenInteractive) {
		childInteractive = runContext.LastInteractive.Params.ChildrenResponse
	}

	query := p.UserChatInput
	if query == "" {
		query = runContext.Query
	}

	var sink domain.StreamSink
	if !p.ForbidStream && runContext.Stream != nil {
		sink = runContext.Stream
	}

	if runContext.RemainingRunTimes <= 0 {
		log.Info().
			Str("node_id", input.Node.NodeID).
			Str("child_app_id", app.ID).
			Msg("Run budget spent, sub-workflow not dispatched")

		return domain.NodeResult{
			Data: map[string]any{
				OutputKeyAnswerText: "",
				OutputKeyHistory:    []domain.ChatItem{},
			},
			ForbidStream: p.ForbidStream,
			Details:      map[string]any{"appId": app.ID, "appName": app.Name, "runTimes": 0.0},
		}, nil
	}

	log.Debug().
		Str("node_id", input.Node.NodeID).
		Str("child_app_id", app.ID).
		Int("depth", runContext.Depth).
		Bool("resuming", childInteractive != nil).
		Msg("Dispatching sub-workflow")

	result, err := runContext.Dispatcher.Dispatch(ctx, domain.DispatchParams{
		TeamID:          runContext.TeamID,
		UserID:          runContext.UserID,
		AppID:           app.ID,
		ChatID:          runContext.ChatID,
		Nodes:           app.Graph.Nodes,
		Edges:           app.Graph.Edges,
		Variables:       childVariables(runContext.Variables, p.Variables, app.ID),
		Query:           query,
		MaxRunTimes:     runContext.RemainingRunTimes,
		Mode:            domain.DispatchModeChat,
		Stream:          sink != nil,
		Sink:            sink,
		LastInteractive: childInteractive,
		UsageID:         runContext.UsageID,
		Depth:           runContext.Depth,
		Pool:            runContext.Pool,
	})
	if err != nil {
		return domain.NodeResult{}, fmt.Errorf("sub-workflow %s failed: %w", app.ID, err)
	}

	responses := withoutInteractive(result.AssistantResponses)
	answer := joinText(responses)

	nodeResult := domain.NodeResult{
		Data: map[string]any{
			OutputKeyAnswerText: answer,
			OutputKeyHistory: []domain.ChatItem{
				{Role: domain.ChatRoleHuman, Content: query},
				{Role: domain.ChatRoleAI, Content: answer},
			},
		},
		Usages:             result.FlowUsages,
		AssistantResponses: responses,
		ChildTraces:        result.FlowResponses,
		RunTimes:           result.RunTimes,
		ForbidStream:       p.ForbidStream,
		Details: map[string]any{
			"appId":    app.ID,
			"appName":  app.Name,
			"runTimes": result.RunTimes,
		},
	}

	if result.WorkflowInteractiveResponse != nil {
		nodeResult.Interactive = &domain.InteractiveResponse{
			Type: domain.InteractiveTypeChildrenInteractive,
			Params: domain.InteractiveParams{
				Description:      result.WorkflowInteractiveResponse.Params.Description,
				ChildrenResponse: result.WorkflowInteractiveResponse,
			},
		}
	}

	return nodeResult, nil
}

func childVariables(parent map[string]any, overrides map[string]any, appID string) map[string]any {
	variables := map[string]any{}

	for _, key := range forwardedVariableKeys {
		if value, ok := parent[key]; ok {
			variables[key] = value
		}
	}

	for key, value := range overrides {
		variables[key] = value
	}

	variables["appId"] = appID

	return variables
}

// withoutInteractive drops the child's own interactive item; the parent adds
// a single one for the whole pause.
func withoutInteractive(items []domain.AssistantResponseItem) []domain.AssistantResponseItem {
	filtered := make([]domain.AssistantResponseItem, 0, len(items))

	for _, item := range items {
		if item.Type == domain.AssistantResponseTypeInteractive {
			continue
		}

		filtered = append(filtered, item)
	}

	return filtered
}

func joinText(items []domain.AssistantResponseItem) string {
	var builder strings.Builder

	for _, item := range items {
		if item.Type == domain.AssistantResponseTypeText {
			builder.WriteString(item.Text)
		}
	}

	return builder.String()
}
