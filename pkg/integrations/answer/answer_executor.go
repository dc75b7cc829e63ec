package answer

import (
	"context"

	"github.com/flowbaker/flowdispatch/pkg/domain"
	"github.com/flowbaker/flowdispatch/pkg/expressions"
)

const (
	InputKeyText    = "text"
	OutputKeyAnswer = "answerText"
)

type AnswerExecutor struct{}

func NewAnswerExecutor(deps domain.NodeExecutorDeps) domain.NodeExecutor {
	return &AnswerExecutor{}
}

func (e *AnswerExecutor) Execute(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
	text := expressions.ValueToString(input.Params[InputKeyText])

	input.RunContext.Emit(domain.StreamEvent{
		Type: domain.StreamEventAnswer,
		Data: domain.AnswerDeltaData{Text: text},
	})

	return domain.NodeResult{
		Data:               map[string]any{OutputKeyAnswer: text},
		AssistantResponses: []domain.AssistantResponseItem{domain.NewTextResponse(text)},
	}, nil
}
