package variableupdate

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowbaker/flowdispatch/pkg/domain"
)

var (
	ErrEmptyVariableKey = errors.New("variable key is empty")
)

type VariableUpdate struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type VariableUpdateParams struct {
	Updates []VariableUpdate `json:"updateList"`
}

type VariableUpdateExecutor struct{}

func NewVariableUpdateExecutor(deps domain.NodeExecutorDeps) domain.NodeExecutor {
	return &VariableUpdateExecutor{}
}

// Execute writes the resolved values into the run's global variables. Values
// are resolved by the scheduler before the node runs, so a reference like
// {{$start.userChatInput$}} arrives here already substituted.
func (e *VariableUpdateExecutor) Execute(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
	p := VariableUpdateParams{}
	if err := domain.BindParams(input.Params, &p); err != nil {
		return domain.NodeResult{}, err
	}

	newVariables := make(map[string]any, len(p.Updates))

	for i, update := range p.Updates {
		if update.Key == "" {
			return domain.NodeResult{}, fmt.Errorf("%w: update %d", ErrEmptyVariableKey, i)
		}

		newVariables[update.Key] = update.Value
	}

	return domain.NodeResult{
		NewVariables: newVariables,
		Details:      map[string]any{"updated": newVariables},
	}, nil
}
