package userselect

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/flowbaker/flowdispatch/pkg/domain"

	"github.com/gosimple/slug"
)

var (
	ErrNoOptions       = errors.New("user select has no options")
	ErrUnknownSelected = errors.New("selected option does not exist")
)

const OutputKeySelectResult = "selectResult"

type UserSelectParams struct {
	Description string                    `json:"description"`
	Options     []domain.UserSelectOption `json:"userSelectOptions"`
}

type UserSelectExecutor struct{}

func NewUserSelectExecutor(deps domain.NodeExecutorDeps) domain.NodeExecutor {
	return &UserSelectExecutor{}
}

// Execute asks the user to pick an option on the first visit. On resume the
// query holds the picked value and every other option's branch is skipped.
func (e *UserSelectExecutor) Execute(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
	p := UserSelectParams{}
	if err := domain.BindParams(input.Params, &p); err != nil {
		return domain.NodeResult{}, err
	}

	if len(p.Options) == 0 {
		return domain.NodeResult{}, ErrNoOptions
	}

	options := normalizeOptions(p.Options)

	if !input.RunContext.IsResuming(input.Node, domain.InteractiveTypeUserSelect) {
		return domain.NodeResult{
			Interactive: &domain.InteractiveResponse{
				Type: domain.InteractiveTypeUserSelect,
				Params: domain.InteractiveParams{
					Description:       p.Description,
					UserSelectOptions: options,
				},
			},
		}, nil
	}

	selected, ok := findOption(options, input.RunContext.Query)
	if !ok {
		return domain.NodeResult{}, fmt.Errorf("%w: %s", ErrUnknownSelected, input.RunContext.Query)
	}

	skipHandleIDs := []string{}
	for _, option := range options {
		if option.Key == selected.Key {
			continue
		}

		skipHandleIDs = append(skipHandleIDs, domain.SourceHandle(input.Node.NodeID, option.Key))
	}

	return domain.NodeResult{
		Data:          map[string]any{OutputKeySelectResult: selected.Value},
		SkipHandleIDs: skipHandleIDs,
		Details:       map[string]any{"selected": selected.Value},
	}, nil
}

// normalizeOptions fills in missing keys from the option text.
func normalizeOptions(options []domain.UserSelectOption) []domain.UserSelectOption {
	normalized := make([]domain.UserSelectOption, 0, len(options))

	for _, option := range options {
		if option.Key == "" {
			option.Key = slug.Make(option.Value)
		}

		normalized = append(normalized, option)
	}

	return normalized
}

func findOption(options []domain.UserSelectOption, answer string) (domain.UserSelectOption, bool) {
	answer = strings.TrimSpace(answer)

	for _, option := range options {
		if option.Value == answer || option.Key == answer {
			return option, true
		}
	}

	return domain.UserSelectOption{}, false
}
