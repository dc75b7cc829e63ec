package userinput

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/flowbaker/flowdispatch/pkg/domain"
)

var (
	ErrNoFields           = errors.New("user input form has no fields")
	ErrInvalidFormAnswer  = errors.New("form answer is not a json object")
	ErrMissingFormField   = errors.New("required form field is missing")
	ErrInvalidFieldNumber = errors.New("form field is not a number")
)

const OutputKeyFormResult = "formInputResult"

type UserInputParams struct {
	Description string                  `json:"description"`
	Fields      []domain.UserInputField `json:"userInputForms"`
}

type UserInputExecutor struct{}

func NewUserInputExecutor(deps domain.NodeExecutorDeps) domain.NodeExecutor {
	return &UserInputExecutor{}
}

// Execute pauses with a form on the first visit. On resume the query carries
// the filled form as a JSON object and each field becomes an output.
func (e *UserInputExecutor) Execute(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
	p := UserInputParams{}
	if err := domain.BindParams(input.Params, &p); err != nil {
		return domain.NodeResult{}, err
	}

	if len(p.Fields) == 0 {
		return domain.NodeResult{}, ErrNoFields
	}

	if !input.RunContext.IsResuming(input.Node, domain.InteractiveTypeUserInput) {
		return domain.NodeResult{
			Interactive: &domain.InteractiveResponse{
				Type: domain.InteractiveTypeUserInput,
				Params: domain.InteractiveParams{
					Description: p.Description,
					InputForm:   p.Fields,
				},
			},
		}, nil
	}

	answers := map[string]any{}
	if err := json.Unmarshal([]byte(input.RunContext.Query), &answers); err != nil {
		return domain.NodeResult{}, fmt.Errorf("%w: %w", ErrInvalidFormAnswer, err)
	}

	data := map[string]any{}

	for _, field := range p.Fields {
		value, ok := answers[field.Key]
		if !ok || value == nil || value == "" {
			if field.Required {
				return domain.NodeResult{}, fmt.Errorf("%w: %s", ErrMissingFormField, field.Key)
			}

			continue
		}

		converted, err := convertField(field, value)
		if err != nil {
			return domain.NodeResult{}, err
		}

		data[field.Key] = converted
	}

	result := make(map[string]any, len(data))
	for key, value := range data {
		result[key] = value
	}

	data[OutputKeyFormResult] = result

	return domain.NodeResult{Data: data}, nil
}

func convertField(field domain.UserInputField, value any) (any, error) {
	if field.ValueType != domain.ValueTypeNumber {
		return value, nil
	}

	switch v := value.(type) {
	case float64:
		return v, nil
	case string:
		number, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidFieldNumber, field.Key)
		}

		return number, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidFieldNumber, field.Key)
	}
}
