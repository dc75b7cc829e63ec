package code

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flowbaker/flowdispatch/pkg/domain"
	"github.com/flowbaker/flowdispatch/pkg/expressions"

	"github.com/dop251/goja"
	"github.com/rs/zerolog/log"
)

var (
	ErrCodeTimeout     = errors.New("code execution timed out")
	ErrMainNotFunction = errors.New("code must define a main function")
	ErrPromiseRejected = errors.New("code main promise rejected")
)

const (
	InputKeyCode     = "code"
	InputKeyCodeType = "codeType"

	OutputKeyRawResponse = "codeRawResponse"

	DefaultTimeout = 10 * time.Second

	maxLogLines = 100
)

type CodeExecutor struct {
	timeout time.Duration
}

func NewCodeExecutor(deps domain.NodeExecutorDeps) domain.NodeExecutor {
	timeout := deps.CodeTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &CodeExecutor{timeout: timeout}
}

// Execute runs the node's script in a fresh JavaScript VM. The script must
// define main, which is called with every other node input as one object.
func (e *CodeExecutor) Execute(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
	source := expressions.ValueToString(input.Params[InputKeyCode])
	if strings.TrimSpace(source) == "" {
		return domain.NodeResult{}, fmt.Errorf("code is empty")
	}

	codeType := expressions.ValueToString(input.Params[InputKeyCodeType])
	if codeType != "" && codeType != "js" {
		return domain.NodeResult{}, fmt.Errorf("unsupported code type %s", codeType)
	}

	variables := map[string]any{}
	for key, value := range input.Params {
		if key == InputKeyCode || key == InputKeyCodeType {
			continue
		}

		variables[key] = value
	}

	output, logs, err := e.run(ctx, source, variables)
	if err != nil {
		return domain.NodeResult{Details: map[string]any{"logs": logs}}, err
	}

	data := map[string]any{OutputKeyRawResponse: output}

	if fields, ok := output.(map[string]any); ok {
		for key, value := range fields {
			data[key] = value
		}
	}

	return domain.NodeResult{
		Data:    data,
		Details: map[string]any{"logs": logs},
	}, nil
}

func (e *CodeExecutor) run(ctx context.Context, source string, variables map[string]any) (any, []string, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	logs := []string{}

	console := vm.NewObject()
	err := console.Set("log", func(call goja.FunctionCall) goja.Value {
		if len(logs) >= maxLogLines {
			return goja.Undefined()
		}

		parts := make([]string, 0, len(call.Arguments))
		for _, argument := range call.Arguments {
			parts = append(parts, argument.String())
		}

		logs = append(logs, strings.Join(parts, " "))

		return goja.Undefined()
	})
	if err != nil {
		return nil, logs, err
	}

	if err := vm.Set("console", console); err != nil {
		return nil, logs, err
	}

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt(ErrCodeTimeout)
	})
	defer timer.Stop()

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	if _, err := vm.RunString(source); err != nil {
		return nil, logs, interpretError(err)
	}

	main, ok := goja.AssertFunction(vm.Get("main"))
	if !ok {
		return nil, logs, ErrMainNotFunction
	}

	result, err := main(goja.Undefined(), vm.ToValue(variables))
	if err != nil {
		return nil, logs, interpretError(err)
	}

	output := result.Export()

	if promise, ok := output.(*goja.Promise); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			output = promise.Result().Export()
		case goja.PromiseStateRejected:
			return nil, logs, fmt.Errorf("%w: %s", ErrPromiseRejected, promise.Result().String())
		default:
			return nil, logs, fmt.Errorf("code main promise did not settle")
		}
	}

	log.Debug().Int("log_lines", len(logs)).Msg("Code node finished")

	return output, logs, nil
}

func interpretError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return cause
		}

		return ErrCodeTimeout
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return fmt.Errorf("code threw: %s", exception.Value().String())
	}

	return fmt.Errorf("failed to run code: %w", err)
}
