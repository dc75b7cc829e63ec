package condition

import (
	"context"
	"fmt"

	"github.com/flowbaker/flowdispatch/pkg/domain"
	"github.com/flowbaker/flowdispatch/pkg/expressions"
)

const (
	OutputKeyResult = "ifElseResult"

	HandleKeyIf   = "IF"
	HandleKeyElse = "ELSE"
)

type ConditionRelation string

const (
	ConditionRelationAnd ConditionRelation = "and"
	ConditionRelationOr  ConditionRelation = "or"
)

type Rule struct {
	Variable      any    `json:"variable"`
	ConditionType string `json:"condition_type"`
	Value         any    `json:"value"`
}

type Branch struct {
	Relation   ConditionRelation `json:"relation_type"`
	Conditions []Rule            `json:"conditions"`
}

type IfElseParams struct {
	Branches []Branch `json:"ifElseList"`
}

// BranchHandleKey names the source handle of the branch at index. The first
// branch is IF, the following ones ELSE IF 1, ELSE IF 2 and so on.
func BranchHandleKey(index int) string {
	if index == 0 {
		return HandleKeyIf
	}

	return fmt.Sprintf("ELSE IF %d", index)
}

type ConditionExecutor struct{}

func NewConditionExecutor(deps domain.NodeExecutorDeps) domain.NodeExecutor {
	return &ConditionExecutor{}
}

func (e *ConditionExecutor) Execute(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
	p := IfElseParams{}
	if err := domain.BindParams(input.Params, &p); err != nil {
		return domain.NodeResult{}, err
	}

	taken := HandleKeyElse

	for index, branch := range p.Branches {
		matched, err := EvaluateBranch(branch)
		if err != nil {
			return domain.NodeResult{}, fmt.Errorf("failed to evaluate branch %s: %w", BranchHandleKey(index), err)
		}

		if matched {
			taken = BranchHandleKey(index)
			break
		}
	}

	skipHandleIDs := []string{}

	for index := range p.Branches {
		if key := BranchHandleKey(index); key != taken {
			skipHandleIDs = append(skipHandleIDs, domain.SourceHandle(input.Node.NodeID, key))
		}
	}

	if taken != HandleKeyElse {
		skipHandleIDs = append(skipHandleIDs, domain.SourceHandle(input.Node.NodeID, HandleKeyElse))
	}

	return domain.NodeResult{
		Data:          map[string]any{OutputKeyResult: taken},
		SkipHandleIDs: skipHandleIDs,
	}, nil
}

// EvaluateBranch combines the branch rules with its relation. A branch
// without rules never matches.
func EvaluateBranch(branch Branch) (bool, error) {
	if len(branch.Conditions) == 0 {
		return false, nil
	}

	for _, rule := range branch.Conditions {
		matched, err := EvaluateRule(rule)
		if err != nil {
			return false, err
		}

		if branch.Relation == ConditionRelationOr && matched {
			return true, nil
		}

		if branch.Relation != ConditionRelationOr && !matched {
			return false, nil
		}
	}

	return branch.Relation != ConditionRelationOr, nil
}

func EvaluateRule(rule Rule) (bool, error) {
	operator, err := lookupOperator(rule.ConditionType)
	if err != nil {
		return false, err
	}

	return operator(expressions.ValueToString(rule.Variable), expressions.ValueToString(rule.Value))
}
