package domain

import (
	"context"
	"errors"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
)

type UsageRecord struct {
	ModuleName   string  `json:"moduleName"`
	TotalPoints  float64 `json:"totalPoints"`
	Model        string  `json:"model,omitempty"`
	InputTokens  int     `json:"inputTokens,omitempty"`
	OutputTokens int     `json:"outputTokens,omitempty"`
}

func SumUsagePoints(usages []UsageRecord) float64 {
	total := 0.0

	for _, usage := range usages {
		total += usage.TotalPoints
	}

	return total
}

type CreateUsageParams struct {
	UsageID string
	TeamID  string
	AppID   string
	Source  string
}

// UsageLedger receives usage as it happens so long runs are billed
// incrementally.
type UsageLedger interface {
	CreateUsage(ctx context.Context, params CreateUsageParams) error
	PushUsages(ctx context.Context, usageID string, usages []UsageRecord) error
}

type BalanceChecker interface {
	CheckBalance(ctx context.Context, teamID string) error
}
