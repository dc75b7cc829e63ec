package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowbaker/flowdispatch/pkg/domain"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	UsageCollection       = "usages"
	TeamBalanceCollection = "team_balances"
)

func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return client, nil
}

type usageDocument struct {
	ID          string               `bson:"_id"`
	TeamID      string               `bson:"teamId"`
	AppID       string               `bson:"appId"`
	Source      string               `bson:"source"`
	TotalPoints float64              `bson:"totalPoints"`
	List        []domain.UsageRecord `bson:"list"`
	CreatedAt   time.Time            `bson:"createdAt"`
}

type UsageLedgerDependencies struct {
	Database *mongo.Database
}

// UsageLedger bills a run while it is still going: every pushed batch is
// added to the usage document and taken off the team balance.
type UsageLedger struct {
	usages   *mongo.Collection
	balances *mongo.Collection
}

func NewUsageLedger(deps UsageLedgerDependencies) *UsageLedger {
	return &UsageLedger{
		usages:   deps.Database.Collection(UsageCollection),
		balances: deps.Database.Collection(TeamBalanceCollection),
	}
}

func (l *UsageLedger) CreateUsage(ctx context.Context, params domain.CreateUsageParams) error {
	_, err := l.usages.InsertOne(ctx, usageDocument{
		ID:        params.UsageID,
		TeamID:    params.TeamID,
		AppID:     params.AppID,
		Source:    params.Source,
		List:      []domain.UsageRecord{},
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to create usage %s: %w", params.UsageID, err)
	}

	return nil
}

func (l *UsageLedger) PushUsages(ctx context.Context, usageID string, usages []domain.UsageRecord) error {
	if len(usages) == 0 {
		return nil
	}

	points := domain.SumUsagePoints(usages)

	update := bson.M{
		"$inc":  bson.M{"totalPoints": points},
		"$push": bson.M{"list": bson.M{"$each": usages}},
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var document usageDocument
	err := l.usages.FindOneAndUpdate(ctx, bson.M{"_id": usageID}, update, opts).Decode(&document)
	if err != nil {
		return fmt.Errorf("failed to push usages to %s: %w", usageID, err)
	}

	if document.TeamID == "" || points == 0 {
		return nil
	}

	_, err = l.balances.UpdateOne(ctx, bson.M{"_id": document.TeamID}, bson.M{"$inc": bson.M{"points": -points}})
	if err != nil {
		return fmt.Errorf("failed to charge team %s: %w", document.TeamID, err)
	}

	log.Debug().Str("usage_id", usageID).Str("team_id", document.TeamID).Float64("points", points).Msg("Charged usage")

	return nil
}

type teamBalanceDocument struct {
	ID     string  `bson:"_id"`
	Points float64 `bson:"points"`
}

type BalanceCheckerDependencies struct {
	Database *mongo.Database
}

// BalanceChecker reads team_balances. Teams without a balance document are
// not metered.
type BalanceChecker struct {
	balances *mongo.Collection
}

func NewBalanceChecker(deps BalanceCheckerDependencies) *BalanceChecker {
	return &BalanceChecker{
		balances: deps.Database.Collection(TeamBalanceCollection),
	}
}

func (c *BalanceChecker) CheckBalance(ctx context.Context, teamID string) error {
	if teamID == "" {
		return nil
	}

	var balance teamBalanceDocument
	err := c.balances.FindOne(ctx, bson.M{"_id": teamID}).Decode(&balance)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}

		return fmt.Errorf("failed to read balance of team %s: %w", teamID, err)
	}

	if balance.Points <= 0 {
		return fmt.Errorf("%w: team %s", domain.ErrInsufficientBalance, teamID)
	}

	return nil
}
