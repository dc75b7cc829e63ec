package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowbaker/flowdispatch/pkg/domain"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSnapshotTTL = 24 * time.Hour

	snapshotKeyPrefix = "flowdispatch:interactive:"
)

// NewClient connects to the redis instance at url and verifies the
// connection with a ping.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(options)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

type InteractiveStoreDependencies struct {
	Client *redis.Client
	TTL    time.Duration
}

// InteractiveStore keeps the latest pause snapshot of each chat. Saving a new
// snapshot replaces the previous one and refreshes the TTL.
type InteractiveStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewInteractiveStore(deps InteractiveStoreDependencies) *InteractiveStore {
	ttl := deps.TTL
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}

	return &InteractiveStore{
		client: deps.Client,
		ttl:    ttl,
	}
}

func (s *InteractiveStore) Save(ctx context.Context, key string, snapshot domain.InteractiveSnapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := s.client.Set(ctx, snapshotKey(key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", key, err)
	}

	log.Debug().Str("key", key).Str("type", string(snapshot.Type)).Msg("Saved interactive snapshot")

	return nil
}

func (s *InteractiveStore) Get(ctx context.Context, key string) (domain.InteractiveSnapshot, error) {
	raw, err := s.client.Get(ctx, snapshotKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.InteractiveSnapshot{}, domain.ErrSnapshotNotFound
		}

		return domain.InteractiveSnapshot{}, fmt.Errorf("failed to get snapshot %s: %w", key, err)
	}

	var snapshot domain.InteractiveSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return domain.InteractiveSnapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return snapshot, nil
}

func (s *InteractiveStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, snapshotKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", key, err)
	}

	return nil
}

func snapshotKey(key string) string {
	return snapshotKeyPrefix + key
}
