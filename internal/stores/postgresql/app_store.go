package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowbaker/flowdispatch/pkg/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const createAppsTable = `
CREATE TABLE IF NOT EXISTS apps (
	id         TEXT PRIMARY KEY,
	team_id    TEXT NOT NULL DEFAULT '',
	owner_id   TEXT NOT NULL DEFAULT '',
	name       TEXT NOT NULL DEFAULT '',
	graph      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const selectApp = `SELECT id, team_id, owner_id, name, graph FROM apps WHERE id = $1`

const upsertApp = `
INSERT INTO apps (id, team_id, owner_id, name, graph, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (id) DO UPDATE
SET team_id = EXCLUDED.team_id, owner_id = EXCLUDED.owner_id, name = EXCLUDED.name,
    graph = EXCLUDED.graph, updated_at = now()`

type AppStoreDependencies struct {
	Pool *pgxpool.Pool
}

// AppStore loads app graphs stored as JSONB. Sub-workflow nodes read their
// target graph through it.
type AppStore struct {
	pool *pgxpool.Pool
}

func NewAppStore(deps AppStoreDependencies) *AppStore {
	return &AppStore{pool: deps.Pool}
}

func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return pool, nil
}

func (s *AppStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createAppsTable); err != nil {
		return fmt.Errorf("failed to create apps table: %w", err)
	}

	return nil
}

func (s *AppStore) GetApp(ctx context.Context, appID string) (domain.App, error) {
	var (
		app   domain.App
		graph []byte
	)

	err := s.pool.QueryRow(ctx, selectApp, appID).Scan(&app.ID, &app.TeamID, &app.OwnerID, &app.Name, &graph)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.App{}, fmt.Errorf("%w: %s", domain.ErrAppNotFound, appID)
		}

		return domain.App{}, fmt.Errorf("failed to load app %s: %w", appID, err)
	}

	if err := json.Unmarshal(graph, &app.Graph); err != nil {
		return domain.App{}, fmt.Errorf("failed to decode graph of app %s: %w", appID, err)
	}

	return app, nil
}

func (s *AppStore) SaveApp(ctx context.Context, app domain.App) error {
	graph, err := json.Marshal(app.Graph)
	if err != nil {
		return fmt.Errorf("failed to encode graph of app %s: %w", app.ID, err)
	}

	if _, err := s.pool.Exec(ctx, upsertApp, app.ID, app.TeamID, app.OwnerID, app.Name, graph); err != nil {
		return fmt.Errorf("failed to save app %s: %w", app.ID, err)
	}

	log.Debug().Str("app_id", app.ID).Int("nodes", len(app.Graph.Nodes)).Msg("Saved app")

	return nil
}
