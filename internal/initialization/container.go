package initialization

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/flowbaker/flowdispatch/internal/auth"
	"github.com/flowbaker/flowdispatch/internal/controllers"
	"github.com/flowbaker/flowdispatch/internal/stores/memory"
	"github.com/flowbaker/flowdispatch/internal/stores/mongodb"
	"github.com/flowbaker/flowdispatch/internal/stores/postgresql"
	redisstore "github.com/flowbaker/flowdispatch/internal/stores/redis"
	"github.com/flowbaker/flowdispatch/pkg/domain"
	"github.com/flowbaker/flowdispatch/pkg/domain/executor"
	"github.com/flowbaker/flowdispatch/pkg/expressions"
	mcptool "github.com/flowbaker/flowdispatch/pkg/integrations/mcp_tool"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
)

const storeConnectTimeout = 10 * time.Second

type DispatchDependencies struct {
	DispatchService    executor.DispatchService
	DispatchController *controllers.DispatchController
	TokenVerifier      *auth.TokenVerifier
	InteractiveStore   domain.InteractiveStore
	AppStore           domain.AppStore
	AppWriter          domain.AppWriter
	UsageLedger        domain.UsageLedger
	BalanceChecker     domain.BalanceChecker
	ToolCache          domain.MCPToolCache

	closers []func(ctx context.Context) error
}

// Close releases the worker pool and every store connection.
func (d *DispatchDependencies) Close(ctx context.Context) error {
	var errs []error

	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

type DispatchContainer struct {
	configManager domain.ConfigManager
}

func NewDispatchContainer() (*DispatchContainer, error) {
	configManager, err := domain.NewConfigManager()
	if err != nil {
		return nil, err
	}

	return &DispatchContainer{
		configManager: configManager,
	}, nil
}

func (c *DispatchContainer) GetConfigManager() domain.ConfigManager {
	return c.configManager
}

type BuildDispatchDependenciesParams struct {
	Config domain.DispatchConfig

	// Overrides used by the run command and tests.
	AppStore       domain.AppStore
	BalanceChecker domain.BalanceChecker
}

func (c *DispatchContainer) BuildDispatchDependencies(ctx context.Context, p BuildDispatchDependenciesParams) (*DispatchDependencies, error) {
	log.Info().Msg("Building dispatch dependencies")

	config := p.Config
	deps := &DispatchDependencies{}

	if err := c.buildStores(ctx, config, deps); err != nil {
		_ = deps.Close(ctx)
		return nil, err
	}

	if p.AppStore != nil {
		deps.AppStore = p.AppStore
		deps.AppWriter, _ = p.AppStore.(domain.AppWriter)
	}

	if p.BalanceChecker != nil {
		deps.BalanceChecker = p.BalanceChecker
	}

	workerPool, err := ants.NewPool(config.WorkerPoolSize, ants.WithNonblocking(true))
	if err != nil {
		_ = deps.Close(ctx)
		return nil, err
	}

	deps.closers = append(deps.closers, func(ctx context.Context) error {
		workerPool.Release()
		return nil
	})

	deps.ToolCache = mcptool.NewToolCache(config.ToolCacheTTL)

	selector := domain.NewNodeExecutorSelector()

	RegisterNodeExecutors(selector, domain.NodeExecutorDeps{
		AppStore:   deps.AppStore,
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
		AIChat: domain.AIChatConfig{
			APIKey:            config.OpenAIAPIKey,
			BaseURL:           config.OpenAIBaseURL,
			Model:             config.OpenAIModel,
			PointsPer1KTokens: config.OpenAIPointsPer1KTokens,
		},
		CodeTimeout: config.CodeTimeout,
		ToolCache:   deps.ToolCache,
	})

	validator, err := executor.NewGraphValidator()
	if err != nil {
		_ = deps.Close(ctx)
		return nil, err
	}

	deps.DispatchService = executor.NewDispatchService(executor.DispatchServiceDependencies{
		Selector:          selector,
		Resolver:          expressions.NewVariableResolver(),
		Validator:         validator,
		UsageLedger:       deps.UsageLedger,
		BalanceChecker:    deps.BalanceChecker,
		WorkerPool:        workerPool,
		MaxRunTimes:       config.MaxRunTimes,
		MaxConcurrency:    config.MaxConcurrency,
		HeartbeatInterval: config.HeartbeatInterval,
	})

	if config.JWTSecret != "" {
		deps.TokenVerifier, err = auth.NewTokenVerifier(config.JWTSecret)
		if err != nil {
			_ = deps.Close(ctx)
			return nil, err
		}
	}

	deps.DispatchController = controllers.NewDispatchController(controllers.DispatchControllerDependencies{
		DispatchService:  deps.DispatchService,
		AppStore:         deps.AppStore,
		AppWriter:        deps.AppWriter,
		InteractiveStore: deps.InteractiveStore,
		ToolCache:        deps.ToolCache,
	})

	log.Info().Msg("Dispatch dependencies built successfully")

	return deps, nil
}

// buildStores connects the configured stores and falls back to the
// in-memory ones for anything left unset.
func (c *DispatchContainer) buildStores(ctx context.Context, config domain.DispatchConfig, deps *DispatchDependencies) error {
	connectCtx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
	defer cancel()

	if config.RedisURL != "" {
		client, err := redisstore.NewClient(connectCtx, config.RedisURL)
		if err != nil {
			return err
		}

		deps.closers = append(deps.closers, func(ctx context.Context) error { return client.Close() })
		deps.InteractiveStore = redisstore.NewInteractiveStore(redisstore.InteractiveStoreDependencies{
			Client: client,
			TTL:    config.SnapshotTTL,
		})

		log.Info().Msg("Using redis interactive store")
	} else {
		deps.InteractiveStore = memory.NewInteractiveStore()
	}

	if config.MongoURI != "" {
		client, err := mongodb.Connect(connectCtx, config.MongoURI)
		if err != nil {
			return err
		}

		deps.closers = append(deps.closers, client.Disconnect)

		database := client.Database(config.MongoDatabase)
		deps.UsageLedger = mongodb.NewUsageLedger(mongodb.UsageLedgerDependencies{Database: database})
		deps.BalanceChecker = mongodb.NewBalanceChecker(mongodb.BalanceCheckerDependencies{Database: database})

		log.Info().Str("database", config.MongoDatabase).Msg("Using mongodb usage ledger")
	} else {
		deps.UsageLedger = memory.NewUsageLedger()
		deps.BalanceChecker = memory.NewBalanceChecker(nil)
	}

	if config.PostgresURL != "" {
		pool, err := postgresql.Connect(connectCtx, config.PostgresURL)
		if err != nil {
			return err
		}

		deps.closers = append(deps.closers, func(ctx context.Context) error {
			pool.Close()
			return nil
		})

		appStore := postgresql.NewAppStore(postgresql.AppStoreDependencies{Pool: pool})
		if err := appStore.EnsureSchema(connectCtx); err != nil {
			return err
		}

		deps.AppStore = appStore
		deps.AppWriter = appStore

		log.Info().Msg("Using postgres app store")
	} else {
		appStore := memory.NewAppStore()
		deps.AppStore = appStore
		deps.AppWriter = appStore
	}

	return nil
}
