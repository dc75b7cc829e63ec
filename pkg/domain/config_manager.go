package domain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type DispatchConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`

	// Stores. Empty values fall back to the in-memory implementations.
	RedisURL      string `mapstructure:"redis_url"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
	PostgresURL   string `mapstructure:"postgres_url"`

	OpenAIAPIKey            string  `mapstructure:"openai_api_key"`
	OpenAIBaseURL           string  `mapstructure:"openai_base_url"`
	OpenAIModel             string  `mapstructure:"openai_model"`
	OpenAIPointsPer1KTokens float64 `mapstructure:"openai_points_per_1k_tokens"`

	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	MaxRunTimes       float64       `mapstructure:"max_run_times"`
	WorkerPoolSize    int           `mapstructure:"worker_pool_size"`
	SnapshotTTL       time.Duration `mapstructure:"snapshot_ttl"`
	ToolCacheTTL      time.Duration `mapstructure:"tool_cache_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	CodeTimeout       time.Duration `mapstructure:"code_timeout"`
}

type ConfigManager interface {
	GetConfig(ctx context.Context) (DispatchConfig, error)
	SaveConfig(ctx context.Context, config DispatchConfig) (string, error)
	ConfigFileUsed() string
}

type configManager struct {
	viper *viper.Viper
}

func NewConfigManager() (ConfigManager, error) {
	v := viper.New()

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("FLOWDISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	envMappings := map[string]string{
		"address":                     "FLOWDISPATCH_ADDRESS",
		"jwt_secret":                  "FLOWDISPATCH_JWT_SECRET",
		"redis_url":                   "FLOWDISPATCH_REDIS_URL",
		"mongo_uri":                   "FLOWDISPATCH_MONGO_URI",
		"mongo_database":              "FLOWDISPATCH_MONGO_DATABASE",
		"postgres_url":                "FLOWDISPATCH_POSTGRES_URL",
		"openai_api_key":              "OPENAI_API_KEY",
		"openai_base_url":             "OPENAI_BASE_URL",
		"openai_model":                "FLOWDISPATCH_OPENAI_MODEL",
		"openai_points_per_1k_tokens": "FLOWDISPATCH_OPENAI_POINTS_PER_1K_TOKENS",
		"max_concurrency":             "FLOWDISPATCH_MAX_CONCURRENCY",
		"max_run_times":               "FLOWDISPATCH_MAX_RUN_TIMES",
		"worker_pool_size":            "FLOWDISPATCH_WORKER_POOL_SIZE",
		"snapshot_ttl":                "FLOWDISPATCH_SNAPSHOT_TTL",
		"tool_cache_ttl":              "FLOWDISPATCH_TOOL_CACHE_TTL",
		"heartbeat_interval":          "FLOWDISPATCH_HEARTBEAT_INTERVAL",
		"code_timeout":                "FLOWDISPATCH_CODE_TIMEOUT",
	}

	for configKey, envVar := range envMappings {
		if err := v.BindEnv(configKey, envVar); err != nil {
			log.Warn().Err(err).Msgf("Failed to bind environment variable %s for %s", envVar, configKey)
		}
	}

	v.SetConfigName("flowdispatch")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.flowdispatch")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug().Msg("Config file not found, using environment variables and defaults")
	} else {
		log.Debug().Msgf("Using config file: %s", v.ConfigFileUsed())
	}

	return &configManager{
		viper: v,
	}, nil
}

func (m *configManager) GetConfig(ctx context.Context) (DispatchConfig, error) {
	var config DispatchConfig
	if err := m.viper.Unmarshal(&config); err != nil {
		return DispatchConfig{}, fmt.Errorf("unable to decode config: %w", err)
	}

	return config, nil
}

func (m *configManager) ConfigFileUsed() string {
	return m.viper.ConfigFileUsed()
}

// SaveConfig writes the config to $HOME/.flowdispatch/flowdispatch.yaml and
// returns the written path.
func (m *configManager) SaveConfig(ctx context.Context, config DispatchConfig) (string, error) {
	m.viper.Set("address", config.Address)
	m.viper.Set("jwt_secret", config.JWTSecret)
	m.viper.Set("redis_url", config.RedisURL)
	m.viper.Set("mongo_uri", config.MongoURI)
	m.viper.Set("mongo_database", config.MongoDatabase)
	m.viper.Set("postgres_url", config.PostgresURL)
	m.viper.Set("openai_base_url", config.OpenAIBaseURL)
	m.viper.Set("openai_model", config.OpenAIModel)
	m.viper.Set("max_concurrency", config.MaxConcurrency)
	m.viper.Set("max_run_times", config.MaxRunTimes)

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".flowdispatch")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "flowdispatch.yaml")
	if err := m.viper.WriteConfigAs(configPath); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}

	return configPath, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", ":8081")
	v.SetDefault("mongo_database", "flowdispatch")
	v.SetDefault("openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("openai_model", "gpt-4o-mini")
	v.SetDefault("openai_points_per_1k_tokens", 1.0)
	v.SetDefault("max_concurrency", 10)
	v.SetDefault("max_run_times", 500)
	v.SetDefault("worker_pool_size", 256)
	v.SetDefault("snapshot_ttl", 24*time.Hour)
	v.SetDefault("tool_cache_ttl", 5*time.Minute)
	v.SetDefault("heartbeat_interval", 10*time.Second)
	v.SetDefault("code_timeout", 10*time.Second)
}
