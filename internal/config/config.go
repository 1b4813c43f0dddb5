package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/geneflow/geneflow-go/internal/engine"
	"github.com/geneflow/geneflow-go/internal/execution"
	"github.com/geneflow/geneflow-go/internal/logging"
	"github.com/geneflow/geneflow-go/internal/notify"
	"github.com/geneflow/geneflow-go/internal/state"
	"github.com/geneflow/geneflow-go/internal/trigger"
)

// Store backends
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	Server   ServerConfig          `mapstructure:"server"`
	Store    StoreConfig           `mapstructure:"store"`
	Redis    state.RedisOptions    `mapstructure:"redis"`
	Postgres PostgresConfig        `mapstructure:"postgres"`
	Engine   engine.Options        `mapstructure:"engine"`
	Retry    execution.Policy      `mapstructure:"retry"`
	Docker   DockerConfig          `mapstructure:"docker"`
	Grid     GridConfig            `mapstructure:"grid"`
	Cloud    execution.CloudConfig `mapstructure:"cloud"`
	Security SecurityConfig        `mapstructure:"security"`
	Logging  logging.Options       `mapstructure:"logging"`
	Notify   notify.Config         `mapstructure:"notify"`
	Triggers []trigger.Trigger     `mapstructure:"triggers"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type DockerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
}

// GridConfig selects the batch-queue client. An empty scheduler disables
// the grid context.
type GridConfig struct {
	Scheduler            string `mapstructure:"scheduler"`
	execution.GridConfig `mapstructure:",squash"`
}

type SecurityConfig struct {
	// TokenHash is a bcrypt hash of the API bearer token. Empty disables
	// authentication.
	TokenHash string `mapstructure:"token_hash"`
}

// LoadConfig reads configuration from path, or from config.yaml on the
// search path when path is empty, then from GENEFLOW_* environment
// variables
func LoadConfig(path string) (*Config, error) {
	config := &Config{}

	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.geneflow")
		viper.AddConfigPath("/etc/geneflow")
	}

	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8081)
	viper.SetDefault("store.backend", StoreMemory)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("postgres.dsn", "")
	viper.SetDefault("engine.work_dir", "./data/work")
	viper.SetDefault("engine.output_dir", "./data/output")
	viper.SetDefault("engine.poll_interval", "5s")
	viper.SetDefault("engine.pool_size", 8)
	viper.SetDefault("engine.max_attempts", 1)
	viper.SetDefault("retry.max_attempts", execution.DefaultPolicy.MaxAttempts)
	viper.SetDefault("retry.initial_interval", execution.DefaultPolicy.InitialInterval)
	viper.SetDefault("retry.max_interval", execution.DefaultPolicy.MaxInterval)
	viper.SetDefault("retry.multiplier", execution.DefaultPolicy.Multiplier)
	viper.SetDefault("docker.enabled", true)
	viper.SetDefault("docker.host", "unix:///var/run/docker.sock")
	viper.SetDefault("grid.scheduler", "")
	viper.SetDefault("cloud.rate_limit", 5)
	viper.SetDefault("cloud.burst", 10)
	viper.SetDefault("cloud.timeout", "30s")
	viper.SetDefault("security.token_hash", "")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("notify.from", notify.DefaultFrom)
	viper.SetDefault("notify.timeout", "10s")

	viper.SetEnvPrefix("GENEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(config.Engine.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	if err := os.MkdirAll(config.Engine.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return config, nil
}

// Validate checks settings that have a closed set of values
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Grid.Scheduler {
	case "", "slurm", "sge":
	default:
		return fmt.Errorf("unknown grid scheduler %q", c.Grid.Scheduler)
	}

	if c.Engine.WorkDir == "" || c.Engine.OutputDir == "" {
		return fmt.Errorf("engine.work_dir and engine.output_dir are required")
	}
	return nil
}

// Address is the API listen address
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}
