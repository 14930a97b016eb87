// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// Ingestion modes
const (
	ModeWatcher = "watcher"
	ModeWebhook = "webhook"
	ModeHybrid  = "hybrid"
)

// Config holds all configuration for the application
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Chain   ChainConfig   `mapstructure:"chain"`
	Storage StorageConfig `mapstructure:"storage"`
	Indexer IndexerConfig `mapstructure:"indexer"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ChainConfig contains blockchain RPC connection configuration
type ChainConfig struct {
	NodeURL           string        `mapstructure:"node_url"`
	WSURL             string        `mapstructure:"ws_url"`
	NetworkID         int           `mapstructure:"network_id"`
	BackupNodes       []string      `mapstructure:"backup_nodes"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	// MaxBlockRange rejects GetLogs spans larger than this locally; 0 disables.
	MaxBlockRange uint64 `mapstructure:"max_block_range"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// IndexerConfig drives the backfill engine, watchers and health monitor
type IndexerConfig struct {
	Mode                   string        `mapstructure:"mode"` // watcher, webhook, hybrid
	FactoryAddress         string        `mapstructure:"factory_address"`
	FactoryDeploymentBlock uint64        `mapstructure:"factory_deployment_block"`
	ChunkSize              uint64        `mapstructure:"chunk_size"`
	MinChunkSize           uint64        `mapstructure:"min_chunk_size"`
	ChunkDelay             time.Duration `mapstructure:"chunk_delay"`
	RecentWindow           uint64        `mapstructure:"recent_window"`
	MaxConcurrentBackfills int           `mapstructure:"max_concurrent_backfills"`
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	ResubscribeGrace       time.Duration `mapstructure:"resubscribe_grace"`
	HealthInterval         time.Duration `mapstructure:"health_interval"`
	ApplyRetries           int           `mapstructure:"apply_retries"`
	RetryAttempts          int           `mapstructure:"retry_attempts"`
	RetryDelay             time.Duration `mapstructure:"retry_delay"`
}

// WebhookConfig contains the push provider configuration
type WebhookConfig struct {
	Provider               string        `mapstructure:"provider"` // alchemy
	APIURL                 string        `mapstructure:"api_url"`
	AuthToken              string        `mapstructure:"auth_token"`
	SigningKey             string        `mapstructure:"signing_key"`
	Network                string        `mapstructure:"network"`
	DeliveryURL            string        `mapstructure:"delivery_url"`
	MaxAddressesPerWebhook int           `mapstructure:"max_addresses_per_webhook"`
	ReconcileInterval      time.Duration `mapstructure:"reconcile_interval"`
	Timeout                time.Duration `mapstructure:"timeout"`
	RetryAttempts          int           `mapstructure:"retry_attempts"`
	RetryDelay             time.Duration `mapstructure:"retry_delay"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// TOKEN_INDEXER_CHAIN_NODE_URL overrides chain.node_url
	v.SetEnvPrefix("TOKEN_INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			utils.GetLogger().Info("Config file not found, using defaults and environment variables")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}

	config.Indexer.Mode = strings.ToLower(config.Indexer.Mode)
	if config.Indexer.FactoryAddress != "" {
		config.Indexer.FactoryAddress = utils.NormalizeAddress(config.Indexer.FactoryAddress)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "token-indexer")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	v.SetDefault("chain.node_url", "http://localhost:8545")
	v.SetDefault("chain.ws_url", "")
	v.SetDefault("chain.network_id", 0)
	v.SetDefault("chain.request_timeout", "30s")
	v.SetDefault("chain.retry_attempts", 3)
	v.SetDefault("chain.retry_delay", "2s")
	v.SetDefault("chain.requests_per_second", 10)
	v.SetDefault("chain.burst", 20)
	v.SetDefault("chain.max_block_range", 0)

	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.connection_string", "./data/indexer.db")
	v.SetDefault("storage.max_connections", 25)
	v.SetDefault("storage.max_idle_time", "15m")

	v.SetDefault("indexer.mode", ModeHybrid)
	v.SetDefault("indexer.factory_deployment_block", 0)
	v.SetDefault("indexer.chunk_size", 1000)
	v.SetDefault("indexer.min_chunk_size", 10)
	v.SetDefault("indexer.chunk_delay", "1s")
	v.SetDefault("indexer.recent_window", 10000)
	v.SetDefault("indexer.max_concurrent_backfills", 3)
	v.SetDefault("indexer.poll_interval", "4s")
	v.SetDefault("indexer.resubscribe_grace", "2s")
	v.SetDefault("indexer.health_interval", "5m")
	v.SetDefault("indexer.apply_retries", 3)
	v.SetDefault("indexer.retry_attempts", 5)
	v.SetDefault("indexer.retry_delay", "1s")

	v.SetDefault("webhook.provider", "alchemy")
	v.SetDefault("webhook.api_url", "https://dashboard.alchemy.com/api")
	v.SetDefault("webhook.network", "ETH_MAINNET")
	v.SetDefault("webhook.max_addresses_per_webhook", 100)
	v.SetDefault("webhook.reconcile_interval", "10m")
	v.SetDefault("webhook.timeout", "15s")
	v.SetDefault("webhook.retry_attempts", 3)
	v.SetDefault("webhook.retry_delay", "1s")

	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.enable_health", true)
	v.SetDefault("server.max_body_bytes", 5<<20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// WatcherEnabled reports whether the RPC watcher path is active.
func (c *IndexerConfig) WatcherEnabled() bool {
	return c.Mode == ModeWatcher || c.Mode == ModeHybrid
}

// WebhookEnabled reports whether the push path is active.
func (c *IndexerConfig) WebhookEnabled() bool {
	return c.Mode == ModeWebhook || c.Mode == ModeHybrid
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	switch c.Storage.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}

	switch c.Indexer.Mode {
	case ModeWatcher, ModeWebhook, ModeHybrid:
	default:
		return fmt.Errorf("unsupported indexer mode: %s", c.Indexer.Mode)
	}
	if c.Indexer.WatcherEnabled() && c.Chain.NodeURL == "" {
		return fmt.Errorf("chain node URL is required in %s mode", c.Indexer.Mode)
	}
	if c.Indexer.FactoryAddress != "" && !utils.IsValidAddress(c.Indexer.FactoryAddress) {
		return fmt.Errorf("invalid factory address: %s", c.Indexer.FactoryAddress)
	}
	if c.Indexer.ChunkSize == 0 {
		return fmt.Errorf("indexer chunk size must be positive")
	}
	if c.Indexer.MinChunkSize == 0 || c.Indexer.MinChunkSize > c.Indexer.ChunkSize {
		return fmt.Errorf("indexer min chunk size must be between 1 and chunk size")
	}
	if c.Indexer.MaxConcurrentBackfills <= 0 {
		return fmt.Errorf("indexer max concurrent backfills must be positive")
	}
	if c.Indexer.PollInterval <= 0 {
		return fmt.Errorf("indexer poll interval must be positive")
	}
	if c.Indexer.HealthInterval <= 0 {
		return fmt.Errorf("indexer health interval must be positive")
	}

	if c.Indexer.WebhookEnabled() {
		if c.Webhook.MaxAddressesPerWebhook <= 0 {
			return fmt.Errorf("webhook max addresses per webhook must be positive")
		}
		if c.Webhook.ReconcileInterval <= 0 {
			return fmt.Errorf("webhook reconcile interval must be positive")
		}
	}
	return nil
}

// WebhookProvisioningEnabled reports whether subscriptions can be managed at the provider.
func (c *Config) WebhookProvisioningEnabled() bool {
	return c.Indexer.WebhookEnabled() && c.Webhook.AuthToken != "" && c.Webhook.DeliveryURL != ""
}
