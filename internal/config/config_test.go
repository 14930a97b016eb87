package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ModeHybrid, cfg.Indexer.Mode)
	assert.Equal(t, uint64(1000), cfg.Indexer.ChunkSize)
	assert.Equal(t, time.Second, cfg.Indexer.ChunkDelay)
	assert.Equal(t, uint64(10000), cfg.Indexer.RecentWindow)
	assert.Equal(t, 5*time.Minute, cfg.Indexer.HealthInterval)
	assert.Equal(t, 100, cfg.Webhook.MaxAddressesPerWebhook)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
chain:
  node_url: http://node:8545
indexer:
  mode: WATCHER
  factory_address: 0xABCDEF0000000000000000000000000000000001
  chunk_size: 500
  min_chunk_size: 5
webhook:
  max_addresses_per_webhook: 50
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://node:8545", cfg.Chain.NodeURL)
	assert.Equal(t, ModeWatcher, cfg.Indexer.Mode)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", cfg.Indexer.FactoryAddress)
	assert.Equal(t, uint64(500), cfg.Indexer.ChunkSize)
	assert.Equal(t, 50, cfg.Webhook.MaxAddressesPerWebhook)
	assert.True(t, cfg.Indexer.WatcherEnabled())
	assert.False(t, cfg.Indexer.WebhookEnabled())
	assert.NoError(t, cfg.Validate())
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("TOKEN_INDEXER_INDEXER_MODE", "webhook")
	t.Setenv("DATABASE_URL", "postgres://localhost/indexer")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ModeWebhook, cfg.Indexer.Mode)
	assert.Equal(t, "postgres://localhost/indexer", cfg.Storage.ConnectionString)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("unknown mode", func(t *testing.T) {
		cfg := base()
		cfg.Indexer.Mode = "push"
		assert.Error(t, cfg.Validate())
	})
	t.Run("min chunk above chunk", func(t *testing.T) {
		cfg := base()
		cfg.Indexer.MinChunkSize = cfg.Indexer.ChunkSize + 1
		assert.Error(t, cfg.Validate())
	})
	t.Run("bad factory address", func(t *testing.T) {
		cfg := base()
		cfg.Indexer.FactoryAddress = "0x1234"
		assert.Error(t, cfg.Validate())
	})
	t.Run("unsupported storage", func(t *testing.T) {
		cfg := base()
		cfg.Storage.Type = "mysql"
		assert.Error(t, cfg.Validate())
	})
	t.Run("provisioning requires token and url", func(t *testing.T) {
		cfg := base()
		assert.False(t, cfg.WebhookProvisioningEnabled())
		cfg.Webhook.AuthToken = "token"
		cfg.Webhook.DeliveryURL = "https://indexer.example/webhooks/deliveries"
		assert.True(t, cfg.WebhookProvisioningEnabled())
	})
}
