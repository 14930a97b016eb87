package storage

// Migration represents a database migration
type Migration struct {
	Version     string `db:"version"`
	Description string `db:"description"`
	SQL         string `db:"sql"`
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create token events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS token_events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					token_address TEXT NOT NULL,
					from_address TEXT NOT NULL,
					to_address TEXT NOT NULL,
					value TEXT NOT NULL,
					block_number INTEGER NOT NULL,
					transaction_hash TEXT NOT NULL,
					log_index INTEGER NOT NULL,
					timestamp DATETIME NOT NULL,
					source TEXT NOT NULL DEFAULT '',
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_token_events_unique ON token_events(transaction_hash, log_index);
				CREATE INDEX IF NOT EXISTS idx_token_events_token_block ON token_events(token_address, block_number);
				CREATE INDEX IF NOT EXISTS idx_token_events_from ON token_events(token_address, from_address);
				CREATE INDEX IF NOT EXISTS idx_token_events_to ON token_events(token_address, to_address);
			`,
		},
		{
			Version:     "002",
			Description: "Create holder balances table",
			SQL: `
				CREATE TABLE IF NOT EXISTS holder_balances (
					token_address TEXT NOT NULL,
					holder_address TEXT NOT NULL,
					balance TEXT NOT NULL,
					last_updated DATETIME NOT NULL,
					PRIMARY KEY (token_address, holder_address)
				);
			`,
		},
		{
			Version:     "003",
			Description: "Create tokens table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tokens (
					intent_id TEXT PRIMARY KEY,
					name TEXT NOT NULL DEFAULT '',
					symbol TEXT NOT NULL DEFAULT '',
					creator TEXT NOT NULL DEFAULT '',
					address TEXT NOT NULL DEFAULT '',
					deployment_block INTEGER NOT NULL DEFAULT 0,
					last_scanned_block INTEGER NOT NULL DEFAULT 0,
					status TEXT NOT NULL,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_tokens_address ON tokens(address) WHERE address <> '';
				CREATE INDEX IF NOT EXISTS idx_tokens_status ON tokens(status);
			`,
		},
		{
			Version:     "004",
			Description: "Create webhook subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS webhook_subscriptions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					webhook_id TEXT NOT NULL,
					network TEXT NOT NULL,
					event_type TEXT NOT NULL,
					contract_address TEXT NOT NULL,
					status TEXT NOT NULL,
					last_error TEXT NOT NULL DEFAULT '',
					last_verified DATETIME,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_webhook_subscriptions_unique ON webhook_subscriptions(webhook_id, contract_address);
				CREATE INDEX IF NOT EXISTS idx_webhook_subscriptions_address ON webhook_subscriptions(contract_address, event_type);
				CREATE INDEX IF NOT EXISTS idx_webhook_subscriptions_status ON webhook_subscriptions(status);
			`,
		},
		{
			Version:     "005",
			Description: "Create system state and logs tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS system_state (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at DATETIME NOT NULL
				);

				CREATE TABLE IF NOT EXISTS logs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					type TEXT NOT NULL,
					data TEXT NOT NULL,
					created_at DATETIME NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_logs_type ON logs(type, created_at);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create token events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS token_events (
					id BIGSERIAL PRIMARY KEY,
					token_address VARCHAR(42) NOT NULL,
					from_address VARCHAR(42) NOT NULL,
					to_address VARCHAR(42) NOT NULL,
					value TEXT NOT NULL,
					block_number BIGINT NOT NULL,
					transaction_hash VARCHAR(66) NOT NULL,
					log_index INTEGER NOT NULL,
					timestamp TIMESTAMPTZ NOT NULL,
					source VARCHAR(16) NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_token_events_unique ON token_events(transaction_hash, log_index);
				CREATE INDEX IF NOT EXISTS idx_token_events_token_block ON token_events(token_address, block_number);
				CREATE INDEX IF NOT EXISTS idx_token_events_from ON token_events(token_address, from_address);
				CREATE INDEX IF NOT EXISTS idx_token_events_to ON token_events(token_address, to_address);
			`,
		},
		{
			Version:     "002",
			Description: "Create holder balances table",
			SQL: `
				CREATE TABLE IF NOT EXISTS holder_balances (
					token_address VARCHAR(42) NOT NULL,
					holder_address VARCHAR(42) NOT NULL,
					balance TEXT NOT NULL,
					last_updated TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (token_address, holder_address)
				);
			`,
		},
		{
			Version:     "003",
			Description: "Create tokens table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tokens (
					intent_id VARCHAR(128) PRIMARY KEY,
					name TEXT NOT NULL DEFAULT '',
					symbol TEXT NOT NULL DEFAULT '',
					creator VARCHAR(42) NOT NULL DEFAULT '',
					address VARCHAR(42) NOT NULL DEFAULT '',
					deployment_block BIGINT NOT NULL DEFAULT 0,
					last_scanned_block BIGINT NOT NULL DEFAULT 0,
					status VARCHAR(16) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_tokens_address ON tokens(address) WHERE address <> '';
				CREATE INDEX IF NOT EXISTS idx_tokens_status ON tokens(status);
			`,
		},
		{
			Version:     "004",
			Description: "Create webhook subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS webhook_subscriptions (
					id BIGSERIAL PRIMARY KEY,
					webhook_id VARCHAR(128) NOT NULL,
					network VARCHAR(64) NOT NULL,
					event_type VARCHAR(32) NOT NULL,
					contract_address VARCHAR(42) NOT NULL,
					status VARCHAR(16) NOT NULL,
					last_error TEXT NOT NULL DEFAULT '',
					last_verified TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_webhook_subscriptions_unique ON webhook_subscriptions(webhook_id, contract_address);
				CREATE INDEX IF NOT EXISTS idx_webhook_subscriptions_address ON webhook_subscriptions(contract_address, event_type);
				CREATE INDEX IF NOT EXISTS idx_webhook_subscriptions_status ON webhook_subscriptions(status);
			`,
		},
		{
			Version:     "005",
			Description: "Create system state and logs tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS system_state (
					key VARCHAR(255) PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE TABLE IF NOT EXISTS logs (
					id BIGSERIAL PRIMARY KEY,
					type VARCHAR(64) NOT NULL,
					data JSONB NOT NULL,
					created_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_logs_type ON logs(type, created_at);
			`,
		},
	}
}
