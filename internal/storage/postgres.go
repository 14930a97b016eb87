package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// PostgreSQLStorage implements Storage using PostgreSQL. Balance writers for a
// token serialize on a transaction scoped advisory lock.
type PostgreSQLStorage struct {
	sqlStore
	config     *StorageConfig
	migrations []*Migration
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
func NewPostgreSQLStorage(config *StorageConfig) *PostgreSQLStorage {
	return &PostgreSQLStorage{
		sqlStore: sqlStore{
			dialect: dialect{
				name:         "postgres",
				placeholders: rebindDollar,
				lockToken:    advisoryLockToken,
			},
			logger: utils.ComponentLogger("storage").WithField("driver", "postgres"),
		},
		config:     config,
		migrations: GetPostgresMigrations(),
	}
}

// Connect establishes database connection
func (p *PostgreSQLStorage) Connect() error {
	db, err := sql.Open("postgres", p.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open PostgreSQL database", err.Error())
	}

	// Configure connection pool
	db.SetMaxOpenConns(p.config.MaxConnections)
	db.SetMaxIdleConns(p.config.MaxConnections / 2)
	db.SetConnMaxIdleTime(p.config.MaxIdleTime)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to ping PostgreSQL database", err.Error())
	}

	p.db = db
	p.logger.WithFields(logrus.Fields{"max_connections": p.config.MaxConnections}).Info("PostgreSQL database connected")
	return nil
}

// Migrate runs database migrations
func (p *PostgreSQLStorage) Migrate() error {
	return p.migrate(p.migrations)
}

// rebindDollar converts ? placeholders to $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func advisoryLockToken(ctx context.Context, tx *sql.Tx, tokenAddress string) error {
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", tokenAddress)
	return err
}
