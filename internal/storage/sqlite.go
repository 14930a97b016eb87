// File: internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// SQLiteStorage implements Storage using SQLite. Write transactions start
// IMMEDIATE so concurrent balance writers serialize on the database lock.
type SQLiteStorage struct {
	sqlStore
	config     *StorageConfig
	migrations []*Migration
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config *StorageConfig) *SQLiteStorage {
	return &SQLiteStorage{
		sqlStore: sqlStore{
			dialect: dialect{name: "sqlite"},
			logger:  utils.ComponentLogger("storage").WithField("driver", "sqlite"),
		},
		config:     config,
		migrations: GetSQLiteMigrations(),
	}
}

// Connect establishes database connection
func (s *SQLiteStorage) Connect() error {
	path := s.config.ConnectionString
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimPrefix(path, "file:")

	// Ensure directory exists
	dir := filepath.Dir(path)
	if path != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create database directory", err.Error())
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(s.config.ConnectionString))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open SQLite database", err.Error())
	}

	maxConns := s.config.MaxConnections
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxIdleTime(s.config.MaxIdleTime)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to enable WAL mode", err.Error())
	}

	s.db = db
	s.logger.WithFields(logrus.Fields{"path": path}).Info("SQLite database connected")
	return nil
}

// Migrate runs database migrations
func (s *SQLiteStorage) Migrate() error {
	return s.migrate(s.migrations)
}

// Vacuum reclaims free pages
func (s *SQLiteStorage) Vacuum(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to vacuum database", err.Error())
	}
	return nil
}

// sqliteDSN adds the pragmas every connection in the pool needs
func sqliteDSN(conn string) string {
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(10000)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Set("_txlock", "immediate")

	sep := "?"
	if strings.Contains(conn, "?") {
		sep = "&"
	}
	return conn + sep + params.Encode()
}
