// Package storagetest opens throwaway stores for tests.
package storagetest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/smartdevs17/token-indexer/internal/config"
	"github.com/smartdevs17/token-indexer/internal/storage"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// NewSQLite returns a migrated SQLite store in a temp dir, closed on cleanup
func NewSQLite(t testing.TB) storage.Storage {
	t.Helper()
	_ = utils.InitLogger("warn", "text", "discard", "")

	store, err := storage.Open(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "indexer.db"),
		MaxConnections:   4,
		MaxIdleTime:      time.Minute,
	})
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
