// File: internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// BalanceTransition maps the current balances of the holders touched by a
// transfer to their new balances. Holders absent from the input have no row.
// Any output balance <= 0 deletes the row.
type BalanceTransition func(current map[string]*big.Int) map[string]*big.Int

// ApplyResult reports the outcome of ApplyTransfer
type ApplyResult struct {
	// Inserted is false when the (tx hash, log index) pair was already recorded.
	Inserted bool
	// Before and After hold the touched holders' balances around the transition.
	Before map[string]*big.Int
	After  map[string]*big.Int
}

// Storage defines the interface for the materialized view and indexer bookkeeping
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// ApplyTransfer records event and, if it was new, applies transition to the
	// holders it touches, all in one transaction.
	ApplyTransfer(ctx context.Context, event *models.TokenEvent, transition BalanceTransition) (*ApplyResult, error)

	// Balance and event queries
	GetBalances(ctx context.Context, tokenAddress string) (map[string]*big.Int, error)
	GetHolders(ctx context.Context, tokenAddress string, limit, offset int, sort models.HolderSort) ([]*models.HolderBalance, error)
	GetHolderCount(ctx context.Context, tokenAddress string) (int64, error)
	GetTotalSupply(ctx context.Context, tokenAddress string) (*big.Int, error)
	GetEvents(ctx context.Context, filter models.EventFilter) ([]*models.TokenEvent, error)
	GetEventCount(ctx context.Context, filter models.EventFilter) (int64, error)

	// Token operations
	SaveToken(ctx context.Context, token *models.Token) error
	GetTokenByIntent(ctx context.Context, intentID string) (*models.Token, error)
	GetTokenByAddress(ctx context.Context, address string) (*models.Token, error)
	GetTokens(ctx context.Context, status models.TokenStatus) ([]*models.Token, error)
	ActivateToken(ctx context.Context, created *models.TokenCreatedEvent) (*models.Token, models.TokenStatus, error)
	UpdateTokenStatus(ctx context.Context, address string, status models.TokenStatus) error
	UpdateLastScannedBlock(ctx context.Context, address string, blockNumber uint64) error

	// Webhook subscription operations
	SaveSubscriptions(ctx context.Context, subs []*models.WebhookSubscription) error
	GetSubscriptions(ctx context.Context, filter models.SubscriptionFilter) ([]*models.WebhookSubscription, error)
	UpdateWebhookStatus(ctx context.Context, webhookID string, status models.SubscriptionStatus, lastError string) error
	UpdateSubscriptionStatus(ctx context.Context, id int64, status models.SubscriptionStatus, lastError string) error
	DeleteSubscription(ctx context.Context, id int64) error

	// Key/value system state
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error

	// Audit log
	LogEvent(ctx context.Context, eventType string, data map[string]interface{}) error
	GetLogsByType(ctx context.Context, eventType string, limit int) ([]*models.LogEntry, error)
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
}

// System state keys
const (
	StateFactoryLastBlock = "factory_last_block"
)

// IsNotFound reports whether err is a NOT_FOUND application error
func IsNotFound(err error) bool {
	var appErr *utils.AppError
	return errors.As(err, &appErr) && appErr.Code == utils.ErrCodeNotFound
}
