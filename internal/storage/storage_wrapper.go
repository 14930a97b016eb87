package storage

import (
	"context"
	"math/big"
	"time"

	"github.com/smartdevs17/token-indexer/internal/metrics"
	"github.com/smartdevs17/token-indexer/internal/models"
)

// StorageWithMetrics wraps a storage implementation with metrics
type StorageWithMetrics struct {
	Storage
	metricsManager *metrics.Manager
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, metricsManager *metrics.Manager) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage:        storage,
		metricsManager: metricsManager,
	}
}

func (s *StorageWithMetrics) record(operation string, start time.Time, err error) {
	if s.metricsManager == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metricsManager.GetPrometheusMetrics().RecordDatabaseOperation(operation, status, time.Since(start))
}

// ApplyTransfer applies a transfer and records metrics
func (s *StorageWithMetrics) ApplyTransfer(ctx context.Context, event *models.TokenEvent, transition BalanceTransition) (*ApplyResult, error) {
	start := time.Now()
	result, err := s.Storage.ApplyTransfer(ctx, event, transition)
	s.record("apply_transfer", start, err)
	return result, err
}

// GetHolders queries holders and records metrics
func (s *StorageWithMetrics) GetHolders(ctx context.Context, tokenAddress string, limit, offset int, sort models.HolderSort) ([]*models.HolderBalance, error) {
	start := time.Now()
	holders, err := s.Storage.GetHolders(ctx, tokenAddress, limit, offset, sort)
	s.record("get_holders", start, err)
	return holders, err
}

// GetTotalSupply sums balances and records metrics
func (s *StorageWithMetrics) GetTotalSupply(ctx context.Context, tokenAddress string) (*big.Int, error) {
	start := time.Now()
	total, err := s.Storage.GetTotalSupply(ctx, tokenAddress)
	s.record("get_total_supply", start, err)
	return total, err
}

// GetEvents queries events and records metrics
func (s *StorageWithMetrics) GetEvents(ctx context.Context, filter models.EventFilter) ([]*models.TokenEvent, error) {
	start := time.Now()
	events, err := s.Storage.GetEvents(ctx, filter)
	s.record("get_events", start, err)
	return events, err
}

// SaveSubscriptions saves subscription rows and records metrics
func (s *StorageWithMetrics) SaveSubscriptions(ctx context.Context, subs []*models.WebhookSubscription) error {
	start := time.Now()
	err := s.Storage.SaveSubscriptions(ctx, subs)
	s.record("save_subscriptions", start, err)
	return err
}
