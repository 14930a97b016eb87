// File: internal/processor/materializer.go
package processor

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/token-indexer/internal/metrics"
	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/internal/storage"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// ApplyOutcome reports what ApplyTransfer did with one event
type ApplyOutcome struct {
	// Applied is false for duplicates and for transfers with both legs at the zero address.
	Applied bool `json:"applied"`
	// Balances holds the post-commit balances of the holders the event changed; zero means removed.
	Balances        map[string]*big.Int `json:"balances,omitempty"`
	Inconsistencies []Inconsistency     `json:"inconsistencies,omitempty"`
}

// MaterializerStats provides materializer statistics
type MaterializerStats struct {
	Applied         uint64     `json:"applied"`
	Duplicates      uint64     `json:"duplicates"`
	Dropped         uint64     `json:"dropped"`
	Inconsistencies uint64     `json:"inconsistencies"`
	Errors          uint64     `json:"errors"`
	LastError       *string    `json:"last_error,omitempty"`
	LastErrorTime   *time.Time `json:"last_error_time,omitempty"`
}

// ApplyObserver is notified after every committed transfer
type ApplyObserver func(event *models.TokenEvent, outcome *ApplyOutcome)

// Materializer is the only writer of holder balances
type Materializer struct {
	store          storage.Storage
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	mu        sync.Mutex
	stats     MaterializerStats
	observers []ApplyObserver
}

// NewMaterializer creates a new materializer
func NewMaterializer(store storage.Storage, metricsManager *metrics.Manager) *Materializer {
	return &Materializer{
		store:          store,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("materializer"),
	}
}

// ApplyTransfer records event and folds it into holder balances exactly once.
// It only fails when storage does; a redelivered event is a no-op.
func (m *Materializer) ApplyTransfer(ctx context.Context, event *models.TokenEvent) (*ApplyOutcome, error) {
	NormalizeTransfer(event)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if utils.IsZeroAddress(event.From) && utils.IsZeroAddress(event.To) {
		m.mu.Lock()
		m.stats.Dropped++
		m.mu.Unlock()
		m.logger.WithFields(logrus.Fields{
			"token":   event.TokenAddress,
			"tx_hash": event.TxHash,
		}).Debug("Dropping transfer between zero addresses")
		return &ApplyOutcome{}, nil
	}
	if err := ValidateTransfer(event); err != nil {
		m.recordError(err)
		return nil, err
	}

	var issues []Inconsistency
	transition := func(current map[string]*big.Int) map[string]*big.Int {
		next, found := ApplyTransferToBalances(current, event)
		issues = found
		return next
	}

	start := time.Now()
	result, err := m.store.ApplyTransfer(ctx, event, transition)
	if err != nil {
		m.recordError(err)
		return nil, err
	}

	if !result.Inserted {
		m.mu.Lock()
		m.stats.Duplicates++
		m.mu.Unlock()
		if m.metricsManager != nil {
			m.metricsManager.GetPrometheusMetrics().RecordTransferDuplicate(string(event.Source))
		}
		m.logger.WithFields(logrus.Fields{
			"token":     event.TokenAddress,
			"tx_hash":   event.TxHash,
			"log_index": event.LogIndex,
			"source":    event.Source,
		}).Debug("Transfer already recorded")
		return &ApplyOutcome{}, nil
	}

	m.mu.Lock()
	m.stats.Applied++
	m.stats.Inconsistencies += uint64(len(issues))
	m.mu.Unlock()
	if m.metricsManager != nil {
		m.metricsManager.GetPrometheusMetrics().RecordTransferApplied(event.TokenAddress, string(event.Source), time.Since(start))
	}

	for _, issue := range issues {
		m.raiseInconsistency(ctx, event, issue)
	}

	outcome := &ApplyOutcome{
		Applied:         true,
		Balances:        result.After,
		Inconsistencies: issues,
	}
	m.mu.Lock()
	observers := m.observers
	m.mu.Unlock()
	for _, observe := range observers {
		observe(event, outcome)
	}
	return outcome, nil
}

// AddObserver registers fn to run after each applied transfer
func (m *Materializer) AddObserver(fn ApplyObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// raiseInconsistency reports a debit that was clamped at zero
func (m *Materializer) raiseInconsistency(ctx context.Context, event *models.TokenEvent, issue Inconsistency) {
	fields := logrus.Fields{
		"token":     event.TokenAddress,
		"holder":    issue.Holder,
		"balance":   issue.Balance.String(),
		"debit":     issue.Debit.String(),
		"tx_hash":   event.TxHash,
		"log_index": event.LogIndex,
		"block":     event.BlockNumber,
	}
	m.logger.WithFields(fields).Warn("Debit exceeds recorded balance, clamped to zero")

	if m.metricsManager != nil {
		m.metricsManager.GetPrometheusMetrics().RecordBalanceInconsistency(event.TokenAddress)
	}
	if err := m.store.LogEvent(ctx, models.LogTypeBalanceInconsistency, fields); err != nil {
		m.logger.WithError(err).Error("Failed to record balance inconsistency")
	}
}

func (m *Materializer) recordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Errors++
	msg := err.Error()
	now := time.Now()
	m.stats.LastError = &msg
	m.stats.LastErrorTime = &now
}

// GetStats returns a snapshot of materializer statistics
func (m *Materializer) GetStats() MaterializerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
