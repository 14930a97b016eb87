package indexer

import (
	"context"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/token-indexer/internal/contracts"
	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/internal/monitor"
	"github.com/smartdevs17/token-indexer/internal/processor"
	"github.com/smartdevs17/token-indexer/internal/webhook"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// Holder listing bounds
const (
	DefaultHolderLimit = 100
	MaxHolderLimit     = 1000
)

// ComponentStatus is the failure record of one background component
type ComponentStatus struct {
	Failures    int        `json:"failures"`
	LastError   string     `json:"last_error"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
}

// IndexerStatus exposes per-watcher and per-subscription health so that
// stale data is observable
type IndexerStatus struct {
	Mode          string                        `json:"mode"`
	Running       bool                          `json:"running"`
	Healthy       bool                          `json:"healthy"`
	StartedAt     time.Time                     `json:"started_at,omitempty"`
	Uptime        string                        `json:"uptime,omitempty"`
	Tokens        map[string]int                `json:"tokens"`
	Materializer  processor.MaterializerStats   `json:"materializer"`
	Watchers      []monitor.WatchedToken        `json:"watchers,omitempty"`
	WatcherStates map[string]int                `json:"watcher_states,omitempty"`
	Factory       *monitor.FollowStatus         `json:"factory,omitempty"`
	Backfills     map[string]monitor.ScanResult `json:"active_backfills,omitempty"`
	Health        *monitor.HealthReport         `json:"health,omitempty"`
	Reconcile     *webhook.ReconcileReport      `json:"reconcile,omitempty"`
	Subscriptions map[string]map[string]int     `json:"subscriptions,omitempty"`
	Deliveries    webhook.IngestStats           `json:"deliveries"`
	Components    map[string]ComponentStatus    `json:"components,omitempty"`
	Issues        []string                      `json:"issues,omitempty"`
}

// SupplyCheck compares the on-chain totalSupply with the sum of holder balances
type SupplyCheck struct {
	TokenAddress string    `json:"token_address"`
	OnChain      *big.Int  `json:"on_chain"`
	Holders      *big.Int  `json:"holders"`
	Difference   *big.Int  `json:"difference"`
	Match        bool      `json:"match"`
	CheckedAt    time.Time `json:"checked_at"`
}

// GetHolders lists the positive balances of token
func (s *Service) GetHolders(ctx context.Context, token string, limit, offset int, sort models.HolderSort) ([]*models.HolderBalance, error) {
	if !utils.IsValidAddress(token) {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid token address", token)
	}
	if limit <= 0 {
		limit = DefaultHolderLimit
	}
	if limit > MaxHolderLimit {
		limit = MaxHolderLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.GetHolders(ctx, utils.NormalizeAddress(token), limit, offset, sort)
}

// GetHolderCount counts the holders of token with a positive balance
func (s *Service) GetHolderCount(ctx context.Context, token string) (int64, error) {
	if !utils.IsValidAddress(token) {
		return 0, utils.NewAppError(utils.ErrCodeValidation, "Invalid token address", token)
	}
	return s.store.GetHolderCount(ctx, utils.NormalizeAddress(token))
}

// GetTotalSupplyFromHolders sums the materialized balances of token
func (s *Service) GetTotalSupplyFromHolders(ctx context.Context, token string) (*big.Int, error) {
	if !utils.IsValidAddress(token) {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid token address", token)
	}
	return s.store.GetTotalSupply(ctx, utils.NormalizeAddress(token))
}

// GetEventsForToken pages the Transfer history of filter.TokenAddress and
// returns the total number of matching events
func (s *Service) GetEventsForToken(ctx context.Context, filter models.EventFilter) ([]*models.TokenEvent, int64, error) {
	if !utils.IsValidAddress(filter.TokenAddress) {
		return nil, 0, utils.NewAppError(utils.ErrCodeValidation, "Invalid token address", filter.TokenAddress)
	}
	filter.TokenAddress = utils.NormalizeAddress(filter.TokenAddress)
	if filter.Holder != "" {
		if !utils.IsValidAddress(filter.Holder) {
			return nil, 0, utils.NewAppError(utils.ErrCodeValidation, "Invalid holder address", filter.Holder)
		}
		filter.Holder = utils.NormalizeAddress(filter.Holder)
	}
	if filter.FromBlock != nil && filter.ToBlock != nil && *filter.FromBlock > *filter.ToBlock {
		return nil, 0, utils.NewAppError(utils.ErrCodeValidation, "Invalid block range", "")
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultHolderLimit
	}
	if filter.Limit > MaxHolderLimit {
		filter.Limit = MaxHolderLimit
	}

	events, err := s.store.GetEvents(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.GetEventCount(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// GetToken returns the token record at address
func (s *Service) GetToken(ctx context.Context, address string) (*models.Token, error) {
	if !utils.IsValidAddress(address) {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid token address", address)
	}
	return s.store.GetTokenByAddress(ctx, utils.NormalizeAddress(address))
}

// ListTokens lists tokens with status, every token when status is empty
func (s *Service) ListTokens(ctx context.Context, status models.TokenStatus) ([]*models.Token, error) {
	return s.store.GetTokens(ctx, status)
}

// GetIndexerStatus collects the state of every component. Storage or
// provider failures are reported as issues rather than errors.
func (s *Service) GetIndexerStatus(ctx context.Context) *IndexerStatus {
	status := &IndexerStatus{
		Mode:         s.config.Indexer.Mode,
		Tokens:       make(map[string]int),
		Materializer: s.materializer.GetStats(),
		Deliveries:   s.ingestor.GetStats(),
		Components:   make(map[string]ComponentStatus),
	}

	s.mu.RLock()
	status.Running = s.ctx != nil
	status.StartedAt = s.startedAt
	for name, c := range s.failures {
		status.Components[name] = *c
	}
	s.mu.RUnlock()
	if status.Running {
		status.Uptime = time.Since(status.StartedAt).Round(time.Second).String()
	}

	for _, st := range []models.TokenStatus{
		models.TokenStatusPending, models.TokenStatusActive,
		models.TokenStatusFailed, models.TokenStatusRemoved,
	} {
		tokens, err := s.store.GetTokens(ctx, st)
		if err != nil {
			status.Issues = append(status.Issues, "storage: "+err.Error())
			break
		}
		status.Tokens[string(st)] = len(tokens)
	}

	if s.watcher != nil {
		status.Watchers = s.watcher.List()
		status.WatcherStates = s.watcher.StateCounts()
		for _, w := range status.Watchers {
			if w.State == monitor.StateError {
				status.Issues = append(status.Issues, "watcher "+w.Address+": "+w.LastError)
			}
		}
	}
	if s.factory != nil {
		fs := s.factory.Status()
		status.Factory = &fs
		if status.Running && !s.factory.IsHealthy() {
			status.Issues = append(status.Issues, "factory watcher is not live")
		}
	}
	if s.engine != nil {
		status.Backfills = s.engine.ActiveScans()
	}
	if s.health != nil {
		status.Health = s.health.LastReport()
	}
	if s.subscriptions != nil {
		status.Reconcile = s.subscriptions.LastReport()
		counts, err := s.subscriptions.Counts(ctx)
		if err != nil {
			status.Issues = append(status.Issues, "subscriptions: "+err.Error())
		}
		status.Subscriptions = counts
	}

	status.Healthy = len(status.Issues) == 0 && len(status.Components) == 0 &&
		(status.Health == nil || status.Health.Healthy)
	return status
}

// VerifySupply reads totalSupply() of token and compares it with the holder
// sum. A mismatch is recorded as a supply_mismatch log entry.
func (s *Service) VerifySupply(ctx context.Context, token string) (*SupplyCheck, error) {
	if s.client == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Supply check requires a chain client", "")
	}
	if !utils.IsValidAddress(token) {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid token address", token)
	}
	token = utils.NormalizeAddress(token)

	out, err := s.client.ReadContractState(ctx, token, contracts.ERC20(), "totalSupply")
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeBlockchain, "Failed to read totalSupply", err)
	}
	if len(out) == 0 {
		return nil, utils.NewAppError(utils.ErrCodeBlockchain, "Empty totalSupply result", token)
	}
	onChain, ok := out[0].(*big.Int)
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeBlockchain, "Unexpected totalSupply type", token)
	}

	holders, err := s.store.GetTotalSupply(ctx, token)
	if err != nil {
		return nil, err
	}

	check := &SupplyCheck{
		TokenAddress: token,
		OnChain:      onChain,
		Holders:      holders,
		Difference:   new(big.Int).Sub(onChain, holders),
		CheckedAt:    time.Now().UTC(),
	}
	check.Match = check.Difference.Sign() == 0
	if check.Match {
		return check, nil
	}

	s.logger.WithFields(logrus.Fields{
		"token":      token,
		"on_chain":   onChain.String(),
		"holders":    holders.String(),
		"difference": check.Difference.String(),
	}).Warn("Holder balances do not add up to totalSupply")
	if err := s.store.LogEvent(ctx, models.LogTypeSupplyMismatch, map[string]interface{}{
		"token_address": token,
		"on_chain":      onChain.String(),
		"holders":       holders.String(),
		"difference":    check.Difference.String(),
	}); err != nil {
		s.logger.WithError(err).Warn("Failed to record supply mismatch")
	}
	return check, nil
}
