package webhook

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/token-indexer/internal/config"
	"github.com/smartdevs17/token-indexer/internal/contracts"
	"github.com/smartdevs17/token-indexer/internal/metrics"
	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/internal/storage"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// ManagerConfig holds subscription manager configuration
type ManagerConfig struct {
	Network                string        `json:"network"`
	DeliveryURL            string        `json:"delivery_url"`
	FactoryAddress         string        `json:"factory_address"`
	MaxAddressesPerWebhook int           `json:"max_addresses_per_webhook"`
	ReconcileInterval      time.Duration `json:"reconcile_interval"`
}

// NewManagerConfig maps the configuration onto a ManagerConfig
func NewManagerConfig(cfg *config.Config) ManagerConfig {
	return ManagerConfig{
		Network:                cfg.Webhook.Network,
		DeliveryURL:            cfg.Webhook.DeliveryURL,
		FactoryAddress:         cfg.Indexer.FactoryAddress,
		MaxAddressesPerWebhook: cfg.Webhook.MaxAddressesPerWebhook,
		ReconcileInterval:      cfg.Webhook.ReconcileInterval,
	}
}

// ReconcileReport summarizes one reconciliation pass
type ReconcileReport struct {
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	Verified          int           `json:"verified"`
	MarkedInactive    int           `json:"marked_inactive"`
	FactoryRegistered bool          `json:"factory_registered"`
	Registered        int           `json:"registered"`
	Failed            int           `json:"failed"`
	Errors            []string      `json:"errors,omitempty"`
}

// SubscriptionManager keeps provider webhooks covering the factory and every active token
type SubscriptionManager struct {
	provider       Provider
	store          storage.Storage
	config         ManagerConfig
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	// serializes passes so two reconciles never register the same address
	opMu sync.Mutex

	mu       sync.RWMutex
	last     *ReconcileReport
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSubscriptionManager creates a new subscription manager
func NewSubscriptionManager(provider Provider, store storage.Storage, cfg ManagerConfig, metricsManager *metrics.Manager) *SubscriptionManager {
	if cfg.MaxAddressesPerWebhook <= 0 {
		cfg.MaxAddressesPerWebhook = 100
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 10 * time.Minute
	}
	if cfg.FactoryAddress != "" {
		cfg.FactoryAddress = utils.NormalizeAddress(cfg.FactoryAddress)
	}
	return &SubscriptionManager{
		provider:       provider,
		store:          store,
		config:         cfg,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("subscription_manager"),
	}
}

// Start reconciles once and then every ReconcileInterval until ctx ends or Stop
func (sm *SubscriptionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	if sm.running {
		sm.mu.Unlock()
		return utils.NewAppError(utils.ErrCodeInternal, "Subscription manager already running", "")
	}
	sm.running = true
	sm.stopChan = make(chan struct{})
	stop := sm.stopChan
	sm.mu.Unlock()

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		if _, err := sm.Reconcile(ctx); err != nil {
			sm.logger.WithError(err).Error("Initial reconcile failed")
		}

		ticker := time.NewTicker(sm.config.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if _, err := sm.Reconcile(ctx); err != nil {
					sm.logger.WithError(err).Error("Reconcile failed")
				}
			}
		}
	}()

	sm.logger.WithField("interval", sm.config.ReconcileInterval).Info("Subscription manager started")
	return nil
}

// Stop stops the reconcile loop and waits for a running pass
func (sm *SubscriptionManager) Stop() error {
	sm.mu.Lock()
	if !sm.running {
		sm.mu.Unlock()
		return nil
	}
	sm.running = false
	close(sm.stopChan)
	sm.mu.Unlock()

	sm.wg.Wait()
	sm.logger.Info("Subscription manager stopped")
	return nil
}

// Reconcile verifies persisted subscriptions at the provider, ensures the
// factory is covered and registers Transfer coverage for uncovered active tokens.
// Only storage failures abort the pass; provider failures are reported.
func (sm *SubscriptionManager) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()

	report := &ReconcileReport{StartedAt: time.Now().UTC()}
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	if err := sm.verify(ctx, report); err != nil {
		return report, err
	}
	if err := sm.ensureFactory(ctx, report); err != nil {
		return report, err
	}

	tokens, err := sm.store.GetTokens(ctx, models.TokenStatusActive)
	if err != nil {
		return report, err
	}
	addresses := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if token.Address != "" {
			addresses = append(addresses, token.Address)
		}
	}
	uncovered, err := sm.uncovered(ctx, models.EventTypeTransfer, addresses)
	if err != nil {
		return report, err
	}
	if err := sm.registerTransfers(ctx, uncovered, report); err != nil {
		return report, err
	}

	sm.updateMetrics(ctx)
	sm.finish(ctx, report)
	return report, nil
}

// verify checks every pending or active webhook against the provider listing
func (sm *SubscriptionManager) verify(ctx context.Context, report *ReconcileReport) error {
	subs, err := sm.store.GetSubscriptions(ctx, models.SubscriptionFilter{
		Statuses: []models.SubscriptionStatus{models.SubscriptionPending, models.SubscriptionActive},
	})
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	hooks, err := sm.provider.List(ctx)
	if err != nil {
		report.Errors = append(report.Errors, "verify: "+err.Error())
		sm.logger.WithError(err).Warn("Cannot list provider webhooks, skipping verification")
		return nil
	}
	known := make(map[string]*ProviderWebhook, len(hooks))
	for _, hook := range hooks {
		known[hook.ID] = hook
	}

	seen := make(map[string]bool)
	for _, sub := range subs {
		if seen[sub.WebhookID] {
			continue
		}
		seen[sub.WebhookID] = true

		hook := known[sub.WebhookID]
		switch {
		case hook == nil:
			err = sm.store.UpdateWebhookStatus(ctx, sub.WebhookID, models.SubscriptionInactive, "webhook not found at provider")
			report.MarkedInactive++
		case !hook.Active:
			err = sm.store.UpdateWebhookStatus(ctx, sub.WebhookID, models.SubscriptionInactive, "webhook disabled at provider")
			report.MarkedInactive++
		default:
			err = sm.store.UpdateWebhookStatus(ctx, sub.WebhookID, models.SubscriptionActive, "")
			report.Verified++
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ensureFactory keeps exactly one covering TokenCreated webhook on the factory
func (sm *SubscriptionManager) ensureFactory(ctx context.Context, report *ReconcileReport) error {
	if sm.config.FactoryAddress == "" {
		return nil
	}
	subs, err := sm.covering(ctx, models.EventTypeTokenCreated, sm.config.FactoryAddress)
	if err != nil {
		return err
	}

	if len(subs) > 1 {
		for _, extra := range subs[1:] {
			if extra.WebhookID == subs[0].WebhookID {
				continue
			}
			if err := sm.provider.Delete(ctx, extra.WebhookID); err != nil {
				report.Errors = append(report.Errors, "factory duplicate: "+err.Error())
				continue
			}
			if err := sm.store.DeleteSubscription(ctx, extra.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if len(subs) == 1 {
		return nil
	}

	spec := FilterSpec{
		Network:   sm.config.Network,
		EventType: models.EventTypeTokenCreated,
		Addresses: []string{sm.config.FactoryAddress},
		Topics:    []common.Hash{contracts.TokenCreatedTopic},
	}
	ok, err := sm.register(ctx, spec, report)
	if err != nil {
		return err
	}
	report.FactoryRegistered = ok
	return nil
}

// EnsureTokenCoverage registers a Transfer webhook for address unless one already covers it
func (sm *SubscriptionManager) EnsureTokenCoverage(ctx context.Context, address string) error {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()

	address = utils.NormalizeAddress(address)
	uncovered, err := sm.uncovered(ctx, models.EventTypeTransfer, []string{address})
	if err != nil || len(uncovered) == 0 {
		return err
	}

	report := &ReconcileReport{StartedAt: time.Now().UTC()}
	if err := sm.registerTransfers(ctx, uncovered, report); err != nil {
		return err
	}
	sm.updateMetrics(ctx)
	if report.Failed > 0 {
		return utils.NewAppError(utils.ErrCodeProvider, "Failed to register token coverage", report.Errors[0])
	}
	return nil
}

// DeleteForToken drops the Transfer coverage of address. Webhooks shared with
// other tokens are deleted and the other tokens re-registered.
func (sm *SubscriptionManager) DeleteForToken(ctx context.Context, address string) error {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()

	address = utils.NormalizeAddress(address)
	subs, err := sm.store.GetSubscriptions(ctx, models.SubscriptionFilter{
		EventType:       models.EventTypeTransfer,
		ContractAddress: address,
	})
	if err != nil {
		return err
	}

	report := &ReconcileReport{StartedAt: time.Now().UTC()}
	var orphaned []string
	for _, sub := range subs {
		if sub.Covers() {
			siblings, err := sm.store.GetSubscriptions(ctx, models.SubscriptionFilter{WebhookID: sub.WebhookID})
			if err != nil {
				return err
			}
			if err := sm.provider.Delete(ctx, sub.WebhookID); err != nil {
				return err
			}
			for _, sibling := range siblings {
				if sibling.ContractAddress == address {
					continue
				}
				if err := sm.store.DeleteSubscription(ctx, sibling.ID); err != nil {
					return err
				}
				if sibling.Covers() {
					orphaned = append(orphaned, sibling.ContractAddress)
				}
			}
		}
		if err := sm.store.DeleteSubscription(ctx, sub.ID); err != nil {
			return err
		}
	}

	if len(orphaned) > 0 {
		sm.logger.WithFields(logrus.Fields{
			"token":    address,
			"orphaned": len(orphaned),
		}).Info("Re-registering tokens that shared the deleted webhook")
		if err := sm.registerTransfers(ctx, orphaned, report); err != nil {
			return err
		}
	}
	sm.updateMetrics(ctx)
	sm.logger.WithField("token", address).Info("Deleted token coverage")
	return nil
}

// CleanupInactive deletes inactive webhooks at the provider and drops their rows
func (sm *SubscriptionManager) CleanupInactive(ctx context.Context) (int, error) {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()

	subs, err := sm.store.GetSubscriptions(ctx, models.SubscriptionFilter{
		Statuses: []models.SubscriptionStatus{models.SubscriptionInactive},
	})
	if err != nil {
		return 0, err
	}

	deleted := make(map[string]bool)
	removed := 0
	for _, sub := range subs {
		if !deleted[sub.WebhookID] {
			if err := sm.provider.Delete(ctx, sub.WebhookID); err != nil {
				sm.logger.WithError(err).WithField("webhook_id", sub.WebhookID).Warn("Failed to delete inactive webhook")
				continue
			}
			deleted[sub.WebhookID] = true
		}
		if err := sm.store.DeleteSubscription(ctx, sub.ID); err != nil {
			return removed, err
		}
		removed++
	}

	sm.updateMetrics(ctx)
	if removed > 0 {
		sm.logger.WithFields(logrus.Fields{
			"rows":     removed,
			"webhooks": len(deleted),
		}).Info("Cleaned up inactive subscriptions")
	}
	return removed, nil
}

// ReRegisterFailed retries the registrations persisted as error rows
func (sm *SubscriptionManager) ReRegisterFailed(ctx context.Context) (*ReconcileReport, error) {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()

	report := &ReconcileReport{StartedAt: time.Now().UTC()}
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	failed, err := sm.store.GetSubscriptions(ctx, models.SubscriptionFilter{
		Statuses: []models.SubscriptionStatus{models.SubscriptionError},
	})
	if err != nil {
		return report, err
	}

	var transfers []string
	factory := false
	for _, sub := range failed {
		if err := sm.store.DeleteSubscription(ctx, sub.ID); err != nil {
			return report, err
		}
		switch sub.EventType {
		case models.EventTypeTokenCreated:
			factory = true
		case models.EventTypeTransfer:
			token, err := sm.store.GetTokenByAddress(ctx, sub.ContractAddress)
			if err != nil {
				if storage.IsNotFound(err) {
					continue
				}
				return report, err
			}
			if token.Status == models.TokenStatusActive {
				transfers = append(transfers, sub.ContractAddress)
			}
		}
	}

	if factory {
		if err := sm.ensureFactory(ctx, report); err != nil {
			return report, err
		}
	}
	uncovered, err := sm.uncovered(ctx, models.EventTypeTransfer, transfers)
	if err != nil {
		return report, err
	}
	if err := sm.registerTransfers(ctx, uncovered, report); err != nil {
		return report, err
	}
	sm.updateMetrics(ctx)
	return report, nil
}

// LastReport returns the most recent Reconcile report
func (sm *SubscriptionManager) LastReport() *ReconcileReport {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.last
}

// Counts returns subscription row counts by event type and status
func (sm *SubscriptionManager) Counts(ctx context.Context) (map[string]map[string]int, error) {
	subs, err := sm.store.GetSubscriptions(ctx, models.SubscriptionFilter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]map[string]int)
	for _, sub := range subs {
		byStatus, ok := counts[string(sub.EventType)]
		if !ok {
			byStatus = make(map[string]int)
			counts[string(sub.EventType)] = byStatus
		}
		byStatus[string(sub.Status)]++
	}
	return counts, nil
}

func (sm *SubscriptionManager) covering(ctx context.Context, eventType models.SubscriptionEventType, address string) ([]*models.WebhookSubscription, error) {
	return sm.store.GetSubscriptions(ctx, models.SubscriptionFilter{
		EventType:       eventType,
		ContractAddress: address,
		Statuses:        []models.SubscriptionStatus{models.SubscriptionPending, models.SubscriptionActive},
	})
}

// uncovered filters addresses down to those without a pending or active row, deduplicated and sorted
func (sm *SubscriptionManager) uncovered(ctx context.Context, eventType models.SubscriptionEventType, addresses []string) ([]string, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	subs, err := sm.store.GetSubscriptions(ctx, models.SubscriptionFilter{
		EventType: eventType,
		Statuses:  []models.SubscriptionStatus{models.SubscriptionPending, models.SubscriptionActive},
	})
	if err != nil {
		return nil, err
	}
	covered := make(map[string]bool, len(subs))
	for _, sub := range subs {
		covered[sub.ContractAddress] = true
	}

	var out []string
	for _, address := range addresses {
		address = utils.NormalizeAddress(address)
		if covered[address] {
			continue
		}
		covered[address] = true
		out = append(out, address)
	}
	sort.Strings(out)
	return out, nil
}

// registerTransfers registers addresses in batches of MaxAddressesPerWebhook, one provider call per batch
func (sm *SubscriptionManager) registerTransfers(ctx context.Context, addresses []string, report *ReconcileReport) error {
	size := sm.config.MaxAddressesPerWebhook
	for start := 0; start < len(addresses); start += size {
		end := start + size
		if end > len(addresses) {
			end = len(addresses)
		}
		spec := FilterSpec{
			Network:   sm.config.Network,
			EventType: models.EventTypeTransfer,
			Addresses: addresses[start:end],
			Topics:    []common.Hash{contracts.TransferTopic},
		}
		if _, err := sm.register(ctx, spec, report); err != nil {
			return err
		}
	}
	return nil
}

// register makes one provider call and persists one row per address. A
// registered webhook is saved pending until a verification pass finds it at
// the provider. A failed call is persisted as error rows under a placeholder
// id and reported; only storage errors are returned. Earlier error rows of
// the same addresses are replaced either way.
func (sm *SubscriptionManager) register(ctx context.Context, spec FilterSpec, report *ReconcileReport) (bool, error) {
	hook, err := sm.provider.Register(ctx, spec, sm.config.DeliveryURL)

	rows := make([]*models.WebhookSubscription, 0, len(spec.Addresses))
	for _, address := range spec.Addresses {
		row := &models.WebhookSubscription{
			Network:         spec.Network,
			EventType:       spec.EventType,
			ContractAddress: utils.NormalizeAddress(address),
		}
		if err != nil {
			row.WebhookID = "failed-" + uuid.NewString()
			row.Status = models.SubscriptionError
			row.LastError = err.Error()
		} else {
			row.WebhookID = hook.ID
			row.Status = models.SubscriptionPending
		}
		rows = append(rows, row)
	}
	if clearErr := sm.clearFailed(ctx, spec.EventType, spec.Addresses); clearErr != nil {
		return false, clearErr
	}
	if saveErr := sm.store.SaveSubscriptions(ctx, rows); saveErr != nil {
		return false, saveErr
	}

	if err != nil {
		report.Failed += len(spec.Addresses)
		report.Errors = append(report.Errors, fmt.Sprintf("register %s (%d addresses): %v", spec.EventType, len(spec.Addresses), err))
		sm.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": spec.EventType,
			"addresses":  len(spec.Addresses),
		}).Error("Failed to register webhook batch")
		return false, nil
	}
	report.Registered += len(spec.Addresses)
	return true, nil
}

// clearFailed deletes the error rows of eventType held by addresses
func (sm *SubscriptionManager) clearFailed(ctx context.Context, eventType models.SubscriptionEventType, addresses []string) error {
	failed, err := sm.store.GetSubscriptions(ctx, models.SubscriptionFilter{
		EventType: eventType,
		Statuses:  []models.SubscriptionStatus{models.SubscriptionError},
	})
	if err != nil || len(failed) == 0 {
		return err
	}
	wanted := make(map[string]bool, len(addresses))
	for _, address := range addresses {
		wanted[utils.NormalizeAddress(address)] = true
	}
	for _, sub := range failed {
		if !wanted[sub.ContractAddress] {
			continue
		}
		if err := sm.store.DeleteSubscription(ctx, sub.ID); err != nil {
			return err
		}
	}
	return nil
}

func (sm *SubscriptionManager) updateMetrics(ctx context.Context) {
	if sm.metricsManager == nil {
		return
	}
	counts, err := sm.Counts(ctx)
	if err != nil {
		return
	}
	sm.metricsManager.GetPrometheusMetrics().UpdateSubscriptionCounts(counts)
}

func (sm *SubscriptionManager) finish(ctx context.Context, report *ReconcileReport) {
	report.Duration = time.Since(report.StartedAt)
	sm.mu.Lock()
	sm.last = report
	sm.mu.Unlock()

	fields := logrus.Fields{
		"verified":           report.Verified,
		"marked_inactive":    report.MarkedInactive,
		"factory_registered": report.FactoryRegistered,
		"registered":         report.Registered,
		"failed":             report.Failed,
		"duration":           report.Duration,
	}
	if len(report.Errors) > 0 {
		sm.logger.WithFields(fields).WithField("errors", report.Errors).Warn("Reconcile finished with errors")
	} else {
		sm.logger.WithFields(fields).Info("Reconcile finished")
	}

	if err := sm.store.LogEvent(ctx, models.LogTypeReconcile, map[string]interface{}{
		"verified":           report.Verified,
		"marked_inactive":    report.MarkedInactive,
		"factory_registered": report.FactoryRegistered,
		"registered":         report.Registered,
		"failed":             report.Failed,
		"errors":             report.Errors,
	}); err != nil {
		sm.logger.WithError(err).Warn("Failed to record reconcile")
	}
}
