package indexer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/internal/monitor"
	"github.com/smartdevs17/token-indexer/internal/storage"
	"github.com/smartdevs17/token-indexer/internal/webhook"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// Deployment outcomes recorded in metrics
const (
	deploymentActivated = "activated"
	deploymentUnmatched = "unmatched"
	deploymentDuplicate = "duplicate"
	deploymentRemoved   = "removed"
	deploymentError     = "error"
)

// RegisterIntent records the pending token that a later TokenCreated event
// with the same intent id resolves. Registering a known intent returns the
// existing record.
func (s *Service) RegisterIntent(ctx context.Context, intentID, name, symbol, creator string) (*models.Token, error) {
	id, ok := utils.ParseBigInt(intentID)
	if !ok || id.Sign() < 0 {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid intent id", intentID)
	}
	if creator != "" && !utils.IsValidAddress(creator) {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid creator address", creator)
	}

	existing, err := s.store.GetTokenByIntent(ctx, id.String())
	if err == nil {
		return existing, nil
	}
	if !storage.IsNotFound(err) {
		return nil, err
	}

	token := &models.Token{
		IntentID: id.String(),
		Name:     name,
		Symbol:   symbol,
		Status:   models.TokenStatusPending,
	}
	if creator != "" {
		token.Creator = utils.NormalizeAddress(creator)
	}
	if err := s.store.SaveToken(ctx, token); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"intent_id": token.IntentID,
		"symbol":    symbol,
	}).Info("Registered token intent")
	return token, nil
}

// HandleDeployment resolves the intent of a TokenCreated event, activates the
// token and starts its Transfer coverage. Both the factory watcher and the
// webhook path call it; redelivery of the same event is harmless.
func (s *Service) HandleDeployment(ctx context.Context, event *models.TokenCreatedEvent, source models.EventSource) error {
	token, previous, err := s.store.ActivateToken(ctx, event)
	if err != nil {
		s.recordDeployment(source, deploymentError)
		return err
	}

	outcome := deploymentActivated
	switch {
	case token.Status == models.TokenStatusRemoved:
		outcome = deploymentRemoved
	case previous == models.TokenStatusActive:
		outcome = deploymentDuplicate
	case previous == "":
		outcome = deploymentUnmatched
	}

	fields := logrus.Fields{
		"intent_id":        token.IntentID,
		"token":            token.Address,
		"deployment_block": token.DeploymentBlock,
		"source":           source,
	}
	switch outcome {
	case deploymentUnmatched:
		s.logger.WithFields(fields).Warn("Deployment without a pending intent, token created active")
	case deploymentActivated:
		s.logger.WithFields(fields).Info("Token activated")
	case deploymentRemoved:
		s.logger.WithFields(fields).Info("Deployment for a removed token, left unwatched")
		s.recordDeployment(source, outcome)
		return nil
	default:
		s.logger.WithFields(fields).Debug("Deployment already applied")
	}

	if err := s.ensureCoverage(ctx, token, outcome != deploymentDuplicate); err != nil {
		s.recordDeployment(source, deploymentError)
		s.recordFailure(ComponentDeployments, err)
		return err
	}
	s.recordDeployment(source, outcome)
	return nil
}

// WatchToken activates address outside of the factory flow and starts its
// coverage. Unknown tokens get a synthetic intent id.
func (s *Service) WatchToken(ctx context.Context, address string, deploymentBlock uint64) (*models.Token, error) {
	if !utils.IsValidAddress(address) {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid token address", address)
	}
	address = utils.NormalizeAddress(address)

	token, err := s.store.GetTokenByAddress(ctx, address)
	switch {
	case storage.IsNotFound(err):
		token = &models.Token{
			IntentID:        "manual-" + address,
			Address:         address,
			DeploymentBlock: deploymentBlock,
			Status:          models.TokenStatusActive,
		}
	case err != nil:
		return nil, err
	default:
		token.Status = models.TokenStatusActive
		if token.DeploymentBlock == models.UnknownDeploymentBlock {
			token.DeploymentBlock = deploymentBlock
		}
	}
	if err := s.store.SaveToken(ctx, token); err != nil {
		return nil, err
	}

	if err := s.ensureCoverage(ctx, token, true); err != nil {
		return token, err
	}
	s.logger.WithFields(logrus.Fields{
		"token":            address,
		"deployment_block": token.DeploymentBlock,
	}).Info("Token watch requested")
	return token, nil
}

// UnwatchToken marks address removed, stops its watcher and drops its
// webhook coverage. Unwatching a removed token is a no-op.
func (s *Service) UnwatchToken(ctx context.Context, address string) error {
	if !utils.IsValidAddress(address) {
		return utils.NewAppError(utils.ErrCodeValidation, "Invalid token address", address)
	}
	address = utils.NormalizeAddress(address)

	token, err := s.store.GetTokenByAddress(ctx, address)
	if err != nil {
		return err
	}
	if token.Status != models.TokenStatusRemoved {
		if err := s.store.UpdateTokenStatus(ctx, address, models.TokenStatusRemoved); err != nil {
			return err
		}
	}
	if s.watcher != nil {
		if err := s.watcher.Unwatch(address); err != nil {
			return err
		}
	}
	if s.subscriptions != nil {
		if err := s.subscriptions.DeleteForToken(ctx, address); err != nil {
			return err
		}
	}
	s.logger.WithField("token", address).Info("Token unwatched")
	return nil
}

// ensureCoverage gives an active token a live watcher and/or a Transfer
// webhook. Without a watcher, fresh tokens get a one-off backfill.
func (s *Service) ensureCoverage(ctx context.Context, token *models.Token, fresh bool) error {
	if token.Address == "" {
		return nil
	}

	if s.watcher != nil && s.Running() {
		if err := s.watcher.Watch(ctx, token.Address, token.DeploymentBlock); err != nil {
			return err
		}
	}

	if s.subscriptions != nil {
		// The next reconcile pass retries a failed registration.
		if err := s.subscriptions.EnsureTokenCoverage(ctx, token.Address); err != nil {
			s.recordFailure(ComponentSubscriptions, err)
		}
	}

	if s.watcher == nil && s.engine != nil && fresh {
		address, deployment := token.Address, token.DeploymentBlock
		s.goBackground(func(ctx context.Context) {
			if _, err := s.engine.BackfillFromDeployment(ctx, address, deployment); err != nil {
				s.recordFailure(ComponentBackfill, fmt.Errorf("%s: %w", address, err))
			}
		})
	}
	return nil
}

// Backfill scans [fromBlock, toBlock] of address. A zero toBlock means the chain head.
func (s *Service) Backfill(ctx context.Context, address string, fromBlock, toBlock uint64) (*monitor.BackfillResult, error) {
	if s.engine == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Backfill requires a chain client", "")
	}
	if !utils.IsValidAddress(address) {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid token address", address)
	}
	if toBlock == 0 {
		head, err := s.client.CurrentBlockHeight(ctx)
		if err != nil {
			return nil, utils.WrapError(utils.ErrCodeBlockchain, "Failed to get chain head", err)
		}
		toBlock = head
	}
	return s.engine.Backfill(ctx, address, fromBlock, toBlock)
}

// BackfillActive catches every active token up to the chain head from its scan cursor
func (s *Service) BackfillActive(ctx context.Context) (map[string]*monitor.BackfillResult, error) {
	if s.engine == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Backfill requires a chain client", "")
	}
	tokens, err := s.store.GetTokens(ctx, models.TokenStatusActive)
	if err != nil {
		return nil, err
	}
	return s.engine.BackfillAll(ctx, tokens)
}

// Reconcile runs one subscription reconciliation pass
func (s *Service) Reconcile(ctx context.Context) (*webhook.ReconcileReport, error) {
	if s.subscriptions == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Webhook provisioning is disabled", "")
	}
	report, err := s.subscriptions.Reconcile(ctx)
	if err != nil {
		s.recordFailure(ComponentSubscriptions, err)
		return report, err
	}
	if report.Failed == 0 && len(report.Errors) == 0 {
		s.clearFailure(ComponentSubscriptions)
	}
	return report, nil
}

// RepairSubscriptions deletes inactive webhooks and re-registers failed ones
func (s *Service) RepairSubscriptions(ctx context.Context) (int, *webhook.ReconcileReport, error) {
	if s.subscriptions == nil {
		return 0, nil, utils.NewAppError(utils.ErrCodeConfiguration, "Webhook provisioning is disabled", "")
	}
	removed, err := s.subscriptions.CleanupInactive(ctx)
	if err != nil {
		return removed, nil, err
	}
	report, err := s.subscriptions.ReRegisterFailed(ctx)
	return removed, report, err
}

// CheckHealth runs one health monitor pass, nil without a watcher
func (s *Service) CheckHealth(ctx context.Context) *monitor.HealthReport {
	if s.health == nil {
		return nil
	}
	return s.health.Check(ctx)
}

func (s *Service) recordDeployment(source models.EventSource, status string) {
	if s.metricsManager != nil {
		s.metricsManager.GetPrometheusMetrics().RecordDeployment(string(source), status)
	}
}
