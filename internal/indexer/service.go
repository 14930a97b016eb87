// Package indexer wires the ingestion paths, the materializer and the
// subscription manager into one service and exposes its read accessors.
package indexer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/token-indexer/internal/config"
	"github.com/smartdevs17/token-indexer/internal/connection"
	"github.com/smartdevs17/token-indexer/internal/metrics"
	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/internal/monitor"
	"github.com/smartdevs17/token-indexer/internal/processor"
	"github.com/smartdevs17/token-indexer/internal/storage"
	"github.com/smartdevs17/token-indexer/internal/webhook"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// Components of the service, as reported in the status
const (
	ComponentWatcher       = "watcher"
	ComponentFactory       = "factory_watcher"
	ComponentHealth        = "health_monitor"
	ComponentSubscriptions = "subscription_manager"
	ComponentBackfill      = "backfill"
	ComponentDeployments   = "deployments"
)

// Dependencies are the collaborators a Service is built from. Client may be
// nil in webhook mode; Provider nil disables subscription management.
type Dependencies struct {
	Config   *config.Config
	Store    storage.Storage
	Client   connection.ChainClient
	Provider webhook.Provider
	Metrics  *metrics.Manager
}

// Service owns every indexer component. It is built once at startup and
// passed to the HTTP layer and the CLI.
type Service struct {
	config         *config.Config
	store          storage.Storage
	client         connection.ChainClient
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	materializer  *processor.Materializer
	engine        *monitor.BackfillEngine
	watcher       *monitor.Watcher
	factory       *monitor.FactoryWatcher
	health        *monitor.HealthMonitor
	ingestor      *webhook.Ingestor
	verifier      webhook.Verifier
	subscriptions *webhook.SubscriptionManager

	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	failures  map[string]*ComponentStatus
	wg        sync.WaitGroup
}

// New builds a service for the configured mode
func New(deps Dependencies) (*Service, error) {
	if deps.Config == nil || deps.Store == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Config and store are required", "")
	}
	cfg := deps.Config
	if cfg.Indexer.WatcherEnabled() && deps.Client == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Chain client is required", cfg.Indexer.Mode)
	}

	s := &Service{
		config:         cfg,
		store:          deps.Store,
		client:         deps.Client,
		metricsManager: deps.Metrics,
		logger:         utils.ComponentLogger("indexer"),
		verifier:       webhook.NewVerifier(cfg.Webhook.SigningKey),
		failures:       make(map[string]*ComponentStatus),
	}
	s.materializer = processor.NewMaterializer(deps.Store, deps.Metrics)
	s.ingestor = webhook.NewIngestor(s.materializer, deps.Store, s.HandleDeployment, deps.Metrics)

	if deps.Client != nil {
		s.engine = monitor.NewBackfillEngine(deps.Client, s.materializer, deps.Store,
			monitor.NewBackfillConfig(&cfg.Indexer), deps.Metrics)
	}
	if cfg.Indexer.WatcherEnabled() {
		s.watcher = monitor.NewWatcher(deps.Client, s.engine, s.materializer, deps.Store,
			monitor.NewWatcherConfig(&cfg.Indexer), deps.Metrics)
		if cfg.Indexer.FactoryAddress != "" {
			s.factory = monitor.NewFactoryWatcher(cfg.Indexer.FactoryAddress, cfg.Indexer.FactoryDeploymentBlock,
				deps.Client, s.engine, deps.Store, cfg.Indexer.ResubscribeGrace, s.HandleDeployment, deps.Metrics)
		}
		s.health = monitor.NewHealthMonitor(s.watcher, s.factory, deps.Client, deps.Store,
			cfg.Indexer.HealthInterval, deps.Metrics)
	}
	if cfg.Indexer.WebhookEnabled() && deps.Provider != nil {
		s.subscriptions = webhook.NewSubscriptionManager(deps.Provider, deps.Store,
			webhook.NewManagerConfig(cfg), deps.Metrics)
	}

	s.logger.WithFields(logrus.Fields{
		"mode":          cfg.Indexer.Mode,
		"factory":       cfg.Indexer.FactoryAddress,
		"watcher":       s.watcher != nil,
		"subscriptions": s.subscriptions != nil,
	}).Info("Indexer service created")
	return s, nil
}

// Start starts the background components of the configured mode. A failing
// component is recorded in the status and does not stop the others.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return utils.NewAppError(utils.ErrCodeInternal, "Indexer already running", "")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startedAt = time.Now().UTC()
	runCtx := s.ctx
	s.mu.Unlock()

	tokens, err := s.store.GetTokens(runCtx, models.TokenStatusActive)
	if err != nil {
		s.cancel()
		s.mu.Lock()
		s.ctx = nil
		s.mu.Unlock()
		return err
	}

	if s.watcher != nil {
		if err := s.watcher.Start(runCtx); err != nil {
			s.recordFailure(ComponentWatcher, err)
		} else {
			for _, token := range tokens {
				if token.Address == "" {
					continue
				}
				if err := s.watcher.Watch(runCtx, token.Address, token.DeploymentBlock); err != nil {
					s.recordFailure(ComponentWatcher, err)
				}
			}
		}
	}
	if s.factory != nil {
		if err := s.factory.Start(runCtx); err != nil {
			s.recordFailure(ComponentFactory, err)
		}
	}
	if s.health != nil {
		if err := s.health.Start(runCtx); err != nil {
			s.recordFailure(ComponentHealth, err)
		}
	}
	if s.subscriptions != nil {
		if err := s.subscriptions.Start(runCtx); err != nil {
			s.recordFailure(ComponentSubscriptions, err)
		}
	}
	// Without a watcher, catch-up of existing tokens is a one-off backfill.
	if s.watcher == nil && s.engine != nil && len(tokens) > 0 {
		s.goBackground(func(ctx context.Context) {
			if _, err := s.engine.BackfillAll(ctx, tokens); err != nil {
				s.recordFailure(ComponentBackfill, err)
			}
		})
	}

	if s.metricsManager != nil {
		s.metricsManager.GetPrometheusMetrics().UpdateComponentHealth("indexer", true)
	}
	s.logger.WithFields(logrus.Fields{
		"mode":          s.config.Indexer.Mode,
		"active_tokens": len(tokens),
	}).Info("Indexer started")
	return nil
}

// Stop stops every component and waits for background tasks
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.ctx = nil
	s.mu.Unlock()

	if s.subscriptions != nil {
		if err := s.subscriptions.Stop(); err != nil {
			s.logger.WithError(err).Error("Failed to stop subscription manager")
		}
	}
	if s.health != nil {
		if err := s.health.Stop(); err != nil {
			s.logger.WithError(err).Error("Failed to stop health monitor")
		}
	}
	if s.factory != nil {
		s.factory.Stop()
	}
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.WithError(err).Error("Failed to stop watcher")
		}
	}
	s.wg.Wait()

	if s.metricsManager != nil {
		s.metricsManager.GetPrometheusMetrics().UpdateComponentHealth("indexer", false)
	}
	s.logger.Info("Indexer stopped")
	return nil
}

// Running reports whether Start has been called without a matching Stop
func (s *Service) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx != nil
}

// Ingestor is the delivery entry point of the webhook path
func (s *Service) Ingestor() *webhook.Ingestor { return s.ingestor }

// Verifier authenticates webhook deliveries
func (s *Service) Verifier() webhook.Verifier { return s.verifier }

// Materializer is the single writer of balances
func (s *Service) Materializer() *processor.Materializer { return s.materializer }

// HandleDelivery processes one webhook delivery body. Callers authenticate
// the request with Verifier first.
func (s *Service) HandleDelivery(ctx context.Context, raw []byte) webhook.DeliveryResult {
	return s.ingestor.HandleDelivery(ctx, raw)
}

// goBackground runs fn on the service context and joins it on Stop
func (s *Service) goBackground(fn func(ctx context.Context)) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

func (s *Service) recordFailure(component string, err error) {
	now := time.Now().UTC()
	s.mu.Lock()
	status, ok := s.failures[component]
	if !ok {
		status = &ComponentStatus{}
		s.failures[component] = status
	}
	status.Failures++
	status.LastError = err.Error()
	status.LastErrorAt = &now
	s.mu.Unlock()

	s.logger.WithError(err).WithField("failed_component", component).Error("Component failure")
	if s.metricsManager != nil {
		s.metricsManager.GetPrometheusMetrics().UpdateComponentHealth(component, false)
	}
}

func (s *Service) clearFailure(component string) {
	s.mu.Lock()
	_, had := s.failures[component]
	delete(s.failures, component)
	s.mu.Unlock()
	if had && s.metricsManager != nil {
		s.metricsManager.GetPrometheusMetrics().UpdateComponentHealth(component, true)
	}
}
