// File: internal/monitor/health.go
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/token-indexer/internal/connection"
	"github.com/smartdevs17/token-indexer/internal/metrics"
	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/internal/storage"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// HealthReport is the outcome of one health check tick
type HealthReport struct {
	CheckedAt        time.Time      `json:"checked_at"`
	Healthy          bool           `json:"healthy"`
	ChainHead        uint64         `json:"chain_head"`
	ChainHealthy     bool           `json:"chain_healthy"`
	StorageHealthy   bool           `json:"storage_healthy"`
	ActiveTokens     int            `json:"active_tokens"`
	WatcherStates    map[string]int `json:"watcher_states"`
	Restarted        []string       `json:"restarted,omitempty"`
	Unwatched        []string       `json:"unwatched,omitempty"`
	FactoryRestarted bool           `json:"factory_restarted"`
	Issues           []string       `json:"issues,omitempty"`
}

// HealthMonitor periodically restarts dead or missing watchers
type HealthMonitor struct {
	watcher        *Watcher
	factory        *FactoryWatcher
	client         connection.ChainClient
	store          storage.Storage
	interval       time.Duration
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	mu       sync.RWMutex
	last     *HealthReport
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHealthMonitor creates a new health monitor. factory may be nil.
func NewHealthMonitor(
	watcher *Watcher,
	factory *FactoryWatcher,
	client connection.ChainClient,
	store storage.Storage,
	interval time.Duration,
	metricsManager *metrics.Manager,
) *HealthMonitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &HealthMonitor{
		watcher:        watcher,
		factory:        factory,
		client:         client,
		store:          store,
		interval:       interval,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("health_monitor"),
		stopChan:       make(chan struct{}),
	}
}

// Start starts the health check loop
func (hm *HealthMonitor) Start(ctx context.Context) error {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Health monitor already running", "")
	}
	hm.running = true

	hm.wg.Add(1)
	go hm.loop(ctx)

	hm.logger.WithField("interval", hm.interval).Info("Health monitor started")
	return nil
}

// Stop stops the loop and waits for a running check to finish
func (hm *HealthMonitor) Stop() error {
	hm.mu.Lock()
	if !hm.running {
		hm.mu.Unlock()
		return nil
	}
	hm.running = false
	hm.mu.Unlock()

	hm.stopOnce.Do(func() { close(hm.stopChan) })
	hm.wg.Wait()
	hm.logger.Info("Health monitor stopped")
	return nil
}

func (hm *HealthMonitor) loop(ctx context.Context) {
	defer hm.wg.Done()

	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hm.stopChan:
			return
		case <-ticker.C:
			hm.Check(ctx)
		}
	}
}

// Check runs one health pass: every active token must have a live watcher,
// watchers of tokens that are no longer active are stopped, and the factory
// feed is restarted when dead.
func (hm *HealthMonitor) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{CheckedAt: time.Now().UTC(), StorageHealthy: true, ChainHealthy: true}

	if head, err := hm.client.CurrentBlockHeight(ctx); err != nil {
		report.ChainHealthy = false
		report.Issues = append(report.Issues, "chain: "+err.Error())
	} else {
		report.ChainHead = head
	}

	tokens, err := hm.store.GetTokens(ctx, models.TokenStatusActive)
	if err != nil {
		report.StorageHealthy = false
		report.Issues = append(report.Issues, "storage: "+err.Error())
	}
	report.ActiveTokens = len(tokens)

	if hm.watcher != nil && err == nil {
		active := make(map[string]bool, len(tokens))
		for _, token := range tokens {
			if token.Address == "" {
				continue
			}
			active[token.Address] = true
			if hm.watcher.IsHealthy(token.Address) {
				continue
			}
			if err := hm.watcher.Restart(ctx, token.Address, token.DeploymentBlock); err != nil {
				report.Issues = append(report.Issues, token.Address+": "+err.Error())
				continue
			}
			report.Restarted = append(report.Restarted, token.Address)
		}
		for _, status := range hm.watcher.List() {
			if !active[status.Address] {
				if err := hm.watcher.Unwatch(status.Address); err == nil {
					report.Unwatched = append(report.Unwatched, status.Address)
				}
			}
		}
		report.WatcherStates = hm.watcher.StateCounts()
		hm.watcher.updateMetrics()
	}

	if hm.factory != nil && !hm.factory.IsHealthy() {
		report.FactoryRestarted = hm.factory.Restart()
	}

	report.Healthy = report.ChainHealthy && report.StorageHealthy &&
		len(report.Restarted) == 0 && !report.FactoryRestarted && len(report.Issues) == 0

	hm.mu.Lock()
	hm.last = report
	hm.mu.Unlock()

	if hm.metricsManager != nil {
		m := hm.metricsManager.GetPrometheusMetrics()
		m.HealthChecksTotal.Inc()
		m.UpdateComponentHealth("watchers", report.Healthy)
		m.UpdateComponentHealth("storage", report.StorageHealthy)
	}

	fields := logrus.Fields{
		"active_tokens":     report.ActiveTokens,
		"restarted":         len(report.Restarted),
		"unwatched":         len(report.Unwatched),
		"factory_restarted": report.FactoryRestarted,
		"chain_head":        report.ChainHead,
	}
	if report.Healthy {
		hm.logger.WithFields(fields).Debug("Health check passed")
		return report
	}
	hm.logger.WithFields(fields).WithField("issues", report.Issues).Warn("Health check found problems")
	if len(report.Restarted) > 0 || report.FactoryRestarted {
		if err := hm.store.LogEvent(ctx, models.LogTypeHealthCheck, map[string]interface{}{
			"restarted":         report.Restarted,
			"factory_restarted": report.FactoryRestarted,
			"issues":            report.Issues,
		}); err != nil {
			hm.logger.WithError(err).Warn("Failed to record health check")
		}
	}
	return report
}

// LastReport returns the most recent report, nil before the first tick
func (hm *HealthMonitor) LastReport() *HealthReport {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.last
}
