// File: internal/monitor/watcher.go
package monitor

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/token-indexer/internal/config"
	"github.com/smartdevs17/token-indexer/internal/connection"
	"github.com/smartdevs17/token-indexer/internal/metrics"
	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/internal/processor"
	"github.com/smartdevs17/token-indexer/internal/storage"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// WatcherConfig holds live watcher configuration
type WatcherConfig struct {
	ResubscribeGrace time.Duration `json:"resubscribe_grace"`
	ApplyRetries     int           `json:"apply_retries"`
	RetryDelay       time.Duration `json:"retry_delay"`
}

// NewWatcherConfig maps the indexer section onto a WatcherConfig
func NewWatcherConfig(cfg *config.IndexerConfig) WatcherConfig {
	return WatcherConfig{
		ResubscribeGrace: cfg.ResubscribeGrace,
		ApplyRetries:     cfg.ApplyRetries,
		RetryDelay:       cfg.RetryDelay,
	}
}

// WatchedToken is a snapshot of one watched token
type WatchedToken struct {
	FollowStatus
	DeploymentBlock uint64 `json:"deployment_block"`
	Holders         int    `json:"holders"`
}

type tokenWatch struct {
	// serializes follower stop and start
	opMu            sync.Mutex
	follower        *follower
	deploymentBlock uint64

	mu       sync.RWMutex
	balances map[string]*big.Int
}

// Watcher keeps one live Transfer feed per active token
type Watcher struct {
	client         connection.ChainClient
	engine         *BackfillEngine
	materializer   *processor.Materializer
	store          storage.Storage
	config         WatcherConfig
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	tokens map[string]*tokenWatch
}

// NewWatcher creates a new watcher. Balances applied by any ingestion path
// are mirrored into the watched tokens' caches.
func NewWatcher(
	client connection.ChainClient,
	engine *BackfillEngine,
	materializer *processor.Materializer,
	store storage.Storage,
	cfg WatcherConfig,
	metricsManager *metrics.Manager,
) *Watcher {
	w := &Watcher{
		client:         client,
		engine:         engine,
		materializer:   materializer,
		store:          store,
		config:         cfg,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("watcher"),
		tokens:         make(map[string]*tokenWatch),
	}
	materializer.AddObserver(w.observe)
	return w
}

// Start enables watching; feeds live until ctx ends or Stop is called
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Watcher already running", "")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.logger.Info("Watcher started")
	return nil
}

// Stop unwatches every token and waits for their feeds to end
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.ctx == nil {
		w.mu.Unlock()
		return nil
	}
	tokens := w.tokens
	w.tokens = make(map[string]*tokenWatch)
	w.cancel()
	w.ctx = nil
	w.mu.Unlock()

	for _, tw := range tokens {
		tw.opMu.Lock()
		tw.follower.stop()
		tw.opMu.Unlock()
	}
	w.updateMetrics()
	w.logger.Info("Watcher stopped")
	return nil
}

// Watch backfills address and then follows its Transfer events. Watching a
// token that is already healthy is a no-op.
func (w *Watcher) Watch(ctx context.Context, address string, deploymentBlock uint64) error {
	address = utils.NormalizeAddress(address)

	w.mu.RLock()
	base := w.ctx
	existing := w.tokens[address]
	w.mu.RUnlock()
	if base == nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Watcher not running", "")
	}
	if existing != nil {
		if existing.follower.alive() {
			return nil
		}
		return w.Restart(ctx, address, deploymentBlock)
	}

	var lastScanned uint64
	if token, err := w.store.GetTokenByAddress(ctx, address); err == nil {
		lastScanned = token.LastScannedBlock
		if deploymentBlock == models.UnknownDeploymentBlock {
			deploymentBlock = token.DeploymentBlock
		}
	} else if !storage.IsNotFound(err) {
		return err
	}
	balances, err := w.store.GetBalances(ctx, address)
	if err != nil {
		return err
	}

	tw := &tokenWatch{deploymentBlock: deploymentBlock, balances: balances}
	tw.follower = newFollower(followSpec{
		name:  address,
		query: TransferQuery(address),
		startBlock: func(_ context.Context, head uint64) uint64 {
			return w.engine.StartBlock(deploymentBlock, head)
		},
		backfill: w.engine.TransferHandler(address, models.SourceBackfill, nil),
		live:     w.withRetries(w.engine.TransferHandler(address, models.SourceWatcher, nil)),
	}, w.client, w.engine, w.config.ResubscribeGrace, lastScanned, w.metricsManager)

	w.mu.Lock()
	if w.ctx == nil {
		w.mu.Unlock()
		return utils.NewAppError(utils.ErrCodeInternal, "Watcher not running", "")
	}
	if _, ok := w.tokens[address]; ok {
		w.mu.Unlock()
		return nil
	}
	w.tokens[address] = tw
	tw.follower.start(w.ctx)
	w.mu.Unlock()

	w.logger.WithFields(logrus.Fields{
		"token":            address,
		"deployment_block": deploymentBlock,
		"resume_block":     lastScanned,
	}).Info("Watching token")
	w.updateMetrics()
	return nil
}

// Unwatch stops following address. Unknown tokens are ignored.
func (w *Watcher) Unwatch(address string) error {
	address = utils.NormalizeAddress(address)

	w.mu.Lock()
	tw, ok := w.tokens[address]
	delete(w.tokens, address)
	w.mu.Unlock()
	if !ok {
		return nil
	}

	tw.opMu.Lock()
	tw.follower.stop()
	tw.opMu.Unlock()
	w.logger.WithField("token", address).Info("Stopped watching token")
	w.updateMetrics()
	return nil
}

// Restart tears down and restarts the feed of address, keeping its progress.
// A token unwatched while the restart waits is left stopped.
func (w *Watcher) Restart(ctx context.Context, address string, deploymentBlock uint64) error {
	address = utils.NormalizeAddress(address)

	w.mu.RLock()
	tw, ok := w.tokens[address]
	running := w.ctx != nil
	w.mu.RUnlock()
	if !running {
		return utils.NewAppError(utils.ErrCodeInternal, "Watcher not running", "")
	}
	if !ok {
		return w.Watch(ctx, address, deploymentBlock)
	}

	tw.opMu.Lock()
	defer tw.opMu.Unlock()

	w.mu.RLock()
	current := w.tokens[address]
	base := w.ctx
	w.mu.RUnlock()
	if current != tw || base == nil {
		return nil
	}

	tw.follower.stop()
	tw.follower.mu.Lock()
	tw.follower.restarts++
	tw.follower.mu.Unlock()
	tw.follower.start(base)

	if w.metricsManager != nil {
		w.metricsManager.GetPrometheusMetrics().RecordWatcherRestart("health_check")
	}
	w.logger.WithField("token", address).Warn("Watcher restarted")
	return nil
}

// IsHealthy reports whether address has a live feed
func (w *Watcher) IsHealthy(address string) bool {
	w.mu.RLock()
	tw, ok := w.tokens[utils.NormalizeAddress(address)]
	w.mu.RUnlock()
	return ok && tw.follower.alive()
}

// Status returns a snapshot of one watched token
func (w *Watcher) Status(address string) (*WatchedToken, bool) {
	address = utils.NormalizeAddress(address)
	w.mu.RLock()
	tw, ok := w.tokens[address]
	w.mu.RUnlock()
	if !ok {
		return nil, false
	}
	status := w.snapshot(address, tw)
	return &status, true
}

// List returns a snapshot of every watched token
func (w *Watcher) List() []WatchedToken {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]WatchedToken, 0, len(w.tokens))
	for address, tw := range w.tokens {
		out = append(out, w.snapshot(address, tw))
	}
	return out
}

// Balances returns a copy of the cached balances of address
func (w *Watcher) Balances(address string) map[string]*big.Int {
	w.mu.RLock()
	tw, ok := w.tokens[utils.NormalizeAddress(address)]
	w.mu.RUnlock()
	if !ok {
		return nil
	}
	tw.mu.RLock()
	defer tw.mu.RUnlock()
	out := make(map[string]*big.Int, len(tw.balances))
	for holder, v := range tw.balances {
		out[holder] = new(big.Int).Set(v)
	}
	return out
}

// StateCounts counts watched tokens per state
func (w *Watcher) StateCounts() map[string]int {
	counts := map[string]int{
		string(StateBackfilling): 0,
		string(StateWatching):    0,
		string(StateError):       0,
	}
	for _, status := range w.List() {
		counts[string(status.State)]++
	}
	return counts
}

func (w *Watcher) snapshot(address string, tw *tokenWatch) WatchedToken {
	tw.mu.RLock()
	holders := len(tw.balances)
	tw.mu.RUnlock()
	return WatchedToken{
		FollowStatus:    tw.follower.status(address),
		DeploymentBlock: tw.deploymentBlock,
		Holders:         holders,
	}
}

// observe mirrors committed balances into the cache of a watched token
func (w *Watcher) observe(event *models.TokenEvent, outcome *processor.ApplyOutcome) {
	w.mu.RLock()
	tw, ok := w.tokens[event.TokenAddress]
	w.mu.RUnlock()
	if !ok {
		return
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()
	for holder, v := range outcome.Balances {
		if v == nil || v.Sign() <= 0 {
			delete(tw.balances, holder)
			continue
		}
		tw.balances[holder] = new(big.Int).Set(v)
	}
}

// withRetries retries a failed live batch. Redelivery is safe because
// applying a recorded event is a no-op.
func (w *Watcher) withRetries(handler ChunkHandler) ChunkHandler {
	return func(ctx context.Context, fromBlock, toBlock uint64, logs []types.Log) error {
		var err error
		for attempt := 0; attempt <= w.config.ApplyRetries; attempt++ {
			if err = handler(ctx, fromBlock, toBlock, logs); err == nil || ctx.Err() != nil {
				return err
			}
			w.logger.WithError(err).WithFields(logrus.Fields{
				"from_block": fromBlock,
				"to_block":   toBlock,
				"attempt":    attempt + 1,
			}).Warn("Failed to apply live batch")
			if err := sleep(ctx, w.config.RetryDelay); err != nil {
				return err
			}
		}
		return err
	}
}

func (w *Watcher) updateMetrics() {
	if w.metricsManager != nil {
		w.metricsManager.GetPrometheusMetrics().UpdateWatcherStates(w.StateCounts())
	}
}
