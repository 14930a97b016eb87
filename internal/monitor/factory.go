// File: internal/monitor/factory.go
package monitor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/token-indexer/internal/connection"
	"github.com/smartdevs17/token-indexer/internal/contracts"
	"github.com/smartdevs17/token-indexer/internal/metrics"
	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/internal/processor"
	"github.com/smartdevs17/token-indexer/internal/storage"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// DeploymentHandler receives every decoded TokenCreated event. Returning an
// error makes the batch be delivered again.
type DeploymentHandler func(ctx context.Context, event *models.TokenCreatedEvent, source models.EventSource) error

// FactoryWatcher follows TokenCreated events of the factory contract. Its scan
// cursor is persisted so a restart resumes where it stopped.
type FactoryWatcher struct {
	address         string
	deploymentBlock uint64
	store           storage.Storage
	handler         DeploymentHandler
	follower        *follower
	logger          *logrus.Entry

	mu  sync.Mutex
	ctx context.Context
}

// NewFactoryWatcher creates a watcher for the factory at address
func NewFactoryWatcher(
	address string,
	deploymentBlock uint64,
	client connection.ChainClient,
	engine *BackfillEngine,
	store storage.Storage,
	grace time.Duration,
	handler DeploymentHandler,
	metricsManager *metrics.Manager,
) *FactoryWatcher {
	fw := &FactoryWatcher{
		address:         utils.NormalizeAddress(address),
		deploymentBlock: deploymentBlock,
		store:           store,
		handler:         handler,
		logger:          utils.ComponentLogger("factory_watcher"),
	}
	fw.follower = newFollower(followSpec{
		name:  "factory:" + fw.address,
		query: FactoryQuery(fw.address),
		startBlock: func(_ context.Context, head uint64) uint64 {
			return engine.StartBlock(deploymentBlock, head)
		},
		backfill: fw.handleLogs(models.SourceBackfill),
		live:     fw.handleLogs(models.SourceWatcher),
	}, client, engine, grace, 0, metricsManager)
	return fw
}

// FactoryQuery selects the TokenCreated logs of a factory
func FactoryQuery(address string) connection.LogQuery {
	return connection.LogQuery{
		Addresses: []string{utils.NormalizeAddress(address)},
		Topics:    []common.Hash{contracts.TokenCreatedTopic},
	}
}

// Start loads the persisted cursor and starts following the factory
func (fw *FactoryWatcher) Start(ctx context.Context) error {
	last, err := storage.GetUint64State(ctx, fw.store, storage.StateFactoryLastBlock)
	if err != nil {
		return err
	}
	fw.follower.mu.Lock()
	fw.follower.lastScanned = last
	fw.follower.mu.Unlock()

	fw.mu.Lock()
	fw.ctx = ctx
	fw.follower.start(ctx)
	fw.mu.Unlock()
	fw.logger.WithFields(logrus.Fields{
		"factory":          fw.address,
		"deployment_block": fw.deploymentBlock,
		"resume_block":     last,
	}).Info("Factory watcher started")
	return nil
}

// Stop stops following the factory
func (fw *FactoryWatcher) Stop() {
	fw.mu.Lock()
	fw.ctx = nil
	fw.mu.Unlock()
	fw.follower.stop()
	fw.logger.Info("Factory watcher stopped")
}

// Restart tears down and restarts the feed under the context given to Start,
// keeping its cursor. It reports false once the watcher is stopped.
func (fw *FactoryWatcher) Restart() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.ctx == nil || fw.ctx.Err() != nil {
		return false
	}
	fw.follower.stop()
	fw.follower.mu.Lock()
	fw.follower.restarts++
	fw.follower.mu.Unlock()
	fw.follower.start(fw.ctx)
	fw.logger.Warn("Factory watcher restarted")
	return true
}

// IsHealthy reports whether the factory feed is live
func (fw *FactoryWatcher) IsHealthy() bool {
	return fw.follower.alive()
}

// Status returns a snapshot of the factory feed
func (fw *FactoryWatcher) Status() FollowStatus {
	return fw.follower.status(fw.address)
}

func (fw *FactoryWatcher) handleLogs(source models.EventSource) ChunkHandler {
	return func(ctx context.Context, fromBlock, toBlock uint64, logs []types.Log) error {
		for _, l := range logs {
			event, err := processor.DecodeTokenCreated(l)
			if err != nil {
				fw.logger.WithError(err).WithField("tx_hash", l.TxHash.Hex()).Warn("Skipping undecodable factory log")
				continue
			}
			if err := fw.handler(ctx, event, source); err != nil {
				return err
			}
		}
		if err := fw.store.SetState(ctx, storage.StateFactoryLastBlock, strconv.FormatUint(toBlock, 10)); err != nil {
			fw.logger.WithError(err).Warn("Failed to persist factory cursor")
		}
		return nil
	}
}
