// File: internal/monitor/backfill.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/smartdevs17/token-indexer/internal/config"
	"github.com/smartdevs17/token-indexer/internal/connection"
	"github.com/smartdevs17/token-indexer/internal/contracts"
	"github.com/smartdevs17/token-indexer/internal/metrics"
	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/internal/processor"
	"github.com/smartdevs17/token-indexer/internal/storage"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// BackfillConfig holds backfill configuration
type BackfillConfig struct {
	ChunkSize     uint64        `json:"chunk_size"`
	MinChunkSize  uint64        `json:"min_chunk_size"`
	ChunkDelay    time.Duration `json:"chunk_delay"`
	RecentWindow  uint64        `json:"recent_window"`
	MaxConcurrent int           `json:"max_concurrent"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// NewBackfillConfig maps the indexer section onto a BackfillConfig, filling defaults
func NewBackfillConfig(cfg *config.IndexerConfig) BackfillConfig {
	c := BackfillConfig{
		ChunkSize:     cfg.ChunkSize,
		MinChunkSize:  cfg.MinChunkSize,
		ChunkDelay:    cfg.ChunkDelay,
		RecentWindow:  cfg.RecentWindow,
		MaxConcurrent: cfg.MaxConcurrentBackfills,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
	}
	return c.withDefaults()
}

func (c BackfillConfig) withDefaults() BackfillConfig {
	if c.ChunkSize == 0 {
		c.ChunkSize = 1000
	}
	if c.MinChunkSize == 0 {
		c.MinChunkSize = 10
	}
	if c.MinChunkSize > c.ChunkSize {
		c.MinChunkSize = c.ChunkSize
	}
	if c.RecentWindow == 0 {
		c.RecentWindow = 10000
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// ChunkHandler consumes the logs of one fully scanned chunk, in receipt order
type ChunkHandler func(ctx context.Context, fromBlock, toBlock uint64, logs []types.Log) error

// ScanResult summarizes one Scan
type ScanResult struct {
	Addresses []string      `json:"addresses"`
	FromBlock uint64        `json:"from_block"`
	ToBlock   uint64        `json:"to_block"`
	Chunks    int           `json:"chunks"`
	Shrinks   int           `json:"shrinks"`
	Logs      int           `json:"logs"`
	ChunkSize uint64        `json:"final_chunk_size"`
	Duration  time.Duration `json:"duration"`
}

// BackfillResult contains the result of backfilling one token
type BackfillResult struct {
	TokenAddress    string        `json:"token_address"`
	FromBlock       uint64        `json:"from_block"`
	ToBlock         uint64        `json:"to_block"`
	EventsProcessed int           `json:"events_processed"`
	EventsApplied   int           `json:"events_applied"`
	Duplicates      int           `json:"duplicates"`
	Skipped         int           `json:"skipped"`
	Chunks          int           `json:"chunks"`
	Shrinks         int           `json:"shrinks"`
	Duration        time.Duration `json:"duration"`
}

// BackfillEngine scans historical logs in adaptive chunks
type BackfillEngine struct {
	client         connection.ChainClient
	materializer   *processor.Materializer
	store          storage.Storage
	config         BackfillConfig
	sem            *semaphore.Weighted
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	mu     sync.RWMutex
	active map[string]ScanResult
}

// NewBackfillEngine creates a new backfill engine
func NewBackfillEngine(
	client connection.ChainClient,
	materializer *processor.Materializer,
	store storage.Storage,
	cfg BackfillConfig,
	metricsManager *metrics.Manager,
) *BackfillEngine {
	cfg = cfg.withDefaults()
	return &BackfillEngine{
		client:         client,
		materializer:   materializer,
		store:          store,
		config:         cfg,
		sem:            semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("backfill"),
		active:         make(map[string]ScanResult),
	}
}

// Config returns the effective configuration
func (be *BackfillEngine) Config() BackfillConfig {
	return be.config
}

// Backfill applies every Transfer of token in [fromBlock, toBlock]
func (be *BackfillEngine) Backfill(ctx context.Context, token string, fromBlock, toBlock uint64) (*BackfillResult, error) {
	token = utils.NormalizeAddress(token)
	result := &BackfillResult{TokenAddress: token, FromBlock: fromBlock, ToBlock: toBlock}

	scan, err := be.Scan(ctx, TransferQuery(token), fromBlock, toBlock, be.TransferHandler(token, models.SourceBackfill, result))
	if scan != nil {
		result.Chunks = scan.Chunks
		result.Shrinks = scan.Shrinks
		result.Duration = scan.Duration
	}
	if err != nil {
		return result, err
	}

	be.logger.WithFields(logrus.Fields{
		"token":            token,
		"from_block":       fromBlock,
		"to_block":         toBlock,
		"events_processed": result.EventsProcessed,
		"events_applied":   result.EventsApplied,
		"chunks":           result.Chunks,
		"duration":         result.Duration,
	}).Info("Backfill completed")
	return result, nil
}

// BackfillFromDeployment backfills token up to the current head. With an
// unknown deployment block only the last RecentWindow blocks are scanned.
func (be *BackfillEngine) BackfillFromDeployment(ctx context.Context, token string, deploymentBlock uint64) (*BackfillResult, error) {
	head, err := be.client.CurrentBlockHeight(ctx)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeBlockchain, "Failed to get chain head", err)
	}
	from := be.StartBlock(deploymentBlock, head)
	if from > head {
		return &BackfillResult{TokenAddress: utils.NormalizeAddress(token), FromBlock: from, ToBlock: head}, nil
	}
	return be.Backfill(ctx, token, from, head)
}

// StartBlock resolves where a scan for a contract deployed at deploymentBlock begins
func (be *BackfillEngine) StartBlock(deploymentBlock, head uint64) uint64 {
	if deploymentBlock != models.UnknownDeploymentBlock {
		return deploymentBlock
	}
	if head+1 > be.config.RecentWindow {
		return head + 1 - be.config.RecentWindow
	}
	return 0
}

// BackfillAll backfills tokens concurrently, bounded by MaxConcurrent. Each
// token resumes from its last scanned block. Failures do not stop the others.
func (be *BackfillEngine) BackfillAll(ctx context.Context, tokens []*models.Token) (map[string]*BackfillResult, error) {
	head, err := be.client.CurrentBlockHeight(ctx)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeBlockchain, "Failed to get chain head", err)
	}

	var mu sync.Mutex
	results := make(map[string]*BackfillResult, len(tokens))
	var failed []string

	var g errgroup.Group
	for _, token := range tokens {
		token := token
		if token.Address == "" {
			continue
		}
		g.Go(func() error {
			from := be.StartBlock(token.DeploymentBlock, head)
			if token.LastScannedBlock > from {
				from = token.LastScannedBlock
			}
			if from > head {
				return nil
			}
			result, err := be.Backfill(ctx, token.Address, from, head)
			mu.Lock()
			defer mu.Unlock()
			results[token.Address] = result
			if err != nil {
				failed = append(failed, token.Address)
				be.logger.WithError(err).WithField("token", token.Address).Error("Token backfill failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		return results, utils.NewAppError(utils.ErrCodeBackfill, "Backfill failed for some tokens", fmt.Sprintf("%v", failed))
	}
	return results, nil
}

// TransferQuery selects the Transfer logs of token
func TransferQuery(token string) connection.LogQuery {
	return connection.LogQuery{
		Addresses: []string{utils.NormalizeAddress(token)},
		Topics:    []common.Hash{contracts.TransferTopic},
	}
}

// TransferHandler applies the Transfer logs of a chunk and advances the
// token's persisted scan cursor. Events carry their block's timestamp.
// result, when set, accumulates counts.
func (be *BackfillEngine) TransferHandler(token string, source models.EventSource, result *BackfillResult) ChunkHandler {
	return func(ctx context.Context, fromBlock, toBlock uint64, logs []types.Log) error {
		times := make(map[uint64]time.Time)
		for _, l := range logs {
			timestamp, err := be.blockTime(ctx, l, times)
			if err != nil {
				return err
			}
			event, err := processor.DecodeTransfer(l, timestamp, source)
			if err != nil {
				be.logger.WithError(err).WithFields(logrus.Fields{
					"token":   token,
					"tx_hash": l.TxHash.Hex(),
				}).Warn("Skipping undecodable log")
				if result != nil {
					result.Skipped++
				}
				continue
			}
			outcome, err := be.materializer.ApplyTransfer(ctx, event)
			if err != nil {
				return err
			}
			if result != nil {
				result.EventsProcessed++
				if outcome.Applied {
					result.EventsApplied++
				} else {
					result.Duplicates++
				}
			}
		}
		if err := be.store.UpdateLastScannedBlock(ctx, token, toBlock); err != nil {
			be.logger.WithError(err).WithField("token", token).Warn("Failed to persist scan cursor")
		}
		return nil
	}
}

// blockTime returns the timestamp of the block holding l, asking the node
// once per block when the log does not carry it
func (be *BackfillEngine) blockTime(ctx context.Context, l types.Log, cache map[uint64]time.Time) (time.Time, error) {
	if l.BlockTimestamp != 0 {
		return time.Unix(int64(l.BlockTimestamp), 0).UTC(), nil
	}
	if t, ok := cache[l.BlockNumber]; ok {
		return t, nil
	}
	t, err := be.client.BlockTime(ctx, l.BlockNumber)
	if err != nil {
		return time.Time{}, utils.WrapError(utils.ErrCodeBlockchain,
			fmt.Sprintf("Failed to get time of block %d", l.BlockNumber), err)
	}
	cache[l.BlockNumber] = t
	return t, nil
}

// Scan walks [fromBlock, toBlock] in ascending chunks, handing each chunk's
// logs to handler. A chunk rejected as too large is halved and retried alone;
// the reduced size is kept for the rest of the scan. Below MinChunkSize the
// error is returned.
func (be *BackfillEngine) Scan(ctx context.Context, query connection.LogQuery, fromBlock, toBlock uint64, handler ChunkHandler) (*ScanResult, error) {
	if toBlock < fromBlock {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid block range",
			fmt.Sprintf("from %d > to %d", fromBlock, toBlock))
	}

	if err := be.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer be.sem.Release(1)

	id := uuid.NewString()
	result := &ScanResult{
		Addresses: append([]string(nil), query.Addresses...),
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		ChunkSize: be.config.ChunkSize,
	}
	start := time.Now()
	be.track(id, result)
	defer be.untrack(id)
	defer func() { result.Duration = time.Since(start) }()

	log := be.logger.WithFields(logrus.Fields{
		"addresses":  query.Addresses,
		"from_block": fromBlock,
		"to_block":   toBlock,
	})
	log.Debug("Starting scan")

	chunk := be.config.ChunkSize
	cursor := fromBlock
	for cursor <= toBlock {
		end := toBlock
		if toBlock-cursor >= chunk {
			end = cursor + chunk - 1
		}

		logs, err := be.fetch(ctx, query, cursor, end)
		if errors.Is(err, connection.ErrRangeTooLarge) {
			be.recordChunk("too_large", 0)
			if chunk <= be.config.MinChunkSize {
				return result, utils.WrapError(utils.ErrCodeBackfill,
					fmt.Sprintf("Chunk %d-%d rejected at minimum size %d", cursor, end, chunk), err)
			}
			chunk /= 2
			if chunk < be.config.MinChunkSize {
				chunk = be.config.MinChunkSize
			}
			result.Shrinks++
			result.ChunkSize = chunk
			be.publish(id, result, start)
			if be.metricsManager != nil {
				be.metricsManager.GetPrometheusMetrics().RecordChunkShrink()
			}
			log.WithFields(logrus.Fields{"chunk_size": chunk, "block": cursor}).Warn("Block range too large, halving chunk")
			continue
		}
		if err != nil {
			be.recordChunk("error", 0)
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			return result, utils.WrapError(utils.ErrCodeBackfill,
				fmt.Sprintf("Failed to fetch logs %d-%d", cursor, end), err)
		}

		if err := handler(ctx, cursor, end, logs); err != nil {
			be.recordChunk("error", 0)
			return result, utils.WrapError(utils.ErrCodeBackfill,
				fmt.Sprintf("Failed to handle logs %d-%d", cursor, end), err)
		}
		be.recordChunk("success", end-cursor+1)
		result.Chunks++
		result.Logs += len(logs)
		be.publish(id, result, start)

		if end == toBlock {
			break
		}
		cursor = end + 1

		if err := sleep(ctx, be.config.ChunkDelay); err != nil {
			return result, err
		}
	}
	return result, nil
}

// fetch gets one chunk, backing off exponentially on rate limits
func (be *BackfillEngine) fetch(ctx context.Context, query connection.LogQuery, from, to uint64) ([]types.Log, error) {
	query.FromBlock = from
	query.ToBlock = to

	delay := be.config.RetryDelay
	var lastErr error
	for attempt := 0; attempt < be.config.RetryAttempts; attempt++ {
		logs, err := be.client.GetLogs(ctx, query)
		if err == nil {
			return logs, nil
		}
		if !connection.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		be.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"delay":   delay,
		}).Warn("Log query throttled, backing off")
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
	return nil, lastErr
}

// ActiveScans returns snapshots of the scans in progress keyed by scan id
func (be *BackfillEngine) ActiveScans() map[string]ScanResult {
	be.mu.RLock()
	defer be.mu.RUnlock()
	out := make(map[string]ScanResult, len(be.active))
	for id, scan := range be.active {
		out[id] = scan
	}
	return out
}

func (be *BackfillEngine) track(id string, result *ScanResult) {
	be.mu.Lock()
	be.active[id] = *result
	be.mu.Unlock()
	if be.metricsManager != nil {
		be.metricsManager.GetPrometheusMetrics().BackfillsActive.Inc()
	}
}

// publish replaces the snapshot of scan id; the scan owns result
func (be *BackfillEngine) publish(id string, result *ScanResult, start time.Time) {
	snapshot := *result
	snapshot.Duration = time.Since(start)
	be.mu.Lock()
	if _, ok := be.active[id]; ok {
		be.active[id] = snapshot
	}
	be.mu.Unlock()
}

func (be *BackfillEngine) untrack(id string) {
	be.mu.Lock()
	delete(be.active, id)
	be.mu.Unlock()
	if be.metricsManager != nil {
		be.metricsManager.GetPrometheusMetrics().BackfillsActive.Dec()
	}
}

func (be *BackfillEngine) recordChunk(status string, blocks uint64) {
	if be.metricsManager != nil {
		be.metricsManager.GetPrometheusMetrics().RecordBackfillChunk(status, blocks)
	}
}

// sleep waits for d unless ctx ends first
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
