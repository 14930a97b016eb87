package connection

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/smartdevs17/token-indexer/internal/config"
	"github.com/smartdevs17/token-indexer/internal/metrics"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// LogQuery selects logs by emitting addresses, topic0 values and an inclusive block range.
// ToBlock is ignored by Subscribe, which follows the chain head from FromBlock.
type LogQuery struct {
	Addresses []string
	Topics    []common.Hash
	FromBlock uint64
	ToBlock   uint64
}

// LogBatch is a block range fully scanned by a subscription, with the logs found in it.
type LogBatch struct {
	FromBlock uint64
	ToBlock   uint64
	Logs      []types.Log
}

// LogBatchHandler consumes one batch. Returning an error keeps the subscription
// cursor in place so the same range is delivered again.
type LogBatchHandler func(ctx context.Context, batch LogBatch) error

// ErrorHandler observes subscription errors. Errors matching IsSubscriptionBroken
// are delivered once, right before the subscription terminates.
type ErrorHandler func(err error)

// Subscription is a live log feed
type Subscription interface {
	// Unsubscribe stops the feed and waits for in-flight delivery to return. Safe to call twice.
	Unsubscribe()
	// Done is closed once the feed has terminated for any reason.
	Done() <-chan struct{}
	// Err returns the terminal error, or nil after a clean Unsubscribe.
	Err() error
}

// ChainClient is everything the indexer needs from a chain node
type ChainClient interface {
	CurrentBlockHeight(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, query LogQuery) ([]types.Log, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
	Subscribe(ctx context.Context, query LogQuery, onBatch LogBatchHandler, onError ErrorHandler) (Subscription, error)
	ReadContractState(ctx context.Context, address string, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error)
}

// RPCClient implements ChainClient over JSON-RPC
type RPCClient struct {
	manager        *ConnectionManager
	config         *config.ChainConfig
	limiter        *rate.Limiter
	pollInterval   time.Duration
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	wsMu     sync.Mutex
	wsClient *ethclient.Client
}

// NewRPCClient creates a new chain client
func NewRPCClient(cfg *config.ChainConfig, pollInterval time.Duration, metricsManager *metrics.Manager) *RPCClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if pollInterval <= 0 {
		pollInterval = 4 * time.Second
	}

	return &RPCClient{
		manager:        NewConnectionManager(cfg, metricsManager),
		config:         cfg,
		limiter:        rate.NewLimiter(rate.Limit(rps), burst),
		pollInterval:   pollInterval,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("chain_client"),
	}
}

// Manager exposes the underlying connection manager
func (rc *RPCClient) Manager() *ConnectionManager {
	return rc.manager
}

// CurrentBlockHeight returns the latest block number
func (rc *RPCClient) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := rc.call(ctx, "eth_blockNumber", func(client *ethclient.Client) error {
		var err error
		height, err = client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	rc.manager.RecordLatestBlock(height)
	if rc.metricsManager != nil {
		rc.metricsManager.GetPrometheusMetrics().UpdateLatestChainBlock(height)
	}
	return height, nil
}

// GetLogs fetches logs for an inclusive block range
func (rc *RPCClient) GetLogs(ctx context.Context, query LogQuery) ([]types.Log, error) {
	if query.ToBlock < query.FromBlock {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid block range",
			fmt.Sprintf("from %d > to %d", query.FromBlock, query.ToBlock))
	}
	if rc.config.MaxBlockRange > 0 && query.ToBlock-query.FromBlock+1 > rc.config.MaxBlockRange {
		return nil, fmt.Errorf("%w: span %d exceeds configured maximum %d",
			ErrRangeTooLarge, query.ToBlock-query.FromBlock+1, rc.config.MaxBlockRange)
	}

	filter := toFilterQuery(query)
	filter.ToBlock = new(big.Int).SetUint64(query.ToBlock)

	var logs []types.Log
	err := rc.call(ctx, "eth_getLogs", func(client *ethclient.Client) error {
		var err error
		logs, err = client.FilterLogs(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}

	rc.logger.WithFields(logrus.Fields{
		"from_block": query.FromBlock,
		"to_block":   query.ToBlock,
		"count":      len(logs),
	}).Debug("Filtered logs")
	return logs, nil
}

// BlockTime returns the timestamp of block number
func (rc *RPCClient) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	var header *types.Header
	err := rc.call(ctx, "eth_getBlockByNumber", func(client *ethclient.Client) error {
		var err error
		header, err = client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// Subscribe follows new logs from query.FromBlock. A websocket stream is used when
// chain.ws_url is configured, otherwise the node is polled at the configured interval.
func (rc *RPCClient) Subscribe(ctx context.Context, query LogQuery, onBatch LogBatchHandler, onError ErrorHandler) (Subscription, error) {
	if rc.config.WSURL != "" {
		client, err := rc.wsClientFor(ctx)
		if err != nil {
			rc.logger.WithError(err).Warn("Websocket unavailable, falling back to polling")
		} else {
			return newStreamSubscription(ctx, client, rc, query, onBatch, onError, func() { rc.dropWSClient(client) })
		}
	}
	return NewPollingSubscription(ctx, rc, query, PollingOptions{
		Interval: rc.pollInterval,
		MaxSpan:  rc.config.MaxBlockRange,
	}, onBatch, onError), nil
}

// ReadContractState calls a constant contract method and returns the decoded outputs
func (rc *RPCClient) ReadContractState(ctx context.Context, address string, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Failed to pack contract call", err.Error())
	}

	to := common.HexToAddress(address)
	var out []byte
	err = rc.call(ctx, "eth_call", func(client *ethclient.Client) error {
		var err error
		out, err = client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	values, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeBlockchain, "Failed to unpack contract call", err.Error())
	}
	return values, nil
}

// HealthCheck verifies the node connection
func (rc *RPCClient) HealthCheck(ctx context.Context) error {
	return rc.manager.HealthCheckWithContext(ctx)
}

// Close releases node connections
func (rc *RPCClient) Close() error {
	rc.wsMu.Lock()
	if rc.wsClient != nil {
		rc.wsClient.Close()
		rc.wsClient = nil
	}
	rc.wsMu.Unlock()
	return rc.manager.Close()
}

// call waits for a rate limiter token, runs fn against the current client and classifies its error
func (rc *RPCClient) call(ctx context.Context, method string, fn func(*ethclient.Client) error) error {
	if err := rc.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	client, err := rc.manager.GetClientWithContext(ctx)
	if err == nil {
		err = ClassifyError(fn(client))
	}

	if rc.metricsManager != nil {
		rc.metricsManager.GetPrometheusMetrics().RecordRPCRequest(method, ErrorClass(err), time.Since(start))
	}
	if err != nil && !IsRetryable(err) && !errors.Is(err, ErrRangeTooLarge) && !callerGone(ctx, err) {
		rc.manager.MarkUnhealthy()
	}
	return err
}

// callerGone reports whether err comes from the caller's context ending
// rather than from the node
func callerGone(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (rc *RPCClient) wsClientFor(ctx context.Context) (*ethclient.Client, error) {
	rc.wsMu.Lock()
	defer rc.wsMu.Unlock()

	if rc.wsClient != nil {
		return rc.wsClient, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := ethclient.DialContext(dialCtx, rc.config.WSURL)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeConnection, "Failed to dial websocket endpoint", err.Error())
	}
	rc.wsClient = client
	return client, nil
}

// dropWSClient discards the websocket client after its stream broke
func (rc *RPCClient) dropWSClient(client *ethclient.Client) {
	rc.wsMu.Lock()
	defer rc.wsMu.Unlock()
	if rc.wsClient == client {
		rc.wsClient.Close()
		rc.wsClient = nil
	}
}

func toFilterQuery(query LogQuery) ethereum.FilterQuery {
	filter := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(query.FromBlock),
	}
	for _, address := range query.Addresses {
		filter.Addresses = append(filter.Addresses, common.HexToAddress(address))
	}
	if len(query.Topics) > 0 {
		filter.Topics = [][]common.Hash{query.Topics}
	}
	return filter
}
