// Package fakechain is an in-memory connection.ChainClient for tests.
package fakechain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/smartdevs17/token-indexer/internal/connection"
	"github.com/smartdevs17/token-indexer/internal/contracts"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// GenesisTime is the timestamp of block 0; blocks follow every BlockInterval
const (
	GenesisTime   int64 = 1700000000
	BlockInterval int64 = 12
)

// Range is one GetLogs call
type Range struct {
	From uint64
	To   uint64
}

// Chain is a deterministic chain with a movable head
type Chain struct {
	mu sync.Mutex

	head     uint64
	logs     []types.Log
	maxRange uint64
	errs     []error
	calls    []Range
	headers  int
	state    map[string][]interface{}
	pollTick time.Duration

	subs []*connection.PollingSubscription
}

// New creates an empty chain at head
func New(head uint64) *Chain {
	return &Chain{
		head:     head,
		state:    make(map[string][]interface{}),
		pollTick: 5 * time.Millisecond,
	}
}

// SetHead moves the chain head
func (c *Chain) SetHead(head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = head
}

// SetMaxRange makes GetLogs fail with a provider style error for spans above max; 0 disables.
func (c *Chain) SetMaxRange(max uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxRange = max
}

// SetPollInterval changes the interval used by subscriptions created afterwards
func (c *Chain) SetPollInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollTick = d
}

// FailNext queues errors returned by the next GetLogs calls, one per call
func (c *Chain) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, errs...)
}

// AddLog appends a log. Logs are kept sorted by (block, index).
func (c *Chain) AddLog(l types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, l)
	sort.SliceStable(c.logs, func(i, j int) bool {
		if c.logs[i].BlockNumber != c.logs[j].BlockNumber {
			return c.logs[i].BlockNumber < c.logs[j].BlockNumber
		}
		return c.logs[i].Index < c.logs[j].Index
	})
	if l.BlockNumber > c.head {
		c.head = l.BlockNumber
	}
}

// SetContractState sets the outputs returned by ReadContractState for (address, method)
func (c *Chain) SetContractState(address, method string, values ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[stateKey(address, method)] = values
}

// Calls returns the GetLogs ranges requested so far
func (c *Chain) Calls() []Range {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Range, len(c.calls))
	copy(out, c.calls)
	return out
}

// ResetCalls clears the recorded GetLogs ranges
func (c *Chain) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// CurrentBlockHeight implements connection.ChainClient
func (c *Chain) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

// BlockTime implements connection.ChainClient
func (c *Chain) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if number > c.head {
		return time.Time{}, fmt.Errorf("block %d not found", number)
	}
	c.headers++
	return BlockTimeOf(number), nil
}

// BlockTimeOf is the timestamp the chain reports for block number
func BlockTimeOf(number uint64) time.Time {
	return time.Unix(GenesisTime+int64(number)*BlockInterval, 0).UTC()
}

// HeaderRequests counts BlockTime calls
func (c *Chain) HeaderRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers
}

// GetLogs implements connection.ChainClient
func (c *Chain) GetLogs(ctx context.Context, query connection.LogQuery) ([]types.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, Range{From: query.FromBlock, To: query.ToBlock})

	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return nil, connection.ClassifyError(err)
	}
	if query.ToBlock < query.FromBlock {
		return nil, fmt.Errorf("invalid range %d-%d", query.FromBlock, query.ToBlock)
	}
	if c.maxRange > 0 && query.ToBlock-query.FromBlock+1 > c.maxRange {
		return nil, connection.ClassifyError(
			fmt.Errorf("query returned more than 10000 results, block range %d exceeds %d",
				query.ToBlock-query.FromBlock+1, c.maxRange))
	}

	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber < query.FromBlock || l.BlockNumber > query.ToBlock {
			continue
		}
		if !matchAddress(l.Address, query.Addresses) || !matchTopic(l, query.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// Subscribe implements connection.ChainClient with a fast poller
func (c *Chain) Subscribe(ctx context.Context, query connection.LogQuery, onBatch connection.LogBatchHandler, onError connection.ErrorHandler) (connection.Subscription, error) {
	c.mu.Lock()
	tick := c.pollTick
	c.mu.Unlock()

	sub := connection.NewPollingSubscription(ctx, c, query, connection.PollingOptions{
		Interval:               tick,
		MaxConsecutiveFailures: 3,
	}, onBatch, onError)

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

// ActiveSubscriptions counts subscriptions that have not terminated
func (c *Chain) ActiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, sub := range c.subs {
		select {
		case <-sub.Done():
		default:
			n++
		}
	}
	return n
}

// ReadContractState implements connection.ChainClient
func (c *Chain) ReadContractState(ctx context.Context, address string, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	if _, ok := contractABI.Methods[method]; !ok {
		return nil, fmt.Errorf("method %s not in abi", method)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	values, ok := c.state[stateKey(address, method)]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return values, nil
}

func stateKey(address, method string) string {
	return utils.NormalizeAddress(address) + "/" + method
}

func matchAddress(addr common.Address, addresses []string) bool {
	if len(addresses) == 0 {
		return true
	}
	for _, a := range addresses {
		if strings.EqualFold(a, addr.Hex()) {
			return true
		}
	}
	return false
}

func matchTopic(l types.Log, topics []common.Hash) bool {
	if len(topics) == 0 {
		return true
	}
	if len(l.Topics) == 0 {
		return false
	}
	for _, t := range topics {
		if l.Topics[0] == t {
			return true
		}
	}
	return false
}

// TransferLog builds an ERC-20 Transfer log
func TransferLog(token, from, to string, value int64, block uint64, txHash string, index uint) types.Log {
	return TransferLogBig(token, from, to, big.NewInt(value), block, txHash, index)
}

// TransferLogBig builds an ERC-20 Transfer log with an arbitrary precision value
func TransferLogBig(token, from, to string, value *big.Int, block uint64, txHash string, index uint) types.Log {
	return types.Log{
		Address: common.HexToAddress(token),
		Topics: []common.Hash{
			contracts.TransferTopic,
			common.BytesToHash(common.HexToAddress(from).Bytes()),
			common.BytesToHash(common.HexToAddress(to).Bytes()),
		},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.HexToHash(txHash),
		Index:       index,
	}
}

// Address returns a deterministic address for n
func Address(n int64) string {
	return utils.NormalizeAddress(common.BigToAddress(big.NewInt(n)).Hex())
}

// TxHash returns a deterministic transaction hash for n
func TxHash(n int64) string {
	return common.BigToHash(big.NewInt(n)).Hex()
}

// TokenCreatedLog builds a factory deployment log
func TokenCreatedLog(factory, token, creator string, intentID int64, name, symbol string, block uint64, txHash string, index uint) types.Log {
	l, err := contracts.EncodeTokenCreated(common.HexToAddress(factory), common.HexToAddress(token),
		common.HexToAddress(creator), big.NewInt(intentID), name, symbol)
	if err != nil {
		panic(err)
	}
	l.BlockNumber = block
	l.TxHash = common.HexToHash(txHash)
	l.Index = index
	return l
}
