package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/token-indexer/pkg/utils"
)

const (
	defaultPollSpan        uint64 = 1000
	defaultMaxPollFailures        = 5
)

// LogSource is the read side of a chain client
type LogSource interface {
	CurrentBlockHeight(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, query LogQuery) ([]types.Log, error)
}

// PollingOptions tunes a polling subscription
type PollingOptions struct {
	Interval time.Duration
	// MaxSpan caps the blocks fetched per poll; 0 means 1000.
	MaxSpan uint64
	// MaxConsecutiveFailures turns repeated poll errors into ErrStaleSubscription; 0 means 5.
	MaxConsecutiveFailures int
}

// subscriptionBase holds the termination bookkeeping shared by both feed kinds
type subscriptionBase struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	onError  ErrorHandler
	logger   *logrus.Entry

	mu  sync.Mutex
	err error
}

func (s *subscriptionBase) Unsubscribe() {
	s.stopOnce.Do(s.cancel)
	<-s.done
}

func (s *subscriptionBase) Done() <-chan struct{} {
	return s.done
}

func (s *subscriptionBase) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail records the terminal error and reports it once
func (s *subscriptionBase) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.notify(err)
}

func (s *subscriptionBase) notify(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

// PollingSubscription follows the chain head by repeatedly querying logs
type PollingSubscription struct {
	subscriptionBase
	source  LogSource
	query   LogQuery
	opts    PollingOptions
	onBatch LogBatchHandler
}

// NewPollingSubscription starts a poller at query.FromBlock
func NewPollingSubscription(ctx context.Context, source LogSource, query LogQuery, opts PollingOptions, onBatch LogBatchHandler, onError ErrorHandler) *PollingSubscription {
	if opts.Interval <= 0 {
		opts.Interval = 4 * time.Second
	}
	if opts.MaxSpan == 0 {
		opts.MaxSpan = defaultPollSpan
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = defaultMaxPollFailures
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &PollingSubscription{
		subscriptionBase: subscriptionBase{
			cancel:  cancel,
			done:    make(chan struct{}),
			onError: onError,
			logger:  utils.ComponentLogger("poller").WithField("addresses", query.Addresses),
		},
		source:  source,
		query:   query,
		opts:    opts,
		onBatch: onBatch,
	}
	go s.run(ctx)
	return s
}

func (s *PollingSubscription) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	cursor := s.query.FromBlock
	span := s.opts.MaxSpan
	failures := 0

	for {
		next, more, err := s.poll(ctx, cursor, span)
		switch {
		case ctx.Err() != nil:
			return
		case err == nil:
			failures = 0
			cursor = next
		case IsSubscriptionBroken(err):
			s.fail(err)
			return
		case errors.Is(err, ErrRangeTooLarge) && span > 1:
			span /= 2
			s.logger.WithFields(logrus.Fields{"span": span}).Warn("Poll range too large, reducing span")
			more = true
		default:
			failures++
			if failures >= s.opts.MaxConsecutiveFailures {
				s.fail(fmt.Errorf("%w: %d consecutive poll failures: %v", ErrStaleSubscription, failures, err))
				return
			}
			s.notify(err)
		}

		if more {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll scans at most span blocks from cursor. more is true when the head is further ahead.
func (s *PollingSubscription) poll(ctx context.Context, cursor, span uint64) (next uint64, more bool, err error) {
	head, err := s.source.CurrentBlockHeight(ctx)
	if err != nil {
		return cursor, false, err
	}
	if head < cursor {
		return cursor, false, nil
	}

	to := head
	if to-cursor+1 > span {
		to = cursor + span - 1
	}

	query := s.query
	query.FromBlock = cursor
	query.ToBlock = to
	logs, err := s.source.GetLogs(ctx, query)
	if err != nil {
		return cursor, false, err
	}

	if err := s.onBatch(ctx, LogBatch{FromBlock: cursor, ToBlock: to, Logs: logs}); err != nil {
		return cursor, false, fmt.Errorf("handle blocks %d-%d: %w", cursor, to, err)
	}
	return to + 1, to < head, nil
}

// streamSubscription follows logs pushed over a websocket eth_subscribe stream
type streamSubscription struct {
	subscriptionBase
	onBatch LogBatchHandler
	release func()
}

// newStreamSubscription subscribes to new logs and first fills the gap between
// query.FromBlock and the head through source. Logs arriving during the gap fill
// are buffered and may overlap it.
func newStreamSubscription(ctx context.Context, client *ethclient.Client, source LogSource, query LogQuery, onBatch LogBatchHandler, onError ErrorHandler, release func()) (Subscription, error) {
	filter := toFilterQuery(query)
	filter.FromBlock = nil

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan types.Log, 256)
	sub, err := client.SubscribeFilterLogs(ctx, filter, ch)
	if err != nil {
		cancel()
		return nil, ClassifyError(err)
	}

	s := &streamSubscription{
		subscriptionBase: subscriptionBase{
			cancel:  cancel,
			done:    make(chan struct{}),
			onError: onError,
			logger:  utils.ComponentLogger("stream").WithField("addresses", query.Addresses),
		},
		onBatch: onBatch,
		release: release,
	}
	go s.run(ctx, sub, ch, source, query)
	return s, nil
}

type ethSubscription interface {
	Unsubscribe()
	Err() <-chan error
}

func (s *streamSubscription) run(ctx context.Context, sub ethSubscription, ch <-chan types.Log, source LogSource, query LogQuery) {
	defer close(s.done)
	defer sub.Unsubscribe()

	if err := s.fillGap(ctx, source, query); err != nil {
		if ctx.Err() == nil {
			s.fail(fmt.Errorf("%w: gap fill: %v", ErrSubscriptionClosed, err))
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err == nil {
				err = ErrSubscriptionClosed
			}
			err = ClassifyError(err)
			if !IsSubscriptionBroken(err) {
				err = fmt.Errorf("%w: %v", ErrSubscriptionClosed, err)
			}
			if s.release != nil {
				s.release()
			}
			s.fail(err)
			return
		case l := <-ch:
			if l.Removed {
				s.logger.WithFields(logrus.Fields{
					"tx_hash":   l.TxHash.Hex(),
					"log_index": l.Index,
				}).Warn("Ignoring removed log")
				continue
			}
			batch := LogBatch{FromBlock: l.BlockNumber, ToBlock: l.BlockNumber, Logs: []types.Log{l}}
			if err := s.onBatch(ctx, batch); err != nil {
				if ctx.Err() != nil {
					return
				}
				// The log cannot be redelivered by the stream; terminate so the owner backfills it.
				s.fail(fmt.Errorf("%w: handler failed at block %d: %v", ErrSubscriptionClosed, l.BlockNumber, err))
				return
			}
		}
	}
}

func (s *streamSubscription) fillGap(ctx context.Context, source LogSource, query LogQuery) error {
	head, err := source.CurrentBlockHeight(ctx)
	if err != nil {
		return err
	}
	if head < query.FromBlock {
		return nil
	}
	query.ToBlock = head
	logs, err := source.GetLogs(ctx, query)
	if err != nil {
		return err
	}
	return s.onBatch(ctx, LogBatch{FromBlock: query.FromBlock, ToBlock: head, Logs: logs})
}
