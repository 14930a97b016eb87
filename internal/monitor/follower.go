package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/token-indexer/internal/connection"
	"github.com/smartdevs17/token-indexer/internal/metrics"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// WatchState is the lifecycle state of a followed contract
type WatchState string

const (
	StateUnwatched   WatchState = "unwatched"
	StateBackfilling WatchState = "backfilling"
	StateWatching    WatchState = "watching"
	StateError       WatchState = "error"
)

// followSpec describes one log stream to keep up to date
type followSpec struct {
	name  string
	query connection.LogQuery
	// startBlock is where the first scan begins when nothing was scanned yet.
	startBlock func(ctx context.Context, head uint64) uint64
	// backfill handles catch-up chunks, live handles subscription batches.
	backfill ChunkHandler
	live     ChunkHandler
}

// follower runs backfill, then subscribe, and heals broken subscriptions by
// catching up from the last scanned block before subscribing again
type follower struct {
	spec           followSpec
	client         connection.ChainClient
	engine         *BackfillEngine
	grace          time.Duration
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.RWMutex
	state       WatchState
	lastScanned uint64
	lastError   string
	restarts    int
	since       time.Time
}

func newFollower(spec followSpec, client connection.ChainClient, engine *BackfillEngine, grace time.Duration, lastScanned uint64, metricsManager *metrics.Manager) *follower {
	return &follower{
		spec:           spec,
		client:         client,
		engine:         engine,
		grace:          grace,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("watcher").WithField("target", spec.name),
		state:          StateUnwatched,
		lastScanned:    lastScanned,
		since:          time.Now(),
	}
}

// start launches the follow loop under ctx
func (f *follower) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.done = make(chan struct{})
	f.mu.Unlock()
	go f.run(ctx)
}

// stop cancels the loop and waits for it, including any in-flight delivery
func (f *follower) stop() {
	f.mu.RLock()
	cancel, done := f.cancel, f.done
	f.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	f.setState(StateUnwatched, nil)
}

// alive reports whether the loop is running and not failed
func (f *follower) alive() bool {
	f.mu.RLock()
	done, state := f.done, f.state
	f.mu.RUnlock()
	if done == nil || state == StateError {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (f *follower) run(ctx context.Context) {
	defer close(f.done)

	for {
		err := f.catchUp(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			f.setState(StateError, err)
			f.logger.WithError(err).Error("Catch-up failed")
			return
		}

		sub, err := f.client.Subscribe(ctx, f.liveQuery(), f.handleBatch, f.onSubscriptionError)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.setState(StateError, err)
			f.logger.WithError(err).Error("Subscribe failed")
			return
		}
		f.setState(StateWatching, nil)
		f.logger.WithField("from_block", f.liveQuery().FromBlock).Info("Watching for new logs")

		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		case <-sub.Done():
		}
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return
		}

		reason := connection.ErrorClass(sub.Err())
		f.mu.Lock()
		f.restarts++
		if sub.Err() != nil {
			f.lastError = sub.Err().Error()
		}
		f.mu.Unlock()
		if f.metricsManager != nil {
			f.metricsManager.GetPrometheusMetrics().RecordWatcherRestart(reason)
		}
		f.logger.WithError(sub.Err()).WithField("reason", reason).Warn("Subscription lost, resubscribing after catch-up")

		if err := sleep(ctx, f.grace); err != nil {
			return
		}
	}
}

// catchUp scans from the resume block to the head
func (f *follower) catchUp(ctx context.Context) error {
	f.setState(StateBackfilling, nil)
	head, err := f.client.CurrentBlockHeight(ctx)
	if err != nil {
		return err
	}
	from := f.resumeBlock(ctx, head)
	if from > head {
		f.mu.Lock()
		if from > 0 && from-1 > f.lastScanned {
			f.lastScanned = from - 1
		}
		f.mu.Unlock()
		return nil
	}
	_, err = f.engine.Scan(ctx, f.spec.query, from, head, f.track(f.spec.backfill))
	return err
}

// resumeBlock re-scans the last scanned block since a stream may have
// delivered only part of it
func (f *follower) resumeBlock(ctx context.Context, head uint64) uint64 {
	f.mu.RLock()
	last := f.lastScanned
	f.mu.RUnlock()
	if last > 0 {
		return last
	}
	return f.spec.startBlock(ctx, head)
}

func (f *follower) liveQuery() connection.LogQuery {
	q := f.spec.query
	f.mu.RLock()
	q.FromBlock = f.lastScanned + 1
	f.mu.RUnlock()
	return q
}

func (f *follower) handleBatch(ctx context.Context, batch connection.LogBatch) error {
	return f.track(f.spec.live)(ctx, batch.FromBlock, batch.ToBlock, batch.Logs)
}

// track wraps a handler so the scan cursor follows successful chunks
func (f *follower) track(handler ChunkHandler) ChunkHandler {
	return func(ctx context.Context, fromBlock, toBlock uint64, logs []types.Log) error {
		if err := handler(ctx, fromBlock, toBlock, logs); err != nil {
			return err
		}
		f.mu.Lock()
		if toBlock > f.lastScanned {
			f.lastScanned = toBlock
		}
		f.mu.Unlock()
		return nil
	}
}

func (f *follower) onSubscriptionError(err error) {
	if connection.IsSubscriptionBroken(err) {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	f.logger.WithError(err).Warn("Subscription error")
}

func (f *follower) setState(state WatchState, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != state {
		f.since = time.Now()
	}
	f.state = state
	if err != nil {
		f.lastError = err.Error()
	} else if state == StateWatching {
		f.lastError = ""
	}
}

// FollowStatus is a snapshot of a followed contract
type FollowStatus struct {
	Address          string     `json:"address"`
	State            WatchState `json:"state"`
	LastScannedBlock uint64     `json:"last_scanned_block"`
	LastError        string     `json:"last_error,omitempty"`
	Restarts         int        `json:"restarts"`
	Since            time.Time  `json:"since"`
}

func (f *follower) status(address string) FollowStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return FollowStatus{
		Address:          address,
		State:            f.state,
		LastScannedBlock: f.lastScanned,
		LastError:        f.lastError,
		Restarts:         f.restarts,
		Since:            f.since,
	}
}
