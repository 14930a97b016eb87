package connection_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/token-indexer/internal/connection"
	"github.com/smartdevs17/token-indexer/internal/connection/fakechain"
	"github.com/smartdevs17/token-indexer/internal/contracts"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches []connection.LogBatch
	errs    []error
	fail    error
}

func (r *batchRecorder) onBatch(ctx context.Context, batch connection.LogBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.batches = append(r.batches, batch)
	return nil
}

func (r *batchRecorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *batchRecorder) logCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b.Logs)
	}
	return n
}

func (r *batchRecorder) lastScanned() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.batches) == 0 {
		return 0
	}
	return r.batches[len(r.batches)-1].ToBlock
}

func TestPollingSubscriptionFollowsHead(t *testing.T) {
	token := fakechain.Address(0xaa)
	chain := fakechain.New(100)
	chain.AddLog(fakechain.TransferLog(token, fakechain.Address(1), fakechain.Address(2), 5, 100, fakechain.TxHash(1), 0))

	rec := &batchRecorder{}
	sub := connection.NewPollingSubscription(context.Background(), chain, connection.LogQuery{
		Addresses: []string{token},
		Topics:    []common.Hash{contracts.TransferTopic},
		FromBlock: 100,
	}, connection.PollingOptions{Interval: 5 * time.Millisecond}, rec.onBatch, rec.onError)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return rec.logCount() == 1 }, time.Second, 5*time.Millisecond)

	chain.AddLog(fakechain.TransferLog(token, fakechain.Address(2), fakechain.Address(3), 2, 105, fakechain.TxHash(2), 0))
	require.Eventually(t, func() bool { return rec.logCount() == 2 && rec.lastScanned() == 105 }, time.Second, 5*time.Millisecond)
}

func TestPollingSubscriptionCapsSpan(t *testing.T) {
	chain := fakechain.New(250)
	rec := &batchRecorder{}
	sub := connection.NewPollingSubscription(context.Background(), chain, connection.LogQuery{FromBlock: 1},
		connection.PollingOptions{Interval: time.Hour, MaxSpan: 100}, rec.onBatch, rec.onError)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return rec.lastScanned() == 250 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []fakechain.Range{{From: 1, To: 100}, {From: 101, To: 200}, {From: 201, To: 250}}, chain.Calls())
}

func TestPollingSubscriptionShrinksOnRangeError(t *testing.T) {
	chain := fakechain.New(100)
	chain.SetMaxRange(30)
	rec := &batchRecorder{}
	sub := connection.NewPollingSubscription(context.Background(), chain, connection.LogQuery{FromBlock: 1},
		connection.PollingOptions{Interval: time.Hour, MaxSpan: 100}, rec.onBatch, rec.onError)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return rec.lastScanned() == 100 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.errs)
}

func TestPollingSubscriptionTerminatesOnStaleFilter(t *testing.T) {
	chain := fakechain.New(10)
	chain.FailNext(errors.New("filter not found"))

	rec := &batchRecorder{}
	sub := connection.NewPollingSubscription(context.Background(), chain, connection.LogQuery{FromBlock: 1},
		connection.PollingOptions{Interval: 5 * time.Millisecond}, rec.onBatch, rec.onError)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not terminate")
	}
	assert.ErrorIs(t, sub.Err(), connection.ErrStaleSubscription)
	require.Len(t, rec.errs, 1)
	sub.Unsubscribe()
}

func TestPollingSubscriptionRepeatedFailuresBecomeStale(t *testing.T) {
	chain := fakechain.New(10)
	boom := errors.New("connection refused")
	chain.FailNext(boom, boom, boom)

	rec := &batchRecorder{}
	sub := connection.NewPollingSubscription(context.Background(), chain, connection.LogQuery{FromBlock: 1},
		connection.PollingOptions{Interval: time.Millisecond, MaxConsecutiveFailures: 3}, rec.onBatch, rec.onError)

	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), connection.ErrStaleSubscription)
	assert.Len(t, rec.errs, 3)
}

func TestPollingSubscriptionRedeliversAfterHandlerError(t *testing.T) {
	chain := fakechain.New(10)
	rec := &batchRecorder{fail: errors.New("database is locked")}
	sub := connection.NewPollingSubscription(context.Background(), chain, connection.LogQuery{FromBlock: 5},
		connection.PollingOptions{Interval: 5 * time.Millisecond, MaxConsecutiveFailures: 100}, rec.onBatch, rec.onError)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.errs) >= 2
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	rec.fail = nil
	rec.mu.Unlock()

	require.Eventually(t, func() bool { return rec.lastScanned() == 10 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, uint64(5), rec.batches[0].FromBlock)
	rec.mu.Unlock()
}

func TestUnsubscribeIsIdempotentAndClean(t *testing.T) {
	chain := fakechain.New(10)
	rec := &batchRecorder{}
	sub := connection.NewPollingSubscription(context.Background(), chain, connection.LogQuery{FromBlock: 1},
		connection.PollingOptions{Interval: time.Millisecond}, rec.onBatch, rec.onError)

	sub.Unsubscribe()
	sub.Unsubscribe()

	select {
	case <-sub.Done():
	default:
		t.Fatal("done not closed after unsubscribe")
	}
	assert.NoError(t, sub.Err())
}
