package processor_test

import (
	"context"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/token-indexer/internal/connection/fakechain"
	"github.com/smartdevs17/token-indexer/internal/metrics"
	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/internal/processor"
	"github.com/smartdevs17/token-indexer/internal/storage/storagetest"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

var token = fakechain.Address(0xA1)

func transfer(from, to string, value int64, n int64, index uint) *models.TokenEvent {
	return &models.TokenEvent{
		TokenAddress: token,
		From:         from,
		To:           to,
		Value:        big.NewInt(value),
		BlockNumber:  uint64(n),
		TxHash:       fakechain.TxHash(n),
		LogIndex:     index,
		Timestamp:    time.Now().UTC(),
		Source:       models.SourceBackfill,
	}
}

func TestMaterializerIdempotent(t *testing.T) {
	store := storagetest.NewSQLite(t)
	m := processor.NewMaterializer(store, metrics.NewManager())
	ctx := context.Background()
	holder := fakechain.Address(1)

	out, err := m.ApplyTransfer(ctx, transfer(utils.ZeroAddress, holder, 100, 1, 0))
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, "100", out.Balances[holder].String())

	for i := 0; i < 3; i++ {
		out, err = m.ApplyTransfer(ctx, transfer(utils.ZeroAddress, holder, 100, 1, 0))
		require.NoError(t, err)
		assert.False(t, out.Applied)
	}

	balances, err := store.GetBalances(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "100", balances[holder].String())

	stats := m.GetStats()
	assert.Equal(t, uint64(1), stats.Applied)
	assert.Equal(t, uint64(3), stats.Duplicates)
}

func TestMaterializerSelfTransferIsRecorded(t *testing.T) {
	store := storagetest.NewSQLite(t)
	m := processor.NewMaterializer(store, nil)
	ctx := context.Background()
	holder := fakechain.Address(1)

	_, err := m.ApplyTransfer(ctx, transfer(utils.ZeroAddress, holder, 50, 1, 0))
	require.NoError(t, err)
	out, err := m.ApplyTransfer(ctx, transfer(holder, holder, 20, 2, 0))
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Empty(t, out.Balances)

	count, err := store.GetEventCount(ctx, models.EventFilter{TokenAddress: token})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	supply, err := store.GetTotalSupply(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "50", supply.String())
}

func TestMaterializerDropsZeroToZero(t *testing.T) {
	store := storagetest.NewSQLite(t)
	m := processor.NewMaterializer(store, nil)
	ctx := context.Background()

	out, err := m.ApplyTransfer(ctx, transfer(utils.ZeroAddress, utils.ZeroAddress, 5, 1, 0))
	require.NoError(t, err)
	assert.False(t, out.Applied)

	count, err := store.GetEventCount(ctx, models.EventFilter{TokenAddress: token})
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, uint64(1), m.GetStats().Dropped)
}

func TestMaterializerClampsOverdraft(t *testing.T) {
	store := storagetest.NewSQLite(t)
	m := processor.NewMaterializer(store, metrics.NewManager())
	ctx := context.Background()
	a, b := fakechain.Address(1), fakechain.Address(2)

	_, err := m.ApplyTransfer(ctx, transfer(utils.ZeroAddress, a, 10, 1, 0))
	require.NoError(t, err)
	out, err := m.ApplyTransfer(ctx, transfer(a, b, 25, 2, 0))
	require.NoError(t, err)
	assert.True(t, out.Applied)
	require.Len(t, out.Inconsistencies, 1)

	balances, err := store.GetBalances(ctx, token)
	require.NoError(t, err)
	_, hasA := balances[a]
	assert.False(t, hasA)
	assert.Equal(t, "25", balances[b].String())

	logs, err := store.GetLogsByType(ctx, models.LogTypeBalanceInconsistency, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, a, logs[0].Data["holder"])
	assert.Equal(t, uint64(1), m.GetStats().Inconsistencies)
}

func TestMaterializerRejectsInvalidTransfer(t *testing.T) {
	store := storagetest.NewSQLite(t)
	m := processor.NewMaterializer(store, nil)

	event := transfer(utils.ZeroAddress, "not-an-address", 1, 1, 0)
	_, err := m.ApplyTransfer(context.Background(), event)
	require.Error(t, err)
	assert.Equal(t, utils.ErrCodeValidation, utils.ErrorCode(err))
}

// Conservation: with no overdrafts, the holder sum equals mints minus burns,
// and replaying the whole history in shuffled order twice changes nothing.
func TestMaterializerConservation(t *testing.T) {
	store := storagetest.NewSQLite(t)
	m := processor.NewMaterializer(store, nil)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	holders := []string{fakechain.Address(1), fakechain.Address(2), fakechain.Address(3), fakechain.Address(4)}
	ledger := map[string]int64{}
	var history []*models.TokenEvent
	minted, burned := int64(0), int64(0)

	for n := int64(1); n <= 120; n++ {
		var event *models.TokenEvent
		switch op := rng.Intn(4); {
		case op == 0 || len(ledger) == 0:
			to := holders[rng.Intn(len(holders))]
			v := int64(rng.Intn(1000) + 1)
			event = transfer(utils.ZeroAddress, to, v, n, 0)
			ledger[to] += v
			minted += v
		default:
			from := holders[rng.Intn(len(holders))]
			if ledger[from] == 0 {
				continue
			}
			v := rng.Int63n(ledger[from]) + 1
			if op == 1 {
				event = transfer(from, utils.ZeroAddress, v, n, 0)
				burned += v
			} else {
				to := holders[rng.Intn(len(holders))]
				event = transfer(from, to, v, n, 0)
				ledger[to] += v
			}
			ledger[from] -= v
			if ledger[from] == 0 {
				delete(ledger, from)
			}
		}
		out, err := m.ApplyTransfer(ctx, event)
		require.NoError(t, err)
		require.True(t, out.Applied)
		require.Empty(t, out.Inconsistencies)
		history = append(history, event)
	}

	for round := 0; round < 2; round++ {
		rng.Shuffle(len(history), func(i, j int) { history[i], history[j] = history[j], history[i] })
		for _, event := range history {
			out, err := m.ApplyTransfer(ctx, event)
			require.NoError(t, err)
			require.False(t, out.Applied)
		}
	}

	supply, err := store.GetTotalSupply(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(minted-burned).String(), supply.String())

	balances, err := store.GetBalances(ctx, token)
	require.NoError(t, err)
	assert.Len(t, balances, len(ledger))
	for holder, v := range ledger {
		assert.Equal(t, big.NewInt(v).String(), balances[holder].String(), holder)
	}
}

func TestMaterializerNotifiesObservers(t *testing.T) {
	store := storagetest.NewSQLite(t)
	m := processor.NewMaterializer(store, nil)
	ctx := context.Background()
	holder := fakechain.Address(1)

	var seen []string
	m.AddObserver(func(event *models.TokenEvent, outcome *processor.ApplyOutcome) {
		seen = append(seen, event.TxHash+"="+outcome.Balances[holder].String())
	})

	_, err := m.ApplyTransfer(ctx, transfer(utils.ZeroAddress, holder, 9, 1, 0))
	require.NoError(t, err)
	_, err = m.ApplyTransfer(ctx, transfer(utils.ZeroAddress, holder, 9, 1, 0))
	require.NoError(t, err)

	assert.Equal(t, []string{fakechain.TxHash(1) + "=9"}, seen)
}
