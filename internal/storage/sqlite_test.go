package storage_test

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/internal/storage"
	"github.com/smartdevs17/token-indexer/internal/storage/storagetest"
)

const (
	token  = "0x00000000000000000000000000000000000000a1"
	holder = "0x00000000000000000000000000000000000000b1"
	other  = "0x00000000000000000000000000000000000000b2"
	zero   = "0x0000000000000000000000000000000000000000"
)

func transfer(from, to string, value int64, block uint64, tx string, idx uint) *models.TokenEvent {
	return &models.TokenEvent{
		TokenAddress: token,
		From:         from,
		To:           to,
		Value:        big.NewInt(value),
		BlockNumber:  block,
		TxHash:       tx,
		LogIndex:     idx,
		Timestamp:    time.Now().UTC(),
		Source:       models.SourceBackfill,
	}
}

// credit adds value to the recipient and removes it from the sender
func credit(event *models.TokenEvent) storage.BalanceTransition {
	return func(current map[string]*big.Int) map[string]*big.Int {
		next := map[string]*big.Int{}
		if event.From != zero {
			v := new(big.Int)
			if c, ok := current[event.From]; ok {
				v.Set(c)
			}
			next[event.From] = v.Sub(v, event.Value)
		}
		if event.To != zero {
			v := new(big.Int)
			if c, ok := next[event.To]; ok {
				v.Set(c)
			} else if c, ok := current[event.To]; ok {
				v.Set(c)
			}
			next[event.To] = v.Add(v, event.Value)
		}
		return next
	}
}

func TestApplyTransferIdempotent(t *testing.T) {
	store := storagetest.NewSQLite(t)
	ctx := context.Background()

	mint := transfer(zero, holder, 100, 10, "0x01", 0)
	res, err := store.ApplyTransfer(ctx, mint, credit(mint))
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.Empty(t, res.Before)
	assert.Equal(t, "100", res.After[holder].String())

	res, err = store.ApplyTransfer(ctx, mint, credit(mint))
	require.NoError(t, err)
	assert.False(t, res.Inserted)

	balances, err := store.GetBalances(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, map[string]*big.Int{holder: big.NewInt(100)}, balances)

	count, err := store.GetEventCount(ctx, models.EventFilter{TokenAddress: token})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestApplyTransferDeletesZeroBalance(t *testing.T) {
	store := storagetest.NewSQLite(t)
	ctx := context.Background()

	mint := transfer(zero, holder, 50, 10, "0x01", 0)
	_, err := store.ApplyTransfer(ctx, mint, credit(mint))
	require.NoError(t, err)

	move := transfer(holder, other, 50, 11, "0x02", 0)
	res, err := store.ApplyTransfer(ctx, move, credit(move))
	require.NoError(t, err)
	assert.Equal(t, "50", res.Before[holder].String())

	balances, err := store.GetBalances(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, map[string]*big.Int{other: big.NewInt(50)}, balances)

	count, err := store.GetHolderCount(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestApplyTransferConcurrentCredits(t *testing.T) {
	store := storagetest.NewSQLite(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := transfer(zero, holder, 5, uint64(i), fmt.Sprintf("0x%02x", i), 0)
			_, err := store.ApplyTransfer(ctx, e, credit(e))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	supply, err := store.GetTotalSupply(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "100", supply.String())
}

func TestGetHoldersNumericOrdering(t *testing.T) {
	store := storagetest.NewSQLite(t)
	ctx := context.Background()

	huge, _ := new(big.Int).SetString("1000000000000000000000000", 10)
	values := map[string]*big.Int{
		"0x00000000000000000000000000000000000000c1": big.NewInt(9),
		"0x00000000000000000000000000000000000000c2": big.NewInt(10),
		"0x00000000000000000000000000000000000000c3": huge,
	}
	i := 0
	for addr, v := range values {
		e := &models.TokenEvent{TokenAddress: token, From: zero, To: addr, Value: v,
			BlockNumber: uint64(i), TxHash: fmt.Sprintf("0x%d", i), Timestamp: time.Now()}
		_, err := store.ApplyTransfer(ctx, e, credit(e))
		require.NoError(t, err)
		i++
	}

	desc, err := store.GetHolders(ctx, token, 10, 0, models.SortBalanceDesc)
	require.NoError(t, err)
	require.Len(t, desc, 3)
	assert.Equal(t, huge.String(), desc[0].Balance.String())
	assert.Equal(t, "10", desc[1].Balance.String())
	assert.Equal(t, "9", desc[2].Balance.String())

	asc, err := store.GetHolders(ctx, token, 2, 1, models.SortBalanceAsc)
	require.NoError(t, err)
	require.Len(t, asc, 2)
	assert.Equal(t, "10", asc[0].Balance.String())

	supply, err := store.GetTotalSupply(ctx, token)
	require.NoError(t, err)
	expected := new(big.Int).Add(huge, big.NewInt(19))
	assert.Equal(t, expected.String(), supply.String())
}

func TestGetEventsFilter(t *testing.T) {
	store := storagetest.NewSQLite(t)
	ctx := context.Background()

	for i, e := range []*models.TokenEvent{
		transfer(zero, holder, 10, 5, "0x01", 0),
		transfer(holder, other, 3, 6, "0x02", 0),
		transfer(holder, other, 1, 6, "0x02", 1),
		transfer(zero, other, 7, 9, "0x03", 0),
	} {
		_, err := store.ApplyTransfer(ctx, e, credit(e))
		require.NoError(t, err, "event %d", i)
	}

	all, err := store.GetEvents(ctx, models.EventFilter{TokenAddress: token})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, uint64(9), all[0].BlockNumber)
	assert.Equal(t, uint(1), all[1].LogIndex)
	assert.Equal(t, models.SourceBackfill, all[0].Source)

	from := uint64(6)
	to := uint64(6)
	ranged, err := store.GetEvents(ctx, models.EventFilter{TokenAddress: token, FromBlock: &from, ToBlock: &to})
	require.NoError(t, err)
	assert.Len(t, ranged, 2)

	count, err := store.GetEventCount(ctx, models.EventFilter{TokenAddress: token, Holder: holder})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	page, err := store.GetEvents(ctx, models.EventFilter{TokenAddress: token, Limit: 1, Offset: 3})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, uint64(5), page[0].BlockNumber)
}

func TestTokenLifecycle(t *testing.T) {
	store := storagetest.NewSQLite(t)
	ctx := context.Background()

	require.NoError(t, store.SaveToken(ctx, &models.Token{
		IntentID: "42", Name: "Agent", Symbol: "AGT", Status: models.TokenStatusPending,
	}))

	pending, err := store.GetTokens(ctx, models.TokenStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	created := &models.TokenCreatedEvent{
		TokenAddress: token, Creator: holder, IntentID: "42", Name: "ignored", Symbol: "IGN", BlockNumber: 1000,
	}
	activated, previous, err := store.ActivateToken(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusPending, previous)
	assert.Equal(t, models.TokenStatusActive, activated.Status)
	assert.Equal(t, token, activated.Address)
	assert.Equal(t, "Agent", activated.Name)
	assert.Equal(t, uint64(1000), activated.DeploymentBlock)

	again, previous, err := store.ActivateToken(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusActive, previous)
	assert.Equal(t, token, again.Address)

	byAddr, err := store.GetTokenByAddress(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "42", byAddr.IntentID)

	require.NoError(t, store.UpdateLastScannedBlock(ctx, token, 1500))
	require.NoError(t, store.UpdateLastScannedBlock(ctx, token, 1200))
	byAddr, err = store.GetTokenByAddress(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), byAddr.LastScannedBlock)

	require.NoError(t, store.UpdateTokenStatus(ctx, token, models.TokenStatusRemoved))
	active, err := store.GetTokens(ctx, models.TokenStatusActive)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = store.GetTokenByIntent(ctx, "missing")
	assert.True(t, storage.IsNotFound(err))
	assert.True(t, storage.IsNotFound(store.UpdateTokenStatus(ctx, other, models.TokenStatusActive)))
}

func TestActivateUnknownIntent(t *testing.T) {
	store := storagetest.NewSQLite(t)
	ctx := context.Background()

	token, previous, err := store.ActivateToken(ctx, &models.TokenCreatedEvent{
		TokenAddress: other, IntentID: "7", Name: "Seven", Symbol: "SVN", BlockNumber: 12,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatus(""), previous)
	assert.Equal(t, "Seven", token.Name)
	assert.Equal(t, models.TokenStatusActive, token.Status)
}

func TestActivateTokenAdoptsManualAddress(t *testing.T) {
	store := storagetest.NewSQLite(t)
	ctx := context.Background()

	require.NoError(t, store.SaveToken(ctx, &models.Token{
		IntentID: "manual-" + token, Address: token, LastScannedBlock: 1200, Status: models.TokenStatusActive,
	}))
	require.NoError(t, store.SaveToken(ctx, &models.Token{
		IntentID: "42", Name: "Agent", Symbol: "AGT", Status: models.TokenStatusPending,
	}))
	mint := transfer(zero, holder, 100, 1100, "0x01", 0)
	_, err := store.ApplyTransfer(ctx, mint, credit(mint))
	require.NoError(t, err)

	created := &models.TokenCreatedEvent{
		TokenAddress: token, Creator: holder, IntentID: "42", Name: "ignored", Symbol: "IGN", BlockNumber: 1000,
	}
	adopted, previous, err := store.ActivateToken(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusPending, previous)
	assert.Equal(t, "42", adopted.IntentID)
	assert.Equal(t, "Agent", adopted.Name)
	assert.Equal(t, models.TokenStatusActive, adopted.Status)
	assert.Equal(t, uint64(1000), adopted.DeploymentBlock)
	assert.Equal(t, uint64(1200), adopted.LastScannedBlock)

	byAddr, err := store.GetTokenByAddress(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "42", byAddr.IntentID)
	_, err = store.GetTokenByIntent(ctx, "manual-"+token)
	assert.True(t, storage.IsNotFound(err))

	all, err := store.GetTokens(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	balances, err := store.GetBalances(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "100", balances[holder].String())

	again, previous, err := store.ActivateToken(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusActive, previous)
	assert.Equal(t, "42", again.IntentID)
}

func TestActivateTokenKeepsRemovedStatus(t *testing.T) {
	store := storagetest.NewSQLite(t)
	ctx := context.Background()

	created := &models.TokenCreatedEvent{TokenAddress: token, IntentID: "42", BlockNumber: 1000}
	_, _, err := store.ActivateToken(ctx, created)
	require.NoError(t, err)
	require.NoError(t, store.UpdateTokenStatus(ctx, token, models.TokenStatusRemoved))

	replayed, previous, err := store.ActivateToken(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusRemoved, previous)
	assert.Equal(t, models.TokenStatusRemoved, replayed.Status)

	// A removed manual row adopted by a deployment stays removed too.
	require.NoError(t, store.SaveToken(ctx, &models.Token{
		IntentID: "manual-" + other, Address: other, Status: models.TokenStatusRemoved,
	}))
	adopted, _, err := store.ActivateToken(ctx, &models.TokenCreatedEvent{TokenAddress: other, IntentID: "43", BlockNumber: 1001})
	require.NoError(t, err)
	assert.Equal(t, "43", adopted.IntentID)
	assert.Equal(t, models.TokenStatusRemoved, adopted.Status)
}

func TestSubscriptions(t *testing.T) {
	store := storagetest.NewSQLite(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSubscriptions(ctx, []*models.WebhookSubscription{
		{WebhookID: "wh_1", Network: "ETH_MAINNET", EventType: models.EventTypeTransfer, ContractAddress: holder, Status: models.SubscriptionPending},
		{WebhookID: "wh_1", Network: "ETH_MAINNET", EventType: models.EventTypeTransfer, ContractAddress: other, Status: models.SubscriptionPending},
		{WebhookID: "wh_2", Network: "ETH_MAINNET", EventType: models.EventTypeTokenCreated, ContractAddress: token, Status: models.SubscriptionActive},
	}))

	transfers, err := store.GetSubscriptions(ctx, models.SubscriptionFilter{EventType: models.EventTypeTransfer})
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	assert.Nil(t, transfers[0].LastVerified)

	require.NoError(t, store.UpdateWebhookStatus(ctx, "wh_1", models.SubscriptionActive, ""))
	active, err := store.GetSubscriptions(ctx, models.SubscriptionFilter{
		WebhookID: "wh_1", Statuses: []models.SubscriptionStatus{models.SubscriptionActive},
	})
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.NotNil(t, active[0].LastVerified)

	require.NoError(t, store.UpdateSubscriptionStatus(ctx, active[0].ID, models.SubscriptionError, "boom"))
	failed, err := store.GetSubscriptions(ctx, models.SubscriptionFilter{Statuses: []models.SubscriptionStatus{models.SubscriptionError}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].LastError)

	require.NoError(t, store.DeleteSubscription(ctx, failed[0].ID))
	remaining, err := store.GetSubscriptions(ctx, models.SubscriptionFilter{})
	require.NoError(t, err)
	assert.Len(t, remaining, 2)

	// re-saving the same (webhook, address) updates in place
	require.NoError(t, store.SaveSubscriptions(ctx, []*models.WebhookSubscription{
		{WebhookID: "wh_2", Network: "ETH_MAINNET", EventType: models.EventTypeTokenCreated, ContractAddress: token, Status: models.SubscriptionInactive},
	}))
	factory, err := store.GetSubscriptions(ctx, models.SubscriptionFilter{ContractAddress: token})
	require.NoError(t, err)
	require.Len(t, factory, 1)
	assert.Equal(t, models.SubscriptionInactive, factory[0].Status)
}

func TestStateAndLogs(t *testing.T) {
	store := storagetest.NewSQLite(t)
	ctx := context.Background()

	v, err := storage.GetUint64State(ctx, store, storage.StateFactoryLastBlock)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, store.SetState(ctx, storage.StateFactoryLastBlock, "1234"))
	require.NoError(t, store.SetState(ctx, storage.StateFactoryLastBlock, "1240"))
	v, err = storage.GetUint64State(ctx, store, storage.StateFactoryLastBlock)
	require.NoError(t, err)
	assert.Equal(t, uint64(1240), v)

	require.NoError(t, store.LogEvent(ctx, models.LogTypeBalanceInconsistency, map[string]interface{}{"holder": holder}))
	logs, err := store.GetLogsByType(ctx, models.LogTypeBalanceInconsistency, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, holder, logs[0].Data["holder"])
}
