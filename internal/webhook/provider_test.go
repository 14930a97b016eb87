package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/token-indexer/internal/config"
	"github.com/smartdevs17/token-indexer/internal/contracts"
	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *AlchemyProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAlchemyProvider(&config.WebhookConfig{
		APIURL:        srv.URL + "/",
		AuthToken:     "test-token",
		Timeout:       time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}, nil)
}

func TestAlchemyProviderRegister(t *testing.T) {
	var got map[string]string
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/create-webhook", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("X-Alchemy-Token"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"data":{"id":"wh_abc","network":"ETH_MAINNET","webhook_type":"GRAPHQL","webhook_url":"https://indexer/webhook","is_active":true,"time_created":1700000000000}}`))
	})

	hook, err := provider.Register(context.Background(), FilterSpec{
		Network:   "ETH_MAINNET",
		EventType: models.EventTypeTransfer,
		Addresses: []string{testToken},
		Topics:    []common.Hash{contracts.TransferTopic},
	}, "https://indexer/webhook")
	require.NoError(t, err)

	assert.Equal(t, "wh_abc", hook.ID)
	assert.True(t, hook.Active)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), hook.CreatedAt)
	assert.Equal(t, "GRAPHQL", got["webhook_type"])
	assert.Equal(t, "https://indexer/webhook", got["webhook_url"])
	assert.Contains(t, got["graphql_query"], testToken)
	assert.Contains(t, got["graphql_query"], contracts.TransferTopic.Hex())
}

func TestAlchemyProviderRegisterRequiresAddresses(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})
	_, err := provider.Register(context.Background(), FilterSpec{}, "https://indexer/webhook")
	assert.Equal(t, utils.ErrCodeValidation, utils.ErrorCode(err))
}

func TestAlchemyProviderRetriesServerErrors(t *testing.T) {
	var calls int32
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data":[{"id":"wh_1","is_active":true},{"id":"wh_2","is_active":false}]}`))
	})

	hooks, err := provider.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, hooks, 2)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	hook, err := provider.Get(context.Background(), "wh_2")
	require.NoError(t, err)
	require.NotNil(t, hook)
	assert.False(t, hook.Active)

	missing, err := provider.Get(context.Background(), "wh_404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAlchemyProviderDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"bad network"}`))
	})

	_, err := provider.List(context.Background())
	require.Error(t, err)
	assert.Equal(t, utils.ErrCodeProvider, utils.ErrorCode(err))
	assert.Contains(t, err.Error(), "bad network")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAlchemyProviderDelete(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/delete-webhook", r.URL.Path)
		if r.URL.Query().Get("webhook_id") == "wh_gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{}`))
	})

	assert.NoError(t, provider.Delete(context.Background(), "wh_1"))
	assert.NoError(t, provider.Delete(context.Background(), "wh_gone"))
}

func TestGraphQLQuery(t *testing.T) {
	query := GraphQLQuery(FilterSpec{
		Addresses: []string{strings.ToUpper(testToken[2:])},
		Topics:    []common.Hash{contracts.TokenCreatedTopic},
	})
	assert.Contains(t, query, `addresses: ["`+testToken+`"]`)
	assert.Contains(t, query, `topics: [["`+contracts.TokenCreatedTopic.Hex()+`"]]`)
	assert.Contains(t, query, "transaction { hash index }")
}
