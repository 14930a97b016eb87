package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/token-indexer/internal/config"
	"github.com/smartdevs17/token-indexer/internal/connection/fakechain"
	"github.com/smartdevs17/token-indexer/internal/indexer"
	"github.com/smartdevs17/token-indexer/internal/metrics"
	"github.com/smartdevs17/token-indexer/internal/storage/storagetest"
	"github.com/smartdevs17/token-indexer/internal/webhook"
)

const signingKey = "whsec_test"

var (
	token = fakechain.Address(0xA1)
	alice = fakechain.Address(0xB1)
	bob   = fakechain.Address(0xB2)
)

type testServer struct {
	*httptest.Server
	service *indexer.Service
}

func newTestServer(t *testing.T, maxBody int64) *testServer {
	t.Helper()
	metricsManager := metrics.NewManager()
	cfg := &config.Config{
		Indexer: config.IndexerConfig{Mode: config.ModeWebhook},
		Webhook: config.WebhookConfig{SigningKey: signingKey},
	}
	svc, err := indexer.New(indexer.Dependencies{
		Config:  cfg,
		Store:   storagetest.NewSQLite(t),
		Metrics: metricsManager,
	})
	require.NoError(t, err)

	s := NewHTTPServer(&config.ServerConfig{
		EnableMetrics: true,
		EnableHealth:  true,
		MaxBodyBytes:  maxBody,
	}, svc, metricsManager)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, service: svc}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, header http.Header) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for name, values := range header {
		req.Header[name] = values
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func signed(body []byte) http.Header {
	h := http.Header{}
	h.Set(webhook.AlchemySignatureHeader, hex.EncodeToString(webhook.Sign([]byte(signingKey), body)))
	return h
}

func delivery(t *testing.T, block uint64, logs ...types.Log) []byte {
	t.Helper()
	items := make([]map[string]interface{}, 0, len(logs))
	for _, l := range logs {
		topics := make([]string, 0, len(l.Topics))
		for _, topic := range l.Topics {
			topics = append(topics, topic.Hex())
		}
		items = append(items, map[string]interface{}{
			"data":        hexutil.Encode(l.Data),
			"topics":      topics,
			"index":       l.Index,
			"account":     map[string]string{"address": l.Address.Hex()},
			"transaction": map[string]interface{}{"hash": l.TxHash.Hex(), "index": 0},
		})
	}
	body, err := json.Marshal(map[string]interface{}{
		"webhookId": "wh_1",
		"event": map[string]interface{}{
			"data": map[string]interface{}{
				"block": map[string]interface{}{
					"hash":      fakechain.TxHash(int64(block)),
					"number":    block,
					"timestamp": time.Now().Unix(),
					"logs":      items,
				},
			},
		},
	})
	require.NoError(t, err)
	return body
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, 0)

	code, body := ts.do(t, http.MethodGet, "/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	code, body = ts.do(t, http.MethodGet, "/api/v1/health/detailed", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["running"])

	code, body = ts.do(t, http.MethodGet, "/api/v1/status", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, config.ModeWebhook, body["mode"])
}

func TestDeliveryEndpoint(t *testing.T) {
	ts := newTestServer(t, 0)
	_, err := ts.service.WatchToken(context.Background(), token, 1000)
	require.NoError(t, err)
	body := delivery(t, 1005, fakechain.TransferLog(token, fakechain.Address(0), alice, 100, 1005, fakechain.TxHash(1), 0))

	code, _ := ts.do(t, http.MethodPost, "/webhooks/alchemy", body, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	bad := http.Header{}
	bad.Set(webhook.AlchemySignatureHeader, strings.Repeat("ab", 32))
	code, _ = ts.do(t, http.MethodPost, "/webhooks/alchemy", body, bad)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, result := ts.do(t, http.MethodPost, "/webhooks/alchemy", body, signed(body))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, float64(1), result["transfers"])

	// Redelivery is acknowledged and not applied again.
	code, result = ts.do(t, http.MethodPost, "/webhooks/alchemy", body, signed(body))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), result["duplicates"])

	code, result = ts.do(t, http.MethodPost, "/webhooks/alchemy", nil, signed(nil))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(webhook.KindUnrecognized), result["shape"])

	// Transfers of tokens that are not being indexed are acknowledged and dropped.
	stray := delivery(t, 1006, fakechain.TransferLog(bob, fakechain.Address(0), alice, 5, 1006, fakechain.TxHash(2), 0))
	code, result = ts.do(t, http.MethodPost, "/webhooks/alchemy", stray, signed(stray))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), result["untracked"])

	code, holders := ts.do(t, http.MethodGet, "/api/v1/tokens/"+token+"/holders?limit=10&sort=address", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), holders["total"])
	list := holders["holders"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, alice, list[0].(map[string]interface{})["holder_address"])

	code, supply := ts.do(t, http.MethodGet, "/api/v1/tokens/"+token+"/supply", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "100", supply["total_supply"])

	code, events := ts.do(t, http.MethodGet, "/api/v1/tokens/"+token+"/events?from_block=1000&to_block=2000", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), events["total"])

	code, _ = ts.do(t, http.MethodGet, "/api/v1/tokens/"+token+"/events?from_block=zz", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDeliveryBodyLimit(t *testing.T) {
	ts := newTestServer(t, 64)
	body := bytes.Repeat([]byte("x"), 128)
	code, _ := ts.do(t, http.MethodPost, "/webhooks/alchemy", body, signed(body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
}

func TestTokenAndAdminEndpoints(t *testing.T) {
	ts := newTestServer(t, 0)

	intent, _ := json.Marshal(map[string]string{"intent_id": "42", "name": "Test", "symbol": "TST"})
	code, created := ts.do(t, http.MethodPost, "/api/v1/intents", intent, nil)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "pending", created["status"])

	code, listed := ts.do(t, http.MethodGet, "/api/v1/tokens?status=pending", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), listed["total"])

	code, _ = ts.do(t, http.MethodPost, "/api/v1/intents", []byte("{"), nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodGet, "/api/v1/tokens/"+bob, nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = ts.do(t, http.MethodGet, "/api/v1/tokens/nope/holders", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	watch, _ := json.Marshal(map[string]interface{}{"address": "0x1234"})
	code, _ = ts.do(t, http.MethodPost, "/api/v1/admin/tokens", watch, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	watch, _ = json.Marshal(map[string]interface{}{"address": token, "deployment_block": 10})
	code, watched := ts.do(t, http.MethodPost, "/api/v1/admin/tokens", watch, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "active", watched["status"])

	code, _ = ts.do(t, http.MethodDelete, "/api/v1/admin/tokens/"+token, nil, nil)
	assert.Equal(t, http.StatusOK, code)

	// No provider and no chain client in this configuration.
	code, _ = ts.do(t, http.MethodPost, "/api/v1/admin/reconcile", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, code)
	code, _ = ts.do(t, http.MethodPost, "/api/v1/admin/tokens/"+token+"/backfill", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, code)
	code, _ = ts.do(t, http.MethodPost, "/api/v1/admin/health/check", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, code)
	code, _ = ts.do(t, http.MethodGet, "/api/v1/tokens/"+token+"/supply/verify", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.do(t, http.MethodGet, "/api/v1/health", nil, nil)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "token_indexer_http_requests_total")
	assert.Contains(t, string(raw), `path="/api/v1/health"`)
}
