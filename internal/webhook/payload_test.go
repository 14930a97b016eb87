package webhook

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/token-indexer/internal/connection/fakechain"
	"github.com/smartdevs17/token-indexer/internal/contracts"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

var (
	testToken   = fakechain.Address(0xA1)
	testFactory = fakechain.Address(0xF0)
	alice       = fakechain.Address(0xB1)
	bob         = fakechain.Address(0xB2)
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func logJSON(l types.Log) map[string]interface{} {
	topics := make([]string, 0, len(l.Topics))
	for _, topic := range l.Topics {
		topics = append(topics, topic.Hex())
	}
	return map[string]interface{}{
		"address":         l.Address.Hex(),
		"topics":          topics,
		"data":            hexutil.Encode(l.Data),
		"logIndex":        hexutil.EncodeUint64(uint64(l.Index)),
		"blockNumber":     hexutil.EncodeUint64(l.BlockNumber),
		"transactionHash": l.TxHash.Hex(),
	}
}

// blockLogsBody renders logs as a custom webhook delivery for one block
func blockLogsBody(t *testing.T, block uint64, logs ...types.Log) []byte {
	t.Helper()
	entries := make([]map[string]interface{}, 0, len(logs))
	for _, l := range logs {
		entry := logJSON(l)
		entries = append(entries, map[string]interface{}{
			"data":        entry["data"],
			"topics":      entry["topics"],
			"index":       l.Index,
			"account":     map[string]string{"address": l.Address.Hex()},
			"transaction": map[string]interface{}{"hash": l.TxHash.Hex(), "index": 0},
		})
	}
	return mustJSON(t, map[string]interface{}{
		"webhookId": "wh_test",
		"id":        "whevt_1",
		"type":      "GRAPHQL",
		"event": map[string]interface{}{
			"data": map[string]interface{}{
				"block": map[string]interface{}{
					"hash":      common.BigToHash(common.Big1).Hex(),
					"number":    block,
					"timestamp": 1700000000,
					"logs":      entries,
				},
			},
		},
	})
}

func TestClassifyPayload(t *testing.T) {
	transfer := fakechain.TransferLog(testToken, utils.ZeroAddress, alice, 5, 10, fakechain.TxHash(1), 0)

	tests := []struct {
		name string
		body []byte
		want PayloadKind
	}{
		{"empty", nil, KindUnrecognized},
		{"whitespace", []byte("  \n"), KindUnrecognized},
		{"array", []byte(`[1,2,3]`), KindUnrecognized},
		{"truncated", []byte(`{"event": {`), KindUnrecognized},
		{"unrelated object", []byte(`{"hello":"world"}`), KindUnrecognized},
		{"block logs", blockLogsBody(t, 10, transfer), KindBlockLogs},
		{"nested receipts", mustJSON(t, map[string]interface{}{
			"event": map[string]interface{}{"data": map[string]interface{}{"blocks": []interface{}{
				map[string]interface{}{"number": 10, "receipts": []interface{}{}},
			}}},
		}), KindBlockReceipts},
		{"top level receipts", mustJSON(t, map[string]interface{}{
			"blocks": []interface{}{map[string]interface{}{"number": "0xa"}},
		}), KindBlockReceipts},
		{"address activity", mustJSON(t, map[string]interface{}{
			"event": map[string]interface{}{"activity": []interface{}{
				map[string]interface{}{"fromAddress": alice, "toAddress": bob},
			}},
		}), KindDecoded},
		{"decoded events", mustJSON(t, map[string]interface{}{
			"events": []interface{}{map[string]interface{}{"event": "Transfer"}},
		}), KindDecoded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyPayload(tt.body).Kind())
		})
	}
}

func TestBlockLogsItems(t *testing.T) {
	first := fakechain.TransferLog(testToken, utils.ZeroAddress, alice, 5, 10, fakechain.TxHash(1), 3)
	second := fakechain.TransferLog(testToken, alice, bob, 2, 10, fakechain.TxHash(2), 4)

	payload := ClassifyPayload(blockLogsBody(t, 10, first, second))
	items := payload.Items()
	require.Len(t, items, 2)

	assert.Equal(t, first.Topics, items[0].Log.Topics)
	assert.Equal(t, first.Data, items[0].Log.Data)
	assert.Equal(t, first.TxHash, items[0].Log.TxHash)
	assert.Equal(t, uint(3), items[0].Log.Index)
	assert.Equal(t, uint64(10), items[0].Log.BlockNumber)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), items[0].Block.Timestamp)
	assert.Equal(t, uint(4), items[1].Log.Index)
	assert.False(t, items[0].Decoded())
}

func TestBlockReceiptsItemsKeepOrder(t *testing.T) {
	a := fakechain.TransferLog(testToken, utils.ZeroAddress, alice, 1, 20, fakechain.TxHash(1), 0)
	b := fakechain.TransferLog(testToken, alice, bob, 1, 20, fakechain.TxHash(1), 1)
	c := fakechain.TransferLog(testToken, bob, alice, 1, 21, fakechain.TxHash(2), 0)

	removed := logJSON(b)
	removed["removed"] = true
	noHash := logJSON(c)
	delete(noHash, "transactionHash")

	body := mustJSON(t, map[string]interface{}{
		"event": map[string]interface{}{"data": map[string]interface{}{"blocks": []interface{}{
			map[string]interface{}{
				"number":    "0x14",
				"timestamp": "1700000100",
				"receipts": []interface{}{
					map[string]interface{}{"transactionHash": a.TxHash.Hex(), "logs": []interface{}{logJSON(a), logJSON(b), removed}},
				},
			},
			map[string]interface{}{
				"number": 21,
				"receipts": []interface{}{
					map[string]interface{}{"transactionHash": c.TxHash.Hex(), "logs": []interface{}{noHash}},
				},
			},
		}}},
	})

	payload := ClassifyPayload(body)
	require.Equal(t, KindBlockReceipts, payload.Kind())
	items := payload.Items()
	require.Len(t, items, 3)

	assert.Equal(t, uint64(20), items[0].Block.Number)
	assert.Equal(t, uint(0), items[0].Log.Index)
	assert.Equal(t, uint(1), items[1].Log.Index)
	assert.Equal(t, uint64(21), items[2].Log.BlockNumber)
	assert.Equal(t, c.TxHash, items[2].Log.TxHash)
	assert.Equal(t, time.Unix(1700000100, 0).UTC(), items[0].Block.Timestamp)
	assert.True(t, items[2].Block.Timestamp.IsZero())
}

func TestDecodedRecordItems(t *testing.T) {
	raw := fakechain.TransferLog(testToken, alice, bob, 9, 30, fakechain.TxHash(5), 2)

	body := mustJSON(t, map[string]interface{}{
		"event": map[string]interface{}{"activity": []interface{}{
			map[string]interface{}{
				"blockNum":    "0x3e8",
				"hash":        fakechain.TxHash(4),
				"fromAddress": alice,
				"toAddress":   bob,
				"logIndex":    "0x1",
				"rawContract": map[string]interface{}{
					"rawValue": "0x00000000000000000000000000000000000000000000000000000000000003e8",
					"address":  testToken,
				},
			},
			map[string]interface{}{
				"fromAddress": alice,
				"toAddress":   bob,
				"log":         logJSON(raw),
			},
		}},
	})

	items := ClassifyPayload(body).Items()
	require.Len(t, items, 2)

	decoded := items[0]
	assert.True(t, decoded.Decoded())
	assert.Equal(t, uint64(1000), decoded.Log.BlockNumber)
	assert.Equal(t, uint(1), decoded.Log.Index)
	assert.Equal(t, testToken, utils.NormalizeAddress(decoded.Log.Address.Hex()))
	assert.Equal(t, alice, decoded.Fields["from"])
	assert.Equal(t, bob, decoded.Fields["to"])
	assert.Equal(t, "0x00000000000000000000000000000000000000000000000000000000000003e8", decoded.Fields["value"])

	withLog := items[1]
	assert.False(t, withLog.Decoded())
	assert.Equal(t, contracts.TransferTopic, withLog.Log.Topics[0])
	assert.Equal(t, uint64(30), withLog.Log.BlockNumber)
	assert.Equal(t, raw.TxHash, withLog.Log.TxHash)
}

func TestQuantityForms(t *testing.T) {
	var v struct {
		A quantity `json:"a"`
		B quantity `json:"b"`
		C quantity `json:"c"`
		D quantity `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 16, "b": "0x10", "c": "16", "d": null}`), &v))
	assert.Equal(t, uint64(16), v.A.v)
	assert.Equal(t, uint64(16), v.B.v)
	assert.Equal(t, uint64(16), v.C.v)
	assert.False(t, v.D.set)

	assert.Error(t, json.Unmarshal([]byte(`{"a": "sixteen"}`), &v))
}

func TestClassifyPayloadDropsOnlyMalformedEntries(t *testing.T) {
	a := fakechain.TransferLog(testToken, utils.ZeroAddress, alice, 1, 20, fakechain.TxHash(1), 0)
	b := fakechain.TransferLog(testToken, alice, bob, 1, 20, fakechain.TxHash(1), 1)
	bad := logJSON(b)
	bad["logIndex"] = "0xzz"

	body := mustJSON(t, map[string]interface{}{
		"event": map[string]interface{}{"data": map[string]interface{}{"blocks": []interface{}{
			map[string]interface{}{
				"number": 20,
				"receipts": []interface{}{
					map[string]interface{}{"transactionHash": a.TxHash.Hex(), "logs": []interface{}{logJSON(a), bad}},
				},
			},
			map[string]interface{}{"number": "twenty"},
		}}},
	})

	payload := ClassifyPayload(body)
	require.Equal(t, KindBlockReceipts, payload.Kind())
	assert.Equal(t, 2, payload.Malformed())
	items := payload.Items()
	require.Len(t, items, 1)
	assert.Equal(t, a.TxHash, items[0].Log.TxHash)

	decoded := ClassifyPayload(mustJSON(t, map[string]interface{}{
		"events": []interface{}{
			map[string]interface{}{"contractAddress": testToken, "logIndex": "nope"},
			map[string]interface{}{"contractAddress": testToken, "args": map[string]interface{}{"from": alice}},
		},
	}))
	require.Equal(t, KindDecoded, decoded.Kind())
	assert.Equal(t, 1, decoded.Malformed())
	require.Len(t, decoded.Items(), 1)
	assert.Equal(t, "decoded record has no log index", decoded.Items()[0].Invalid)
}
