// Package webhook ingests provider push deliveries and keeps provider
// subscriptions in line with the tokens being indexed.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// PayloadKind names a known delivery shape
type PayloadKind string

const (
	KindBlockLogs     PayloadKind = "block_logs"
	KindBlockReceipts PayloadKind = "block_receipts"
	KindDecoded       PayloadKind = "decoded"
	KindUnrecognized  PayloadKind = "unrecognized"
)

// Payload is one classified delivery. The concrete type is one of
// *BlockLogsPayload, *BlockReceiptsPayload, *DecodedPayload or *UnrecognizedPayload.
type Payload interface {
	Kind() PayloadKind
	// Items flattens the payload into logs in delivery order.
	Items() []LogItem
	// Malformed counts entries that failed to decode and were left out of Items.
	Malformed() int
}

// BlockContext is the block a log was delivered with
type BlockContext struct {
	Number    uint64
	Hash      string
	Timestamp time.Time
}

// LogItem is one flattened log. Raw logs carry topics; decoded records carry
// Fields instead and leave Log.Topics empty. Invalid is set when the entry
// decoded but cannot be applied.
type LogItem struct {
	Log     types.Log
	Block   BlockContext
	Name    string
	Fields  map[string]string
	Invalid string
}

// Decoded reports whether the item came from an already decoded record
func (i LogItem) Decoded() bool {
	return len(i.Log.Topics) == 0 && len(i.Fields) > 0
}

// BlockLogsPayload is a custom (GraphQL) webhook delivery: one block with flat logs
type BlockLogsPayload struct {
	WebhookID string
	Block     gqlBlock
}

func (p *BlockLogsPayload) Kind() PayloadKind { return KindBlockLogs }

func (p *BlockLogsPayload) Malformed() int { return p.Block.Logs.bad }

func (p *BlockLogsPayload) Items() []LogItem {
	block := p.Block.context()
	items := make([]LogItem, 0, len(p.Block.Logs.items))
	for _, l := range p.Block.Logs.items {
		items = append(items, LogItem{
			Log: types.Log{
				Address:     common.HexToAddress(l.Account.Address),
				Topics:      hashes(l.Topics),
				Data:        decodeData(l.Data),
				BlockNumber: block.Number,
				BlockHash:   common.HexToHash(block.Hash),
				TxHash:      common.HexToHash(l.Transaction.Hash),
				TxIndex:     uint(l.Transaction.Index.v),
				Index:       uint(l.Index.v),
			},
			Block: block,
		})
	}
	return items
}

// BlockReceiptsPayload nests blocks, their receipts and the receipts' logs
type BlockReceiptsPayload struct {
	WebhookID string
	Blocks    []receiptBlock
	bad       int
}

func (p *BlockReceiptsPayload) Kind() PayloadKind { return KindBlockReceipts }

func (p *BlockReceiptsPayload) Malformed() int {
	bad := p.bad
	for _, b := range p.Blocks {
		bad += b.Receipts.bad
		for _, receipt := range b.Receipts.items {
			bad += receipt.Logs.bad
		}
	}
	return bad
}

func (p *BlockReceiptsPayload) Items() []LogItem {
	var items []LogItem
	for _, b := range p.Blocks {
		block := BlockContext{Number: b.Number.v, Hash: b.Hash, Timestamp: unixTime(b.Timestamp)}
		for _, receipt := range b.Receipts.items {
			for _, l := range receipt.Logs.items {
				if l.Removed {
					continue
				}
				txHash := l.TransactionHash
				if txHash == "" {
					txHash = receipt.TransactionHash
				}
				items = append(items, LogItem{Log: l.toLog(block, txHash), Block: block})
			}
		}
	}
	return items
}

// DecodedPayload carries records whose fields were decoded by the provider
type DecodedPayload struct {
	WebhookID string
	Records   []decodedRecord
	bad       int
}

func (p *DecodedPayload) Kind() PayloadKind { return KindDecoded }

func (p *DecodedPayload) Malformed() int { return p.bad }

func (p *DecodedPayload) Items() []LogItem {
	items := make([]LogItem, 0, len(p.Records))
	for _, r := range p.Records {
		items = append(items, r.item())
	}
	return items
}

// UnrecognizedPayload is anything else, including empty and malformed bodies
type UnrecognizedPayload struct {
	Reason string
}

func (p *UnrecognizedPayload) Kind() PayloadKind { return KindUnrecognized }

func (p *UnrecognizedPayload) Items() []LogItem { return nil }

func (p *UnrecognizedPayload) Malformed() int { return 0 }

// ClassifyPayload picks the payload variant of a raw delivery. Shapes are tried in a
// fixed order: single block with logs, nested blocks with receipts, decoded records.
// Array entries decode one by one, so a bad entry only drops itself.
func ClassifyPayload(raw []byte) Payload {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return &UnrecognizedPayload{Reason: "empty body"}
	}
	if raw[0] != '{' {
		return &UnrecognizedPayload{Reason: "body is not a JSON object"}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &UnrecognizedPayload{Reason: "malformed JSON: " + err.Error()}
	}

	if env.Event != nil && env.Event.Data != nil && env.Event.Data.Block != nil {
		return &BlockLogsPayload{WebhookID: env.WebhookID, Block: *env.Event.Data.Block}
	}
	if blocks := env.blocks(); blocks.present() {
		return &BlockReceiptsPayload{WebhookID: env.WebhookID, Blocks: blocks.items, bad: blocks.bad}
	}
	if records := env.records(); records.present() {
		return &DecodedPayload{WebhookID: env.WebhookID, Records: records.items, bad: records.bad}
	}
	return &UnrecognizedPayload{Reason: "no block, receipts or decoded records"}
}

type envelope struct {
	WebhookID string `json:"webhookId"`
	ID        string `json:"id"`
	Type      string `json:"type"`
	Event     *struct {
		Network string `json:"network"`
		Data    *struct {
			Block  *gqlBlock                 `json:"block"`
			Blocks lenientList[receiptBlock] `json:"blocks"`
		} `json:"data"`
		Activity lenientList[decodedRecord] `json:"activity"`
	} `json:"event"`
	Blocks lenientList[receiptBlock]  `json:"blocks"`
	Events lenientList[decodedRecord] `json:"events"`
}

func (e *envelope) blocks() lenientList[receiptBlock] {
	if e.Event != nil && e.Event.Data != nil && e.Event.Data.Blocks.present() {
		return e.Event.Data.Blocks
	}
	return e.Blocks
}

func (e *envelope) records() lenientList[decodedRecord] {
	if e.Event != nil && e.Event.Activity.present() {
		return e.Event.Activity
	}
	return e.Events
}

// lenientList decodes a JSON array entry by entry. Entries that fail to decode
// are counted in bad instead of failing the whole document.
type lenientList[T any] struct {
	items []T
	bad   int
}

func (l *lenientList[T]) UnmarshalJSON(b []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(b, &raws); err != nil {
		return err
	}
	l.items = make([]T, 0, len(raws))
	l.bad = 0
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			l.bad++
			continue
		}
		l.items = append(l.items, v)
	}
	return nil
}

func (l lenientList[T]) present() bool {
	return len(l.items) > 0 || l.bad > 0
}

type gqlBlock struct {
	Hash      string              `json:"hash"`
	Number    quantity            `json:"number"`
	Timestamp quantity            `json:"timestamp"`
	Logs      lenientList[gqlLog] `json:"logs"`
}

type gqlLog struct {
	Data    string   `json:"data"`
	Topics  []string `json:"topics"`
	Index   quantity `json:"index"`
	Account struct {
		Address string `json:"address"`
	} `json:"account"`
	Transaction struct {
		Hash  string   `json:"hash"`
		Index quantity `json:"index"`
	} `json:"transaction"`
}

func (b gqlBlock) context() BlockContext {
	return BlockContext{Number: b.Number.v, Hash: b.Hash, Timestamp: unixTime(b.Timestamp)}
}

type receiptBlock struct {
	Number    quantity             `json:"number"`
	Hash      string               `json:"hash"`
	Timestamp quantity             `json:"timestamp"`
	Receipts  lenientList[receipt] `json:"receipts"`
}

type receipt struct {
	TransactionHash string              `json:"transactionHash"`
	Logs            lenientList[rawLog] `json:"logs"`
}

type rawLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     quantity `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        quantity `json:"logIndex"`
	Removed         bool     `json:"removed"`
}

func (l rawLog) toLog(block BlockContext, txHash string) types.Log {
	number := block.Number
	if l.BlockNumber.set {
		number = l.BlockNumber.v
	}
	return types.Log{
		Address:     common.HexToAddress(l.Address),
		Topics:      hashes(l.Topics),
		Data:        decodeData(l.Data),
		BlockNumber: number,
		BlockHash:   common.HexToHash(block.Hash),
		TxHash:      common.HexToHash(txHash),
		Index:       uint(l.LogIndex.v),
	}
}

// decodedRecord covers address-activity entries and generic decoded events.
// A record that still carries its raw log is treated as a raw log.
type decodedRecord struct {
	Event           string   `json:"event"`
	ContractAddress string   `json:"contractAddress"`
	TransactionHash string   `json:"transactionHash"`
	Hash            string   `json:"hash"`
	LogIndex        quantity `json:"logIndex"`
	BlockNumber     quantity `json:"blockNumber"`
	BlockNum        quantity `json:"blockNum"`
	Timestamp       quantity `json:"timestamp"`
	FromAddress     string   `json:"fromAddress"`
	ToAddress       string   `json:"toAddress"`
	RawContract     *struct {
		RawValue string `json:"rawValue"`
		Address  string `json:"address"`
	} `json:"rawContract"`
	Args map[string]json.RawMessage `json:"args"`
	Log  *rawLog                    `json:"log"`
}

func (r decodedRecord) item() LogItem {
	block := BlockContext{Number: r.BlockNumber.v, Timestamp: unixTime(r.Timestamp)}
	if !r.BlockNumber.set {
		block.Number = r.BlockNum.v
	}
	txHash := r.TransactionHash
	if txHash == "" {
		txHash = r.Hash
	}

	if r.Log != nil && len(r.Log.Topics) > 0 {
		if r.Log.TransactionHash != "" {
			txHash = r.Log.TransactionHash
		}
		if r.Log.BlockNumber.set {
			block.Number = r.Log.BlockNumber.v
		}
		return LogItem{Log: r.Log.toLog(block, txHash), Block: block}
	}

	contract := r.ContractAddress
	fields := make(map[string]string, len(r.Args)+3)
	for name, value := range r.Args {
		fields[strings.ToLower(name)] = rawString(value)
	}
	if r.FromAddress != "" {
		fields["from"] = r.FromAddress
	}
	if r.ToAddress != "" {
		fields["to"] = r.ToAddress
	}
	if r.RawContract != nil {
		if r.RawContract.RawValue != "" {
			fields["value"] = r.RawContract.RawValue
		}
		if contract == "" {
			contract = r.RawContract.Address
		}
	}

	item := LogItem{
		Log: types.Log{
			Address:     common.HexToAddress(contract),
			BlockNumber: block.Number,
			TxHash:      common.HexToHash(txHash),
			Index:       uint(r.LogIndex.v),
		},
		Block:  block,
		Name:   r.Event,
		Fields: fields,
	}
	// Without its log index the record has no dedupe key of its own.
	if !r.LogIndex.set {
		item.Invalid = "decoded record has no log index"
	}
	return item
}

// quantity accepts JSON numbers, decimal strings and 0x hex strings
type quantity struct {
	v   uint64
	set bool
}

func (q *quantity) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		return nil
	}
	s = strings.Trim(s, `"`)
	var (
		v   uint64
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = hexutil.DecodeUint64(s)
		if err != nil {
			v, err = strconv.ParseUint(s[2:], 16, 64)
		}
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	q.v, q.set = v, true
	return nil
}

func hashes(topics []string) []common.Hash {
	out := make([]common.Hash, 0, len(topics))
	for _, t := range topics {
		out = append(out, common.HexToHash(t))
	}
	return out
}

func decodeData(data string) []byte {
	if data == "" || data == "0x" {
		return nil
	}
	return common.FromHex(data)
}

func unixTime(q quantity) time.Time {
	if !q.set {
		return time.Time{}
	}
	return time.Unix(int64(q.v), 0).UTC()
}

// rawString renders a JSON scalar as a plain string
func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
