package models

import (
	"math/big"
	"time"
)

// EventSource identifies which ingestion path observed an event
type EventSource string

const (
	SourceBackfill EventSource = "backfill"
	SourceWatcher  EventSource = "watcher"
	SourceWebhook  EventSource = "webhook"
)

// TokenEvent is a deduplicated Transfer record, unique on (TxHash, LogIndex)
type TokenEvent struct {
	TokenAddress string      `json:"token_address" db:"token_address"`
	From         string      `json:"from" db:"from_address"`
	To           string      `json:"to" db:"to_address"`
	Value        *big.Int    `json:"value" db:"value"`
	BlockNumber  uint64      `json:"block_number" db:"block_number"`
	TxHash       string      `json:"transaction_hash" db:"transaction_hash"`
	LogIndex     uint        `json:"log_index" db:"log_index"`
	Timestamp    time.Time   `json:"timestamp" db:"timestamp"`
	Source       EventSource `json:"source" db:"source"`
}

// TokenCreatedEvent is a decoded factory deployment event
type TokenCreatedEvent struct {
	FactoryAddress string `json:"factory_address"`
	TokenAddress   string `json:"token_address"`
	Creator        string `json:"creator"`
	IntentID       string `json:"intent_id"`
	Name           string `json:"name"`
	Symbol         string `json:"symbol"`
	BlockNumber    uint64 `json:"block_number"`
	TxHash         string `json:"transaction_hash"`
	LogIndex       uint   `json:"log_index"`
}

// EventFilter for querying token events
type EventFilter struct {
	TokenAddress string  `json:"token_address"`
	Holder       string  `json:"holder,omitempty"`
	FromBlock    *uint64 `json:"from_block,omitempty"`
	ToBlock      *uint64 `json:"to_block,omitempty"`
	Limit        int     `json:"limit,omitempty"`
	Offset       int     `json:"offset,omitempty"`
}
