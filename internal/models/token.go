package models

import (
	"math/big"
	"time"
)

// TokenStatus is the lifecycle state of a logical token record
type TokenStatus string

const (
	TokenStatusPending TokenStatus = "pending"
	TokenStatusActive  TokenStatus = "active"
	TokenStatusFailed  TokenStatus = "failed"
	TokenStatusRemoved TokenStatus = "removed"
)

// UnknownDeploymentBlock marks a token whose deployment block was never recorded.
const UnknownDeploymentBlock uint64 = 0

// Token represents a deployed (or pending) ERC-20 token managed by the indexer
type Token struct {
	IntentID         string      `json:"intent_id" db:"intent_id"`
	Name             string      `json:"name" db:"name"`
	Symbol           string      `json:"symbol" db:"symbol"`
	Creator          string      `json:"creator,omitempty" db:"creator"`
	Address          string      `json:"address,omitempty" db:"address"`
	DeploymentBlock  uint64      `json:"deployment_block" db:"deployment_block"`
	LastScannedBlock uint64      `json:"last_scanned_block" db:"last_scanned_block"`
	Status           TokenStatus `json:"status" db:"status"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at" db:"updated_at"`
}

// HolderBalance is one materialized (token, holder) balance. Only positive balances are stored.
type HolderBalance struct {
	TokenAddress  string    `json:"token_address" db:"token_address"`
	HolderAddress string    `json:"holder_address" db:"holder_address"`
	Balance       *big.Int  `json:"balance" db:"balance"`
	LastUpdated   time.Time `json:"last_updated" db:"last_updated"`
}

// HolderSort selects the ordering of holder listings
type HolderSort string

const (
	SortBalanceDesc HolderSort = "balance_desc"
	SortBalanceAsc  HolderSort = "balance_asc"
	SortAddress     HolderSort = "address"
	SortRecent      HolderSort = "recent"
)

// ParseHolderSort maps a user supplied sort key, defaulting to balance descending.
func ParseHolderSort(s string) HolderSort {
	switch HolderSort(s) {
	case SortBalanceAsc, SortAddress, SortRecent:
		return HolderSort(s)
	default:
		return SortBalanceDesc
	}
}
