package models

import "time"

// Log entry types
const (
	LogTypeBalanceInconsistency = "balance_inconsistency"
	LogTypeReconcile            = "reconcile"
	LogTypeHealthCheck          = "health_check"
	LogTypeSupplyMismatch       = "supply_mismatch"
)

// LogEntry represents an audit entry in the system (e.g., for balance inconsistencies)
type LogEntry struct {
	ID        string                 `json:"id" db:"id"`
	Type      string                 `json:"type" db:"type"`
	Data      map[string]interface{} `json:"data" db:"data"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}
