package models

import "time"

// SubscriptionEventType is the event a webhook subscription covers
type SubscriptionEventType string

const (
	EventTypeTokenCreated SubscriptionEventType = "TokenCreated"
	EventTypeTransfer     SubscriptionEventType = "Transfer"
)

// SubscriptionStatus is the provider-side state of a subscription row
type SubscriptionStatus string

const (
	SubscriptionPending  SubscriptionStatus = "pending"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
	SubscriptionError    SubscriptionStatus = "error"
)

// WebhookSubscription is one covered address. Rows registered in the same
// provider call share a WebhookID.
type WebhookSubscription struct {
	ID              int64                 `json:"id" db:"id"`
	WebhookID       string                `json:"webhook_id" db:"webhook_id"`
	Network         string                `json:"network" db:"network"`
	EventType       SubscriptionEventType `json:"event_type" db:"event_type"`
	ContractAddress string                `json:"contract_address" db:"contract_address"`
	Status          SubscriptionStatus    `json:"status" db:"status"`
	LastError       string                `json:"last_error,omitempty" db:"last_error"`
	LastVerified    *time.Time            `json:"last_verified,omitempty" db:"last_verified"`
	CreatedAt       time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at" db:"updated_at"`
}

// Covers reports whether the row counts toward coverage of its address.
func (s *WebhookSubscription) Covers() bool {
	return s.Status == SubscriptionPending || s.Status == SubscriptionActive
}

// SubscriptionFilter for querying subscriptions
type SubscriptionFilter struct {
	WebhookID       string                `json:"webhook_id,omitempty"`
	EventType       SubscriptionEventType `json:"event_type,omitempty"`
	ContractAddress string                `json:"contract_address,omitempty"`
	Statuses        []SubscriptionStatus  `json:"statuses,omitempty"`
}
