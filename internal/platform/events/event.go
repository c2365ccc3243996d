package events

import (
	"time"
)

// EventType enumerates the events published over the bus
type EventType string

const (
	BalanceUpdated       EventType = "BALANCE_UPDATED"
	EscrowHeld           EventType = "ESCROW_HELD"
	EscrowSettled        EventType = "ESCROW_SETTLED"
	EscrowRefunded       EventType = "ESCROW_REFUNDED"
	EscrowPartialSettled EventType = "ESCROW_PARTIAL_SETTLED"
	LedgerEntryCreated   EventType = "LEDGER_ENTRY_CREATED"
)

// Event is the envelope published over the bus. The payload carries enough
// before/after state for a downstream to update a projection without
// re-reading authoritative state.
type Event struct {
	EventID        string                 `json:"event_id"`
	EventType      EventType              `json:"event_type"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Timestamp      time.Time              `json:"timestamp"`
	Source         string                 `json:"source"`
	Version        string                 `json:"version"`
	Payload        map[string]interface{} `json:"payload"`
}

// WalletEventTypes are the event types the balance cache subscribes to
func WalletEventTypes() []EventType {
	return []EventType{
		BalanceUpdated,
		EscrowHeld,
		EscrowSettled,
		EscrowRefunded,
		EscrowPartialSettled,
	}
}
