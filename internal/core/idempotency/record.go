package idempotency

import (
	"encoding/json"
	"time"
)

// Scope names an operation family. The same idempotency key may legally
// appear under different scopes, so a client can reuse one id for a
// reserve/commit pair.
type Scope string

const (
	ScopeReserve       Scope = "reserve"
	ScopeCommit        Scope = "commit"
	ScopeRelease       Scope = "release"
	ScopeAward         Scope = "award"
	ScopeDeduct        Scope = "deduct"
	ScopeWebhook       Scope = "webhook"
	ScopeHoldEscrow    Scope = "hold_escrow"
	ScopeSettleEscrow  Scope = "settle_escrow"
	ScopeRefundEscrow  Scope = "refund_escrow"
	ScopePartialSettle Scope = "partial_settle_escrow"
	ScopeIngestEvent   Scope = "ingest_event"
)

// IsValid reports whether the scope is one of the known operation families
func (s Scope) IsValid() bool {
	switch s {
	case ScopeReserve, ScopeCommit, ScopeRelease, ScopeAward, ScopeDeduct,
		ScopeWebhook, ScopeHoldEscrow, ScopeSettleEscrow, ScopeRefundEscrow,
		ScopePartialSettle, ScopeIngestEvent:
		return true
	}
	return false
}

// Record is one idempotency record. The composite (Key, Scope) is unique;
// creation races resolve in favor of the first writer.
type Record struct {
	Key            string
	Scope          Scope
	ResultHash     string
	StoredResult   json.RawMessage
	StatusCode     int
	CreatedAt      time.Time
	ExpiresAt      time.Time // operational replay window
	RetentionUntil time.Time // compliance retention
}

// CheckResult is the outcome of a dedup check
type CheckResult struct {
	IsDuplicate       bool
	StoredResult      json.RawMessage
	StatusCode        int
	OriginalTimestamp time.Time
}
