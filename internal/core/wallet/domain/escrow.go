package domain

import (
	"time"
)

// EscrowStatus is the escrow state machine. "held" is the only non-terminal
// state; held->settled and held->refunded are the only legal transitions.
type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowSettled  EscrowStatus = "settled"
	EscrowRefunded EscrowStatus = "refunded"
)

// IsTerminal reports whether the status admits no further transitions
func (s EscrowStatus) IsTerminal() bool {
	return s == EscrowSettled || s == EscrowRefunded
}

// EscrowItem earmarks part of a user wallet for one external work-item.
// Rows are retained indefinitely for audit after they terminate.
type EscrowItem struct {
	EscrowID    string
	QueueItemID string // one escrow per external work-item
	UserID      string
	ModelID     string // set on settlement
	Amount      int64
	Status      EscrowStatus
	FeatureType string
	Reason      string
	Metadata    map[string]string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Validate checks the escrow item before it reaches storage
func (e *EscrowItem) Validate() error {
	if e.EscrowID == "" {
		return ErrMissingEscrowID
	}
	if e.QueueItemID == "" {
		return ErrMissingQueueItemID
	}
	if e.UserID == "" {
		return ErrMissingUserID
	}
	if e.Amount <= 0 {
		return ErrNonPositiveAmount
	}
	switch e.Status {
	case EscrowHeld, EscrowSettled, EscrowRefunded:
	default:
		return ErrInvalidEscrowStatus
	}
	if e.FeatureType == "" {
		return ErrMissingFeatureType
	}
	if e.Reason == "" {
		return ErrMissingReason
	}
	return nil
}
