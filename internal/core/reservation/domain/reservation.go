package domain

import (
	"time"
)

// Status is the reservation state machine. "active" is the only non-terminal
// state; commit, release and the expiry sweep each move it to a terminal one.
type Status string

const (
	StatusActive    Status = "active"
	StatusCommitted Status = "committed"
	StatusReleased  Status = "released"
	StatusExpired   Status = "expired"
)

// IsTerminal reports whether the status admits no further transitions
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusReleased || s == StatusExpired
}

// Reservation is a TTL-bounded hold on a user's available balance with no
// counterparty bound yet. A reservation past ExpiresAt is treated as expired
// even before the sweeper catches up with the row.
type Reservation struct {
	ReservationID        string
	UserID               string
	Amount               int64
	Status               Status
	TTLSeconds           int64
	RecipientID          string // set on commit, when funds settle to a counterparty
	HoldTransactionID    string
	ResolveTransactionID string
	CreatedAt            time.Time
	ExpiresAt            time.Time
	ProcessedAt          *time.Time
}

// IsOverdue reports whether an active reservation's clock has run out
func (r *Reservation) IsOverdue(now time.Time) bool {
	return r.Status == StatusActive && !now.Before(r.ExpiresAt)
}

// Validate checks the reservation before it reaches storage
func (r *Reservation) Validate() error {
	if r.ReservationID == "" {
		return ErrMissingReservationID
	}
	if r.UserID == "" {
		return ErrMissingUserID
	}
	if r.Amount <= 0 {
		return ErrNonPositiveAmount
	}
	if r.TTLSeconds <= 0 {
		return ErrNonPositiveTTL
	}
	switch r.Status {
	case StatusActive, StatusCommitted, StatusReleased, StatusExpired:
	default:
		return ErrInvalidStatus
	}
	if r.HoldTransactionID == "" {
		return ErrMissingTransactionID
	}
	return nil
}
