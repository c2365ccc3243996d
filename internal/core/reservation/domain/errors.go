package domain

import "errors"

var (
	ErrMissingReservationID = errors.New("reservation ID is required")
	ErrMissingUserID        = errors.New("user ID is required")
	ErrMissingTransactionID = errors.New("hold transaction ID is required")
	ErrNonPositiveAmount    = errors.New("amount must be positive")
	ErrNonPositiveTTL       = errors.New("ttl must be positive")
	ErrInvalidStatus        = errors.New("invalid reservation status")
)
