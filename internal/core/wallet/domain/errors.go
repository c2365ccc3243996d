package domain

import "errors"

var (
	ErrMissingEscrowID     = errors.New("escrow ID is required")
	ErrMissingQueueItemID  = errors.New("queue item ID is required")
	ErrMissingUserID       = errors.New("user ID is required")
	ErrMissingFeatureType  = errors.New("feature type is required")
	ErrMissingReason       = errors.New("reason is required")
	ErrNonPositiveAmount   = errors.New("amount must be positive")
	ErrInvalidEscrowStatus = errors.New("invalid escrow status")

	ErrWalletNotFound      = errors.New("wallet not found")
	ErrModelWalletNotFound = errors.New("model wallet not found")
	ErrEscrowNotFound      = errors.New("escrow not found")

	// ErrDuplicateQueueItem fires on the unique index guaranteeing one
	// escrow per external work-item.
	ErrDuplicateQueueItem = errors.New("escrow already exists for queue item")
)
