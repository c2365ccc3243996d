package domain

import "errors"

var (
	ErrMissingEntryID        = errors.New("entry ID is required")
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
	ErrMissingTransactionID  = errors.New("transaction ID is required")
	ErrMissingAccountID      = errors.New("account ID is required")
	ErrInvalidAccountType    = errors.New("invalid account type")
	ErrInvalidEntryType      = errors.New("invalid entry type")
	ErrInvalidBalanceState   = errors.New("invalid balance state")
	ErrAmountSignMismatch    = errors.New("amount sign does not match entry type")
	ErrBalanceMismatch       = errors.New("balance delta does not equal amount")
	ErrNegativeBalance       = errors.New("balance must not be negative")
	ErrMissingReason         = errors.New("reason is required")
	ErrEntryNotFound         = errors.New("ledger entry not found")
)
