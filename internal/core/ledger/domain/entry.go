package domain

import (
	"time"
)

// EntryType represents whether an entry credits or debits a balance bucket
type EntryType string

const (
	Credit EntryType = "credit"
	Debit  EntryType = "debit"
)

// AccountType distinguishes user wallets from counterparty (model) wallets
type AccountType string

const (
	AccountUser  AccountType = "user"
	AccountModel AccountType = "model"
)

// BalanceState names the balance bucket an entry applies to
type BalanceState string

const (
	StateAvailable BalanceState = "available"
	StateEscrow    BalanceState = "escrow"
	StateEarned    BalanceState = "earned"

	// StateReserved entries track one reservation's holding, not an
	// account-level wallet bucket; snapshots ignore them.
	StateReserved BalanceState = "reserved"
)

// Entry is a single, immutable record of a value movement in one balance
// bucket. Entries are never updated or deleted; corrections are posted as
// equal-and-opposite entries.
type Entry struct {
	EntryID         string
	IdempotencyKey  string // globally unique
	TransactionID   string // groups related entries
	AccountID       string
	AccountType     AccountType
	Amount          int64 // signed; sign matches Type
	Type            EntryType
	BalanceState    BalanceState
	StateTransition string // e.g. "available->escrow"
	Reason          string
	BalanceBefore   int64
	BalanceAfter    int64
	Currency        string
	EscrowID        string
	QueueItemID     string
	FeatureType     string
	CorrelationID   string
	RequestID       string
	Metadata        map[string]string // PII-free
	CreatedAt       time.Time
}

// Validate enforces the entry invariants before the entry reaches storage
func (e *Entry) Validate() error {
	if e.EntryID == "" {
		return ErrMissingEntryID
	}

	if e.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}

	if e.TransactionID == "" {
		return ErrMissingTransactionID
	}

	if e.AccountID == "" {
		return ErrMissingAccountID
	}

	switch e.AccountType {
	case AccountUser, AccountModel:
	default:
		return ErrInvalidAccountType
	}

	switch e.Type {
	case Credit:
		if e.Amount <= 0 {
			return ErrAmountSignMismatch
		}
	case Debit:
		if e.Amount >= 0 {
			return ErrAmountSignMismatch
		}
	default:
		return ErrInvalidEntryType
	}

	switch e.BalanceState {
	case StateAvailable, StateEscrow, StateEarned, StateReserved:
	default:
		return ErrInvalidBalanceState
	}

	if e.BalanceAfter-e.BalanceBefore != e.Amount {
		return ErrBalanceMismatch
	}

	if e.BalanceAfter < 0 || e.BalanceBefore < 0 {
		return ErrNegativeBalance
	}

	if e.Reason == "" {
		return ErrMissingReason
	}

	return nil
}

// BalanceSnapshot is a point-in-time view of an account derived from the
// ledger. Buckets not applicable to the account type are nil.
type BalanceSnapshot struct {
	AccountID   string
	AccountType AccountType
	Available   *int64
	Escrow      *int64
	Earned      *int64
	AsOf        time.Time
	Currency    string
}

// ReconciliationReport compares a recomputed balance against the stored one.
// A non-reconciled report is a hard alert, never silently corrected.
type ReconciliationReport struct {
	AccountID         string
	AccountType       AccountType
	BalanceState      BalanceState
	PeriodStart       time.Time
	PeriodEnd         time.Time
	StartingBalance   int64
	TotalCredits      int64
	TotalDebits       int64
	CalculatedBalance int64
	ActualBalance     int64
	Difference        int64
	Reconciled        bool
}
