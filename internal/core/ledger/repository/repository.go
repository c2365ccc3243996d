package repository

import (
	"context"
	"time"

	"github.com/fanlume/pointscore/internal/core/ledger/domain"
)

// SortField enumerates the supported query sort columns
type SortField string

const (
	SortByTimestamp SortField = "timestamp"
	SortByAmount    SortField = "amount"
)

// EntryFilter narrows a ledger query. Zero values mean "no constraint".
type EntryFilter struct {
	AccountID    string
	AccountType  domain.AccountType
	Type         domain.EntryType
	BalanceState domain.BalanceState
	Reason       string
	EscrowID     string
	QueueItemID  string
	FeatureType  string
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
	SortBy       SortField
	SortAsc      bool
}

// EntryPage is one page of query results
type EntryPage struct {
	Entries    []*domain.Entry
	TotalCount int64
	HasMore    bool
}

// LedgerRepository is the storage port for the immutable ledger.
// CreateEntry must treat a duplicate idempotency key as the dedup fast-path:
// it returns the existing entry rather than an error.
type LedgerRepository interface {
	CreateEntry(ctx context.Context, entry *domain.Entry) (*domain.Entry, bool, error)
	GetEntry(ctx context.Context, entryID string) (*domain.Entry, error)
	GetEntryByIdempotencyKey(ctx context.Context, key string) (*domain.Entry, error)
	QueryEntries(ctx context.Context, filter EntryFilter) (*EntryPage, error)
	GetEntriesByTransaction(ctx context.Context, transactionID string) ([]*domain.Entry, error)

	// EntriesUpTo returns entries for one account up to asOf in ascending
	// timestamp order. Used for balance snapshots.
	EntriesUpTo(ctx context.Context, accountID string, asOf time.Time) ([]*domain.Entry, error)

	// EntriesInRange returns entries for one account and balance state inside
	// [from, to) in ascending timestamp order. Used for reconciliation.
	EntriesInRange(ctx context.Context, accountID string, state domain.BalanceState, from, to time.Time) ([]*domain.Entry, error)

	// JournalFailedEntry records an entry whose write failed after the owning
	// wallet update had committed, for operator repair.
	JournalFailedEntry(ctx context.Context, entry *domain.Entry, failure string) error
}
