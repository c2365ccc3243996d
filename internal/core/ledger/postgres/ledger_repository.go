package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fanlume/pointscore/internal/core/ledger/domain"
	"github.com/fanlume/pointscore/internal/core/ledger/repository"
)

const uniqueViolation = "23505"

const entryColumns = `entry_id, idempotency_key, transaction_id, account_id, account_type,
		amount, entry_type, balance_state, state_transition, reason,
		balance_before, balance_after, currency, escrow_id, queue_item_id,
		feature_type, correlation_id, request_id, metadata, created_at`

// LedgerRepository implements the ledger storage port using PostgreSQL
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new PostgreSQL ledger repository
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// CreateEntry inserts an immutable ledger entry. A duplicate idempotency key
// is not an error: the existing entry is fetched and returned with the
// duplicate flag set.
func (r *LedgerRepository) CreateEntry(ctx context.Context, entry *domain.Entry) (*domain.Entry, bool, error) {
	if err := entry.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid entry: %w", err)
	}

	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	_, err = r.pool.Exec(ctx, query,
		entry.EntryID,
		entry.IdempotencyKey,
		entry.TransactionID,
		entry.AccountID,
		string(entry.AccountType),
		entry.Amount,
		string(entry.Type),
		string(entry.BalanceState),
		entry.StateTransition,
		entry.Reason,
		entry.BalanceBefore,
		entry.BalanceAfter,
		entry.Currency,
		nullable(entry.EscrowID),
		nullable(entry.QueueItemID),
		nullable(entry.FeatureType),
		nullable(entry.CorrelationID),
		nullable(entry.RequestID),
		metadataJSON,
		entry.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			existing, fetchErr := r.GetEntryByIdempotencyKey(ctx, entry.IdempotencyKey)
			if fetchErr != nil {
				return nil, false, fmt.Errorf("failed to fetch existing entry after duplicate key: %w", fetchErr)
			}
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	return entry, false, nil
}

// GetEntry retrieves an entry by ID; returns domain.ErrEntryNotFound if absent
func (r *LedgerRepository) GetEntry(ctx context.Context, entryID string) (*domain.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE entry_id = $1`
	return r.queryOne(ctx, query, entryID)
}

// GetEntryByIdempotencyKey retrieves an entry by its globally unique idempotency key
func (r *LedgerRepository) GetEntryByIdempotencyKey(ctx context.Context, key string) (*domain.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE idempotency_key = $1`
	return r.queryOne(ctx, query, key)
}

func (r *LedgerRepository) queryOne(ctx context.Context, query string, arg interface{}) (*domain.Entry, error) {
	row := r.pool.QueryRow(ctx, query, arg)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

// QueryEntries lists entries matching the filter with a total count.
// The caller (service layer) is responsible for clamping pagination.
func (r *LedgerRepository) QueryEntries(ctx context.Context, filter repository.EntryFilter) (*repository.EntryPage, error) {
	where := " WHERE 1=1"
	args := make([]interface{}, 0)
	argPos := 1

	addFilter := func(clause string, value interface{}) {
		where += fmt.Sprintf(" AND %s = $%d", clause, argPos)
		args = append(args, value)
		argPos++
	}

	if filter.AccountID != "" {
		addFilter("account_id", filter.AccountID)
	}
	if filter.AccountType != "" {
		addFilter("account_type", string(filter.AccountType))
	}
	if filter.Type != "" {
		addFilter("entry_type", string(filter.Type))
	}
	if filter.BalanceState != "" {
		addFilter("balance_state", string(filter.BalanceState))
	}
	if filter.Reason != "" {
		addFilter("reason", filter.Reason)
	}
	if filter.EscrowID != "" {
		addFilter("escrow_id", filter.EscrowID)
	}
	if filter.QueueItemID != "" {
		addFilter("queue_item_id", filter.QueueItemID)
	}
	if filter.FeatureType != "" {
		addFilter("feature_type", filter.FeatureType)
	}
	if filter.From != nil {
		where += fmt.Sprintf(" AND created_at >= $%d", argPos)
		args = append(args, *filter.From)
		argPos++
	}
	if filter.To != nil {
		where += fmt.Sprintf(" AND created_at <= $%d", argPos)
		args = append(args, *filter.To)
		argPos++
	}

	var total int64
	countQuery := `SELECT COUNT(*) FROM ledger_entries` + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	sortCol := "created_at"
	if filter.SortBy == repository.SortByAmount {
		sortCol = "amount"
	}
	direction := "DESC"
	if filter.SortAsc {
		direction = "ASC"
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries` + where +
		fmt.Sprintf(" ORDER BY %s %s", sortCol, direction)

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, filter.Limit)
		argPos++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
		argPos++
	}

	entries, err := r.queryMany(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	hasMore := filter.Limit > 0 && int64(filter.Offset+len(entries)) < total

	return &repository.EntryPage{
		Entries:    entries,
		TotalCount: total,
		HasMore:    hasMore,
	}, nil
}

// GetEntriesByTransaction retrieves all entries of one transaction in time order
func (r *LedgerRepository) GetEntriesByTransaction(ctx context.Context, transactionID string) ([]*domain.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE transaction_id = $1 ORDER BY created_at ASC, entry_id ASC`
	return r.queryMany(ctx, query, transactionID)
}

// EntriesUpTo returns all entries for an account up to asOf, ascending
func (r *LedgerRepository) EntriesUpTo(ctx context.Context, accountID string, asOf time.Time) ([]*domain.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE account_id = $1 AND created_at <= $2
		ORDER BY created_at ASC, entry_id ASC`
	return r.queryMany(ctx, query, accountID, asOf)
}

// EntriesInRange returns entries for one account and balance state inside [from, to)
func (r *LedgerRepository) EntriesInRange(ctx context.Context, accountID string, state domain.BalanceState, from, to time.Time) ([]*domain.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE account_id = $1 AND balance_state = $2 AND created_at >= $3 AND created_at < $4
		ORDER BY created_at ASC, entry_id ASC`
	return r.queryMany(ctx, query, accountID, string(state), from, to)
}

// JournalFailedEntry records a failed post-commit ledger write for repair
func (r *LedgerRepository) JournalFailedEntry(ctx context.Context, entry *domain.Entry, failure string) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	query := `
		INSERT INTO ledger_repair_journal (transaction_id, escrow_id, entry_request, failure_message)
		VALUES ($1, $2, $3, $4)
	`

	_, err = r.pool.Exec(ctx, query, entry.TransactionID, nullable(entry.EscrowID), entryJSON, failure)
	if err != nil {
		return fmt.Errorf("failed to journal ledger entry: %w", err)
	}

	return nil
}

func (r *LedgerRepository) queryMany(ctx context.Context, query string, args ...interface{}) ([]*domain.Entry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}

func scanEntry(row pgx.Row) (*domain.Entry, error) {
	var entry domain.Entry
	var accountType, entryType, balanceState string
	var escrowID, queueItemID, featureType, correlationID, requestID sql.NullString
	var metadataJSON []byte

	err := row.Scan(
		&entry.EntryID,
		&entry.IdempotencyKey,
		&entry.TransactionID,
		&entry.AccountID,
		&accountType,
		&entry.Amount,
		&entryType,
		&balanceState,
		&entry.StateTransition,
		&entry.Reason,
		&entry.BalanceBefore,
		&entry.BalanceAfter,
		&entry.Currency,
		&escrowID,
		&queueItemID,
		&featureType,
		&correlationID,
		&requestID,
		&metadataJSON,
		&entry.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	entry.AccountType = domain.AccountType(accountType)
	entry.Type = domain.EntryType(entryType)
	entry.BalanceState = domain.BalanceState(balanceState)
	entry.EscrowID = escrowID.String
	entry.QueueItemID = queueItemID.String
	entry.FeatureType = featureType.String
	entry.CorrelationID = correlationID.String
	entry.RequestID = requestID.String

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &entry, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
