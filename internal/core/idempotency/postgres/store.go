package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fanlume/pointscore/internal/core/idempotency"
)

const uniqueViolation = "23505"

// Store implements the idempotency repository using PostgreSQL
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new PostgreSQL idempotency store
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert writes a record; a composite-key collision returns the winner
func (s *Store) Insert(ctx context.Context, record *idempotency.Record) (*idempotency.Record, bool, error) {
	query := `
		INSERT INTO idempotency_records (idempotency_key, event_scope, result_hash, stored_result, status_code, created_at, expires_at, retention_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.pool.Exec(ctx, query,
		record.Key,
		string(record.Scope),
		record.ResultHash,
		[]byte(record.StoredResult),
		record.StatusCode,
		record.CreatedAt,
		record.ExpiresAt,
		record.RetentionUntil,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			existing, getErr := s.Get(ctx, record.Key, record.Scope)
			if getErr != nil {
				return nil, false, fmt.Errorf("failed to fetch winning record after collision: %w", getErr)
			}
			if existing == nil {
				return nil, false, fmt.Errorf("idempotency record vanished after collision: key=%s scope=%s", record.Key, record.Scope)
			}
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("failed to insert idempotency record: %w", err)
	}

	return record, false, nil
}

// Get returns the record for (key, scope), or nil when absent
func (s *Store) Get(ctx context.Context, key string, scope idempotency.Scope) (*idempotency.Record, error) {
	query := `
		SELECT idempotency_key, event_scope, result_hash, stored_result, status_code, created_at, expires_at, retention_until
		FROM idempotency_records
		WHERE idempotency_key = $1 AND event_scope = $2
	`

	var record idempotency.Record
	var scopeStr string
	var stored []byte

	err := s.pool.QueryRow(ctx, query, key, string(scope)).Scan(
		&record.Key,
		&scopeStr,
		&record.ResultHash,
		&stored,
		&record.StatusCode,
		&record.CreatedAt,
		&record.ExpiresAt,
		&record.RetentionUntil,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	record.Scope = idempotency.Scope(scopeStr)
	record.StoredResult = stored

	return &record, nil
}

// DeleteExpired removes records past their retention horizon
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE retention_until < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}
