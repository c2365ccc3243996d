package ingest

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
)

const uniqueViolation = "23505"

// claimLease is how long a claimed event stays invisible to other claimers.
// A worker that dies mid-handling forfeits the row when the lease runs out.
const claimLease = 5 * time.Minute

// PostgresStore implements the ingest storage port using PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL ingest store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Enqueue adds a new queued event; duplicates report false
func (s *PostgresStore) Enqueue(ctx context.Context, event *Event) (bool, error) {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO ingest_events (event_id, event_type, status, attempts, payload, replayable, received_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6)
	`

	_, err = s.pool.Exec(ctx, query,
		event.EventID,
		event.EventType,
		string(StatusQueued),
		payloadJSON,
		event.Replayable,
		event.ReceivedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("failed to enqueue event: %w", err)
	}

	return true, nil
}

// ClaimDue atomically claims due events for this worker. SKIP LOCKED keeps
// concurrent workers off each other's rows; the lease written into
// next_attempt_at keeps later polls off the claimed rows until it expires.
func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Event, error) {
	query := `
		UPDATE ingest_events
		SET status = $1, attempts = attempts + 1, next_attempt_at = $5
		WHERE event_id IN (
			SELECT event_id FROM ingest_events
			WHERE (status = $2 AND (next_attempt_at IS NULL OR next_attempt_at <= $3))
			   OR (status = $1 AND next_attempt_at <= $3)
			ORDER BY received_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING event_id, event_type, status, attempts, next_attempt_at, payload, last_error_code, last_error_message, replayable, received_at, processed_at
	`

	rows, err := s.pool.Query(ctx, query, string(StatusProcessing), string(StatusQueued), now, limit, now.Add(claimLease))
	if err != nil {
		return nil, fmt.Errorf("failed to claim events: %w", err)
	}
	defer rows.Close()

	var claimed []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed event: %w", err)
		}
		claimed = append(claimed, event)
	}

	return claimed, rows.Err()
}

// MarkProcessed finalizes a successfully handled event
func (s *PostgresStore) MarkProcessed(ctx context.Context, eventID string, processedAt time.Time) error {
	query := `
		UPDATE ingest_events
		SET status = $2, processed_at = $3, next_attempt_at = NULL, last_error_code = NULL, last_error_message = NULL
		WHERE event_id = $1
	`

	if _, err := s.pool.Exec(ctx, query, eventID, string(StatusProcessed), processedAt); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// Requeue schedules another attempt after a retryable failure
func (s *PostgresStore) Requeue(ctx context.Context, eventID string, nextAttemptAt time.Time, errCode, errMessage string) error {
	query := `
		UPDATE ingest_events
		SET status = $2, next_attempt_at = $3, last_error_code = $4, last_error_message = $5
		WHERE event_id = $1
	`

	if _, err := s.pool.Exec(ctx, query, eventID, string(StatusQueued), nextAttemptAt, errCode, errMessage); err != nil {
		return fmt.Errorf("failed to requeue event: %w", err)
	}
	return nil
}

// MoveToDLQ removes the event from the queue and records it in the DLQ
func (s *PostgresStore) MoveToDLQ(ctx context.Context, event *Event, errCode, errMessage string) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin dlq move: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO dlq_events (event_id, event_type, payload, attempts, last_error_code, last_error_message, replayable, moved_to_dlq_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (event_id) DO UPDATE
		SET attempts = EXCLUDED.attempts,
		    last_error_code = EXCLUDED.last_error_code,
		    last_error_message = EXCLUDED.last_error_message,
		    moved_to_dlq_at = now()
	`

	if _, err := tx.Exec(ctx, insert,
		event.EventID, event.EventType, payloadJSON, event.Attempts, errCode, errMessage, event.Replayable,
	); err != nil {
		return fmt.Errorf("failed to insert dlq event: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM ingest_events WHERE event_id = $1`, event.EventID); err != nil {
		return fmt.Errorf("failed to remove queued event: %w", err)
	}

	return tx.Commit(ctx)
}

// ListDLQ returns dead-lettered events matching the filter
func (s *PostgresStore) ListDLQ(ctx context.Context, filter DLQFilter, limit int) ([]*DLQEvent, error) {
	query := `
		SELECT event_id, event_type, payload, attempts, last_error_code, last_error_message, replayable, moved_to_dlq_at, replayed_at, replay_result
		FROM dlq_events
		WHERE ($1 = '' OR event_id = $1)
		  AND ($2 = '' OR event_type = $2)
		  AND ($3::timestamptz IS NULL OR moved_to_dlq_at >= $3)
		  AND ($4::timestamptz IS NULL OR moved_to_dlq_at <= $4)
		ORDER BY moved_to_dlq_at
		LIMIT $5
	`

	var since, until interface{}
	if !filter.Since.IsZero() {
		since = filter.Since
	}
	if !filter.Until.IsZero() {
		until = filter.Until
	}

	rows, err := s.pool.Query(ctx, query, filter.EventID, filter.EventType, since, until, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dlq events: %w", err)
	}
	defer rows.Close()

	var dead []*DLQEvent
	for rows.Next() {
		var e DLQEvent
		var payloadJSON []byte
		var errCode, errMessage, replayResult sql.NullString
		var replayedAt sql.NullTime

		if err := rows.Scan(
			&e.EventID,
			&e.EventType,
			&payloadJSON,
			&e.Attempts,
			&errCode,
			&errMessage,
			&e.Replayable,
			&e.MovedToDLQAt,
			&replayedAt,
			&replayResult,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dlq event: %w", err)
		}

		e.LastErrorCode = errCode.String
		e.LastErrorMessage = errMessage.String
		e.ReplayResult = replayResult.String
		if replayedAt.Valid {
			t := replayedAt.Time
			e.ReplayedAt = &t
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal dlq payload: %w", err)
			}
		}

		dead = append(dead, &e)
	}

	return dead, rows.Err()
}

// RequeueFromDLQ re-submits a dead-lettered event with a clean slate
func (s *PostgresStore) RequeueFromDLQ(ctx context.Context, eventID string, replayedAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin dlq replay: %w", err)
	}
	defer tx.Rollback(ctx)

	requeue := `
		INSERT INTO ingest_events (event_id, event_type, status, attempts, payload, replayable, received_at)
		SELECT event_id, event_type, $2, 0, payload, replayable, now()
		FROM dlq_events
		WHERE event_id = $1
		ON CONFLICT (event_id) DO UPDATE
		SET status = $2, attempts = 0, next_attempt_at = NULL, last_error_code = NULL, last_error_message = NULL
	`

	if _, err := tx.Exec(ctx, requeue, eventID, string(StatusQueued)); err != nil {
		return fmt.Errorf("failed to requeue dlq event: %w", err)
	}

	annotate := `
		UPDATE dlq_events
		SET replayed_at = $2, replay_result = 'requeued'
		WHERE event_id = $1
	`

	if _, err := tx.Exec(ctx, annotate, eventID, replayedAt); err != nil {
		return fmt.Errorf("failed to annotate dlq event: %w", err)
	}

	return tx.Commit(ctx)
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	var status string
	var payloadJSON []byte
	var nextAttemptAt, processedAt sql.NullTime
	var errCode, errMessage sql.NullString

	err := row.Scan(
		&e.EventID,
		&e.EventType,
		&status,
		&e.Attempts,
		&nextAttemptAt,
		&payloadJSON,
		&errCode,
		&errMessage,
		&e.Replayable,
		&e.ReceivedAt,
		&processedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.LastErrorCode = errCode.String
	e.LastErrorMessage = errMessage.String
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time
		e.NextAttemptAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
			return nil, err
		}
	}

	return &e, nil
}
