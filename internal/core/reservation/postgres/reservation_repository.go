package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fanlume/pointscore/internal/core/reservation/domain"
)

// ReservationRepository implements the reservation storage port using PostgreSQL
type ReservationRepository struct {
	pool *pgxpool.Pool
}

// NewReservationRepository creates a new PostgreSQL reservation repository
func NewReservationRepository(pool *pgxpool.Pool) *ReservationRepository {
	return &ReservationRepository{pool: pool}
}

// CreateReservation inserts a new reservation row
func (r *ReservationRepository) CreateReservation(ctx context.Context, reservation *domain.Reservation) error {
	if err := reservation.Validate(); err != nil {
		return fmt.Errorf("invalid reservation: %w", err)
	}

	query := `
		INSERT INTO points_reservations (reservation_id, user_id, amount, status, ttl_seconds, recipient_id, hold_transaction_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.pool.Exec(ctx, query,
		reservation.ReservationID,
		reservation.UserID,
		reservation.Amount,
		string(reservation.Status),
		reservation.TTLSeconds,
		nullable(reservation.RecipientID),
		reservation.HoldTransactionID,
		reservation.CreatedAt,
		reservation.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create reservation: %w", err)
	}

	return nil
}

// GetReservation returns the reservation, or nil when absent
func (r *ReservationRepository) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	query := `
		SELECT reservation_id, user_id, amount, status, ttl_seconds, recipient_id, hold_transaction_id, resolve_transaction_id, created_at, expires_at, processed_at
		FROM points_reservations
		WHERE reservation_id = $1
	`

	row := r.pool.QueryRow(ctx, query, reservationID)
	reservation, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}

	return reservation, nil
}

// ResolveReservation moves active -> to; returns false when the claim was lost
func (r *ReservationRepository) ResolveReservation(ctx context.Context, reservationID string, to domain.Status, recipientID, resolveTransactionID string, processedAt time.Time) (bool, error) {
	if !to.IsTerminal() {
		return false, domain.ErrInvalidStatus
	}

	query := `
		UPDATE points_reservations
		SET status = $2, recipient_id = COALESCE($3, recipient_id), resolve_transaction_id = $4, processed_at = $5
		WHERE reservation_id = $1 AND status = $6
	`

	tag, err := r.pool.Exec(ctx, query,
		reservationID,
		string(to),
		nullable(recipientID),
		nullable(resolveTransactionID),
		processedAt,
		string(domain.StatusActive),
	)
	if err != nil {
		return false, fmt.Errorf("failed to resolve reservation: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ListOverdue returns active reservations whose expiry has passed
func (r *ReservationRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	query := `
		SELECT reservation_id, user_id, amount, status, ttl_seconds, recipient_id, hold_transaction_id, resolve_transaction_id, created_at, expires_at, processed_at
		FROM points_reservations
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, string(domain.StatusActive), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue reservations: %w", err)
	}
	defer rows.Close()

	var reservations []*domain.Reservation
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		reservations = append(reservations, reservation)
	}

	return reservations, rows.Err()
}

// DeleteDead evicts terminal reservations that expired before cutoff
func (r *ReservationRepository) DeleteDead(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM points_reservations
		WHERE status <> $1 AND expires_at < $2
	`

	tag, err := r.pool.Exec(ctx, query, string(domain.StatusActive), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to evict dead reservations: %w", err)
	}

	return tag.RowsAffected(), nil
}

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var res domain.Reservation
	var status string
	var recipientID, resolveTxID sql.NullString
	var processedAt sql.NullTime

	err := row.Scan(
		&res.ReservationID,
		&res.UserID,
		&res.Amount,
		&status,
		&res.TTLSeconds,
		&recipientID,
		&res.HoldTransactionID,
		&resolveTxID,
		&res.CreatedAt,
		&res.ExpiresAt,
		&processedAt,
	)
	if err != nil {
		return nil, err
	}

	res.Status = domain.Status(status)
	res.RecipientID = recipientID.String
	res.ResolveTransactionID = resolveTxID.String
	if processedAt.Valid {
		t := processedAt.Time
		res.ProcessedAt = &t
	}

	return &res, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
