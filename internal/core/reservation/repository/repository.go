package repository

import (
	"context"
	"time"

	"github.com/fanlume/pointscore/internal/core/reservation/domain"
)

// ReservationRepository is the storage port for reservations. Resolution is a
// conditional update on status='active'; the boolean return reports whether
// this caller won the claim.
type ReservationRepository interface {
	CreateReservation(ctx context.Context, reservation *domain.Reservation) error

	// GetReservation returns the reservation, or nil when absent.
	GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error)

	// ResolveReservation moves active -> to, recording the recipient (commit
	// only), the resolving transaction and processedAt. The claim is atomic:
	// exactly one of a concurrent commit/release/sweep succeeds.
	ResolveReservation(ctx context.Context, reservationID string, to domain.Status, recipientID, resolveTransactionID string, processedAt time.Time) (bool, error)

	// ListOverdue returns active reservations whose expiry has passed.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error)

	// DeleteDead evicts terminal reservations that expired before cutoff.
	DeleteDead(ctx context.Context, cutoff time.Time) (int64, error)
}
