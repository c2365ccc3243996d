//go:build integration

package integration

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanlume/pointscore/internal/core/idempotency"
	idempostgres "github.com/fanlume/pointscore/internal/core/idempotency/postgres"
	ledgerpostgres "github.com/fanlume/pointscore/internal/core/ledger/postgres"
	ledgerservice "github.com/fanlume/pointscore/internal/core/ledger/service"
	reservationdomain "github.com/fanlume/pointscore/internal/core/reservation/domain"
	reservationpostgres "github.com/fanlume/pointscore/internal/core/reservation/postgres"
	reservationservice "github.com/fanlume/pointscore/internal/core/reservation/service"
	walletpostgres "github.com/fanlume/pointscore/internal/core/wallet/postgres"
	"github.com/fanlume/pointscore/internal/platform/events"
	apperrors "github.com/fanlume/pointscore/internal/shared/errors"
	"github.com/fanlume/pointscore/pkg/logger"
)

func setupReservations(t *testing.T) (*reservationservice.ReservationService, context.Context) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, testDB.Reset(ctx))

	log := logger.New("test", io.Discard)

	walletRepo := walletpostgres.NewWalletRepository(testDB.Pool)
	ledgerSvc := ledgerservice.NewLedgerService(ledgerpostgres.NewLedgerRepository(testDB.Pool), walletRepo, "points", log)

	idemSvc := idempotency.NewService(idempostgres.NewStore(testDB.Pool), nil, idempotency.Config{
		OperationalTTL: 24 * time.Hour,
		Retention:      365 * 24 * time.Hour,
	}, log)
	idemSvc.SetKeyValidator(idempotency.DerivedKeyValidator)

	bus := events.NewBus(events.Config{RetryDelay: time.Millisecond}, log)
	t.Cleanup(bus.Stop)

	svc := reservationservice.NewReservationService(
		reservationpostgres.NewReservationRepository(testDB.Pool),
		walletRepo,
		ledgerSvc,
		idemSvc,
		bus,
		reservationservice.Config{DefaultTTL: 15 * time.Minute, MaxTTL: time.Hour},
		log,
	)
	svc.SetSleepFunc(func(time.Duration) {})

	return svc, ctx
}

func TestReservation_ReserveThenCommitToRecipient(t *testing.T) {
	svc, ctx := setupReservations(t)

	userID := uuid.NewString()
	recipientID := uuid.NewString()
	seedWallet(t, ctx, userID, 1000)

	reserved, err := svc.Reserve(ctx, reservationservice.ReserveRequest{
		IdempotencyKey: uuid.NewString(),
		UserID:         userID,
		Amount:         400,
		TTLSeconds:     600,
		Reason:         "tip pending",
	})
	require.NoError(t, err)
	assert.Equal(t, reservationdomain.StatusActive, reserved.Status)
	assert.Equal(t, int64(600), reserved.AvailableBalance)

	committed, err := svc.Commit(ctx, reservationservice.CommitRequest{
		IdempotencyKey: uuid.NewString(),
		ReservationID:  reserved.ReservationID,
		RecipientID:    recipientID,
		Reason:         "tip delivered",
	})
	require.NoError(t, err)
	assert.Equal(t, reservationdomain.StatusCommitted, committed.Status)
	assert.Equal(t, recipientID, committed.RecipientID)
}

func TestReservation_ReserveThenRelease(t *testing.T) {
	svc, ctx := setupReservations(t)

	userID := uuid.NewString()
	seedWallet(t, ctx, userID, 500)

	reserved, err := svc.Reserve(ctx, reservationservice.ReserveRequest{
		IdempotencyKey: uuid.NewString(),
		UserID:         userID,
		Amount:         200,
		Reason:         "checkout started",
	})
	require.NoError(t, err)

	released, err := svc.Release(ctx, reservationservice.ReleaseRequest{
		IdempotencyKey: uuid.NewString(),
		ReservationID:  reserved.ReservationID,
		Reason:         "checkout abandoned",
	})
	require.NoError(t, err)
	assert.Equal(t, reservationdomain.StatusReleased, released.Status)
	assert.Equal(t, int64(500), released.AvailableBalance)
}

func TestReservation_CommitAfterReleaseRejected(t *testing.T) {
	svc, ctx := setupReservations(t)

	userID := uuid.NewString()
	seedWallet(t, ctx, userID, 500)

	reserved, err := svc.Reserve(ctx, reservationservice.ReserveRequest{
		IdempotencyKey: uuid.NewString(),
		UserID:         userID,
		Amount:         200,
		Reason:         "checkout started",
	})
	require.NoError(t, err)

	_, err = svc.Release(ctx, reservationservice.ReleaseRequest{
		IdempotencyKey: uuid.NewString(),
		ReservationID:  reserved.ReservationID,
		Reason:         "checkout abandoned",
	})
	require.NoError(t, err)

	_, err = svc.Commit(ctx, reservationservice.CommitRequest{
		IdempotencyKey: uuid.NewString(),
		ReservationID:  reserved.ReservationID,
		Reason:         "checkout finished",
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeReservationProcessed))
}

func TestReservation_ExpireOverdueRestoresBalance(t *testing.T) {
	svc, ctx := setupReservations(t)

	userID := uuid.NewString()
	seedWallet(t, ctx, userID, 500)

	now := time.Now().UTC()
	svc.SetNowFunc(func() time.Time { return now })

	reserved, err := svc.Reserve(ctx, reservationservice.ReserveRequest{
		IdempotencyKey: uuid.NewString(),
		UserID:         userID,
		Amount:         300,
		TTLSeconds:     60,
		Reason:         "checkout started",
	})
	require.NoError(t, err)

	// Past the deadline the sweep claims and expires the reservation
	now = now.Add(2 * time.Minute)

	expired, err := svc.ExpireOverdue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := svc.GetReservation(ctx, reserved.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, reservationdomain.StatusExpired, got.Status)

	var available int64
	require.NoError(t, testDB.Pool.QueryRow(ctx,
		"SELECT available_balance FROM wallets WHERE user_id = $1", userID).Scan(&available))
	assert.Equal(t, int64(500), available)
}
