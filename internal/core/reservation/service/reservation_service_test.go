package service

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fanlume/pointscore/internal/core/idempotency"
	ledgerdomain "github.com/fanlume/pointscore/internal/core/ledger/domain"
	ledgerservice "github.com/fanlume/pointscore/internal/core/ledger/service"
	"github.com/fanlume/pointscore/internal/core/reservation/domain"
	walletdomain "github.com/fanlume/pointscore/internal/core/wallet/domain"
	"github.com/fanlume/pointscore/internal/platform/events"
	apperrors "github.com/fanlume/pointscore/internal/shared/errors"
	"github.com/fanlume/pointscore/pkg/logger"
)

type mockReservationRepo struct {
	mock.Mock
}

func (m *mockReservationRepo) CreateReservation(ctx context.Context, reservation *domain.Reservation) error {
	args := m.Called(ctx, reservation)
	return args.Error(0)
}

func (m *mockReservationRepo) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	args := m.Called(ctx, reservationID)
	if r := args.Get(0); r != nil {
		return r.(*domain.Reservation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockReservationRepo) ResolveReservation(ctx context.Context, reservationID string, to domain.Status, recipientID, resolveTransactionID string, processedAt time.Time) (bool, error) {
	args := m.Called(ctx, reservationID, to, recipientID, resolveTransactionID, processedAt)
	return args.Bool(0), args.Error(1)
}

func (m *mockReservationRepo) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	args := m.Called(ctx, now, limit)
	if r := args.Get(0); r != nil {
		return r.([]*domain.Reservation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockReservationRepo) DeleteDead(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

type mockWalletRepo struct {
	mock.Mock
}

func (m *mockWalletRepo) GetWallet(ctx context.Context, userID string) (*walletdomain.Wallet, error) {
	args := m.Called(ctx, userID)
	if w := args.Get(0); w != nil {
		return w.(*walletdomain.Wallet), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWalletRepo) CreateWallet(ctx context.Context, userID string) (*walletdomain.Wallet, error) {
	args := m.Called(ctx, userID)
	if w := args.Get(0); w != nil {
		return w.(*walletdomain.Wallet), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWalletRepo) UpdateWalletBalances(ctx context.Context, userID string, version int64, available, escrow int64) (bool, error) {
	args := m.Called(ctx, userID, version, available, escrow)
	return args.Bool(0), args.Error(1)
}

func (m *mockWalletRepo) GetModelWallet(ctx context.Context, modelID string) (*walletdomain.ModelWallet, error) {
	args := m.Called(ctx, modelID)
	if w := args.Get(0); w != nil {
		return w.(*walletdomain.ModelWallet), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWalletRepo) CreateModelWallet(ctx context.Context, modelID string, walletType walletdomain.ModelWalletType) (*walletdomain.ModelWallet, error) {
	args := m.Called(ctx, modelID, walletType)
	if w := args.Get(0); w != nil {
		return w.(*walletdomain.ModelWallet), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWalletRepo) UpdateModelWalletBalance(ctx context.Context, modelID string, version int64, earned int64) (bool, error) {
	args := m.Called(ctx, modelID, version, earned)
	return args.Bool(0), args.Error(1)
}

func (m *mockWalletRepo) CreateEscrow(ctx context.Context, escrow *walletdomain.EscrowItem) error {
	args := m.Called(ctx, escrow)
	return args.Error(0)
}

func (m *mockWalletRepo) GetEscrow(ctx context.Context, escrowID string) (*walletdomain.EscrowItem, error) {
	args := m.Called(ctx, escrowID)
	if e := args.Get(0); e != nil {
		return e.(*walletdomain.EscrowItem), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWalletRepo) GetEscrowByQueueItem(ctx context.Context, queueItemID string) (*walletdomain.EscrowItem, error) {
	args := m.Called(ctx, queueItemID)
	if e := args.Get(0); e != nil {
		return e.(*walletdomain.EscrowItem), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWalletRepo) DeleteEscrow(ctx context.Context, escrowID string) error {
	args := m.Called(ctx, escrowID)
	return args.Error(0)
}

func (m *mockWalletRepo) TransitionEscrow(ctx context.Context, escrowID string, to walletdomain.EscrowStatus, modelID string, processedAt time.Time) (bool, error) {
	args := m.Called(ctx, escrowID, to, modelID, processedAt)
	return args.Bool(0), args.Error(1)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) CreateEntry(ctx context.Context, req ledgerservice.CreateEntryRequest) (*ledgerdomain.Entry, error) {
	args := m.Called(ctx, req)
	if e := args.Get(0); e != nil {
		return e.(*ledgerdomain.Entry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLedger) JournalFailedEntry(ctx context.Context, req ledgerservice.CreateEntryRequest, failure string) error {
	args := m.Called(ctx, req, failure)
	return args.Error(0)
}

type mockIdem struct {
	mock.Mock
}

func (m *mockIdem) Check(ctx context.Context, key string, scope idempotency.Scope) (*idempotency.CheckResult, error) {
	args := m.Called(ctx, key, scope)
	if r := args.Get(0); r != nil {
		return r.(*idempotency.CheckResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockIdem) Store(ctx context.Context, key string, scope idempotency.Scope, result interface{}, statusCode int) error {
	args := m.Called(ctx, key, scope, result, statusCode)
	return args.Error(0)
}

type mockBus struct {
	mock.Mock
}

func (m *mockBus) PublishAsync(ctx context.Context, event *events.Event) (string, error) {
	args := m.Called(ctx, event)
	return args.String(0), args.Error(1)
}

const (
	testKey         = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	testUser        = "user-1"
	testRecipient   = "model-1"
	testReservation = "res-1"
)

func newTestService(t *testing.T) (*ReservationService, *mockReservationRepo, *mockWalletRepo, *mockLedger, *mockIdem, *mockBus) {
	t.Helper()

	reservations := new(mockReservationRepo)
	wallets := new(mockWalletRepo)
	ledger := new(mockLedger)
	idem := new(mockIdem)
	bus := new(mockBus)

	svc := NewReservationService(reservations, wallets, ledger, idem, bus, Config{
		MaxRetryAttempts: 3,
		RetryBackoff:     time.Millisecond,
		DefaultTTL:       300 * time.Second,
		MaxTTL:           time.Hour,
	}, logger.New("test", io.Discard))
	svc.SetSleepFunc(func(time.Duration) {})

	return svc, reservations, wallets, ledger, idem, bus
}

func activeReservation(expiresAt time.Time) *domain.Reservation {
	return &domain.Reservation{
		ReservationID:     testReservation,
		UserID:            testUser,
		Amount:            50,
		Status:            domain.StatusActive,
		TTLSeconds:        300,
		HoldTransactionID: "tx-hold",
		CreatedAt:         expiresAt.Add(-300 * time.Second),
		ExpiresAt:         expiresAt,
	}
}

func TestReserve_Success(t *testing.T) {
	svc, reservations, wallets, ledger, idem, bus := newTestService(t)
	ctx := context.Background()

	idem.On("Check", ctx, testKey, idempotency.ScopeReserve).Return(&idempotency.CheckResult{}, nil)
	wallets.On("CreateWallet", ctx, testUser).Return(&walletdomain.Wallet{
		UserID: testUser, AvailableBalance: 200, EscrowBalance: 10, Version: 3,
	}, nil)
	wallets.On("UpdateWalletBalances", ctx, testUser, int64(3), int64(150), int64(10)).Return(true, nil)
	reservations.On("CreateReservation", ctx, mock.AnythingOfType("*domain.Reservation")).Return(nil)
	ledger.On("CreateEntry", ctx, mock.Anything).Return(&ledgerdomain.Entry{}, nil)
	idem.On("Store", ctx, testKey, idempotency.ScopeReserve, mock.Anything, 201).Return(nil)
	bus.On("PublishAsync", ctx, mock.Anything).Return("event-id", nil)

	result, err := svc.Reserve(ctx, ReserveRequest{
		IdempotencyKey: testKey,
		UserID:         testUser,
		Amount:         50,
		TTLSeconds:     120,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, result.Status)
	assert.Equal(t, int64(150), result.AvailableBalance)
	assert.NotEmpty(t, result.ReservationID)
	assert.False(t, result.ExpiresAt.IsZero())

	created := reservations.Calls[0].Arguments.Get(1).(*domain.Reservation)
	assert.Equal(t, int64(120), created.TTLSeconds)
	assert.Equal(t, created.CreatedAt.Add(120*time.Second), created.ExpiresAt)

	entry := ledger.Calls[0].Arguments.Get(1).(ledgerservice.CreateEntryRequest)
	assert.Equal(t, testKey+"_hold", entry.IdempotencyKey)
	assert.Equal(t, int64(-50), entry.Amount)
	assert.Equal(t, "available->reserved", entry.StateTransition)
}

func TestReserve_InsufficientBalance(t *testing.T) {
	svc, reservations, wallets, _, idem, _ := newTestService(t)
	ctx := context.Background()

	idem.On("Check", ctx, testKey, idempotency.ScopeReserve).Return(&idempotency.CheckResult{}, nil)
	wallets.On("CreateWallet", ctx, testUser).Return(&walletdomain.Wallet{
		UserID: testUser, AvailableBalance: 10, Version: 1,
	}, nil)

	_, err := svc.Reserve(ctx, ReserveRequest{
		IdempotencyKey: testKey,
		UserID:         testUser,
		Amount:         50,
	})

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInsufficientBalance))
	reservations.AssertNotCalled(t, "CreateReservation", mock.Anything, mock.Anything)
}

func TestReserve_TTLCapEnforced(t *testing.T) {
	svc, _, wallets, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, ReserveRequest{
		IdempotencyKey: testKey,
		UserID:         testUser,
		Amount:         50,
		TTLSeconds:     7200,
	})

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	wallets.AssertNotCalled(t, "CreateWallet", mock.Anything, mock.Anything)
}

func TestCommit_SettlesToRecipient(t *testing.T) {
	svc, reservations, wallets, ledger, idem, bus := newTestService(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Minute)
	idem.On("Check", ctx, testKey, idempotency.ScopeCommit).Return(&idempotency.CheckResult{}, nil)
	reservations.On("GetReservation", ctx, testReservation).Return(activeReservation(future), nil)
	reservations.On("ResolveReservation", ctx, testReservation, domain.StatusCommitted, testRecipient, mock.AnythingOfType("string"), mock.AnythingOfType("time.Time")).Return(true, nil)
	wallets.On("CreateModelWallet", ctx, testRecipient, walletdomain.ModelWalletEarnings).Return(&walletdomain.ModelWallet{
		ModelID: testRecipient, EarnedBalance: 100, Version: 2,
	}, nil)
	wallets.On("UpdateModelWalletBalance", ctx, testRecipient, int64(2), int64(150)).Return(true, nil)
	ledger.On("CreateEntry", ctx, mock.Anything).Return(&ledgerdomain.Entry{}, nil)
	idem.On("Store", ctx, testKey, idempotency.ScopeCommit, mock.Anything, 200).Return(nil)
	bus.On("PublishAsync", ctx, mock.Anything).Return("event-id", nil)

	result, err := svc.Commit(ctx, CommitRequest{
		IdempotencyKey: testKey,
		ReservationID:  testReservation,
		RecipientID:    testRecipient,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, result.Status)
	assert.Equal(t, testRecipient, result.RecipientID)

	entry := ledger.Calls[0].Arguments.Get(1).(ledgerservice.CreateEntryRequest)
	assert.Equal(t, ledgerdomain.AccountModel, entry.AccountType)
	assert.Equal(t, ledgerdomain.StateEarned, entry.BalanceState)
	assert.Equal(t, int64(150), entry.BalanceAfter)
}

func TestCommit_OverdueReportsExpired(t *testing.T) {
	svc, reservations, _, _, idem, _ := newTestService(t)
	ctx := context.Background()

	// Row still says active, but the clock has passed the deadline.
	past := time.Now().UTC().Add(-time.Minute)
	idem.On("Check", ctx, testKey, idempotency.ScopeCommit).Return(&idempotency.CheckResult{}, nil)
	reservations.On("GetReservation", ctx, testReservation).Return(activeReservation(past), nil)

	_, err := svc.Commit(ctx, CommitRequest{
		IdempotencyKey: testKey,
		ReservationID:  testReservation,
	})

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeReservationExpired))
	reservations.AssertNotCalled(t, "ResolveReservation",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCommit_TerminalReportsAlreadyProcessed(t *testing.T) {
	svc, reservations, _, _, idem, _ := newTestService(t)
	ctx := context.Background()

	released := activeReservation(time.Now().UTC().Add(time.Minute))
	released.Status = domain.StatusReleased

	idem.On("Check", ctx, testKey, idempotency.ScopeCommit).Return(&idempotency.CheckResult{}, nil)
	reservations.On("GetReservation", ctx, testReservation).Return(released, nil)

	_, err := svc.Commit(ctx, CommitRequest{
		IdempotencyKey: testKey,
		ReservationID:  testReservation,
	})

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeReservationProcessed))
}

func TestCommit_LostClaimMapsToFinalStatus(t *testing.T) {
	svc, reservations, _, _, idem, _ := newTestService(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Minute)
	expired := activeReservation(future)
	expired.Status = domain.StatusExpired

	idem.On("Check", ctx, testKey, idempotency.ScopeCommit).Return(&idempotency.CheckResult{}, nil)
	reservations.On("GetReservation", ctx, testReservation).Return(activeReservation(future), nil).Once()
	reservations.On("ResolveReservation", ctx, testReservation, domain.StatusCommitted, "", mock.Anything, mock.Anything).Return(false, nil)
	reservations.On("GetReservation", ctx, testReservation).Return(expired, nil).Once()

	_, err := svc.Commit(ctx, CommitRequest{
		IdempotencyKey: testKey,
		ReservationID:  testReservation,
	})

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeReservationExpired))
}

func TestRelease_RestoresAvailable(t *testing.T) {
	svc, reservations, wallets, ledger, idem, bus := newTestService(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Minute)
	idem.On("Check", ctx, testKey, idempotency.ScopeRelease).Return(&idempotency.CheckResult{}, nil)
	reservations.On("GetReservation", ctx, testReservation).Return(activeReservation(future), nil)
	reservations.On("ResolveReservation", ctx, testReservation, domain.StatusReleased, "", mock.Anything, mock.Anything).Return(true, nil)
	wallets.On("GetWallet", ctx, testUser).Return(&walletdomain.Wallet{
		UserID: testUser, AvailableBalance: 150, EscrowBalance: 0, Version: 4,
	}, nil)
	wallets.On("UpdateWalletBalances", ctx, testUser, int64(4), int64(200), int64(0)).Return(true, nil)
	ledger.On("CreateEntry", ctx, mock.Anything).Return(&ledgerdomain.Entry{}, nil)
	idem.On("Store", ctx, testKey, idempotency.ScopeRelease, mock.Anything, 200).Return(nil)
	bus.On("PublishAsync", ctx, mock.Anything).Return("event-id", nil)

	result, err := svc.Release(ctx, ReleaseRequest{
		IdempotencyKey: testKey,
		ReservationID:  testReservation,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusReleased, result.Status)
	assert.Equal(t, int64(200), result.AvailableBalance)

	entry := ledger.Calls[0].Arguments.Get(1).(ledgerservice.CreateEntryRequest)
	assert.Equal(t, testKey+"_release", entry.IdempotencyKey)
	assert.Equal(t, "reserved->available", entry.StateTransition)
}

func TestExpireOverdue_RestoresAndWritesLedger(t *testing.T) {
	svc, reservations, wallets, ledger, _, bus := newTestService(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	reservations.On("ListOverdue", ctx, mock.AnythingOfType("time.Time"), 100).
		Return([]*domain.Reservation{activeReservation(past)}, nil)
	reservations.On("ResolveReservation", ctx, testReservation, domain.StatusExpired, "", mock.Anything, mock.Anything).Return(true, nil)
	wallets.On("GetWallet", ctx, testUser).Return(&walletdomain.Wallet{
		UserID: testUser, AvailableBalance: 150, Version: 2,
	}, nil)
	wallets.On("UpdateWalletBalances", ctx, testUser, int64(2), int64(200), int64(0)).Return(true, nil)
	ledger.On("CreateEntry", ctx, mock.Anything).Return(&ledgerdomain.Entry{}, nil)
	bus.On("PublishAsync", ctx, mock.Anything).Return("event-id", nil)

	expired, err := svc.ExpireOverdue(ctx, 100)

	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	entry := ledger.Calls[0].Arguments.Get(1).(ledgerservice.CreateEntryRequest)
	assert.Equal(t, testReservation+"_expire", entry.IdempotencyKey)
	assert.Equal(t, int64(50), entry.Amount)
}

func TestExpireOverdue_LostClaimSkipsRestore(t *testing.T) {
	svc, reservations, wallets, _, _, _ := newTestService(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	reservations.On("ListOverdue", ctx, mock.AnythingOfType("time.Time"), 100).
		Return([]*domain.Reservation{activeReservation(past)}, nil)
	// A concurrent commit resolved the reservation between list and claim.
	reservations.On("ResolveReservation", ctx, testReservation, domain.StatusExpired, "", mock.Anything, mock.Anything).Return(false, nil)

	expired, err := svc.ExpireOverdue(ctx, 100)

	require.NoError(t, err)
	assert.Equal(t, 0, expired)
	wallets.AssertNotCalled(t, "GetWallet", mock.Anything, mock.Anything)
}

func TestCommit_WithoutRecipientWritesConsumptionEntry(t *testing.T) {
	svc, reservations, wallets, ledger, idem, bus := newTestService(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Minute)
	idem.On("Check", ctx, testKey, idempotency.ScopeCommit).Return(&idempotency.CheckResult{}, nil)
	reservations.On("GetReservation", ctx, testReservation).Return(activeReservation(future), nil)
	reservations.On("ResolveReservation", ctx, testReservation, domain.StatusCommitted, "", mock.AnythingOfType("string"), mock.AnythingOfType("time.Time")).Return(true, nil)
	ledger.On("CreateEntry", ctx, mock.Anything).Return(&ledgerdomain.Entry{}, nil)
	idem.On("Store", ctx, testKey, idempotency.ScopeCommit, mock.Anything, 200).Return(nil)
	bus.On("PublishAsync", ctx, mock.Anything).Return("event-id", nil)

	result, err := svc.Commit(ctx, CommitRequest{
		IdempotencyKey: testKey,
		ReservationID:  testReservation,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, result.Status)
	assert.Empty(t, result.RecipientID)

	// Consumption leaves a trail even though no wallet bucket moves.
	entry := ledger.Calls[0].Arguments.Get(1).(ledgerservice.CreateEntryRequest)
	assert.Equal(t, testKey+"_consume", entry.IdempotencyKey)
	assert.Equal(t, ledgerdomain.AccountUser, entry.AccountType)
	assert.Equal(t, ledgerdomain.Debit, entry.Type)
	assert.Equal(t, ledgerdomain.StateReserved, entry.BalanceState)
	assert.Equal(t, "reserved->consumed", entry.StateTransition)
	assert.Equal(t, int64(-50), entry.Amount)
	assert.Equal(t, int64(50), entry.BalanceBefore)
	assert.Equal(t, int64(0), entry.BalanceAfter)

	wallets.AssertNotCalled(t, "CreateModelWallet", mock.Anything, mock.Anything, mock.Anything)
}
