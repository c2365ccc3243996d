package service

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fanlume/pointscore/internal/core/ledger/domain"
	"github.com/fanlume/pointscore/internal/core/ledger/repository"
	"github.com/fanlume/pointscore/internal/platform/events"
	apperrors "github.com/fanlume/pointscore/internal/shared/errors"
	"github.com/fanlume/pointscore/pkg/logger"
)

type mockLedgerRepo struct {
	mock.Mock
}

func (m *mockLedgerRepo) CreateEntry(ctx context.Context, entry *domain.Entry) (*domain.Entry, bool, error) {
	args := m.Called(ctx, entry)
	var created *domain.Entry
	if args.Get(0) != nil {
		created = args.Get(0).(*domain.Entry)
	}
	return created, args.Bool(1), args.Error(2)
}

func (m *mockLedgerRepo) GetEntry(ctx context.Context, entryID string) (*domain.Entry, error) {
	args := m.Called(ctx, entryID)
	var entry *domain.Entry
	if args.Get(0) != nil {
		entry = args.Get(0).(*domain.Entry)
	}
	return entry, args.Error(1)
}

func (m *mockLedgerRepo) GetEntryByIdempotencyKey(ctx context.Context, key string) (*domain.Entry, error) {
	args := m.Called(ctx, key)
	var entry *domain.Entry
	if args.Get(0) != nil {
		entry = args.Get(0).(*domain.Entry)
	}
	return entry, args.Error(1)
}

func (m *mockLedgerRepo) QueryEntries(ctx context.Context, filter repository.EntryFilter) (*repository.EntryPage, error) {
	args := m.Called(ctx, filter)
	var page *repository.EntryPage
	if args.Get(0) != nil {
		page = args.Get(0).(*repository.EntryPage)
	}
	return page, args.Error(1)
}

func (m *mockLedgerRepo) GetEntriesByTransaction(ctx context.Context, transactionID string) ([]*domain.Entry, error) {
	args := m.Called(ctx, transactionID)
	var entries []*domain.Entry
	if args.Get(0) != nil {
		entries = args.Get(0).([]*domain.Entry)
	}
	return entries, args.Error(1)
}

func (m *mockLedgerRepo) EntriesUpTo(ctx context.Context, accountID string, asOf time.Time) ([]*domain.Entry, error) {
	args := m.Called(ctx, accountID, asOf)
	var entries []*domain.Entry
	if args.Get(0) != nil {
		entries = args.Get(0).([]*domain.Entry)
	}
	return entries, args.Error(1)
}

func (m *mockLedgerRepo) EntriesInRange(ctx context.Context, accountID string, state domain.BalanceState, from, to time.Time) ([]*domain.Entry, error) {
	args := m.Called(ctx, accountID, state, from, to)
	var entries []*domain.Entry
	if args.Get(0) != nil {
		entries = args.Get(0).([]*domain.Entry)
	}
	return entries, args.Error(1)
}

func (m *mockLedgerRepo) JournalFailedEntry(ctx context.Context, entry *domain.Entry, failure string) error {
	args := m.Called(ctx, entry, failure)
	return args.Error(0)
}

type mockBalanceReader struct {
	mock.Mock
}

func (m *mockBalanceReader) CurrentBalance(ctx context.Context, accountID string, accountType domain.AccountType, state domain.BalanceState) (int64, error) {
	args := m.Called(ctx, accountID, accountType, state)
	return args.Get(0).(int64), args.Error(1)
}

func newTestLedgerService(repo repository.LedgerRepository, balances BalanceReader) *LedgerService {
	return NewLedgerService(repo, balances, "points", logger.New("test", io.Discard))
}

func validCreateRequest() CreateEntryRequest {
	return CreateEntryRequest{
		IdempotencyKey:  "7f3a2b10-aaaa-bbbb-cccc-000000000001_debit",
		TransactionID:   "7f3a2b10-aaaa-bbbb-cccc-000000000002",
		AccountID:       "user-1",
		AccountType:     domain.AccountUser,
		Amount:          -100,
		Type:            domain.Debit,
		BalanceState:    domain.StateAvailable,
		StateTransition: "available->escrow",
		Reason:          "queue_item_hold",
		BalanceBefore:   500,
		BalanceAfter:    400,
	}
}

func TestCreateEntry_AssignsIDAndDefaultCurrency(t *testing.T) {
	repo := new(mockLedgerRepo)
	repo.On("CreateEntry", mock.Anything, mock.MatchedBy(func(e *domain.Entry) bool {
		return e.EntryID != "" &&
			e.Currency == "points" &&
			e.Amount == -100 &&
			e.Type == domain.Debit
	})).Return(&domain.Entry{EntryID: "entry-1"}, false, nil)

	svc := newTestLedgerService(repo, nil)

	created, err := svc.CreateEntry(context.Background(), validCreateRequest())
	require.NoError(t, err)
	assert.Equal(t, "entry-1", created.EntryID)
	repo.AssertExpectations(t)
}

func TestCreateEntry_DuplicateKeyReturnsExistingEntry(t *testing.T) {
	existing := &domain.Entry{EntryID: "entry-original"}
	repo := new(mockLedgerRepo)
	repo.On("CreateEntry", mock.Anything, mock.Anything).Return(existing, true, nil)

	svc := newTestLedgerService(repo, nil)

	created, err := svc.CreateEntry(context.Background(), validCreateRequest())
	require.NoError(t, err)
	assert.Same(t, existing, created)
}

func TestCreateEntry_InvariantViolationsRejected(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateEntryRequest)
	}{
		{"credit with negative amount", func(r *CreateEntryRequest) {
			r.Type = domain.Credit
		}},
		{"balance arithmetic broken", func(r *CreateEntryRequest) {
			r.BalanceAfter = 450
		}},
		{"negative resulting balance", func(r *CreateEntryRequest) {
			r.BalanceBefore = 50
			r.BalanceAfter = -50
		}},
		{"missing reason", func(r *CreateEntryRequest) {
			r.Reason = ""
		}},
		{"unknown balance state", func(r *CreateEntryRequest) {
			r.BalanceState = domain.BalanceState("pending")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(mockLedgerRepo)
			svc := newTestLedgerService(repo, nil)

			req := validCreateRequest()
			tt.mutate(&req)

			_, err := svc.CreateEntry(context.Background(), req)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
			repo.AssertNotCalled(t, "CreateEntry", mock.Anything, mock.Anything)
		})
	}
}

func TestJournalFailedEntry_PassesFailureThrough(t *testing.T) {
	repo := new(mockLedgerRepo)
	repo.On("JournalFailedEntry", mock.Anything, mock.MatchedBy(func(e *domain.Entry) bool {
		return e.AccountID == "user-1" && e.EntryID != ""
	}), "connection reset").Return(nil)

	svc := newTestLedgerService(repo, nil)

	err := svc.JournalFailedEntry(context.Background(), validCreateRequest(), "connection reset")
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestQueryEntries_ClampsPagination(t *testing.T) {
	repo := new(mockLedgerRepo)
	repo.On("QueryEntries", mock.Anything, mock.MatchedBy(func(f repository.EntryFilter) bool {
		return f.Limit == MaxPageSize && f.SortBy == repository.SortByTimestamp
	})).Return(&repository.EntryPage{}, nil)

	svc := newTestLedgerService(repo, nil)

	_, err := svc.QueryEntries(context.Background(), repository.EntryFilter{Limit: 10_000})
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestQueryEntries_DefaultsApplied(t *testing.T) {
	repo := new(mockLedgerRepo)
	repo.On("QueryEntries", mock.Anything, mock.MatchedBy(func(f repository.EntryFilter) bool {
		return f.Limit == DefaultPageSize && f.Offset == 0
	})).Return(&repository.EntryPage{}, nil)

	svc := newTestLedgerService(repo, nil)

	_, err := svc.QueryEntries(context.Background(), repository.EntryFilter{Offset: -5})
	require.NoError(t, err)
}

func TestGetBalanceSnapshot_LastEntryPerBucketWins(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := new(mockLedgerRepo)
	repo.On("EntriesUpTo", mock.Anything, "user-1", asOf).Return([]*domain.Entry{
		{BalanceState: domain.StateAvailable, BalanceAfter: 900},
		{BalanceState: domain.StateEscrow, BalanceAfter: 100},
		{BalanceState: domain.StateAvailable, BalanceAfter: 700},
	}, nil)

	svc := newTestLedgerService(repo, nil)

	snapshot, err := svc.GetBalanceSnapshot(context.Background(), "user-1", domain.AccountUser, &asOf)
	require.NoError(t, err)
	require.NotNil(t, snapshot.Available)
	require.NotNil(t, snapshot.Escrow)
	assert.Nil(t, snapshot.Earned)
	assert.Equal(t, int64(700), *snapshot.Available)
	assert.Equal(t, int64(100), *snapshot.Escrow)
	assert.Equal(t, "points", snapshot.Currency)
}

func TestGetBalanceSnapshot_EmptyLedgerReadsZero(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := new(mockLedgerRepo)
	repo.On("EntriesUpTo", mock.Anything, "model-1", asOf).Return(nil, nil)

	svc := newTestLedgerService(repo, nil)

	snapshot, err := svc.GetBalanceSnapshot(context.Background(), "model-1", domain.AccountModel, &asOf)
	require.NoError(t, err)
	require.NotNil(t, snapshot.Earned)
	assert.Equal(t, int64(0), *snapshot.Earned)
	assert.Nil(t, snapshot.Available)
}

func TestReconciliation_BalancedLedgerReconciles(t *testing.T) {
	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	repo := new(mockLedgerRepo)
	repo.On("EntriesUpTo", mock.Anything, "user-1", from).Return([]*domain.Entry{
		{BalanceState: domain.StateAvailable, BalanceAfter: 1000},
		{BalanceState: domain.StateEscrow, BalanceAfter: 50},
	}, nil)
	repo.On("EntriesInRange", mock.Anything, "user-1", domain.StateAvailable, from, to).Return([]*domain.Entry{
		{Type: domain.Credit, Amount: 500},
		{Type: domain.Debit, Amount: -200},
	}, nil)

	balances := new(mockBalanceReader)
	balances.On("CurrentBalance", mock.Anything, "user-1", domain.AccountUser, domain.StateAvailable).Return(int64(1300), nil)

	svc := newTestLedgerService(repo, balances)

	report, err := svc.GenerateReconciliationReport(context.Background(), "user-1", domain.AccountUser, domain.StateAvailable, from, to)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), report.StartingBalance)
	assert.Equal(t, int64(500), report.TotalCredits)
	assert.Equal(t, int64(200), report.TotalDebits)
	assert.Equal(t, int64(1300), report.CalculatedBalance)
	assert.True(t, report.Reconciled)
	assert.Zero(t, report.Difference)
}

func TestReconciliation_MismatchReportedNotCorrected(t *testing.T) {
	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	repo := new(mockLedgerRepo)
	repo.On("EntriesUpTo", mock.Anything, "user-1", from).Return(nil, nil)
	repo.On("EntriesInRange", mock.Anything, "user-1", domain.StateAvailable, from, to).Return([]*domain.Entry{
		{Type: domain.Credit, Amount: 300},
	}, nil)

	balances := new(mockBalanceReader)
	balances.On("CurrentBalance", mock.Anything, "user-1", domain.AccountUser, domain.StateAvailable).Return(int64(280), nil)

	svc := newTestLedgerService(repo, balances)

	report, err := svc.GenerateReconciliationReport(context.Background(), "user-1", domain.AccountUser, domain.StateAvailable, from, to)
	require.NoError(t, err)
	assert.False(t, report.Reconciled)
	assert.Equal(t, int64(20), report.Difference)
}

func TestReconciliation_RejectsInvertedPeriod(t *testing.T) {
	svc := newTestLedgerService(new(mockLedgerRepo), new(mockBalanceReader))

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.GenerateReconciliationReport(context.Background(), "user-1", domain.AccountUser, domain.StateAvailable, at, at)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
}

func TestGetEntry_NotFoundReadsAsNil(t *testing.T) {
	repo := new(mockLedgerRepo)
	repo.On("GetEntry", mock.Anything, "missing").Return(nil, domain.ErrEntryNotFound)

	svc := newTestLedgerService(repo, nil)

	entry, err := svc.GetEntry(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

type mockEntryPublisher struct {
	mock.Mock
}

func (m *mockEntryPublisher) PublishAsync(ctx context.Context, event *events.Event) (string, error) {
	args := m.Called(ctx, event)
	return args.String(0), args.Error(1)
}

func TestCreateEntry_AnnouncesNewEntryOnBus(t *testing.T) {
	repo := new(mockLedgerRepo)
	repo.On("CreateEntry", mock.Anything, mock.Anything).Return(&domain.Entry{
		EntryID:        "entry-1",
		IdempotencyKey: "7f3a2b10-aaaa-bbbb-cccc-000000000001_debit",
		TransactionID:  "7f3a2b10-aaaa-bbbb-cccc-000000000002",
		AccountID:      "user-1",
		AccountType:    domain.AccountUser,
		Amount:         -100,
		Type:           domain.Debit,
		BalanceState:   domain.StateAvailable,
		BalanceAfter:   400,
		Reason:         "queue_item_hold",
	}, false, nil)

	bus := new(mockEntryPublisher)
	bus.On("PublishAsync", mock.Anything, mock.MatchedBy(func(e *events.Event) bool {
		return e.EventType == events.LedgerEntryCreated &&
			e.IdempotencyKey == "7f3a2b10-aaaa-bbbb-cccc-000000000001_debit" &&
			e.Payload["entry_id"] == "entry-1"
	})).Return("event-id", nil)

	svc := newTestLedgerService(repo, nil)
	svc.SetEventPublisher(bus)

	_, err := svc.CreateEntry(context.Background(), validCreateRequest())
	require.NoError(t, err)
	bus.AssertExpectations(t)
}

func TestCreateEntry_DedupHitIsNotAnnounced(t *testing.T) {
	repo := new(mockLedgerRepo)
	repo.On("CreateEntry", mock.Anything, mock.Anything).Return(&domain.Entry{EntryID: "entry-1"}, true, nil)

	bus := new(mockEntryPublisher)

	svc := newTestLedgerService(repo, nil)
	svc.SetEventPublisher(bus)

	_, err := svc.CreateEntry(context.Background(), validCreateRequest())
	require.NoError(t, err)
	bus.AssertNotCalled(t, "PublishAsync", mock.Anything, mock.Anything)
}
