package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fanlume/pointscore/internal/core/ledger/domain"
	"github.com/fanlume/pointscore/internal/core/ledger/repository"
	"github.com/fanlume/pointscore/internal/platform/events"
	apperrors "github.com/fanlume/pointscore/internal/shared/errors"
	"github.com/fanlume/pointscore/pkg/logger"
)

// MaxPageSize caps ledger query pagination; larger requests are silently clamped
const MaxPageSize = 1000

// DefaultPageSize applies when the caller does not specify a limit
const DefaultPageSize = 50

// BalanceReader reads the authoritative stored balance for an account bucket.
// Implemented by the wallet repository; used for reconciliation only.
type BalanceReader interface {
	CurrentBalance(ctx context.Context, accountID string, accountType domain.AccountType, state domain.BalanceState) (int64, error)
}

// EventPublisher announces new entries on the bus without blocking the write
type EventPublisher interface {
	PublishAsync(ctx context.Context, event *events.Event) (string, error)
}

// CreateEntryRequest carries the inputs for a new ledger entry
type CreateEntryRequest struct {
	IdempotencyKey  string
	TransactionID   string
	AccountID       string
	AccountType     domain.AccountType
	Amount          int64
	Type            domain.EntryType
	BalanceState    domain.BalanceState
	StateTransition string
	Reason          string
	BalanceBefore   int64
	BalanceAfter    int64
	Currency        string
	EscrowID        string
	QueueItemID     string
	FeatureType     string
	CorrelationID   string
	RequestID       string
	Metadata        map[string]string
}

// LedgerService owns all writes to the immutable ledger
type LedgerService struct {
	repo            repository.LedgerRepository
	balances        BalanceReader
	bus             EventPublisher // optional
	defaultCurrency string
	logger          *logger.Logger
}

// NewLedgerService creates a new ledger service
func NewLedgerService(repo repository.LedgerRepository, balances BalanceReader, defaultCurrency string, log *logger.Logger) *LedgerService {
	return &LedgerService{
		repo:            repo,
		balances:        balances,
		defaultCurrency: defaultCurrency,
		logger:          log.WithField("component", "ledger"),
	}
}

// SetEventPublisher wires the bus. Entries created before wiring are not
// announced; dedup hits never are.
func (s *LedgerService) SetEventPublisher(bus EventPublisher) {
	s.bus = bus
}

// CreateEntry posts an immutable entry. A duplicate idempotency key returns
// the previously written entry; the caller cannot tell the difference and
// must not care.
func (s *LedgerService) CreateEntry(ctx context.Context, req CreateEntryRequest) (*domain.Entry, error) {
	currency := req.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}

	entry := &domain.Entry{
		EntryID:         uuid.NewString(),
		IdempotencyKey:  req.IdempotencyKey,
		TransactionID:   req.TransactionID,
		AccountID:       req.AccountID,
		AccountType:     req.AccountType,
		Amount:          req.Amount,
		Type:            req.Type,
		BalanceState:    req.BalanceState,
		StateTransition: req.StateTransition,
		Reason:          req.Reason,
		BalanceBefore:   req.BalanceBefore,
		BalanceAfter:    req.BalanceAfter,
		Currency:        currency,
		EscrowID:        req.EscrowID,
		QueueItemID:     req.QueueItemID,
		FeatureType:     req.FeatureType,
		CorrelationID:   req.CorrelationID,
		RequestID:       req.RequestID,
		Metadata:        req.Metadata,
		CreatedAt:       time.Now().UTC(),
	}

	if err := entry.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid ledger entry", 400)
	}

	created, duplicate, err := s.repo.CreateEntry(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger entry: %w", err)
	}

	if duplicate {
		s.logger.WithContext(ctx).Debug("ledger entry dedup hit",
			"idempotency_key", req.IdempotencyKey,
			"entry_id", created.EntryID,
		)
		return created, nil
	}

	if s.bus != nil {
		if _, err := s.bus.PublishAsync(ctx, &events.Event{
			EventType:      events.LedgerEntryCreated,
			IdempotencyKey: created.IdempotencyKey,
			Payload: map[string]interface{}{
				"entry_id":       created.EntryID,
				"transaction_id": created.TransactionID,
				"account_id":     created.AccountID,
				"account_type":   string(created.AccountType),
				"amount":         created.Amount,
				"entry_type":     string(created.Type),
				"balance_state":  string(created.BalanceState),
				"balance_after":  created.BalanceAfter,
				"reason":         created.Reason,
			},
		}); err != nil {
			s.logger.WithContext(ctx).Error("failed to publish ledger entry event",
				"entry_id", created.EntryID, "error", err)
		}
	}

	return created, nil
}

// JournalFailedEntry records an entry that could not be written after its
// wallet update committed. Operators drain the journal.
func (s *LedgerService) JournalFailedEntry(ctx context.Context, req CreateEntryRequest, failure string) error {
	entry := &domain.Entry{
		EntryID:         uuid.NewString(),
		IdempotencyKey:  req.IdempotencyKey,
		TransactionID:   req.TransactionID,
		AccountID:       req.AccountID,
		AccountType:     req.AccountType,
		Amount:          req.Amount,
		Type:            req.Type,
		BalanceState:    req.BalanceState,
		StateTransition: req.StateTransition,
		Reason:          req.Reason,
		BalanceBefore:   req.BalanceBefore,
		BalanceAfter:    req.BalanceAfter,
		Currency:        s.defaultCurrency,
		EscrowID:        req.EscrowID,
		QueueItemID:     req.QueueItemID,
		FeatureType:     req.FeatureType,
		CorrelationID:   req.CorrelationID,
		RequestID:       req.RequestID,
		Metadata:        req.Metadata,
		CreatedAt:       time.Now().UTC(),
	}

	s.logger.WithContext(ctx).Error("journaling failed ledger write",
		"transaction_id", req.TransactionID,
		"escrow_id", req.EscrowID,
		"failure", failure,
	)

	return s.repo.JournalFailedEntry(ctx, entry, failure)
}

// GetEntry retrieves one entry; returns (nil, nil) when absent
func (s *LedgerService) GetEntry(ctx context.Context, entryID string) (*domain.Entry, error) {
	entry, err := s.repo.GetEntry(ctx, entryID)
	if err != nil {
		if err == domain.ErrEntryNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return entry, nil
}

// QueryEntries lists entries matching the filter. Pagination over MaxPageSize
// is silently clamped; default sort is timestamp descending.
func (s *LedgerService) QueryEntries(ctx context.Context, filter repository.EntryFilter) (*repository.EntryPage, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultPageSize
	}
	if filter.Limit > MaxPageSize {
		filter.Limit = MaxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.SortBy == "" {
		filter.SortBy = repository.SortByTimestamp
	}

	page, err := s.repo.QueryEntries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	return page, nil
}

// GetAuditTrail returns all entries sharing a transaction ID in time order
func (s *LedgerService) GetAuditTrail(ctx context.Context, transactionID string) ([]*domain.Entry, error) {
	entries, err := s.repo.GetEntriesByTransaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit trail: %w", err)
	}
	return entries, nil
}

// GetBalanceSnapshot derives an account's balances from the ledger at asOf.
// The last balance_after seen per bucket wins. Buckets with no entries report
// zero.
func (s *LedgerService) GetBalanceSnapshot(ctx context.Context, accountID string, accountType domain.AccountType, asOf *time.Time) (*domain.BalanceSnapshot, error) {
	at := time.Now().UTC()
	if asOf != nil {
		at = *asOf
	}

	entries, err := s.repo.EntriesUpTo(ctx, accountID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries for snapshot: %w", err)
	}

	last := make(map[domain.BalanceState]int64)
	for _, e := range entries {
		last[e.BalanceState] = e.BalanceAfter
	}

	snapshot := &domain.BalanceSnapshot{
		AccountID:   accountID,
		AccountType: accountType,
		AsOf:        at,
		Currency:    s.defaultCurrency,
	}

	bucket := func(state domain.BalanceState) *int64 {
		v := last[state]
		return &v
	}

	switch accountType {
	case domain.AccountUser:
		snapshot.Available = bucket(domain.StateAvailable)
		snapshot.Escrow = bucket(domain.StateEscrow)
	case domain.AccountModel:
		snapshot.Earned = bucket(domain.StateEarned)
	default:
		return nil, apperrors.InvalidInput("invalid account type")
	}

	return snapshot, nil
}

// GenerateReconciliationReport recomputes one bucket's balance over a period
// and compares it against the authoritative stored balance. A mismatch is
// reported, never corrected.
func (s *LedgerService) GenerateReconciliationReport(ctx context.Context, accountID string, accountType domain.AccountType, state domain.BalanceState, from, to time.Time) (*domain.ReconciliationReport, error) {
	if !to.After(from) {
		return nil, apperrors.InvalidInput("reconciliation period end must be after start")
	}

	opening, err := s.repo.EntriesUpTo(ctx, accountID, from)
	if err != nil {
		return nil, fmt.Errorf("failed to load opening entries: %w", err)
	}

	var starting int64
	for _, e := range opening {
		if e.BalanceState == state {
			starting = e.BalanceAfter
		}
	}

	entries, err := s.repo.EntriesInRange(ctx, accountID, state, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load period entries: %w", err)
	}

	var credits, debits int64
	for _, e := range entries {
		if e.Type == domain.Credit {
			credits += e.Amount
		} else {
			debits += -e.Amount
		}
	}

	calculated := starting + credits - debits

	actual, err := s.balances.CurrentBalance(ctx, accountID, accountType, state)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored balance: %w", err)
	}

	difference := calculated - actual
	report := &domain.ReconciliationReport{
		AccountID:         accountID,
		AccountType:       accountType,
		BalanceState:      state,
		PeriodStart:       from,
		PeriodEnd:         to,
		StartingBalance:   starting,
		TotalCredits:      credits,
		TotalDebits:       debits,
		CalculatedBalance: calculated,
		ActualBalance:     actual,
		Difference:        difference,
		Reconciled:        difference == 0,
	}

	if !report.Reconciled {
		s.logger.WithContext(ctx).Error("reconciliation mismatch",
			"account_id", accountID,
			"balance_state", string(state),
			"calculated", calculated,
			"actual", actual,
			"difference", difference,
		)
	}

	return report, nil
}
