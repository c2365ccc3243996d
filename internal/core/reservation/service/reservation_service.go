package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fanlume/pointscore/internal/core/idempotency"
	ledgerdomain "github.com/fanlume/pointscore/internal/core/ledger/domain"
	ledgerservice "github.com/fanlume/pointscore/internal/core/ledger/service"
	"github.com/fanlume/pointscore/internal/core/reservation/domain"
	"github.com/fanlume/pointscore/internal/core/reservation/repository"
	walletdomain "github.com/fanlume/pointscore/internal/core/wallet/domain"
	walletrepo "github.com/fanlume/pointscore/internal/core/wallet/repository"
	"github.com/fanlume/pointscore/internal/platform/events"
	"github.com/fanlume/pointscore/internal/platform/metrics"
	apperrors "github.com/fanlume/pointscore/internal/shared/errors"
	"github.com/fanlume/pointscore/internal/shared/validate"
	"github.com/fanlume/pointscore/pkg/logger"
)

// LedgerWriter is the slice of the ledger service the reservation flow needs
type LedgerWriter interface {
	CreateEntry(ctx context.Context, req ledgerservice.CreateEntryRequest) (*ledgerdomain.Entry, error)
	JournalFailedEntry(ctx context.Context, req ledgerservice.CreateEntryRequest, failure string) error
}

// IdempotencyStore is the dedup check/store pair the reservation flow needs
type IdempotencyStore interface {
	Check(ctx context.Context, key string, scope idempotency.Scope) (*idempotency.CheckResult, error)
	Store(ctx context.Context, key string, scope idempotency.Scope, result interface{}, statusCode int) error
}

// EventPublisher publishes domain events without blocking the caller
type EventPublisher interface {
	PublishAsync(ctx context.Context, event *events.Event) (string, error)
}

// Config holds reservation tuning knobs
type Config struct {
	MaxRetryAttempts int
	RetryBackoff     time.Duration
	DefaultTTL       time.Duration
	MaxTTL           time.Duration
}

// ReserveRequest holds points from a user's available balance with a deadline
type ReserveRequest struct {
	IdempotencyKey string
	UserID         string
	Amount         int64
	TTLSeconds     int64
	Reason         string
	CorrelationID  string
	RequestID      string
}

// CommitRequest resolves an active reservation, optionally settling the held
// amount to a recipient's earned balance.
type CommitRequest struct {
	IdempotencyKey string
	ReservationID  string
	RecipientID    string
	Reason         string
	CorrelationID  string
	RequestID      string
}

// ReleaseRequest resolves an active reservation back to the user
type ReleaseRequest struct {
	IdempotencyKey string
	ReservationID  string
	Reason         string
	CorrelationID  string
	RequestID      string
}

// ReservationResult is the stored, replayable outcome of a reservation operation
type ReservationResult struct {
	ReservationID    string        `json:"reservation_id"`
	UserID           string        `json:"user_id"`
	Amount           int64         `json:"amount"`
	Status           domain.Status `json:"status"`
	RecipientID      string        `json:"recipient_id,omitempty"`
	ExpiresAt        time.Time     `json:"expires_at"`
	TransactionID    string        `json:"transaction_id"`
	AvailableBalance int64         `json:"available_balance"`
	Duplicate        bool          `json:"-"`
}

// ReservationService runs the reserve/commit/release lifecycle. Resolution
// claims the row first so that a concurrent commit, release and expiry sweep
// move the held amount exactly once.
type ReservationService struct {
	reservations repository.ReservationRepository
	wallets      walletrepo.WalletRepository
	ledger       LedgerWriter
	idem         IdempotencyStore
	bus          EventPublisher
	cfg          Config
	logger       *logger.Logger
	sleep        func(time.Duration)
	now          func() time.Time
}

// NewReservationService creates the reservation service
func NewReservationService(reservations repository.ReservationRepository, wallets walletrepo.WalletRepository, ledger LedgerWriter, idem IdempotencyStore, bus EventPublisher, cfg Config, log *logger.Logger) *ReservationService {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 300 * time.Second
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = time.Hour
	}

	return &ReservationService{
		reservations: reservations,
		wallets:      wallets,
		ledger:       ledger,
		idem:         idem,
		bus:          bus,
		cfg:          cfg,
		logger:       log.WithField("component", "reservations"),
		sleep:        time.Sleep,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetSleepFunc overrides the backoff sleeper, for tests
func (s *ReservationService) SetSleepFunc(sleep func(time.Duration)) {
	if sleep != nil {
		s.sleep = sleep
	}
}

// SetNowFunc overrides the time source, for tests
func (s *ReservationService) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Reserve holds points from the user's available balance until the TTL runs
// out or the reservation is resolved.
func (s *ReservationService) Reserve(ctx context.Context, req ReserveRequest) (*ReservationResult, error) {
	userID, err := validate.Identifier("user_id", req.UserID, 0)
	if err != nil {
		return nil, err
	}
	if err := validate.PositiveAmount("amount", req.Amount); err != nil {
		return nil, err
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl > s.cfg.MaxTTL {
		return nil, apperrors.InvalidInput(
			fmt.Sprintf("ttl_seconds exceeds maximum of %d", int64(s.cfg.MaxTTL.Seconds())))
	}

	if result, err := s.replay(ctx, req.IdempotencyKey, idempotency.ScopeReserve); err != nil || result != nil {
		return result, err
	}

	var wallet *walletdomain.Wallet
	for attempt := 1; attempt <= s.cfg.MaxRetryAttempts; attempt++ {
		wallet, err = s.wallets.CreateWallet(ctx, userID)
		if err != nil {
			return nil, apperrors.DatabaseError("failed to load wallet", err)
		}

		if wallet.AvailableBalance < req.Amount {
			metrics.WalletOperations.WithLabelValues("reserve", "insufficient_balance").Inc()
			return nil, apperrors.InsufficientBalance(
				fmt.Sprintf("available balance %d is less than requested %d", wallet.AvailableBalance, req.Amount))
		}

		applied, err := s.wallets.UpdateWalletBalances(ctx, userID, wallet.Version,
			wallet.AvailableBalance-req.Amount, wallet.EscrowBalance)
		if err != nil {
			return nil, apperrors.DatabaseError("failed to update wallet", err)
		}
		if applied {
			wallet.AvailableBalance -= req.Amount
			break
		}

		metrics.OptimisticLockConflicts.WithLabelValues("reserve").Inc()
		if attempt == s.cfg.MaxRetryAttempts {
			metrics.WalletOperations.WithLabelValues("reserve", "occ_exhausted").Inc()
			return nil, apperrors.OptimisticLockConflict("wallet busy, retry with the same idempotency key")
		}
		s.sleep(s.backoff(attempt))
	}

	now := s.now()
	holdTxID := uuid.NewString()
	reservation := &domain.Reservation{
		ReservationID:     uuid.NewString(),
		UserID:            userID,
		Amount:            req.Amount,
		Status:            domain.StatusActive,
		TTLSeconds:        int64(ttl.Seconds()),
		HoldTransactionID: holdTxID,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
	}

	if err := s.reservations.CreateReservation(ctx, reservation); err != nil {
		// The hold is committed; the row write must not be lost silently.
		s.logger.WithContext(ctx).Error("failed to persist reservation after hold",
			"reservation_id", reservation.ReservationID, "user_id", userID, "error", err)
		return nil, apperrors.DatabaseError("failed to create reservation", err)
	}

	s.writeEntry(ctx, ledgerservice.CreateEntryRequest{
		IdempotencyKey:  req.IdempotencyKey + "_hold",
		TransactionID:   holdTxID,
		AccountID:       userID,
		AccountType:     ledgerdomain.AccountUser,
		Amount:          -req.Amount,
		Type:            ledgerdomain.Debit,
		BalanceState:    ledgerdomain.StateAvailable,
		StateTransition: "available->reserved",
		Reason:          reasonOr(req.Reason, "points reservation"),
		BalanceBefore:   wallet.AvailableBalance + req.Amount,
		BalanceAfter:    wallet.AvailableBalance,
		CorrelationID:   req.CorrelationID,
		RequestID:       req.RequestID,
		Metadata:        map[string]string{"reservation_id": reservation.ReservationID},
	})

	result := &ReservationResult{
		ReservationID:    reservation.ReservationID,
		UserID:           userID,
		Amount:           req.Amount,
		Status:           domain.StatusActive,
		ExpiresAt:        reservation.ExpiresAt,
		TransactionID:    holdTxID,
		AvailableBalance: wallet.AvailableBalance,
	}

	if err := s.idem.Store(ctx, req.IdempotencyKey, idempotency.ScopeReserve, result, http.StatusCreated); err != nil {
		s.logger.WithContext(ctx).Error("failed to store idempotency result", "error", err)
	}

	s.publishBalance(ctx, req.IdempotencyKey, map[string]interface{}{
		"reservation_id":    reservation.ReservationID,
		"user_id":           userID,
		"amount":            req.Amount,
		"available_balance": wallet.AvailableBalance,
		"action":            "reserve",
	})

	metrics.WalletOperations.WithLabelValues("reserve", "success").Inc()
	return result, nil
}

// Commit resolves an active reservation. With a recipient the held amount
// settles to the recipient's earned balance; without one it is consumed.
func (s *ReservationService) Commit(ctx context.Context, req CommitRequest) (*ReservationResult, error) {
	reservationID, err := validate.Identifier("reservation_id", req.ReservationID, 0)
	if err != nil {
		return nil, err
	}

	var recipientID string
	if req.RecipientID != "" {
		recipientID, err = validate.Identifier("recipient_id", req.RecipientID, 0)
		if err != nil {
			return nil, err
		}
	}

	if result, err := s.replay(ctx, req.IdempotencyKey, idempotency.ScopeCommit); err != nil || result != nil {
		return result, err
	}

	reservation, err := s.loadActive(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	resolveTxID := uuid.NewString()
	processedAt := s.now()
	claimed, err := s.reservations.ResolveReservation(ctx, reservationID, domain.StatusCommitted, recipientID, resolveTxID, processedAt)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to resolve reservation", err)
	}
	if !claimed {
		return nil, s.lostClaim(ctx, reservationID)
	}

	if recipientID != "" {
		recipientWallet, err := s.creditEarned(ctx, recipientID, reservation.Amount)
		if err != nil {
			// Claim won but settlement failed; this needs an operator.
			s.logger.WithContext(ctx).Error("reservation committed but recipient credit failed",
				"reservation_id", reservationID, "recipient_id", recipientID, "error", err)
			return nil, err
		}

		s.writeEntry(ctx, ledgerservice.CreateEntryRequest{
			IdempotencyKey:  req.IdempotencyKey + "_settle",
			TransactionID:   resolveTxID,
			AccountID:       recipientID,
			AccountType:     ledgerdomain.AccountModel,
			Amount:          reservation.Amount,
			Type:            ledgerdomain.Credit,
			BalanceState:    ledgerdomain.StateEarned,
			StateTransition: "reserved->settled",
			Reason:          reasonOr(req.Reason, "reservation commit"),
			BalanceBefore:   recipientWallet.EarnedBalance - reservation.Amount,
			BalanceAfter:    recipientWallet.EarnedBalance,
			CorrelationID:   req.CorrelationID,
			RequestID:       req.RequestID,
			Metadata:        map[string]string{"reservation_id": reservationID},
		})
	} else {
		// No recipient: the held points are consumed. No wallet bucket moves,
		// but the consumption itself must leave a trail.
		s.writeEntry(ctx, ledgerservice.CreateEntryRequest{
			IdempotencyKey:  req.IdempotencyKey + "_consume",
			TransactionID:   resolveTxID,
			AccountID:       reservation.UserID,
			AccountType:     ledgerdomain.AccountUser,
			Amount:          -reservation.Amount,
			Type:            ledgerdomain.Debit,
			BalanceState:    ledgerdomain.StateReserved,
			StateTransition: "reserved->consumed",
			Reason:          reasonOr(req.Reason, "reservation commit"),
			BalanceBefore:   reservation.Amount,
			BalanceAfter:    0,
			CorrelationID:   req.CorrelationID,
			RequestID:       req.RequestID,
			Metadata:        map[string]string{"reservation_id": reservationID},
		})
	}

	result := &ReservationResult{
		ReservationID: reservationID,
		UserID:        reservation.UserID,
		Amount:        reservation.Amount,
		Status:        domain.StatusCommitted,
		RecipientID:   recipientID,
		ExpiresAt:     reservation.ExpiresAt,
		TransactionID: resolveTxID,
	}

	if err := s.idem.Store(ctx, req.IdempotencyKey, idempotency.ScopeCommit, result, http.StatusOK); err != nil {
		s.logger.WithContext(ctx).Error("failed to store idempotency result", "error", err)
	}

	s.publishBalance(ctx, req.IdempotencyKey, map[string]interface{}{
		"reservation_id": reservationID,
		"user_id":        reservation.UserID,
		"recipient_id":   recipientID,
		"amount":         reservation.Amount,
		"action":         "commit",
	})

	metrics.WalletOperations.WithLabelValues("commit", "success").Inc()
	return result, nil
}

// Release resolves an active reservation back to the user's available balance
func (s *ReservationService) Release(ctx context.Context, req ReleaseRequest) (*ReservationResult, error) {
	reservationID, err := validate.Identifier("reservation_id", req.ReservationID, 0)
	if err != nil {
		return nil, err
	}

	if result, err := s.replay(ctx, req.IdempotencyKey, idempotency.ScopeRelease); err != nil || result != nil {
		return result, err
	}

	reservation, err := s.loadActive(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	resolveTxID := uuid.NewString()
	processedAt := s.now()
	claimed, err := s.reservations.ResolveReservation(ctx, reservationID, domain.StatusReleased, "", resolveTxID, processedAt)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to resolve reservation", err)
	}
	if !claimed {
		return nil, s.lostClaim(ctx, reservationID)
	}

	wallet, err := s.restoreAvailable(ctx, "release", reservation.UserID, reservation.Amount)
	if err != nil {
		return nil, err
	}

	s.writeEntry(ctx, ledgerservice.CreateEntryRequest{
		IdempotencyKey:  req.IdempotencyKey + "_release",
		TransactionID:   resolveTxID,
		AccountID:       reservation.UserID,
		AccountType:     ledgerdomain.AccountUser,
		Amount:          reservation.Amount,
		Type:            ledgerdomain.Credit,
		BalanceState:    ledgerdomain.StateAvailable,
		StateTransition: "reserved->available",
		Reason:          reasonOr(req.Reason, "reservation release"),
		BalanceBefore:   wallet.AvailableBalance - reservation.Amount,
		BalanceAfter:    wallet.AvailableBalance,
		CorrelationID:   req.CorrelationID,
		RequestID:       req.RequestID,
		Metadata:        map[string]string{"reservation_id": reservationID},
	})

	result := &ReservationResult{
		ReservationID:    reservationID,
		UserID:           reservation.UserID,
		Amount:           reservation.Amount,
		Status:           domain.StatusReleased,
		ExpiresAt:        reservation.ExpiresAt,
		TransactionID:    resolveTxID,
		AvailableBalance: wallet.AvailableBalance,
	}

	if err := s.idem.Store(ctx, req.IdempotencyKey, idempotency.ScopeRelease, result, http.StatusOK); err != nil {
		s.logger.WithContext(ctx).Error("failed to store idempotency result", "error", err)
	}

	s.publishBalance(ctx, req.IdempotencyKey, map[string]interface{}{
		"reservation_id":    reservationID,
		"user_id":           reservation.UserID,
		"amount":            reservation.Amount,
		"available_balance": wallet.AvailableBalance,
		"action":            "release",
	})

	metrics.WalletOperations.WithLabelValues("release", "success").Inc()
	return result, nil
}

// GetReservation returns one reservation by id
func (s *ReservationService) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	reservationID, err := validate.Identifier("reservation_id", reservationID, 0)
	if err != nil {
		return nil, err
	}

	reservation, err := s.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to load reservation", err)
	}
	if reservation == nil {
		return nil, apperrors.ReservationNotFound(reservationID)
	}
	return reservation, nil
}

// ExpireOverdue transitions overdue active reservations to expired and
// restores their held amounts. Returns the number of reservations expired.
func (s *ReservationService) ExpireOverdue(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	now := s.now()
	overdue, err := s.reservations.ListOverdue(ctx, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue reservations: %w", err)
	}

	expired := 0
	for _, reservation := range overdue {
		resolveTxID := uuid.NewString()
		claimed, err := s.reservations.ResolveReservation(ctx, reservation.ReservationID, domain.StatusExpired, "", resolveTxID, now)
		if err != nil {
			s.logger.Error("failed to expire reservation",
				"reservation_id", reservation.ReservationID, "error", err)
			continue
		}
		if !claimed {
			// A concurrent commit or release won; nothing to restore.
			continue
		}

		wallet, err := s.restoreAvailable(ctx, "expire", reservation.UserID, reservation.Amount)
		if err != nil {
			s.logger.Error("reservation expired but balance restore failed",
				"reservation_id", reservation.ReservationID,
				"user_id", reservation.UserID, "error", err)
			continue
		}

		s.writeEntry(ctx, ledgerservice.CreateEntryRequest{
			IdempotencyKey:  reservation.ReservationID + "_expire",
			TransactionID:   resolveTxID,
			AccountID:       reservation.UserID,
			AccountType:     ledgerdomain.AccountUser,
			Amount:          reservation.Amount,
			Type:            ledgerdomain.Credit,
			BalanceState:    ledgerdomain.StateAvailable,
			StateTransition: "reserved->available",
			Reason:          "reservation expired",
			BalanceBefore:   wallet.AvailableBalance - reservation.Amount,
			BalanceAfter:    wallet.AvailableBalance,
			Metadata:        map[string]string{"reservation_id": reservation.ReservationID},
		})

		s.publishBalance(ctx, reservation.ReservationID+"_expire", map[string]interface{}{
			"reservation_id":    reservation.ReservationID,
			"user_id":           reservation.UserID,
			"amount":            reservation.Amount,
			"available_balance": wallet.AvailableBalance,
			"action":            "expire",
		})

		metrics.WalletOperations.WithLabelValues("expire", "success").Inc()
		expired++
	}

	return expired, nil
}

// EvictDead removes terminal reservation rows whose expiry predates cutoff
func (s *ReservationService) EvictDead(ctx context.Context, cutoff time.Time) (int64, error) {
	removed, err := s.reservations.DeleteDead(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("evicted dead reservations", "count", removed)
	}
	return removed, nil
}

func (s *ReservationService) replay(ctx context.Context, key string, scope idempotency.Scope) (*ReservationResult, error) {
	check, err := s.idem.Check(ctx, key, scope)
	if err != nil {
		return nil, err
	}
	if !check.IsDuplicate {
		return nil, nil
	}

	var result ReservationResult
	if err := json.Unmarshal(check.StoredResult, &result); err != nil {
		return nil, apperrors.Internal("failed to decode stored idempotency result", err)
	}
	result.Duplicate = true
	return &result, nil
}

// loadActive loads a reservation and enforces the active, not-overdue
// precondition. Overdue wins over terminal status checks: the client sees the
// reservation as dead even before the sweeper has caught up.
func (s *ReservationService) loadActive(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	reservation, err := s.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to load reservation", err)
	}
	if reservation == nil {
		return nil, apperrors.ReservationNotFound(reservationID)
	}
	if reservation.Status == domain.StatusExpired || reservation.IsOverdue(s.now()) {
		return nil, apperrors.ReservationExpired(reservationID)
	}
	if reservation.Status != domain.StatusActive {
		return nil, apperrors.ReservationAlreadyProcessed(reservationID, string(reservation.Status))
	}
	return reservation, nil
}

// lostClaim maps a lost resolution race to the right client error
func (s *ReservationService) lostClaim(ctx context.Context, reservationID string) error {
	reservation, err := s.reservations.GetReservation(ctx, reservationID)
	if err != nil || reservation == nil {
		return apperrors.ReservationAlreadyProcessed(reservationID, "unknown")
	}
	if reservation.Status == domain.StatusExpired {
		return apperrors.ReservationExpired(reservationID)
	}
	return apperrors.ReservationAlreadyProcessed(reservationID, string(reservation.Status))
}

func (s *ReservationService) restoreAvailable(ctx context.Context, operation, userID string, amount int64) (*walletdomain.Wallet, error) {
	for attempt := 1; attempt <= s.cfg.MaxRetryAttempts; attempt++ {
		wallet, err := s.wallets.GetWallet(ctx, userID)
		if err != nil {
			return nil, apperrors.DatabaseError("failed to load wallet", err)
		}
		if wallet == nil {
			return nil, apperrors.Internal("wallet missing for reservation", walletdomain.ErrWalletNotFound)
		}

		applied, err := s.wallets.UpdateWalletBalances(ctx, userID, wallet.Version,
			wallet.AvailableBalance+amount, wallet.EscrowBalance)
		if err != nil {
			return nil, apperrors.DatabaseError("failed to update wallet", err)
		}
		if applied {
			wallet.AvailableBalance += amount
			return wallet, nil
		}

		metrics.OptimisticLockConflicts.WithLabelValues(operation).Inc()
		if attempt < s.cfg.MaxRetryAttempts {
			s.sleep(s.backoff(attempt))
		}
	}

	metrics.WalletOperations.WithLabelValues(operation, "occ_exhausted").Inc()
	return nil, apperrors.OptimisticLockConflict("wallet busy")
}

func (s *ReservationService) creditEarned(ctx context.Context, recipientID string, amount int64) (*walletdomain.ModelWallet, error) {
	for attempt := 1; attempt <= s.cfg.MaxRetryAttempts; attempt++ {
		wallet, err := s.wallets.CreateModelWallet(ctx, recipientID, walletdomain.ModelWalletEarnings)
		if err != nil {
			return nil, apperrors.DatabaseError("failed to load recipient wallet", err)
		}

		applied, err := s.wallets.UpdateModelWalletBalance(ctx, recipientID, wallet.Version, wallet.EarnedBalance+amount)
		if err != nil {
			return nil, apperrors.DatabaseError("failed to update recipient wallet", err)
		}
		if applied {
			wallet.EarnedBalance += amount
			return wallet, nil
		}

		metrics.OptimisticLockConflicts.WithLabelValues("commit").Inc()
		if attempt < s.cfg.MaxRetryAttempts {
			s.sleep(s.backoff(attempt))
		}
	}

	metrics.WalletOperations.WithLabelValues("commit", "occ_exhausted").Inc()
	return nil, apperrors.OptimisticLockConflict("recipient wallet busy")
}

// writeEntry posts one ledger entry, journaling on failure since the wallet
// mutation already committed.
func (s *ReservationService) writeEntry(ctx context.Context, req ledgerservice.CreateEntryRequest) {
	if _, err := s.ledger.CreateEntry(ctx, req); err != nil {
		s.logger.WithContext(ctx).Error("ledger write failed after wallet commit",
			"idempotency_key", req.IdempotencyKey, "error", err)
		if jerr := s.ledger.JournalFailedEntry(ctx, req, err.Error()); jerr != nil {
			s.logger.WithContext(ctx).Error("failed to journal ledger entry",
				"idempotency_key", req.IdempotencyKey, "error", jerr)
		}
	}
}

func (s *ReservationService) publishBalance(ctx context.Context, idempotencyKey string, payload map[string]interface{}) {
	event := &events.Event{
		EventType:      events.BalanceUpdated,
		IdempotencyKey: idempotencyKey,
		Payload:        payload,
	}
	if _, err := s.bus.PublishAsync(ctx, event); err != nil {
		s.logger.WithContext(ctx).Error("failed to publish event", "error", err)
	}
}

func (s *ReservationService) backoff(attempt int) time.Duration {
	return s.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
