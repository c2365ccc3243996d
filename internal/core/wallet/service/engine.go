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
	"github.com/fanlume/pointscore/internal/core/wallet/domain"
	"github.com/fanlume/pointscore/internal/core/wallet/repository"
	"github.com/fanlume/pointscore/internal/platform/events"
	"github.com/fanlume/pointscore/internal/platform/metrics"
	apperrors "github.com/fanlume/pointscore/internal/shared/errors"
	"github.com/fanlume/pointscore/internal/shared/validate"
	"github.com/fanlume/pointscore/pkg/logger"
)

// LedgerWriter is the slice of the ledger service the engine needs
type LedgerWriter interface {
	CreateEntry(ctx context.Context, req ledgerservice.CreateEntryRequest) (*ledgerdomain.Entry, error)
	JournalFailedEntry(ctx context.Context, req ledgerservice.CreateEntryRequest, failure string) error
}

// IdempotencyStore is the dedup check/store pair the engine needs
type IdempotencyStore interface {
	Check(ctx context.Context, key string, scope idempotency.Scope) (*idempotency.CheckResult, error)
	Store(ctx context.Context, key string, scope idempotency.Scope, result interface{}, statusCode int) error
}

// EventPublisher publishes domain events without blocking the caller
type EventPublisher interface {
	PublishAsync(ctx context.Context, event *events.Event) (string, error)
}

// Config holds the optimistic-lock retry knobs
type Config struct {
	MaxRetryAttempts int
	RetryBackoff     time.Duration
}

// HoldEscrowRequest moves points from a user's available balance into escrow
// against one external work-item.
type HoldEscrowRequest struct {
	IdempotencyKey string
	QueueItemID    string
	UserID         string
	Amount         int64
	FeatureType    string
	Reason         string
	Metadata       map[string]string
	CorrelationID  string
	RequestID      string
}

// SettleEscrowRequest releases a held escrow to the model's earned balance.
// QueueItemID and Amount carry the capability token's bindings when the call
// comes through the API; zero values skip the cross-check for trusted callers.
type SettleEscrowRequest struct {
	IdempotencyKey string
	EscrowID       string
	ModelID        string
	QueueItemID    string
	Amount         int64
	Reason         string
	CorrelationID  string
	RequestID      string
}

// RefundEscrowRequest returns a held escrow to the user's available balance
type RefundEscrowRequest struct {
	IdempotencyKey string
	EscrowID       string
	QueueItemID    string
	Amount         int64
	Reason         string
	CorrelationID  string
	RequestID      string
}

// PartialSettleRequest splits a held escrow: SettleAmount goes to the model,
// RefundAmount back to the user. The two must sum to the escrowed amount.
type PartialSettleRequest struct {
	IdempotencyKey string
	EscrowID       string
	ModelID        string
	QueueItemID    string
	SettleAmount   int64
	RefundAmount   int64
	Reason         string
	CorrelationID  string
	RequestID      string
}

// EscrowResult is the stored, replayable outcome of an escrow operation
type EscrowResult struct {
	EscrowID         string              `json:"escrow_id"`
	QueueItemID      string              `json:"queue_item_id"`
	UserID           string              `json:"user_id"`
	ModelID          string              `json:"model_id,omitempty"`
	Amount           int64               `json:"amount"`
	SettledAmount    int64               `json:"settled_amount,omitempty"`
	RefundedAmount   int64               `json:"refunded_amount,omitempty"`
	Status           domain.EscrowStatus `json:"status"`
	TransactionID    string              `json:"transaction_id"`
	AvailableBalance int64               `json:"available_balance"`
	EscrowBalance    int64               `json:"escrow_balance"`
	Duplicate        bool                `json:"-"`
}

// EscrowEngine is the only writer of wallet and escrow state. Every mutation
// is idempotent, optimistic-lock guarded, and mirrored into the ledger.
type EscrowEngine struct {
	wallets repository.WalletRepository
	ledger  LedgerWriter
	idem    IdempotencyStore
	bus     EventPublisher
	cfg     Config
	logger  *logger.Logger
	sleep   func(time.Duration)
	now     func() time.Time
}

// NewEscrowEngine creates the wallet/escrow engine
func NewEscrowEngine(wallets repository.WalletRepository, ledger LedgerWriter, idem IdempotencyStore, bus EventPublisher, cfg Config, log *logger.Logger) *EscrowEngine {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}

	return &EscrowEngine{
		wallets: wallets,
		ledger:  ledger,
		idem:    idem,
		bus:     bus,
		cfg:     cfg,
		logger:  log.WithField("component", "escrow_engine"),
		sleep:   time.Sleep,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetSleepFunc overrides the backoff sleeper, for tests
func (e *EscrowEngine) SetSleepFunc(sleep func(time.Duration)) {
	if sleep != nil {
		e.sleep = sleep
	}
}

// SetNowFunc overrides the time source, for tests
func (e *EscrowEngine) SetNowFunc(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// HoldInEscrow earmarks part of a user's available balance for one external
// work-item. Replays of the same idempotency key return the original result.
func (e *EscrowEngine) HoldInEscrow(ctx context.Context, req HoldEscrowRequest) (*EscrowResult, error) {
	userID, err := validate.Identifier("user_id", req.UserID, 0)
	if err != nil {
		return nil, err
	}
	queueItemID, err := validate.Identifier("queue_item_id", req.QueueItemID, 0)
	if err != nil {
		return nil, err
	}
	if err := validate.PositiveAmount("amount", req.Amount); err != nil {
		return nil, err
	}
	if req.FeatureType == "" {
		return nil, apperrors.InvalidInput("feature_type is required")
	}
	if req.Reason == "" {
		return nil, apperrors.InvalidInput("reason is required")
	}

	if result, err := e.replay(ctx, req.IdempotencyKey, idempotency.ScopeHoldEscrow); err != nil || result != nil {
		return result, err
	}

	var (
		escrow *domain.EscrowItem
		wallet *domain.Wallet
	)

	for attempt := 1; attempt <= e.cfg.MaxRetryAttempts; attempt++ {
		wallet, err = e.wallets.CreateWallet(ctx, userID)
		if err != nil {
			return nil, apperrors.DatabaseError("failed to load wallet", err)
		}

		if wallet.AvailableBalance < req.Amount {
			metrics.WalletOperations.WithLabelValues("hold", "insufficient_balance").Inc()
			return nil, apperrors.InsufficientBalance(
				fmt.Sprintf("available balance %d is less than requested %d", wallet.AvailableBalance, req.Amount))
		}

		escrow = &domain.EscrowItem{
			EscrowID:    uuid.NewString(),
			QueueItemID: queueItemID,
			UserID:      userID,
			Amount:      req.Amount,
			Status:      domain.EscrowHeld,
			FeatureType: req.FeatureType,
			Reason:      req.Reason,
			Metadata:    req.Metadata,
			CreatedAt:   e.now(),
		}

		if err := e.wallets.CreateEscrow(ctx, escrow); err != nil {
			if err == domain.ErrDuplicateQueueItem {
				return e.existingHold(ctx, queueItemID)
			}
			return nil, apperrors.DatabaseError("failed to create escrow", err)
		}

		applied, err := e.wallets.UpdateWalletBalances(ctx, userID, wallet.Version,
			wallet.AvailableBalance-req.Amount, wallet.EscrowBalance+req.Amount)
		if err != nil {
			return nil, apperrors.DatabaseError("failed to update wallet", err)
		}
		if applied {
			wallet.AvailableBalance -= req.Amount
			wallet.EscrowBalance += req.Amount
			break
		}

		// Lost the version race; the tentative escrow must not survive the retry.
		metrics.OptimisticLockConflicts.WithLabelValues("hold").Inc()
		if delErr := e.wallets.DeleteEscrow(ctx, escrow.EscrowID); delErr != nil {
			e.logger.WithContext(ctx).Error("failed to remove tentative escrow after lost race",
				"escrow_id", escrow.EscrowID, "error", delErr)
		}
		escrow = nil

		if attempt == e.cfg.MaxRetryAttempts {
			metrics.WalletOperations.WithLabelValues("hold", "occ_exhausted").Inc()
			return nil, apperrors.OptimisticLockConflict("wallet busy, retry with the same idempotency key")
		}
		e.sleep(e.backoff(attempt))
	}

	transactionID := uuid.NewString()
	e.writePairedEntries(ctx, pairedEntries{
		debit: ledgerservice.CreateEntryRequest{
			IdempotencyKey:  req.IdempotencyKey + "_hold_debit",
			TransactionID:   transactionID,
			AccountID:       userID,
			AccountType:     ledgerdomain.AccountUser,
			Amount:          -req.Amount,
			Type:            ledgerdomain.Debit,
			BalanceState:    ledgerdomain.StateAvailable,
			StateTransition: "available->escrow",
			Reason:          req.Reason,
			BalanceBefore:   wallet.AvailableBalance + req.Amount,
			BalanceAfter:    wallet.AvailableBalance,
			EscrowID:        escrow.EscrowID,
			QueueItemID:     queueItemID,
			FeatureType:     req.FeatureType,
			CorrelationID:   req.CorrelationID,
			RequestID:       req.RequestID,
			Metadata:        req.Metadata,
		},
		credit: ledgerservice.CreateEntryRequest{
			IdempotencyKey:  req.IdempotencyKey + "_hold_credit",
			TransactionID:   transactionID,
			AccountID:       userID,
			AccountType:     ledgerdomain.AccountUser,
			Amount:          req.Amount,
			Type:            ledgerdomain.Credit,
			BalanceState:    ledgerdomain.StateEscrow,
			StateTransition: "available->escrow",
			Reason:          req.Reason,
			BalanceBefore:   wallet.EscrowBalance - req.Amount,
			BalanceAfter:    wallet.EscrowBalance,
			EscrowID:        escrow.EscrowID,
			QueueItemID:     queueItemID,
			FeatureType:     req.FeatureType,
			CorrelationID:   req.CorrelationID,
			RequestID:       req.RequestID,
			Metadata:        req.Metadata,
		},
	})

	result := &EscrowResult{
		EscrowID:         escrow.EscrowID,
		QueueItemID:      queueItemID,
		UserID:           userID,
		Amount:           req.Amount,
		Status:           domain.EscrowHeld,
		TransactionID:    transactionID,
		AvailableBalance: wallet.AvailableBalance,
		EscrowBalance:    wallet.EscrowBalance,
	}

	if err := e.idem.Store(ctx, req.IdempotencyKey, idempotency.ScopeHoldEscrow, result, http.StatusCreated); err != nil {
		e.logger.WithContext(ctx).Error("failed to store idempotency result", "error", err)
	}

	e.publish(ctx, events.EscrowHeld, req.IdempotencyKey, map[string]interface{}{
		"escrow_id":         escrow.EscrowID,
		"queue_item_id":     queueItemID,
		"user_id":           userID,
		"amount":            req.Amount,
		"available_balance": wallet.AvailableBalance,
		"escrow_balance":    wallet.EscrowBalance,
		"feature_type":      req.FeatureType,
	})

	metrics.WalletOperations.WithLabelValues("hold", "success").Inc()
	return result, nil
}

// SettleEscrow moves a held escrow's points to the model's earned balance
func (e *EscrowEngine) SettleEscrow(ctx context.Context, req SettleEscrowRequest) (*EscrowResult, error) {
	escrowID, err := validate.Identifier("escrow_id", req.EscrowID, 0)
	if err != nil {
		return nil, err
	}
	modelID, err := validate.Identifier("model_id", req.ModelID, 0)
	if err != nil {
		return nil, err
	}

	if result, err := e.replay(ctx, req.IdempotencyKey, idempotency.ScopeSettleEscrow); err != nil || result != nil {
		return result, err
	}

	escrow, err := e.loadHeldEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := authorizedEscrowMatch(escrow, req.QueueItemID, req.Amount); err != nil {
		return nil, err
	}

	wallet, err := e.debitEscrowBalance(ctx, "settle", escrow.UserID, escrow.Amount, 0)
	if err != nil {
		return nil, err
	}

	modelWallet, err := e.creditEarnedBalance(ctx, "settle", modelID, escrow.Amount)
	if err != nil {
		return nil, err
	}

	processedAt := e.now()
	transitioned, err := e.wallets.TransitionEscrow(ctx, escrowID, domain.EscrowSettled, modelID, processedAt)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to transition escrow", err)
	}
	if !transitioned {
		// Wallets already moved; this needs an operator, not a silent retry.
		e.logger.WithContext(ctx).Error("escrow left held state during settlement",
			"escrow_id", escrowID, "user_id", escrow.UserID, "model_id", modelID)
		return nil, apperrors.EscrowAlreadyProcessed(escrowID, "unknown")
	}

	transactionID := uuid.NewString()
	e.writePairedEntries(ctx, pairedEntries{
		debit: ledgerservice.CreateEntryRequest{
			IdempotencyKey:  req.IdempotencyKey + "_settle_debit",
			TransactionID:   transactionID,
			AccountID:       escrow.UserID,
			AccountType:     ledgerdomain.AccountUser,
			Amount:          -escrow.Amount,
			Type:            ledgerdomain.Debit,
			BalanceState:    ledgerdomain.StateEscrow,
			StateTransition: "escrow->settled",
			Reason:          settleReason(req.Reason),
			BalanceBefore:   wallet.EscrowBalance + escrow.Amount,
			BalanceAfter:    wallet.EscrowBalance,
			EscrowID:        escrowID,
			QueueItemID:     escrow.QueueItemID,
			FeatureType:     escrow.FeatureType,
			CorrelationID:   req.CorrelationID,
			RequestID:       req.RequestID,
		},
		credit: ledgerservice.CreateEntryRequest{
			IdempotencyKey:  req.IdempotencyKey + "_settle_credit",
			TransactionID:   transactionID,
			AccountID:       modelID,
			AccountType:     ledgerdomain.AccountModel,
			Amount:          escrow.Amount,
			Type:            ledgerdomain.Credit,
			BalanceState:    ledgerdomain.StateEarned,
			StateTransition: "escrow->settled",
			Reason:          settleReason(req.Reason),
			BalanceBefore:   modelWallet.EarnedBalance - escrow.Amount,
			BalanceAfter:    modelWallet.EarnedBalance,
			EscrowID:        escrowID,
			QueueItemID:     escrow.QueueItemID,
			FeatureType:     escrow.FeatureType,
			CorrelationID:   req.CorrelationID,
			RequestID:       req.RequestID,
		},
	})

	result := &EscrowResult{
		EscrowID:         escrowID,
		QueueItemID:      escrow.QueueItemID,
		UserID:           escrow.UserID,
		ModelID:          modelID,
		Amount:           escrow.Amount,
		SettledAmount:    escrow.Amount,
		Status:           domain.EscrowSettled,
		TransactionID:    transactionID,
		AvailableBalance: wallet.AvailableBalance,
		EscrowBalance:    wallet.EscrowBalance,
	}

	if err := e.idem.Store(ctx, req.IdempotencyKey, idempotency.ScopeSettleEscrow, result, http.StatusOK); err != nil {
		e.logger.WithContext(ctx).Error("failed to store idempotency result", "error", err)
	}

	e.publish(ctx, events.EscrowSettled, req.IdempotencyKey, map[string]interface{}{
		"escrow_id":         escrowID,
		"queue_item_id":     escrow.QueueItemID,
		"user_id":           escrow.UserID,
		"model_id":          modelID,
		"amount":            escrow.Amount,
		"available_balance": wallet.AvailableBalance,
		"escrow_balance":    wallet.EscrowBalance,
		"earned_balance":    modelWallet.EarnedBalance,
	})

	metrics.WalletOperations.WithLabelValues("settle", "success").Inc()
	return result, nil
}

// RefundEscrow returns a held escrow's points to the user's available balance
func (e *EscrowEngine) RefundEscrow(ctx context.Context, req RefundEscrowRequest) (*EscrowResult, error) {
	escrowID, err := validate.Identifier("escrow_id", req.EscrowID, 0)
	if err != nil {
		return nil, err
	}

	if result, err := e.replay(ctx, req.IdempotencyKey, idempotency.ScopeRefundEscrow); err != nil || result != nil {
		return result, err
	}

	escrow, err := e.loadHeldEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := authorizedEscrowMatch(escrow, req.QueueItemID, req.Amount); err != nil {
		return nil, err
	}

	wallet, err := e.debitEscrowBalance(ctx, "refund", escrow.UserID, escrow.Amount, escrow.Amount)
	if err != nil {
		return nil, err
	}

	processedAt := e.now()
	transitioned, err := e.wallets.TransitionEscrow(ctx, escrowID, domain.EscrowRefunded, "", processedAt)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to transition escrow", err)
	}
	if !transitioned {
		e.logger.WithContext(ctx).Error("escrow left held state during refund",
			"escrow_id", escrowID, "user_id", escrow.UserID)
		return nil, apperrors.EscrowAlreadyProcessed(escrowID, "unknown")
	}

	transactionID := uuid.NewString()
	e.writePairedEntries(ctx, pairedEntries{
		debit: ledgerservice.CreateEntryRequest{
			IdempotencyKey:  req.IdempotencyKey + "_refund_debit",
			TransactionID:   transactionID,
			AccountID:       escrow.UserID,
			AccountType:     ledgerdomain.AccountUser,
			Amount:          -escrow.Amount,
			Type:            ledgerdomain.Debit,
			BalanceState:    ledgerdomain.StateEscrow,
			StateTransition: "escrow->available",
			Reason:          refundReason(req.Reason),
			BalanceBefore:   wallet.EscrowBalance + escrow.Amount,
			BalanceAfter:    wallet.EscrowBalance,
			EscrowID:        escrowID,
			QueueItemID:     escrow.QueueItemID,
			FeatureType:     escrow.FeatureType,
			CorrelationID:   req.CorrelationID,
			RequestID:       req.RequestID,
		},
		credit: ledgerservice.CreateEntryRequest{
			IdempotencyKey:  req.IdempotencyKey + "_refund_credit",
			TransactionID:   transactionID,
			AccountID:       escrow.UserID,
			AccountType:     ledgerdomain.AccountUser,
			Amount:          escrow.Amount,
			Type:            ledgerdomain.Credit,
			BalanceState:    ledgerdomain.StateAvailable,
			StateTransition: "escrow->available",
			Reason:          refundReason(req.Reason),
			BalanceBefore:   wallet.AvailableBalance - escrow.Amount,
			BalanceAfter:    wallet.AvailableBalance,
			EscrowID:        escrowID,
			QueueItemID:     escrow.QueueItemID,
			FeatureType:     escrow.FeatureType,
			CorrelationID:   req.CorrelationID,
			RequestID:       req.RequestID,
		},
	})

	result := &EscrowResult{
		EscrowID:         escrowID,
		QueueItemID:      escrow.QueueItemID,
		UserID:           escrow.UserID,
		Amount:           escrow.Amount,
		RefundedAmount:   escrow.Amount,
		Status:           domain.EscrowRefunded,
		TransactionID:    transactionID,
		AvailableBalance: wallet.AvailableBalance,
		EscrowBalance:    wallet.EscrowBalance,
	}

	if err := e.idem.Store(ctx, req.IdempotencyKey, idempotency.ScopeRefundEscrow, result, http.StatusOK); err != nil {
		e.logger.WithContext(ctx).Error("failed to store idempotency result", "error", err)
	}

	e.publish(ctx, events.EscrowRefunded, req.IdempotencyKey, map[string]interface{}{
		"escrow_id":         escrowID,
		"queue_item_id":     escrow.QueueItemID,
		"user_id":           escrow.UserID,
		"amount":            escrow.Amount,
		"available_balance": wallet.AvailableBalance,
		"escrow_balance":    wallet.EscrowBalance,
	})

	metrics.WalletOperations.WithLabelValues("refund", "success").Inc()
	return result, nil
}

// PartialSettleEscrow settles part of a held escrow to the model and refunds
// the remainder to the user. The split must cover the full escrowed amount;
// a zero leg is allowed on either side.
func (e *EscrowEngine) PartialSettleEscrow(ctx context.Context, req PartialSettleRequest) (*EscrowResult, error) {
	escrowID, err := validate.Identifier("escrow_id", req.EscrowID, 0)
	if err != nil {
		return nil, err
	}
	if req.SettleAmount < 0 || req.RefundAmount < 0 {
		return nil, apperrors.InvalidInput("settle and refund amounts must be non-negative")
	}

	var modelID string
	if req.SettleAmount > 0 {
		modelID, err = validate.Identifier("model_id", req.ModelID, 0)
		if err != nil {
			return nil, err
		}
	}

	if result, err := e.replay(ctx, req.IdempotencyKey, idempotency.ScopePartialSettle); err != nil || result != nil {
		return result, err
	}

	escrow, err := e.loadHeldEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := authorizedEscrowMatch(escrow, req.QueueItemID, 0); err != nil {
		return nil, err
	}

	if req.SettleAmount+req.RefundAmount != escrow.Amount {
		return nil, apperrors.InvalidInput(
			fmt.Sprintf("settle %d + refund %d must equal escrowed amount %d",
				req.SettleAmount, req.RefundAmount, escrow.Amount))
	}

	wallet, err := e.debitEscrowBalance(ctx, "partial_settle", escrow.UserID, escrow.Amount, req.RefundAmount)
	if err != nil {
		return nil, err
	}

	var modelWallet *domain.ModelWallet
	if req.SettleAmount > 0 {
		modelWallet, err = e.creditEarnedBalance(ctx, "partial_settle", modelID, req.SettleAmount)
		if err != nil {
			return nil, err
		}
	}

	terminal := domain.EscrowSettled
	if req.SettleAmount == 0 {
		terminal = domain.EscrowRefunded
	}

	processedAt := e.now()
	transitioned, err := e.wallets.TransitionEscrow(ctx, escrowID, terminal, modelID, processedAt)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to transition escrow", err)
	}
	if !transitioned {
		e.logger.WithContext(ctx).Error("escrow left held state during partial settlement",
			"escrow_id", escrowID, "user_id", escrow.UserID)
		return nil, apperrors.EscrowAlreadyProcessed(escrowID, "unknown")
	}

	transactionID := uuid.NewString()

	// Escrow bucket empties in one debit, whatever the split.
	e.writeEntry(ctx, ledgerservice.CreateEntryRequest{
		IdempotencyKey:  req.IdempotencyKey + "_partial_debit",
		TransactionID:   transactionID,
		AccountID:       escrow.UserID,
		AccountType:     ledgerdomain.AccountUser,
		Amount:          -escrow.Amount,
		Type:            ledgerdomain.Debit,
		BalanceState:    ledgerdomain.StateEscrow,
		StateTransition: "escrow->split",
		Reason:          partialReason(req.Reason),
		BalanceBefore:   wallet.EscrowBalance + escrow.Amount,
		BalanceAfter:    wallet.EscrowBalance,
		EscrowID:        escrowID,
		QueueItemID:     escrow.QueueItemID,
		FeatureType:     escrow.FeatureType,
		CorrelationID:   req.CorrelationID,
		RequestID:       req.RequestID,
	})

	// Refund leg posts before the settle leg.
	if req.RefundAmount > 0 {
		e.writeEntry(ctx, ledgerservice.CreateEntryRequest{
			IdempotencyKey:  req.IdempotencyKey + "_partial_refund",
			TransactionID:   transactionID,
			AccountID:       escrow.UserID,
			AccountType:     ledgerdomain.AccountUser,
			Amount:          req.RefundAmount,
			Type:            ledgerdomain.Credit,
			BalanceState:    ledgerdomain.StateAvailable,
			StateTransition: "escrow->available",
			Reason:          partialReason(req.Reason),
			BalanceBefore:   wallet.AvailableBalance - req.RefundAmount,
			BalanceAfter:    wallet.AvailableBalance,
			EscrowID:        escrowID,
			QueueItemID:     escrow.QueueItemID,
			FeatureType:     escrow.FeatureType,
			CorrelationID:   req.CorrelationID,
			RequestID:       req.RequestID,
		})
	}

	if req.SettleAmount > 0 {
		e.writeEntry(ctx, ledgerservice.CreateEntryRequest{
			IdempotencyKey:  req.IdempotencyKey + "_partial_settle",
			TransactionID:   transactionID,
			AccountID:       modelID,
			AccountType:     ledgerdomain.AccountModel,
			Amount:          req.SettleAmount,
			Type:            ledgerdomain.Credit,
			BalanceState:    ledgerdomain.StateEarned,
			StateTransition: "escrow->settled",
			Reason:          partialReason(req.Reason),
			BalanceBefore:   modelWallet.EarnedBalance - req.SettleAmount,
			BalanceAfter:    modelWallet.EarnedBalance,
			EscrowID:        escrowID,
			QueueItemID:     escrow.QueueItemID,
			FeatureType:     escrow.FeatureType,
			CorrelationID:   req.CorrelationID,
			RequestID:       req.RequestID,
		})
	}

	result := &EscrowResult{
		EscrowID:         escrowID,
		QueueItemID:      escrow.QueueItemID,
		UserID:           escrow.UserID,
		ModelID:          modelID,
		Amount:           escrow.Amount,
		SettledAmount:    req.SettleAmount,
		RefundedAmount:   req.RefundAmount,
		Status:           terminal,
		TransactionID:    transactionID,
		AvailableBalance: wallet.AvailableBalance,
		EscrowBalance:    wallet.EscrowBalance,
	}

	if err := e.idem.Store(ctx, req.IdempotencyKey, idempotency.ScopePartialSettle, result, http.StatusOK); err != nil {
		e.logger.WithContext(ctx).Error("failed to store idempotency result", "error", err)
	}

	payload := map[string]interface{}{
		"escrow_id":         escrowID,
		"queue_item_id":     escrow.QueueItemID,
		"user_id":           escrow.UserID,
		"settled_amount":    req.SettleAmount,
		"refunded_amount":   req.RefundAmount,
		"available_balance": wallet.AvailableBalance,
		"escrow_balance":    wallet.EscrowBalance,
	}
	if modelID != "" {
		payload["model_id"] = modelID
		payload["earned_balance"] = modelWallet.EarnedBalance
	}
	e.publish(ctx, events.EscrowPartialSettled, req.IdempotencyKey, payload)

	metrics.WalletOperations.WithLabelValues("partial_settle", "success").Inc()
	return result, nil
}

// GetEscrow returns one escrow item by id
func (e *EscrowEngine) GetEscrow(ctx context.Context, escrowID string) (*domain.EscrowItem, error) {
	escrowID, err := validate.Identifier("escrow_id", escrowID, 0)
	if err != nil {
		return nil, err
	}

	escrow, err := e.wallets.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to load escrow", err)
	}
	if escrow == nil {
		return nil, apperrors.EscrowNotFound(escrowID)
	}
	return escrow, nil
}

// GetUserBalance returns the user's balances; a missing wallet reads as zeros
func (e *EscrowEngine) GetUserBalance(ctx context.Context, userID string) (*domain.UserBalance, error) {
	userID, err := validate.Identifier("user_id", userID, 0)
	if err != nil {
		return nil, err
	}

	wallet, err := e.wallets.GetWallet(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to load wallet", err)
	}

	balance := &domain.UserBalance{UserID: userID}
	if wallet != nil {
		balance.AvailableBalance = wallet.AvailableBalance
		balance.EscrowBalance = wallet.EscrowBalance
	}
	return balance, nil
}

// GetModelBalance returns the model's earned balance; missing wallets read as zero
func (e *EscrowEngine) GetModelBalance(ctx context.Context, modelID string) (*domain.ModelBalance, error) {
	modelID, err := validate.Identifier("model_id", modelID, 0)
	if err != nil {
		return nil, err
	}

	wallet, err := e.wallets.GetModelWallet(ctx, modelID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to load model wallet", err)
	}

	balance := &domain.ModelBalance{ModelID: modelID}
	if wallet != nil {
		balance.EarnedBalance = wallet.EarnedBalance
	}
	return balance, nil
}

// replay returns the stored result when the key was already processed
func (e *EscrowEngine) replay(ctx context.Context, key string, scope idempotency.Scope) (*EscrowResult, error) {
	check, err := e.idem.Check(ctx, key, scope)
	if err != nil {
		return nil, err
	}
	if !check.IsDuplicate {
		return nil, nil
	}

	var result EscrowResult
	if err := json.Unmarshal(check.StoredResult, &result); err != nil {
		return nil, apperrors.Internal("failed to decode stored idempotency result", err)
	}
	result.Duplicate = true
	return &result, nil
}

// existingHold resolves a hold request whose queue item already has an escrow.
// A different caller got there first; the existing escrow is the answer.
func (e *EscrowEngine) existingHold(ctx context.Context, queueItemID string) (*EscrowResult, error) {
	escrow, err := e.wallets.GetEscrowByQueueItem(ctx, queueItemID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to load escrow for queue item", err)
	}
	if escrow == nil {
		return nil, apperrors.Conflict("escrow already exists for queue item " + queueItemID)
	}

	metrics.WalletOperations.WithLabelValues("hold", "duplicate_queue_item").Inc()
	return &EscrowResult{
		EscrowID:    escrow.EscrowID,
		QueueItemID: escrow.QueueItemID,
		UserID:      escrow.UserID,
		ModelID:     escrow.ModelID,
		Amount:      escrow.Amount,
		Status:      escrow.Status,
		Duplicate:   true,
	}, nil
}

// loadHeldEscrow loads an escrow and enforces the held precondition
// authorizedEscrowMatch rejects an operation whose token bindings disagree
// with the escrow row it is aimed at. Empty bindings skip the check; in-process
// callers that load the row themselves have nothing to cross-check.
func authorizedEscrowMatch(escrow *domain.EscrowItem, queueItemID string, amount int64) error {
	if queueItemID != "" && queueItemID != escrow.QueueItemID {
		return apperrors.InvalidAuthorization(
			fmt.Sprintf("authorized queue item %q does not match escrow %s", queueItemID, escrow.EscrowID))
	}
	if amount > 0 && amount != escrow.Amount {
		return apperrors.InvalidAuthorization(
			fmt.Sprintf("authorized amount %d does not match escrowed amount %d", amount, escrow.Amount))
	}
	return nil
}

func (e *EscrowEngine) loadHeldEscrow(ctx context.Context, escrowID string) (*domain.EscrowItem, error) {
	escrow, err := e.wallets.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to load escrow", err)
	}
	if escrow == nil {
		return nil, apperrors.EscrowNotFound(escrowID)
	}
	if escrow.Status != domain.EscrowHeld {
		return nil, apperrors.EscrowAlreadyProcessed(escrowID, string(escrow.Status))
	}
	return escrow, nil
}

// debitEscrowBalance removes amount from the user's escrow bucket and credits
// refund of it back to available, under the optimistic-lock retry loop. The
// returned wallet carries the post-update balances.
func (e *EscrowEngine) debitEscrowBalance(ctx context.Context, operation, userID string, amount, refund int64) (*domain.Wallet, error) {
	for attempt := 1; attempt <= e.cfg.MaxRetryAttempts; attempt++ {
		wallet, err := e.wallets.GetWallet(ctx, userID)
		if err != nil {
			return nil, apperrors.DatabaseError("failed to load wallet", err)
		}
		if wallet == nil {
			return nil, apperrors.Internal("wallet missing for held escrow", domain.ErrWalletNotFound)
		}
		if wallet.EscrowBalance < amount {
			return nil, apperrors.Internal(
				fmt.Sprintf("escrow balance %d is less than escrowed amount %d", wallet.EscrowBalance, amount), nil)
		}

		applied, err := e.wallets.UpdateWalletBalances(ctx, userID, wallet.Version,
			wallet.AvailableBalance+refund, wallet.EscrowBalance-amount)
		if err != nil {
			return nil, apperrors.DatabaseError("failed to update wallet", err)
		}
		if applied {
			wallet.AvailableBalance += refund
			wallet.EscrowBalance -= amount
			return wallet, nil
		}

		metrics.OptimisticLockConflicts.WithLabelValues(operation).Inc()
		if attempt < e.cfg.MaxRetryAttempts {
			e.sleep(e.backoff(attempt))
		}
	}

	metrics.WalletOperations.WithLabelValues(operation, "occ_exhausted").Inc()
	return nil, apperrors.OptimisticLockConflict("wallet busy, retry with the same idempotency key")
}

// creditEarnedBalance adds amount to the model's earned bucket, creating the
// wallet lazily, under the optimistic-lock retry loop.
func (e *EscrowEngine) creditEarnedBalance(ctx context.Context, operation, modelID string, amount int64) (*domain.ModelWallet, error) {
	for attempt := 1; attempt <= e.cfg.MaxRetryAttempts; attempt++ {
		wallet, err := e.wallets.CreateModelWallet(ctx, modelID, domain.ModelWalletEarnings)
		if err != nil {
			return nil, apperrors.DatabaseError("failed to load model wallet", err)
		}

		applied, err := e.wallets.UpdateModelWalletBalance(ctx, modelID, wallet.Version, wallet.EarnedBalance+amount)
		if err != nil {
			return nil, apperrors.DatabaseError("failed to update model wallet", err)
		}
		if applied {
			wallet.EarnedBalance += amount
			return wallet, nil
		}

		metrics.OptimisticLockConflicts.WithLabelValues(operation).Inc()
		if attempt < e.cfg.MaxRetryAttempts {
			e.sleep(e.backoff(attempt))
		}
	}

	metrics.WalletOperations.WithLabelValues(operation, "occ_exhausted").Inc()
	return nil, apperrors.OptimisticLockConflict("model wallet busy, retry with the same idempotency key")
}

type pairedEntries struct {
	debit  ledgerservice.CreateEntryRequest
	credit ledgerservice.CreateEntryRequest
}

func (e *EscrowEngine) writePairedEntries(ctx context.Context, pair pairedEntries) {
	e.writeEntry(ctx, pair.debit)
	e.writeEntry(ctx, pair.credit)
}

// writeEntry posts one ledger entry. The wallet mutation already committed, so
// a failed write is journaled for operator replay instead of failing the call.
func (e *EscrowEngine) writeEntry(ctx context.Context, req ledgerservice.CreateEntryRequest) {
	if _, err := e.ledger.CreateEntry(ctx, req); err != nil {
		e.logger.WithContext(ctx).Error("ledger write failed after wallet commit",
			"idempotency_key", req.IdempotencyKey,
			"transaction_id", req.TransactionID,
			"error", err,
		)
		if jerr := e.ledger.JournalFailedEntry(ctx, req, err.Error()); jerr != nil {
			e.logger.WithContext(ctx).Error("failed to journal ledger entry",
				"idempotency_key", req.IdempotencyKey, "error", jerr)
		}
	}
}

func (e *EscrowEngine) publish(ctx context.Context, eventType events.EventType, idempotencyKey string, payload map[string]interface{}) {
	event := &events.Event{
		EventType:      eventType,
		IdempotencyKey: idempotencyKey,
		Payload:        payload,
	}
	if _, err := e.bus.PublishAsync(ctx, event); err != nil {
		e.logger.WithContext(ctx).Error("failed to publish event",
			"event_type", string(eventType), "error", err)
	}
}

func (e *EscrowEngine) backoff(attempt int) time.Duration {
	return e.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
}

func settleReason(reason string) string {
	if reason == "" {
		return "escrow settlement"
	}
	return reason
}

func refundReason(reason string) string {
	if reason == "" {
		return "escrow refund"
	}
	return reason
}

func partialReason(reason string) string {
	if reason == "" {
		return "escrow partial settlement"
	}
	return reason
}
