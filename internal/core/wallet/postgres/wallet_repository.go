package postgres

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

	ledgerdomain "github.com/fanlume/pointscore/internal/core/ledger/domain"
	"github.com/fanlume/pointscore/internal/core/wallet/domain"
)

const uniqueViolation = "23505"

// WalletRepository implements the wallet storage port using PostgreSQL
type WalletRepository struct {
	pool *pgxpool.Pool
}

// NewWalletRepository creates a new PostgreSQL wallet repository
func NewWalletRepository(pool *pgxpool.Pool) *WalletRepository {
	return &WalletRepository{pool: pool}
}

// GetWallet returns the user wallet, or nil when absent
func (r *WalletRepository) GetWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	query := `
		SELECT user_id, available_balance, escrow_balance, version, created_at, updated_at
		FROM wallets
		WHERE user_id = $1
	`

	var w domain.Wallet
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&w.UserID,
		&w.AvailableBalance,
		&w.EscrowBalance,
		&w.Version,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}

	return &w, nil
}

// CreateWallet lazily creates a zero-balance wallet; concurrent creators all
// end up reading the same row
func (r *WalletRepository) CreateWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	query := `
		INSERT INTO wallets (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`

	if _, err := r.pool.Exec(ctx, query, userID); err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	wallet, err := r.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, domain.ErrWalletNotFound
	}

	return wallet, nil
}

// UpdateWalletBalances applies the new balances iff the version is unchanged
func (r *WalletRepository) UpdateWalletBalances(ctx context.Context, userID string, version int64, available, escrow int64) (bool, error) {
	query := `
		UPDATE wallets
		SET available_balance = $3, escrow_balance = $4, version = version + 1, updated_at = now()
		WHERE user_id = $1 AND version = $2
	`

	tag, err := r.pool.Exec(ctx, query, userID, version, available, escrow)
	if err != nil {
		return false, fmt.Errorf("failed to update wallet balances: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// GetModelWallet returns the model wallet, or nil when absent
func (r *WalletRepository) GetModelWallet(ctx context.Context, modelID string) (*domain.ModelWallet, error) {
	query := `
		SELECT model_id, earned_balance, version, wallet_type, created_at, updated_at
		FROM model_wallets
		WHERE model_id = $1
	`

	var w domain.ModelWallet
	var walletType string
	err := r.pool.QueryRow(ctx, query, modelID).Scan(
		&w.ModelID,
		&w.EarnedBalance,
		&w.Version,
		&walletType,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get model wallet: %w", err)
	}

	w.Type = domain.ModelWalletType(walletType)
	return &w, nil
}

// CreateModelWallet lazily creates a zero-balance model wallet
func (r *WalletRepository) CreateModelWallet(ctx context.Context, modelID string, walletType domain.ModelWalletType) (*domain.ModelWallet, error) {
	if walletType == "" {
		walletType = domain.ModelWalletEarnings
	}

	query := `
		INSERT INTO model_wallets (model_id, wallet_type)
		VALUES ($1, $2)
		ON CONFLICT (model_id) DO NOTHING
	`

	if _, err := r.pool.Exec(ctx, query, modelID, string(walletType)); err != nil {
		return nil, fmt.Errorf("failed to create model wallet: %w", err)
	}

	wallet, err := r.GetModelWallet(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, domain.ErrModelWalletNotFound
	}

	return wallet, nil
}

// UpdateModelWalletBalance applies the new earned balance iff the version is unchanged
func (r *WalletRepository) UpdateModelWalletBalance(ctx context.Context, modelID string, version int64, earned int64) (bool, error) {
	query := `
		UPDATE model_wallets
		SET earned_balance = $3, version = version + 1, updated_at = now()
		WHERE model_id = $1 AND version = $2
	`

	tag, err := r.pool.Exec(ctx, query, modelID, version, earned)
	if err != nil {
		return false, fmt.Errorf("failed to update model wallet balance: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// CreateEscrow inserts a new escrow item. A duplicate queue item ID maps to
// domain.ErrDuplicateQueueItem.
func (r *WalletRepository) CreateEscrow(ctx context.Context, escrow *domain.EscrowItem) error {
	if err := escrow.Validate(); err != nil {
		return fmt.Errorf("invalid escrow item: %w", err)
	}

	metadataJSON, err := json.Marshal(escrow.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO escrow_items (escrow_id, queue_item_id, user_id, model_id, amount, status, feature_type, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.pool.Exec(ctx, query,
		escrow.EscrowID,
		escrow.QueueItemID,
		escrow.UserID,
		nullable(escrow.ModelID),
		escrow.Amount,
		string(escrow.Status),
		escrow.FeatureType,
		escrow.Reason,
		metadataJSON,
		escrow.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateQueueItem
		}
		return fmt.Errorf("failed to create escrow item: %w", err)
	}

	return nil
}

// GetEscrow returns the escrow item, or nil when absent
func (r *WalletRepository) GetEscrow(ctx context.Context, escrowID string) (*domain.EscrowItem, error) {
	return r.getEscrowBy(ctx, "escrow_id", escrowID)
}

// GetEscrowByQueueItem returns the escrow bound to the external work-item
func (r *WalletRepository) GetEscrowByQueueItem(ctx context.Context, queueItemID string) (*domain.EscrowItem, error) {
	return r.getEscrowBy(ctx, "queue_item_id", queueItemID)
}

func (r *WalletRepository) getEscrowBy(ctx context.Context, column, value string) (*domain.EscrowItem, error) {
	query := fmt.Sprintf(`
		SELECT escrow_id, queue_item_id, user_id, model_id, amount, status, feature_type, reason, metadata, created_at, processed_at
		FROM escrow_items
		WHERE %s = $1
	`, column)

	var e domain.EscrowItem
	var modelID sql.NullString
	var status string
	var metadataJSON []byte
	var processedAt sql.NullTime

	err := r.pool.QueryRow(ctx, query, value).Scan(
		&e.EscrowID,
		&e.QueueItemID,
		&e.UserID,
		&modelID,
		&e.Amount,
		&status,
		&e.FeatureType,
		&e.Reason,
		&metadataJSON,
		&e.CreatedAt,
		&processedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get escrow item: %w", err)
	}

	e.ModelID = modelID.String
	e.Status = domain.EscrowStatus(status)
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &e, nil
}

// DeleteEscrow removes a tentatively created escrow before a hold retry
func (r *WalletRepository) DeleteEscrow(ctx context.Context, escrowID string) error {
	// Only a held escrow may be removed; terminal rows are audit records.
	query := `DELETE FROM escrow_items WHERE escrow_id = $1 AND status = $2`

	if _, err := r.pool.Exec(ctx, query, escrowID, string(domain.EscrowHeld)); err != nil {
		return fmt.Errorf("failed to delete escrow item: %w", err)
	}

	return nil
}

// TransitionEscrow moves held -> to; returns false when the row was not held
func (r *WalletRepository) TransitionEscrow(ctx context.Context, escrowID string, to domain.EscrowStatus, modelID string, processedAt time.Time) (bool, error) {
	if !to.IsTerminal() {
		return false, domain.ErrInvalidEscrowStatus
	}

	query := `
		UPDATE escrow_items
		SET status = $2, model_id = COALESCE($3, model_id), processed_at = $4
		WHERE escrow_id = $1 AND status = $5
	`

	tag, err := r.pool.Exec(ctx, query, escrowID, string(to), nullable(modelID), processedAt, string(domain.EscrowHeld))
	if err != nil {
		return false, fmt.Errorf("failed to transition escrow item: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// CurrentBalance reads one stored balance bucket. Implements the ledger
// service's BalanceReader for reconciliation.
func (r *WalletRepository) CurrentBalance(ctx context.Context, accountID string, accountType ledgerdomain.AccountType, state ledgerdomain.BalanceState) (int64, error) {
	switch accountType {
	case ledgerdomain.AccountUser:
		wallet, err := r.GetWallet(ctx, accountID)
		if err != nil {
			return 0, err
		}
		if wallet == nil {
			return 0, nil
		}
		switch state {
		case ledgerdomain.StateAvailable:
			return wallet.AvailableBalance, nil
		case ledgerdomain.StateEscrow:
			return wallet.EscrowBalance, nil
		}
		return 0, fmt.Errorf("balance state %q not tracked for user accounts", state)
	case ledgerdomain.AccountModel:
		wallet, err := r.GetModelWallet(ctx, accountID)
		if err != nil {
			return 0, err
		}
		if wallet == nil {
			return 0, nil
		}
		if state == ledgerdomain.StateEarned {
			return wallet.EarnedBalance, nil
		}
		return 0, fmt.Errorf("balance state %q not tracked for model accounts", state)
	}
	return 0, fmt.Errorf("unknown account type %q", accountType)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
