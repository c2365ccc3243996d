package repository

import (
	"context"
	"time"

	"github.com/fanlume/pointscore/internal/core/wallet/domain"
)

// WalletRepository is the storage port for wallets, model wallets and escrow
// items. All balance mutations are compare-and-set on the row version; the
// boolean return reports whether the conditional write applied.
type WalletRepository interface {
	// GetWallet returns the user wallet, or nil when it does not exist yet.
	GetWallet(ctx context.Context, userID string) (*domain.Wallet, error)

	// CreateWallet lazily creates a zero-balance wallet. Races are resolved
	// by the unique key: the existing wallet is returned either way.
	CreateWallet(ctx context.Context, userID string) (*domain.Wallet, error)

	// UpdateWalletBalances applies new balances if the version still matches.
	UpdateWalletBalances(ctx context.Context, userID string, version int64, available, escrow int64) (bool, error)

	GetModelWallet(ctx context.Context, modelID string) (*domain.ModelWallet, error)
	CreateModelWallet(ctx context.Context, modelID string, walletType domain.ModelWalletType) (*domain.ModelWallet, error)
	UpdateModelWalletBalance(ctx context.Context, modelID string, version int64, earned int64) (bool, error)

	CreateEscrow(ctx context.Context, escrow *domain.EscrowItem) error
	GetEscrow(ctx context.Context, escrowID string) (*domain.EscrowItem, error)
	GetEscrowByQueueItem(ctx context.Context, queueItemID string) (*domain.EscrowItem, error)

	// DeleteEscrow removes a tentatively created escrow after a lost
	// optimistic-lock race on the wallet, before the hold is retried.
	DeleteEscrow(ctx context.Context, escrowID string) error

	// TransitionEscrow moves held -> to, recording modelID (optional) and
	// processedAt. Returns false when the escrow was not in held state.
	TransitionEscrow(ctx context.Context, escrowID string, to domain.EscrowStatus, modelID string, processedAt time.Time) (bool, error)
}
