package domain

import (
	"time"
)

// Wallet is a user's dual-balance points wallet. Mutations go through
// compare-and-set on Version; the wallet engine is the only writer.
type Wallet struct {
	UserID           string
	AvailableBalance int64
	EscrowBalance    int64
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ModelWalletType distinguishes promotional balances from real earnings
type ModelWalletType string

const (
	ModelWalletPromotional ModelWalletType = "promotional"
	ModelWalletEarnings    ModelWalletType = "earnings"
)

// ModelWallet is a counterparty's earnings wallet. EarnedBalance only
// increases, via settlement; there is no direct debit path.
type ModelWallet struct {
	ModelID       string
	EarnedBalance int64
	Version       int64
	Type          ModelWalletType
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UserBalance is a read-only view of a user wallet; missing wallets read as zeros
type UserBalance struct {
	UserID           string `json:"user_id"`
	AvailableBalance int64  `json:"available_balance"`
	EscrowBalance    int64  `json:"escrow_balance"`
}

// ModelBalance is a read-only view of a model wallet
type ModelBalance struct {
	ModelID       string `json:"model_id"`
	EarnedBalance int64  `json:"earned_balance"`
}
