package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fanlume/pointscore/internal/core/wallet/domain"
	walletservice "github.com/fanlume/pointscore/internal/core/wallet/service"
	"github.com/fanlume/pointscore/internal/platform/balancecache"
)

// BalanceHandler serves wallet balance reads. Reads go through the snapshot
// cache; a miss falls back to storage and primes the cache.
type BalanceHandler struct {
	engine *walletservice.EscrowEngine
	cache  *balancecache.Cache
}

// NewBalanceHandler creates a new balance handler. cache may be nil.
func NewBalanceHandler(engine *walletservice.EscrowEngine, cache *balancecache.Cache) *BalanceHandler {
	return &BalanceHandler{
		engine: engine,
		cache:  cache,
	}
}

// GetUserBalance handles GET /api/v1/users/{id}/balance
func (h *BalanceHandler) GetUserBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	if h.cache != nil {
		if cached, ok := h.cache.GetUser(userID); ok {
			respondJSON(w, http.StatusOK, domain.UserBalance{
				UserID:           userID,
				AvailableBalance: cached.AvailableBalance,
				EscrowBalance:    cached.EscrowBalance,
			})
			return
		}
	}

	balance, err := h.engine.GetUserBalance(r.Context(), userID)
	if err != nil {
		respondAppError(w, err)
		return
	}

	if h.cache != nil {
		h.cache.SetUser(userID, balance.AvailableBalance, balance.EscrowBalance)
	}

	respondJSON(w, http.StatusOK, balance)
}

// GetModelBalance handles GET /api/v1/models/{id}/balance
func (h *BalanceHandler) GetModelBalance(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "id")

	if h.cache != nil {
		if cached, ok := h.cache.GetModel(modelID); ok {
			respondJSON(w, http.StatusOK, domain.ModelBalance{
				ModelID:       modelID,
				EarnedBalance: cached.EarnedBalance,
			})
			return
		}
	}

	balance, err := h.engine.GetModelBalance(r.Context(), modelID)
	if err != nil {
		respondAppError(w, err)
		return
	}

	if h.cache != nil {
		h.cache.SetModel(modelID, balance.EarnedBalance)
	}

	respondJSON(w, http.StatusOK, balance)
}

// EscrowResponse is the wire shape of one escrow item
type EscrowResponse struct {
	EscrowID    string            `json:"escrow_id"`
	QueueItemID string            `json:"queue_item_id"`
	UserID      string            `json:"user_id"`
	ModelID     string            `json:"model_id,omitempty"`
	Amount      int64             `json:"amount"`
	Status      string            `json:"status"`
	FeatureType string            `json:"feature_type"`
	Reason      string            `json:"reason"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
}

func escrowResponse(e *domain.EscrowItem) EscrowResponse {
	return EscrowResponse{
		EscrowID:    e.EscrowID,
		QueueItemID: e.QueueItemID,
		UserID:      e.UserID,
		ModelID:     e.ModelID,
		Amount:      e.Amount,
		Status:      string(e.Status),
		FeatureType: e.FeatureType,
		Reason:      e.Reason,
		Metadata:    e.Metadata,
		CreatedAt:   e.CreatedAt,
		ProcessedAt: e.ProcessedAt,
	}
}
