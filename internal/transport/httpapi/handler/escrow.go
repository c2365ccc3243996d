package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fanlume/pointscore/internal/core/auth"
	walletservice "github.com/fanlume/pointscore/internal/core/wallet/service"
	"github.com/fanlume/pointscore/internal/shared/validate"
)

// CapabilityHeader carries the signed single-purpose token issued by the
// queue service for settlement-family operations.
const CapabilityHeader = "X-Capability-Token"

// EscrowHandler exposes the wallet escrow lifecycle
type EscrowHandler struct {
	engine       *walletservice.EscrowEngine
	capabilities *auth.CapabilityService
}

// NewEscrowHandler creates a new escrow handler
func NewEscrowHandler(engine *walletservice.EscrowEngine, capabilities *auth.CapabilityService) *EscrowHandler {
	return &EscrowHandler{
		engine:       engine,
		capabilities: capabilities,
	}
}

// HoldRequest is the body of POST /escrow/hold
type HoldRequest struct {
	QueueItemID string            `json:"queue_item_id"`
	UserID      string            `json:"user_id"`
	Amount      int64             `json:"amount"`
	FeatureType string            `json:"feature_type"`
	Reason      string            `json:"reason"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Hold handles POST /api/v1/escrow/hold
func (h *EscrowHandler) Hold(w http.ResponseWriter, r *http.Request) {
	var req HoldRequest
	if err := validate.DecodeStrict(r.Body, &req); err != nil {
		respondAppError(w, err)
		return
	}

	result, err := h.engine.HoldInEscrow(r.Context(), walletservice.HoldEscrowRequest{
		IdempotencyKey: idempotencyKey(r),
		QueueItemID:    req.QueueItemID,
		UserID:         req.UserID,
		Amount:         req.Amount,
		FeatureType:    req.FeatureType,
		Reason:         req.Reason,
		Metadata:       req.Metadata,
		CorrelationID:  correlationID(r),
		RequestID:      requestID(r),
	})
	if err != nil {
		respondAppError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}

// SettleRequest is the body of POST /escrow/{id}/settle
type SettleRequest struct {
	QueueItemID string `json:"queue_item_id"`
	ModelID     string `json:"model_id"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason,omitempty"`
}

// Settle handles POST /api/v1/escrow/{id}/settle. The capability token must
// be scoped to settlement of exactly this escrow and queue item.
func (h *EscrowHandler) Settle(w http.ResponseWriter, r *http.Request) {
	escrowID := chi.URLParam(r, "id")

	var req SettleRequest
	if err := validate.DecodeStrict(r.Body, &req); err != nil {
		respondAppError(w, err)
		return
	}

	claims, err := h.capabilities.ValidateSettlement(r.Header.Get(CapabilityHeader), req.QueueItemID, escrowID, req.Amount)
	if err != nil {
		respondAppError(w, err)
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = claims.Reason
	}

	result, err := h.engine.SettleEscrow(r.Context(), walletservice.SettleEscrowRequest{
		IdempotencyKey: idempotencyKey(r),
		EscrowID:       escrowID,
		ModelID:        req.ModelID,
		QueueItemID:    claims.QueueItemID,
		Amount:         claims.Amount,
		Reason:         reason,
		CorrelationID:  correlationID(r),
		RequestID:      requestID(r),
	})
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// RefundRequest is the body of POST /escrow/{id}/refund
type RefundRequest struct {
	QueueItemID string `json:"queue_item_id"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason,omitempty"`
}

// Refund handles POST /api/v1/escrow/{id}/refund
func (h *EscrowHandler) Refund(w http.ResponseWriter, r *http.Request) {
	escrowID := chi.URLParam(r, "id")

	var req RefundRequest
	if err := validate.DecodeStrict(r.Body, &req); err != nil {
		respondAppError(w, err)
		return
	}

	claims, err := h.capabilities.ValidateRefund(r.Header.Get(CapabilityHeader), req.QueueItemID, escrowID, req.Amount)
	if err != nil {
		respondAppError(w, err)
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = claims.Reason
	}

	result, err := h.engine.RefundEscrow(r.Context(), walletservice.RefundEscrowRequest{
		IdempotencyKey: idempotencyKey(r),
		EscrowID:       escrowID,
		QueueItemID:    claims.QueueItemID,
		Amount:         claims.Amount,
		Reason:         reason,
		CorrelationID:  correlationID(r),
		RequestID:      requestID(r),
	})
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// PartialSettleRequest is the body of POST /escrow/{id}/partial-settle
type PartialSettleRequest struct {
	QueueItemID  string `json:"queue_item_id"`
	ModelID      string `json:"model_id"`
	SettleAmount int64  `json:"settle_amount"`
	RefundAmount int64  `json:"refund_amount"`
	Reason       string `json:"reason,omitempty"`
}

// PartialSettle handles POST /api/v1/escrow/{id}/partial-settle
func (h *EscrowHandler) PartialSettle(w http.ResponseWriter, r *http.Request) {
	escrowID := chi.URLParam(r, "id")

	var req PartialSettleRequest
	if err := validate.DecodeStrict(r.Body, &req); err != nil {
		respondAppError(w, err)
		return
	}

	claims, err := h.capabilities.ValidatePartialSettlement(r.Header.Get(CapabilityHeader), req.QueueItemID, escrowID, req.RefundAmount, req.SettleAmount)
	if err != nil {
		respondAppError(w, err)
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = claims.Reason
	}

	result, err := h.engine.PartialSettleEscrow(r.Context(), walletservice.PartialSettleRequest{
		IdempotencyKey: idempotencyKey(r),
		EscrowID:       escrowID,
		ModelID:        req.ModelID,
		QueueItemID:    claims.QueueItemID,
		SettleAmount:   req.SettleAmount,
		RefundAmount:   req.RefundAmount,
		Reason:         reason,
		CorrelationID:  correlationID(r),
		RequestID:      requestID(r),
	})
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// GetEscrow handles GET /api/v1/escrow/{id}
func (h *EscrowHandler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	escrow, err := h.engine.GetEscrow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, escrowResponse(escrow))
}
