package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fanlume/pointscore/internal/core/reservation/domain"
	reservationservice "github.com/fanlume/pointscore/internal/core/reservation/service"
	"github.com/fanlume/pointscore/internal/shared/validate"
)

// ReservationHandler exposes the reserve/commit/release lifecycle
type ReservationHandler struct {
	service *reservationservice.ReservationService
}

// NewReservationHandler creates a new reservation handler
func NewReservationHandler(service *reservationservice.ReservationService) *ReservationHandler {
	return &ReservationHandler{service: service}
}

// ReserveRequest is the body of POST /reservations
type ReserveRequest struct {
	UserID     string `json:"user_id"`
	Amount     int64  `json:"amount"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
	Reason     string `json:"reason"`
}

// Reserve handles POST /api/v1/reservations
func (h *ReservationHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := validate.DecodeStrict(r.Body, &req); err != nil {
		respondAppError(w, err)
		return
	}

	result, err := h.service.Reserve(r.Context(), reservationservice.ReserveRequest{
		IdempotencyKey: idempotencyKey(r),
		UserID:         req.UserID,
		Amount:         req.Amount,
		TTLSeconds:     req.TTLSeconds,
		Reason:         req.Reason,
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

// CommitRequest is the body of POST /reservations/{id}/commit
type CommitRequest struct {
	RecipientID string `json:"recipient_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Commit handles POST /api/v1/reservations/{id}/commit
func (h *ReservationHandler) Commit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if err := validate.DecodeStrict(r.Body, &req); err != nil {
		respondAppError(w, err)
		return
	}

	result, err := h.service.Commit(r.Context(), reservationservice.CommitRequest{
		IdempotencyKey: idempotencyKey(r),
		ReservationID:  chi.URLParam(r, "id"),
		RecipientID:    req.RecipientID,
		Reason:         req.Reason,
		CorrelationID:  correlationID(r),
		RequestID:      requestID(r),
	})
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// ReleaseRequest is the body of POST /reservations/{id}/release
type ReleaseRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Release handles POST /api/v1/reservations/{id}/release
func (h *ReservationHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := validate.DecodeStrict(r.Body, &req); err != nil {
		respondAppError(w, err)
		return
	}

	result, err := h.service.Release(r.Context(), reservationservice.ReleaseRequest{
		IdempotencyKey: idempotencyKey(r),
		ReservationID:  chi.URLParam(r, "id"),
		Reason:         req.Reason,
		CorrelationID:  correlationID(r),
		RequestID:      requestID(r),
	})
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// ReservationResponse is the wire shape of one reservation
type ReservationResponse struct {
	ReservationID string     `json:"reservation_id"`
	UserID        string     `json:"user_id"`
	Amount        int64      `json:"amount"`
	Status        string     `json:"status"`
	TTLSeconds    int64      `json:"ttl_seconds"`
	RecipientID   string     `json:"recipient_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

// GetReservation handles GET /api/v1/reservations/{id}
func (h *ReservationHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	reservation, err := h.service.GetReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, reservationResponse(reservation))
}

func reservationResponse(res *domain.Reservation) ReservationResponse {
	return ReservationResponse{
		ReservationID: res.ReservationID,
		UserID:        res.UserID,
		Amount:        res.Amount,
		Status:        string(res.Status),
		TTLSeconds:    res.TTLSeconds,
		RecipientID:   res.RecipientID,
		CreatedAt:     res.CreatedAt,
		ExpiresAt:     res.ExpiresAt,
		ProcessedAt:   res.ProcessedAt,
	}
}
