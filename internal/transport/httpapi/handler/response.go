package handler

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/fanlume/pointscore/internal/shared/errors"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// ErrorResponse carries the stable error code clients key their retry
// behavior on, alongside a human-readable message.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with an explicit status and code
func respondError(w http.ResponseWriter, statusCode int, code, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message, Code: code})
}

// respondAppError maps a core error onto the wire. AppErrors carry their own
// status hint and stable code; anything else is an opaque 500.
func respondAppError(w http.ResponseWriter, err error) {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		respondError(w, appErr.Status, appErr.Code, appErr.Message)
		return
	}
	respondError(w, http.StatusInternalServerError, apperrors.ErrCodeInternal, "internal error")
}

// idempotencyKey reads the Idempotency-Key request header
func idempotencyKey(r *http.Request) string {
	return r.Header.Get("Idempotency-Key")
}

// correlationID reads the optional X-Correlation-ID request header
func correlationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-ID")
}

// requestID reads the request ID assigned by the router
func requestID(r *http.Request) string {
	return chimiddleware.GetReqID(r.Context())
}
