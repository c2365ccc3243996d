package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents an application error with a stable code and an HTTP
// status hint. Financial endpoints rely on the code being stable across
// releases; clients retry with the same idempotency key based on it.
type AppError struct {
	Code    string // Stable error code for clients
	Message string // Human-readable message
	Status  int    // HTTP status hint
	Err     error  // Underlying error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Error codes surfaced by the core
const (
	ErrCodeInvalidInput            = "INVALID_INPUT"
	ErrCodeInsufficientBalance     = "INSUFFICIENT_BALANCE"
	ErrCodeIdempotencyConflict     = "IDEMPOTENCY_CONFLICT"
	ErrCodeOptimisticLockConflict  = "OPTIMISTIC_LOCK_CONFLICT"
	ErrCodeEscrowNotFound          = "ESCROW_NOT_FOUND"
	ErrCodeEscrowAlreadyProcessed  = "ESCROW_ALREADY_PROCESSED"
	ErrCodeReservationNotFound     = "RESERVATION_NOT_FOUND"
	ErrCodeReservationProcessed    = "RESERVATION_ALREADY_PROCESSED"
	ErrCodeReservationExpired      = "RESERVATION_EXPIRED"
	ErrCodeInvalidAuthorization    = "INVALID_AUTHORIZATION"
	ErrCodeUnauthorized            = "UNAUTHORIZED"
	ErrCodeForbidden               = "FORBIDDEN"
	ErrCodeNotFound                = "NOT_FOUND"
	ErrCodeConflict                = "CONFLICT"
	ErrCodeInternal                = "INTERNAL_ERROR"
	ErrCodeDatabaseError           = "DATABASE_ERROR"
)

// New creates a new AppError
func New(code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// InvalidInput creates a schema or range violation error
func InvalidInput(message string) *AppError {
	return New(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

// InsufficientBalance creates a balance precondition error
func InsufficientBalance(message string) *AppError {
	return New(ErrCodeInsufficientBalance, message, http.StatusUnprocessableEntity)
}

// IdempotencyConflict creates a duplicate-with-divergent-payload error
func IdempotencyConflict(message string) *AppError {
	return New(ErrCodeIdempotencyConflict, message, http.StatusConflict)
}

// OptimisticLockConflict is surfaced only after retry exhaustion
func OptimisticLockConflict(message string) *AppError {
	return New(ErrCodeOptimisticLockConflict, message, http.StatusConflict)
}

// EscrowNotFound creates an escrow not found error
func EscrowNotFound(escrowID string) *AppError {
	return New(ErrCodeEscrowNotFound, fmt.Sprintf("escrow %s not found", escrowID), http.StatusNotFound)
}

// EscrowAlreadyProcessed is returned when settling or refunding a terminal escrow
func EscrowAlreadyProcessed(escrowID, status string) *AppError {
	return New(ErrCodeEscrowAlreadyProcessed,
		fmt.Sprintf("escrow %s already processed: status %s", escrowID, status),
		http.StatusConflict)
}

// ReservationNotFound creates a reservation not found error
func ReservationNotFound(reservationID string) *AppError {
	return New(ErrCodeReservationNotFound, fmt.Sprintf("reservation %s not found", reservationID), http.StatusNotFound)
}

// ReservationAlreadyProcessed is returned for commit/release on a terminal reservation
func ReservationAlreadyProcessed(reservationID, status string) *AppError {
	return New(ErrCodeReservationProcessed,
		fmt.Sprintf("reservation %s already processed: status %s", reservationID, status),
		http.StatusConflict)
}

// ReservationExpired is returned for commit/release past the reservation deadline
func ReservationExpired(reservationID string) *AppError {
	return New(ErrCodeReservationExpired, fmt.Sprintf("reservation %s expired", reservationID), http.StatusGone)
}

// InvalidAuthorization creates a capability validation error; never retried
func InvalidAuthorization(message string) *AppError {
	return New(ErrCodeInvalidAuthorization, message, http.StatusForbidden)
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

// Forbidden creates a forbidden error
func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

// NotFound creates a not found error
func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Internal creates an internal error
func Internal(message string, err error) *AppError {
	return Wrap(err, ErrCodeInternal, message, http.StatusInternalServerError)
}

// DatabaseError creates a database error
func DatabaseError(message string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseError, message, http.StatusInternalServerError)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts an AppError from an error
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether err carries the given stable code
func HasCode(err error, code string) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
