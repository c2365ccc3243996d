package ingest

import (
	"errors"
	"time"
)

// Status is the ingest event lifecycle. DLQ'd events leave this table.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
)

// Event is one inbound event awaiting processing
type Event struct {
	EventID          string
	EventType        string
	Status           Status
	Attempts         int
	NextAttemptAt    *time.Time
	Payload          map[string]interface{}
	LastErrorCode    string
	LastErrorMessage string
	Replayable       bool
	ReceivedAt       time.Time
	ProcessedAt      *time.Time
}

// DLQEvent is an event that exhausted retries or failed non-retryably.
// Replay is an explicit operator action, never automatic.
type DLQEvent struct {
	EventID          string
	EventType        string
	Payload          map[string]interface{}
	Attempts         int
	LastErrorCode    string
	LastErrorMessage string
	Replayable       bool
	MovedToDLQAt     time.Time
	ReplayedAt       *time.Time
	ReplayResult     string
}

// Error codes recorded on failed events
const (
	ErrCodeInvalidEvent = "INVALID_EVENT"
	ErrCodeRetryable    = "RETRYABLE_FAILURE"
	ErrCodeNonRetryable = "NON_RETRYABLE_FAILURE"
	ErrCodeNoHandler    = "NO_HANDLER"
	ErrCodeHandlerPanic = "HANDLER_PANIC"
)

// retryableError marks a handler failure as worth another attempt
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// nonRetryableError routes a handler failure straight to the DLQ
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// Retryable wraps a handler error so the worker requeues the event
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// NonRetryable wraps a handler error so the worker DLQs the event immediately
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsRetryable reports whether the error was marked retryable. Unmarked errors
// default to retryable: transient infrastructure trouble is the common case.
func IsRetryable(err error) bool {
	var nr *nonRetryableError
	return !errors.As(err, &nr)
}
