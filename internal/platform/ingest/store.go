package ingest

import (
	"context"
	"time"
)

// DLQFilter narrows which dead-lettered events a replay touches
type DLQFilter struct {
	EventID   string
	EventType string
	Since     time.Time
	Until     time.Time
}

// Store is the storage port for the ingest queue and DLQ
type Store interface {
	// Enqueue adds a new event in queued state. A duplicate event ID is a
	// no-op returning false.
	Enqueue(ctx context.Context, event *Event) (bool, error)

	// ClaimDue atomically claims up to limit due events: status moves to
	// processing and attempts increments. Two workers never claim the same
	// row.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Event, error)

	// MarkProcessed finalizes a successfully handled event.
	MarkProcessed(ctx context.Context, eventID string, processedAt time.Time) error

	// Requeue schedules another attempt after a retryable failure.
	Requeue(ctx context.Context, eventID string, nextAttemptAt time.Time, errCode, errMessage string) error

	// MoveToDLQ removes the event from the queue and records it in the DLQ.
	MoveToDLQ(ctx context.Context, event *Event, errCode, errMessage string) error

	// ListDLQ returns dead-lettered events matching the filter.
	ListDLQ(ctx context.Context, filter DLQFilter, limit int) ([]*DLQEvent, error)

	// RequeueFromDLQ re-submits a dead-lettered event: a fresh queued row
	// with attempts reset and error fields cleared, and the DLQ entry
	// annotated with the replay attempt.
	RequeueFromDLQ(ctx context.Context, eventID string, replayedAt time.Time) error
}
