package idempotency

import (
	"context"
	"time"
)

// Repository is the storage port for idempotency records
type Repository interface {
	// Insert writes a record. On a composite-key collision the existing
	// record is returned and the write is a no-op (first writer wins).
	Insert(ctx context.Context, record *Record) (*Record, bool, error)

	// Get returns the record for (key, scope), or nil when absent.
	Get(ctx context.Context, key string, scope Scope) (*Record, error)

	// DeleteExpired removes records whose retention horizon has passed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ResultCache is a read-through cache in front of the repository for the
// operational replay window. Misses and errors fall through to the store.
type ResultCache interface {
	Get(ctx context.Context, key string, scope Scope) (*CheckResult, bool, error)
	Set(ctx context.Context, key string, scope Scope, result *CheckResult, ttl time.Duration) error
}
