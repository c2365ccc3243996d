package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fanlume/pointscore/internal/core/idempotency"
	"github.com/fanlume/pointscore/pkg/logger"
)

const (
	// KeyPrefix is the prefix for idempotency result cache keys
	KeyPrefix = "idem:"
)

// IdempotencyCache is a Redis-backed fast path for idempotency checks.
// Redis TTLs mirror the operational replay window; the Postgres store stays
// authoritative.
type IdempotencyCache struct {
	client *redis.Client
	logger *logger.Logger
}

// NewIdempotencyCache creates a new idempotency result cache
func NewIdempotencyCache(client *redis.Client, log *logger.Logger) *IdempotencyCache {
	return &IdempotencyCache{
		client: client,
		logger: log.WithField("component", "idempotency_cache"),
	}
}

type cachedResult struct {
	StoredResult      json.RawMessage `json:"stored_result"`
	StatusCode        int             `json:"status_code"`
	OriginalTimestamp time.Time       `json:"original_timestamp"`
}

func cacheKey(key string, scope idempotency.Scope) string {
	return fmt.Sprintf("%s%s:%s", KeyPrefix, scope, key)
}

// Get retrieves a cached result for (key, scope)
func (c *IdempotencyCache) Get(ctx context.Context, key string, scope idempotency.Scope) (*idempotency.CheckResult, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(key, scope)).Result()
	if err == redis.Nil {
		c.logger.Debug("cache miss", "scope", string(scope))
		return nil, false, nil
	}
	if err != nil {
		c.logger.Error("cache error", "operation", "get", "scope", string(scope), "error", err)
		return nil, false, fmt.Errorf("failed to get cached result: %w", err)
	}

	var cached cachedResult
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached result: %w", err)
	}

	c.logger.Debug("cache hit", "scope", string(scope))
	return &idempotency.CheckResult{
		IsDuplicate:       true,
		StoredResult:      cached.StoredResult,
		StatusCode:        cached.StatusCode,
		OriginalTimestamp: cached.OriginalTimestamp,
	}, true, nil
}

// Set stores a result under (key, scope) for the remaining operational window
func (c *IdempotencyCache) Set(ctx context.Context, key string, scope idempotency.Scope, result *idempotency.CheckResult, ttl time.Duration) error {
	cached := cachedResult{
		StoredResult:      result.StoredResult,
		StatusCode:        result.StatusCode,
		OriginalTimestamp: result.OriginalTimestamp,
	}

	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := c.client.Set(ctx, cacheKey(key, scope), data, ttl).Err(); err != nil {
		c.logger.Error("cache error", "operation", "set", "scope", string(scope), "error", err)
		return fmt.Errorf("failed to set cached result: %w", err)
	}

	return nil
}
