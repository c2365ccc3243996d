package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/fanlume/pointscore/internal/shared/errors"
	"github.com/fanlume/pointscore/internal/shared/validate"
	"github.com/fanlume/pointscore/pkg/logger"
)

// KeyValidator validates a client-supplied idempotency key before use.
// The default accepts UUIDs; callers may substitute stricter validators.
type KeyValidator func(key string) (string, error)

// DefaultKeyValidator accepts UUID-formatted keys
func DefaultKeyValidator(key string) (string, error) {
	return validate.UUIDKey("idempotency_key", key)
}

// DerivedKeyValidator accepts UUID-based keys with an operation suffix,
// as produced internally for paired ledger entries.
func DerivedKeyValidator(key string) (string, error) {
	return validate.DerivedKey("idempotency_key", key)
}

// Config holds the two retention horizons. They are deliberately separate:
// the operational window governs replay, the retention window governs audit.
type Config struct {
	OperationalTTL time.Duration
	Retention      time.Duration
}

// Service provides composite-key dedup with stored result replay
type Service struct {
	repo      Repository
	cache     ResultCache // optional fast path
	cfg       Config
	validator KeyValidator
	logger    *logger.Logger
	now       func() time.Time
}

// NewService creates a new idempotency service. cache may be nil.
func NewService(repo Repository, cache ResultCache, cfg Config, log *logger.Logger) *Service {
	return &Service{
		repo:      repo,
		cache:     cache,
		cfg:       cfg,
		validator: DefaultKeyValidator,
		logger:    log.WithField("component", "idempotency"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetKeyValidator substitutes a stricter key validator
func (s *Service) SetKeyValidator(v KeyValidator) {
	if v != nil {
		s.validator = v
	}
}

// SetNowFunc overrides the time source, for tests
func (s *Service) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Check reports whether (key, scope) has been processed within the
// operational window, replaying the stored result on a hit.
func (s *Service) Check(ctx context.Context, key string, scope Scope) (*CheckResult, error) {
	key, err := s.validator(key)
	if err != nil {
		return nil, err
	}

	if !scope.IsValid() {
		return nil, apperrors.InvalidInput("unknown idempotency scope")
	}

	now := s.now()

	if s.cache != nil {
		if cached, ok, cacheErr := s.cache.Get(ctx, key, scope); cacheErr == nil && ok {
			return cached, nil
		} else if cacheErr != nil {
			// Cache trouble is never fatal; the store is authoritative.
			s.logger.WithContext(ctx).Warn("idempotency cache read failed", "error", cacheErr)
		}
	}

	record, err := s.repo.Get(ctx, key, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}

	if record == nil || !record.ExpiresAt.After(now) {
		return &CheckResult{IsDuplicate: false}, nil
	}

	result := &CheckResult{
		IsDuplicate:       true,
		StoredResult:      record.StoredResult,
		StatusCode:        record.StatusCode,
		OriginalTimestamp: record.CreatedAt,
	}

	s.cacheResult(ctx, key, scope, result, record.ExpiresAt.Sub(now))

	return result, nil
}

// Store persists the operation result under (key, scope). A collision with an
// existing record is a no-op: the first writer wins and losers will read the
// winner's result on their next Check.
func (s *Service) Store(ctx context.Context, key string, scope Scope, result interface{}, statusCode int) error {
	key, err := s.validator(key)
	if err != nil {
		return err
	}

	if !scope.IsValid() {
		return apperrors.InvalidInput("unknown idempotency scope")
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency result: %w", err)
	}

	hash := sha256.Sum256(payload)
	now := s.now()

	record := &Record{
		Key:            key,
		Scope:          scope,
		ResultHash:     hex.EncodeToString(hash[:]),
		StoredResult:   payload,
		StatusCode:     statusCode,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.OperationalTTL),
		RetentionUntil: now.Add(s.cfg.Retention),
	}

	winner, collided, err := s.repo.Insert(ctx, record)
	if err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}

	if collided {
		s.logger.WithContext(ctx).Debug("idempotency store collision, first writer wins",
			"key", key, "scope", string(scope))
	}

	s.cacheResult(ctx, key, scope, &CheckResult{
		IsDuplicate:       true,
		StoredResult:      winner.StoredResult,
		StatusCode:        winner.StatusCode,
		OriginalTimestamp: winner.CreatedAt,
	}, winner.ExpiresAt.Sub(now))

	return nil
}

func (s *Service) cacheResult(ctx context.Context, key string, scope Scope, result *CheckResult, ttl time.Duration) {
	if s.cache == nil || ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, key, scope, result, ttl); err != nil {
		s.logger.WithContext(ctx).Warn("idempotency cache write failed", "error", err)
	}
}

// EvictExpired removes records past their retention horizon
func (s *Service) EvictExpired(ctx context.Context) (int64, error) {
	removed, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("evicted expired idempotency records", "count", removed)
	}
	return removed, nil
}
