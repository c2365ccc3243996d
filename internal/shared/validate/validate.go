package validate

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/fanlume/pointscore/internal/shared/errors"
)

// Default length caps for user-supplied keys. Individual call sites may pass
// a tighter cap.
const (
	MaxIdentifierLength = 128
	MaxKeyLength        = 256
)

// Identifier validates a user-supplied identifier (user IDs, model IDs, event
// IDs, queue item IDs) before it is allowed anywhere near a datastore query.
// The value is trimmed, length-capped and restricted to alphanumerics, hyphen
// and underscore. Query-operator characters such as '$' and '.' never pass.
func Identifier(field, value string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = MaxIdentifierLength
	}

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", apperrors.InvalidInput(field + " is required")
	}

	if len(trimmed) > maxLen {
		return "", apperrors.InvalidInput(field + " exceeds maximum length")
	}

	for _, r := range trimmed {
		if !isIdentifierRune(r) {
			return "", apperrors.InvalidInput(field + " contains invalid characters")
		}
	}

	return trimmed, nil
}

func isIdentifierRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	}
	return false
}

// UUIDKey validates an idempotency key as a UUID string. Callers with stricter
// requirements can layer additional checks on top; this is the default
// validator for client-supplied idempotency keys.
func UUIDKey(field, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", apperrors.InvalidInput(field + " is required")
	}

	if len(trimmed) > MaxKeyLength {
		return "", apperrors.InvalidInput(field + " exceeds maximum length")
	}

	if _, err := uuid.Parse(trimmed); err != nil {
		return "", apperrors.InvalidInput(field + " must be a valid UUID")
	}

	return trimmed, nil
}

// DerivedKey validates an internally derived idempotency key (a UUID plus an
// operation suffix such as "_debit"). The base must be a UUID; the suffix is
// restricted to the identifier character class.
func DerivedKey(field, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", apperrors.InvalidInput(field + " is required")
	}

	if len(trimmed) > MaxKeyLength {
		return "", apperrors.InvalidInput(field + " exceeds maximum length")
	}

	for _, r := range trimmed {
		if !isIdentifierRune(r) {
			return "", apperrors.InvalidInput(field + " contains invalid characters")
		}
	}

	return trimmed, nil
}

// PositiveAmount validates a points amount that must be strictly positive.
func PositiveAmount(field string, amount int64) error {
	if amount <= 0 {
		return apperrors.InvalidInput(field + " must be positive")
	}
	return nil
}

// DecodeStrict decodes a JSON request body rejecting unknown fields. Request
// shapes across the service use this so that unexpected fields never reach
// the domain layer.
func DecodeStrict(r io.Reader, dst interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.InvalidInput("invalid request body: " + err.Error())
	}
	// Reject trailing garbage after the JSON document
	if dec.More() {
		return apperrors.InvalidInput("invalid request body: unexpected trailing data")
	}
	return nil
}
