package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fanlume/pointscore/internal/shared/errors"
)

func TestIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		maxLen  int
		want    string
		wantErr bool
	}{
		{
			name:  "valid identifier",
			value: "user-123",
			want:  "user-123",
		},
		{
			name:  "trims whitespace",
			value: "  evt_42  ",
			want:  "evt_42",
		},
		{
			name:    "empty after trim",
			value:   "   ",
			wantErr: true,
		},
		{
			name:    "rejects dollar sign",
			value:   "{$ne: null}",
			wantErr: true,
		},
		{
			name:    "rejects dot",
			value:   "a.b",
			wantErr: true,
		},
		{
			name:    "rejects braces",
			value:   "{}",
			wantErr: true,
		},
		{
			name:    "rejects over max length",
			value:   strings.Repeat("a", 129),
			wantErr: true,
		},
		{
			name:   "custom max length",
			value:  strings.Repeat("a", 200),
			maxLen: 256,
			want:   strings.Repeat("a", 200),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Identifier("event_id", tt.value, tt.maxLen)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUUIDKey(t *testing.T) {
	got, err := UUIDKey("idempotency_key", "  6ba7b810-9dad-11d1-80b4-00c04fd430c8 ")
	require.NoError(t, err)
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", got)

	_, err = UUIDKey("idempotency_key", "not-a-uuid")
	require.Error(t, err)

	_, err = UUIDKey("idempotency_key", "")
	require.Error(t, err)
}

func TestDerivedKey(t *testing.T) {
	got, err := DerivedKey("idempotency_key", "6ba7b810-9dad-11d1-80b4-00c04fd430c8_debit")
	require.NoError(t, err)
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8_debit", got)

	_, err = DerivedKey("idempotency_key", "key.with.dots")
	require.Error(t, err)
}

func TestPositiveAmount(t *testing.T) {
	assert.NoError(t, PositiveAmount("amount", 1))
	assert.Error(t, PositiveAmount("amount", 0))
	assert.Error(t, PositiveAmount("amount", -5))
}

func TestDecodeStrict(t *testing.T) {
	type req struct {
		UserID string `json:"user_id"`
		Amount int64  `json:"amount"`
	}

	var dst req
	err := DecodeStrict(strings.NewReader(`{"user_id":"u1","amount":100}`), &dst)
	require.NoError(t, err)
	assert.Equal(t, "u1", dst.UserID)
	assert.Equal(t, int64(100), dst.Amount)

	err = DecodeStrict(strings.NewReader(`{"user_id":"u1","amount":100,"extra":true}`), &req{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	err = DecodeStrict(strings.NewReader(`{"user_id":"u1"}{"user_id":"u2"}`), &req{})
	require.Error(t, err)
}
