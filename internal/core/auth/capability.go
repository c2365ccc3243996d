package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/fanlume/pointscore/internal/shared/errors"
)

// CapabilityType scopes a token to exactly one wallet mutation kind.
// A refund token cannot authorize a settlement even if every other field
// matches.
type CapabilityType string

const (
	CapabilitySettlement        CapabilityType = "queue_settlement"
	CapabilityRefund            CapabilityType = "queue_refund"
	CapabilityPartialSettlement CapabilityType = "queue_partial_settlement"
)

// CapabilityClaims is the payload of a signed capability token issued by the
// queue service.
type CapabilityClaims struct {
	Type         CapabilityType `json:"type"`
	QueueItemID  string         `json:"queue_item_id"`
	EscrowID     string         `json:"escrow_id"`
	Amount       int64          `json:"amount,omitempty"`
	RefundAmount int64          `json:"refund_amount,omitempty"`
	SettleAmount int64          `json:"settle_amount,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	jwt.RegisteredClaims
}

// CapabilityService issues and validates short-lived capability tokens under
// the shared secret agreed with the queue service.
type CapabilityService struct {
	secret []byte
	maxTTL time.Duration
	issuer string
	now    func() time.Time
}

// NewCapabilityService creates a new capability service
func NewCapabilityService(secret string, maxTTL time.Duration) *CapabilityService {
	return &CapabilityService{
		secret: []byte(secret),
		maxTTL: maxTTL,
		issuer: "queue-service",
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the time source, for tests
func (s *CapabilityService) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// IssueRequest carries the fields for a new capability token
type IssueRequest struct {
	Type         CapabilityType
	QueueItemID  string
	EscrowID     string
	Amount       int64
	RefundAmount int64
	SettleAmount int64
	Reason       string
	TTL          time.Duration
}

// Issue signs a new capability token. Used by the queue-service shim and by
// tests; production tokens arrive from the queue service itself.
func (s *CapabilityService) Issue(req IssueRequest) (string, error) {
	ttl := req.TTL
	if ttl <= 0 || ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	now := s.now()
	claims := &CapabilityClaims{
		Type:         req.Type,
		QueueItemID:  req.QueueItemID,
		EscrowID:     req.EscrowID,
		Amount:       req.Amount,
		RefundAmount: req.RefundAmount,
		SettleAmount: req.SettleAmount,
		Reason:       req.Reason,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   "queue",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign capability token: %w", err)
	}

	return signed, nil
}

// parse verifies the signature and expiry and returns the claims
func (s *CapabilityService) parse(tokenString string) (*CapabilityClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CapabilityClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Prevent algorithm confusion attacks
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		return nil, apperrors.InvalidAuthorization("capability token rejected: " + err.Error())
	}

	claims, ok := token.Claims.(*CapabilityClaims)
	if !ok || !token.Valid {
		return nil, apperrors.InvalidAuthorization("invalid capability claims")
	}

	// Strict expiry: a token whose exp equals now is already dead.
	if claims.ExpiresAt == nil || !claims.ExpiresAt.Time.After(s.now()) {
		return nil, apperrors.InvalidAuthorization("capability token expired")
	}

	return claims, nil
}

// validateScope checks the single-purpose binding of a token against the
// requested operation. Any mismatch is INVALID_AUTHORIZATION.
func (s *CapabilityService) validateScope(claims *CapabilityClaims, expected CapabilityType, queueItemID, escrowID string) error {
	if claims.Type != expected {
		return apperrors.InvalidAuthorization("capability type does not authorize this operation")
	}
	if claims.QueueItemID != queueItemID {
		return apperrors.InvalidAuthorization("capability queue item does not match request")
	}
	if claims.EscrowID != escrowID {
		return apperrors.InvalidAuthorization("capability escrow does not match request")
	}
	return nil
}

// ValidateSettlement checks a settlement capability against the request fields
func (s *CapabilityService) ValidateSettlement(tokenString, queueItemID, escrowID string, amount int64) (*CapabilityClaims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if err := s.validateScope(claims, CapabilitySettlement, queueItemID, escrowID); err != nil {
		return nil, err
	}
	if claims.Amount != amount {
		return nil, apperrors.InvalidAuthorization("capability amount does not match request")
	}
	return claims, nil
}

// ValidateRefund checks a refund capability against the request fields
func (s *CapabilityService) ValidateRefund(tokenString, queueItemID, escrowID string, amount int64) (*CapabilityClaims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if err := s.validateScope(claims, CapabilityRefund, queueItemID, escrowID); err != nil {
		return nil, err
	}
	if claims.Amount != amount {
		return nil, apperrors.InvalidAuthorization("capability amount does not match request")
	}
	return claims, nil
}

// ValidatePartialSettlement checks a partial-settlement capability against
// the request's split amounts
func (s *CapabilityService) ValidatePartialSettlement(tokenString, queueItemID, escrowID string, refundAmount, settleAmount int64) (*CapabilityClaims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if err := s.validateScope(claims, CapabilityPartialSettlement, queueItemID, escrowID); err != nil {
		return nil, err
	}
	if claims.RefundAmount != refundAmount || claims.SettleAmount != settleAmount {
		return nil, apperrors.InvalidAuthorization("capability split amounts do not match request")
	}
	return claims, nil
}
