package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/fanlume/pointscore/internal/shared/errors"
)

// RoleAdmin subsumes every other role
const RoleAdmin = "admin"

// Identity is the subject and role set extracted from an identity token.
// The core only ever inspects subject and roles; everything else about the
// user lives with the external identity service.
type Identity struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the identity carries the role. Admin always passes.
func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity carries at least one of the roles
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// IdentityClaims is the JWT payload issued by the identity service
type IdentityClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// IdentityVerifier validates identity-service tokens for administrative
// operations
type IdentityVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewIdentityVerifier creates a new identity token verifier
func NewIdentityVerifier(secret string) *IdentityVerifier {
	return &IdentityVerifier{
		secret: []byte(secret),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Verify parses and validates an identity token, returning the identity
func (v *IdentityVerifier) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &IdentityClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, apperrors.Unauthorized("invalid identity token")
	}

	claims, ok := token.Claims.(*IdentityClaims)
	if !ok || !token.Valid {
		return nil, apperrors.Unauthorized("invalid identity claims")
	}

	if claims.ExpiresAt == nil || !claims.ExpiresAt.Time.After(v.now()) {
		return nil, apperrors.Unauthorized("identity token expired")
	}

	return &Identity{
		Subject: claims.Subject,
		Roles:   claims.Roles,
	}, nil
}
