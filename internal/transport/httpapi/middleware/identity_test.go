package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanlume/pointscore/internal/core/auth"
)

const identitySecret = "identity-test-secret"

func identityToken(t *testing.T, subject string, roles []string, ttl time.Duration) string {
	claims := &auth.IdentityClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(identitySecret))
	require.NoError(t, err)
	return signed
}

func TestIdentityAuth_ValidTokenSetsIdentity(t *testing.T) {
	verifier := auth.NewIdentityVerifier(identitySecret)

	var got *auth.Identity
	mw := IdentityAuth(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		require.True(t, ok)
		got = identity
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+identityToken(t, "svc-queue", []string{"service"}, time.Minute))
	rec := httptest.NewRecorder()

	mw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "svc-queue", got.Subject)
	assert.True(t, got.HasRole("service"))
}

func TestIdentityAuth_MissingHeaderRejected(t *testing.T) {
	verifier := auth.NewIdentityVerifier(identitySecret)

	mw := IdentityAuth(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	mw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIdentityAuth_ExpiredTokenRejected(t *testing.T) {
	verifier := auth.NewIdentityVerifier(identitySecret)

	mw := IdentityAuth(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+identityToken(t, "svc-queue", []string{"service"}, -time.Minute))
	rec := httptest.NewRecorder()

	mw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRole_MatchingRolePasses(t *testing.T) {
	verifier := auth.NewIdentityVerifier(identitySecret)

	var called bool
	chain := IdentityAuth(verifier)(RequireRole("operator")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+identityToken(t, "ops", []string{"operator"}, time.Minute))
	rec := httptest.NewRecorder()

	chain.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireRole_WrongRoleForbidden(t *testing.T) {
	verifier := auth.NewIdentityVerifier(identitySecret)

	chain := IdentityAuth(verifier)(RequireRole("operator")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+identityToken(t, "svc-queue", []string{"service"}, time.Minute))
	rec := httptest.NewRecorder()

	chain.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "FORBIDDEN")
}

func TestRequireRole_AdminAlwaysPasses(t *testing.T) {
	verifier := auth.NewIdentityVerifier(identitySecret)

	var called bool
	chain := IdentityAuth(verifier)(RequireRole("operator")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+identityToken(t, "root", []string{auth.RoleAdmin}, time.Minute))
	rec := httptest.NewRecorder()

	chain.ServeHTTP(rec, req)

	assert.True(t, called)
}
