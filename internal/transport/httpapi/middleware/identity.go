package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/fanlume/pointscore/internal/core/auth"
)

// ContextKey is the type for context keys
type ContextKey string

// IdentityKey is the context key for the authenticated identity
const IdentityKey ContextKey = "identity"

// IdentityAuth validates the Bearer token from the identity service and puts
// the resulting identity on the request context.
func IdentityAuth(verifier *auth.IdentityVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				unauthorized(w, "invalid authorization header format")
				return
			}

			identity, err := verifier.Verify(parts[1])
			if err != nil {
				unauthorized(w, "invalid or expired identity token")
				return
			}

			ctx := context.WithValue(r.Context(), IdentityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects requests whose identity carries none of the roles.
// Must sit below IdentityAuth in the chain.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				unauthorized(w, "missing identity")
				return
			}
			if !identity.HasAnyRole(roles...) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"error":"insufficient role","code":"FORBIDDEN"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromContext extracts the authenticated identity from the request context
func IdentityFromContext(ctx context.Context) (*auth.Identity, bool) {
	identity, ok := ctx.Value(IdentityKey).(*auth.Identity)
	return identity, ok
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `","code":"UNAUTHORIZED"}`))
}
