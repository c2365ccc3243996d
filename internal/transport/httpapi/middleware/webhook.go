package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body
const SignatureHeader = "X-Webhook-Signature"

// maxWebhookBody caps how much of an inbound webhook we read before verification
const maxWebhookBody = 1 << 20

// WebhookSignature verifies the body signature before the payload reaches any
// handler. Comparison is constant-time; an unsigned or mis-signed request
// never touches storage.
func WebhookSignature(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(SignatureHeader)
			if provided == "" {
				rejectSignature(w, "missing webhook signature")
				return
			}

			providedMAC, err := hex.DecodeString(provided)
			if err != nil {
				rejectSignature(w, "malformed webhook signature")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
			if err != nil {
				rejectSignature(w, "unreadable request body")
				return
			}
			r.Body.Close()

			mac := hmac.New(sha256.New, key)
			mac.Write(body)
			if !hmac.Equal(providedMAC, mac.Sum(nil)) {
				rejectSignature(w, "webhook signature mismatch")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func rejectSignature(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `","code":"UNAUTHORIZED"}`))
}
