package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "webhook-test-secret"

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func signedHandler(t *testing.T, called *bool, wantBody string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, wantBody, string(body))
		w.WriteHeader(http.StatusAccepted)
	})
}

func TestWebhookSignature_ValidSignaturePasses(t *testing.T) {
	body := `{"event_id":"evt-1","event_type":"queue_item_expired","payload":{}}`

	var called bool
	mw := WebhookSignature(testSecret)(signedHandler(t, &called, body))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", strings.NewReader(body))
	req.Header.Set(SignatureHeader, sign(testSecret, body))
	rec := httptest.NewRecorder()

	mw.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestWebhookSignature_MissingSignatureRejected(t *testing.T) {
	var called bool
	mw := WebhookSignature(testSecret)(signedHandler(t, &called, ""))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	mw.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing webhook signature")
}

func TestWebhookSignature_MalformedSignatureRejected(t *testing.T) {
	var called bool
	mw := WebhookSignature(testSecret)(signedHandler(t, &called, ""))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", strings.NewReader(`{}`))
	req.Header.Set(SignatureHeader, "not-hex!!")
	rec := httptest.NewRecorder()

	mw.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookSignature_WrongSecretRejected(t *testing.T) {
	body := `{"event_id":"evt-1"}`

	var called bool
	mw := WebhookSignature(testSecret)(signedHandler(t, &called, body))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", strings.NewReader(body))
	req.Header.Set(SignatureHeader, sign("some-other-secret", body))
	rec := httptest.NewRecorder()

	mw.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "signature mismatch")
}

func TestWebhookSignature_TamperedBodyRejected(t *testing.T) {
	var called bool
	mw := WebhookSignature(testSecret)(signedHandler(t, &called, ""))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", strings.NewReader(`{"amount":9999}`))
	req.Header.Set(SignatureHeader, sign(testSecret, `{"amount":1}`))
	rec := httptest.NewRecorder()

	mw.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
