package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testHeader = "X-Registration-Key"

func authedHandler(key, keyHash string) (http.Handler, *string) {
	var seenNode string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenNode = GetPeerNodeFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return RegistrationKeyAuth(key, keyHash, testHeader)(inner), &seenNode
}

func doRequest(t *testing.T, h http.Handler, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegistrationKeyAuth(t *testing.T) {
	t.Run("health endpoints skip authentication", func(t *testing.T) {
		h, _ := authedHandler("shared-key", "")

		assert.Equal(t, http.StatusOK, doRequest(t, h, "/health", nil).Code)
		assert.Equal(t, http.StatusOK, doRequest(t, h, "/api/health", nil).Code)
	})

	t.Run("api routes require the key", func(t *testing.T) {
		h, _ := authedHandler("shared-key", "")

		assert.Equal(t, http.StatusUnauthorized, doRequest(t, h, "/api/sync/sessions", nil).Code)
		assert.Equal(t, http.StatusUnauthorized, doRequest(t, h, "/api/sync/sessions",
			map[string]string{testHeader: "wrong"}).Code)
		assert.Equal(t, http.StatusOK, doRequest(t, h, "/api/sync/sessions",
			map[string]string{testHeader: "shared-key"}).Code)
	})

	t.Run("websocket feed requires the key", func(t *testing.T) {
		h, _ := authedHandler("shared-key", "")

		assert.Equal(t, http.StatusUnauthorized, doRequest(t, h, "/ws", nil).Code)
		assert.Equal(t, http.StatusUnauthorized, doRequest(t, h, "/ws?key=wrong", nil).Code)
	})

	t.Run("websocket feed accepts the key as header or query parameter", func(t *testing.T) {
		h, _ := authedHandler("shared-key", "")

		assert.Equal(t, http.StatusOK, doRequest(t, h, "/ws",
			map[string]string{testHeader: "shared-key"}).Code)
		assert.Equal(t, http.StatusOK, doRequest(t, h, "/ws?key=shared-key", nil).Code)
	})

	t.Run("other paths pass through untouched", func(t *testing.T) {
		h, _ := authedHandler("shared-key", "")

		assert.Equal(t, http.StatusOK, doRequest(t, h, "/", nil).Code)
	})

	t.Run("verifies against a bcrypt hash when configured", func(t *testing.T) {
		hash, err := bcrypt.GenerateFromPassword([]byte("shared-key"), bcrypt.MinCost)
		require.NoError(t, err)
		h, _ := authedHandler("", string(hash))

		assert.Equal(t, http.StatusOK, doRequest(t, h, "/api/sync/sessions",
			map[string]string{testHeader: "shared-key"}).Code)
		assert.Equal(t, http.StatusUnauthorized, doRequest(t, h, "/api/sync/sessions",
			map[string]string{testHeader: "wrong"}).Code)
	})

	t.Run("stores the caller's node id in the request context", func(t *testing.T) {
		h, seen := authedHandler("shared-key", "")

		rec := doRequest(t, h, "/api/sync/sessions", map[string]string{
			testHeader:  "shared-key",
			"X-Node-ID": "node-b",
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "node-b", *seen)
	})
}
