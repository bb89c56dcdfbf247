package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type contextKey string

// PeerNodeContextKey carries the node id the requesting peer identified
// itself with
const PeerNodeContextKey contextKey = "peer_node"

// GetPeerNodeFromContext retrieves the requesting peer's node id, if the
// request carried one
func GetPeerNodeFromContext(ctx context.Context) string {
	if nodeID, ok := ctx.Value(PeerNodeContextKey).(string); ok {
		return nodeID
	}
	return ""
}

// RegistrationKeyAuth authenticates inter-node requests with the shared
// registration key. When a bcrypt hash is configured the plaintext key never
// has to live in this node's config; otherwise the comparison is
// constant-time against the configured plaintext.
func RegistrationKeyAuth(key, keyHash, headerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth for health endpoints
			path := r.URL.Path
			if path == "/health" || path == "/api/health" {
				next.ServeHTTP(w, r)
				return
			}

			// Only authenticate API routes and the websocket feed
			if !strings.HasPrefix(path, "/api") && path != "/ws" {
				next.ServeHTTP(w, r)
				return
			}

			providedKey := r.Header.Get(headerName)
			if providedKey == "" && path == "/ws" {
				// Browser websocket clients cannot set headers on the
				// upgrade request, so the feed also accepts the key as a
				// query parameter
				providedKey = r.URL.Query().Get("key")
			}
			if providedKey == "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "Registration key is required."})
				return
			}

			if !keyMatches(key, keyHash, providedKey) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "Invalid registration key."})
				return
			}

			ctx := r.Context()
			if nodeID := r.Header.Get("X-Node-ID"); nodeID != "" {
				ctx = context.WithValue(ctx, PeerNodeContextKey, nodeID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func keyMatches(key, keyHash, provided string) bool {
	if keyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(provided)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(provided)) == 1
}
