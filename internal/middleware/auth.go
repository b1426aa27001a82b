package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"tile-describer/internal/common/logging"
)

// APIKeyAuth rejects requests whose X-API-Key header does not match the
// configured key. The comparison is constant-time.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				logging.Warn("request rejected, invalid API key",
					logging.Field{Key: "path", Value: r.URL.Path},
					logging.Field{Key: "remote_addr", Value: r.RemoteAddr},
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "invalid or missing API key",
					"type":  "authentication",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
