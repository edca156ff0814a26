package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/modelgate/modelgate/internal/config"
)

// Auth enforces the gateway API key when one is configured. Clients may send
// it either as a Bearer token or as an x-api-key header, matching what
// Anthropic SDK clients emit.
func Auth(cfg *config.Manager, logger zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expected := cfg.Get().APIKey
			if expected == "" {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("x-api-key")
			if key == "" {
				key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}

			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				logger.Warn().
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Msg("rejected request with invalid API key")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid API key"}}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
