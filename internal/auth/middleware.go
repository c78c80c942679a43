package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

const apiKeyHeader = "X-API-Key"

// Middleware authenticates requests with either the static API key
// header or a JWT bearer token. With no key and no JWT manager
// configured, authentication is disabled and every request passes.
func Middleware(apiKey string, jwtManager *JWTManager, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" && jwtManager == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" && r.Header.Get(apiKeyHeader) == apiKey {
				next.ServeHTTP(w, r)
				return
			}

			if jwtManager != nil {
				if token, ok := bearerToken(r); ok {
					if _, err := jwtManager.ValidateToken(token); err == nil {
						next.ServeHTTP(w, r)
						return
					}
					logger.Debug("rejected bearer token", "path", r.URL.Path)
				}
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
