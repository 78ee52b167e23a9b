package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/rpggio/activitylog/internal/attribution"
	"github.com/rpggio/activitylog/internal/repository"
)

// APIKeyHeader carries a service API key.
const APIKeyHeader = "X-Api-Key"

// ErrUnauthorized indicates invalid credentials.
var ErrUnauthorized = errors.New("unauthorized")

// AuthMiddleware resolves X-Api-Key to a principal and stores it in the request
// context. Requests without a key pass through anonymously; unknown keys are rejected.
func AuthMiddleware(keys repository.APIKeyRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			principal, err := keys.LookupPrincipal(r.Context(), HashToken(key))
			if err != nil || principal == "" {
				_ = ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
				return
			}

			ctx := attribution.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HashToken returns the hex sha256 of an API key, as stored in api_keys.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
