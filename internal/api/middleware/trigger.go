package middleware

import (
	"net/http"

	"github.com/kiranshivaraju/prophecy/internal/api/response"
	"github.com/kiranshivaraju/prophecy/pkg/models"
)

// TokenVerifier resolves a signed trigger token to its caller.
type TokenVerifier interface {
	Verify(raw string) (models.Caller, error)
}

// TriggerAuth authenticates compute callbacks carrying a trigger token.
type TriggerAuth struct {
	verifier TokenVerifier
}

func NewTriggerAuth(v TokenVerifier) *TriggerAuth {
	return &TriggerAuth{verifier: v}
}

// Authenticate sets a caller scoped to the token's single prediction.
func (t *TriggerAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearerToken(r)
		if raw == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}
		caller, err := t.verifier.Verify(raw)
		if err != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid trigger token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(SetCaller(r.Context(), caller)))
	})
}
