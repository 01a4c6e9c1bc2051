package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// DenyFunc writes the response for a rejected request.
type DenyFunc func(w http.ResponseWriter, r *http.Request, err error)

// RequireScope enforces a bearer token carrying scope. When the service is
// disabled requests pass through untouched.
func RequireScope(service *JWTService, scope string, logger *slog.Logger, deny DenyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !service.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r.Header.Get("Authorization"))
			if token == "" {
				deny(w, r, errors.New("missing bearer token"))
				return
			}
			claims, err := service.Validate(token)
			if err != nil {
				if logger != nil {
					logger.Warn("jwt validation failed", "path", r.URL.Path, "error", err)
				}
				deny(w, r, ErrInvalidToken)
				return
			}
			if !claims.HasScope(scope) {
				deny(w, r, ErrMissingScope)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
