package auth

import (
	"net/http"
	"strings"

	"github.com/bobarin/adreel/internal/apperr"
	"github.com/rs/zerolog/log"
)

// ErrorWriter renders an auth failure. The API layer passes its error responder.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware enforces bearer token auth and injects claims into the request context.
func Middleware(verifier *Verifier, fail ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "auth.Middleware"

			if verifier == nil {
				fail(w, r, apperr.Auth(op, "auth verifier not configured"))
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				fail(w, r, apperr.Auth(op, "missing authorization header"))
				return
			}
			token, ok := extractBearerToken(header)
			if !ok {
				fail(w, r, apperr.Auth(op, "invalid authorization header"))
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("Token rejected")
				fail(w, r, apperr.Auth(op, "invalid token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireRole rejects callers whose verified role is not role.
func RequireRole(role string, fail ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				fail(w, r, apperr.Auth("auth.RequireRole", "not authenticated"))
				return
			}
			if claims.Role != role {
				log.Warn().Str("user_id", claims.UserID.String()).Str("path", r.URL.Path).Msg("Role check failed")
				fail(w, r, apperr.Forbidden("auth.RequireRole", role+" role required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
