package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/bobarin/adreel/internal/apperr"
	"github.com/bobarin/adreel/internal/dispatch"
)

// WorkerSecret guards the worker callback with the shared secret header.
// A missing header is 401, a wrong one is 403.
func WorkerSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "api.WorkerSecret"

			if secret == "" {
				respondError(w, r, apperr.Internal(op, errWorkerSecretUnset))
				return
			}

			key := r.Header.Get(dispatch.SecretHeader)
			if key == "" {
				respondError(w, r, apperr.Auth(op, "missing "+dispatch.SecretHeader+" header"))
				return
			}

			// Constant-time comparison to prevent timing attacks
			if subtle.ConstantTimeCompare([]byte(key), []byte(secret)) != 1 {
				respondError(w, r, apperr.Forbidden(op, "invalid webhook secret"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
