package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bobarin/adreel/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-jwt-secret"

func sign(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return token
}

func validClaims(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   sub,
		"email": "owner@example.com",
		"role":  "authenticated",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

func TestVerify(t *testing.T) {
	v, err := NewVerifier(secret, "")
	require.NoError(t, err)
	id := uuid.New()

	claims, err := v.Verify(sign(t, secret, validClaims(id.String())))
	require.NoError(t, err)
	assert.Equal(t, id, claims.UserID)
	assert.Equal(t, "owner@example.com", claims.Email)
	assert.False(t, claims.IsAdmin())

	t.Run("admin from app metadata", func(t *testing.T) {
		c := validClaims(id.String())
		c["app_metadata"] = map[string]interface{}{"role": "admin"}
		claims, err := v.Verify(sign(t, secret, c))
		require.NoError(t, err)
		assert.True(t, claims.IsAdmin())
	})

	rejects := map[string]string{
		"wrong key":   sign(t, "other-secret", validClaims(id.String())),
		"expired":     sign(t, secret, jwt.MapClaims{"sub": id.String(), "exp": time.Now().Add(-time.Hour).Unix()}),
		"no expiry":   sign(t, secret, jwt.MapClaims{"sub": id.String()}),
		"missing sub": sign(t, secret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}),
		"non-uuid":    sign(t, secret, validClaims("auth0|123")),
		"garbage":     "not-a-token",
	}
	for name, token := range rejects {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			assert.Error(t, err)
		})
	}
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	_, err := NewVerifier("  ", "")
	assert.Error(t, err)
}

func recordKind(w http.ResponseWriter, _ *http.Request, err error) {
	w.Header().Set("X-Kind", string(apperr.KindOf(err)))
	w.WriteHeader(http.StatusTeapot)
}

func TestMiddleware(t *testing.T) {
	v, err := NewVerifier(secret, "")
	require.NoError(t, err)
	id := uuid.New()

	var seen *Claims
	handler := Middleware(v, recordKind)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusTeapot},
		{"malformed", "Token abc", http.StatusTeapot},
		{"invalid", "Bearer abc", http.StatusTeapot},
		{"valid", "Bearer " + sign(t, secret, validClaims(id.String())), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				assert.Equal(t, string(apperr.KindAuth), rec.Header().Get("X-Kind"))
			}
		})
	}
	require.NotNil(t, seen)
	assert.Equal(t, id, seen.UserID)
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(RoleAdmin, recordKind)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(claims *Claims) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admin/logs", nil)
		if claims != nil {
			req = req.WithContext(WithClaims(req.Context(), claims))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := serve(nil)
	assert.Equal(t, string(apperr.KindAuth), rec.Header().Get("X-Kind"))

	rec = serve(&Claims{UserID: uuid.New(), Role: "authenticated"})
	assert.Equal(t, string(apperr.KindForbidden), rec.Header().Get("X-Kind"))

	rec = serve(&Claims{UserID: uuid.New(), Role: RoleAdmin})
	assert.Equal(t, http.StatusOK, rec.Code)
}
