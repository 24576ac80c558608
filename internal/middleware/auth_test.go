package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hazardwatch/internal/auth"
)

func newAuthenticator(t *testing.T, enabled bool) *auth.Authenticator {
	t.Helper()
	a, err := auth.NewAuthenticator(auth.Config{Enabled: enabled, Username: "op", Password: "pw", JWT: auth.JWTConfig{Secret: "k"}})
	require.NoError(t, err)
	return a
}

func protected(t *testing.T, a *auth.Authenticator) http.Handler {
	return AuthMiddleware(a, "/health", "/api/auth/login")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims := GetUserFromContext(r.Context()); claims != nil {
			w.Header().Set("X-User", claims.Username)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
}

func serve(h http.Handler, path, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	a := newAuthenticator(t, true)
	h := protected(t, a)

	token, _, err := a.Authenticate("op", "pw")
	require.NoError(t, err)

	rec := serve(h, "/api/cameras", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"missing authorization header"}`, rec.Body.String())

	rec = serve(h, "/api/cameras", "Token abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(h, "/api/cameras", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid token"}`, rec.Body.String())

	rec = serve(h, "/api/cameras", "Bearer "+token)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "op", rec.Header().Get("X-User"))

	rec = serve(h, "/ws/events?token="+token, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAuthMiddlewarePublicPaths(t *testing.T) {
	h := protected(t, newAuthenticator(t, true))

	assert.Equal(t, http.StatusNoContent, serve(h, "/health", "").Code)
	assert.Equal(t, http.StatusNoContent, serve(h, "/api/auth/login", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "/healthz", "").Code)
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	h := protected(t, newAuthenticator(t, false))
	assert.Equal(t, http.StatusNoContent, serve(h, "/api/cameras", "").Code)
}
