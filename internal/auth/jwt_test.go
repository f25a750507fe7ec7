package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/ridedispatch/internal/auth"
)

const secret = "test-secret"

func signToken(t *testing.T, role string, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Role:             role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func newProtected(t *testing.T, roles ...string) http.Handler {
	t.Helper()
	return auth.Middleware(secret, roles...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := auth.SubjectID(r.Context()); ok {
			w.Header().Set("X-Subject", id.String())
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestMiddlewareRejectsMissingAndInvalidTokens(t *testing.T) {
	h := newProtected(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareEnforcesRolesAndExposesSubject(t *testing.T) {
	h := newProtected(t, "driver")
	driverID := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "driver", driverID.String()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, driverID.String(), rec.Header().Get("X-Subject"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "rider", uuid.NewString()))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMiddlewareEmptySecretPassesThrough(t *testing.T) {
	h := auth.Middleware("")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
