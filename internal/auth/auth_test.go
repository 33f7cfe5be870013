package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTokenService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Mode: ModeToken,
		Credentials: []Credential{
			{Name: "dashboard", Token: "read-token", Permissions: []string{PermissionRead}},
			{Name: "trader", Token: "trade-token", Permissions: []string{PermissionRead, PermissionTrade}},
		},
	})
	require.NoError(t, err)
	return svc
}

func TestNewServiceValidation(t *testing.T) {
	svc, err := NewService(Config{})
	require.NoError(t, err)
	assert.Equal(t, ModeDisabled, svc.Mode())

	_, err = NewService(Config{Mode: ModeToken})
	require.Error(t, err)

	_, err = NewService(Config{Mode: ModeToken, Credentials: []Credential{{Name: "x"}}})
	require.Error(t, err)

	_, err = NewService(Config{Mode: "oauth"})
	require.Error(t, err)
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTokenService(t)

	_, err := svc.AuthenticateRequest("")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = svc.AuthenticateRequest("Bearer nope")
	assert.ErrorIs(t, err, ErrInvalidToken)

	subject, err := svc.AuthenticateRequest("Bearer trade-token")
	require.NoError(t, err)
	assert.Equal(t, "trader", subject.Name)
	assert.True(t, subject.HasPermission(PermissionTrade))
	assert.NoError(t, subject.Authorize(PermissionRead, PermissionTrade))

	subject, err = svc.AuthenticateRequest("Bearer read-token")
	require.NoError(t, err)
	assert.ErrorIs(t, subject.Authorize(PermissionTrade), ErrPermissionDenied)
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc := newTokenService(t)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {PermissionRead},
			http.MethodPost: {PermissionTrade},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	call := func(method, token string) int {
		req := httptest.NewRequest(method, "/api/v1/swap/events", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, ""))
	assert.Equal(t, http.StatusAccepted, call(http.MethodGet, "read-token"))
	assert.Equal(t, http.StatusForbidden, call(http.MethodPost, "read-token"))
	assert.Equal(t, http.StatusAccepted, call(http.MethodPost, "trade-token"))
	require.NotNil(t, seen)
	assert.Equal(t, "trader", seen.Name)
}

func TestDisabledMiddlewarePassesThrough(t *testing.T) {
	var nilService *Service
	handler := nilService.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
