package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newService(t *testing.T, enabled bool) *AuthService {
	t.Helper()
	t.Setenv("MDC_AUTH_TEST_SECRET", testSecret)
	return NewAuthService(config.AuthConfig{
		Enabled:        enabled,
		JWTSecretEnv:   "MDC_AUTH_TEST_SECRET",
		AccessTokenTTL: time.Minute,
		Issuer:         "minidiff-test",
	}, nil, zaptest.NewLogger(t))
}

func TestJWT_RoundTrip(t *testing.T) {
	a := newService(t, true)

	token, err := a.JWT().GenerateAccessToken("beamline", "technician", 0)
	require.NoError(t, err)

	claims, perms, err := a.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "beamline", claims.Username)
	assert.Equal(t, "minidiff-test", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
	assert.Equal(t, []Permission{PermOperator, PermTechnician}, perms)
}

func TestJWT_Rejects(t *testing.T) {
	a := newService(t, true)

	_, err := a.JWT().GenerateAccessToken("x", "superuser", 0)
	assert.Error(t, err)

	expired, err := a.JWT().GenerateAccessToken("x", "admin", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	_, _, err = a.ValidateToken(context.Background(), expired)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	other := NewJWTHandler("another-secret-another-secret-123", time.Minute, "minidiff-test")
	token, err := other.GenerateAccessToken("x", "admin", 0)
	require.NoError(t, err)
	_, _, err = a.ValidateToken(context.Background(), token)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	wrongIssuer := NewJWTHandler(testSecret, time.Minute, "elsewhere")
	token, err = wrongIssuer.GenerateAccessToken("x", "admin", 0)
	require.NoError(t, err)
	_, _, err = a.ValidateToken(context.Background(), token)
	assert.Error(t, err)
}

func TestValidateToken_Disabled(t *testing.T) {
	a := newService(t, false)

	claims, perms, err := a.ValidateToken(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, claims)
	assert.True(t, HasPermission(perms, PermAdmin))
}

func router(a *AuthService, required Permission) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", a.AuthMiddleware(), RequirePermission(required), func(c *gin.Context) {
		c.String(http.StatusOK, Username(c))
	})
	return r
}

func TestMiddleware(t *testing.T) {
	a := newService(t, true)
	operator, err := a.JWT().GenerateAccessToken("eve", "operator", 0)
	require.NoError(t, err)
	admin, err := a.JWT().GenerateAccessToken("ada", "admin", 0)
	require.NoError(t, err)

	cases := []struct {
		name     string
		header   string
		required Permission
		status   int
		body     string
	}{
		{"missing header", "", PermOperator, http.StatusUnauthorized, ""},
		{"bad scheme", "Basic abc", PermOperator, http.StatusUnauthorized, ""},
		{"garbage token", "Bearer abc", PermOperator, http.StatusUnauthorized, ""},
		{"operator reads", "Bearer " + operator, PermOperator, http.StatusOK, "eve"},
		{"operator cannot move", "Bearer " + operator, PermTechnician, http.StatusForbidden, ""},
		{"admin moves", "Bearer " + admin, PermTechnician, http.StatusOK, "ada"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router(a, tc.required).ServeHTTP(w, req)

			assert.Equal(t, tc.status, w.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, w.Body.String())
			}
		})
	}
}

func TestMiddleware_DisabledGrantsAdmin(t *testing.T) {
	a := newService(t, false)

	w := httptest.NewRecorder()
	router(a, PermAdmin).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
