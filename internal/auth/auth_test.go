package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", "", time.Minute)
	token, err := m.GenerateAccessToken("user-1", "ada", RoleUser)
	require.NoError(t, err)

	u, err := m.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", u.Subject)
	assert.Equal(t, "ada", u.Username)
	assert.True(t, u.HasScope(ScopeWorkflowsExecute))
	assert.False(t, u.HasScope(ScopeHistoryManage))
	assert.NotEmpty(t, u.TokenID)
}

func TestValidateRejects(t *testing.T) {
	m := NewJWTManager("secret", "comfyflow", time.Minute)

	t.Run("wrong key", func(t *testing.T) {
		token, err := NewJWTManager("other", "comfyflow", time.Minute).GenerateAccessToken("u", "", "")
		require.NoError(t, err)
		_, err = m.ValidateAccessToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		token, err := NewJWTManager("secret", "elsewhere", time.Minute).GenerateAccessToken("u", "", "")
		require.NoError(t, err)
		_, err = m.ValidateAccessToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		claims := CustomClaims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u",
			Issuer:    "comfyflow",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = m.ValidateAccessToken(token)
		assert.True(t, errors.Is(err, jwt.ErrTokenExpired))
	})

	t.Run("unsigned", func(t *testing.T) {
		claims := CustomClaims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u",
			Issuer:    "comfyflow",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = m.ValidateAccessToken(token)
		assert.Error(t, err)
	})
}

func TestExtractBearerToken(t *testing.T) {
	tok, err := ExtractBearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	for _, h := range []string{"", "Bearer", "Basic abc", "Bearer  "} {
		_, err := ExtractBearerToken(h)
		assert.Error(t, err, h)
	}
}

func TestHTTPMiddleware(t *testing.T) {
	m := NewJWTManager("secret", "", time.Minute)
	user, err := m.GenerateAccessToken("u", "", RoleUser)
	require.NoError(t, err)
	admin, err := m.GenerateAccessToken("a", "", RoleAdmin)
	require.NoError(t, err)

	mw := NewMiddleware(m, false, zaptest.NewLogger(t))
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	mux := http.NewServeMux()
	mux.Handle("/v1/generate", RequireScope(ScopeWorkflowsExecute, ok))
	mux.Handle("/v1/history/purge", RequireScope(ScopeHistoryManage, ok))
	mux.Handle("/stream/sse", ok)
	h := mw.HTTPMiddleware(mux)

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no token", "/v1/generate", "", http.StatusUnauthorized},
		{"bad header", "/v1/generate", "Token x", http.StatusUnauthorized},
		{"garbage token", "/v1/generate", "Bearer x.y.z", http.StatusUnauthorized},
		{"user generate", "/v1/generate", "Bearer " + user, http.StatusNoContent},
		{"user purge", "/v1/history/purge", "Bearer " + user, http.StatusForbidden},
		{"admin purge", "/v1/history/purge", "Bearer " + admin, http.StatusNoContent},
		{"stream query token", "/stream/sse?token=" + user, "", http.StatusNoContent},
		{"query token outside stream", "/v1/generate?token=" + user, "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	t.Run("disabled", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewMiddleware(nil, false, nil).HTTPMiddleware(mux).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/history/purge", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}
