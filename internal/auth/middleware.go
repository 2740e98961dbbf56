package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// UserContextKey is the context key for user information
	UserContextKey ContextKey = "user"
)

// Middleware authenticates HTTP requests with bearer tokens. When disabled
// every request runs as an anonymous admin.
type Middleware struct {
	jwtManager *JWTManager
	skipAuth   bool
	logger     *zap.Logger
}

// NewMiddleware creates a new authentication middleware
func NewMiddleware(jwtManager *JWTManager, skipAuth bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		jwtManager: jwtManager,
		skipAuth:   skipAuth || jwtManager == nil,
		logger:     logger,
	}
}

// HTTPMiddleware provides HTTP authentication middleware
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			ctx := context.WithValue(r.Context(), UserContextKey, &UserContext{
				Subject:   "anonymous",
				Role:      RoleAdmin,
				Scopes:    ScopesForRole(RoleAdmin),
				TokenType: "none",
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		var token string
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			t, err := ExtractBearerToken(authHeader)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid authorization header")
				return
			}
			token = t
		} else if strings.HasPrefix(r.URL.Path, "/stream/") {
			// EventSource cannot send custom headers.
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, ErrMissingToken.Error())
			return
		}

		userCtx, err := m.jwtManager.ValidateAccessToken(token)
		if err != nil {
			m.logger.Debug("Rejected token", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, userCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope wraps next so it only runs for callers holding scope.
func RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := RequireScopes(r.Context(), scope); err != nil {
			code := http.StatusForbidden
			if errors.Is(err, ErrNoUserContext) {
				code = http.StatusUnauthorized
			}
			writeError(w, code, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireScopes checks if the user has the required scopes
func RequireScopes(ctx context.Context, requiredScopes ...string) error {
	userCtx, err := GetUserContext(ctx)
	if err != nil {
		return err
	}
	for _, required := range requiredScopes {
		if !userCtx.HasScope(required) {
			return fmt.Errorf("%w: %s", ErrMissingScope, required)
		}
	}
	return nil
}

// GetUserContext extracts user context from context
func GetUserContext(ctx context.Context) (*UserContext, error) {
	userCtx, ok := ctx.Value(UserContextKey).(*UserContext)
	if !ok {
		return nil, ErrNoUserContext
	}
	return userCtx, nil
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
