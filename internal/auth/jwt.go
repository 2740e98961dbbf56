package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultIssuer is used when no issuer is configured.
const DefaultIssuer = "comfyflow"

// JWTManager issues and validates HS256 access tokens.
type JWTManager struct {
	signingKey        []byte
	accessTokenExpiry time.Duration
	issuer            string
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(signingKey, issuer string, accessExpiry time.Duration) *JWTManager {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if accessExpiry <= 0 {
		accessExpiry = time.Hour
	}
	return &JWTManager{
		signingKey:        []byte(signingKey),
		accessTokenExpiry: accessExpiry,
		issuer:            issuer,
	}
}

// CustomClaims represents the custom JWT claims
type CustomClaims struct {
	jwt.RegisteredClaims
	Username string   `json:"username,omitempty"`
	Role     string   `json:"role"`
	Scopes   []string `json:"scopes"`
}

// GenerateAccessToken signs a token for subject. Scopes default to the
// role's scopes.
func (j *JWTManager) GenerateAccessToken(subject, username, role string, scopes ...string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if role == "" {
		role = RoleUser
	}
	if len(scopes) == 0 {
		scopes = ScopesForRole(role)
	}

	now := time.Now()
	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.accessTokenExpiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Username: username,
		Role:     role,
		Scopes:   scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.signingKey)
}

// ValidateAccessToken validates and parses a JWT access token
func (j *JWTManager) ValidateAccessToken(tokenString string) (*UserContext, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (any, error) {
		return j.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(j.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}

	return &UserContext{
		Subject:   claims.Subject,
		Username:  claims.Username,
		Role:      claims.Role,
		Scopes:    claims.Scopes,
		TokenID:   claims.ID,
		TokenType: "jwt",
	}, nil
}

// ExtractBearerToken extracts the token from Authorization header
func ExtractBearerToken(authHeader string) (string, error) {
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return strings.TrimSpace(token), nil
}
