package auth

import "errors"

// Scopes for authorization
const (
	ScopeWorkflowsRead    = "workflows:read"
	ScopeWorkflowsExecute = "workflows:execute"
	ScopeHistoryManage    = "history:manage"
)

// Roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingScope  = errors.New("missing required scope")
	ErrNoUserContext = errors.New("missing user context")
)

// UserContext is the authenticated caller attached to a request context.
type UserContext struct {
	Subject   string   `json:"subject"`
	Username  string   `json:"username,omitempty"`
	Role      string   `json:"role"`
	Scopes    []string `json:"scopes"`
	TokenID   string   `json:"token_id,omitempty"`
	TokenType string   `json:"token_type"`
}

// HasScope reports whether the caller was granted scope.
func (u *UserContext) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ScopesForRole returns the default scopes for a given role
func ScopesForRole(role string) []string {
	switch role {
	case RoleAdmin:
		return []string{ScopeWorkflowsRead, ScopeWorkflowsExecute, ScopeHistoryManage}
	default: // RoleUser
		return []string{ScopeWorkflowsRead, ScopeWorkflowsExecute}
	}
}
