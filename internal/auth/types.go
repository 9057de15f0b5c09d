package auth

import "errors"

// Role is the authorisation tier carried in an API token.
type Role string

const (
	// RoleViewer can list sessions, read the journal and watch live events.
	RoleViewer Role = "viewer"

	// RoleOperator can also publish through configured sessions.
	RoleOperator Role = "operator"
)

// ValidRoles lists every role a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator}

// IsValidRole reports whether r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Sentinel errors for token handling.
var (
	ErrTokenInvalid  = errors.New("auth: invalid token")
	ErrInvalidRole   = errors.New("auth: invalid role")
	ErrMissingSecret = errors.New("auth: signing secret is required")
	ErrForbidden     = errors.New("auth: insufficient permissions")
)
