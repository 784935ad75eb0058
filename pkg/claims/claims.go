package claims

import (
	"context"
	"strings"
)

// Role is the closed set of caller roles supplied by the identity collaborator.
// The core only ever performs membership checks against it.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// ParseRole normalises a role claim; unknown values collapse to RoleUser so a
// malformed claim can never grant privilege.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAssistant:
		return RoleAssistant
	case RoleAdmin:
		return RoleAdmin
	case RoleSuperAdmin:
		return RoleSuperAdmin
	default:
		return RoleUser
	}
}

// CanAdministerLicenses reports whether the role may call the admin control plane.
func (r Role) CanAdministerLicenses() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Claims is the pre-validated identity attached to every request. The core
// trusts it as-is; authentication happens upstream.
type Claims struct {
	UserID string
	Role   Role
}

type claimsKey struct{}

// ContextKey is exported for middleware tests.
var ContextKey = claimsKey{}

func NewContext(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, ContextKey, c)
}

// FromContext returns the claims attached to ctx, if any.
func FromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(ContextKey).(Claims)
	return c, ok
}
