// internal/auth/user.go
package auth

import (
	"slices"

	"github.com/google/uuid"
)

// Role identifiers understood by the lending core.
const (
	RoleMember    = "member"
	RoleLibrarian = "librarian"
	RoleAdmin     = "admin"
)

// User is the authenticated caller of a lending operation. It is passed explicitly
// through every call; nothing in the core reads it from ambient state.
type User struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Roles    []string  `json:"roles"`
}

// RoleAuthority exposes a caller's role set.
type RoleAuthority interface {
	HasRole(user User, role string) bool
}

// StaticRoles trusts the roles already resolved onto the User.
type StaticRoles struct{}

func (StaticRoles) HasRole(user User, role string) bool {
	return slices.Contains(user.Roles, role)
}
