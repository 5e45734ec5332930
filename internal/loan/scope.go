// internal/loan/scope.go
package loan

import (
	"libralend/internal/auth"
)

// AccessScopeFilter confines members without librarian rights to their own loans.
type AccessScopeFilter struct {
	roles auth.RoleAuthority
}

func NewAccessScopeFilter(roles auth.RoleAuthority) *AccessScopeFilter {
	return &AccessScopeFilter{roles: roles}
}

// Restricted reports whether user may only see its own loans.
func (f *AccessScopeFilter) Restricted(user auth.User) bool {
	return f.roles.HasRole(user, auth.RoleMember) && !f.roles.HasRole(user, auth.RoleLibrarian)
}

// Apply returns filter with the borrower pinned to user when the user is restricted.
// Any member constraint supplied by a restricted caller is replaced.
func (f *AccessScopeFilter) Apply(user auth.User, filter Filter) Filter {
	if !f.Restricted(user) {
		return filter
	}
	memberID := user.ID
	filter.MemberID = &memberID
	return filter
}
