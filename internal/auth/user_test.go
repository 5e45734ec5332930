package auth

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestStaticRoles_HasRole(t *testing.T) {
	user := User{ID: uuid.New(), Roles: []string{RoleMember}}

	assert.True(t, StaticRoles{}.HasRole(user, RoleMember))
	assert.False(t, StaticRoles{}.HasRole(user, RoleLibrarian))
	assert.False(t, StaticRoles{}.HasRole(User{}, RoleMember))
}
