package claims

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	require.Equal(t, RoleUser, ParseRole("user"))
	require.Equal(t, RoleAssistant, ParseRole("assistant"))
	require.Equal(t, RoleAdmin, ParseRole(" Admin "))
	require.Equal(t, RoleSuperAdmin, ParseRole("SUPERADMIN"))

	// anything unrecognised collapses to the least privileged role
	require.Equal(t, RoleUser, ParseRole(""))
	require.Equal(t, RoleUser, ParseRole("root"))
	require.Equal(t, RoleUser, ParseRole("admin;superadmin"))
}

func TestCanAdministerLicenses(t *testing.T) {
	require.False(t, RoleUser.CanAdministerLicenses())
	require.False(t, RoleAssistant.CanAdministerLicenses())
	require.True(t, RoleAdmin.CanAdministerLicenses())
	require.True(t, RoleSuperAdmin.CanAdministerLicenses())
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	_, ok := FromContext(ctx)
	require.False(t, ok)

	ctx = NewContext(ctx, Claims{UserID: "u1", Role: RoleAdmin})
	c, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "u1", c.UserID)
	require.Equal(t, RoleAdmin, c.Role)
}
