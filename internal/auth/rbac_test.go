package auth_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orchestratord/core/internal/auth"
)

func TestAllowedAdminHasFullAccess(t *testing.T) {
	t.Parallel()
	require.True(t, auth.Allowed(auth.RoleAdmin, auth.ResourceCredential, auth.ActionWrite))
	require.True(t, auth.Allowed(auth.RoleAdmin, auth.ResourceJob, auth.ActionRead))
}

func TestAllowedMatrix(t *testing.T) {
	t.Parallel()
	cases := []struct {
		role     auth.Role
		resource auth.Resource
		action   auth.Action
		want     bool
	}{
		{auth.RoleDeveloper, auth.ResourceWorkflow, auth.ActionWrite, true},
		{auth.RoleDeveloper, auth.ResourceRobot, auth.ActionWrite, false},
		{auth.RoleOperator, auth.ResourceRobot, auth.ActionWrite, true},
		{auth.RoleOperator, auth.ResourceWorkflow, auth.ActionWrite, false},
		{auth.RoleViewer, auth.ResourceJob, auth.ActionRead, true},
		{auth.RoleViewer, auth.ResourceJob, auth.ActionWrite, false},
		{auth.RoleViewer, auth.ResourceCredential, auth.ActionRead, false},
	}
	for _, c := range cases {
		got := auth.Allowed(c.role, c.resource, c.action)
		require.Equal(t, c.want, got, "role=%s resource=%s action=%s", c.role, c.resource, c.action)
	}
}

func TestAllowedUnknownResourceDenied(t *testing.T) {
	t.Parallel()
	require.False(t, auth.Allowed(auth.RoleDeveloper, auth.Resource("unknown"), auth.ActionRead))
}
