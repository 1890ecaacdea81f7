package auth_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/orchestratord/core/internal/auth"
	"github.com/orchestratord/core/internal/store"
)

func newTestService(t *testing.T) *auth.Service {
	t.Helper()
	jwtMgr, err := auth.NewJWTManagerGenerated("orchestratord")
	require.NoError(t, err)
	conn := newTestDB(t)
	keys := auth.NewAPIKeyManager(store.NewAPIKeyRepository(conn))
	return auth.NewService(jwtMgr, keys)
}

func TestServiceIssueOperatorSessionThenAuthenticateJWT(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)

	token, err := svc.IssueOperatorSession("user-1", auth.RoleOperator)
	require.NoError(t, err)

	principal, err := svc.AuthenticateJWT(token)
	require.NoError(t, err)
	require.Equal(t, auth.RoleOperator, principal.Role)
	require.Equal(t, "user-1", principal.UserID)
	require.Nil(t, principal.RobotID)
}

func TestServiceAuthenticateAPIKeyResolvesRobotID(t *testing.T) {
	t.Parallel()
	jwtMgr, err := auth.NewJWTManagerGenerated("orchestratord")
	require.NoError(t, err)
	conn := newTestDB(t)
	repo := store.NewAPIKeyRepository(conn)
	keyMgr := auth.NewAPIKeyManager(repo)
	svc := auth.NewService(jwtMgr, keyMgr)

	robotID := uuid.New()
	plaintext, _, err := keyMgr.Issue(context.Background(), "tenant-a", &robotID, auth.RoleOperator)
	require.NoError(t, err)

	principal, err := svc.AuthenticateAPIKey(context.Background(), plaintext)
	require.NoError(t, err)
	require.Equal(t, auth.RoleOperator, principal.Role)
	require.NotNil(t, principal.RobotID)
	require.Equal(t, robotID, *principal.RobotID)
	require.NotNil(t, principal.KeyID)
}
