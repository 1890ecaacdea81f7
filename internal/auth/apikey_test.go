package auth_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/orchestratord/core/internal/auth"
	"github.com/orchestratord/core/internal/db"
	"github.com/orchestratord/core/internal/store"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("test-%d.db", time.Now().UnixNano()))
	conn, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      dsn,
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return conn
}

func TestAPIKeyIssueAuthenticateRoundTrip(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	mgr := auth.NewAPIKeyManager(store.NewAPIKeyRepository(conn))
	ctx := context.Background()

	plaintext, rec, err := mgr.Issue(ctx, "tenant-a", nil, auth.RoleOperator)
	require.NoError(t, err)
	require.NotEmpty(t, plaintext)
	require.Equal(t, string(auth.RoleOperator), rec.Role)
	require.Nil(t, rec.LastUsedAt)

	got, err := mgr.Authenticate(ctx, plaintext)
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.NotNil(t, got.LastUsedAt)
}

func TestAPIKeyAuthenticateRejectsWrongSecret(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	mgr := auth.NewAPIKeyManager(store.NewAPIKeyRepository(conn))
	ctx := context.Background()

	plaintext, _, err := mgr.Issue(ctx, "tenant-a", nil, auth.RoleViewer)
	require.NoError(t, err)

	prefix := plaintext[:len(plaintext)-len("deadbeef")]
	_, err = mgr.Authenticate(ctx, prefix+"deadbeef")
	require.ErrorIs(t, err, auth.ErrAPIKeyInvalid)
}

func TestAPIKeyAuthenticateRejectsMalformedInput(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	mgr := auth.NewAPIKeyManager(store.NewAPIKeyRepository(conn))

	_, err := mgr.Authenticate(context.Background(), "no-dot-in-here")
	require.ErrorIs(t, err, auth.ErrAPIKeyInvalid)

	_, err = mgr.Authenticate(context.Background(), "unknownprefix.secret")
	require.ErrorIs(t, err, auth.ErrAPIKeyInvalid)
}

func TestAPIKeyAuthenticateRejectsRevoked(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	repo := store.NewAPIKeyRepository(conn)
	mgr := auth.NewAPIKeyManager(repo)
	ctx := context.Background()

	plaintext, rec, err := mgr.Issue(ctx, "tenant-a", nil, auth.RoleDeveloper)
	require.NoError(t, err)
	require.NoError(t, repo.Revoke(ctx, rec.ID))

	_, err = mgr.Authenticate(ctx, plaintext)
	require.ErrorIs(t, err, auth.ErrAPIKeyRevoked)
}

func TestAPIKeyIssueBindsRobotID(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	mgr := auth.NewAPIKeyManager(store.NewAPIKeyRepository(conn))
	ctx := context.Background()

	robotID := uuid.New()
	_, rec, err := mgr.Issue(ctx, "tenant-a", &robotID, auth.RoleOperator)
	require.NoError(t, err)
	require.NotNil(t, rec.RobotID)
	require.Equal(t, robotID, *rec.RobotID)
}

func TestAPIKeyRotateRevokesOldKey(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	repo := store.NewAPIKeyRepository(conn)
	mgr := auth.NewAPIKeyManager(repo)
	ctx := context.Background()

	oldPlain, oldRec, err := mgr.Issue(ctx, "tenant-a", nil, auth.RoleAdmin)
	require.NoError(t, err)

	newPlain, newRec, err := mgr.Rotate(ctx, oldRec.ID, "tenant-a", nil, auth.RoleAdmin)
	require.NoError(t, err)
	require.NotEqual(t, oldRec.ID, newRec.ID)

	_, err = mgr.Authenticate(ctx, oldPlain)
	require.ErrorIs(t, err, auth.ErrAPIKeyRevoked)

	got, err := mgr.Authenticate(ctx, newPlain)
	require.NoError(t, err)
	require.Equal(t, newRec.ID, got.ID)
}
