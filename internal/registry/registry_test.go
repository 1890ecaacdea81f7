package registry_test

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

	"github.com/orchestratord/core/internal/db"
	"github.com/orchestratord/core/internal/registry"
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

func TestRegisterAndHeartbeat(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	mgr := registry.New(conn, registry.DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	robot, err := mgr.Register(ctx, uuid.Nil, "arm-1", "host-1", []string{"weld", "paint"}, []string{"line-a"}, 2, "1.0.0")
	require.NoError(t, err)
	require.Equal(t, db.RobotStatusOnline, robot.Status)
	require.True(t, mgr.IsConnected(robot.ID))

	require.NoError(t, mgr.Heartbeat(ctx, robot.ID, db.JSONMap{"cpu": 0.5}))
}

func TestEligibleRobotsFiltersByCapabilityAndStatus(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	mgr := registry.New(conn, registry.DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	capable, err := mgr.Register(ctx, uuid.Nil, "arm-1", "host-1", []string{"weld"}, nil, 1, "1.0.0")
	require.NoError(t, err)
	_, err = mgr.Register(ctx, uuid.Nil, "arm-2", "host-2", []string{"paint"}, nil, 1, "1.0.0")
	require.NoError(t, err)

	erroredRobot, err := mgr.Register(ctx, uuid.Nil, "arm-3", "host-3", []string{"weld"}, nil, 1, "1.0.0")
	require.NoError(t, err)
	require.NoError(t, conn.Model(&db.Robot{}).Where("id = ?", erroredRobot.ID).Update("status", db.RobotStatusError).Error)

	eligible, err := mgr.EligibleRobots(ctx, registry.Requirement{RequiredCapabilities: []string{"weld"}})
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	require.Equal(t, capable.ID, eligible[0].ID)
}

func TestAcquireSlotExhaustion(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	mgr := registry.New(conn, registry.DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	robot, err := mgr.Register(ctx, uuid.Nil, "arm-1", "host-1", nil, nil, 1, "1.0.0")
	require.NoError(t, err)

	require.NoError(t, mgr.AcquireSlot(ctx, robot.ID))

	workflowID := uuid.New()
	require.NoError(t, conn.Create(&db.Job{
		WorkflowID: workflowID,
		Status:     db.JobStatusRunning,
		ClaimedBy:  &robot.ID,
	}).Error)

	err = mgr.AcquireSlot(ctx, robot.ID)
	require.ErrorIs(t, err, registry.ErrSlotsExhausted)
}

func TestSweepExpiredHeartbeats(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	cfg := registry.DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.LeaseMissFactor = 1
	mgr := registry.New(conn, cfg, zap.NewNop())
	ctx := context.Background()

	robot, err := mgr.Register(ctx, uuid.Nil, "arm-1", "host-1", nil, nil, 1, "1.0.0")
	require.NoError(t, err)
	require.NoError(t, conn.Model(&db.Robot{}).Where("id = ?", robot.ID).
		Update("last_heartbeat", time.Now().Add(-1*time.Hour)).Error)

	n, err := mgr.SweepExpiredHeartbeats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
