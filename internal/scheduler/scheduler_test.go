package scheduler_test

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
	"github.com/orchestratord/core/internal/queue"
	"github.com/orchestratord/core/internal/scheduler"
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

func TestCreateComputesNextRun(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	qm := queue.New(conn, queue.DefaultConfig(), false, zap.NewNop(), nil)
	sched, err := scheduler.New(conn, qm, scheduler.DefaultConfig(), false, zap.NewNop(), nil)
	require.NoError(t, err)

	s := &db.Schedule{WorkflowID: uuid.New(), CronExpression: "* * * * *"}
	require.NoError(t, sched.Create(context.Background(), s))
	require.False(t, s.NextRun.IsZero())
	require.True(t, s.Enabled)
}

func TestRunNowEnqueuesWithoutDisturbingCadence(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	qm := queue.New(conn, queue.DefaultConfig(), false, zap.NewNop(), nil)
	sched, err := scheduler.New(conn, qm, scheduler.DefaultConfig(), false, zap.NewNop(), nil)
	require.NoError(t, err)

	s := &db.Schedule{WorkflowID: uuid.New(), CronExpression: "0 0 * * *"}
	require.NoError(t, sched.Create(context.Background(), s))
	originalNextRun := s.NextRun

	jobID, err := sched.RunNow(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, jobID)

	var reloaded db.Schedule
	require.NoError(t, conn.First(&reloaded, "id = ?", s.ID).Error)
	require.Equal(t, originalNextRun.Unix(), reloaded.NextRun.Unix())
	require.Equal(t, 0, reloaded.RunCount)
}

func TestSetEnabledFalseStopsAdvancing(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	qm := queue.New(conn, queue.DefaultConfig(), false, zap.NewNop(), nil)
	sched, err := scheduler.New(conn, qm, scheduler.DefaultConfig(), false, zap.NewNop(), nil)
	require.NoError(t, err)

	s := &db.Schedule{WorkflowID: uuid.New(), CronExpression: "* * * * *"}
	require.NoError(t, sched.Create(context.Background(), s))
	require.NoError(t, sched.SetEnabled(context.Background(), s.ID, false))

	var reloaded db.Schedule
	require.NoError(t, conn.First(&reloaded, "id = ?", s.ID).Error)
	require.False(t, reloaded.Enabled)
}
