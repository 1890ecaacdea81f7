package queue_test

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

func TestEnqueueClaimCompleteLifecycle(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	mgr := queue.New(conn, queue.DefaultConfig(), false, zap.NewNop(), nil)
	ctx := context.Background()

	workflowID := uuid.New()
	robotID := uuid.New()

	jobID, err := mgr.Enqueue(ctx, &db.Job{WorkflowID: workflowID, MaxRetries: 3})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, jobID)

	claimed, err := mgr.Claim(ctx, robotID, queue.ClaimFilter{})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, jobID, claimed.ID)
	require.Equal(t, db.JobStatusClaimed, claimed.Status)

	// P1: a second claim attempt sees no eligible job left.
	second, err := mgr.Claim(ctx, uuid.New(), queue.ClaimFilter{})
	require.NoError(t, err)
	require.Nil(t, second)

	require.NoError(t, mgr.MarkRunning(ctx, jobID, robotID))
	require.NoError(t, mgr.UpdateProgress(ctx, jobID, robotID, 50, "node-1"))
	require.NoError(t, mgr.Heartbeat(ctx, jobID, robotID))
	require.NoError(t, mgr.Complete(ctx, jobID, robotID, []byte(`{"ok":true}`)))

	// P11: redelivered RESULT is a safe no-op, not an error.
	require.NoError(t, mgr.Complete(ctx, jobID, robotID, []byte(`{"ok":true}`)))
}

func TestEnqueueIsIdempotentOnKey(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	mgr := queue.New(conn, queue.DefaultConfig(), false, zap.NewNop(), nil)
	ctx := context.Background()

	workflowID := uuid.New()
	first, err := mgr.Enqueue(ctx, &db.Job{WorkflowID: workflowID, IdempotencyKey: "dup-key", MaxRetries: 3})
	require.NoError(t, err)

	second, err := mgr.Enqueue(ctx, &db.Job{WorkflowID: workflowID, IdempotencyKey: "dup-key", MaxRetries: 3})
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestHeartbeatFailsAfterLeaseLost(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	mgr := queue.New(conn, queue.DefaultConfig(), false, zap.NewNop(), nil)
	ctx := context.Background()

	jobID, err := mgr.Enqueue(ctx, &db.Job{WorkflowID: uuid.New(), MaxRetries: 0})
	require.NoError(t, err)
	robotID := uuid.New()
	_, err = mgr.Claim(ctx, robotID, queue.ClaimFilter{})
	require.NoError(t, err)

	// Simulate a stale-lock sweep reclaiming the job out from under robotID by
	// forcing a zero-duration timeout.
	n, err := mgr.ReleaseStaleLocks(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	err = mgr.Heartbeat(ctx, jobID, robotID)
	require.Error(t, err)
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	mgr := queue.New(conn, queue.DefaultConfig(), false, zap.NewNop(), nil)
	ctx := context.Background()

	jobID, err := mgr.Enqueue(ctx, &db.Job{WorkflowID: uuid.New(), MaxRetries: 1})
	require.NoError(t, err)

	robotID := uuid.New()
	claimed, err := mgr.Claim(ctx, robotID, queue.ClaimFilter{})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// First failure: retryable, under budget -> back to pending.
	require.NoError(t, mgr.Fail(ctx, jobID, robotID, "boom", "E_TRANSIENT", true))

	claimed2, err := mgr.Claim(ctx, robotID, queue.ClaimFilter{})
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	require.Equal(t, 1, claimed2.RetryCount)

	// Second failure exhausts the retry budget (max_retries=1) -> terminal + DLQ.
	require.NoError(t, mgr.Fail(ctx, jobID, robotID, "boom again", "E_TRANSIENT", true))

	third, err := mgr.Claim(ctx, uuid.New(), queue.ClaimFilter{})
	require.NoError(t, err)
	require.Nil(t, third)
}

func TestRequestCancelPendingJobIsImmediate(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	mgr := queue.New(conn, queue.DefaultConfig(), false, zap.NewNop(), nil)
	ctx := context.Background()

	jobID, err := mgr.Enqueue(ctx, &db.Job{WorkflowID: uuid.New(), MaxRetries: 3})
	require.NoError(t, err)
	cancelled, err := mgr.RequestCancel(ctx, jobID, "operator requested")
	require.NoError(t, err)
	require.Equal(t, db.JobStatusCancelled, cancelled.Status)

	none, err := mgr.Claim(ctx, uuid.New(), queue.ClaimFilter{})
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestClaimFilterRestrictsWorkflow(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	mgr := queue.New(conn, queue.DefaultConfig(), false, zap.NewNop(), nil)
	ctx := context.Background()

	wantWorkflow := uuid.New()
	otherWorkflow := uuid.New()
	_, err := mgr.Enqueue(ctx, &db.Job{WorkflowID: otherWorkflow, MaxRetries: 3})
	require.NoError(t, err)
	wantedJobID, err := mgr.Enqueue(ctx, &db.Job{WorkflowID: wantWorkflow, MaxRetries: 3})
	require.NoError(t, err)

	claimed, err := mgr.Claim(ctx, uuid.New(), queue.ClaimFilter{WorkflowIDs: []uuid.UUID{wantWorkflow}})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, wantedJobID, claimed.ID)
}

func TestDLQRetryCreatesFreshJob(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	mgr := queue.New(conn, queue.DefaultConfig(), false, zap.NewNop(), nil)
	ctx := context.Background()

	jobID, err := mgr.Enqueue(ctx, &db.Job{WorkflowID: uuid.New(), MaxRetries: 0, Inputs: db.JSONMap{"x": 1.0}})
	require.NoError(t, err)
	robotID := uuid.New()
	_, err = mgr.Claim(ctx, robotID, queue.ClaimFilter{})
	require.NoError(t, err)
	require.NoError(t, mgr.Fail(ctx, jobID, robotID, "permanent", "E_FATAL", false))

	dlq := store.NewDLQRepository(conn)
	entries, total, err := dlq.List(ctx, store.ListOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, entries, 1)

	newJobID, err := mgr.DLQRetry(ctx, entries[0].ID)
	require.NoError(t, err)
	require.NotEqual(t, jobID, newJobID)
}
