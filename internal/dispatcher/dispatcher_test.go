package dispatcher_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gwebsocket "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/orchestratord/core/internal/db"
	"github.com/orchestratord/core/internal/dispatcher"
	"github.com/orchestratord/core/internal/queue"
	"github.com/orchestratord/core/internal/registry"
	"github.com/orchestratord/core/internal/transport"
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

// connectedRobot registers a robot, dials a real websocket connection to a
// test server carrying transport.Accept, and leaves the session ACTIVE in
// hub — the only realistic way to exercise Hub.IsActive/SendAssign without
// fabricating a fake Session.
type connectedRobot struct {
	robotID uuid.UUID
	conn    *gwebsocket.Conn
	server  *httptest.Server
}

func (c *connectedRobot) Close() {
	_ = c.conn.Close()
	c.server.Close()
}

func connectRobot(t *testing.T, hub *transport.Hub, robotID uuid.UUID, onRecv func(transport.Envelope)) *connectedRobot {
	t.Helper()
	var sess *transport.Session
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s, err := transport.Accept(w, r, robotID, transport.CodecJSON, zap.NewNop(), onRecv)
		require.NoError(t, err)
		s.SetState(transport.StateActive)
		hub.Register(s)
		sess = s
		go s.Run(context.Background())
	})
	server := httptest.NewServer(mux)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := gwebsocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sess != nil && hub.IsActive(robotID) }, time.Second, 5*time.Millisecond)
	return &connectedRobot{robotID: robotID, conn: conn, server: server}
}

func TestTickAssignsJobAndWaitsForAccept(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	qm := queue.New(conn, queue.DefaultConfig(), false, zap.NewNop(), nil)
	reg := registry.New(conn, registry.DefaultConfig(), zap.NewNop())
	hub := transport.NewHub()
	go hub.Run(context.Background())

	robot, err := reg.Register(context.Background(), uuid.Nil, "r1", "host1", []string{}, nil, 2, "1.0")
	require.NoError(t, err)

	d := dispatcher.New(qm, reg, hub, dispatcher.DefaultConfig(), zap.NewNop(), nil)

	var assignMsgID uuid.UUID
	received := make(chan struct{}, 1)
	rc := connectRobot(t, hub, robot.ID, func(env transport.Envelope) {
		if env.Type == transport.TypeAssign {
			assignMsgID = env.MsgID
			received <- struct{}{}
		}
	})
	defer rc.Close()

	workflowID := uuid.New()
	jobID, err := qm.Enqueue(context.Background(), &db.Job{WorkflowID: workflowID, MaxRetries: 3})
	require.NoError(t, err)

	require.NoError(t, d.Tick(context.Background()))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("robot never received an ASSIGN frame")
	}
	require.NotEqual(t, uuid.Nil, assignMsgID)

	d.OnAccept(jobID)

	require.Eventually(t, func() bool {
		var job db.Job
		if err := conn.First(&job, "id = ?", jobID).Error; err != nil {
			return false
		}
		return job.Status == db.JobStatusClaimed && job.ClaimedBy != nil && *job.ClaimedBy == robot.ID
	}, time.Second, 10*time.Millisecond)
}

func TestTickReturnsJobToPendingOnReject(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	qm := queue.New(conn, queue.DefaultConfig(), false, zap.NewNop(), nil)
	reg := registry.New(conn, registry.DefaultConfig(), zap.NewNop())
	hub := transport.NewHub()
	go hub.Run(context.Background())

	robot, err := reg.Register(context.Background(), uuid.Nil, "r1", "host1", []string{}, nil, 2, "1.0")
	require.NoError(t, err)

	cfg := dispatcher.DefaultConfig()
	d := dispatcher.New(qm, reg, hub, cfg, zap.NewNop(), nil)

	received := make(chan struct{}, 1)
	rc := connectRobot(t, hub, robot.ID, func(env transport.Envelope) {
		if env.Type == transport.TypeAssign {
			received <- struct{}{}
		}
	})
	defer rc.Close()

	workflowID := uuid.New()
	jobID, err := qm.Enqueue(context.Background(), &db.Job{WorkflowID: workflowID, MaxRetries: 3})
	require.NoError(t, err)

	require.NoError(t, d.Tick(context.Background()))
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("robot never received an ASSIGN frame")
	}

	d.OnReject(jobID)

	require.Eventually(t, func() bool {
		var job db.Job
		if err := conn.First(&job, "id = ?", jobID).Error; err != nil {
			return false
		}
		return job.Status == db.JobStatusPending && job.ClaimedBy == nil
	}, time.Second, 10*time.Millisecond)
}

func TestTickSkipsRobotWithoutActiveSession(t *testing.T) {
	t.Parallel()
	conn := newTestDB(t)
	qm := queue.New(conn, queue.DefaultConfig(), false, zap.NewNop(), nil)
	reg := registry.New(conn, registry.DefaultConfig(), zap.NewNop())
	hub := transport.NewHub()
	go hub.Run(context.Background())

	_, err := reg.Register(context.Background(), uuid.Nil, "r1", "host1", []string{}, nil, 2, "1.0")
	require.NoError(t, err)

	d := dispatcher.New(qm, reg, hub, dispatcher.DefaultConfig(), zap.NewNop(), nil)

	workflowID := uuid.New()
	jobID, err := qm.Enqueue(context.Background(), &db.Job{WorkflowID: workflowID, MaxRetries: 3})
	require.NoError(t, err)

	require.NoError(t, d.Tick(context.Background()))

	var job db.Job
	require.NoError(t, conn.First(&job, "id = ?", jobID).Error)
	require.Equal(t, db.JobStatusPending, job.Status)
}
