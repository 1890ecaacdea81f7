package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SessionState is the per-session state machine from §4.3:
// CONNECTING -> AUTHENTICATING -> ACTIVE -> (DRAINING -> CLOSED | CLOSED).
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateActive
	StateDraining
	StateClosed
)

const (
	// writeWait bounds a single frame write, mirroring the reference
	// daemon's websocket client idiom.
	writeWait = 10 * time.Second

	// pongWait/pingPeriod implement link keepalive distinct from the
	// application-level job HEARTBEAT (§4.3's PING/PONG).
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 8) / 10

	// maxMessageSize bounds a single websocket frame read.
	maxMessageSize = maxFrameSize + 1024

	// sendBufferSize is the per-session bounded send queue (§4.3 backpressure).
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // the Gateway's bearer API key is the trust boundary, not Origin
}

// outbound is a queued frame plus a priority flag: essential frames
// (ASSIGN, CANCEL, WELCOME) are never dropped; non-essential frames
// (PROGRESS) are dropped first when the queue is full.
type outbound struct {
	envelope  Envelope
	essential bool
}

// Session is one robot's live bidirectional connection. It owns the single
// writer goroutine required by gorilla/websocket (concurrent writes are not
// safe) and a reader goroutine, mirroring the reference daemon's
// client.go readPump/writePump split.
type Session struct {
	RobotID uuid.UUID
	Codec   Codec

	conn   *websocket.Conn
	send   chan outbound
	log    *zap.Logger
	onRecv func(Envelope)

	mu    sync.RWMutex
	state SessionState

	closeOnce sync.Once
	closed    chan struct{}
}

// Accept upgrades an HTTP connection to a websocket Session. The caller is
// expected to have already authenticated the robot and resolved robotID; the
// Gateway does so from the robot's bearer API key. No client certificate is
// checked.
func Accept(w http.ResponseWriter, r *http.Request, robotID uuid.UUID, codec Codec, log *zap.Logger, onRecv func(Envelope)) (*Session, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: upgrade: %w", err)
	}
	s := &Session{
		RobotID: robotID,
		Codec:   codec,
		conn:    conn,
		send:    make(chan outbound, sendBufferSize),
		log:     log.Named("transport.session").With(zap.String("robot_id", robotID.String())),
		onRecv:  onRecv,
		state:   StateAuthenticating,
		closed:  make(chan struct{}),
	}
	return s, nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState transitions the session's lifecycle state. Only ACTIVE sessions
// may carry ASSIGN/PROGRESS/RESULT (§4.3); callers check State() before
// sending those types.
func (s *Session) SetState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run starts the read and write pumps and blocks until the connection
// closes. Call in its own goroutine per session, as the reference daemon's
// Client.Run does.
func (s *Session) Run(ctx context.Context) {
	go s.writePump(ctx)
	s.readPump()
}

// Send queues an envelope for delivery. essential frames (WELCOME, ASSIGN,
// CANCEL) are never dropped; if the queue is full, the oldest non-essential
// queued frame is evicted to make room, per §4.3's backpressure policy.
// Sending a non-essential frame onto a full queue drops that new frame
// instead — repeated PROGRESS updates are expendable, not essential ones.
func (s *Session) Send(e Envelope, essential bool) {
	item := outbound{envelope: e, essential: essential}
	select {
	case s.send <- item:
		return
	default:
	}

	if !essential {
		s.log.Debug("dropping non-essential frame under backpressure", zap.String("type", fmt.Sprint(e.Type)))
		return
	}

	// Essential frame and the queue is full: evict the single oldest queued
	// entry to make room, since WELCOME/ASSIGN/CANCEL must never be lost.
	select {
	case <-s.send:
	default:
	}
	select {
	case s.send <- item:
	default:
		s.log.Warn("essential frame dropped, send queue saturated", zap.String("type", fmt.Sprint(e.Type)))
	}
}

// Close tears the session down and transitions to CLOSED. Safe to call
// multiple times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.SetState(StateClosed)
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *Session) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.log.Warn("transport: failed to set read deadline", zap.Error(err))
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.log.Warn("transport: unexpected close", zap.Error(err))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue // the wire protocol only uses binary frames
		}

		env, err := DecodeFrame(data, s.Codec)
		if err != nil {
			s.log.Warn("transport: dropping malformed frame", zap.Error(err))
			continue
		}
		if s.onRecv != nil {
			s.onRecv(env)
		}
	}
}

func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case item, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.log.Warn("transport: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			frame, err := EncodeFrame(item.envelope, s.Codec)
			if err != nil {
				s.log.Warn("transport: failed to encode frame", zap.Error(err))
				continue
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.log.Warn("transport: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.log.Warn("transport: failed to set write deadline", zap.Error(err))
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.Warn("transport: ping error", zap.Error(err))
				return
			}

		case <-ctx.Done():
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-s.closed:
			return
		}
	}
}
