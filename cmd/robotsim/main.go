// Package main is a minimal fake-robot CLI: it authenticates to
// orchestratord's transport with an API key, speaks the wire protocol
// (§4.3/§6), and simulates executing whatever job it is ASSIGNed. It exists
// to exercise internal/transport and internal/dispatcher end to end without
// a real robot runtime, which is out of this core's scope (§1).
//
// Connection lifecycle mirrors the teacher agent's connection.Manager: dial
// → authenticate → run heartbeat + receive loops concurrently → on any
// error, reconnect with exponential backoff and jitter.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/orchestratord/core/internal/transport"
)

const (
	backoffInitial  = 1 * time.Second
	backoffMax      = 30 * time.Second
	backoffFactor   = 2.0
	jitterFraction  = 0.2
	heartbeatPeriod = 15 * time.Second
)

type config struct {
	serverAddr   string
	apiKey       string
	codec        string
	logLevel     string
	capabilities string
	execDelay    time.Duration
}

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "robotsim",
		Short: "robotsim — fake robot client for exercising the orchestrator transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.PersistentFlags().StringVar(&cfg.serverAddr, "server", envOrDefault("ROBOTSIM_SERVER", "ws://localhost:8081/ws"), "orchestratord transport websocket URL")
	root.PersistentFlags().StringVar(&cfg.apiKey, "api-key", envOrDefault("ROBOTSIM_API_KEY", ""), "robot API key (prefix.secret), issued via register_robot")
	root.PersistentFlags().StringVar(&cfg.codec, "codec", envOrDefault("ROBOTSIM_CODEC", "json"), "wire codec: json or msgpack")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ROBOTSIM_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.capabilities, "capabilities", "", "comma-separated capability tags this simulated robot reports (informational only — registration already fixed them server-side)")
	root.PersistentFlags().DurationVar(&cfg.execDelay, "exec-delay", 2*time.Second, "simulated time to \"execute\" each assigned job")

	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("robotsim %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.apiKey == "" {
		return fmt.Errorf("--api-key is required")
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting robotsim", zap.String("server", cfg.serverAddr), zap.String("codec", cfg.codec))

	r := newRobot(cfg, logger)
	r.runLoop(ctx)

	logger.Info("robotsim stopped")
	return nil
}

// robot holds one simulated robot's connection state across reconnects.
type robot struct {
	cfg    *config
	log    *zap.Logger
	codec  transport.Codec
	dialer *websocket.Dialer
}

func newRobot(cfg *config, log *zap.Logger) *robot {
	codec := transport.CodecJSON
	if strings.EqualFold(cfg.codec, "msgpack") {
		codec = transport.CodecMsgPack
	}
	return &robot{cfg: cfg, log: log, codec: codec, dialer: websocket.DefaultDialer}
}

// runLoop reconnects with exponential backoff + jitter until ctx is
// cancelled, mirroring the teacher agent's connection.Manager.Run.
func (r *robot) runLoop(ctx context.Context) {
	backoff := backoffInitial
	for {
		if ctx.Err() != nil {
			return
		}

		if err := r.connectAndServe(ctx); err != nil {
			r.log.Warn("connection ended, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffInitial
	}
}

func (r *robot) connectAndServe(ctx context.Context) error {
	u, err := url.Parse(r.cfg.serverAddr)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+r.cfg.apiKey)
	if r.codec == transport.CodecMsgPack {
		header.Set("X-Codec", "msgpack")
	}

	conn, resp, err := r.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (http status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	r.log.Info("connected to orchestratord")

	errCh := make(chan error, 2)
	go func() { errCh <- r.heartbeatLoop(ctx, conn) }()
	go func() { errCh <- r.receiveLoop(ctx, conn) }()

	err = <-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *robot) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.send(conn, transport.TypeHeartbeat, uuid.Nil, nil); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func (r *robot) receiveLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		env, err := transport.DecodeFrame(data, r.codec)
		if err != nil {
			r.log.Warn("malformed frame, dropping", zap.Error(err))
			continue
		}

		switch env.Type {
		case transport.TypeAssign:
			go r.executeAssignment(ctx, conn, env)
		case transport.TypeCancel:
			r.log.Info("received cancel", zap.String("msg_id", env.MsgID.String()))
		case transport.TypePing:
			_ = r.send(conn, transport.TypePong, uuid.Nil, nil)
		default:
			r.log.Debug("unhandled envelope", zap.Uint16("type", uint16(env.Type)))
		}
	}
}

type assignPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

type acceptPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

type progressPayload struct {
	JobID       uuid.UUID `json:"job_id"`
	Progress    int       `json:"progress"`
	CurrentNode string    `json:"current_node"`
}

type resultPayload struct {
	JobID     uuid.UUID `json:"job_id"`
	Success   bool      `json:"success"`
	Retryable bool      `json:"retryable"`
}

// executeAssignment accepts the job, emits a couple of progress ticks over
// exec-delay, and reports success. Always accepts and always succeeds — this
// is a simulator for transport/dispatcher behavior, not a fault-injection
// harness.
func (r *robot) executeAssignment(ctx context.Context, conn *websocket.Conn, env transport.Envelope) {
	var assign assignPayload
	if err := r.decodePayload(env.Payload, &assign); err != nil {
		r.log.Error("malformed ASSIGN payload", zap.Error(err))
		return
	}
	r.log.Info("job assigned", zap.String("job_id", assign.JobID.String()))

	if err := r.send(conn, transport.TypeAccept, uuid.Nil, acceptPayload{JobID: assign.JobID}); err != nil {
		r.log.Error("failed to send accept", zap.Error(err))
		return
	}

	steps := 4
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.execDelay / time.Duration(steps)):
		}
		progress := i * 100 / steps
		if err := r.send(conn, transport.TypeProgress, uuid.Nil, progressPayload{
			JobID: assign.JobID, Progress: progress, CurrentNode: fmt.Sprintf("step-%d", i),
		}); err != nil {
			r.log.Warn("failed to send progress", zap.Error(err))
		}
	}

	if err := r.send(conn, transport.TypeResult, uuid.Nil, resultPayload{JobID: assign.JobID, Success: true}); err != nil {
		r.log.Error("failed to send result", zap.Error(err))
	}
}

// decodePayload unmarshals an inbound envelope's payload using whichever
// codec this robot negotiated at dial time, mirroring the gateway's
// decodePayload on the server side.
func (r *robot) decodePayload(data []byte, v any) error {
	if r.codec == transport.CodecMsgPack {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func (r *robot) send(conn *websocket.Conn, msgType transport.MessageType, corrID uuid.UUID, payload any) error {
	var body []byte
	var err error
	if payload != nil {
		if r.codec == transport.CodecMsgPack {
			body, err = msgpack.Marshal(payload)
		} else {
			body, err = json.Marshal(payload)
		}
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	env := transport.Envelope{
		MsgID:   uuid.New(),
		CorrID:  corrID,
		Type:    msgType,
		TS:      uint64(time.Now().UnixMilli()),
		Payload: body,
	}
	frame, err := transport.EncodeFrame(env, r.codec)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
