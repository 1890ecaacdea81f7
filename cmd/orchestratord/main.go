package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orchestratord/core/internal/admin"
	"github.com/orchestratord/core/internal/auth"
	"github.com/orchestratord/core/internal/config"
	"github.com/orchestratord/core/internal/db"
	"github.com/orchestratord/core/internal/dispatcher"
	"github.com/orchestratord/core/internal/logging"
	"github.com/orchestratord/core/internal/metrics"
	"github.com/orchestratord/core/internal/queue"
	"github.com/orchestratord/core/internal/registry"
	"github.com/orchestratord/core/internal/scheduler"
	"github.com/orchestratord/core/internal/store"
	"github.com/orchestratord/core/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:   "orchestratord",
		Short: "orchestratord — robot orchestration core",
		Long: `orchestratord is the central component of the robot orchestration
platform. It exposes a REST control-plane API for operators, a websocket
transport for connected robots, and manages the job queue, robot registry,
scheduler and dispatcher.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	config.BindFlags(root, cfg)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orchestratord %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.Build(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.SecretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or ORCHESTRATOR_SECRET_KEY")
	}

	logger.Info("starting orchestratord",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("transport_addr", cfg.TransportAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must run before opening the database so EncryptedString
	// fields (vault_ref material) can encrypt/decrypt transparently.
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.SecretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		Logger:   logger,
		LogLevel: logging.GormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()
	isPostgres := cfg.DBDriver == "postgres"

	// --- 3. Repositories ---
	jobRepo := store.NewJobRepository(gormDB)
	robotRepo := store.NewRobotRepository(gormDB)
	scheduleRepo := store.NewScheduleRepository(gormDB)
	dlqRepo := store.NewDLQRepository(gormDB)
	apiKeyRepo := store.NewAPIKeyRepository(gormDB)

	// --- 4. Auth ---
	// In production, persistent PEM files under DataDir are used so tokens
	// survive restarts; in development, ephemeral in-memory keys are generated.
	jwtManager, err := buildJWTManager(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}
	apiKeyMgr := auth.NewAPIKeyManager(apiKeyRepo)
	authService := auth.NewService(jwtManager, apiKeyMgr)

	// --- 5. Registry ---
	reg := registry.New(gormDB, registry.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		LeaseMissFactor:   cfg.LeaseMissFactor,
	}, logger)

	// --- 6. Metrics ---
	metricsReg := metrics.New()

	// --- 7. Queue ---
	q := queue.New(gormDB, queue.Config{
		MaxRetryAttempts:  cfg.MaxRetryAttempts,
		RetryInitialDelay: cfg.RetryInitialDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		RetryJitter:       cfg.RetryJitter,
		CancelGracePeriod: cfg.CancelGracePeriod,
	}, isPostgres, logger, metricsReg)

	// --- 8. Scheduler ---
	sched, err := scheduler.New(gormDB, q, scheduler.Config{
		TickInterval: cfg.SchedulerTickInterval,
	}, isPostgres, logger, metricsReg)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 9. Transport hub + Dispatcher + Gateway ---
	hub := transport.NewHub()
	go hub.Run(ctx)

	disp := dispatcher.New(q, reg, hub, dispatcher.Config{
		AssignAckTimeout:   cfg.AssignAckTimeout,
		MaxJobsPerTick:     100,
		BreakerMaxRequests: 1,
		BreakerInterval:    0,
		BreakerTimeout:     30 * time.Second,
	}, logger, metricsReg)

	gateway := transport.NewGateway(hub, q, reg, disp, apiKeyMgr, logger)

	// --- 10. Background sweepers ---
	go runSweepers(ctx, cfg, q, reg, dlqRepo, hub, metricsReg, logger)

	// --- 11. Admin HTTP server ---
	router := admin.NewRouter(admin.RouterConfig{
		AuthService: authService,
		APIKeys:     apiKeyMgr,
		Queue:       q,
		Registry:    reg,
		Scheduler:   sched,
		Hub:         hub,
		Logger:      logger,
		Jobs:        jobRepo,
		Robots:      robotRepo,
		Schedules:   scheduleRepo,
		DLQ:         dlqRepo,
		APIKeyLog:   apiKeyRepo,
	})

	adminMux := http.NewServeMux()
	adminMux.Handle("/api/v1/", router)
	adminMux.Handle("/metrics", metricsReg.Handler())

	adminSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      adminMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("admin http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- 12. Robot transport server ---
	transportMux := http.NewServeMux()
	transportMux.HandleFunc("/ws", gateway.ServeWS)

	transportSrv := &http.Server{
		Addr:         cfg.TransportAddr,
		Handler:      transportMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	go func() {
		logger.Info("transport server listening", zap.String("addr", cfg.TransportAddr))
		if err := transportSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("transport server error", zap.Error(err))
			cancel()
		}
	}()

	// --- 13. Periodic dispatcher ticks ---
	go func() {
		ticker := time.NewTicker(cfg.DispatchTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := disp.Tick(ctx); err != nil {
					logger.Warn("dispatcher tick error", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down orchestratord")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainDeadline)
	defer shutdownCancel()

	// Shutdown order (§9): stop accepting new robot sessions, drain the
	// dispatcher (it stops placing new work once the hub is draining, see
	// Dispatcher.Tick), shut the admin server down, then stop the scheduler
	// and close the DB (those last two via the deferred sched.Stop/sqlDB.Close
	// above).
	if err := transportSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("transport server graceful shutdown error", zap.Error(err))
	}
	hub.BeginDrain()
	<-time.After(minDuration(cfg.DrainDeadline, 2*time.Second))

	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("orchestratord stopped")
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// runSweepers runs the queue/registry background maintenance loops: stale
// lease recovery, job timeout enforcement, expired-heartbeat robot sweep,
// cooperative-cancel grace reclaim, DLQ retention purge, and robot log
// retention purge (§4.1/§4.2/§6/P12). It also refreshes the active_sessions
// and dlq_size gauges (§9), since both reflect state no single mutation
// owns exclusively.
func runSweepers(ctx context.Context, cfg *config.Config, q *queue.Manager, reg *registry.Manager, dlqRepo store.DLQRepository, hub *transport.Hub, m *metrics.Registry, log *zap.Logger) {
	ticker := time.NewTicker(cfg.StaleLockSweepInterval)
	defer ticker.Stop()

	dlqTicker := time.NewTicker(24 * time.Hour)
	defer dlqTicker.Stop()

	leaseTimeout := time.Duration(cfg.LeaseMissFactor) * cfg.HeartbeatInterval

	for {
		select {
		case <-ticker.C:
			if n, err := q.ReleaseStaleLocks(ctx, leaseTimeout); err != nil {
				log.Warn("stale lock sweep failed", zap.Error(err))
			} else if n > 0 {
				log.Info("released stale job locks", zap.Int("count", n))
			}
			if n, err := q.ApplyJobTimeouts(ctx); err != nil {
				log.Warn("job timeout sweep failed", zap.Error(err))
			} else if n > 0 {
				log.Info("applied job timeouts", zap.Int("count", n))
			}
			if n, err := reg.SweepExpiredHeartbeats(ctx); err != nil {
				log.Warn("robot heartbeat sweep failed", zap.Error(err))
			} else if n > 0 {
				log.Info("marked robots offline", zap.Int("count", n))
			}
			if n, err := q.ApplyCancelGrace(ctx, cfg.CancelGracePeriod); err != nil {
				log.Warn("cancel grace sweep failed", zap.Error(err))
			} else if n > 0 {
				log.Info("reclaimed jobs past cancel grace period", zap.Int("count", n))
			}
			if m != nil {
				m.ActiveSessions.Set(float64(hub.ConnectedCount()))
			}

		case <-dlqTicker.C:
			if n, err := dlqRepo.PurgeOlderThan(ctx, cfg.DLQMaxAgeDays); err != nil {
				log.Warn("dlq purge failed", zap.Error(err))
			} else if n > 0 {
				log.Info("purged aged dlq entries", zap.Int64("count", n))
			}
			if n, err := q.PurgeOldLogs(ctx, cfg.LogRetentionDays); err != nil {
				log.Warn("robot log purge failed", zap.Error(err))
			} else if n > 0 {
				log.Info("purged aged robot logs", zap.Int64("count", n))
			}
			if m != nil {
				if n, err := dlqRepo.Count(ctx); err == nil {
					m.DLQSize.Set(float64(n))
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// buildJWTManager loads RSA keys from the data directory if available,
// or generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "orchestratord")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (operator sessions will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("orchestratord")
}
