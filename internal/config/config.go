// Package config defines the typed, CLI-driven configuration surface for the
// orchestrator daemon. Every recognized option from the admin configuration
// surface is bound here to a flag and an environment-variable default; no
// component below cmd/orchestratord reads os.Getenv directly.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Config is the fully-resolved set of options the orchestrator daemon is
// started with. It is built once in cmd/orchestratord and passed down by
// value/pointer into every subsystem constructor — no subsystem reaches
// back into flags or the environment itself.
type Config struct {
	HTTPAddr      string
	TransportAddr string
	DBDriver      string
	DBDSN         string
	SecretKey     string
	LogLevel      string
	DataDir       string

	HeartbeatInterval      time.Duration
	LeaseMissFactor        int
	StaleLockSweepInterval time.Duration
	SchedulerTickInterval  time.Duration
	DispatchTickInterval   time.Duration
	MaxRetryAttempts       int
	RetryInitialDelay      time.Duration
	RetryMaxDelay          time.Duration
	RetryJitter            float64
	CancelGracePeriod      time.Duration
	AssignAckTimeout       time.Duration
	DrainDeadline          time.Duration
	LogRetentionDays       int
	DLQMaxAgeDays          int
}

// BindFlags registers every configuration option on root's persistent flags,
// defaulting each to its environment-variable override when present,
// mirroring the reference daemon's envOrDefault pattern.
func BindFlags(root *cobra.Command, cfg *Config) {
	f := root.PersistentFlags()

	f.StringVar(&cfg.HTTPAddr, "http-addr", envOrDefault("ORCHESTRATOR_HTTP_ADDR", ":8080"), "admin HTTP control surface listen address")
	f.StringVar(&cfg.TransportAddr, "transport-addr", envOrDefault("ORCHESTRATOR_TRANSPORT_ADDR", ":8443"), "robot transport listen address (plain HTTP/websocket; TLS is not terminated here)")
	f.StringVar(&cfg.DBDriver, "db-driver", envOrDefault("ORCHESTRATOR_DB_DRIVER", "sqlite"), "database driver (sqlite or postgres)")
	f.StringVar(&cfg.DBDSN, "db-dsn", envOrDefault("ORCHESTRATOR_DB_DSN", "./orchestrator.db"), "database DSN or file path for sqlite")
	f.StringVar(&cfg.SecretKey, "secret-key", envOrDefault("ORCHESTRATOR_SECRET_KEY", ""), "master secret key for encrypting credentials at rest (required)")
	f.StringVar(&cfg.LogLevel, "log-level", envOrDefault("ORCHESTRATOR_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	f.StringVar(&cfg.DataDir, "data-dir", envOrDefault("ORCHESTRATOR_DATA_DIR", "./data"), "directory for server data (JWT signing keys)")

	f.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", envDuration("ORCHESTRATOR_HEARTBEAT_INTERVAL", 30*time.Second), "expected robot heartbeat interval")
	f.IntVar(&cfg.LeaseMissFactor, "lease-miss-factor", envInt("ORCHESTRATOR_LEASE_MISS_FACTOR", 3), "missed heartbeats before a robot is marked offline")
	f.DurationVar(&cfg.StaleLockSweepInterval, "stale-lock-sweep-interval", envDuration("ORCHESTRATOR_STALE_LOCK_SWEEP_INTERVAL", 60*time.Second), "interval between stale-lock recovery sweeps")
	f.DurationVar(&cfg.SchedulerTickInterval, "scheduler-tick-interval", envDuration("ORCHESTRATOR_SCHEDULER_TICK_INTERVAL", 1*time.Second), "scheduler tick-loop interval")
	f.DurationVar(&cfg.DispatchTickInterval, "dispatch-tick-interval", envDuration("ORCHESTRATOR_DISPATCH_TICK_INTERVAL", 5*time.Second), "periodic dispatcher tick interval (in addition to event-driven ticks)")
	f.IntVar(&cfg.MaxRetryAttempts, "max-retry-attempts", envInt("ORCHESTRATOR_MAX_RETRY_ATTEMPTS", 3), "default max retry attempts per job")
	f.DurationVar(&cfg.RetryInitialDelay, "retry-initial-delay", envDuration("ORCHESTRATOR_RETRY_INITIAL_DELAY", 1*time.Second), "initial retry backoff delay")
	f.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", envDuration("ORCHESTRATOR_RETRY_MAX_DELAY", 5*time.Minute), "maximum retry backoff delay")
	f.Float64Var(&cfg.RetryJitter, "retry-jitter", envFloat("ORCHESTRATOR_RETRY_JITTER", 0.1), "retry backoff jitter fraction")
	f.DurationVar(&cfg.CancelGracePeriod, "cancel-grace-period", envDuration("ORCHESTRATOR_CANCEL_GRACE_PERIOD", 30*time.Second), "grace period for cooperative cancellation")
	f.DurationVar(&cfg.AssignAckTimeout, "assign-ack-timeout", envDuration("ORCHESTRATOR_ASSIGN_ACK_TIMEOUT", 10*time.Second), "timeout waiting for ACCEPT after ASSIGN")
	f.DurationVar(&cfg.DrainDeadline, "drain-deadline", envDuration("ORCHESTRATOR_DRAIN_DEADLINE", 60*time.Second), "deadline for in-flight jobs during session drain")
	f.IntVar(&cfg.LogRetentionDays, "log-retention-days", envInt("ORCHESTRATOR_LOG_RETENTION_DAYS", 30), "robot log retention in days")
	f.IntVar(&cfg.DLQMaxAgeDays, "dlq-max-age-days", envInt("ORCHESTRATOR_DLQ_MAX_AGE_DAYS", 90), "maximum age of DLQ entries before automatic purge")
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
			return f
		}
	}
	return defaultVal
}
