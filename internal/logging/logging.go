// Package logging builds the process-wide zap logger and a GORM logger
// adapter, following the reference daemon's pattern: a single *zap.Logger is
// constructed once at startup and threaded into every component by
// constructor injection, never pulled from a global.
package logging

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// Build constructs a *zap.Logger for the given level string
// (debug/info/warn/error), production-formatted (JSON) unless level is
// "debug", in which case a more readable development config is used.
func Build(level string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// GormLogLevel maps the application log level to a GORM logger verbosity,
// matching the reference daemon's main.go mapping.
func GormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

// slowQueryThreshold is the query duration above which GORM logs a warning
// at any configured level except Silent, mirroring the reference daemon's
// zapGORMLogger.
const slowQueryThreshold = 200 * time.Millisecond

// GormLogger adapts a *zap.Logger to gorm's logger.Interface, so every SQL
// statement GORM emits is routed through the same structured logger as the
// rest of the process instead of GORM's own stdlib-backed default.
type GormLogger struct {
	zap   *zap.Logger
	level gormlogger.LogLevel
}

// NewGormLogger returns a GormLogger writing through base at the given level.
func NewGormLogger(base *zap.Logger, level gormlogger.LogLevel) *GormLogger {
	return &GormLogger{zap: base.Named("gorm"), level: level}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *GormLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.zap.Sugar().Infof(msg, args...)
	}
}

func (l *GormLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.zap.Sugar().Warnf(msg, args...)
	}
}

func (l *GormLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.zap.Sugar().Errorf(msg, args...)
	}
}

// Trace logs the outcome of a single GORM-executed SQL statement. Record-not-
// found is never logged as an error — it is a normal outcome callers check
// for explicitly. Slow queries are surfaced at Warn at every configured level
// except Silent, so operators see them even in production (Error-only)
// configurations; at Silent nothing is logged.
func (l *GormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil && l.level >= gormlogger.Error && !isRecordNotFound(err):
		l.zap.Error("gorm query error",
			zap.Error(err),
			zap.Duration("elapsed", elapsed),
			zap.Int64("rows", rows),
			zap.String("sql", sql),
		)
	case elapsed > slowQueryThreshold:
		l.zap.Warn("slow gorm query",
			zap.Duration("elapsed", elapsed),
			zap.Int64("rows", rows),
			zap.String("sql", sql),
		)
	case l.level >= gormlogger.Info:
		l.zap.Debug("gorm query",
			zap.Duration("elapsed", elapsed),
			zap.Int64("rows", rows),
			zap.String("sql", sql),
		)
	}
}

func isRecordNotFound(err error) bool {
	return err.Error() == "record not found"
}
