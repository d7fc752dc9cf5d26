// Package database provides the top-level DB abstraction that the rest of
// the module codes against, plus GORM logging glue shared by every SQL
// adapter.
package database

import (
	"context"
	"time"

	"github.com/weelo/dispatch-core/pkg/logger"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Driver identifies a concrete database backend.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// DB is the manager-level interface wiring code depends on. Most callers
// only ever need Get/GetShard/Close; GetDocument/GetKV/GetVector exist for
// parity with adapters that front non-relational stores.
type DB interface {
	Get(ctx context.Context) *gorm.DB
	GetShard(ctx context.Context, key string) (*gorm.DB, error)
	GetDocument(ctx context.Context) interface{}
	GetKV(ctx context.Context) interface{}
	GetVector(ctx context.Context) interface{}
	Close() error
}

// NewGORMLogger builds a GORM logger that routes through the module's
// slog logger instead of GORM's default stdlib writer.
func NewGORMLogger() gormlogger.Interface {
	return &gormSlogLogger{level: gormlogger.Warn}
}

type gormSlogLogger struct {
	level gormlogger.LogLevel
}

func (l *gormSlogLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormSlogLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		logger.L().InfoContext(ctx, msg, "args", args)
	}
}

func (l *gormSlogLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		logger.L().WarnContext(ctx, msg, "args", args)
	}
}

func (l *gormSlogLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		logger.L().ErrorContext(ctx, msg, "args", args)
	}
}

func (l *gormSlogLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	sql, rows := fc()
	elapsed := time.Since(begin)
	if err != nil && l.level >= gormlogger.Error {
		logger.L().ErrorContext(ctx, "gorm query failed", "sql", sql, "rows", rows, "elapsed", elapsed, "error", err)
		return
	}
	if l.level >= gormlogger.Info {
		logger.L().DebugContext(ctx, "gorm query", "sql", sql, "rows", rows, "elapsed", elapsed)
	}
}
