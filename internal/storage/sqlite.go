package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenSQLite opens (creating if needed) the sqlite database at path. ":memory:" is
// accepted for tests.
func OpenSQLite(path string, log zerolog.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, errors.New("storage: empty sqlite path")
	}
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
			}
		}
		dsn = path + "?" + strings.Join([]string{"_pragma=journal_mode(WAL)", "_pragma=busy_timeout(5000)"}, "&")
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: NewGormLogger(log)})
	if err != nil {
		return nil, fmt.Errorf("failed to open db %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would get its own empty in-memory database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Close closes the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// gormLogger routes gorm logs to zerolog; SQL traces go to debug, slow queries to warn.
type gormLogger struct {
	log  zerolog.Logger
	slow time.Duration
}

// NewGormLogger returns a gorm logger writing to log.
func NewGormLogger(log zerolog.Logger) gormlogger.Interface {
	return &gormLogger{log: log.With().Str("component", "gorm").Logger(), slow: 300 * time.Millisecond}
}

func (l *gormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface { return l }

func (l *gormLogger) Info(_ context.Context, msg string, data ...any) {
	l.log.Info().Msgf(msg, data...)
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...any) {
	l.log.Warn().Msgf(msg, data...)
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...any) {
	l.log.Error().Msgf(msg, data...)
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.log.Error().Err(err).Dur("dur", elapsed).Int64("rows", rows).Str("sql", sql).Msg("query failed")
	case l.slow > 0 && elapsed > l.slow:
		sql, rows := fc()
		l.log.Warn().Dur("dur", elapsed).Int64("rows", rows).Str("sql", sql).Msg("slow query")
	case l.log.GetLevel() <= zerolog.TraceLevel:
		sql, rows := fc()
		l.log.Trace().Dur("dur", elapsed).Int64("rows", rows).Str("sql", sql).Msg("query")
	}
}
