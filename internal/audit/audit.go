// Package audit records every completed execution twice: an append-only
// JSONL journal for tamper-evident review, and a SQLite table for queries.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite
// GORM driver.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/crucible/internal/engine"
)

// Entry is one recorded execution. The journal never stores program
// source or capability arguments, only the accounting shell.
type Entry struct {
	ID          uint      `gorm:"primarykey" json:"-"`
	ExecutionID string    `gorm:"index" json:"execution_id"`
	Backend     string    `json:"backend"`
	Kind        string    `gorm:"index" json:"kind"`
	Error       string    `json:"error,omitempty"`
	Limit       string    `json:"limit,omitempty"`
	Operations  int64     `json:"operations"`
	DurationMS  int64     `json:"duration_ms"`
	Dispatches  int       `json:"dispatches"`
	Findings    int       `json:"findings"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Entry) TableName() string { return "executions" }

// Config holds the journal paths. DatabasePath may be empty to disable
// the queryable store and keep JSONL only.
type Config struct {
	LogPath      string
	DatabasePath string
}

// Journal is the audit sink. Thread-safe: executions complete
// concurrently and all record through the same journal.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates the journal, its parent directories, and the SQLite schema.
// The JSONL file is opened append-only with owner-only permissions.
func Open(cfg Config, slogger *slog.Logger) (*Journal, error) {
	if cfg.LogPath == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	f, err := os.OpenFile(cfg.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", cfg.LogPath, err)
	}

	j := &Journal{file: f, logger: slogger}

	if cfg.DatabasePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0750); err != nil {
			f.Close()
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", cfg.DatabasePath)
		gormLogger := logger.New(
			slogAdapter{slogger},
			logger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		)
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger:  gormLogger,
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("opening audit database: %w", err)
		}
		if err := db.AutoMigrate(&Entry{}); err != nil {
			f.Close()
			return nil, fmt.Errorf("migrating audit schema: %w", err)
		}
		j.db = db
	}

	slogger.Info("audit journal opened",
		slog.String("log", cfg.LogPath),
		slog.Bool("database", j.db != nil),
	)
	return j, nil
}

// Record implements engine.Recorder. Failures to persist are logged, never
// propagated: an audit hiccup must not turn a completed execution into an
// error for the caller.
func (j *Journal) Record(ctx context.Context, backend string, out *engine.Outcome) {
	entry := Entry{
		ExecutionID: out.ExecutionID,
		Backend:     backend,
		Kind:        string(out.Kind),
		Error:       out.Error,
		Limit:       out.Limit,
		Operations:  out.Usage.Operations,
		DurationMS:  out.Usage.Duration.Milliseconds(),
		Dispatches:  len(out.Trace),
		Findings:    len(out.Findings),
		CreatedAt:   time.Now().UTC(),
	}

	// Marshal happens outside the lock; only the file write is serialized.
	data, err := json.Marshal(entry)
	if err != nil {
		j.logger.ErrorContext(ctx, "marshaling audit entry", slog.String("error", err.Error()))
		return
	}
	data = append(data, '\n')

	j.mu.Lock()
	_, writeErr := j.file.Write(data)
	j.mu.Unlock()
	if writeErr != nil {
		j.logger.ErrorContext(ctx, "writing audit journal", slog.String("error", writeErr.Error()))
	}

	if j.db != nil {
		if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
			j.logger.ErrorContext(ctx, "persisting audit entry",
				slog.String("execution_id", entry.ExecutionID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Recent returns the latest entries from the queryable store, newest
// first. Returns an error when the store is disabled.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if j.db == nil {
		return nil, fmt.Errorf("audit database is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	var entries []Entry
	err := j.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&entries).Error
	return entries, err
}

// Ping checks the queryable store for readiness probes.
func (j *Journal) Ping(ctx context.Context) error {
	if j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the journal file and the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db != nil {
		if sqlDB, err := j.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return j.file.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ engine.Recorder = (*Journal)(nil)
