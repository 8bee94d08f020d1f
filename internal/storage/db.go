// Package db provides SQLite database access for the crypto-intel-bot.
//
// This package contains:
//   - DB: a wrapper around a single-file SQLite database
//   - Repository methods for content items, analysis results and run records
//   - Migration support via goose
//
// The store is single-writer by design: the connection pool is capped at one
// open connection and WAL mode is enabled so concurrent readers do not block.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/lueurxax/crypto-intel-bot/migrations"
)

// SourceType identifies the origin of a content item.
type SourceType string

const (
	SourceTypeRSS SourceType = "rss"
	SourceTypeX   SourceType = "x"
)

// ContentItem is the normalized unit of fetched content.
type ContentItem struct {
	ID          string
	Title       string
	Content     string
	URL         string
	PublishTime time.Time
	SourceName  string
	SourceType  SourceType
}

// AnalysisResult is the LLM-produced classification for one content item.
type AnalysisResult struct {
	SourceItemID string
	Category     string
	WeightScore  int
	Summary      string
	TimeStr      string
	Source       string
	CreatedAt    time.Time
}

// TriggerKind identifies what started a pipeline run.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerCommand   TriggerKind = "command"
	TriggerManual    TriggerKind = "manual"
)

// RunState is the lifecycle state of a pipeline run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunTimedOut  RunState = "timed_out"
	RunCancelled RunState = "cancelled"
)

// RunCounts summarizes item volumes for a run.
type RunCounts struct {
	Fetched         int  `json:"fetched"`
	Analyzed        int  `json:"analyzed"`
	Delivered       int  `json:"delivered"`
	PartialDelivery bool `json:"partial_delivery,omitempty"`
}

// RunRecord is the persisted state of one pipeline run.
type RunRecord struct {
	RunID      int64
	Trigger    TriggerKind
	StartedAt  time.Time
	FinishedAt *time.Time
	State      RunState
	Error      string
	Counts     RunCounts
	ReportID   string
}

// DB wraps the SQLite connection and provides repository methods.
type DB struct {
	SQL    *sql.DB
	Logger *zerolog.Logger
}

const busyTimeout = 5 * time.Second

// New opens (creating if necessary) the single-file store at path.
func New(path string, logger *zerolog.Logger) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer; WAL keeps readers from blocking on it.
	sqlDB.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			_ = sqlDB.Close()

			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	return &DB{SQL: sqlDB, Logger: logger}, nil
}

// Close closes the underlying database.
func (db *DB) Close() error {
	return db.SQL.Close()
}

// Ping checks database liveness.
func (db *DB) Ping(ctx context.Context) error {
	return db.SQL.PingContext(ctx)
}

type gooseLogger struct {
	logger *zerolog.Logger
}

func (l *gooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Fatal().Msgf(format, v...)
}

func (l *gooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info().Msgf(format, v...)
}

// Migrate runs database migrations using goose.
func (db *DB) Migrate(_ context.Context) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(&gooseLogger{logger: db.Logger})

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.Up(db.SQL, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
