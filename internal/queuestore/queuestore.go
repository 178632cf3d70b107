// Package queuestore is the durable ingest-queue state machine: per-group
// subband assembly, dispatch, retries, and stale-state recovery, backed by
// a single SQLite database file.
//
// A Store owns exclusive access to its database: Watcher, Worker, and
// Monitor may all call it concurrently; an internal mutex serializes every
// operation into a short transaction. No caller should hold a borrowed
// connection or cache rows across calls.
package queuestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"contimg/internal/logging"
)

// GroupState is the lifecycle state of a Group.
type GroupState string

const (
	StateCollecting GroupState = "collecting"
	StatePending     GroupState = "pending"
	StateInProgress  GroupState = "in_progress"
	StateCompleted   GroupState = "completed"
	StateFailed      GroupState = "failed"
)

// Group is a planned conversion unit: the 16-tuple of subband files
// sharing a chunk-snapped timestamp.
type Group struct {
	GroupID         string
	State           GroupState
	ReceivedAt      time.Time
	LastUpdate      time.Time
	RetryCount      int
	Error           string
	CheckpointPath  string
	ProcessingStage string
	ChunkMinutes    float64
}

// SubbandFile is one recorded subband within a Group.
type SubbandFile struct {
	GroupID    string
	SubbandIdx int
	Path       string
}

// PerformanceMetric is one row of converter timing observability,
// written once per completed conversion.
type PerformanceMetric struct {
	GroupID    string
	LoadTime   float64
	PhaseTime  float64
	WriteTime  float64
	TotalTime  float64
	RecordedAt time.Time
}

// Config configures a Store.
type Config struct {
	// Path is the SQLite database file. Created (and its parent
	// directory) if absent.
	Path string
	// ExpectedSubbands is the number of distinct subband indices that
	// complete a group. Defaults to 16.
	ExpectedSubbands int
	// ChunkSeconds is the group-id snapping window, in seconds.
	// Defaults to 300 (5 minutes).
	ChunkSeconds int64
	// Now returns the current time; overridable for tests. Defaults to
	// time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Store is the SQLite-backed QueueStore implementation.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string

	expectedSubbands int
	chunkSeconds     int64
	now              func() time.Time
	logger           *slog.Logger
}

// New opens (creating if absent) a queue database at cfg.Path and runs
// embedded migrations.
func New(cfg Config) (*Store, error) {
	if cfg.ExpectedSubbands <= 0 {
		cfg.ExpectedSubbands = 16
	}
	if cfg.ChunkSeconds <= 0 {
		cfg.ChunkSeconds = 300
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := logging.Default(cfg.Logger).With("component", "queuestore")

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Warn("WAL journal mode unavailable, continuing with the default journal mode", "error", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 30000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.Info("queue store opened", "path", cfg.Path)

	return &Store{
		db:               db,
		path:             cfg.Path,
		expectedSubbands: cfg.ExpectedSubbands,
		chunkSeconds:     cfg.ChunkSeconds,
		now:              cfg.Now,
		logger:           logger,
	}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
