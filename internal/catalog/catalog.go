// Package catalog is the products catalog: the durable record of
// artifacts the pipeline has produced. The scheduler only ever reads
// and upserts the ms_index table; other tables used by downstream
// stages (images, mosaics, photometry) are out of scope here and are
// never touched by this package.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"contimg/internal/logging"
)

// MSRecord is one row of the products catalog's ms_index table.
// Upserts preserve existing non-null values via coalesce semantics:
// a field left zero-valued on a later upsert does not clobber a
// previously recorded value.
type MSRecord struct {
	Path           string
	StartMJD       float64
	EndMJD         float64
	MidMJD         float64
	ProcessedAt    time.Time
	Status         string
	Stage          string
	StageUpdatedAt time.Time
	CalApplied     bool
	PointingRADeg  float64
	PointingDecDeg float64
}

// Config configures a Store.
type Config struct {
	Path   string
	Now    func() time.Time
	Logger *slog.Logger
}

// Store is the SQLite-backed products catalog, restricted to the
// ms_index slice the scheduler owns.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	now    func() time.Time
	logger *slog.Logger
}

// New opens (creating if absent) the products catalog at cfg.Path.
func New(cfg Config) (*Store, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := logging.Default(cfg.Logger).With("component", "catalog")

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 30000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.Info("products catalog opened", "path", cfg.Path)
	return &Store{db: db, now: cfg.Now, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertMS inserts or updates rec's row, coalescing every field
// against whatever value is already stored so a later call with
// partial information never erases fields populated by an earlier one.
func (s *Store) UpsertMS(ctx context.Context, rec MSRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	processedAt := unixf(rec.ProcessedAt)
	stageUpdatedAt := unixf(rec.StageUpdatedAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ms_index (path, start_mjd, end_mjd, mid_mjd, processed_at, status, stage,
			stage_updated_at, cal_applied, pointing_ra_deg, pointing_dec_deg)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			start_mjd = COALESCE(NULLIF(excluded.start_mjd, 0), ms_index.start_mjd),
			end_mjd = COALESCE(NULLIF(excluded.end_mjd, 0), ms_index.end_mjd),
			mid_mjd = COALESCE(NULLIF(excluded.mid_mjd, 0), ms_index.mid_mjd),
			processed_at = COALESCE(NULLIF(excluded.processed_at, 0), ms_index.processed_at),
			status = COALESCE(NULLIF(excluded.status, ''), ms_index.status),
			stage = COALESCE(NULLIF(excluded.stage, ''), ms_index.stage),
			stage_updated_at = COALESCE(NULLIF(excluded.stage_updated_at, 0), ms_index.stage_updated_at),
			cal_applied = excluded.cal_applied OR ms_index.cal_applied,
			pointing_ra_deg = COALESCE(NULLIF(excluded.pointing_ra_deg, 0), ms_index.pointing_ra_deg),
			pointing_dec_deg = COALESCE(NULLIF(excluded.pointing_dec_deg, 0), ms_index.pointing_dec_deg)
	`, rec.Path, rec.StartMJD, rec.EndMJD, rec.MidMJD, processedAt, rec.Status, rec.Stage,
		stageUpdatedAt, rec.CalApplied, rec.PointingRADeg, rec.PointingDecDeg)
	if err != nil {
		return fmt.Errorf("upsert ms_index %q: %w", rec.Path, err)
	}
	return nil
}

// Exists reports whether path is already registered in the catalog.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM ms_index WHERE path = ?", path).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check ms_index existence: %w", err)
	}
	return n > 0, nil
}

// FindByMidMJDNear returns the path of any MSRecord whose path
// case-insensitively contains name in any of the four "-/_" casing
// variants and whose mid_mjd lies within toleranceDays of midMJD.
func (s *Store) FindByMidMJDNear(ctx context.Context, name string, midMJD, toleranceDays float64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT path, mid_mjd FROM ms_index")
	if err != nil {
		return "", false, fmt.Errorf("query ms_index: %w", err)
	}
	defer rows.Close()

	variants := nameVariants(name)
	for rows.Next() {
		var path string
		var mid float64
		if err := rows.Scan(&path, &mid); err != nil {
			return "", false, fmt.Errorf("scan ms_index row: %w", err)
		}
		if !pathMatchesAny(path, variants) {
			continue
		}
		if absf(mid-midMJD) <= toleranceDays {
			return path, true, nil
		}
	}
	return "", false, rows.Err()
}

// ListByName returns up to limit MSRecords whose path contains
// any "-/_" casing variant of name, ordered by processed_at
// descending (most recently processed first).
func (s *Store) ListByName(ctx context.Context, name string, limit int) ([]MSRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, start_mjd, end_mjd, mid_mjd, processed_at, status, stage,
			stage_updated_at, cal_applied, pointing_ra_deg, pointing_dec_deg
		FROM ms_index ORDER BY processed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query ms_index: %w", err)
	}
	defer rows.Close()

	variants := nameVariants(name)
	var out []MSRecord
	for rows.Next() {
		var rec MSRecord
		var processedAt, stageUpdatedAt float64
		var calApplied int
		if err := rows.Scan(&rec.Path, &rec.StartMJD, &rec.EndMJD, &rec.MidMJD, &processedAt,
			&rec.Status, &rec.Stage, &stageUpdatedAt, &calApplied, &rec.PointingRADeg, &rec.PointingDecDeg); err != nil {
			return nil, fmt.Errorf("scan ms_index row: %w", err)
		}
		if !pathMatchesAny(rec.Path, variants) {
			continue
		}
		rec.ProcessedAt = timeFromUnixf(processedAt)
		rec.StageUpdatedAt = timeFromUnixf(stageUpdatedAt)
		rec.CalApplied = calApplied != 0
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// nameVariants returns the four "-/_" casing variants of name used
// for matching calibrator names embedded in MS output paths, all
// lowercase: as given, with "_" replaced by "-", with "-" replaced by
// "_", and with spaces replaced by "_".
func nameVariants(name string) []string {
	lower := strings.ToLower(name)
	return []string{
		lower,
		strings.ReplaceAll(lower, "_", "-"),
		strings.ReplaceAll(lower, "-", "_"),
		strings.ToLower(strings.ReplaceAll(name, " ", "_")),
	}
}

func pathMatchesAny(path string, variants []string) bool {
	lowerPath := strings.ToLower(path)
	for _, v := range variants {
		if strings.Contains(lowerPath, v) {
			return true
		}
	}
	return false
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func unixf(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnixf(v float64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v*1e9)).UTC()
}
