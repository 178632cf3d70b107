// Package hdf5index is a read-only view over the HDF5 file index: a
// catalog of observed-file metadata keyed by filesystem path, built
// and maintained by an out-of-scope collaborator. This package only
// ever issues SELECT queries against it.
package hdf5index

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"contimg/internal/logging"
)

// ResolveDBPath returns the HDF5 index database path CalibratorService
// should open. HDF5_DB_PATH, if set, wins outright; otherwise the index
// is inferred to live alongside the products catalog database as
// "hdf5.sqlite3".
func ResolveDBPath(productsDBPath string) string {
	if override := os.Getenv("HDF5_DB_PATH"); override != "" {
		return override
	}
	return filepath.Join(filepath.Dir(productsDBPath), "hdf5.sqlite3")
}

// HDF5IndexEntry is one indexed file.
type HDF5IndexEntry struct {
	Path         string
	GroupID      string
	SubbandCode  string
	SubbandIdx   int
	TimestampISO string
	TimestampMJD float64
	SizeBytes    int64
	ModifiedAt   time.Time
	Stored       bool
}

// GroupSummary is one candidate group assembled from index rows
// sharing a group_id.
type GroupSummary struct {
	GroupID string
	Files   []HDF5IndexEntry
	MidMJD  float64
}

var subbandCodePattern = regexp.MustCompile(`^sb(\d{2})$`)

// Config configures a Store.
type Config struct {
	Path   string
	Logger *slog.Logger
}

// Store is a read-only handle onto the HDF5 index database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens the HDF5 index database at cfg.Path. The table is
// expected to already exist (populated by an out-of-scope
// collaborator); New creates it only if entirely absent, so tests can
// construct fixtures without a separate migration tool.
func New(cfg Config) (*Store, error) {
	logger := logging.Default(cfg.Logger).With("component", "hdf5index")

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS hdf5_index (
		path TEXT PRIMARY KEY,
		group_id TEXT,
		subband_code TEXT,
		timestamp_iso TEXT,
		timestamp_mjd REAL,
		size_bytes INTEGER,
		modified_at REAL,
		stored INTEGER DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure hdf5_index table: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert registers or replaces one index row. Exposed for tests and
// for callers that double as the out-of-scope index builder in
// development.
func (s *Store) Insert(ctx context.Context, e HDF5IndexEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hdf5_index (path, group_id, subband_code, timestamp_iso, timestamp_mjd, size_bytes, modified_at, stored)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			group_id = excluded.group_id, subband_code = excluded.subband_code,
			timestamp_iso = excluded.timestamp_iso, timestamp_mjd = excluded.timestamp_mjd,
			size_bytes = excluded.size_bytes, modified_at = excluded.modified_at, stored = excluded.stored
	`, e.Path, e.GroupID, e.SubbandCode, e.TimestampISO, e.TimestampMJD, e.SizeBytes,
		float64(e.ModifiedAt.UnixNano())/1e9, boolToInt(e.Stored))
	if err != nil {
		return fmt.Errorf("insert hdf5_index row %q: %w", e.Path, err)
	}
	return nil
}

// CompleteGroupsInRange returns every group whose group_id timestamp
// falls within [t0, t1] (inclusive, 1-second tolerance baked into the
// caller's window) and that has exactly expectedSubbands distinct
// subband files with codes sb00..sb(expectedSubbands-1), sorted by
// group_id ascending.
func (s *Store) CompleteGroupsInRange(ctx context.Context, t0, t1 time.Time, expectedSubbands int) ([]GroupSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, group_id, subband_code, timestamp_iso, timestamp_mjd, size_bytes, modified_at, stored
		FROM hdf5_index
		WHERE group_id >= ? AND group_id <= ?
		ORDER BY group_id ASC, subband_code ASC
	`, t0.UTC().Format(time.RFC3339), t1.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query hdf5_index range: %w", err)
	}
	defer rows.Close()

	byGroup := make(map[string][]HDF5IndexEntry)
	order := make([]string, 0)
	for rows.Next() {
		var e HDF5IndexEntry
		var modifiedAt float64
		var stored int
		if err := rows.Scan(&e.Path, &e.GroupID, &e.SubbandCode, &e.TimestampISO, &e.TimestampMJD,
			&e.SizeBytes, &modifiedAt, &stored); err != nil {
			return nil, fmt.Errorf("scan hdf5_index row: %w", err)
		}
		e.ModifiedAt = time.Unix(0, int64(modifiedAt*1e9)).UTC()
		e.Stored = stored != 0
		if m := subbandCodePattern.FindStringSubmatch(e.SubbandCode); m != nil {
			e.SubbandIdx, _ = strconv.Atoi(m[1])
		} else {
			e.SubbandIdx = -1
		}
		if _, seen := byGroup[e.GroupID]; !seen {
			order = append(order, e.GroupID)
		}
		byGroup[e.GroupID] = append(byGroup[e.GroupID], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hdf5_index rows: %w", err)
	}

	var out []GroupSummary
	for _, groupID := range order {
		files := byGroup[groupID]
		if !hasExactSubbandSet(files, expectedSubbands) {
			continue
		}
		sort.Slice(files, func(i, j int) bool { return files[i].SubbandIdx < files[j].SubbandIdx })
		out = append(out, GroupSummary{
			GroupID: groupID,
			Files:   files,
			MidMJD:  meanMJD(files),
		})
	}
	return out, nil
}

func hasExactSubbandSet(files []HDF5IndexEntry, expected int) bool {
	if len(files) != expected {
		return false
	}
	seen := make(map[int]bool, expected)
	for _, f := range files {
		if f.SubbandIdx < 0 || f.SubbandIdx >= expected || seen[f.SubbandIdx] {
			return false
		}
		seen[f.SubbandIdx] = true
	}
	return true
}

func meanMJD(files []HDF5IndexEntry) float64 {
	if len(files) == 0 {
		return 0
	}
	var sum float64
	for _, f := range files {
		sum += f.TimestampMJD
	}
	return sum / float64(len(files))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
