package queuestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

func unixf(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnixf(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// RecordSubband upserts a SubbandFile and, if missing, creates the Group
// row in StateCollecting. groupIDRaw is first snapped to the chunk
// boundary. After the upsert, if the group now holds expectedSubbands
// distinct subband indices and is not StateCompleted, it transitions to
// StatePending. last_update is always bumped.
func (s *Store) RecordSubband(ctx context.Context, groupIDRaw string, subbandIdx int, filePath string) error {
	groupID, err := SnapGroupID(groupIDRaw, s.chunkSeconds)
	if err != nil {
		return fmt.Errorf("snap group id %q: %w", groupIDRaw, err)
	}

	now := s.now()
	chunkMinutes := float64(s.chunkSeconds) / 60.0

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ingest_queue (group_id, state, received_at, last_update, chunk_minutes)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(group_id) DO NOTHING
		`, groupID, string(StateCollecting), unixf(now), unixf(now), chunkMinutes)
		if err != nil {
			return fmt.Errorf("insert group %q: %w", groupID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO subband_files (group_id, subband_idx, path)
			VALUES (?, ?, ?)
			ON CONFLICT(group_id, subband_idx) DO UPDATE SET path = excluded.path
		`, groupID, subbandIdx, filePath)
		if err != nil {
			return fmt.Errorf("upsert subband %q[%d]: %w", groupID, subbandIdx, err)
		}

		var count int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(DISTINCT subband_idx) FROM subband_files WHERE group_id = ?",
			groupID,
		).Scan(&count); err != nil {
			return fmt.Errorf("count subbands %q: %w", groupID, err)
		}

		var state string
		if err := tx.QueryRowContext(ctx,
			"SELECT state FROM ingest_queue WHERE group_id = ?", groupID,
		).Scan(&state); err != nil {
			return fmt.Errorf("read group state %q: %w", groupID, err)
		}

		if count >= s.expectedSubbands && GroupState(state) != StateCompleted {
			if _, err := tx.ExecContext(ctx,
				"UPDATE ingest_queue SET state = ?, last_update = ? WHERE group_id = ?",
				string(StatePending), unixf(now), groupID,
			); err != nil {
				return fmt.Errorf("advance group %q to pending: %w", groupID, err)
			}
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE ingest_queue SET last_update = ? WHERE group_id = ?",
			unixf(now), groupID,
		); err != nil {
			return fmt.Errorf("bump last_update %q: %w", groupID, err)
		}
		return nil
	})
}

// BootstrapDirectory is a one-shot startup sweep: it enumerates files in
// dir matching the subband filename pattern and calls RecordSubband on
// each. Non-matching entries are tolerated and skipped.
func (s *Store) BootstrapDirectory(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read staging directory %q: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, idx, ok := ParseSubbandFilename(e.Name())
		if !ok {
			continue
		}
		if err := s.RecordSubband(ctx, raw, idx, filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("bootstrap %q: %w", e.Name(), err)
		}
	}
	return nil
}

// AcquireNextPending atomically selects the oldest StatePending group by
// received_at, transitions it to StateInProgress, and returns its id.
// ok is false when no pending group exists.
func (s *Store) AcquireNextPending(ctx context.Context) (groupID string, ok bool, err error) {
	now := s.now()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT group_id FROM ingest_queue
			WHERE state = ?
			ORDER BY received_at ASC
			LIMIT 1
		`, string(StatePending))

		var id string
		if scanErr := row.Scan(&id); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select next pending: %w", scanErr)
		}

		if _, execErr := tx.ExecContext(ctx,
			"UPDATE ingest_queue SET state = ?, last_update = ? WHERE group_id = ?",
			string(StateInProgress), unixf(now), id,
		); execErr != nil {
			return fmt.Errorf("acquire %q: %w", id, execErr)
		}

		groupID = id
		ok = true
		return nil
	})
	return groupID, ok, err
}

// GetSubbandPaths returns SubbandFile paths for groupID sorted by
// subband_idx ascending. Callers may re-sort by their own policy.
func (s *Store) GetSubbandPaths(ctx context.Context, groupID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT path FROM subband_files WHERE group_id = ? ORDER BY subband_idx ASC",
		groupID)
	if err != nil {
		return nil, fmt.Errorf("get subband paths %q: %w", groupID, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan subband path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// MarkCompleted sets groupID's state to StateCompleted and clears any
// recorded error. Idempotent.
func (s *Store) MarkCompleted(ctx context.Context, groupID string) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE ingest_queue SET state = ?, error = NULL, last_update = ? WHERE group_id = ?",
			string(StateCompleted), unixf(now), groupID)
		if err != nil {
			return fmt.Errorf("mark completed %q: %w", groupID, err)
		}
		return nil
	})
}

// MarkRetry increments retry_count for groupID; if the new count reaches
// maxRetries, the group transitions to StateFailed, else back to
// StatePending. errText is stored as the group's error.
func (s *Store) MarkRetry(ctx context.Context, groupID string, errText string, maxRetries int) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var retryCount int
		if err := tx.QueryRowContext(ctx,
			"SELECT retry_count FROM ingest_queue WHERE group_id = ?", groupID,
		).Scan(&retryCount); err != nil {
			return fmt.Errorf("read retry_count %q: %w", groupID, err)
		}

		retryCount++
		newState := StatePending
		if retryCount >= maxRetries {
			newState = StateFailed
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE ingest_queue SET state = ?, retry_count = ?, error = ?, last_update = ? WHERE group_id = ?",
			string(newState), retryCount, errText, unixf(now), groupID,
		); err != nil {
			return fmt.Errorf("mark retry %q: %w", groupID, err)
		}
		return nil
	})
}

// RecoverStaleInProgress transitions every StateInProgress group whose
// last_update is older than now-timeout back to StatePending, bumping
// retry_count with no cap (a persistently stale group recycles
// indefinitely until an operator intervenes). Returns the recovered ids.
func (s *Store) RecoverStaleInProgress(ctx context.Context, timeout time.Duration) ([]string, error) {
	const staleErrorText = "Recovered from stale in_progress state"
	now := s.now()
	threshold := unixf(now.Add(-timeout))

	var recovered []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT group_id FROM ingest_queue
			WHERE state = ? AND last_update < ?
		`, string(StateInProgress), threshold)
		if err != nil {
			return fmt.Errorf("select stale in_progress: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale group id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE ingest_queue
				SET state = ?, retry_count = retry_count + 1, error = ?, last_update = ?
				WHERE group_id = ?
			`, string(StatePending), staleErrorText, unixf(now), id); err != nil {
				return fmt.Errorf("recover stale group %q: %w", id, err)
			}
		}
		recovered = ids
		return nil
	})
	return recovered, err
}

// ListStaleCollecting reports (without mutating) groups whose received_at
// is older than now-timeout and still StateCollecting.
func (s *Store) ListStaleCollecting(ctx context.Context, timeout time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := unixf(s.now().Add(-timeout))
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id FROM ingest_queue
		WHERE state = ? AND received_at < ?
	`, string(StateCollecting), threshold)
	if err != nil {
		return nil, fmt.Errorf("list stale collecting: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale collecting id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateCheckpointPath sets a hint-only checkpoint_path for groupID, used
// by the Worker/converter for resumption.
func (s *Store) UpdateCheckpointPath(ctx context.Context, groupID, path string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE ingest_queue SET checkpoint_path = ?, last_update = ? WHERE group_id = ?",
			path, unixf(s.now()), groupID)
		if err != nil {
			return fmt.Errorf("update checkpoint path %q: %w", groupID, err)
		}
		return nil
	})
}

// UpdateProcessingStage sets a hint-only processing_stage for groupID.
func (s *Store) UpdateProcessingStage(ctx context.Context, groupID, stage string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE ingest_queue SET processing_stage = ?, last_update = ? WHERE group_id = ?",
			stage, unixf(s.now()), groupID)
		if err != nil {
			return fmt.Errorf("update processing stage %q: %w", groupID, err)
		}
		return nil
	})
}

// GetCheckpointInfo returns the stored checkpoint path for groupID, or
// "" if none is set.
func (s *Store) GetCheckpointInfo(ctx context.Context, groupID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var path sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT checkpoint_path FROM ingest_queue WHERE group_id = ?", groupID,
	).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get checkpoint info %q: %w", groupID, err)
	}
	return path.String, nil
}

// RecordPerformanceMetrics upserts the one-per-group conversion timing
// row.
func (s *Store) RecordPerformanceMetrics(ctx context.Context, groupID string, load, phase, write, total float64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO performance_metrics (group_id, load_time, phase_time, write_time, total_time, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(group_id) DO UPDATE SET
				load_time = excluded.load_time,
				phase_time = excluded.phase_time,
				write_time = excluded.write_time,
				total_time = excluded.total_time,
				recorded_at = excluded.recorded_at
		`, groupID, load, phase, write, total, unixf(s.now()))
		if err != nil {
			return fmt.Errorf("record performance metrics %q: %w", groupID, err)
		}
		return nil
	})
}

// CollectingGroupSummary is one row of ListCollectingGroups output.
type CollectingGroupSummary struct {
	GroupID      string
	SubbandCount int
}

// ListCollectingGroups returns up to limit StateCollecting groups with
// their current subband counts, most recently received first.
func (s *Store) ListCollectingGroups(ctx context.Context, limit int) ([]CollectingGroupSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT q.group_id, COUNT(f.subband_idx)
		FROM ingest_queue q
		LEFT JOIN subband_files f ON f.group_id = q.group_id
		WHERE q.state = ?
		GROUP BY q.group_id
		ORDER BY q.received_at DESC
		LIMIT ?
	`, string(StateCollecting), limit)
	if err != nil {
		return nil, fmt.Errorf("list collecting groups: %w", err)
	}
	defer rows.Close()

	var out []CollectingGroupSummary
	for rows.Next() {
		var row CollectingGroupSummary
		if err := rows.Scan(&row.GroupID, &row.SubbandCount); err != nil {
			return nil, fmt.Errorf("scan collecting group: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// CountByState returns the number of groups in each state, for Monitor's
// periodic snapshot.
func (s *Store) CountByState(ctx context.Context) (map[GroupState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM ingest_queue GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[GroupState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[GroupState(state)] = n
	}
	return counts, rows.Err()
}

// ListInProgressOlderThan returns group ids currently StateInProgress
// whose last_update predates now-age, for Monitor's long-running warning.
func (s *Store) ListInProgressOlderThan(ctx context.Context, age time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := unixf(s.now().Add(-age))
	rows, err := s.db.QueryContext(ctx,
		"SELECT group_id FROM ingest_queue WHERE state = ? AND last_update < ?",
		string(StateInProgress), threshold)
	if err != nil {
		return nil, fmt.Errorf("list long-running in_progress: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan in_progress id: %w", err)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, rows.Err()
}

// GetGroup returns the full Group row for groupID, or nil if absent.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var g Group
	var receivedAt, lastUpdate float64
	var errText, checkpointPath, stage sql.NullString
	var chunkMinutes sql.NullFloat64
	var state string

	err := s.db.QueryRowContext(ctx, `
		SELECT group_id, state, received_at, last_update, retry_count, error, checkpoint_path, processing_stage, chunk_minutes
		FROM ingest_queue WHERE group_id = ?
	`, groupID).Scan(&g.GroupID, &state, &receivedAt, &lastUpdate, &g.RetryCount, &errText, &checkpointPath, &stage, &chunkMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group %q: %w", groupID, err)
	}

	g.State = GroupState(state)
	g.ReceivedAt = timeFromUnixf(receivedAt)
	g.LastUpdate = timeFromUnixf(lastUpdate)
	g.Error = errText.String
	g.CheckpointPath = checkpointPath.String
	g.ProcessingStage = stage.String
	g.ChunkMinutes = chunkMinutes.Float64
	return &g, nil
}
