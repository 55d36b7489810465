package catalog

import (
	"context"
	"fmt"
	"time"
)

// ResetStuckUnits rolls units stuck in processing states back to the start of
// their current stage. Used on daemon startup before any watcher runs.
func (s *Store) ResetStuckUnits(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE units
         SET status = CASE status
             WHEN ? THEN ?
             WHEN ? THEN ?
             WHEN ? THEN ?
             ELSE status
         END,
             last_heartbeat = NULL, updated_at = ?
         WHERE status IN (?, ?, ?)`,
		UnitStatusCorrecting, UnitStatusDiscovered,
		UnitStatusReconstructing, UnitStatusCorrected,
		UnitStatusArchiving, UnitStatusReconstructed,
		time.Now().UTC().Format(time.RFC3339Nano),
		UnitStatusCorrecting,
		UnitStatusReconstructing,
		UnitStatusArchiving,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stuck units: %w", err)
	}
	return res.RowsAffected()
}

// ReclaimStaleUnits rolls units with expired heartbeats back to the start of
// their current stage so another dispatcher pass can pick them up.
func (s *Store) ReclaimStaleUnits(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE units
        SET status = CASE status
            WHEN ? THEN ?
            WHEN ? THEN ?
            WHEN ? THEN ?
            ELSE status
        END,
            last_heartbeat = NULL, updated_at = ?
        WHERE status IN (?, ?, ?) AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		UnitStatusCorrecting, UnitStatusDiscovered,
		UnitStatusReconstructing, UnitStatusCorrected,
		UnitStatusArchiving, UnitStatusReconstructed,
		time.Now().UTC().Format(time.RFC3339Nano),
		UnitStatusCorrecting,
		UnitStatusReconstructing,
		UnitStatusArchiving,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale units: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailedUnits moves failed units back to discovered for reprocessing.
// With no ids, all failed units are retried.
func (s *Store) RetryFailedUnits(ctx context.Context, ids ...int64) (int64, error) {
	if len(ids) == 0 {
		res, err := s.execWithRetry(
			ctx,
			`UPDATE units
            SET status = ?, error_message = NULL, last_heartbeat = NULL, updated_at = ?
            WHERE status = ?`,
			UnitStatusDiscovered,
			time.Now().UTC().Format(time.RFC3339Nano),
			UnitStatusFailed,
		)
		if err != nil {
			return 0, fmt.Errorf("retry failed units: %w", err)
		}
		return res.RowsAffected()
	}

	placeholders := makePlaceholders(len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, UnitStatusDiscovered, time.Now().UTC().Format(time.RFC3339Nano))
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE units
        SET status = ?, error_message = NULL, last_heartbeat = NULL, updated_at = ?
        WHERE id IN (` + placeholders + `) AND status = '` + string(UnitStatusFailed) + `'`
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry selected units: %w", err)
	}
	return res.RowsAffected()
}

// UnitStats returns a count of units grouped by status.
func (s *Store) UnitStats(ctx context.Context) (map[UnitStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM units GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("unit stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[UnitStatus]int)
	for rows.Next() {
		var status UnitStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// DatasetStats returns a count of datasets grouped by status.
func (s *Store) DatasetStats(ctx context.Context) (map[DatasetStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM datasets GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("dataset stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[DatasetStatus]int)
	for rows.Next() {
		var status DatasetStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates unit state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.UnitStats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case UnitStatusFailed:
			health.Failed += count
		case UnitStatusArchived:
			health.Archived += count
		default:
			if IsProcessingStatus(status) {
				health.Processing += count
			} else {
				health.Waiting += count
			}
		}
	}
	return health, nil
}
