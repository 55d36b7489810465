package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const unitColumns = "id, dataset_id, name, status, denoise_state, stack_path, tomogram_path, archived_path, error_message, last_heartbeat, created_at, updated_at"

// RegisterUnit inserts a unit row for a tilt series at the given status, or
// returns the existing row when the (dataset, name) pair is already known.
// Registration is how a prior run's state survives a restart: an existing row
// keeps its status, so a unit corrected before a crash is never re-dispatched
// even though its files are still on disk.
func (s *Store) RegisterUnit(ctx context.Context, datasetID int64, name string, status UnitStatus) (*Unit, error) {
	if existing, err := s.UnitByName(ctx, datasetID, name); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO units (dataset_id, name, status, denoise_state, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT (dataset_id, name) DO NOTHING`,
		datasetID,
		name,
		status,
		DenoiseStateNone,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert unit: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return s.UnitByName(ctx, datasetID, name)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.UnitByID(ctx, id)
}

// UnitByID fetches a unit by identifier.
func (s *Store) UnitByID(ctx context.Context, id int64) (*Unit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id = ?`, id)
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get unit: %w", err)
	}
	return unit, nil
}

// UnitByName fetches a unit by its dataset and tilt-series name.
func (s *Store) UnitByName(ctx context.Context, datasetID int64, name string) (*Unit, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+unitColumns+` FROM units WHERE dataset_id = ? AND name = ? LIMIT 1`,
		datasetID,
		name,
	)
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get unit by name: %w", err)
	}
	return unit, nil
}

// UnitsForDataset returns all units belonging to a dataset ordered by name.
func (s *Store) UnitsForDataset(ctx context.Context, datasetID int64) ([]*Unit, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+unitColumns+` FROM units WHERE dataset_id = ? ORDER BY name`,
		datasetID,
	)
	if err != nil {
		return nil, fmt.Errorf("units for dataset: %w", err)
	}
	defer rows.Close()
	return collectUnits(rows)
}

// ListUnits returns units filtered by status set (or all units when no status
// is provided), ordered by creation time.
func (s *Store) ListUnits(ctx context.Context, statuses ...UnitStatus) ([]*Unit, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + unitColumns + ` FROM units`
	orderClause := ` ORDER BY created_at, id`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()
	return collectUnits(rows)
}

// NextUnitForStatuses returns the oldest unit matching any of the provided
// statuses.
func (s *Store) NextUnitForStatuses(ctx context.Context, statuses ...UnitStatus) (*Unit, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := makePlaceholders(len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}

	query := `SELECT ` + unitColumns + ` FROM units WHERE status IN (` + placeholders + `) ORDER BY created_at, id LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, args...)
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return unit, nil
}

// ClaimUnit transitions a unit from an expected status to the next as a
// single compare-and-set, stamping its heartbeat. It returns false when the
// unit was not in the expected status, which is how two dispatchers are kept
// from processing the same unit.
func (s *Store) ClaimUnit(ctx context.Context, id int64, from, to UnitStatus) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE units SET status = ?, last_heartbeat = ?, error_message = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		to,
		now,
		now,
		id,
		from,
	)
	if err != nil {
		return false, fmt.Errorf("claim unit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// UpdateUnit persists changes to an existing unit row.
func (s *Store) UpdateUnit(ctx context.Context, unit *Unit) error {
	if unit == nil {
		return errors.New("unit is nil")
	}
	unit.UpdatedAt = time.Now().UTC()
	err := s.execWithoutResultRetry(
		ctx,
		`UPDATE units
         SET status = ?, denoise_state = ?, stack_path = ?, tomogram_path = ?,
             archived_path = ?, error_message = ?, last_heartbeat = ?, updated_at = ?
         WHERE id = ?`,
		unit.Status,
		unit.DenoiseState,
		nullableString(unit.StackPath),
		nullableString(unit.TomogramPath),
		nullableString(unit.ArchivedPath),
		nullableString(unit.ErrorMessage),
		nullableTime(unit.LastHeartbeat),
		unit.UpdatedAt.Format(time.RFC3339Nano),
		unit.ID,
	)
	if err != nil {
		return fmt.Errorf("update unit: %w", err)
	}
	return nil
}

// UpdateUnitHeartbeat updates the last heartbeat timestamp for an in-flight
// unit.
func (s *Store) UpdateUnitHeartbeat(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE units SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		now,
		now,
		id,
	); err != nil {
		return fmt.Errorf("update unit heartbeat: %w", err)
	}
	return nil
}

// ClaimDenoise transitions a unit's denoise side channel from one expected
// state to the next as a compare-and-set. The transfer stage refuses to
// relocate units whose denoise state is preparing, which keeps the two
// consumers of reconstruction output from racing.
func (s *Store) ClaimDenoise(ctx context.Context, id int64, from, to DenoiseState) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE units SET denoise_state = ?, updated_at = ? WHERE id = ? AND denoise_state = ?`,
		to,
		now,
		id,
		from,
	)
	if err != nil {
		return false, fmt.Errorf("claim denoise: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// UnitsForDenoise returns reconstructed units whose denoise side channel is in
// the given state, ordered by creation time.
func (s *Store) UnitsForDenoise(ctx context.Context, state DenoiseState) ([]*Unit, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+unitColumns+` FROM units
         WHERE denoise_state = ? AND status IN (?, ?, ?)
         ORDER BY created_at, id`,
		state,
		UnitStatusReconstructed,
		UnitStatusArchiving,
		UnitStatusArchived,
	)
	if err != nil {
		return nil, fmt.Errorf("units for denoise: %w", err)
	}
	defer rows.Close()
	return collectUnits(rows)
}

func collectUnits(rows *sql.Rows) ([]*Unit, error) {
	var units []*Unit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, rows.Err()
}

func scanUnit(scanner interface{ Scan(dest ...any) error }) (*Unit, error) {
	var (
		id           int64
		datasetID    int64
		name         string
		statusStr    string
		denoiseStr   string
		stackPath    sql.NullString
		tomogram     sql.NullString
		archivedPath sql.NullString
		errorMessage sql.NullString
		heartbeatRaw sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&datasetID,
		&name,
		&statusStr,
		&denoiseStr,
		&stackPath,
		&tomogram,
		&archivedPath,
		&errorMessage,
		&heartbeatRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	unit := &Unit{
		ID:           id,
		DatasetID:    datasetID,
		Name:         name,
		Status:       UnitStatus(statusStr),
		DenoiseState: DenoiseState(denoiseStr),
		StackPath:    stackPath.String,
		TomogramPath: tomogram.String,
		ArchivedPath: archivedPath.String,
		ErrorMessage: errorMessage.String,
	}
	if heartbeatRaw.Valid {
		if heartbeat, err := parseTimeString(heartbeatRaw.String); err == nil {
			unit.LastHeartbeat = &heartbeat
		}
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		unit.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		unit.UpdatedAt = updated
	}
	return unit, nil
}
