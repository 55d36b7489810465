package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const datasetColumns = "id, path, title, variant, tilt_axis, pixel_size, exposure, status, durable_id, error_message, created_at, updated_at"

// NewDataset captures the normalizer-supplied facts registered for one
// acquisition session.
type NewDataset struct {
	Path      string
	Title     string
	Variant   Variant
	TiltAxis  *float64
	PixelSize *float64
	Exposure  *float64
}

// RegisterDataset inserts a dataset row, or returns the existing row when the
// path was registered by a prior run.
func (s *Store) RegisterDataset(ctx context.Context, ds NewDataset) (*Dataset, error) {
	if existing, err := s.DatasetByPath(ctx, ds.Path); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO datasets (
            path, title, variant, tilt_axis, pixel_size, exposure,
            status, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ds.Path,
		ds.Title,
		string(ds.Variant),
		nullableFloat(ds.TiltAxis),
		nullableFloat(ds.PixelSize),
		nullableFloat(ds.Exposure),
		DatasetStatusRaw,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert dataset: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	return s.DatasetByID(ctx, id)
}

// DatasetByID fetches a dataset by identifier.
func (s *Store) DatasetByID(ctx context.Context, id int64) (*Dataset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = ?`, id)
	ds, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	return ds, nil
}

// DatasetByPath fetches a dataset by its source directory.
func (s *Store) DatasetByPath(ctx context.Context, path string) (*Dataset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE path = ? LIMIT 1`, path)
	ds, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset by path: %w", err)
	}
	return ds, nil
}

// ListDatasets returns datasets filtered by status set (or all datasets when
// no status is provided), ordered by creation time.
func (s *Store) ListDatasets(ctx context.Context, statuses ...DatasetStatus) ([]*Dataset, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + datasetColumns + ` FROM datasets`
	orderClause := ` ORDER BY created_at`

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
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var datasets []*Dataset
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		datasets = append(datasets, ds)
	}
	return datasets, rows.Err()
}

// UpdateDataset persists changes to an existing dataset row.
func (s *Store) UpdateDataset(ctx context.Context, ds *Dataset) error {
	if ds == nil {
		return errors.New("dataset is nil")
	}
	ds.UpdatedAt = time.Now().UTC()
	err := s.execWithoutResultRetry(
		ctx,
		`UPDATE datasets
         SET path = ?, title = ?, variant = ?, tilt_axis = ?, pixel_size = ?,
             exposure = ?, status = ?, durable_id = ?, error_message = ?, updated_at = ?
         WHERE id = ?`,
		ds.Path,
		ds.Title,
		string(ds.Variant),
		nullableFloat(ds.TiltAxis),
		nullableFloat(ds.PixelSize),
		nullableFloat(ds.Exposure),
		ds.Status,
		ds.DurableID,
		nullableString(ds.ErrorMessage),
		ds.UpdatedAt.Format(time.RFC3339Nano),
		ds.ID,
	)
	if err != nil {
		return fmt.Errorf("update dataset: %w", err)
	}
	return nil
}

// AdvanceDatasetStatus moves the dataset forward to next; it never moves
// backward and never resurrects a failed dataset.
func (s *Store) AdvanceDatasetStatus(ctx context.Context, id int64, next DatasetStatus) error {
	ds, err := s.DatasetByID(ctx, id)
	if err != nil {
		return err
	}
	if ds == nil {
		return fmt.Errorf("dataset %d: %w", id, sql.ErrNoRows)
	}
	if !ds.Status.Advances(next) {
		return nil
	}
	err = s.execWithoutResultRetry(
		ctx,
		`UPDATE datasets SET status = ?, updated_at = ? WHERE id = ?`,
		next,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("advance dataset status: %w", err)
	}
	return nil
}

// MarkDatasetFailed parks the dataset with an error message. Units already in
// flight are left to finish; the coordinator stops feeding the dataset.
func (s *Store) MarkDatasetFailed(ctx context.Context, id int64, message string) error {
	err := s.execWithoutResultRetry(
		ctx,
		`UPDATE datasets SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		DatasetStatusFailed,
		nullableString(message),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark dataset failed: %w", err)
	}
	return nil
}

// AssignDurableID records the archival identifier chosen for the dataset.
func (s *Store) AssignDurableID(ctx context.Context, id int64, durableID string) error {
	err := s.execWithoutResultRetry(
		ctx,
		`UPDATE datasets SET durable_id = ?, updated_at = ? WHERE id = ?`,
		durableID,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("assign durable id: %w", err)
	}
	return nil
}

// RefreshDatasetStatus recomputes the dataset's lifecycle position from its
// units. The status only moves forward; overlap between stages means a
// dataset sits at the stage of its slowest unit.
func (s *Store) RefreshDatasetStatus(ctx context.Context, id int64) (*Dataset, error) {
	ds, err := s.DatasetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ds == nil || ds.Status == DatasetStatusFailed {
		return ds, nil
	}

	units, err := s.UnitsForDataset(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return ds, nil
	}

	minRank := -1
	failed := 0
	for _, unit := range units {
		if unit.Status == UnitStatusFailed {
			failed++
			continue
		}
		rank := unitStatusRank[unit.Status]
		if minRank < 0 || rank < minRank {
			minRank = rank
		}
	}

	var next DatasetStatus
	switch {
	case failed == len(units):
		next = DatasetStatusFailed
	case minRank >= unitStatusRank[UnitStatusArchived]:
		next = DatasetStatusDone
	case minRank >= unitStatusRank[UnitStatusArchiving]:
		next = DatasetStatusTransferring
	case minRank >= unitStatusRank[UnitStatusReconstructed]:
		next = DatasetStatusReconstructed
	case minRank >= unitStatusRank[UnitStatusReconstructing]:
		next = DatasetStatusReconstructing
	case minRank >= unitStatusRank[UnitStatusCorrected]:
		next = DatasetStatusCorrected
	default:
		next = DatasetStatusCorrecting
	}

	if next == DatasetStatusFailed {
		if err := s.MarkDatasetFailed(ctx, id, "all units failed"); err != nil {
			return nil, err
		}
		return s.DatasetByID(ctx, id)
	}
	if err := s.AdvanceDatasetStatus(ctx, id, next); err != nil {
		return nil, err
	}
	return s.DatasetByID(ctx, id)
}

// RemoveDataset deletes a dataset and its units.
func (s *Store) RemoveDataset(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM datasets WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete dataset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func scanDataset(scanner interface{ Scan(dest ...any) error }) (*Dataset, error) {
	var (
		id           int64
		path         string
		title        sql.NullString
		variantStr   string
		tiltAxis     sql.NullFloat64
		pixelSize    sql.NullFloat64
		exposure     sql.NullFloat64
		statusStr    string
		durableID    sql.NullString
		errorMessage sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&path,
		&title,
		&variantStr,
		&tiltAxis,
		&pixelSize,
		&exposure,
		&statusStr,
		&durableID,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	ds := &Dataset{
		ID:           id,
		Path:         path,
		Title:        title.String,
		Variant:      Variant(variantStr),
		Status:       DatasetStatus(statusStr),
		DurableID:    durableID.String,
		ErrorMessage: errorMessage.String,
	}
	if tiltAxis.Valid {
		v := tiltAxis.Float64
		ds.TiltAxis = &v
	}
	if pixelSize.Valid {
		v := pixelSize.Float64
		ds.PixelSize = &v
	}
	if exposure.Valid {
		v := exposure.Float64
		ds.Exposure = &v
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		ds.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		ds.UpdatedAt = updated
	}
	return ds, nil
}
