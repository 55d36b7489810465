package catalog

import (
	"strings"
	"time"
)

// Variant identifies the acquisition software that produced a dataset's raw
// metadata layout.
type Variant string

const (
	VariantSerialEM    Variant = "serialem"
	VariantTomography5 Variant = "tomography5"
)

// ParseVariant converts a string into a known acquisition variant.
func ParseVariant(value string) (Variant, bool) {
	normalized := Variant(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case VariantSerialEM, VariantTomography5:
		return normalized, true
	}
	return "", false
}

// DatasetStatus represents the lifecycle of one acquisition session.
type DatasetStatus string

const (
	DatasetStatusRaw            DatasetStatus = "raw"
	DatasetStatusNormalized     DatasetStatus = "normalized"
	DatasetStatusCorrecting     DatasetStatus = "correcting"
	DatasetStatusCorrected      DatasetStatus = "corrected"
	DatasetStatusReconstructing DatasetStatus = "reconstructing"
	DatasetStatusReconstructed  DatasetStatus = "reconstructed"
	DatasetStatusDenoisePrep    DatasetStatus = "denoise_prep"
	DatasetStatusTransferring   DatasetStatus = "transferring"
	DatasetStatusDone           DatasetStatus = "done"
	DatasetStatusFailed         DatasetStatus = "failed"
)

var datasetStatusRank = map[DatasetStatus]int{
	DatasetStatusRaw:            0,
	DatasetStatusNormalized:     1,
	DatasetStatusCorrecting:     2,
	DatasetStatusCorrected:      3,
	DatasetStatusReconstructing: 4,
	DatasetStatusReconstructed:  5,
	DatasetStatusDenoisePrep:    6,
	DatasetStatusTransferring:   7,
	DatasetStatusDone:           8,
}

// ParseDatasetStatus converts a string into a known DatasetStatus.
func ParseDatasetStatus(value string) (DatasetStatus, bool) {
	normalized := DatasetStatus(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := datasetStatusRank[normalized]; ok {
		return normalized, true
	}
	if normalized == DatasetStatusFailed {
		return normalized, true
	}
	return "", false
}

// Advances reports whether moving from current to next goes forward in the
// dataset lifecycle. Failed is terminal and never advanced over implicitly.
func (s DatasetStatus) Advances(next DatasetStatus) bool {
	if s == DatasetStatusFailed {
		return false
	}
	cur, ok := datasetStatusRank[s]
	if !ok {
		return false
	}
	n, ok := datasetStatusRank[next]
	if !ok {
		return false
	}
	return n > cur
}

// UnitStatus represents the lifecycle of one tilt series.
type UnitStatus string

const (
	UnitStatusDiscovered     UnitStatus = "discovered"
	UnitStatusCorrecting     UnitStatus = "correcting"
	UnitStatusCorrected      UnitStatus = "corrected"
	UnitStatusReconstructing UnitStatus = "reconstructing"
	UnitStatusReconstructed  UnitStatus = "reconstructed"
	UnitStatusArchiving      UnitStatus = "archiving"
	UnitStatusArchived       UnitStatus = "archived"
	UnitStatusFailed         UnitStatus = "failed"
)

var unitStatusRank = map[UnitStatus]int{
	UnitStatusDiscovered:     0,
	UnitStatusCorrecting:     1,
	UnitStatusCorrected:      2,
	UnitStatusReconstructing: 3,
	UnitStatusReconstructed:  4,
	UnitStatusArchiving:      5,
	UnitStatusArchived:       6,
}

var unitProcessingStatuses = map[UnitStatus]struct{}{
	UnitStatusCorrecting:     {},
	UnitStatusReconstructing: {},
	UnitStatusArchiving:      {},
}

// ParseUnitStatus converts a string into a known UnitStatus.
func ParseUnitStatus(value string) (UnitStatus, bool) {
	normalized := UnitStatus(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := unitStatusRank[normalized]; ok {
		return normalized, true
	}
	if normalized == UnitStatusFailed {
		return normalized, true
	}
	return "", false
}

// IsProcessingStatus reports whether a unit status reflects an in-flight claim.
func IsProcessingStatus(status UnitStatus) bool {
	_, ok := unitProcessingStatuses[status]
	return ok
}

// DenoiseState tracks the denoising-preparation side channel for a unit. It is
// deliberately separate from UnitStatus: denoising prep and archival transfer
// are independent consumers of reconstruction output and must not contend for
// one status column.
type DenoiseState string

const (
	DenoiseStateNone      DenoiseState = "none"
	DenoiseStatePending   DenoiseState = "pending"
	DenoiseStatePreparing DenoiseState = "preparing"
	DenoiseStatePrepared  DenoiseState = "prepared"
	DenoiseStateSkipped   DenoiseState = "skipped"
	DenoiseStateFailed    DenoiseState = "failed"
)

// Dataset represents one acquisition session persisted in SQLite.
type Dataset struct {
	ID           int64
	Path         string
	Title        string
	Variant      Variant
	TiltAxis     *float64
	PixelSize    *float64
	Exposure     *float64
	Status       DatasetStatus
	DurableID    string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Unit represents one tilt series persisted in SQLite.
type Unit struct {
	ID            int64
	DatasetID     int64
	Name          string
	Status        UnitStatus
	DenoiseState  DenoiseState
	StackPath     string
	TomogramPath  string
	ArchivedPath  string
	ErrorMessage  string
	LastHeartbeat *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsProcessing returns true when the unit is claimed by an in-flight stage.
func (u Unit) IsProcessing() bool {
	return IsProcessingStatus(u.Status)
}

// Terminal reports whether the unit has reached an end state for the run.
func (u Unit) Terminal() bool {
	return u.Status == UnitStatusArchived || u.Status == UnitStatusFailed
}

// HealthSummary describes aggregated unit counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Waiting    int
	Processing int
	Failed     int
	Archived   int
}

// SetFailed marks the unit as failed with the given error message and clears
// its heartbeat.
func (u *Unit) SetFailed(message string) {
	u.Status = UnitStatusFailed
	u.ErrorMessage = message
	u.LastHeartbeat = nil
}
