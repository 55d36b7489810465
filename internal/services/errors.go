package services

import (
	"errors"
	"fmt"
	"strings"

	"stagehand/internal/catalog"
)

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrMetadataParse     = errors.New("metadata parse error")
	ErrStageLaunch       = errors.New("stage launch error")
	ErrUnitProcessing    = errors.New("unit processing failure")
	ErrCompletionTimeout = errors.New("completion timeout")
	ErrTransfer          = errors.New("transfer error")
	ErrExternalTool      = errors.New("external tool error")
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrUnitProcessing
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Fatal reports whether err must abort the run before any stage launches,
// rather than failing a single dataset or unit. Per-dataset and per-unit
// failures are isolated by the callers; only configuration-class problems are
// globally fatal.
func Fatal(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// FailureStatus maps a stage error to the unit status the coordinator should
// persist after the stage fails. Transfer failures roll the unit back to
// reconstructed so a later pass can resume with skip-existing semantics;
// everything else parks the unit as failed for operator inspection.
func FailureStatus(err error) catalog.UnitStatus {
	if errors.Is(err, ErrTransfer) {
		return catalog.UnitStatusReconstructed
	}
	return catalog.UnitStatusFailed
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
