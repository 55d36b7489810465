// Package transfer copies completed reconstruction units into durable
// archival storage. Each dataset gets a durable identifier derived from the
// operator identity and the acquisition date; copies are hash-verified and
// skip-existing, so a re-run after a partial failure resumes instead of
// duplicating data.
package transfer

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stagehand/internal/catalog"
	"stagehand/internal/config"
	"stagehand/internal/fileutil"
	"stagehand/internal/layout"
	"stagehand/internal/logging"
	"stagehand/internal/mdoc"
	"stagehand/internal/services"
	"stagehand/internal/textutil"
)

const stageName = "transfer"

// Agent archives completed units for one run.
type Agent struct {
	cfg    *config.Config
	store  *catalog.Store
	logger *slog.Logger
	now    func() time.Time
}

// New constructs an agent. The operator identity is required because the
// durable ID is derived from it.
func New(cfg *config.Config, store *catalog.Store, logger *slog.Logger) (*Agent, error) {
	if strings.TrimSpace(cfg.Transfer.Operator) == "" {
		return nil, services.Wrap(services.ErrConfiguration, stageName, "new",
			"transfer.operator is required", nil)
	}
	if cfg.Paths.ArchiveRoot == "" {
		return nil, services.Wrap(services.ErrConfiguration, stageName, "new",
			"paths.archive_root is required", nil)
	}
	return &Agent{
		cfg:    cfg,
		store:  store,
		logger: logging.NewComponentLogger(logger, stageName),
		now:    time.Now,
	}, nil
}

// DeriveID builds the durable dataset identifier from an operator identity
// and a date. The operator is folded to a lowercase ASCII token so the ID is
// safe as a directory name on any archival filesystem.
func DeriveID(operator string, date time.Time) string {
	return textutil.SanitizeToken(operator) + "_" + date.Format("20060102")
}

// DurableID returns the dataset's durable identifier, deriving and
// persisting one on first use. The date comes from the dataset's first
// sidecar; datasets without a parseable acquisition date fall back to the
// processing date, which keeps the ID deterministic within a run.
func (a *Agent) DurableID(ctx context.Context, ds *catalog.Dataset) (string, error) {
	if ds.DurableID != "" {
		return ds.DurableID, nil
	}
	date, ok := a.acquisitionDate(ds.Path)
	if !ok {
		date = a.now()
	}
	id := DeriveID(a.cfg.Transfer.Operator, date)
	if err := a.store.AssignDurableID(ctx, ds.ID, id); err != nil {
		return "", services.Wrap(services.ErrTransfer, stageName, "durable-id",
			fmt.Sprintf("assign durable ID for dataset %s", ds.Path), err)
	}
	ds.DurableID = id
	return id, nil
}

func (a *Agent) acquisitionDate(datasetDir string) (time.Time, bool) {
	path, err := mdoc.FindFirst(datasetDir)
	if err != nil {
		return time.Time{}, false
	}
	file, err := mdoc.ParseFile(path)
	if err != nil {
		return time.Time{}, false
	}
	return file.AcquisitionDate()
}

// Outcome reports what one unit's archival did.
type Outcome struct {
	UnitID      int64
	Name        string
	DurableID   string
	ArchivePath string
	Copied      int
	Skipped     int
}

// LocateUnitDir finds a unit's local directory, checking the live aligned
// tree first and then the done tree (for re-runs against already-relocated
// units). moved reports whether the unit is already under Done.
func LocateUnitDir(datasetDir, name string) (dir string, moved bool, err error) {
	live := filepath.Join(layout.Aligned(datasetDir), name)
	if info, statErr := os.Stat(live); statErr == nil && info.IsDir() {
		return live, false, nil
	}
	done := filepath.Join(layout.Done(datasetDir), name)
	if info, statErr := os.Stat(done); statErr == nil && info.IsDir() {
		return done, true, nil
	}
	return "", false, services.Wrap(services.ErrNotFound, stageName, "locate",
		fmt.Sprintf("unit %s has no local directory under %s", name, datasetDir), nil)
}

// ArchiveUnit copies one unit and its dataset's raw frames to the archive,
// relocates the local unit directory to the done tree, and marks the unit
// archived. Already-present archive files are skipped; a fully-skipped run
// logs no new success.
func (a *Agent) ArchiveUnit(ctx context.Context, ds *catalog.Dataset, unit *catalog.Unit) (*Outcome, error) {
	logger := a.logger.With(
		logging.Int64(logging.FieldDatasetID, ds.ID),
		logging.Int64(logging.FieldUnitID, unit.ID),
		logging.String("unit", unit.Name),
	)

	unitDir, moved, err := LocateUnitDir(ds.Path, unit.Name)
	if err != nil {
		return nil, err
	}

	id, err := a.DurableID(ctx, ds)
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{
		UnitID:      unit.ID,
		Name:        unit.Name,
		DurableID:   id,
		ArchivePath: filepath.Join(layout.Archive(a.cfg.Paths.ArchiveRoot, id), unit.Name),
	}

	copied, skipped, err := copyTree(unitDir, outcome.ArchivePath)
	outcome.Copied += copied
	outcome.Skipped += skipped
	if err != nil {
		return outcome, services.Wrap(services.ErrTransfer, stageName, "copy",
			fmt.Sprintf("archive unit %s", unit.Name), err)
	}

	framesSrc := layout.Frames(ds.Path)
	if info, statErr := os.Stat(framesSrc); statErr == nil && info.IsDir() {
		copied, skipped, err = copyTree(framesSrc, layout.ArchiveFrames(a.cfg.Paths.ArchiveRoot, id))
		outcome.Copied += copied
		outcome.Skipped += skipped
		if err != nil {
			return outcome, services.Wrap(services.ErrTransfer, stageName, "copy",
				fmt.Sprintf("archive raw frames for dataset %s", ds.Path), err)
		}
	}

	if !moved {
		doneDir := filepath.Join(layout.Done(ds.Path), unit.Name)
		if err := fileutil.MoveDir(logger, unitDir, doneDir); err != nil {
			return outcome, services.Wrap(services.ErrTransfer, stageName, "relocate",
				fmt.Sprintf("relocate unit %s to done tree", unit.Name), err)
		}
	}

	unit.Status = catalog.UnitStatusArchived
	unit.ArchivedPath = outcome.ArchivePath
	unit.ErrorMessage = ""
	if err := a.store.UpdateUnit(ctx, unit); err != nil {
		return outcome, services.Wrap(services.ErrTransfer, stageName, "record",
			fmt.Sprintf("mark unit %s archived", unit.Name), err)
	}
	if _, err := a.store.RefreshDatasetStatus(ctx, ds.ID); err != nil {
		logger.Warn("refresh dataset status", logging.Error(err))
	}

	if outcome.Copied > 0 {
		logger.Info("unit archived",
			logging.String("archive", outcome.ArchivePath),
			logging.Int("files_copied", outcome.Copied),
			logging.Int("files_skipped", outcome.Skipped),
		)
	} else {
		logger.Debug("unit already archived; nothing copied",
			logging.String("archive", outcome.ArchivePath))
	}
	return outcome, nil
}

// Summary aggregates a run over a whole dataset.
type Summary struct {
	Archived int
	Skipped  int
	Failed   int
}

// ArchiveDataset re-runs archival over every unit of the dataset that has a
// reconstruction, including already-archived units (skip-existing makes
// those cheap). Per-unit failures are logged and counted, never escalated.
func (a *Agent) ArchiveDataset(ctx context.Context, ds *catalog.Dataset) (*Summary, error) {
	units, err := a.store.UnitsForDataset(ctx, ds.ID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransfer, stageName, "list",
			fmt.Sprintf("list units for dataset %s", ds.Path), err)
	}

	summary := &Summary{}
	for _, unit := range units {
		switch unit.Status {
		case catalog.UnitStatusReconstructed, catalog.UnitStatusArchiving, catalog.UnitStatusArchived:
		default:
			continue
		}
		outcome, err := a.ArchiveUnit(ctx, ds, unit)
		if err != nil {
			summary.Failed++
			a.logger.Error("unit transfer failed",
				logging.String("unit", unit.Name), logging.Error(err))
			continue
		}
		if outcome.Copied > 0 {
			summary.Archived++
		} else {
			summary.Skipped++
		}
	}

	a.logger.Info("dataset transfer pass complete",
		logging.String("dataset", ds.Path),
		logging.Int("archived", summary.Archived),
		logging.Int("skipped", summary.Skipped),
		logging.Int("failed", summary.Failed),
	)
	return summary, nil
}

// copyTree mirrors src into dst with hash-verified copies. Files already
// present with identical content are skipped.
func copyTree(src, dst string) (copied, skipped int, err error) {
	err = filepath.WalkDir(src, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		target := filepath.Join(dst, rel)
		if entry.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		same, sameErr := fileutil.SameContent(path, target)
		if sameErr != nil {
			return sameErr
		}
		if same {
			skipped++
			return nil
		}
		if copyErr := fileutil.CopyFile(path, target); copyErr != nil {
			return copyErr
		}
		copied++
		return nil
	})
	return copied, skipped, err
}
