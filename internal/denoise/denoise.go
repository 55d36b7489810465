// Package denoise drives the conditional denoising-preparation stage. For
// every reconstructed unit it builds the even/odd half tomograms, then emits
// the DeepDeWedge training configuration over a sampled subset of halfset
// pairs. Units without the alignment metadata the split needs are skipped
// with a report; only the preparation happens here, running the trainer is
// the operator's call.
package denoise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"time"

	"stagehand/internal/catalog"
	"stagehand/internal/config"
	"stagehand/internal/logging"
	"stagehand/internal/services"
	"stagehand/internal/transfer"
	"stagehand/internal/workers/ddw"
	"stagehand/internal/workers/halftomo"
)

const stageName = "denoise"

// halfsetGenerator is the slice of the halftomo client the stage uses.
type halfsetGenerator interface {
	Generate(ctx context.Context, dir string, onLine func(string)) (*halftomo.Result, error)
}

// Stage prepares denoising inputs for one run.
type Stage struct {
	cfg       *config.Config
	store     *catalog.Store
	generator halfsetGenerator
	logger    *slog.Logger
	rng       *rand.Rand
}

// Option configures the stage.
type Option func(*Stage)

// WithGenerator injects a halfset generator (primarily for tests).
func WithGenerator(g halfsetGenerator) Option {
	return func(s *Stage) {
		if g != nil {
			s.generator = g
		}
	}
}

// WithRand injects the sampling source so training selection is
// reproducible in tests.
func WithRand(rng *rand.Rand) Option {
	return func(s *Stage) {
		if rng != nil {
			s.rng = rng
		}
	}
}

// New constructs the stage.
func New(cfg *config.Config, store *catalog.Store, logger *slog.Logger, opts ...Option) (*Stage, error) {
	if !cfg.Denoise.Enabled {
		return nil, services.Wrap(services.ErrConfiguration, stageName, "new",
			"denoising preparation is disabled", nil)
	}
	client, err := halftomo.New(cfg.SubmfgBinary(), cfg.TrimvolBinary(), cfg.Reconstruction)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, stageName, "new",
			"build halfset client", err)
	}
	stage := &Stage{
		cfg:       cfg,
		store:     store,
		generator: client,
		logger:    logging.NewComponentLogger(logger, stageName),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(stage)
	}
	return stage, nil
}

// Report summarizes one preparation pass.
type Report struct {
	Prepared  int
	Skipped   int
	Failed    int
	FitConfig string
}

// Run prepares halfsets for every eligible unit of the dataset, then writes
// the trainer configuration when at least one pair exists. Per-unit
// failures and skips never abort the pass.
func (s *Stage) Run(ctx context.Context, ds *catalog.Dataset) (*Report, error) {
	units, err := s.store.UnitsForDataset(ctx, ds.ID)
	if err != nil {
		return nil, services.Wrap(services.ErrUnitProcessing, stageName, "list",
			fmt.Sprintf("list units for dataset %s", ds.Path), err)
	}

	report := &Report{}
	for _, unit := range units {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !eligible(unit) {
			continue
		}
		s.prepareUnit(ctx, ds, unit, report)
	}

	if report.Prepared > 0 {
		path, err := s.writeTrainerConfigs(ds.Path)
		if err != nil {
			return report, err
		}
		report.FitConfig = path
	}

	s.logger.Info("denoising preparation pass complete",
		logging.String("dataset", ds.Path),
		logging.Int("prepared", report.Prepared),
		logging.Int("skipped", report.Skipped),
		logging.Int("failed", report.Failed),
	)
	return report, nil
}

// eligible selects units with a reconstruction whose preparation has not
// started. Archived units stay eligible because transfer and denoising prep
// are independent consumers of the reconstruction output.
func eligible(unit *catalog.Unit) bool {
	switch unit.Status {
	case catalog.UnitStatusReconstructed, catalog.UnitStatusArchiving, catalog.UnitStatusArchived:
	default:
		return false
	}
	return unit.DenoiseState == catalog.DenoiseStateNone || unit.DenoiseState == catalog.DenoiseStatePending
}

func (s *Stage) prepareUnit(ctx context.Context, ds *catalog.Dataset, unit *catalog.Unit, report *Report) {
	logger := s.logger.With(
		logging.Int64(logging.FieldUnitID, unit.ID),
		logging.String("unit", unit.Name),
	)

	claimed, err := s.store.ClaimDenoise(ctx, unit.ID, unit.DenoiseState, catalog.DenoiseStatePreparing)
	if err != nil {
		logger.Error("claim denoise preparation", logging.Error(err))
		report.Failed++
		return
	}
	if !claimed {
		return
	}

	unitDir, _, err := transfer.LocateUnitDir(ds.Path, unit.Name)
	if err == nil {
		_, err = s.generator.Generate(ctx, unitDir, func(line string) {
			logger.Debug("halfset worker", logging.String("line", line))
		})
	}

	switch {
	case err == nil:
		s.setDenoiseState(ctx, logger, unit, catalog.DenoiseStatePrepared, "")
		report.Prepared++
		logger.Info("halfsets prepared")
	case errors.Is(err, halftomo.ErrInsufficientMetadata), errors.Is(err, services.ErrNotFound):
		s.setDenoiseState(ctx, logger, unit, catalog.DenoiseStateSkipped, err.Error())
		report.Skipped++
		logger.Warn("unit skipped for denoising preparation", logging.Error(err))
	default:
		s.setDenoiseState(ctx, logger, unit, catalog.DenoiseStateFailed, err.Error())
		report.Failed++
		logger.Error("halfset generation failed", logging.Error(err))
	}
}

func (s *Stage) setDenoiseState(ctx context.Context, logger *slog.Logger, unit *catalog.Unit, state catalog.DenoiseState, message string) {
	unit.DenoiseState = state
	if message != "" {
		unit.ErrorMessage = message
	}
	if err := s.store.UpdateUnit(ctx, unit); err != nil {
		logger.Error("persist denoise state", logging.Error(err))
	}
}

// writeTrainerConfigs renders the fit configuration over a sampled training
// subset and the refine configuration over every pair. The refine file's
// model checkpoint stays empty until a fitted model exists; the trainer run
// fills it in.
func (s *Stage) writeTrainerConfigs(datasetDir string) (string, error) {
	pairs, err := ddw.LocateHalfsets(datasetDir)
	if err != nil {
		return "", services.Wrap(services.ErrUnitProcessing, stageName, "configs",
			fmt.Sprintf("locate halfsets under %s", datasetDir), err)
	}

	training := ddw.SampleTraining(s.rng, pairs, s.cfg.Denoise.TrainingSamples)
	fitPath := filepath.Join(datasetDir, ddw.FitConfigName)
	if err := ddw.BuildFitConfig(datasetDir, s.cfg.Denoise, training).Write(fitPath); err != nil {
		return "", services.Wrap(services.ErrUnitProcessing, stageName, "configs",
			"write fit configuration", err)
	}

	refinePath := filepath.Join(datasetDir, ddw.RefineConfigName)
	if err := ddw.BuildRefineConfig(datasetDir, s.cfg.Denoise, pairs, "").Write(refinePath); err != nil {
		return "", services.Wrap(services.ErrUnitProcessing, stageName, "configs",
			"write refine configuration", err)
	}

	s.logger.Info("trainer configuration written",
		logging.String("fit_config", fitPath),
		logging.Int("training_pairs", len(training)),
		logging.Int("total_pairs", len(pairs)),
	)
	return fitPath, nil
}
