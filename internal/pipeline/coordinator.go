package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"stagehand/internal/catalog"
	"stagehand/internal/config"
	"stagehand/internal/logging"
	"stagehand/internal/mdoc"
	"stagehand/internal/normalize"
	"stagehand/internal/notify"
	"stagehand/internal/preflight"
	"stagehand/internal/procmon"
	"stagehand/internal/services"
	"stagehand/internal/session"
	"stagehand/internal/stageexec"
	"stagehand/internal/textutil"
)

// Session names used by the coordinator. External reconstruction sessions are
// per-dataset and carry a dataset suffix.
const (
	SessionCorrection     = "correction"
	SessionReconstruction = "reconstruction"
	SessionTransfer       = "transfer"
	SessionDenoise        = "denoise"
)

// Coordinator owns one pipeline run over the data root.
type Coordinator struct {
	cfg      *config.Config
	store    *catalog.Store
	registry *session.Registry
	notifier notify.Service
	logger   *slog.Logger
	exec     stageexec.Executor

	runID string
}

// Option adjusts coordinator construction, mainly for tests.
type Option func(*Coordinator)

// WithNotifier replaces the configured notification service.
func WithNotifier(svc notify.Service) Option {
	return func(c *Coordinator) { c.notifier = svc }
}

// WithExecutor replaces the worker executor used by every stage client.
func WithExecutor(exec stageexec.Executor) Option {
	return func(c *Coordinator) { c.exec = exec }
}

// New builds a coordinator. The registry is shared with the daemon so the IPC
// surface can list and kill the sessions this run launches.
func New(cfg *config.Config, store *catalog.Store, registry *session.Registry, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if cfg == nil || store == nil || registry == nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "new", "config, store, and registry are required", nil)
	}
	c := &Coordinator{
		cfg:      cfg,
		store:    store,
		registry: registry,
		notifier: notify.NewService(cfg),
		logger:   logging.NewComponentLogger(logger, "pipeline"),
		exec:     stageexec.CommandExecutor{},
		runID:    uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RunID identifies this run in logs and status output.
func (c *Coordinator) RunID() string {
	return c.runID
}

// Run executes one full pipeline run and blocks until every registered unit
// reaches its end state or the context is cancelled. Stage sessions keep
// their own lifecycles; Run only fails before launch (preflight, zero
// surviving datasets) or on context cancellation.
func (c *Coordinator) Run(ctx context.Context) error {
	started := time.Now()
	logger := c.logger.With(logging.String("run_id", c.runID))

	if failed := preflight.Failed(preflight.RunAll(c.cfg)); len(failed) > 0 {
		for _, check := range failed {
			logger.Error("preflight check failed",
				logging.String("check", check.Name),
				logging.String("detail", check.Detail),
			)
		}
		return services.Wrap(services.ErrConfiguration, "pipeline", "preflight",
			fmt.Sprintf("%d checks failed", len(failed)), nil)
	}

	if reaped, err := procmon.Reap(ctx, logger, c.workerPatterns()...); err != nil {
		logger.Warn("stale worker reap failed", logging.Error(err))
	} else if reaped > 0 {
		logger.Info("reaped stale workers from a previous run", logging.Int("count", reaped))
	}

	datasets, err := c.prepareDatasets(ctx, logger)
	if err != nil {
		return err
	}

	_ = c.notifier.NotifyRunStarted(ctx, len(datasets))
	logger.Info("pipeline run starting",
		logging.Int("datasets", len(datasets)),
		logging.String("data_root", c.cfg.Paths.DataRoot),
	)

	recon, err := c.launchStages(ctx, datasets)
	if err != nil {
		return err
	}

	if c.cfg.Denoise.Enabled {
		c.gateDenoise(ctx, logger, recon, datasets)
	}

	if err := c.waitForCompletion(ctx); err != nil {
		return err
	}

	archived, failed := c.runTotals(ctx)
	_ = c.notifier.NotifyRunCompleted(ctx, archived, failed, time.Since(started))
	logger.Info("pipeline run complete",
		logging.Int("archived", archived),
		logging.Int("failed", failed),
		logging.Duration("elapsed", time.Since(started)),
	)

	c.registry.KillAll()
	return nil
}

// Shutdown tears down every session of the run.
func (c *Coordinator) Shutdown() int {
	return c.registry.KillAll()
}

func (c *Coordinator) workerPatterns() []string {
	patterns := []string{c.cfg.ReconstructionBinary(), c.cfg.SerieswatcherBinary()}
	if !c.cfg.Pipeline.SkipCorrection {
		patterns = append(patterns, c.cfg.CorrectionBinary())
	}
	return patterns
}

// prepareDatasets discovers dataset directories under the data root,
// registers them, and normalizes each one synchronously. A normalization
// failure parks that dataset as failed and its siblings continue; only zero
// survivors aborts the run.
func (c *Coordinator) prepareDatasets(ctx context.Context, logger *slog.Logger) ([]*catalog.Dataset, error) {
	dirs, err := DiscoverDatasetDirs(c.cfg.Paths.DataRoot)
	if err != nil {
		return nil, services.Wrap(services.ErrStageLaunch, "pipeline", "discover", "scan data root", err)
	}
	if len(dirs) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "discover",
			fmt.Sprintf("no datasets under %s", c.cfg.Paths.DataRoot), nil)
	}

	normalizer := normalize.New(c.cfg, c.logger)
	survivors := make([]*catalog.Dataset, 0, len(dirs))
	for _, dir := range dirs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ds, err := c.store.RegisterDataset(ctx, catalog.NewDataset{
			Path:      dir,
			Title:     textutil.DisplayTitle(filepath.Base(dir)),
			Variant:   catalog.Variant(c.cfg.Acquisition.Variant),
			TiltAxis:  c.cfg.Acquisition.TiltAxis,
			PixelSize: c.cfg.Acquisition.PixelSize,
			Exposure:  c.cfg.Acquisition.Exposure,
		})
		if err != nil {
			return nil, services.Wrap(services.ErrStageLaunch, "pipeline", "register", dir, err)
		}

		result, err := normalizer.Run(ctx, dir)
		if err != nil {
			logger.Error("dataset normalization failed; siblings continue",
				logging.String("dataset", ds.Title),
				logging.Error(err),
			)
			if markErr := c.store.MarkDatasetFailed(ctx, ds.ID, err.Error()); markErr != nil {
				logger.Warn("mark dataset failed", logging.Error(markErr))
			}
			_ = c.notifier.NotifyDatasetFailed(ctx, ds.Title, err.Error())
			continue
		}

		c.recordAcquisition(ctx, logger, ds, result)
		if err := c.store.AdvanceDatasetStatus(ctx, ds.ID, catalog.DatasetStatusNormalized); err != nil {
			logger.Warn("advance dataset status", logging.Error(err))
		}
		_ = c.notifier.NotifyDatasetNormalized(ctx, ds.Title, len(result.Sidecars))
		survivors = append(survivors, ds)
	}

	if len(survivors) == 0 {
		return nil, services.Wrap(services.ErrMetadataParse, "pipeline", "normalize",
			"no datasets survived normalization", nil)
	}
	return survivors, nil
}

// recordAcquisition backfills acquisition facts captured during
// normalization onto the dataset row so reconstruction directives do not
// reparse sidecars.
func (c *Coordinator) recordAcquisition(ctx context.Context, logger *slog.Logger, ds *catalog.Dataset, result *normalize.Result) {
	changed := false
	if result.TiltAxis != nil && ds.TiltAxis == nil {
		ds.TiltAxis = result.TiltAxis
		changed = true
	}
	if result.PixelSize > 0 && ds.PixelSize == nil {
		v := result.PixelSize
		ds.PixelSize = &v
		changed = true
	}
	if result.ExposureDose > 0 && ds.Exposure == nil {
		v := result.ExposureDose
		ds.Exposure = &v
		changed = true
	}
	if !changed {
		return
	}
	if err := c.store.UpdateDataset(ctx, ds); err != nil {
		logger.Warn("record acquisition facts", logging.Error(err))
	}
}

// DiscoverDatasetDirs returns the immediate subdirectories of root that hold
// at least one sidecar file anywhere in their tree. Sidecars still carrying a
// variant spelling count; normalization renames them afterwards.
func DiscoverDatasetDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if hasSidecar(dir) {
			dirs = append(dirs, dir)
		}
	}
	return dirs, nil
}

func hasSidecar(dir string) bool {
	found := false
	_ = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		if strings.Contains(strings.ToLower(entry.Name()), mdoc.Extension) {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found
}

func (c *Coordinator) runTotals(ctx context.Context) (archived, failed int) {
	stats, err := c.store.UnitStats(ctx)
	if err != nil {
		c.logger.Warn("unit stats", logging.Error(err))
		return 0, 0
	}
	return stats[catalog.UnitStatusArchived], stats[catalog.UnitStatusFailed]
}

// waitForCompletion polls the catalog until every registered unit has reached
// its end state for this run. With transfer skipped, reconstructed is the end
// state.
func (c *Coordinator) waitForCompletion(ctx context.Context) error {
	interval := c.rescanInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		units, err := c.store.ListUnits(ctx)
		if err != nil {
			c.logger.Warn("poll unit states", logging.Error(err))
			continue
		}
		if len(units) == 0 {
			continue
		}
		done := true
		for _, unit := range units {
			if !c.runTerminal(unit) {
				done = false
				break
			}
		}
		if done {
			return nil
		}
	}
}

func (c *Coordinator) runTerminal(unit *catalog.Unit) bool {
	if unit.Terminal() {
		return true
	}
	return c.cfg.Pipeline.SkipTransfer && unit.Status == catalog.UnitStatusReconstructed
}

func (c *Coordinator) rescanInterval() time.Duration {
	if c.cfg.Pipeline.RescanInterval > 0 {
		return time.Duration(c.cfg.Pipeline.RescanInterval) * time.Second
	}
	return 30 * time.Second
}

func (c *Coordinator) settleInterval() time.Duration {
	if c.cfg.Pipeline.SettleSeconds > 0 {
		return time.Duration(c.cfg.Pipeline.SettleSeconds) * time.Second
	}
	return 5 * time.Second
}

func (c *Coordinator) heartbeatInterval() time.Duration {
	if c.cfg.Pipeline.HeartbeatInterval > 0 {
		return time.Duration(c.cfg.Pipeline.HeartbeatInterval) * time.Second
	}
	return 0
}
