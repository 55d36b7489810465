package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"stagehand/internal/catalog"
	"stagehand/internal/config"
	"stagehand/internal/denoise"
	"stagehand/internal/fileutil"
	"stagehand/internal/layout"
	"stagehand/internal/logging"
	"stagehand/internal/services"
	"stagehand/internal/session"
	"stagehand/internal/stageexec"
	"stagehand/internal/textutil"
	"stagehand/internal/transfer"
	"stagehand/internal/watch"
	"stagehand/internal/workers/alignframes"
	"stagehand/internal/workers/batchruntomo"
)

// launchStages starts the correction, reconstruction, and transfer sessions.
// It returns the reconstruction watcher's completion futures in internal
// mode; in external mode the returned channel is nil and the drain gate
// falls back to the process monitor.
func (c *Coordinator) launchStages(ctx context.Context, datasets []*catalog.Dataset) (<-chan watch.Result, error) {
	if !c.cfg.Pipeline.SkipCorrection {
		if err := c.launchCorrection(ctx, datasets); err != nil {
			return nil, err
		}
		_ = c.notifier.NotifyStageLaunched(ctx, SessionCorrection)
	}

	var results <-chan watch.Result
	if c.cfg.Reconstruction.Mode == config.ReconModeExternal {
		if err := c.launchExternalReconstruction(datasets); err != nil {
			return nil, err
		}
	} else {
		watcher, err := c.launchInternalReconstruction(ctx, datasets)
		if err != nil {
			return nil, err
		}
		results = watcher.Results()
	}
	_ = c.notifier.NotifyStageLaunched(ctx, SessionReconstruction)

	if !c.cfg.Pipeline.SkipTransfer {
		if err := c.launchTransfer(ctx); err != nil {
			return nil, err
		}
		_ = c.notifier.NotifyStageLaunched(ctx, SessionTransfer)
	}

	return results, nil
}

// launchCorrection starts the correction watcher session over the data root.
// Discovery finds canonical sidecars whose raw frames have stopped growing;
// processing runs the motion-correction worker and relocates consumed frames.
func (c *Coordinator) launchCorrection(ctx context.Context, datasets []*catalog.Dataset) error {
	client, err := alignframes.New(c.cfg.CorrectionBinary(), c.cfg.Correction, alignframes.WithExecutor(c.exec))
	if err != nil {
		return services.Wrap(services.ErrStageLaunch, SessionCorrection, "launch", "build correction client", err)
	}

	cfg := watch.Config{
		Stage:     SessionCorrection,
		WatchDir:  c.cfg.Paths.DataRoot,
		Settle:    c.settleInterval(),
		Rescan:    c.rescanInterval(),
		From:      catalog.UnitStatusDiscovered,
		Claimed:   catalog.UnitStatusCorrecting,
		Done:      catalog.UnitStatusCorrected,
		Heartbeat: c.heartbeatInterval(),
	}

	stability := watch.NewStability()
	discover := func(ctx context.Context) ([]watch.Discovered, error) {
		var found []watch.Discovered
		for _, ds := range datasets {
			sidecars, err := datasetSidecars(ds.Path)
			if err != nil {
				return nil, err
			}
			framesDir := layout.Frames(ds.Path)
			framesSettled := true
			if info, statErr := os.Stat(framesDir); statErr == nil && info.IsDir() {
				framesSettled = stability.StableTree(framesDir)
			}
			for _, sidecar := range sidecars {
				if !stability.Stable(sidecar) || !framesSettled {
					continue
				}
				found = append(found, watch.Discovered{
					DatasetID: ds.ID,
					Name:      strings.TrimSuffix(filepath.Base(sidecar), ".mdoc"),
					InputPath: sidecar,
				})
			}
		}
		return found, nil
	}

	process := func(ctx context.Context, unit *catalog.Unit, input watch.Discovered, logger *slog.Logger) error {
		datasetDir := filepath.Dir(input.InputPath)
		alignedDir := layout.Aligned(datasetDir)
		for _, dir := range []string{alignedDir, layout.Thumbs(datasetDir), layout.Processed(datasetDir)} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return services.Wrap(services.ErrUnitProcessing, SessionCorrection, "prepare",
					fmt.Sprintf("create %s", dir), err)
			}
		}

		output := filepath.Join(alignedDir, input.Name+".mrc")
		if err := client.Correct(ctx, input.InputPath, output, workerLineLogger(logger)); err != nil {
			return services.Wrap(services.ErrUnitProcessing, SessionCorrection, "correct", input.Name, err)
		}
		unit.StackPath = output

		if moved, err := relocateConsumedFrames(datasetDir, input.Name); err != nil {
			logger.Warn("relocate consumed frames", logging.Error(err))
		} else if moved > 0 {
			logger.Debug("consumed frames relocated", logging.Int("count", moved))
		}
		return nil
	}

	watcher, err := watch.New(cfg, c.store, discover, process, c.logger)
	if err != nil {
		return err
	}
	_, err = c.registry.StartTask(ctx, session.Spec{
		Name:     SessionCorrection,
		Kind:     session.KindWatcher,
		WatchDir: c.cfg.Paths.DataRoot,
	}, func(ctx context.Context, logger *slog.Logger) error {
		return watcher.Run(ctx)
	})
	return err
}

// launchInternalReconstruction starts the reconstruction watcher session.
// Discovery finds settled aligned stacks; processing moves the stack into a
// per-unit directory and runs the directive-driven worker to completion.
func (c *Coordinator) launchInternalReconstruction(ctx context.Context, datasets []*catalog.Dataset) (*watch.Watcher, error) {
	client, err := batchruntomo.New(
		c.cfg.ReconstructionBinary(),
		c.cfg.SubmfgBinary(),
		c.cfg.SerieswatcherBinary(),
		c.cfg.Reconstruction,
		batchruntomo.WithExecutor(c.exec),
	)
	if err != nil {
		return nil, services.Wrap(services.ErrStageLaunch, SessionReconstruction, "launch", "build reconstruction client", err)
	}

	cfg := watch.Config{
		Stage:     SessionReconstruction,
		WatchDir:  c.cfg.Paths.DataRoot,
		Settle:    c.settleInterval(),
		Rescan:    c.rescanInterval(),
		From:      catalog.UnitStatusCorrected,
		Claimed:   catalog.UnitStatusReconstructing,
		Done:      catalog.UnitStatusReconstructed,
		Heartbeat: c.heartbeatInterval(),
	}

	stability := watch.NewStability()
	discover := func(ctx context.Context) ([]watch.Discovered, error) {
		var found []watch.Discovered
		for _, ds := range datasets {
			stacks, err := alignedStacks(layout.Aligned(ds.Path))
			if err != nil {
				return nil, err
			}
			for _, stack := range stacks {
				if !stability.Stable(stack) {
					continue
				}
				found = append(found, watch.Discovered{
					DatasetID: ds.ID,
					Name:      strings.TrimSuffix(filepath.Base(stack), ".mrc"),
					InputPath: stack,
				})
			}
		}
		return found, nil
	}

	process := func(ctx context.Context, unit *catalog.Unit, input watch.Discovered, logger *slog.Logger) error {
		ds, err := c.store.DatasetByID(ctx, unit.DatasetID)
		if err != nil {
			return err
		}
		outDir, stackPath, err := stageUnitDir(ds.Path, input.Name, input.InputPath)
		if err != nil {
			return services.Wrap(services.ErrUnitProcessing, SessionReconstruction, "stage", input.Name, err)
		}
		unit.StackPath = stackPath

		facts := c.reconstructionFacts(ds, outDir)
		if err := client.Reconstruct(ctx, facts, workerLineLogger(logger)); err != nil {
			return services.Wrap(services.ErrUnitProcessing, SessionReconstruction, "reconstruct", input.Name, err)
		}
		unit.TomogramPath = filepath.Join(outDir, input.Name+"_rec.mrc")
		return nil
	}

	watcher, err := watch.New(cfg, c.store, discover, process, c.logger)
	if err != nil {
		return nil, err
	}
	_, err = c.registry.StartTask(ctx, session.Spec{
		Name:     SessionReconstruction,
		Kind:     session.KindWatcher,
		WatchDir: c.cfg.Paths.DataRoot,
	}, func(ctx context.Context, logger *slog.Logger) error {
		return watcher.Run(ctx)
	})
	if err != nil {
		return nil, err
	}
	return watcher, nil
}

// launchExternalReconstruction writes per-dataset directives and starts one
// detached series-watcher process per dataset. The children are only stopped
// through the session registry; completion is inferred by the drain monitor.
func (c *Coordinator) launchExternalReconstruction(datasets []*catalog.Dataset) error {
	for _, ds := range datasets {
		alignedDir := layout.Aligned(ds.Path)
		if err := os.MkdirAll(alignedDir, 0o755); err != nil {
			return services.Wrap(services.ErrStageLaunch, SessionReconstruction, "launch",
				fmt.Sprintf("create %s", alignedDir), err)
		}
		facts := c.reconstructionFacts(ds, alignedDir)
		comPath, adocPath, err := batchruntomo.WriteDirectives(c.cfg.ReconstructionBinary(), c.cfg.Reconstruction, facts)
		if err != nil {
			return services.Wrap(services.ErrStageLaunch, SessionReconstruction, "launch",
				fmt.Sprintf("write directives for %s", ds.Title), err)
		}
		name := externalSessionName(ds)
		_, err = c.registry.StartProcess(session.Spec{
			Name:      name,
			Kind:      session.KindExternal,
			WatchDir:  alignedDir,
			OutputDir: alignedDir,
		}, stageexec.Command{
			Binary: c.cfg.SerieswatcherBinary(),
			Args:   []string{"-com", comPath, "-adoc", adocPath},
			Dir:    alignedDir,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func externalSessionName(ds *catalog.Dataset) string {
	return SessionReconstruction + "-" + textutil.SanitizeToken(filepath.Base(ds.Path))
}

func (c *Coordinator) reconstructionFacts(ds *catalog.Dataset, outDir string) batchruntomo.Facts {
	facts := batchruntomo.Facts{OutDir: outDir}
	if ds.PixelSize != nil {
		facts.PixelSize = *ds.PixelSize
	}
	if ds.TiltAxis != nil {
		facts.TiltAxis = *ds.TiltAxis
	}
	return facts
}

// launchTransfer starts the archival session: a claim loop that moves units
// from reconstructed to archived one at a time.
func (c *Coordinator) launchTransfer(ctx context.Context) error {
	agent, err := transfer.New(c.cfg, c.store, c.logger)
	if err != nil {
		return err
	}
	interval := c.rescanInterval()

	_, err = c.registry.StartTask(ctx, session.Spec{
		Name:      SessionTransfer,
		Kind:      session.KindTransfer,
		OutputDir: c.cfg.Paths.ArchiveRoot,
	}, func(ctx context.Context, logger *slog.Logger) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			c.transferPass(ctx, agent, logger)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
	return err
}

func (c *Coordinator) transferPass(ctx context.Context, agent *transfer.Agent, logger *slog.Logger) {
	units, err := c.store.ListUnits(ctx, catalog.UnitStatusReconstructed, catalog.UnitStatusArchiving)
	if err != nil {
		logger.Warn("list transferable units", logging.Error(err))
		return
	}
	for _, unit := range units {
		if ctx.Err() != nil {
			return
		}
		if unit.Status == catalog.UnitStatusReconstructed {
			claimed, err := c.store.ClaimUnit(ctx, unit.ID, catalog.UnitStatusReconstructed, catalog.UnitStatusArchiving)
			if err != nil {
				logger.Error("claim unit for transfer", logging.String("unit", unit.Name), logging.Error(err))
				continue
			}
			if !claimed {
				continue
			}
		}

		ds, err := c.store.DatasetByID(ctx, unit.DatasetID)
		if err != nil {
			logger.Error("load dataset for transfer", logging.String("unit", unit.Name), logging.Error(err))
			continue
		}

		outcome, err := agent.ArchiveUnit(ctx, ds, unit)
		if err != nil {
			unit.Status = services.FailureStatus(err)
			unit.ErrorMessage = err.Error()
			if updateErr := c.store.UpdateUnit(ctx, unit); updateErr != nil {
				logger.Error("persist transfer failure", logging.Error(updateErr))
			}
			logger.Error("unit transfer failed", logging.String("unit", unit.Name), logging.Error(err))
			_ = c.notifier.NotifyError(ctx, err, SessionTransfer)
			continue
		}
		_ = c.notifier.NotifyUnitArchived(ctx, unit.Name, outcome.DurableID)
	}
}

// launchDenoise starts the denoising-preparation session over every surviving
// dataset. Called only after the drain gate opens.
func (c *Coordinator) launchDenoise(ctx context.Context, datasets []*catalog.Dataset) error {
	stage, err := denoise.New(c.cfg, c.store, c.logger)
	if err != nil {
		return err
	}
	_, err = c.registry.StartTask(ctx, session.Spec{
		Name: SessionDenoise,
		Kind: session.KindDenoise,
	}, func(ctx context.Context, logger *slog.Logger) error {
		for _, ds := range datasets {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report, err := stage.Run(ctx, ds)
			if err != nil {
				logger.Error("denoise prep failed for dataset",
					logging.String("dataset", ds.Title), logging.Error(err))
				_ = c.notifier.NotifyError(ctx, err, SessionDenoise)
				continue
			}
			_ = c.notifier.NotifyDenoisePrepared(ctx, ds.Title, report.Prepared, report.Skipped)
		}
		return nil
	})
	if err == nil {
		_ = c.notifier.NotifyStageLaunched(ctx, SessionDenoise)
	}
	return err
}

// datasetSidecars lists canonical sidecar files at the dataset root. Sidecars
// inside the aligned tree belong to staged units and are not inputs.
func datasetSidecars(datasetDir string) ([]string, error) {
	entries, err := os.ReadDir(datasetDir)
	if err != nil {
		return nil, err
	}
	var sidecars []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".mdoc") {
			continue
		}
		sidecars = append(sidecars, filepath.Join(datasetDir, entry.Name()))
	}
	return sidecars, nil
}

// alignedStacks lists corrected stacks sitting directly in the aligned
// directory. Derived volumes and already-staged units live in subdirectories
// and are excluded by construction.
func alignedStacks(alignedDir string) ([]string, error) {
	entries, err := os.ReadDir(alignedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var stacks []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".mrc") {
			continue
		}
		if strings.Contains(name, "_rec") || strings.Contains(name, "_ali") {
			continue
		}
		stacks = append(stacks, filepath.Join(alignedDir, name))
	}
	return stacks, nil
}

// stageUnitDir creates the per-unit working directory and moves the aligned
// stack (and its sidecar, when present) into it.
func stageUnitDir(datasetDir, name, stackPath string) (outDir, stagedStack string, err error) {
	outDir = filepath.Join(layout.Aligned(datasetDir), name)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", "", err
	}
	stagedStack = filepath.Join(outDir, name+".mrc")
	if _, statErr := os.Stat(stackPath); statErr == nil {
		if err := os.Rename(stackPath, stagedStack); err != nil {
			return "", "", err
		}
	}
	sidecar := filepath.Join(datasetDir, name+".mdoc")
	if _, statErr := os.Stat(sidecar); statErr == nil {
		if err := fileutil.CopyFile(sidecar, filepath.Join(outDir, name+".mdoc")); err != nil {
			return "", "", err
		}
	}
	return outDir, stagedStack, nil
}

// relocateConsumedFrames moves a unit's raw movie files out of the shared
// frames directory once the corrected stack exists.
func relocateConsumedFrames(datasetDir, name string) (int, error) {
	framesDir := layout.Frames(datasetDir)
	entries, err := os.ReadDir(framesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	processed := layout.Processed(datasetDir)
	moved := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), name) {
			continue
		}
		src := filepath.Join(framesDir, entry.Name())
		dst := filepath.Join(processed, entry.Name())
		if err := os.Rename(src, dst); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func workerLineLogger(logger *slog.Logger) func(string) {
	return func(line string) {
		logger.Debug("worker output", logging.String("line", line))
	}
}
