package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"stagehand/internal/catalog"
	"stagehand/internal/logging"
	"stagehand/internal/procmon"
	"stagehand/internal/services"
	"stagehand/internal/watch"
)

// gateDenoise waits for reconstruction drain and then launches the denoise
// session. A drain timeout skips denoising; the rest of the run is
// unaffected.
func (c *Coordinator) gateDenoise(ctx context.Context, logger *slog.Logger, results <-chan watch.Result, datasets []*catalog.Dataset) {
	var err error
	if results != nil {
		err = c.waitForFutures(ctx, results)
	} else {
		err = c.waitForMonitor(ctx, logger)
	}
	if err != nil {
		if errors.Is(err, services.ErrCompletionTimeout) {
			logger.Warn("reconstruction drain timed out; skipping denoise prep", logging.Error(err))
			return
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warn("reconstruction drain failed; skipping denoise prep", logging.Error(err))
		return
	}

	logger.Info("reconstruction drained; launching denoise prep")
	if err := c.launchDenoise(ctx, datasets); err != nil {
		logger.Error("launch denoise session", logging.Error(err))
		_ = c.notifier.NotifyError(ctx, err, SessionDenoise)
	}
}

// waitForFutures consumes per-unit completion futures until at least one has
// arrived and no unit remains ahead of reconstruction. The timeout shares
// the monitor's configuration so both drain paths give up on the same
// schedule.
func (c *Coordinator) waitForFutures(ctx context.Context, results <-chan watch.Result) error {
	var deadline <-chan time.Time
	if c.cfg.Monitor.TimeoutMinutes > 0 {
		timer := time.NewTimer(time.Duration(c.cfg.Monitor.TimeoutMinutes) * time.Minute)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(c.rescanInterval())
	defer ticker.Stop()

	seen := 0
	for {
		// The gate opens once no unit remains ahead of reconstruction and
		// there is evidence units exist at all: a future from this run, or
		// catalog rows from a prior one. The registered-units path lets a
		// resumed run whose reconstructions all finished earlier proceed to
		// denoise instead of waiting out the timeout — at the cost that
		// sidecars not yet registered by correction are invisible to it,
		// the same sampling limitation the process monitor documents.
		pending, total, err := c.reconstructionBacklog(ctx)
		if err != nil {
			c.logger.Warn("poll pending units", logging.Error(err))
		} else if pending == 0 && (seen > 0 || total > 0) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return services.Wrap(services.ErrCompletionTimeout, "pipeline", "drain",
				fmt.Sprintf("%d reconstruction futures seen before timeout", seen), nil)
		case result, ok := <-results:
			if !ok {
				// Watcher ended; the pending count is the only signal left.
				if pending, _, err := c.reconstructionBacklog(ctx); err == nil && pending == 0 {
					return nil
				}
				return services.Wrap(services.ErrCompletionTimeout, "pipeline", "drain",
					"reconstruction watcher ended with units pending", nil)
			}
			seen++
			if result.Err != nil {
				c.logger.Debug("reconstruction future carries failure",
					logging.String("unit", result.Name), logging.Error(result.Err))
			}
		case <-ticker.C:
		}
	}
}

// reconstructionBacklog reports how many registered units have not yet passed
// reconstruction, alongside the total number of registered units.
func (c *Coordinator) reconstructionBacklog(ctx context.Context) (pending, total int, err error) {
	units, err := c.store.ListUnits(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, unit := range units {
		switch unit.Status {
		case catalog.UnitStatusDiscovered,
			catalog.UnitStatusCorrecting,
			catalog.UnitStatusCorrected,
			catalog.UnitStatusReconstructing:
			pending++
		}
	}
	return pending, len(units), nil
}

// waitForMonitor blocks on the external-mode process monitor.
func (c *Coordinator) waitForMonitor(ctx context.Context, logger *slog.Logger) error {
	monitor, err := procmon.NewFromConfig(c.cfg, logger)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "pipeline", "drain", "build process monitor", err)
	}
	return monitor.Wait(ctx)
}
