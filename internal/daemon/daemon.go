package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"log/slog"

	"github.com/gofrs/flock"

	"stagehand/internal/catalog"
	"stagehand/internal/config"
	"stagehand/internal/logging"
	"stagehand/internal/notify"
	"stagehand/internal/pipeline"
	"stagehand/internal/preflight"
	"stagehand/internal/session"
)

const lockFileName = "stagehandd.lock"

// Daemon owns the shared state of the stagehand background process.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *catalog.Store
	registry *session.Registry
	logPath  string

	lockPath string
	lock     *flock.Flock

	running atomic.Bool

	mu     sync.Mutex
	coord  *pipeline.Coordinator
	cancel context.CancelFunc
	runErr error
}

// Status is a point-in-time snapshot of the daemon for the IPC surface.
type Status struct {
	Running      bool
	RunID        string
	PID          int
	CatalogPath  string
	LockFilePath string
	DatasetStats map[catalog.DatasetStatus]int
	UnitStats    map[catalog.UnitStatus]int
	Sessions     []session.Info
	Preflight    []preflight.Result
	LastRunError string
}

// New constructs a daemon over an opened catalog. The session registry is
// created here so sessions survive between runs for inspection.
func New(cfg *config.Config, store *catalog.Store, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || logger == nil {
		return nil, errors.New("daemon requires config, store, and logger")
	}
	lockPath := filepath.Join(cfg.Paths.StateDir, lockFileName)
	return &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		registry: session.NewRegistry(cfg, logger),
		logPath:  filepath.Join(cfg.Paths.LogDir, "stagehand.log"),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Acquire takes the single-instance lock. Call once at process startup.
func (d *Daemon) Acquire() error {
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !ok {
		return errors.New("another stagehand daemon is already running")
	}
	return nil
}

// RunOverrides adjusts pipeline toggles for a single run without touching
// the loaded configuration. Nil fields keep the configured value.
type RunOverrides struct {
	SkipCorrection *bool
	SkipTransfer   *bool
}

// StartRun launches a pipeline run in the background. Only one run may be
// active at a time.
func (d *Daemon) StartRun(ctx context.Context, overrides RunOverrides) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return "", errors.New("a pipeline run is already active")
	}

	cfg := d.cfg
	if overrides.SkipCorrection != nil || overrides.SkipTransfer != nil {
		clone := *d.cfg
		if overrides.SkipCorrection != nil {
			clone.Pipeline.SkipCorrection = *overrides.SkipCorrection
		}
		if overrides.SkipTransfer != nil {
			clone.Pipeline.SkipTransfer = *overrides.SkipTransfer
		}
		cfg = &clone
	}

	coord, err := pipeline.New(cfg, d.store, d.registry, d.logger)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.coord = coord
	d.cancel = cancel
	d.runErr = nil
	d.running.Store(true)

	go func() {
		err := coord.Run(runCtx)
		d.mu.Lock()
		d.runErr = err
		d.running.Store(false)
		d.mu.Unlock()
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("pipeline run ended with error", logging.Error(err))
			return
		}
		d.logger.Info("pipeline run ended", logging.String("run_id", coord.RunID()))
	}()

	d.logger.Info("pipeline run started", logging.String("run_id", coord.RunID()))
	return coord.RunID(), nil
}

// StopRun cancels the active run and tears down its sessions.
func (d *Daemon) StopRun() {
	d.mu.Lock()
	cancel := d.cancel
	coord := d.coord
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if coord != nil {
		coord.Shutdown()
	}
}

// Running reports whether a pipeline run is active.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Close stops any active run, releases the lock, and closes the catalog.
func (d *Daemon) Close() error {
	d.StopRun()
	d.registry.KillAll()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock", logging.Error(err))
	}
	return d.store.Close()
}

// Status gathers the daemon snapshot served over IPC.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		CatalogPath:  d.store.Path(),
		LockFilePath: d.lockPath,
		Sessions:     d.registry.List(),
		Preflight:    preflight.RunAll(d.cfg),
	}

	d.mu.Lock()
	if d.coord != nil {
		status.RunID = d.coord.RunID()
	}
	if d.runErr != nil && !errors.Is(d.runErr, context.Canceled) {
		status.LastRunError = d.runErr.Error()
	}
	d.mu.Unlock()

	if stats, err := d.store.DatasetStats(ctx); err == nil {
		status.DatasetStats = stats
	}
	if stats, err := d.store.UnitStats(ctx); err == nil {
		status.UnitStats = stats
	}
	return status
}

// Datasets lists catalog datasets, optionally filtered by status.
func (d *Daemon) Datasets(ctx context.Context, statuses ...catalog.DatasetStatus) ([]*catalog.Dataset, error) {
	return d.store.ListDatasets(ctx, statuses...)
}

// Units lists catalog units, optionally filtered by status.
func (d *Daemon) Units(ctx context.Context, statuses ...catalog.UnitStatus) ([]*catalog.Unit, error) {
	return d.store.ListUnits(ctx, statuses...)
}

// RetryFailed resets failed units (optionally a subset) so the next run picks
// them up again.
func (d *Daemon) RetryFailed(ctx context.Context, ids []int64) (int64, error) {
	return d.store.RetryFailedUnits(ctx, ids...)
}

// Sessions snapshots every known stage session.
func (d *Daemon) Sessions() []session.Info {
	return d.registry.List()
}

// Session returns one session snapshot by name.
func (d *Daemon) Session(name string) (session.Info, bool) {
	return d.registry.Get(name)
}

// KillSession tears down one session by name.
func (d *Daemon) KillSession(name string) error {
	return d.registry.Kill(name)
}

// KillAllSessions tears down every running session.
func (d *Daemon) KillAllSessions() int {
	return d.registry.KillAll()
}

// LogPath returns the daemon's main log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// SessionLogPath returns the log file of a named session, or the daemon log
// when the name is empty.
func (d *Daemon) SessionLogPath(name string) string {
	if strings.TrimSpace(name) == "" {
		return d.logPath
	}
	if info, ok := d.registry.Get(name); ok && info.LogPath != "" {
		return info.LogPath
	}
	return logging.SessionLogPath(d.cfg, name)
}

// TestNotification sends a test push through the configured notifier.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := notify.NewService(d.cfg).TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}
