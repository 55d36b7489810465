package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"stagehand/internal/catalog"
	"stagehand/internal/logging"
	"stagehand/internal/services"
)

// Discovered is one complete, processable input unit found in the watch
// tree.
type Discovered struct {
	DatasetID int64
	Name      string
	InputPath string
}

// DiscoverFunc scans the watch tree and returns every complete unit present,
// claimed or not; the watcher filters out units already past the claim
// status. Implementations own the completeness predicate.
type DiscoverFunc func(ctx context.Context) ([]Discovered, error)

// ProcessFunc runs the stage worker for one claimed unit. On success the
// implementation records artifact paths on the unit; the watcher persists
// the unit and advances its status.
type ProcessFunc func(ctx context.Context, unit *catalog.Unit, input Discovered, logger *slog.Logger) error

// Config binds a watcher instance to its directories and status transitions.
type Config struct {
	Stage    string
	WatchDir string
	Settle   time.Duration
	Rescan   time.Duration

	// Claim is the compare-and-set From -> Claimed; Done is recorded after a
	// successful process call.
	From    catalog.UnitStatus
	Claimed catalog.UnitStatus
	Done    catalog.UnitStatus

	Heartbeat time.Duration
}

// Result is the per-unit completion future consumed by the coordinator's
// drain gate.
type Result struct {
	UnitID int64
	Name   string
	Err    error
}

// Watcher is the engine. Construct with New, then Run until the context is
// cancelled.
type Watcher struct {
	cfg      Config
	store    *catalog.Store
	discover DiscoverFunc
	process  ProcessFunc
	logger   *slog.Logger
	results  chan Result
}

// New builds a watcher. The results channel is buffered so a slow drain-gate
// consumer never blocks unit processing.
func New(cfg Config, store *catalog.Store, discover DiscoverFunc, process ProcessFunc, logger *slog.Logger) (*Watcher, error) {
	if cfg.WatchDir == "" {
		return nil, services.Wrap(services.ErrConfiguration, cfg.Stage, "watch", "watch directory required", nil)
	}
	if store == nil || discover == nil || process == nil {
		return nil, services.Wrap(services.ErrConfiguration, cfg.Stage, "watch", "store, discover, and process are required", nil)
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 5 * time.Second
	}
	if cfg.Rescan <= 0 {
		cfg.Rescan = 30 * time.Second
	}
	return &Watcher{
		cfg:      cfg,
		store:    store,
		discover: discover,
		process:  process,
		logger:   logging.NewComponentLogger(logger, cfg.Stage),
		results:  make(chan Result, 256),
	}, nil
}

// Results returns the per-unit completion channel. Closed when Run returns.
func (w *Watcher) Results() <-chan Result {
	return w.results
}

// Run observes the watch tree until ctx is cancelled. Unit failures are
// reported and skipped; only watcher-level faults (unreadable tree, catalog
// errors on claim bookkeeping) end the loop early.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.results)

	if err := os.MkdirAll(w.cfg.WatchDir, 0o755); err != nil {
		return services.Wrap(services.ErrStageLaunch, w.cfg.Stage, "watch", "create watch directory", err)
	}

	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return services.Wrap(services.ErrStageLaunch, w.cfg.Stage, "watch", "create fsnotify watcher", err)
	}
	defer notifier.Close()

	if err := w.addWatchTree(notifier); err != nil {
		return err
	}

	w.logger.Info("watching for input units",
		logging.String("dir", w.cfg.WatchDir),
		logging.Duration("settle", w.cfg.Settle),
		logging.Duration("rescan", w.cfg.Rescan),
	)

	// Units present before start are picked up immediately.
	w.sweep(ctx)

	rescan := time.NewTicker(w.cfg.Rescan)
	defer rescan.Stop()

	settle := time.NewTimer(w.cfg.Settle)
	if !settle.Stop() {
		<-settle.C
	}
	settlePending := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-notifier.Events:
			if !ok {
				return services.Wrap(services.ErrUnitProcessing, w.cfg.Stage, "watch", "event stream closed", nil)
			}
			if event.Op.Has(fsnotify.Create) {
				// New subdirectories join the watch so nested artifacts
				// (per-series output dirs) generate events too.
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					_ = notifier.Add(event.Name)
				}
			}
			if settlePending && !settle.Stop() {
				<-settle.C
			}
			settle.Reset(w.cfg.Settle)
			settlePending = true
		case err, ok := <-notifier.Errors:
			if ok && err != nil {
				w.logger.Warn("watch event error", logging.Error(err))
			}
		case <-settle.C:
			settlePending = false
			w.sweep(ctx)
		case <-rescan.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watcher) addWatchTree(notifier *fsnotify.Watcher) error {
	if err := notifier.Add(w.cfg.WatchDir); err != nil {
		return services.Wrap(services.ErrStageLaunch, w.cfg.Stage, "watch",
			fmt.Sprintf("watch %s", w.cfg.WatchDir), err)
	}
	entries, err := os.ReadDir(w.cfg.WatchDir)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		if entry.IsDir() {
			_ = notifier.Add(filepath.Join(w.cfg.WatchDir, entry.Name()))
		}
	}
	return nil
}

// sweep runs one discover-claim-process pass. Processing is sequential: the
// workers themselves parallelize internally (GPU lists, CPU machine lists),
// so one unit at a time per stage is the intended load shape.
func (w *Watcher) sweep(ctx context.Context) {
	found, err := w.discover(ctx)
	if err != nil {
		w.logger.Warn("discovery pass failed", logging.Error(err))
		return
	}
	for _, input := range found {
		if ctx.Err() != nil {
			return
		}
		w.handle(ctx, input)
	}
}

func (w *Watcher) handle(ctx context.Context, input Discovered) {
	unit, err := w.store.RegisterUnit(ctx, input.DatasetID, input.Name, w.cfg.From)
	if err != nil {
		w.logger.Error("register unit", logging.String("unit", input.Name), logging.Error(err))
		return
	}

	// The claim is the dispatch gate: a unit already past From — processed
	// in this run, a prior run, or by a concurrent sweep — is never
	// re-dispatched even though its files are still in place.
	claimed, err := w.store.ClaimUnit(ctx, unit.ID, w.cfg.From, w.cfg.Claimed)
	if err != nil {
		w.logger.Error("claim unit", logging.String("unit", input.Name), logging.Error(err))
		return
	}
	if !claimed {
		return
	}

	unitCtx := services.WithDatasetID(ctx, unit.DatasetID)
	unitCtx = services.WithUnitID(unitCtx, unit.ID)
	unitCtx = services.WithStage(unitCtx, w.cfg.Stage)
	logger := logging.WithContext(unitCtx, w.logger).With(logging.String("unit", input.Name))

	logger.Info("processing unit", logging.String("input", input.InputPath))

	stopHeartbeat := w.startHeartbeat(unitCtx, unit.ID)
	processErr := w.process(unitCtx, unit, input, logger)
	stopHeartbeat()

	if processErr != nil {
		status := services.FailureStatus(processErr)
		unit.Status = status
		unit.ErrorMessage = processErr.Error()
		unit.LastHeartbeat = nil
		if err := w.store.UpdateUnit(ctx, unit); err != nil {
			logger.Error("persist unit failure", logging.Error(err))
		}
		logger.Error("unit failed; left in place for inspection", logging.Error(processErr))
		w.emit(Result{UnitID: unit.ID, Name: unit.Name, Err: processErr})
		return
	}

	unit.Status = w.cfg.Done
	unit.ErrorMessage = ""
	unit.LastHeartbeat = nil
	if err := w.store.UpdateUnit(ctx, unit); err != nil {
		logger.Error("persist unit completion", logging.Error(err))
		w.emit(Result{UnitID: unit.ID, Name: unit.Name, Err: err})
		return
	}
	if _, err := w.store.RefreshDatasetStatus(ctx, unit.DatasetID); err != nil {
		logger.Warn("refresh dataset status", logging.Error(err))
	}

	logger.Info("unit complete", logging.String("status", string(w.cfg.Done)))
	w.emit(Result{UnitID: unit.ID, Name: unit.Name})
}

func (w *Watcher) startHeartbeat(ctx context.Context, unitID int64) func() {
	if w.cfg.Heartbeat <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(w.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.store.UpdateUnitHeartbeat(hbCtx, unitID); err != nil {
					w.logger.Warn("heartbeat update failed", logging.Int64(logging.FieldUnitID, unitID), logging.Error(err))
				}
			}
		}
	}()
	return cancel
}

func (w *Watcher) emit(result Result) {
	select {
	case w.results <- result:
	default:
		// Buffer full: the drain gate has fallen far behind or nobody is
		// listening. Completion state is already in the catalog, so the
		// future is droppable.
		w.logger.Warn("completion channel full; dropping result", logging.String("unit", result.Name))
	}
}
