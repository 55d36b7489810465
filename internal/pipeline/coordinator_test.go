package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"stagehand/internal/catalog"
	"stagehand/internal/config"
	"stagehand/internal/logging"
	"stagehand/internal/services"
	"stagehand/internal/session"
	"stagehand/internal/stageexec"
	"stagehand/internal/testsupport"
	"stagehand/internal/transfer"
	"stagehand/internal/watch"
)

func newTransferAgentForTest(t *testing.T, coord *Coordinator) *transfer.Agent {
	t.Helper()
	agent, err := transfer.New(coord.cfg, coord.store, logging.NewNop())
	if err != nil {
		t.Fatalf("transfer.New: %v", err)
	}
	return agent
}

const sidecarBody = "PixelSpacing = 0.675\n" +
	"Voltage = 300\n" +
	"[ZValue = 0]\n" +
	"TiltAngle = -60.0\n" +
	"ExposureDose = 3.1\n" +
	"DateTime = 04-Jul-24  15:04:05\n"

type recordingNotifier struct {
	mu       sync.Mutex
	archived []string
	failures []string
	errors   []string
}

func (r *recordingNotifier) NotifyRunStarted(context.Context, int) error { return nil }
func (r *recordingNotifier) NotifyRunCompleted(context.Context, int, int, time.Duration) error {
	return nil
}
func (r *recordingNotifier) NotifyStageLaunched(context.Context, string) error { return nil }
func (r *recordingNotifier) NotifyDatasetNormalized(context.Context, string, int) error {
	return nil
}

func (r *recordingNotifier) NotifyDatasetFailed(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, title)
	return nil
}

func (r *recordingNotifier) NotifyUnitArchived(_ context.Context, unit, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archived = append(r.archived, unit)
	return nil
}

func (r *recordingNotifier) NotifyDenoisePrepared(context.Context, string, int, int) error {
	return nil
}

func (r *recordingNotifier) NotifyError(_ context.Context, err error, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err.Error())
	return nil
}

func (r *recordingNotifier) TestNotification(context.Context) error { return nil }

func newTestCoordinator(t *testing.T, opts ...testsupport.ConfigOption) (*Coordinator, *catalog.Store, *config.Config, *recordingNotifier) {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	cfg.Pipeline.SettleSeconds = 1
	cfg.Pipeline.RescanInterval = 1
	store := testsupport.MustOpenCatalog(t, cfg)
	registry := session.NewRegistry(cfg, logging.NewNop())
	notifier := &recordingNotifier{}
	coord, err := New(cfg, store, registry, logging.NewNop(), WithNotifier(notifier))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return coord, store, cfg, notifier
}

func writeDataset(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	testsupport.WriteSidecar(t, filepath.Join(dir, name+".mdoc"), -3.0, -60, 0, 60)
	return dir
}

func TestDiscoverDatasetDirs(t *testing.T) {
	root := t.TempDir()
	writeDataset(t, root, "session_a")
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, ".hidden"), 0o755); err != nil {
		t.Fatal(err)
	}
	// Variant spelling still counts as a sidecar before normalization.
	variantDir := filepath.Join(root, "session_b")
	if err := os.MkdirAll(variantDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(variantDir, "stack.mdoc.txt"), []byte(sidecarBody), 0o644); err != nil {
		t.Fatal(err)
	}

	dirs, err := DiscoverDatasetDirs(root)
	if err != nil {
		t.Fatalf("DiscoverDatasetDirs: %v", err)
	}
	if len(dirs) != 2 {
		t.Fatalf("discovered %v, want session_a and session_b", dirs)
	}
}

func TestPrepareDatasetsIsolatesNormalizationFailure(t *testing.T) {
	coord, store, cfg, notifier := newTestCoordinator(t)

	writeDataset(t, cfg.Paths.DataRoot, "good_session")

	// A sidecar buried in a subdirectory makes the dataset discoverable but
	// leaves nothing at the root for normalization to work with.
	badDir := filepath.Join(cfg.Paths.DataRoot, "bad_session", "nested")
	testsupport.WriteSidecar(t, filepath.Join(badDir, "stack.mdoc"), -3.0, 0)

	ctx := context.Background()
	survivors, err := coord.prepareDatasets(ctx, logging.NewNop())
	if err != nil {
		t.Fatalf("prepareDatasets: %v", err)
	}
	if len(survivors) != 1 {
		t.Fatalf("survivors = %d, want 1", len(survivors))
	}
	if filepath.Base(survivors[0].Path) != "good_session" {
		t.Errorf("survivor = %s, want good_session", survivors[0].Path)
	}
	if len(notifier.failures) != 1 {
		t.Errorf("failure notifications = %v, want one for bad_session", notifier.failures)
	}

	bad, err := store.DatasetByPath(ctx, filepath.Join(cfg.Paths.DataRoot, "bad_session"))
	if err != nil || bad == nil {
		t.Fatalf("load bad dataset: %v", err)
	}
	if bad.Status != catalog.DatasetStatusFailed {
		t.Errorf("bad dataset status = %s, want failed", bad.Status)
	}
}

func TestPrepareDatasetsAbortsWhenNoneSurvive(t *testing.T) {
	coord, _, cfg, _ := newTestCoordinator(t)

	badDir := filepath.Join(cfg.Paths.DataRoot, "only_session", "nested")
	testsupport.WriteSidecar(t, filepath.Join(badDir, "stack.mdoc"), -3.0, 0)

	_, err := coord.prepareDatasets(context.Background(), logging.NewNop())
	if !errors.Is(err, services.ErrMetadataParse) {
		t.Fatalf("err = %v, want metadata parse marker", err)
	}
}

func TestTransferPassArchivesReconstructedUnits(t *testing.T) {
	coord, store, cfg, notifier := newTestCoordinator(t)
	ctx := context.Background()

	datasetDir := writeDataset(t, cfg.Paths.DataRoot, "grid1")
	unitDir := filepath.Join(datasetDir, "Aligned", "lamella1")
	testsupport.WriteFile(t, filepath.Join(unitDir, "lamella1_rec.mrc"), 2048)

	ds := testsupport.NewDataset(t, store, datasetDir, catalog.VariantSerialEM)
	unit := testsupport.NewUnit(t, store, ds.ID, "lamella1", catalog.UnitStatusReconstructed)

	agent := newTransferAgentForTest(t, coord)
	coord.transferPass(ctx, agent, logging.NewNop())

	got, err := store.UnitByID(ctx, unit.ID)
	if err != nil {
		t.Fatalf("reload unit: %v", err)
	}
	if got.Status != catalog.UnitStatusArchived {
		t.Fatalf("unit status = %s, want archived", got.Status)
	}
	if got.ArchivedPath == "" {
		t.Error("archived path not recorded")
	}
	if _, err := os.Stat(filepath.Join(got.ArchivedPath, "lamella1_rec.mrc")); err != nil {
		t.Errorf("tomogram missing from archive: %v", err)
	}
	if len(notifier.archived) != 1 || notifier.archived[0] != "lamella1" {
		t.Errorf("archive notifications = %v, want [lamella1]", notifier.archived)
	}
}

func TestTransferPassRollsBackOnMissingUnitDir(t *testing.T) {
	coord, store, cfg, _ := newTestCoordinator(t)
	ctx := context.Background()

	datasetDir := writeDataset(t, cfg.Paths.DataRoot, "grid2")
	ds := testsupport.NewDataset(t, store, datasetDir, catalog.VariantSerialEM)
	unit := testsupport.NewUnit(t, store, ds.ID, "ghost", catalog.UnitStatusReconstructed)

	agent := newTransferAgentForTest(t, coord)
	coord.transferPass(ctx, agent, logging.NewNop())

	got, err := store.UnitByID(ctx, unit.ID)
	if err != nil {
		t.Fatalf("reload unit: %v", err)
	}
	if got.Status != catalog.UnitStatusFailed {
		t.Fatalf("unit status = %s, want failed for a unit with no local directory", got.Status)
	}
}

func TestWaitForFuturesDrainsAfterLastUnit(t *testing.T) {
	coord, store, cfg, _ := newTestCoordinator(t)
	ctx := context.Background()

	datasetDir := writeDataset(t, cfg.Paths.DataRoot, "grid3")
	ds := testsupport.NewDataset(t, store, datasetDir, catalog.VariantSerialEM)
	testsupport.NewUnit(t, store, ds.ID, "lamella1", catalog.UnitStatusReconstructed)

	results := make(chan watch.Result, 1)
	results <- watch.Result{UnitID: 1, Name: "lamella1"}

	done := make(chan error, 1)
	go func() { done <- coord.waitForFutures(ctx, results) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waitForFutures: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("drain gate did not open")
	}
}

func TestWaitForFuturesDrainsWhenCatalogAlreadySettled(t *testing.T) {
	coord, store, cfg, _ := newTestCoordinator(t)
	ctx := context.Background()

	datasetDir := writeDataset(t, cfg.Paths.DataRoot, "grid5")
	ds := testsupport.NewDataset(t, store, datasetDir, catalog.VariantSerialEM)
	testsupport.NewUnit(t, store, ds.ID, "lamella1", catalog.UnitStatusReconstructed)

	// The watcher delivers no futures: every unit already finished in a
	// prior run, so this run has nothing left to reconstruct.
	results := make(chan watch.Result)

	done := make(chan error, 1)
	go func() { done <- coord.waitForFutures(ctx, results) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waitForFutures: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("drain gate did not open for an already-settled catalog")
	}
}

func TestWaitForFuturesTimesOutWhenWatcherEndsEarly(t *testing.T) {
	coord, store, cfg, _ := newTestCoordinator(t)

	datasetDir := writeDataset(t, cfg.Paths.DataRoot, "grid4")
	ds := testsupport.NewDataset(t, store, datasetDir, catalog.VariantSerialEM)
	testsupport.NewUnit(t, store, ds.ID, "lamella1", catalog.UnitStatusCorrected)

	results := make(chan watch.Result)
	close(results)

	err := coord.waitForFutures(context.Background(), results)
	if !errors.Is(err, services.ErrCompletionTimeout) {
		t.Fatalf("err = %v, want completion timeout", err)
	}
}

// gatedExecutor blocks any invocation whose command line contains hold until
// release is closed; everything else succeeds immediately.
type gatedExecutor struct {
	mu       sync.Mutex
	hold     string
	release  chan struct{}
	commands []stageexec.Command
}

func (g *gatedExecutor) Run(ctx context.Context, cmd stageexec.Command, onLine func(string)) error {
	g.mu.Lock()
	g.commands = append(g.commands, cmd)
	g.mu.Unlock()
	if g.hold != "" && strings.Contains(cmd.String(), g.hold) {
		select {
		case <-g.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func TestReconstructionOverlapsActiveCorrection(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pipeline.SettleSeconds = 1
	cfg.Pipeline.RescanInterval = 1
	cfg.Pipeline.SkipTransfer = true
	store := testsupport.MustOpenCatalog(t, cfg)
	registry := session.NewRegistry(cfg, logging.NewNop())

	exec := &gatedExecutor{hold: "lamella1", release: make(chan struct{})}
	coord, err := New(cfg, store, registry, logging.NewNop(),
		WithNotifier(&recordingNotifier{}), WithExecutor(exec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer registry.KillAll()
	defer close(exec.release)

	datasetDir := filepath.Join(cfg.Paths.DataRoot, "grid6")
	testsupport.WriteSidecar(t, filepath.Join(datasetDir, "lamella1.mdoc"), -3.0, -60, 0, 60)
	testsupport.WriteSidecar(t, filepath.Join(datasetDir, "lamella2.mdoc"), -3.0, -60, 0, 60)
	testsupport.WriteFile(t, filepath.Join(datasetDir, "Aligned", "lamella2.mrc"), 4096)

	ds := testsupport.NewDataset(t, store, datasetDir, catalog.VariantSerialEM)
	// lamella2 was corrected before this run; only its reconstruction
	// remains, while lamella1's correction worker is still busy.
	testsupport.NewUnit(t, store, ds.ID, "lamella2", catalog.UnitStatusCorrected)

	if _, err := coord.launchStages(ctx, []*catalog.Dataset{ds}); err != nil {
		t.Fatalf("launchStages: %v", err)
	}

	// Units flow through the stages independently: lamella2 must come out of
	// reconstruction while lamella1 is still inside correction.
	deadline := time.Now().Add(20 * time.Second)
	for {
		unit1, err1 := store.UnitByName(ctx, ds.ID, "lamella1")
		unit2, err2 := store.UnitByName(ctx, ds.ID, "lamella2")
		if err1 == nil && err2 == nil && unit1 != nil && unit2 != nil &&
			unit1.Status == catalog.UnitStatusCorrecting &&
			unit2.Status == catalog.UnitStatusReconstructed {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("stages did not overlap: lamella1=%v lamella2=%v", unit1, unit2)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestRunTerminalHonorsSkipTransfer(t *testing.T) {
	coord, _, cfg, _ := newTestCoordinator(t)

	unit := &catalog.Unit{Status: catalog.UnitStatusReconstructed}
	if coord.runTerminal(unit) {
		t.Error("reconstructed unit terminal with transfer enabled")
	}
	cfg.Pipeline.SkipTransfer = true
	if !coord.runTerminal(unit) {
		t.Error("reconstructed unit not terminal with transfer skipped")
	}
	if !coord.runTerminal(&catalog.Unit{Status: catalog.UnitStatusFailed}) {
		t.Error("failed unit not terminal")
	}
}
