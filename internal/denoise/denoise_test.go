package denoise

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"stagehand/internal/catalog"
	"stagehand/internal/layout"
	"stagehand/internal/logging"
	"stagehand/internal/testsupport"
	"stagehand/internal/workers/ddw"
	"stagehand/internal/workers/halftomo"
)

type fakeGenerator struct {
	calls []string
	fail  map[string]error
	t     *testing.T
}

func (f *fakeGenerator) Generate(ctx context.Context, dir string, onLine func(string)) (*halftomo.Result, error) {
	f.calls = append(f.calls, dir)
	name := filepath.Base(dir)
	if err := f.fail[name]; err != nil {
		return nil, err
	}
	halfsets := filepath.Join(dir, halftomo.HalfsetsDir)
	evens := filepath.Join(halfsets, name+"_rec_evens.mrc")
	odds := filepath.Join(halfsets, name+"_rec_odds.mrc")
	testsupport.WriteFile(f.t, evens, 8)
	testsupport.WriteFile(f.t, odds, 8)
	return &halftomo.Result{Name: name, EvensPath: evens, OddsPath: odds}, nil
}

func setupStage(t *testing.T, gen *fakeGenerator) (*Stage, *catalog.Store, *catalog.Dataset, string) {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithDenoise())
	store := testsupport.MustOpenCatalog(t, cfg)

	datasetDir := filepath.Join(cfg.Paths.DataRoot, "session01")
	ds := testsupport.NewDataset(t, store, datasetDir, catalog.VariantSerialEM)

	stage, err := New(cfg, store, logging.NewNop(),
		WithGenerator(gen), WithRand(rand.New(rand.NewSource(1))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return stage, store, ds, datasetDir
}

func addUnit(t *testing.T, store *catalog.Store, ds *catalog.Dataset, datasetDir, name string, status catalog.UnitStatus) *catalog.Unit {
	t.Helper()
	testsupport.WriteFile(t, filepath.Join(layout.Aligned(datasetDir), name, name+"_rec.mrc"), 64)
	return testsupport.NewUnit(t, store, ds.ID, name, status)
}

func TestRunPreparesEligibleUnits(t *testing.T) {
	gen := &fakeGenerator{t: t}
	stage, store, ds, datasetDir := setupStage(t, gen)

	addUnit(t, store, ds, datasetDir, "lamella1", catalog.UnitStatusReconstructed)
	addUnit(t, store, ds, datasetDir, "lamella2", catalog.UnitStatusArchived)
	addUnit(t, store, ds, datasetDir, "pending", catalog.UnitStatusCorrecting)

	report, err := stage.Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Prepared != 2 {
		t.Errorf("prepared = %d, want 2", report.Prepared)
	}
	if len(gen.calls) != 2 {
		t.Errorf("generator invoked %d times, want 2", len(gen.calls))
	}

	unit, err := store.UnitByName(context.Background(), ds.ID, "lamella1")
	if err != nil {
		t.Fatalf("UnitByName: %v", err)
	}
	if unit.DenoiseState != catalog.DenoiseStatePrepared {
		t.Errorf("denoise state = %s, want %s", unit.DenoiseState, catalog.DenoiseStatePrepared)
	}

	if report.FitConfig == "" {
		t.Fatal("no fit config written")
	}
	if _, err := os.Stat(report.FitConfig); err != nil {
		t.Errorf("fit config missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(datasetDir, ddw.RefineConfigName)); err != nil {
		t.Errorf("refine config missing: %v", err)
	}
}

func TestRunSkipsInsufficientMetadata(t *testing.T) {
	gen := &fakeGenerator{t: t, fail: map[string]error{
		"nometa": halftomo.ErrInsufficientMetadata,
	}}
	stage, store, ds, datasetDir := setupStage(t, gen)

	addUnit(t, store, ds, datasetDir, "nometa", catalog.UnitStatusReconstructed)
	addUnit(t, store, ds, datasetDir, "good", catalog.UnitStatusReconstructed)

	report, err := stage.Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Skipped != 1 || report.Prepared != 1 {
		t.Errorf("report = %+v, want 1 prepared / 1 skipped", report)
	}

	unit, err := store.UnitByName(context.Background(), ds.ID, "nometa")
	if err != nil {
		t.Fatalf("UnitByName: %v", err)
	}
	if unit.DenoiseState != catalog.DenoiseStateSkipped {
		t.Errorf("denoise state = %s, want %s", unit.DenoiseState, catalog.DenoiseStateSkipped)
	}
}

func TestRunIsolatesWorkerFailures(t *testing.T) {
	gen := &fakeGenerator{t: t, fail: map[string]error{
		"broken": errors.New("tilt exit status 1"),
	}}
	stage, store, ds, datasetDir := setupStage(t, gen)

	addUnit(t, store, ds, datasetDir, "broken", catalog.UnitStatusReconstructed)
	addUnit(t, store, ds, datasetDir, "good", catalog.UnitStatusReconstructed)

	report, err := stage.Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed != 1 || report.Prepared != 1 {
		t.Errorf("report = %+v, want 1 prepared / 1 failed", report)
	}

	unit, err := store.UnitByName(context.Background(), ds.ID, "broken")
	if err != nil {
		t.Fatalf("UnitByName: %v", err)
	}
	if unit.DenoiseState != catalog.DenoiseStateFailed {
		t.Errorf("denoise state = %s, want %s", unit.DenoiseState, catalog.DenoiseStateFailed)
	}
}

func TestRunDoesNotRepeatPreparedUnits(t *testing.T) {
	gen := &fakeGenerator{t: t}
	stage, store, ds, datasetDir := setupStage(t, gen)
	addUnit(t, store, ds, datasetDir, "lamella1", catalog.UnitStatusReconstructed)

	if _, err := stage.Run(context.Background(), ds); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	report, err := stage.Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.Prepared != 0 {
		t.Errorf("second pass prepared %d units, want 0", report.Prepared)
	}
	if len(gen.calls) != 1 {
		t.Errorf("generator invoked %d times across both passes, want 1", len(gen.calls))
	}
}

func TestNewRejectsDisabledDenoise(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenCatalog(t, cfg)
	if _, err := New(cfg, store, logging.NewNop()); err == nil {
		t.Error("expected error when denoising preparation is disabled")
	}
}
