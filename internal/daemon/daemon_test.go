package daemon

import (
	"context"
	"testing"

	"stagehand/internal/catalog"
	"stagehand/internal/logging"
	"stagehand/internal/testsupport"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenCatalog(t, cfg)
	d, err := New(cfg, store, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestAcquireIsExclusive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenCatalog(t, cfg)

	first, err := New(cfg, store, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Acquire(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	second, err := New(cfg, store, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := second.Acquire(); err == nil {
		t.Fatal("second acquire succeeded; lock is not exclusive")
	}
}

func TestStatusWithoutRun(t *testing.T) {
	d := newTestDaemon(t)
	status := d.Status(context.Background())
	if status.Running {
		t.Error("daemon reports running with no active run")
	}
	if status.CatalogPath == "" {
		t.Error("catalog path missing from status")
	}
	if len(status.Preflight) == 0 {
		t.Error("status carries no preflight results")
	}
}

func TestRetryFailedResetsUnits(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	ds := testsupport.NewDataset(t, d.store, d.cfg.Paths.DataRoot+"/set", catalog.VariantSerialEM)
	unit := testsupport.NewUnit(t, d.store, ds.ID, "lamella1", catalog.UnitStatusFailed)

	updated, err := d.RetryFailed(ctx, nil)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if updated != 1 {
		t.Fatalf("updated = %d, want 1", updated)
	}
	got, err := d.store.UnitByID(ctx, unit.ID)
	if err != nil {
		t.Fatalf("reload unit: %v", err)
	}
	if got.Status == catalog.UnitStatusFailed {
		t.Error("unit still failed after retry")
	}
}

func TestSessionLogPathFallsBackToDaemonLog(t *testing.T) {
	d := newTestDaemon(t)
	if got := d.SessionLogPath(""); got != d.LogPath() {
		t.Errorf("empty session name = %s, want daemon log %s", got, d.LogPath())
	}
	if got := d.SessionLogPath("correction"); got == "" {
		t.Error("named session resolved to empty path")
	}
}
