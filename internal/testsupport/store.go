package testsupport

import (
	"context"
	"testing"

	"stagehand/internal/catalog"
	"stagehand/internal/config"
)

// MustOpenCatalog opens a catalog.Store for tests and registers cleanup.
func MustOpenCatalog(t testing.TB, cfg *config.Config) *catalog.Store {
	t.Helper()

	store, err := catalog.Open(cfg)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewDataset registers a dataset row for tests using the provided store.
func NewDataset(t testing.TB, store *catalog.Store, path string, variant catalog.Variant) *catalog.Dataset {
	t.Helper()

	ds, err := store.RegisterDataset(context.Background(), catalog.NewDataset{
		Path:    path,
		Title:   "Test Dataset",
		Variant: variant,
	})
	if err != nil {
		t.Fatalf("store.RegisterDataset: %v", err)
	}
	return ds
}

// NewUnit registers a unit row for tests using the provided store.
func NewUnit(t testing.TB, store *catalog.Store, datasetID int64, name string, status catalog.UnitStatus) *catalog.Unit {
	t.Helper()

	unit, err := store.RegisterUnit(context.Background(), datasetID, name, status)
	if err != nil {
		t.Fatalf("store.RegisterUnit: %v", err)
	}
	return unit
}
