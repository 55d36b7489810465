package normalize

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stagehand/internal/config"
	"stagehand/internal/logging"
	"stagehand/internal/mdoc"
	"stagehand/internal/services"
)

const sidecarBody = `PixelSpacing = 6.75
Voltage = 300
DateTime = 04-Oct-23  16:42:37

[ZValue = 0]
TiltAngle = -0.004
TiltAxisAngle = 85.3
ExposureDose = 3.1

[ZValue = 1]
TiltAngle = 2.996
TiltAxisAngle = 85.3
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Acquisition.Variant = config.VariantTomography5
	return &cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func listNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func TestCanonicalAxis(t *testing.T) {
	tests := []struct {
		source float64
		want   float64
	}{
		{-87, -3},
		{0, -90},
		{10.5, -100.5},
		{-90, 0},
	}
	for _, tt := range tests {
		if got := CanonicalAxis(tt.source); got != tt.want {
			t.Errorf("CanonicalAxis(%v) = %v, want %v", tt.source, got, tt.want)
		}
	}
}

func TestRunNormalizesTomography5Dataset(t *testing.T) {
	dir := t.TempDir()
	dataset := filepath.Join(dir, "grid3_lamella_02")
	writeFile(t, filepath.Join(dataset, "stack_001.mdoc.txt"), sidecarBody)
	writeFile(t, filepath.Join(dataset, "stack_001_dup.mdoc.txt"), sidecarBody)
	writeFile(t, filepath.Join(dataset, "stack_001_Fractions_000.tif"), "frame0")
	writeFile(t, filepath.Join(dataset, "stack_001_Fractions_001.tif"), "frame1")
	writeFile(t, filepath.Join(dataset, "notes.txt"), "operator notes")

	cfg := testConfig(t)
	axis := -87.0
	cfg.Acquisition.TiltAxis = &axis

	result, err := New(cfg, logging.NewNop()).Run(context.Background(), dataset)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.RemovedDuplicates != 1 {
		t.Errorf("RemovedDuplicates = %d, want 1", result.RemovedDuplicates)
	}
	if result.Renamed != 1 {
		t.Errorf("Renamed = %d, want 1", result.Renamed)
	}
	if len(result.Sidecars) != 1 {
		t.Fatalf("Sidecars = %v, want exactly one", result.Sidecars)
	}
	if result.FramesMoved != 2 {
		t.Errorf("FramesMoved = %d, want 2", result.FramesMoved)
	}
	if result.TiltAxis == nil || *result.TiltAxis != -3 {
		t.Errorf("TiltAxis = %v, want -3", result.TiltAxis)
	}
	if result.PixelSize != 0.675 {
		t.Errorf("PixelSize = %v, want 0.675", result.PixelSize)
	}
	if result.ExposureDose != 3.1 {
		t.Errorf("ExposureDose = %v, want 3.1", result.ExposureDose)
	}

	// Exactly one canonical sidecar with the converted axis value.
	f, err := mdoc.ParseFile(filepath.Join(dataset, "stack_001.mdoc"))
	if err != nil {
		t.Fatalf("parse canonical sidecar: %v", err)
	}
	for _, v := range f.Values("TiltAxisAngle") {
		if v != "-3.00" {
			t.Errorf("tilt axis value = %q, want -3.00", v)
		}
	}
	if v, _ := f.Value("Voltage"); v != "300" {
		t.Errorf("unrelated field disturbed: Voltage = %q", v)
	}

	// All frame files live under the canonical frames subdirectory.
	frames := listNames(t, filepath.Join(dataset, FramesDir))
	if len(frames) != 2 {
		t.Errorf("frames dir contents = %v, want 2 files", frames)
	}
	for _, name := range listNames(t, dataset) {
		if strings.Contains(name, "Fractions") {
			t.Errorf("frame file %s left in dataset root", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dataset, "notes.txt")); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dataset := filepath.Join(dir, "set")
	writeFile(t, filepath.Join(dataset, "stack.mdoc.txt"), sidecarBody)
	writeFile(t, filepath.Join(dataset, "stack_Fractions_000.tif"), "frame")

	cfg := testConfig(t)
	axis := -87.0
	cfg.Acquisition.TiltAxis = &axis
	n := New(cfg, logging.NewNop())

	if _, err := n.Run(context.Background(), dataset); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstState := listNames(t, dataset)
	firstSidecar, err := os.ReadFile(filepath.Join(dataset, "stack.mdoc"))
	if err != nil {
		t.Fatal(err)
	}

	second, err := n.Run(context.Background(), dataset)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Renamed != 0 || second.RemovedDuplicates != 0 || second.FramesMoved != 0 {
		t.Errorf("second run changed state: %+v", second)
	}

	secondState := listNames(t, dataset)
	if strings.Join(firstState, ",") != strings.Join(secondState, ",") {
		t.Errorf("directory drifted: %v -> %v", firstState, secondState)
	}
	secondSidecar, err := os.ReadFile(filepath.Join(dataset, "stack.mdoc"))
	if err != nil {
		t.Fatal(err)
	}
	if string(firstSidecar) != string(secondSidecar) {
		t.Error("sidecar bytes drifted between runs")
	}
}

func TestDuplicateRemovalNeverTouchesFrames(t *testing.T) {
	dir := t.TempDir()
	dataset := filepath.Join(dir, "set")
	writeFile(t, filepath.Join(dataset, "stack.mdoc"), sidecarBody)
	writeFile(t, filepath.Join(dataset, "stack_dup.mdoc"), sidecarBody)
	// Frame file carrying the marker substring must survive.
	writeFile(t, filepath.Join(dataset, "stack_dup_Fractions_000.tif"), "frame")

	cfg := testConfig(t)
	result, err := New(cfg, logging.NewNop()).Run(context.Background(), dataset)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.RemovedDuplicates != 1 {
		t.Errorf("RemovedDuplicates = %d, want 1", result.RemovedDuplicates)
	}
	if _, err := os.Stat(filepath.Join(dataset, FramesDir, "stack_dup_Fractions_000.tif")); err != nil {
		t.Errorf("frame file with marker substring was not preserved: %v", err)
	}
}

func TestRenameCollisionReportedNotOverwritten(t *testing.T) {
	dir := t.TempDir()
	dataset := filepath.Join(dir, "set")
	writeFile(t, filepath.Join(dataset, "stack.mdoc"), "Existing = 1\n")
	writeFile(t, filepath.Join(dataset, "stack.mdoc.txt"), "Incoming = 2\n")

	cfg := testConfig(t)
	result, err := New(cfg, logging.NewNop()).Run(context.Background(), dataset)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Collisions) != 1 {
		t.Fatalf("Collisions = %v, want one entry", result.Collisions)
	}

	kept, err := os.ReadFile(filepath.Join(dataset, "stack.mdoc"))
	if err != nil {
		t.Fatal(err)
	}
	if string(kept) != "Existing = 1\n" {
		t.Errorf("canonical file overwritten: %q", kept)
	}
	if _, err := os.Stat(filepath.Join(dataset, "stack.mdoc.txt")); err != nil {
		t.Errorf("colliding source removed: %v", err)
	}
}

func TestRunMissingDirectoryIsFatal(t *testing.T) {
	cfg := testConfig(t)
	_, err := New(cfg, logging.NewNop()).Run(context.Background(), filepath.Join(t.TempDir(), "absent"))
	if err == nil {
		t.Fatal("expected error for missing dataset directory")
	}
	if !errors.Is(err, services.ErrConfiguration) {
		t.Errorf("error = %v, want configuration class", err)
	}
	if !services.Fatal(err) {
		t.Error("missing dataset directory must be fatal")
	}
}

func TestRunNoSidecarsIsFatalForDataset(t *testing.T) {
	dir := t.TempDir()
	dataset := filepath.Join(dir, "set")
	writeFile(t, filepath.Join(dataset, "stack_Fractions_000.tif"), "frame")

	cfg := testConfig(t)
	_, err := New(cfg, logging.NewNop()).Run(context.Background(), dataset)
	if err == nil {
		t.Fatal("expected error for dataset without sidecars")
	}
	if !errors.Is(err, services.ErrMetadataParse) {
		t.Errorf("error = %v, want metadata parse class", err)
	}
}

func TestRunWithoutAxisOverrideLeavesSidecarBytes(t *testing.T) {
	dir := t.TempDir()
	dataset := filepath.Join(dir, "set")
	path := filepath.Join(dataset, "stack.mdoc")
	writeFile(t, path, sidecarBody)

	cfg := testConfig(t)
	result, err := New(cfg, logging.NewNop()).Run(context.Background(), dataset)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TiltAxis != nil {
		t.Errorf("TiltAxis = %v, want nil without override", result.TiltAxis)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != sidecarBody {
		t.Error("sidecar rewritten without an override")
	}
}
