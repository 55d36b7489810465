package preflight

import (
	"os"
	"path/filepath"
	"testing"

	"stagehand/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckBinaryMissing(t *testing.T) {
	result := CheckBinary("test", "no-such-worker-binary", "testing")
	if result.Passed {
		t.Fatal("expected failure for missing binary")
	}
}

func TestCheckBinaryEmpty(t *testing.T) {
	result := CheckBinary("test", "   ", "testing")
	if result.Passed {
		t.Fatal("expected failure for blank binary")
	}
}

func TestRunAllWithStubbedBinaries(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())

	results := RunAll(cfg)
	if len(results) == 0 {
		t.Fatal("expected results")
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestRunAllReportsMissingWorker(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	cfg.Correction.Binary = "definitely-not-installed"

	failed := Failed(RunAll(cfg))
	if len(failed) != 1 {
		t.Fatalf("failed checks = %+v, want exactly the correction binary", failed)
	}
	if failed[0].Name != "Motion correction" {
		t.Errorf("failed check = %s, want Motion correction", failed[0].Name)
	}
}
