package fileutil

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestCopyFileVerifiesContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "frames", "stack_001.mrc")
	dst := filepath.Join(dir, "archive", "stack_001.mrc")
	writeFile(t, src, "tilt series payload")

	if err := CopyFile(src, dst); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if string(got) != "tilt series payload" {
		t.Errorf("destination content = %q, want %q", got, "tilt series payload")
	}

	// Source must survive a copy.
	if _, err := os.Stat(src); err != nil {
		t.Errorf("source missing after copy: %v", err)
	}
}

func TestCopyFileMissingSource(t *testing.T) {
	dir := t.TempDir()
	err := CopyFile(filepath.Join(dir, "absent.mrc"), filepath.Join(dir, "out.mrc"))
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	writeFile(t, path, "abc")

	sum, size, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if size != 3 {
		t.Errorf("size = %d, want 3", size)
	}
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if sum != want {
		t.Errorf("sum = %s, want %s", sum, want)
	}
}

func TestSameContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.mrc")
	writeFile(t, src, "identical bytes")

	same, err := SameContent(src, filepath.Join(dir, "missing.mrc"))
	if err != nil {
		t.Fatalf("SameContent missing dst: %v", err)
	}
	if same {
		t.Error("missing destination reported as same content")
	}

	match := filepath.Join(dir, "match.mrc")
	writeFile(t, match, "identical bytes")
	same, err = SameContent(src, match)
	if err != nil {
		t.Fatalf("SameContent match: %v", err)
	}
	if !same {
		t.Error("identical files reported as different")
	}

	differ := filepath.Join(dir, "differ.mrc")
	writeFile(t, differ, "different bytes!")
	same, err = SameContent(src, differ)
	if err != nil {
		t.Fatalf("SameContent differ: %v", err)
	}
	if same {
		t.Error("files with different content reported as same")
	}
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "incoming", "unit.mdoc")
	dst := filepath.Join(dir, "done", "unit.mdoc")
	writeFile(t, src, "[T] header")

	if err := MoveFile(nil, src, dst); err != nil {
		t.Fatalf("MoveFile: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("source still present after move: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if string(got) != "[T] header" {
		t.Errorf("destination content = %q", got)
	}
}

func TestMoveDir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "dataset_01")
	writeFile(t, filepath.Join(src, "stack.mrc"), "stack")
	writeFile(t, filepath.Join(src, "coms", "BRT_MASTER.com"), "$batchruntomo")

	dst := filepath.Join(dir, "Done", "dataset_01")
	if err := MoveDir(nil, src, dst); err != nil {
		t.Fatalf("MoveDir: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("source dir still present after move: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "coms", "BRT_MASTER.com"))
	if err != nil {
		t.Fatalf("read nested file: %v", err)
	}
	if string(got) != "$batchruntomo" {
		t.Errorf("nested content = %q", got)
	}
}

func TestIsStorageUnavailable(t *testing.T) {
	if IsStorageUnavailable(nil) {
		t.Error("nil error reported unavailable")
	}
	if !IsStorageUnavailable(syscall.ESTALE) {
		t.Error("ESTALE not reported unavailable")
	}
	if !IsStorageUnavailable(os.ErrNotExist) {
		t.Error("not-exist not reported unavailable")
	}
	if IsStorageUnavailable(syscall.EACCES) {
		t.Error("EACCES reported unavailable")
	}
}
