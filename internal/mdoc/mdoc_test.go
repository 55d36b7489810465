package mdoc

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

const sampleSidecar = `PixelSpacing = 6.75
Voltage = 300
ImageFile = grid3_lamella_02.mrc
DateTime = 04-Oct-23  16:42:37

[T = SerialEM: Acquired on Titan Krios        04-Oct-23  16:42:37]

[ZValue = 0]
TiltAngle = -0.004
Magnification = 42000
ExposureDose = 3.1
TargetDefocus = -5.0
Defocus = 4.81
TiltAxisAngle = 85.3

[ZValue = 1]
TiltAngle = 2.996
Defocus = 4.93
TiltAxisAngle = 85.3`

func TestParseRoundTripIsByteIdentical(t *testing.T) {
	f := Parse([]byte(sampleSidecar))
	if got := f.Bytes(); !bytes.Equal(got, []byte(sampleSidecar)) {
		t.Errorf("round trip changed bytes:\ngot:  %q\nwant: %q", got, sampleSidecar)
	}
}

func TestParseRoundTripCRLF(t *testing.T) {
	src := "TiltAxisAngle = 85.3\r\nVoltage = 300\r\n"
	f := Parse([]byte(src))
	if got := f.Bytes(); !bytes.Equal(got, []byte(src)) {
		t.Errorf("round trip changed bytes: %q", got)
	}

	f.SetAll("TiltAxisAngle", "-175.30")
	want := "TiltAxisAngle = -175.30\r\nVoltage = 300\r\n"
	if got := string(f.Bytes()); got != want {
		t.Errorf("rewrite = %q, want %q", got, want)
	}
}

func TestSetAllReplacesOnlyMatchingKey(t *testing.T) {
	f := Parse([]byte(sampleSidecar))
	changed := f.SetAll("TiltAxisAngle", "-3.00")
	if changed != 2 {
		t.Fatalf("SetAll changed %d lines, want 2", changed)
	}

	for _, value := range f.Values("TiltAxisAngle") {
		if value != "-3.00" {
			t.Errorf("tilt axis value = %q, want -3.00", value)
		}
	}

	// The similarly named per-frame tilt angle must be untouched.
	angles := f.Values("TiltAngle")
	if len(angles) != 2 || angles[0] != "-0.004" || angles[1] != "2.996" {
		t.Errorf("TiltAngle values disturbed: %v", angles)
	}

	// All lines not carrying the target key are byte-identical.
	original := Parse([]byte(sampleSidecar))
	for i := range original.lines {
		if original.lines[i].key == "TiltAxisAngle" {
			continue
		}
		if f.lines[i].raw != original.lines[i].raw {
			t.Errorf("line %d changed: %q -> %q", i, original.lines[i].raw, f.lines[i].raw)
		}
	}
}

func TestSetAllMissingKey(t *testing.T) {
	f := Parse([]byte(sampleSidecar))
	if changed := f.SetAll("NoSuchKey", "1"); changed != 0 {
		t.Errorf("SetAll changed %d lines for a missing key", changed)
	}
}

func TestValueAndFloats(t *testing.T) {
	f := Parse([]byte(sampleSidecar))

	if v, ok := f.Value("Voltage"); !ok || v != "300" {
		t.Errorf("Value(Voltage) = %q, %v", v, ok)
	}
	if _, ok := f.Value("Missing"); ok {
		t.Error("Value(Missing) reported present")
	}

	defocus := f.Floats("Defocus")
	if len(defocus) != 2 || defocus[0] != 4.81 || defocus[1] != 4.93 {
		t.Errorf("Floats(Defocus) = %v", defocus)
	}

	// TargetDefocus must not bleed into Defocus.
	if targets := f.Floats("TargetDefocus"); len(targets) != 1 || targets[0] != -5.0 {
		t.Errorf("Floats(TargetDefocus) = %v", targets)
	}
}

func TestInfoSummary(t *testing.T) {
	f := Parse([]byte(sampleSidecar))
	info := f.Info()

	if info.PixelSize != 0.675 {
		t.Errorf("PixelSize = %v, want 0.675", info.PixelSize)
	}
	if info.Magnification != 42000 {
		t.Errorf("Magnification = %d, want 42000", info.Magnification)
	}
	if len(info.TiltAngles) != 2 {
		t.Fatalf("TiltAngles = %v, want 2 entries", info.TiltAngles)
	}
	if info.TiltAngles[0] != 0 || info.TiltAngles[1] != 3 {
		t.Errorf("TiltAngles = %v, want [0 3]", info.TiltAngles)
	}
	if info.TiltMin != 0 || info.TiltMax != 3 {
		t.Errorf("TiltMin/TiltMax = %v/%v, want 0/3", info.TiltMin, info.TiltMax)
	}
	if info.TiltStep != 2 {
		t.Errorf("TiltStep = %v, want 2", info.TiltStep)
	}
	if info.DefocusAvg != 4.87 {
		t.Errorf("DefocusAvg = %v, want 4.87", info.DefocusAvg)
	}
}

func TestAcquisitionDate(t *testing.T) {
	f := Parse([]byte(sampleSidecar))
	ts, ok := f.AcquisitionDate()
	if !ok {
		t.Fatal("AcquisitionDate not found")
	}
	if ts.Year() != 2023 || ts.Month() != 10 || ts.Day() != 4 {
		t.Errorf("AcquisitionDate = %v, want 2023-10-04", ts)
	}

	empty := Parse([]byte("Voltage = 300\n"))
	if _, ok := empty.AcquisitionDate(); ok {
		t.Error("AcquisitionDate reported present for sidecar without DateTime")
	}
}

func TestWriteFileRewritesInPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stack.mdoc")
	if err := os.WriteFile(path, []byte(sampleSidecar), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	f.SetAll("TiltAxisAngle", "-3.00")
	if err := f.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reread, err := ParseFile(path)
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if v, _ := reread.Value("TiltAxisAngle"); v != "-3.00" {
		t.Errorf("persisted tilt axis = %q, want -3.00", v)
	}
	if v, _ := reread.Value("Voltage"); v != "300" {
		t.Errorf("unrelated key disturbed: Voltage = %q", v)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestFindFirst(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "sub")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		filepath.Join(dir, "b_stack.mdoc"),
		filepath.Join(nested, "a_stack.mdoc"),
		filepath.Join(dir, "frames.mrc"),
	} {
		if err := os.WriteFile(name, []byte("x = 1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	first, err := FindFirst(dir)
	if err != nil {
		t.Fatalf("FindFirst: %v", err)
	}
	if filepath.Base(first) != "b_stack.mdoc" {
		t.Errorf("FindFirst = %s, want b_stack.mdoc first in sort order", first)
	}

	if _, err := FindFirst(nested + "_empty"); err == nil {
		t.Error("FindFirst on missing dir should error")
	}
}
