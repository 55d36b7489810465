package testsupport

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// WriteFile fills the target path with the requested number of bytes using a
// simple repeating pattern. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	const chunkSize = 32 * 1024
	buf := make([]byte, chunkSize)
	for i := range buf {
		buf[i] = 0x42
	}

	remaining := size
	for remaining > 0 {
		toWrite := int64(chunkSize)
		if remaining < toWrite {
			toWrite = remaining
		}
		if _, err := f.Write(buf[:toWrite]); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		remaining -= toWrite
	}
}

// WriteSidecar writes a minimal metadata sidecar with a global tilt axis and
// one section per tilt angle.
func WriteSidecar(t testing.TB, path string, tiltAxis float64, angles ...float64) {
	t.Helper()

	var b strings.Builder
	b.WriteString("PixelSpacing = 2.70\n")
	fmt.Fprintf(&b, "TiltAxisAngle = %.2f\n", tiltAxis)
	b.WriteString("DateTime = 04-Jul-24  10:30:00\n")
	b.WriteString("\n")
	for i, angle := range angles {
		fmt.Fprintf(&b, "[ZValue = %d]\n", i)
		fmt.Fprintf(&b, "TiltAngle = %.2f\n", angle)
		b.WriteString("ExposureDose = 3.0\n")
		b.WriteString("\n")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write sidecar %s: %v", path, err)
	}
}
