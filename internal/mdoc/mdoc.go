// Package mdoc models the plain-text metadata sidecars that accompany each
// tilt series. Files are line-oriented Key = Value text with bracketed
// section headers. Parsing keeps every original line so serialization
// reproduces untouched content byte for byte; only explicitly replaced
// values differ on rewrite.
package mdoc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Extension is the canonical sidecar extension after normalization.
const Extension = ".mdoc"

// line holds one physical line split into the pieces needed for value
// replacement. raw always reassembles as prefix+value+eol for key-value
// lines; non key-value lines keep raw only.
type line struct {
	raw    string
	key    string
	prefix string
	value  string
	eol    string
}

// File is a parsed metadata sidecar.
type File struct {
	lines []line
}

// Parse builds a File from sidecar bytes. Any text parses; callers decide
// whether required keys are present.
func Parse(data []byte) *File {
	f := &File{}
	rest := string(data)
	for len(rest) > 0 {
		var raw string
		if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
			raw = rest[:idx+1]
			rest = rest[idx+1:]
		} else {
			raw = rest
			rest = ""
		}
		f.lines = append(f.lines, parseLine(raw))
	}
	return f
}

// ParseFile reads and parses the sidecar at path.
func ParseFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data), nil
}

func parseLine(raw string) line {
	ln := line{raw: raw}

	body := raw
	if strings.HasSuffix(body, "\r\n") {
		ln.eol = "\r\n"
		body = body[:len(body)-2]
	} else if strings.HasSuffix(body, "\n") {
		ln.eol = "\n"
		body = body[:len(body)-1]
	}

	trimmed := strings.TrimSpace(body)
	if trimmed == "" || strings.HasPrefix(trimmed, "[") {
		return ln
	}
	eq := strings.IndexByte(body, '=')
	if eq < 0 {
		return ln
	}
	key := strings.TrimSpace(body[:eq])
	if key == "" || strings.ContainsAny(key, " \t") {
		return ln
	}

	rest := body[eq+1:]
	valueStart := len(rest) - len(strings.TrimLeft(rest, " \t"))
	ln.key = key
	ln.prefix = body[:eq+1+valueStart]
	ln.value = rest[valueStart:]
	return ln
}

// Bytes serializes the file. With no modifications the output is identical
// to the parsed input.
func (f *File) Bytes() []byte {
	var b strings.Builder
	for _, ln := range f.lines {
		b.WriteString(ln.raw)
	}
	return []byte(b.String())
}

// Value returns the first value recorded for key.
func (f *File) Value(key string) (string, bool) {
	for _, ln := range f.lines {
		if ln.key == key {
			return ln.value, true
		}
	}
	return "", false
}

// Values returns every value recorded for key, in file order.
func (f *File) Values(key string) []string {
	var out []string
	for _, ln := range f.lines {
		if ln.key == key {
			out = append(out, ln.value)
		}
	}
	return out
}

// Float returns the first value for key parsed as a float.
func (f *File) Float(key string) (float64, bool) {
	raw, ok := f.Value(key)
	if !ok {
		return 0, false
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Floats returns every value for key that parses as a float, in file order.
func (f *File) Floats(key string) []float64 {
	var out []float64
	for _, raw := range f.Values(key) {
		fields := strings.Fields(raw)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// SetAll replaces the value on every line whose key matches, preserving the
// key text and separator spacing. Returns the number of lines changed.
func (f *File) SetAll(key, value string) int {
	changed := 0
	for i := range f.lines {
		ln := &f.lines[i]
		if ln.key != key {
			continue
		}
		ln.value = value
		ln.raw = ln.prefix + value + ln.eol
		changed++
	}
	return changed
}

// WriteFile atomically rewrites the sidecar at path: the new content lands
// in a temporary file first, then replaces the original, so a crash never
// leaves a half-written sidecar.
func (f *File) WriteFile(path string) error {
	info, err := os.Stat(path)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode().Perm()
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, f.Bytes(), mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace sidecar: %w", err)
	}
	return nil
}

// Find locates metadata sidecars under root, searching recursively. Results
// are sorted for deterministic selection.
func Find(root string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), Extension) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(found)
	return found, nil
}

// FindFirst returns the first sidecar under root, or an error when none
// exist.
func FindFirst(root string) (string, error) {
	found, err := Find(root)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", fmt.Errorf("no %s sidecar under %s", Extension, root)
	}
	return found[0], nil
}
