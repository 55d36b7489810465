// Package halftomo builds and runs the even/odd half-tomogram
// reconstructions that feed denoising-model training. Each reconstructed
// unit is split into two tomograms, one from the even tilt images and one
// from the odd, using the unit's existing alignment metadata.
package halftomo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"stagehand/internal/config"
	"stagehand/internal/mrc"
)

// File names inside a unit's reconstruction directory.
const (
	NewstComName = "newst.com"
	TiltComName  = "tilt.com"
	EvensComName = "tilt_evens.com"
	OddsComName  = "tilt_odds.com"
	HalfsetsDir  = "halfsets"

	// TomogramSuffix marks a completed reconstruction; the unit base name is
	// everything before it.
	TomogramSuffix = "_rec.mrc"
)

// ErrInsufficientMetadata reports a unit whose alignment sidecars are too
// incomplete for halfset generation. The denoise stage skips such units.
var ErrInsufficientMetadata = errors.New("insufficient alignment metadata for halfset generation")

// MetadataState classifies a unit's alignment sidecars.
type MetadataState int

const (
	// MetadataMissing means halfsets cannot be built from what is on disk.
	MetadataMissing MetadataState = iota
	// MetadataReady means the aligned stack exists; only tilt runs.
	MetadataReady
	// MetadataNeedsNewstack means the transforms exist but the aligned stack
	// must be rebuilt first.
	MetadataNeedsNewstack
)

// UnitName derives the unit base name from the completed tomogram in dir.
// Halfset outputs carry a "full" marker and are never candidates.
func UnitName(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read unit directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, TomogramSuffix) || strings.Contains(name, "full") {
			continue
		}
		return strings.TrimSuffix(name, TomogramSuffix), nil
	}
	return "", fmt.Errorf("no completed tomogram (*%s) in %s", TomogramSuffix, dir)
}

// CheckMetadata inspects the alignment sidecars for the named unit. The tilt
// and cross-tilt angle files are always required; beyond that either the
// aligned stack itself or the transform file to rebuild it must exist.
func CheckMetadata(dir, name string) MetadataState {
	xf := exists(filepath.Join(dir, name+".xf"))
	ali := exists(filepath.Join(dir, name+"_ali.mrc"))
	tlt := exists(filepath.Join(dir, name+".tlt"))
	xtilt := exists(filepath.Join(dir, name+".xtilt"))

	switch {
	case !tlt || !xtilt:
		return MetadataMissing
	case ali:
		return MetadataReady
	case xf:
		return MetadataNeedsNewstack
	default:
		return MetadataMissing
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IncludeLists splits n sections into the two 1-based index lists used by
// the INCLUDE directive. The even half takes the first, third, fifth...
// image; the odd half the rest.
func IncludeLists(n int) (evens, odds string) {
	var e, o []string
	for i := 0; i < n; i++ {
		idx := fmt.Sprintf("%d", i+1)
		if i%2 == 0 {
			e = append(e, idx)
		} else {
			o = append(o, idx)
		}
	}
	return strings.Join(e, ","), strings.Join(o, ",")
}

// BuildNewstCom renders the com file that rebuilds the aligned stack from
// the raw stack and its transform file.
func BuildNewstCom(name string, binning int) string {
	var b strings.Builder
	b.WriteString("$setenv IMOD_OUTPUT_FORMAT MRC\n")
	b.WriteString("$newstack -StandardInput\n")
	b.WriteString("AntialiasFilter\t4\n")
	fmt.Fprintf(&b, "InputFile\t%s.mrc\n", name)
	fmt.Fprintf(&b, "OutputFile\t%s_ali.mrc\n", name)
	fmt.Fprintf(&b, "TransformFile\t%s.xf\n", name)
	b.WriteString("LinearInterpolation\t0\n")
	fmt.Fprintf(&b, "BinByFactor\t%d\n", binning)
	b.WriteString("TaperAtFill\t1,1\n")
	b.WriteString("AdjustOrigin\n")
	b.WriteString("OffsetsInXandY\t0,0\n")
	b.WriteString("ImagesAreBinned\t1\n")
	b.WriteString("$if (-e ./savework) ./savework\n")
	return b.String()
}

// TiltFacts carries the per-unit values the tilt com builders need beyond
// configuration.
type TiltFacts struct {
	Name      string
	Thickness int
	FullX     int
	FullY     int
	GPU       int
	Include   string
	Output    string
}

// BuildTiltCom renders a tilt com file from scratch, used when the unit has
// no tilt.com to derive from.
func BuildTiltCom(section config.Reconstruction, facts TiltFacts) string {
	var b strings.Builder
	b.WriteString("$setenv IMOD_OUTPUT_FORMAT MRC\n")
	b.WriteString("$tilt -StandardInput\n")
	if section.Method == config.ReconMethodFakeSIRT && section.FakeSIRTIterations > 0 {
		fmt.Fprintf(&b, "FakeSIRTiterations\t%d\n", section.FakeSIRTIterations)
	}
	fmt.Fprintf(&b, "InputProjections %s_ali.mrc\n", facts.Name)
	fmt.Fprintf(&b, "OutputFile\t%s\n", facts.Output)
	fmt.Fprintf(&b, "IMAGEBINNED\t%d\n", section.Binning)
	fmt.Fprintf(&b, "TILTFILE %s.tlt\n", facts.Name)
	fmt.Fprintf(&b, "XTILTFILE %s.xtilt\n", facts.Name)
	fmt.Fprintf(&b, "UseGPU\t%d\n", facts.GPU)
	fmt.Fprintf(&b, "THICKNESS\t%d\n", facts.Thickness)
	b.WriteString("RADIAL .35 .035\n")
	b.WriteString("FalloffIsTrueSigma 1\n")
	b.WriteString("SCALE 0 0.00144\n")
	b.WriteString("PERPENDICULAR\n")
	b.WriteString("MODE 1\n")
	fmt.Fprintf(&b, "FULLIMAGE\t%d %d\n", facts.FullX, facts.FullY)
	b.WriteString("SUBSETSTART\t0 0\n")
	b.WriteString("AdjustOrigin 1\n")
	fmt.Fprintf(&b, "%s\n", facts.Include)
	b.WriteString("$if (-e ./savework) ./savework\n")
	return b.String()
}

// RewriteTiltCom derives a halfset tilt com from the unit's existing
// tilt.com. Known directives are substituted in place, everything else is
// preserved verbatim, and the INCLUDE list goes in before the trailing
// savework line.
func RewriteTiltCom(src string, section config.Reconstruction, facts TiltFacts) string {
	lines := strings.Split(strings.TrimRight(src, "\n"), "\n")
	var out []string
	for _, line := range lines {
		switch comDirective(line) {
		case "InputProjections":
			line = fmt.Sprintf("InputProjections %s_ali.mrc", facts.Name)
		case "OutputFile":
			line = fmt.Sprintf("OutputFile\t%s", facts.Output)
		case "IMAGEBINNED":
			line = fmt.Sprintf("IMAGEBINNED\t%d", section.Binning)
		case "TILTFILE":
			line = fmt.Sprintf("TILTFILE %s.tlt", facts.Name)
		case "XTILTFILE":
			line = fmt.Sprintf("XTILTFILE %s.xtilt", facts.Name)
		case "UseGPU":
			line = fmt.Sprintf("UseGPU\t%d", facts.GPU)
		}
		out = append(out, line)
	}

	include := facts.Include
	if n := len(out); n > 0 && strings.HasPrefix(out[n-1], "$if") {
		out = append(out[:n-1], include, out[n-1])
	} else {
		out = append(out, include)
	}
	return strings.Join(out, "\n") + "\n"
}

func comDirective(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Geometry reads the stack and tomogram headers and returns the section
// count, the full image dimensions, and the unbinned thickness used when no
// tilt.com exists.
func Geometry(dir, name string) (sections, fullX, fullY, thickness int, err error) {
	stack, err := mrc.ReadHeader(filepath.Join(dir, name+".mrc"))
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("read stack header: %w", err)
	}
	rec, err := mrc.ReadHeader(filepath.Join(dir, name+TomogramSuffix))
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("read tomogram header: %w", err)
	}

	fullX = int(stack.NX)
	fullY = int(stack.NY)
	sections = stack.Sections()

	recBin := 1
	if rec.NX > 0 && int(stack.NX) >= int(rec.NX) {
		recBin = int(stack.NX) / int(rec.NX)
	}
	thickness = recBin * rec.Sections()
	return sections, fullX, fullY, thickness, nil
}
