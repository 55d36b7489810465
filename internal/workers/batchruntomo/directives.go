// Package batchruntomo builds the reconstruction directive files and drives
// the reconstruction worker, either per tilt series or through the external
// series watcher.
package batchruntomo

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"stagehand/internal/config"
)

// Directive file names inside a unit's coms directory.
const (
	ComsDir  = "coms"
	ComName  = "BRT_MASTER.com"
	AdocName = "BRT_MASTER.adoc"
)

// Facts carries the per-unit values resolved outside configuration: where
// the reconstruction runs and what the sidecar reported.
type Facts struct {
	OutDir    string
	PixelSize float64
	TiltAxis  float64
}

// BuildCom renders the batch com file pointing the worker at the directive
// file and the unit directory.
func BuildCom(binary, adocPath string, section config.Reconstruction, facts Facts) string {
	var b strings.Builder
	fmt.Fprintf(&b, "$%s -StandardInput\n", binary)
	b.WriteString("NamingStyle     1\n")
	b.WriteString("MakeSubDirectory\n")
	fmt.Fprintf(&b, "CPUMachineList  localhost:%d\n", section.CPUs)
	fmt.Fprintf(&b, "GPUMachineList  %s\n", section.GPUs)
	b.WriteString("NiceValue       15\n")
	b.WriteString("EtomoDebug      0\n")
	fmt.Fprintf(&b, "DirectiveFile   %s\n", adocPath)
	fmt.Fprintf(&b, "CurrentLocation %s\n", facts.OutDir)
	b.WriteString("BypassEtomo\n")
	return b.String()
}

// BuildAdoc renders the reconstruction directive file. Line order is fixed;
// the tracking, CTF, and iteration blocks are appended only when the
// configuration selects them.
func BuildAdoc(section config.Reconstruction, facts Facts) (string, error) {
	useSirt := 0
	if section.Method == config.ReconMethodSIRT {
		useSirt = 1
	}
	thicknessUnbinned := section.Thickness * section.Binning

	var b strings.Builder
	fmt.Fprintf(&b, "setupset.systemTemplate = %s\n", section.SystemTemplate)
	fmt.Fprintf(&b, "runtime.Preprocessing.any.removeXrays = %s\n", boolDirective(section.RemoveXrays))
	fmt.Fprintf(&b, "comparam.prenewst.newstack.BinByFactor = %d\n", section.PrealignBinning)
	fmt.Fprintf(&b, "runtime.Fiducials.any.trackingMethod = %d\n", trackingMethod(section.AlignMethod))
	fmt.Fprintf(&b, "setupset.copyarg.gold = %s\n", floatDirective(section.GoldSize))
	fmt.Fprintf(&b, "runtime.AlignedStack.any.binByFactor = %d\n", section.Binning)
	fmt.Fprintf(&b, "runtime.Reconstruction.any.useSirt = %d\n", useSirt)
	b.WriteString("runtime.Trimvol.any.scaleFromZ = \n")
	fmt.Fprintf(&b, "runtime.Postprocess.any.doTrimvol = %s\n", boolDirective(section.Trimvol))
	fmt.Fprintf(&b, "setupset.copyarg.pixel = %s\n", floatDirective(facts.PixelSize))
	fmt.Fprintf(&b, "setupset.copyarg.rotation = %s\n", floatDirective(facts.TiltAxis))
	fmt.Fprintf(&b, "setupset.copyarg.dosesym = %s\n", boolDirective(section.DoseSymmetric))
	fmt.Fprintf(&b, "setupset.copyarg.voltage = %d\n", section.Voltage)
	fmt.Fprintf(&b, "setupset.copyarg.Cs = %s\n", floatDirective(section.Cs))
	b.WriteString("comparam.prenewst.newstack.AntialiasFilter = 4\n")
	b.WriteString("comparam.newst.newstack.AntialiasFilter = 4\n")
	fmt.Fprintf(&b, "runtime.Trimvol.any.reorient = %d\n", reorientDirective(section.Reorient))
	fmt.Fprintf(&b, "comparam.tilt.tilt.THICKNESS = %d\n", thicknessUnbinned)

	switch section.AlignMethod {
	case config.AlignMethodFiducial:
		b.WriteString("runtime.Fiducials.any.seedingMethod = 1\n")
		fmt.Fprintf(&b, "comparam.track.beadtrack.SobelFilterCentering = %s\n", boolDirective(section.SobelFilter))
		fmt.Fprintf(&b, "comparam.autofidseed.autofidseed.TargetNumberOfBeads = %d\n", section.TargetBeads)
		if section.SobelFilter {
			fmt.Fprintf(&b, "comparam.track.beadtrack.KernelSigmaForSobel = %s\n", floatDirective(section.SobelSigma))
		}
	case config.AlignMethodPatch:
		fmt.Fprintf(&b, "comparam.xcorr_pt.tiltxcorr.SizeOfPatchesXandY = %d,%d\n", section.PatchSizeX, section.PatchSizeY)
		fmt.Fprintf(&b, "comparam.xcorr_pt.tiltxcorr.OverlapOfPatchesXandY = %s,%s\n",
			floatDirective(section.PatchOverlap), floatDirective(section.PatchOverlap))
	default:
		return "", fmt.Errorf("alignment method %q is not supported", section.AlignMethod)
	}

	if section.CTFCorrection {
		b.WriteString("runtime.AlignedStack.any.correctCTF = 1\n")
		fmt.Fprintf(&b, "comparam.ctfplotter.ctfplotter.ScanDefocusRange = %s,%s\n",
			floatDirective(section.DefocusLow), floatDirective(section.DefocusHigh))
		fmt.Fprintf(&b, "runtime.CTFplotting.any.autoFitRangeAndStep = %s,%s\n",
			floatDirective(section.AutofitRange), floatDirective(section.AutofitStep))
		b.WriteString("comparam.ctfplotter.ctfplotter.BaselineFittingOrder = 4\n")
		b.WriteString("comparam.ctfplotter.ctfplotter.SearchAstigmatism = 1\n")
	}

	if useSirt == 0 {
		iterations := 0
		if section.Method == config.ReconMethodFakeSIRT {
			iterations = section.FakeSIRTIterations
		}
		fmt.Fprintf(&b, "comparam.tilt.tilt.FakeSIRTiterations = %d", iterations)
	}

	return b.String(), nil
}

// WriteDirectives renders both directive files under the unit's coms
// directory and returns their paths.
func WriteDirectives(binary string, section config.Reconstruction, facts Facts) (comPath, adocPath string, err error) {
	comsDir := filepath.Join(facts.OutDir, ComsDir)
	if err := os.MkdirAll(comsDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create coms dir: %w", err)
	}
	comPath = filepath.Join(comsDir, ComName)
	adocPath = filepath.Join(comsDir, AdocName)

	adoc, err := BuildAdoc(section, facts)
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(adocPath, []byte(adoc), 0o644); err != nil {
		return "", "", fmt.Errorf("write directive file: %w", err)
	}
	com := BuildCom(binary, adocPath, section, facts)
	if err := os.WriteFile(comPath, []byte(com), 0o644); err != nil {
		return "", "", fmt.Errorf("write com file: %w", err)
	}
	return comPath, adocPath, nil
}

func trackingMethod(alignMethod string) int {
	if alignMethod == config.AlignMethodPatch {
		return 1
	}
	return 0
}

func reorientDirective(reorient string) int {
	switch reorient {
	case config.ReorientFlip:
		return 1
	case config.ReorientRotate:
		return 2
	default:
		return 0
	}
}

func boolDirective(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func floatDirective(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
