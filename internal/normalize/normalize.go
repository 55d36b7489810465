// Package normalize converts a dataset's raw metadata and frame layout into
// the canonical form every downstream stage consumes, regardless of which
// acquisition software produced it.
package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"stagehand/internal/config"
	"stagehand/internal/fileutil"
	"stagehand/internal/layout"
	"stagehand/internal/logging"
	"stagehand/internal/mdoc"
	"stagehand/internal/services"
)

// FramesDir is the canonical raw-frames subdirectory inside a dataset.
const FramesDir = layout.FramesDir

const stageName = "normalize"

// Result reports what normalization changed and the acquisition facts it
// captured for downstream stages.
type Result struct {
	Sidecars          []string
	Renamed           int
	RemovedDuplicates int
	FramesMoved       int
	Collisions        []string
	TiltAxis          *float64
	PixelSize         float64
	ExposureDose      float64
}

// Normalizer rewrites one dataset directory in place.
type Normalizer struct {
	cfg    *config.Config
	logger *slog.Logger
}

// New builds a Normalizer over the provided configuration.
func New(cfg *config.Config, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, stageName),
	}
}

// CanonicalAxis converts a source-convention tilt axis into the canonical
// convention consumed by the reconstruction directives.
func CanonicalAxis(source float64) float64 {
	return -90.0 - source
}

// Run normalizes the dataset directory: duplicate sidecars are removed,
// sidecar extensions are made canonical, the tilt-axis field is rewritten
// when an override is configured, and matching frame files move into the
// canonical frames subdirectory. Run is idempotent; a second pass over an
// already-normalized dataset changes nothing.
func (n *Normalizer) Run(ctx context.Context, datasetDir string) (*Result, error) {
	ctx = services.WithStage(ctx, stageName)
	logger := logging.WithContext(ctx, n.logger)

	info, err := os.Stat(datasetDir)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, stageName, "scan", fmt.Sprintf("dataset directory %s", datasetDir), err)
	}
	if !info.IsDir() {
		return nil, services.Wrap(services.ErrConfiguration, stageName, "scan", fmt.Sprintf("%s is not a directory", datasetDir), nil)
	}

	result := &Result{}

	if err := n.removeDuplicates(logger, datasetDir, result); err != nil {
		return nil, err
	}
	if err := n.renameSidecars(logger, datasetDir, result); err != nil {
		return nil, err
	}

	sidecars, err := canonicalSidecars(datasetDir)
	if err != nil {
		return nil, services.Wrap(services.ErrMetadataParse, stageName, "scan", "list sidecars", err)
	}
	if len(sidecars) == 0 {
		return nil, services.Wrap(services.ErrMetadataParse, stageName, "scan",
			fmt.Sprintf("no metadata sidecars in %s; downstream stages require at least one", datasetDir), nil)
	}
	result.Sidecars = sidecars

	if n.cfg.Acquisition.TiltAxis != nil {
		if err := n.rewriteTiltAxis(logger, sidecars, *n.cfg.Acquisition.TiltAxis, result); err != nil {
			return nil, err
		}
	}

	if err := n.relocateFrames(logger, datasetDir, result); err != nil {
		return nil, err
	}

	n.captureAcquisition(logger, sidecars[0], result)

	logger.Info("dataset normalized",
		logging.Int("sidecars", len(result.Sidecars)),
		logging.Int("renamed", result.Renamed),
		logging.Int("duplicates_removed", result.RemovedDuplicates),
		logging.Int("frames_moved", result.FramesMoved),
	)
	return result, nil
}

// isSidecar reports whether a file name belongs to a metadata sidecar in
// any variant's spelling (canonical or not).
func isSidecar(name string) bool {
	return strings.Contains(strings.ToLower(name), mdoc.Extension)
}

func (n *Normalizer) removeDuplicates(logger *slog.Logger, dir string, result *Result) error {
	marker := n.cfg.Acquisition.DuplicateMarker
	if marker == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return services.Wrap(services.ErrMetadataParse, stageName, "dedupe", "read dataset directory", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		// Only sidecars are ever deleted. Frame data is untouchable here.
		if !isSidecar(name) || !strings.Contains(name, marker) {
			continue
		}
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			return services.Wrap(services.ErrMetadataParse, stageName, "dedupe", fmt.Sprintf("remove duplicate sidecar %s", name), err)
		}
		result.RemovedDuplicates++
		logger.Info("duplicate sidecar removed", logging.String("file", name))
	}
	return nil
}

func (n *Normalizer) renameSidecars(logger *slog.Logger, dir string, result *Result) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return services.Wrap(services.ErrMetadataParse, stageName, "rename", "read dataset directory", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		canonical, ok := canonicalSidecarName(name)
		if !ok || canonical == name {
			continue
		}
		src := filepath.Join(dir, name)
		dst := filepath.Join(dir, canonical)
		if _, err := os.Stat(dst); err == nil {
			// Source and canonical target coexist: report, never overwrite.
			result.Collisions = append(result.Collisions, name)
			logger.Warn("sidecar rename collision; leaving both files",
				logging.String("file", name),
				logging.String("target", canonical),
			)
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			return services.Wrap(services.ErrMetadataParse, stageName, "rename", fmt.Sprintf("rename sidecar %s", name), err)
		}
		result.Renamed++
		logger.Info("sidecar renamed", logging.String("from", name), logging.String("to", canonical))
	}
	return nil
}

// canonicalSidecarName maps a sidecar file name to its canonical spelling:
// everything after the sidecar extension is dropped. Names that are not
// sidecars return ok=false.
func canonicalSidecarName(name string) (string, bool) {
	lower := strings.ToLower(name)
	idx := strings.Index(lower, mdoc.Extension)
	if idx < 0 {
		return "", false
	}
	return name[:idx] + mdoc.Extension, true
}

func (n *Normalizer) rewriteTiltAxis(logger *slog.Logger, sidecars []string, source float64, result *Result) error {
	canonical := CanonicalAxis(source)
	rendered := fmt.Sprintf("%.2f", canonical)
	key := n.cfg.Acquisition.TiltAxisKey

	for _, path := range sidecars {
		f, err := mdoc.ParseFile(path)
		if err != nil {
			return services.Wrap(services.ErrMetadataParse, stageName, "tilt-axis", fmt.Sprintf("parse %s", filepath.Base(path)), err)
		}
		changed := f.SetAll(key, rendered)
		if changed == 0 {
			logger.Warn("tilt-axis key not present in sidecar",
				logging.String("file", filepath.Base(path)),
				logging.String("key", key),
			)
			continue
		}
		if err := f.WriteFile(path); err != nil {
			return services.Wrap(services.ErrMetadataParse, stageName, "tilt-axis", fmt.Sprintf("rewrite %s", filepath.Base(path)), err)
		}
		logger.Info("tilt axis rewritten",
			logging.String("file", filepath.Base(path)),
			logging.Float64("source", source),
			logging.Float64("canonical", canonical),
			logging.Int("fields", changed),
		)
	}
	result.TiltAxis = &canonical
	return nil
}

func (n *Normalizer) relocateFrames(logger *slog.Logger, dir string, result *Result) error {
	fragment := n.cfg.Acquisition.FramesFragment
	if fragment == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return services.Wrap(services.ErrMetadataParse, stageName, "frames", "read dataset directory", err)
	}
	framesDir := filepath.Join(dir, FramesDir)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if isSidecar(name) || !strings.Contains(name, fragment) {
			continue
		}
		if err := fileutil.MoveFile(logger, filepath.Join(dir, name), filepath.Join(framesDir, name)); err != nil {
			return services.Wrap(services.ErrUnitProcessing, stageName, "frames", fmt.Sprintf("relocate frame %s", name), err)
		}
		result.FramesMoved++
	}
	if result.FramesMoved > 0 {
		logger.Info("frames relocated", logging.Int("count", result.FramesMoved), logging.String("dir", framesDir))
	}
	return nil
}

// captureAcquisition records pixel size and exposure for the run report.
// Configured overrides win over sidecar values.
func (n *Normalizer) captureAcquisition(logger *slog.Logger, sidecar string, result *Result) {
	f, err := mdoc.ParseFile(sidecar)
	if err != nil {
		logger.Warn("could not read sidecar for acquisition summary", logging.Error(err))
		return
	}
	info := f.Info()
	result.PixelSize = info.PixelSize
	if n.cfg.Acquisition.PixelSize != nil {
		result.PixelSize = *n.cfg.Acquisition.PixelSize
	}
	if dose, ok := f.Float(mdoc.KeyExposureDose); ok {
		result.ExposureDose = dose
	}
	if n.cfg.Acquisition.Exposure != nil {
		result.ExposureDose = *n.cfg.Acquisition.Exposure
	}
}

func canonicalSidecars(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), mdoc.Extension) {
			out = append(out, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
