package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and daemon socket configuration.
type Paths struct {
	DataRoot    string `toml:"data_root"`
	ArchiveRoot string `toml:"archive_root"`
	StateDir    string `toml:"state_dir"`
	LogDir      string `toml:"log_dir"`
	SocketPath  string `toml:"socket_path"`
}

// Acquisition describes the collection software and the normalization fixups
// applied to its raw output.
type Acquisition struct {
	Variant         string   `toml:"variant"`
	TiltAxis        *float64 `toml:"tilt_axis"`
	PixelSize       *float64 `toml:"pixel_size"`
	Exposure        *float64 `toml:"exposure"`
	TiltAxisKey     string   `toml:"tilt_axis_key"`
	DuplicateMarker string   `toml:"duplicate_marker"`
	FramesFragment  string   `toml:"frames_fragment"`
}

// Correction contains parameters for the motion-correction worker.
type Correction struct {
	Binary        string  `toml:"binary"`
	GPUs          int     `toml:"gpus"`
	Binning       int     `toml:"binning"`
	DoseWeighting bool    `toml:"dose_weighting"`
	DropMean      float64 `toml:"drop_mean"`
}

// Reconstruction contains parameters for the reconstruction worker and the
// COM/ADOC directive files that drive it. Thickness is the binned tomogram
// thickness; the directive builder scales it by Binning before writing the
// unbinned THICKNESS value.
type Reconstruction struct {
	Binary             string  `toml:"binary"`
	WatcherBinary      string  `toml:"watcher_binary"`
	Mode               string  `toml:"mode"`
	Method             string  `toml:"method"`
	CPUs               int     `toml:"cpus"`
	GPUs               string  `toml:"gpus"`
	SystemTemplate     string  `toml:"system_template"`
	RemoveXrays        bool    `toml:"remove_xrays"`
	PrealignBinning    int     `toml:"prealign_binning"`
	Binning            int     `toml:"binning"`
	AlignMethod        string  `toml:"align_method"`
	GoldSize           float64 `toml:"gold_size"`
	TargetBeads        int     `toml:"target_beads"`
	SobelFilter        bool    `toml:"sobel_filter"`
	SobelSigma         float64 `toml:"sobel_sigma"`
	PatchSizeX         int     `toml:"patch_size_x"`
	PatchSizeY         int     `toml:"patch_size_y"`
	PatchOverlap       float64 `toml:"patch_overlap"`
	CTFCorrection      bool    `toml:"ctf_correction"`
	DefocusLow         float64 `toml:"defocus_low"`
	DefocusHigh        float64 `toml:"defocus_high"`
	AutofitRange       float64 `toml:"autofit_range"`
	AutofitStep        float64 `toml:"autofit_step"`
	FakeSIRTIterations int     `toml:"fake_sirt_iterations"`
	Thickness          int     `toml:"thickness"`
	DoseSymmetric      bool    `toml:"dose_symmetric"`
	Voltage            int     `toml:"voltage"`
	Cs                 float64 `toml:"cs"`
	Trimvol            bool    `toml:"trimvol"`
	Reorient           string  `toml:"reorient"`
}

// Denoise contains parameters for denoising preparation (even/odd half
// tomograms plus training configs).
type Denoise struct {
	Enabled         bool `toml:"enabled"`
	SubtomoSize     int  `toml:"subtomo_size"`
	Epochs          int  `toml:"epochs"`
	TrainingSamples int  `toml:"training_samples"`
}

// Transfer contains parameters for archival transfer.
type Transfer struct {
	Operator string `toml:"operator"`
}

// Monitor contains thresholds for the process-completion monitor. The warm-up
// and drained counts are workload-specific calibrations, not general rules,
// which is why they live in configuration.
type Monitor struct {
	Pattern        string `toml:"pattern"`
	WarmupCount    int    `toml:"warmup_count"`
	DrainedCount   int    `toml:"drained_count"`
	PollInterval   int    `toml:"poll_interval"`
	TimeoutMinutes int    `toml:"timeout_minutes"`
}

// Pipeline contains run-level flags and daemon timing.
type Pipeline struct {
	SkipCorrection    bool `toml:"skip_correction"`
	SkipTransfer      bool `toml:"skip_transfer"`
	SettleSeconds     int  `toml:"settle_seconds"`
	RescanInterval    int  `toml:"rescan_interval"`
	HeartbeatInterval int  `toml:"heartbeat_interval"`
	HeartbeatTimeout  int  `toml:"heartbeat_timeout"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic          string `toml:"ntfy_topic"`
	RequestTimeout     int    `toml:"request_timeout"`
	Runs               bool   `toml:"runs"`
	Stages             bool   `toml:"stages"`
	Datasets           bool   `toml:"datasets"`
	Errors             bool   `toml:"errors"`
	DedupWindowSeconds int    `toml:"dedup_window_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format         string            `toml:"format"`
	Level          string            `toml:"level"`
	RetentionDays  int               `toml:"retention_days"`
	StageOverrides map[string]string `toml:"stage_overrides"`
}

// Config encapsulates all configuration values for Stagehand.
//
// Configuration sections by subsystem:
//   - Paths: dataset root, archive root, state/log directories, daemon socket
//   - Acquisition: collection-software variant and normalization fixups
//   - Correction: motion-correction worker parameters
//   - Reconstruction: reconstruction worker parameters and directive values
//   - Denoise: denoising-preparation toggles and training parameters
//   - Transfer: archival operator identity
//   - Monitor: process-completion thresholds for the drain gate
//   - Pipeline: skip flags, watcher timing, heartbeat intervals
//   - Notifications: ntfy push notification settings
//   - Logging: log format, level, and retention
type Config struct {
	Paths          Paths          `toml:"paths"`
	Acquisition    Acquisition    `toml:"acquisition"`
	Correction     Correction     `toml:"correction"`
	Reconstruction Reconstruction `toml:"reconstruction"`
	Denoise        Denoise        `toml:"denoise"`
	Transfer       Transfer       `toml:"transfer"`
	Monitor        Monitor        `toml:"monitor"`
	Pipeline       Pipeline       `toml:"pipeline"`
	Notifications  Notifications  `toml:"notifications"`
	Logging        Logging        `toml:"logging"`
}

// Acquisition variant names accepted in configuration.
const (
	VariantSerialEM    = "serialem"
	VariantTomography5 = "tomography5"
)

// Reconstruction watcher modes. Internal mode wraps each worker invocation so
// completion is an explicit per-unit signal; external mode launches the
// long-lived directive-driven watcher and infers drain from the monitor.
const (
	ReconModeInternal = "internal"
	ReconModeExternal = "external"
)

// Reconstruction methods. Backprojection and the SIRT-like variant both run
// the standard tilt reconstruction (the latter with fake-SIRT iterations);
// true SIRT switches the directives to iterative reconstruction.
const (
	ReconMethodBackprojection = "backprojection"
	ReconMethodFakeSIRT       = "fakesirt"
	ReconMethodSIRT           = "sirt"
)

// Alignment tracking methods for the reconstruction directives.
const (
	AlignMethodFiducial = "fiducial"
	AlignMethodPatch    = "patch"
)

// Trimvol reorientation choices.
const (
	ReorientNone   = "none"
	ReorientFlip   = "flip"
	ReorientRotate = "rotate"
)

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/stagehand/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath("~/.config/stagehand/config.toml")
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("stagehand.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// ArchiveRoot is created on a best-effort basis so the daemon can run when
// archival storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.ArchiveRoot) != "" {
		// Best-effort to avoid failing config load when storage is offline.
		_ = os.MkdirAll(c.Paths.ArchiveRoot, 0o755)
	}
	return nil
}

// CorrectionBinary returns the motion-correction executable name.
func (c *Config) CorrectionBinary() string {
	if v := strings.TrimSpace(c.Correction.Binary); v != "" {
		return v
	}
	return "alignframes"
}

// ReconstructionBinary returns the reconstruction executable name.
func (c *Config) ReconstructionBinary() string {
	if v := strings.TrimSpace(c.Reconstruction.Binary); v != "" {
		return v
	}
	return "batchruntomo"
}

// SerieswatcherBinary returns the external directive-driven watcher
// executable name used in external reconstruction mode.
func (c *Config) SerieswatcherBinary() string {
	if v := strings.TrimSpace(c.Reconstruction.WatcherBinary); v != "" {
		return v
	}
	return "serieswatcher"
}

// SubmfgBinary returns the com-file runner executable name.
func (c *Config) SubmfgBinary() string {
	return "submfg"
}

// TrimvolBinary returns the volume-reorientation executable name.
func (c *Config) TrimvolBinary() string {
	return "trimvol"
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	sample := sampleConfig

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
