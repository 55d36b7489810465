package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable. Enum and threshold problems
// are reported here, before any stage launches.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateAcquisition(); err != nil {
		return err
	}
	if err := c.validateCorrection(); err != nil {
		return err
	}
	if err := c.validateReconstruction(); err != nil {
		return err
	}
	if err := c.validateDenoise(); err != nil {
		return err
	}
	if err := c.validateTransfer(); err != nil {
		return err
	}
	if err := c.validateMonitor(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataRoot) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/stagehand/config.toml"
		}
		return fmt.Errorf("paths.data_root is required. Edit %s (create with 'stagehand config init')", defaultPath)
	}
	if !c.Pipeline.SkipTransfer && strings.TrimSpace(c.Paths.ArchiveRoot) == "" {
		return errors.New("paths.archive_root must be set unless pipeline.skip_transfer is true")
	}
	return nil
}

func (c *Config) validateAcquisition() error {
	switch c.Acquisition.Variant {
	case VariantSerialEM, VariantTomography5:
	default:
		return fmt.Errorf("acquisition.variant %q is not supported (expected %q or %q)", c.Acquisition.Variant, VariantSerialEM, VariantTomography5)
	}
	if strings.ContainsAny(c.Acquisition.TiltAxisKey, "= \t") {
		return errors.New("acquisition.tilt_axis_key must be a bare metadata key")
	}
	return nil
}

func (c *Config) validateCorrection() error {
	if c.Correction.GPUs < 0 {
		return errors.New("correction.gpus must be >= 0")
	}
	if c.Correction.Binning <= 0 {
		return errors.New("correction.binning must be positive")
	}
	if c.Correction.DropMean < 0 || c.Correction.DropMean > 1 {
		return errors.New("correction.drop_mean must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateReconstruction() error {
	r := c.Reconstruction
	switch r.Mode {
	case ReconModeInternal, ReconModeExternal:
	default:
		return fmt.Errorf("reconstruction.mode %q is not supported (expected %q or %q)", r.Mode, ReconModeInternal, ReconModeExternal)
	}
	switch r.Method {
	case ReconMethodBackprojection, ReconMethodFakeSIRT, ReconMethodSIRT:
	default:
		return fmt.Errorf("reconstruction.method %q is not supported (expected %q, %q, or %q)", r.Method, ReconMethodBackprojection, ReconMethodFakeSIRT, ReconMethodSIRT)
	}
	switch r.AlignMethod {
	case AlignMethodFiducial, AlignMethodPatch:
	default:
		return fmt.Errorf("reconstruction.align_method %q is not supported (expected %q or %q)", r.AlignMethod, AlignMethodFiducial, AlignMethodPatch)
	}
	switch r.Reorient {
	case ReorientNone, ReorientFlip, ReorientRotate:
	default:
		return fmt.Errorf("reconstruction.reorient %q is not supported (expected %q, %q, or %q)", r.Reorient, ReorientNone, ReorientFlip, ReorientRotate)
	}
	if err := ensurePositiveMap(map[string]int{
		"reconstruction.cpus":             r.CPUs,
		"reconstruction.prealign_binning": r.PrealignBinning,
		"reconstruction.binning":          r.Binning,
		"reconstruction.thickness":        r.Thickness,
	}); err != nil {
		return err
	}
	if r.Method == ReconMethodFakeSIRT && r.FakeSIRTIterations <= 0 {
		return errors.New("reconstruction.fake_sirt_iterations must be positive when reconstruction.method is \"fakesirt\"")
	}
	if r.AlignMethod == AlignMethodFiducial {
		if r.GoldSize <= 0 {
			return errors.New("reconstruction.gold_size must be positive when reconstruction.align_method is \"fiducial\"")
		}
		if r.TargetBeads <= 0 {
			return errors.New("reconstruction.target_beads must be positive when reconstruction.align_method is \"fiducial\"")
		}
		if r.SobelFilter && r.SobelSigma <= 0 {
			return errors.New("reconstruction.sobel_sigma must be positive when reconstruction.sobel_filter is true")
		}
	}
	if r.AlignMethod == AlignMethodPatch {
		if r.PatchSizeX <= 0 || r.PatchSizeY <= 0 {
			return errors.New("reconstruction.patch_size_x and reconstruction.patch_size_y must be positive when reconstruction.align_method is \"patch\"")
		}
		if r.PatchOverlap <= 0 || r.PatchOverlap >= 1 {
			return errors.New("reconstruction.patch_overlap must be between 0 and 1 exclusive")
		}
	}
	if r.CTFCorrection {
		if r.DefocusLow < 0 || r.DefocusHigh <= r.DefocusLow {
			return errors.New("reconstruction.defocus_high must be greater than reconstruction.defocus_low when reconstruction.ctf_correction is true")
		}
		if r.AutofitRange < 0 || r.AutofitStep < 0 {
			return errors.New("reconstruction.autofit_range and reconstruction.autofit_step must be >= 0")
		}
	}
	if r.Voltage <= 0 {
		return errors.New("reconstruction.voltage must be positive (kV)")
	}
	if r.Cs <= 0 {
		return errors.New("reconstruction.cs must be positive (mm)")
	}
	return nil
}

func (c *Config) validateDenoise() error {
	if !c.Denoise.Enabled {
		return nil
	}
	return ensurePositiveMap(map[string]int{
		"denoise.subtomo_size":     c.Denoise.SubtomoSize,
		"denoise.epochs":           c.Denoise.Epochs,
		"denoise.training_samples": c.Denoise.TrainingSamples,
	})
}

func (c *Config) validateTransfer() error {
	if c.Pipeline.SkipTransfer {
		return nil
	}
	if strings.TrimSpace(c.Transfer.Operator) == "" {
		return errors.New("transfer.operator is required unless pipeline.skip_transfer is true. Set STAGEHAND_OPERATOR env var or edit the config file")
	}
	return nil
}

func (c *Config) validateMonitor() error {
	if err := ensurePositiveMap(map[string]int{
		"monitor.warmup_count":    c.Monitor.WarmupCount,
		"monitor.poll_interval":   c.Monitor.PollInterval,
		"monitor.timeout_minutes": c.Monitor.TimeoutMinutes,
	}); err != nil {
		return err
	}
	if c.Monitor.DrainedCount < 0 {
		return errors.New("monitor.drained_count must be >= 0")
	}
	if c.Monitor.WarmupCount <= c.Monitor.DrainedCount {
		return errors.New("monitor.warmup_count must be greater than monitor.drained_count")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if err := ensurePositiveMap(map[string]int{
		"pipeline.settle_seconds":  c.Pipeline.SettleSeconds,
		"pipeline.rescan_interval": c.Pipeline.RescanInterval,
	}); err != nil {
		return err
	}
	if c.Pipeline.HeartbeatInterval <= 0 {
		return errors.New("pipeline.heartbeat_interval must be positive")
	}
	if c.Pipeline.HeartbeatTimeout <= 0 {
		return errors.New("pipeline.heartbeat_timeout must be positive")
	}
	if c.Pipeline.HeartbeatTimeout <= c.Pipeline.HeartbeatInterval {
		return errors.New("pipeline.heartbeat_timeout must be greater than pipeline.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	if c.Notifications.DedupWindowSeconds < 0 {
		return errors.New("notifications.dedup_window_seconds must be >= 0")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
