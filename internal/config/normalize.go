package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAcquisition()
	c.normalizeCorrection()
	c.normalizeReconstruction()
	c.normalizeTransfer()
	c.normalizeMonitor()
	c.normalizePipeline()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataRoot) != "" {
		if c.Paths.DataRoot, err = expandPath(c.Paths.DataRoot); err != nil {
			return fmt.Errorf("paths.data_root: %w", err)
		}
	}
	if strings.TrimSpace(c.Paths.ArchiveRoot) != "" {
		if c.Paths.ArchiveRoot, err = expandPath(c.Paths.ArchiveRoot); err != nil {
			return fmt.Errorf("paths.archive_root: %w", err)
		}
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.SocketPath) == "" {
		c.Paths.SocketPath = defaultSocketPath
	}
	if c.Paths.SocketPath, err = expandPath(c.Paths.SocketPath); err != nil {
		return fmt.Errorf("paths.socket_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeAcquisition() {
	c.Acquisition.Variant = strings.ToLower(strings.TrimSpace(c.Acquisition.Variant))
	if c.Acquisition.Variant == "" {
		c.Acquisition.Variant = defaultVariant
	}
	c.Acquisition.TiltAxisKey = strings.TrimSpace(c.Acquisition.TiltAxisKey)
	if c.Acquisition.TiltAxisKey == "" {
		c.Acquisition.TiltAxisKey = defaultTiltAxisKey
	}
	c.Acquisition.DuplicateMarker = strings.TrimSpace(c.Acquisition.DuplicateMarker)
	if c.Acquisition.DuplicateMarker == "" {
		c.Acquisition.DuplicateMarker = defaultDuplicateMarker
	}
	c.Acquisition.FramesFragment = strings.TrimSpace(c.Acquisition.FramesFragment)
	if c.Acquisition.FramesFragment == "" {
		c.Acquisition.FramesFragment = defaultFramesFragment
	}
}

func (c *Config) normalizeCorrection() {
	c.Correction.Binary = strings.TrimSpace(c.Correction.Binary)
	if c.Correction.GPUs < 0 {
		c.Correction.GPUs = 0
	}
	if c.Correction.Binning <= 0 {
		c.Correction.Binning = 1
	}
	if c.Correction.DropMean < 0 {
		c.Correction.DropMean = 0
	}
}

func (c *Config) normalizeReconstruction() {
	r := &c.Reconstruction
	r.Binary = strings.TrimSpace(r.Binary)
	r.WatcherBinary = strings.TrimSpace(r.WatcherBinary)
	r.Mode = strings.ToLower(strings.TrimSpace(r.Mode))
	if r.Mode == "" {
		r.Mode = ReconModeInternal
	}
	r.Method = strings.ToLower(strings.TrimSpace(r.Method))
	if r.Method == "" {
		r.Method = ReconMethodFakeSIRT
	}
	r.AlignMethod = strings.ToLower(strings.TrimSpace(r.AlignMethod))
	if r.AlignMethod == "" {
		r.AlignMethod = AlignMethodFiducial
	}
	r.Reorient = strings.ToLower(strings.TrimSpace(r.Reorient))
	if r.Reorient == "" {
		r.Reorient = ReorientRotate
	}
	r.GPUs = strings.TrimSpace(r.GPUs)
	if r.GPUs == "" {
		r.GPUs = defaultReconGPUs
	}
	r.SystemTemplate = strings.TrimSpace(r.SystemTemplate)
	if r.SystemTemplate == "" {
		r.SystemTemplate = defaultSystemTemplate
	}
	if r.CPUs <= 0 {
		r.CPUs = 1
	}
	if r.PrealignBinning <= 0 {
		r.PrealignBinning = 1
	}
	if r.Binning <= 0 {
		r.Binning = 1
	}
}

func (c *Config) normalizeTransfer() {
	c.Transfer.Operator = strings.TrimSpace(c.Transfer.Operator)
	if c.Transfer.Operator == "" {
		if value, ok := os.LookupEnv("STAGEHAND_OPERATOR"); ok {
			c.Transfer.Operator = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeMonitor() {
	c.Monitor.Pattern = strings.TrimSpace(c.Monitor.Pattern)
	if c.Monitor.Pattern == "" {
		c.Monitor.Pattern = c.ReconstructionBinary()
	}
	if c.Monitor.WarmupCount <= 0 {
		c.Monitor.WarmupCount = defaultMonitorWarmup
	}
	if c.Monitor.DrainedCount < 0 {
		c.Monitor.DrainedCount = defaultMonitorDrained
	}
	if c.Monitor.PollInterval <= 0 {
		c.Monitor.PollInterval = defaultMonitorPoll
	}
	if c.Monitor.TimeoutMinutes <= 0 {
		c.Monitor.TimeoutMinutes = defaultMonitorTimeout
	}
}

func (c *Config) normalizePipeline() {
	if c.Pipeline.SettleSeconds <= 0 {
		c.Pipeline.SettleSeconds = defaultSettleSeconds
	}
	if c.Pipeline.RescanInterval <= 0 {
		c.Pipeline.RescanInterval = defaultRescanInterval
	}
	if c.Pipeline.HeartbeatInterval <= 0 {
		c.Pipeline.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Pipeline.HeartbeatTimeout <= 0 {
		c.Pipeline.HeartbeatTimeout = defaultHeartbeatTimeout
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = 10
	}
	if c.Notifications.DedupWindowSeconds < 0 {
		c.Notifications.DedupWindowSeconds = 0
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
	if len(c.Logging.StageOverrides) > 0 {
		overrides := make(map[string]string, len(c.Logging.StageOverrides))
		for stage, level := range c.Logging.StageOverrides {
			stage = strings.ToLower(strings.TrimSpace(stage))
			level = strings.ToLower(strings.TrimSpace(level))
			if stage == "" || level == "" {
				continue
			}
			overrides[stage] = level
		}
		c.Logging.StageOverrides = overrides
	}
}
