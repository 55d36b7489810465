package config

const (
	defaultStateDir          = "~/.local/share/stagehand/state"
	defaultLogDir            = "~/.local/share/stagehand/logs"
	defaultSocketPath        = "~/.local/share/stagehand/stagehandd.sock"
	defaultVariant           = VariantSerialEM
	defaultTiltAxisKey       = "TiltAxisAngle"
	defaultDuplicateMarker   = "_dup"
	defaultFramesFragment    = "Fractions"
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultLogRetentionDays  = 60
	defaultMonitorWarmup     = 2
	defaultMonitorDrained    = 1
	defaultMonitorPoll       = 60
	defaultMonitorTimeout    = 720
	defaultSettleSeconds     = 5
	defaultRescanInterval    = 30
	defaultHeartbeatInterval = 15
	defaultHeartbeatTimeout  = 120
	defaultSystemTemplate    = "/usr/local/IMOD/SystemTemplate/cryoSample.adoc"
	defaultReconGPUs         = "localhost"
	defaultNotifyDedupWindow = 600
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:   defaultStateDir,
			LogDir:     defaultLogDir,
			SocketPath: defaultSocketPath,
		},
		Acquisition: Acquisition{
			Variant:         defaultVariant,
			TiltAxisKey:     defaultTiltAxisKey,
			DuplicateMarker: defaultDuplicateMarker,
			FramesFragment:  defaultFramesFragment,
		},
		Correction: Correction{
			GPUs:          1,
			Binning:       1,
			DoseWeighting: true,
			DropMean:      0.1,
		},
		Reconstruction: Reconstruction{
			Mode:               ReconModeInternal,
			Method:             ReconMethodFakeSIRT,
			CPUs:               8,
			GPUs:               defaultReconGPUs,
			SystemTemplate:     defaultSystemTemplate,
			RemoveXrays:        true,
			PrealignBinning:    4,
			Binning:            4,
			AlignMethod:        AlignMethodFiducial,
			GoldSize:           10,
			TargetBeads:        25,
			SobelFilter:        true,
			SobelSigma:         0.5,
			PatchSizeX:         680,
			PatchSizeY:         680,
			PatchOverlap:       0.33,
			DefocusLow:         0.3,
			DefocusHigh:        8,
			FakeSIRTIterations: 10,
			Thickness:          400,
			Voltage:            300,
			Cs:                 2.7,
			Trimvol:            true,
			Reorient:           ReorientRotate,
		},
		Denoise: Denoise{
			SubtomoSize:     96,
			Epochs:          1000,
			TrainingSamples: 5,
		},
		Monitor: Monitor{
			WarmupCount:    defaultMonitorWarmup,
			DrainedCount:   defaultMonitorDrained,
			PollInterval:   defaultMonitorPoll,
			TimeoutMinutes: defaultMonitorTimeout,
		},
		Pipeline: Pipeline{
			SettleSeconds:     defaultSettleSeconds,
			RescanInterval:    defaultRescanInterval,
			HeartbeatInterval: defaultHeartbeatInterval,
			HeartbeatTimeout:  defaultHeartbeatTimeout,
		},
		Notifications: Notifications{
			RequestTimeout:     10,
			Runs:               true,
			Stages:             true,
			Datasets:           true,
			Errors:             true,
			DedupWindowSeconds: defaultNotifyDedupWindow,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
