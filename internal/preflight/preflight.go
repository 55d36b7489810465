package preflight

import (
	"stagehand/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
// Binaries are only required when the stage that invokes them can run.
func RunAll(cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data root", cfg.Paths.DataRoot),
		CheckDirectoryAccess("Archive root", cfg.Paths.ArchiveRoot),
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}

	if !cfg.Pipeline.SkipCorrection {
		results = append(results, CheckBinary("Motion correction", cfg.CorrectionBinary(),
			"invoked per tilt series by the correction watcher"))
	}
	results = append(results, CheckBinary("Reconstruction", cfg.ReconstructionBinary(),
		"referenced from the reconstruction directive files"))
	results = append(results, CheckBinary("Com runner", cfg.SubmfgBinary(),
		"runs the reconstruction com files"))
	if cfg.Reconstruction.Mode == config.ReconModeExternal {
		results = append(results, CheckBinary("Series watcher", cfg.SerieswatcherBinary(),
			"long-lived worker for external reconstruction mode"))
	}
	if cfg.Denoise.Enabled {
		results = append(results, CheckBinary("Trimvol", cfg.TrimvolBinary(),
			"reorients halfset volumes for denoising prep"))
	}

	return results
}

// Failed returns the subset of results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, result := range results {
		if !result.Passed {
			failed = append(failed, result)
		}
	}
	return failed
}
