// Package ddw prepares DeepDeWedge training runs. It pairs up the halfset
// volumes produced by the halftomo worker, samples a training subset, and
// renders the fit and refine YAML configuration files the external trainer
// consumes. Running the trainer itself is out of scope; the pipeline only
// prepares and reports.
package ddw

import (
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"stagehand/internal/config"
)

// Config file names written into the denoise working directory.
const (
	FitConfigName    = "fit_config.yaml"
	RefineConfigName = "refine_config.yaml"

	// ProjectDirName is the trainer's working subdirectory.
	ProjectDirName = "DDW"

	evensSuffix = "_rec_evens.mrc"
	oddsSuffix  = "_rec_odds.mrc"
)

// Pair is one unit's even/odd halfset volume pair.
type Pair struct {
	Name  string
	Evens string
	Odds  string
}

// LocateHalfsets walks root for halfset volume pairs. Volumes still carrying
// the full-size marker are intermediates and are skipped, as is any volume
// without a partner.
func LocateHalfsets(root string) ([]Pair, error) {
	pairs := map[string]*Pair{}
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || strings.Contains(entry.Name(), "full") {
			return nil
		}
		switch {
		case strings.HasSuffix(entry.Name(), evensSuffix):
			name := strings.TrimSuffix(entry.Name(), evensSuffix)
			pair := pairs[name]
			if pair == nil {
				pair = &Pair{Name: name}
				pairs[name] = pair
			}
			pair.Evens = path
		case strings.HasSuffix(entry.Name(), oddsSuffix):
			name := strings.TrimSuffix(entry.Name(), oddsSuffix)
			pair := pairs[name]
			if pair == nil {
				pair = &Pair{Name: name}
				pairs[name] = pair
			}
			pair.Odds = path
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("locate halfsets: %w", err)
	}

	var complete []Pair
	for _, pair := range pairs {
		if pair.Evens != "" && pair.Odds != "" {
			complete = append(complete, *pair)
		}
	}
	sort.Slice(complete, func(i, j int) bool { return complete[i].Name < complete[j].Name })
	if len(complete) == 0 {
		return nil, fmt.Errorf("no halfset pairs under %s", root)
	}
	return complete, nil
}

// SampleTraining picks n random pairs for model fitting. With n at or above
// the pair count every pair is used.
func SampleTraining(rng *rand.Rand, pairs []Pair, n int) []Pair {
	if n >= len(pairs) {
		out := make([]Pair, len(pairs))
		copy(out, pairs)
		return out
	}
	idx := rng.Perm(len(pairs))[:n]
	sort.Ints(idx)
	out := make([]Pair, 0, n)
	for _, i := range idx {
		out = append(out, pairs[i])
	}
	return out
}

// TrainerConfig mirrors the YAML layout the trainer reads. Field order is
// fixed so the rendered files diff cleanly between runs.
type TrainerConfig struct {
	Shared         SharedSection      `yaml:"shared"`
	PrepareData    PrepareDataSection `yaml:"prepare_data"`
	FitModel       FitModelSection    `yaml:"fit_model"`
	RefineTomogram RefineSection      `yaml:"refine_tomogram"`
}

type SharedSection struct {
	ProjectDir  string   `yaml:"project_dir"`
	Tomo0Files  []string `yaml:"tomo0_files"`
	Tomo1Files  []string `yaml:"tomo1_files"`
	SubtomoSize int      `yaml:"subtomo_size"`
	MWAngle     int      `yaml:"mw_angle"`
	NumWorkers  int      `yaml:"num_workers"`
	GPU         int      `yaml:"gpu"`
	Seed        int      `yaml:"seed"`
	Overwrite   bool     `yaml:"overwrite"`
}

type PrepareDataSection struct {
	MaskFiles              []string `yaml:"mask_files"`
	MinNonzeroMaskFraction float64  `yaml:"min_nonzero_mask_fraction_in_subtomo"`
	ExtractionStrides      []int    `yaml:"subtomo_extraction_strides"`
	ValFraction            float64  `yaml:"val_fraction"`
}

type FitModelSection struct {
	UnetParams              UnetParams `yaml:"unet_params_dict"`
	AdamParams              AdamParams `yaml:"adam_params_dict"`
	NumEpochs               int        `yaml:"num_epochs"`
	BatchSize               int        `yaml:"batch_size"`
	UpdateMissingWedgeEvery int        `yaml:"update_subtomo_missing_wedges_every_n_epochs"`
	CheckValEvery           int        `yaml:"check_val_every_n_epochs"`
	SaveLowestValLossModels int        `yaml:"save_n_models_with_lowest_val_loss"`
	SaveLowestFitLossModels int        `yaml:"save_n_models_with_lowest_fitting_loss"`
	SaveModelEveryNEpochs   int        `yaml:"save_model_every_n_epochs"`
	Logger                  string     `yaml:"logger"`
}

type UnetParams struct {
	Chans               int     `yaml:"chans"`
	NumDownsampleLayers int     `yaml:"num_downsample_layers"`
	DropProb            float64 `yaml:"drop_prob"`
}

type AdamParams struct {
	LR float64 `yaml:"lr"`
}

type RefineSection struct {
	ModelCheckpointFile string `yaml:"model_checkpoint_file"`
	SubtomoOverlap      int    `yaml:"subtomo_overlap"`
	BatchSize           int    `yaml:"batch_size"`
}

// BuildFitConfig assembles the model-fitting configuration over the sampled
// training pairs. dir is where the trainer runs; its project directory goes
// underneath it.
func BuildFitConfig(dir string, section config.Denoise, pairs []Pair) *TrainerConfig {
	cfg := baseConfig(dir, section, pairs)
	return cfg
}

// BuildRefineConfig assembles the tomogram-refinement configuration over the
// full pair set, pointing at a fitted model checkpoint.
func BuildRefineConfig(dir string, section config.Denoise, pairs []Pair, checkpoint string) *TrainerConfig {
	cfg := baseConfig(dir, section, pairs)
	cfg.RefineTomogram.ModelCheckpointFile = checkpoint
	return cfg
}

func baseConfig(dir string, section config.Denoise, pairs []Pair) *TrainerConfig {
	evens := make([]string, 0, len(pairs))
	odds := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		evens = append(evens, pair.Evens)
		odds = append(odds, pair.Odds)
	}

	return &TrainerConfig{
		Shared: SharedSection{
			ProjectDir:  filepath.Join(dir, ProjectDirName),
			Tomo0Files:  evens,
			Tomo1Files:  odds,
			SubtomoSize: section.SubtomoSize,
			MWAngle:     60,
			NumWorkers:  4,
			GPU:         0,
			Seed:        42,
			Overwrite:   true,
		},
		PrepareData: PrepareDataSection{
			MinNonzeroMaskFraction: 0.3,
			ExtractionStrides:      []int{64, 80, 80},
			ValFraction:            0.2,
		},
		FitModel: FitModelSection{
			UnetParams:              UnetParams{Chans: 64, NumDownsampleLayers: 3, DropProb: 0.0},
			AdamParams:              AdamParams{LR: 0.0004},
			NumEpochs:               section.Epochs,
			BatchSize:               5,
			UpdateMissingWedgeEvery: 10,
			CheckValEvery:           10,
			SaveLowestValLossModels: 5,
			SaveLowestFitLossModels: 5,
			SaveModelEveryNEpochs:   50,
			Logger:                  "csv",
		},
		RefineTomogram: RefineSection{
			SubtomoOverlap: 32,
			BatchSize:      10,
		},
	}
}

// Write renders the configuration to path as YAML.
func (c *TrainerConfig) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal trainer config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write trainer config: %w", err)
	}
	return nil
}
