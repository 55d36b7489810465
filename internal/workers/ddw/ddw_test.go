package ddw

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"stagehand/internal/config"
	"stagehand/internal/testsupport"
)

func writeHalfsets(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, name := range names {
		dir := filepath.Join(root, name, "halfsets")
		testsupport.WriteFile(t, filepath.Join(dir, name+"_rec_evens.mrc"), 8)
		testsupport.WriteFile(t, filepath.Join(dir, name+"_rec_odds.mrc"), 8)
	}
}

func TestLocateHalfsetsPairsByName(t *testing.T) {
	root := t.TempDir()
	writeHalfsets(t, root, "lamella1", "lamella2", "lamella3")

	// Intermediates and unpaired volumes are skipped.
	testsupport.WriteFile(t, filepath.Join(root, "lamella1", "halfsets", "lamella1_full_rec_evens.mrc"), 8)
	testsupport.WriteFile(t, filepath.Join(root, "orphan", "halfsets", "orphan_rec_evens.mrc"), 8)

	pairs, err := LocateHalfsets(root)
	if err != nil {
		t.Fatalf("LocateHalfsets: %v", err)
	}
	if len(pairs) != 3 {
		t.Fatalf("found %d pairs, want 3: %+v", len(pairs), pairs)
	}
	for i, want := range []string{"lamella1", "lamella2", "lamella3"} {
		if pairs[i].Name != want {
			t.Errorf("pairs[%d].Name = %q, want %q", i, pairs[i].Name, want)
		}
		if pairs[i].Evens == "" || pairs[i].Odds == "" {
			t.Errorf("pair %s incomplete: %+v", want, pairs[i])
		}
	}
}

func TestLocateHalfsetsEmpty(t *testing.T) {
	if _, err := LocateHalfsets(t.TempDir()); err == nil {
		t.Error("expected error when no halfsets exist")
	}
}

func TestSampleTraining(t *testing.T) {
	root := t.TempDir()
	writeHalfsets(t, root, "a", "b", "c", "d", "e")
	pairs, err := LocateHalfsets(root)
	if err != nil {
		t.Fatalf("LocateHalfsets: %v", err)
	}

	rng := rand.New(rand.NewSource(1))
	sampled := SampleTraining(rng, pairs, 3)
	if len(sampled) != 3 {
		t.Fatalf("sampled %d pairs, want 3", len(sampled))
	}
	seen := map[string]bool{}
	for _, pair := range sampled {
		if seen[pair.Name] {
			t.Errorf("pair %s sampled twice", pair.Name)
		}
		seen[pair.Name] = true
	}

	all := SampleTraining(rng, pairs, 10)
	if len(all) != len(pairs) {
		t.Errorf("oversized sample returned %d pairs, want all %d", len(all), len(pairs))
	}
}

func TestFitConfigRoundTrip(t *testing.T) {
	root := t.TempDir()
	writeHalfsets(t, root, "lamella1", "lamella2")
	pairs, err := LocateHalfsets(root)
	if err != nil {
		t.Fatalf("LocateHalfsets: %v", err)
	}

	section := config.Denoise{SubtomoSize: 96, Epochs: 1000, TrainingSamples: 5}
	cfg := BuildFitConfig(root, section, pairs)

	path := filepath.Join(root, FitConfigName)
	if err := cfg.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var got TrainerConfig
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if got.Shared.ProjectDir != filepath.Join(root, ProjectDirName) {
		t.Errorf("project_dir = %q", got.Shared.ProjectDir)
	}
	if got.Shared.SubtomoSize != 96 {
		t.Errorf("subtomo_size = %d, want 96", got.Shared.SubtomoSize)
	}
	if got.FitModel.NumEpochs != 1000 {
		t.Errorf("num_epochs = %d, want 1000", got.FitModel.NumEpochs)
	}
	if len(got.Shared.Tomo0Files) != 2 || len(got.Shared.Tomo1Files) != 2 {
		t.Fatalf("halfset lists = %d/%d, want 2/2", len(got.Shared.Tomo0Files), len(got.Shared.Tomo1Files))
	}
	for i := range got.Shared.Tomo0Files {
		if got.Shared.Tomo0Files[i] != pairs[i].Evens {
			t.Errorf("tomo0_files[%d] = %q, want %q", i, got.Shared.Tomo0Files[i], pairs[i].Evens)
		}
		if got.Shared.Tomo1Files[i] != pairs[i].Odds {
			t.Errorf("tomo1_files[%d] = %q, want %q", i, got.Shared.Tomo1Files[i], pairs[i].Odds)
		}
	}
}

func TestRefineConfigCarriesCheckpoint(t *testing.T) {
	root := t.TempDir()
	writeHalfsets(t, root, "lamella1")
	pairs, err := LocateHalfsets(root)
	if err != nil {
		t.Fatalf("LocateHalfsets: %v", err)
	}

	cfg := BuildRefineConfig(root, config.Denoise{SubtomoSize: 96, Epochs: 100}, pairs, "/models/epoch=99.ckpt")
	if cfg.RefineTomogram.ModelCheckpointFile != "/models/epoch=99.ckpt" {
		t.Errorf("checkpoint = %q", cfg.RefineTomogram.ModelCheckpointFile)
	}
	if cfg.RefineTomogram.SubtomoOverlap != 32 {
		t.Errorf("subtomo_overlap = %d, want 32", cfg.RefineTomogram.SubtomoOverlap)
	}
}
