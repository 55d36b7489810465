package halftomo

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stagehand/internal/config"
	"stagehand/internal/stageexec"
)

type stubExecutor struct {
	commands []stageexec.Command
	onRun    func(cmd stageexec.Command)
	err      error
}

func (s *stubExecutor) Run(ctx context.Context, cmd stageexec.Command, onLine func(string)) error {
	s.commands = append(s.commands, cmd)
	if s.onRun != nil {
		s.onRun(cmd)
	}
	return s.err
}

func writeMRC(t *testing.T, path string, nx, ny, nz int32) {
	t.Helper()
	buf := make([]byte, 1024)
	order := binary.LittleEndian
	order.PutUint32(buf[0:4], uint32(nx))
	order.PutUint32(buf[4:8], uint32(ny))
	order.PutUint32(buf[8:12], uint32(nz))
	order.PutUint32(buf[28:32], uint32(nx))
	order.PutUint32(buf[32:36], uint32(ny))
	order.PutUint32(buf[36:40], uint32(nz))
	order.PutUint32(buf[40:44], math.Float32bits(float32(nx)*2.7))
	order.PutUint32(buf[44:48], math.Float32bits(float32(ny)*2.7))
	order.PutUint32(buf[48:52], math.Float32bits(float32(nz)*2.7))
	buf[212] = 0x44
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestIncludeLists(t *testing.T) {
	tests := []struct {
		n     int
		evens string
		odds  string
	}{
		{0, "", ""},
		{1, "1", ""},
		{5, "1,3,5", "2,4"},
		{6, "1,3,5", "2,4,6"},
	}
	for _, tt := range tests {
		evens, odds := IncludeLists(tt.n)
		if evens != tt.evens || odds != tt.odds {
			t.Errorf("IncludeLists(%d) = %q, %q; want %q, %q", tt.n, evens, odds, tt.evens, tt.odds)
		}
	}
}

func TestUnitName(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "lamella3_full_rec.mrc"))
	touch(t, filepath.Join(dir, "lamella3_rec.mrc"))
	touch(t, filepath.Join(dir, "lamella3.mrc"))

	name, err := UnitName(dir)
	if err != nil {
		t.Fatalf("UnitName: %v", err)
	}
	if name != "lamella3" {
		t.Errorf("name = %q, want lamella3", name)
	}

	if _, err := UnitName(t.TempDir()); err == nil {
		t.Error("expected error for directory without a tomogram")
	}
}

func TestCheckMetadata(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  MetadataState
	}{
		{"nothing", nil, MetadataMissing},
		{"no angle files", []string{"u.xf", "u_ali.mrc"}, MetadataMissing},
		{"aligned stack present", []string{"u_ali.mrc", "u.tlt", "u.xtilt"}, MetadataReady},
		{"transforms only", []string{"u.xf", "u.tlt", "u.xtilt"}, MetadataNeedsNewstack},
		{"angles without transforms", []string{"u.tlt", "u.xtilt"}, MetadataMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, f := range tt.files {
				touch(t, filepath.Join(dir, f))
			}
			if got := CheckMetadata(dir, "u"); got != tt.want {
				t.Errorf("CheckMetadata = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBuildNewstCom(t *testing.T) {
	com := BuildNewstCom("lamella3", 6)
	for _, want := range []string{
		"$newstack -StandardInput",
		"InputFile\tlamella3.mrc",
		"OutputFile\tlamella3_ali.mrc",
		"TransformFile\tlamella3.xf",
		"BinByFactor\t6",
	} {
		if !strings.Contains(com, want) {
			t.Errorf("newst com missing %q:\n%s", want, com)
		}
	}
}

func TestBuildTiltComFreshTemplate(t *testing.T) {
	section := config.Reconstruction{
		Method:             config.ReconMethodFakeSIRT,
		FakeSIRTIterations: 10,
		Binning:            6,
	}
	com := BuildTiltCom(section, TiltFacts{
		Name:      "lamella3",
		Thickness: 1200,
		FullX:     4096,
		FullY:     4096,
		Include:   "INCLUDE 1,3,5",
		Output:    "lamella3_full_rec_evens.mrc",
	})
	for _, want := range []string{
		"FakeSIRTiterations\t10",
		"InputProjections lamella3_ali.mrc",
		"OutputFile\tlamella3_full_rec_evens.mrc",
		"IMAGEBINNED\t6",
		"TILTFILE lamella3.tlt",
		"XTILTFILE lamella3.xtilt",
		"THICKNESS\t1200",
		"FULLIMAGE\t4096 4096",
		"INCLUDE 1,3,5",
	} {
		if !strings.Contains(com, want) {
			t.Errorf("tilt com missing %q:\n%s", want, com)
		}
	}
	if !strings.Contains(com, "$if (-e ./savework)") {
		t.Error("tilt com missing savework trailer")
	}
}

func TestBuildTiltComOmitsIterationsForBackprojection(t *testing.T) {
	section := config.Reconstruction{Method: config.ReconMethodBackprojection, Binning: 4}
	com := BuildTiltCom(section, TiltFacts{Name: "u", Output: "u_full_rec_odds.mrc"})
	if strings.Contains(com, "FakeSIRTiterations") {
		t.Errorf("backprojection com carries iteration directive:\n%s", com)
	}
}

func TestRewriteTiltCom(t *testing.T) {
	src := strings.Join([]string{
		"$setenv IMOD_OUTPUT_FORMAT MRC",
		"$tilt -StandardInput",
		"InputProjections old_ali.mrc",
		"OutputFile\told_rec.mrc",
		"IMAGEBINNED\t2",
		"TILTFILE old.tlt",
		"XTILTFILE old.xtilt",
		"UseGPU\t1",
		"LOG\t0.0",
		"$if (-e ./savework) ./savework",
	}, "\n") + "\n"

	section := config.Reconstruction{Binning: 6}
	out := RewriteTiltCom(src, section, TiltFacts{
		Name:    "lamella3",
		GPU:     0,
		Include: "INCLUDE 2,4,6",
		Output:  "lamella3_full_rec_odds.mrc",
	})

	for _, want := range []string{
		"InputProjections lamella3_ali.mrc",
		"OutputFile\tlamella3_full_rec_odds.mrc",
		"IMAGEBINNED\t6",
		"TILTFILE lamella3.tlt",
		"XTILTFILE lamella3.xtilt",
		"UseGPU\t0",
		"LOG\t0.0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rewritten com missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "old") {
		t.Errorf("rewritten com retains old unit references:\n%s", out)
	}

	// INCLUDE goes in before the savework trailer so the runner reads it.
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if lines[len(lines)-1] != "$if (-e ./savework) ./savework" {
		t.Errorf("last line = %q, want savework trailer", lines[len(lines)-1])
	}
	if lines[len(lines)-2] != "INCLUDE 2,4,6" {
		t.Errorf("second to last line = %q, want include list", lines[len(lines)-2])
	}
}

func setupUnit(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeMRC(t, filepath.Join(dir, "lamella3.mrc"), 4096, 4096, 5)
	writeMRC(t, filepath.Join(dir, "lamella3_rec.mrc"), 1024, 1024, 300)
	touch(t, filepath.Join(dir, "lamella3_ali.mrc"))
	touch(t, filepath.Join(dir, "lamella3.tlt"))
	touch(t, filepath.Join(dir, "lamella3.xtilt"))
	return dir
}

func TestGenerateProducesHalfsets(t *testing.T) {
	dir := setupUnit(t)

	stub := &stubExecutor{}
	stub.onRun = func(cmd stageexec.Command) {
		// submfg writes the com file's output volume.
		switch cmd.Args[0] {
		case EvensComName:
			touch(t, filepath.Join(dir, "lamella3_full_rec_evens.mrc"))
		case OddsComName:
			touch(t, filepath.Join(dir, "lamella3_full_rec_odds.mrc"))
		}
	}

	client, err := New("submfg", "trimvol", config.Reconstruction{Binning: 6}, WithExecutor(stub))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := client.Generate(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(stub.commands) != 2 {
		t.Fatalf("executor invoked %d times, want 2 (evens+odds)", len(stub.commands))
	}
	for _, path := range []string{result.EvensPath, result.OddsPath} {
		if filepath.Dir(path) != filepath.Join(dir, HalfsetsDir) {
			t.Errorf("halfset %s not under %s", path, HalfsetsDir)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("halfset missing: %v", err)
		}
	}

	evensCom, err := os.ReadFile(filepath.Join(dir, EvensComName))
	if err != nil {
		t.Fatalf("read evens com: %v", err)
	}
	if !strings.Contains(string(evensCom), "INCLUDE 1,3,5") {
		t.Errorf("evens com missing include list:\n%s", evensCom)
	}
	oddsCom, err := os.ReadFile(filepath.Join(dir, OddsComName))
	if err != nil {
		t.Fatalf("read odds com: %v", err)
	}
	if !strings.Contains(string(oddsCom), "INCLUDE 2,4") {
		t.Errorf("odds com missing include list:\n%s", oddsCom)
	}
	// Binned tomogram is 1024 wide against a 4096 stack, 300 slices deep.
	if !strings.Contains(string(evensCom), "THICKNESS\t1200") {
		t.Errorf("evens com missing derived thickness:\n%s", evensCom)
	}
}

func TestGenerateRebuildsAlignedStack(t *testing.T) {
	dir := setupUnit(t)
	if err := os.Remove(filepath.Join(dir, "lamella3_ali.mrc")); err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(dir, "lamella3.xf"))

	stub := &stubExecutor{}
	stub.onRun = func(cmd stageexec.Command) {
		switch cmd.Args[0] {
		case NewstComName:
			touch(t, filepath.Join(dir, "lamella3_ali.mrc"))
		case EvensComName:
			touch(t, filepath.Join(dir, "lamella3_full_rec_evens.mrc"))
		case OddsComName:
			touch(t, filepath.Join(dir, "lamella3_full_rec_odds.mrc"))
		}
	}

	client, err := New("submfg", "trimvol", config.Reconstruction{Binning: 6}, WithExecutor(stub))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := client.Generate(context.Background(), dir, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(stub.commands) != 3 {
		t.Fatalf("executor invoked %d times, want 3 (newst+evens+odds)", len(stub.commands))
	}
	if stub.commands[0].Args[0] != NewstComName {
		t.Errorf("first command = %v, want %s", stub.commands[0].Args, NewstComName)
	}
}

func TestGenerateReorientsWithTrimvol(t *testing.T) {
	dir := setupUnit(t)

	stub := &stubExecutor{}
	stub.onRun = func(cmd stageexec.Command) {
		switch cmd.Binary {
		case "submfg":
			switch cmd.Args[0] {
			case EvensComName:
				touch(t, filepath.Join(dir, "lamella3_full_rec_evens.mrc"))
			case OddsComName:
				touch(t, filepath.Join(dir, "lamella3_full_rec_odds.mrc"))
			}
		case "trimvol":
			touch(t, filepath.Join(dir, cmd.Args[2]))
		}
	}

	section := config.Reconstruction{Binning: 6, Reorient: config.ReorientRotate}
	client, err := New("submfg", "trimvol", section, WithExecutor(stub))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := client.Generate(context.Background(), dir, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var trimvolArgs [][]string
	for _, cmd := range stub.commands {
		if cmd.Binary == "trimvol" {
			trimvolArgs = append(trimvolArgs, cmd.Args)
		}
	}
	if len(trimvolArgs) != 2 {
		t.Fatalf("trimvol invoked %d times, want 2", len(trimvolArgs))
	}
	if trimvolArgs[0][0] != "-rx" {
		t.Errorf("trimvol flag = %q, want -rx", trimvolArgs[0][0])
	}
}

func TestGenerateSkipsInsufficientMetadata(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "lamella3_rec.mrc"))

	client, err := New("submfg", "trimvol", config.Reconstruction{}, WithExecutor(&stubExecutor{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := client.Generate(context.Background(), dir, nil); !errors.Is(err, ErrInsufficientMetadata) {
		t.Errorf("err = %v, want ErrInsufficientMetadata", err)
	}
}

func TestGeneratePropagatesWorkerFailure(t *testing.T) {
	dir := setupUnit(t)
	wantErr := errors.New("exit status 1")

	client, err := New("submfg", "trimvol", config.Reconstruction{Binning: 6},
		WithExecutor(&stubExecutor{err: wantErr}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := client.Generate(context.Background(), dir, nil); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}
