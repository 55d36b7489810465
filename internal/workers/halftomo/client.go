package halftomo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"stagehand/internal/config"
	"stagehand/internal/stageexec"
)

// Result reports where the finished halfset volumes ended up.
type Result struct {
	Name      string
	EvensPath string
	OddsPath  string
}

// Client generates the even/odd half tomograms for one unit directory.
type Client struct {
	comRunner string
	trimvol   string
	section   config.Reconstruction
	exec      stageexec.Executor
}

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec stageexec.Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// New constructs a halfset client. comRunner names the com-file runner and
// trimvolBinary the volume-reorientation program.
func New(comRunner, trimvolBinary string, section config.Reconstruction, opts ...Option) (*Client, error) {
	comRunner = strings.TrimSpace(comRunner)
	if comRunner == "" {
		return nil, errors.New("com runner binary required")
	}
	trimvolBinary = strings.TrimSpace(trimvolBinary)
	if trimvolBinary == "" {
		return nil, errors.New("trimvol binary required")
	}
	client := &Client{
		comRunner: comRunner,
		trimvol:   trimvolBinary,
		section:   section,
		exec:      stageexec.CommandExecutor{},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Generate builds the halfset com files for the unit in dir, runs them, and
// relocates the finished volumes into the halfsets subdirectory. Units with
// incomplete alignment metadata fail with ErrInsufficientMetadata so the
// caller can skip them without aborting the stage.
func (c *Client) Generate(ctx context.Context, dir string, onLine func(string)) (*Result, error) {
	name, err := UnitName(dir)
	if err != nil {
		return nil, err
	}

	state := CheckMetadata(dir, name)
	if state == MetadataMissing {
		return nil, fmt.Errorf("unit %s: %w", name, ErrInsufficientMetadata)
	}

	sections, fullX, fullY, thickness, err := Geometry(dir, name)
	if err != nil {
		return nil, err
	}
	evensInclude, oddsInclude := IncludeLists(sections)

	if state == MetadataNeedsNewstack {
		newstCom := filepath.Join(dir, NewstComName)
		if err := os.WriteFile(newstCom, []byte(BuildNewstCom(name, c.section.Binning)), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", NewstComName, err)
		}
		if err := c.runCom(ctx, dir, NewstComName, onLine); err != nil {
			return nil, fmt.Errorf("rebuild aligned stack: %w", err)
		}
	}

	halves := []struct {
		comName string
		include string
		full    string
		final   string
	}{
		{EvensComName, "INCLUDE " + evensInclude, name + "_full_rec_evens.mrc", name + "_rec_evens.mrc"},
		{OddsComName, "INCLUDE " + oddsInclude, name + "_full_rec_odds.mrc", name + "_rec_odds.mrc"},
	}

	tiltSrc, tiltErr := os.ReadFile(filepath.Join(dir, TiltComName))
	for _, half := range halves {
		facts := TiltFacts{
			Name:      name,
			Thickness: thickness,
			FullX:     fullX,
			FullY:     fullY,
			Include:   half.include,
			Output:    half.full,
		}
		var com string
		if tiltErr == nil {
			com = RewriteTiltCom(string(tiltSrc), c.section, facts)
		} else {
			com = BuildTiltCom(c.section, facts)
		}
		if err := os.WriteFile(filepath.Join(dir, half.comName), []byte(com), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", half.comName, err)
		}
	}

	for _, half := range halves {
		if err := c.runCom(ctx, dir, half.comName, onLine); err != nil {
			return nil, fmt.Errorf("halfset reconstruction %s: %w", half.comName, err)
		}
	}

	for _, half := range halves {
		if err := c.reorient(ctx, dir, half.full, half.final, onLine); err != nil {
			return nil, err
		}
	}

	halfsets := filepath.Join(dir, HalfsetsDir)
	if err := os.MkdirAll(halfsets, 0o755); err != nil {
		return nil, fmt.Errorf("create halfsets dir: %w", err)
	}
	result := &Result{Name: name}
	for i, half := range halves {
		dst := filepath.Join(halfsets, half.final)
		if err := os.Rename(filepath.Join(dir, half.final), dst); err != nil {
			return nil, fmt.Errorf("relocate halfset %s: %w", half.final, err)
		}
		if i == 0 {
			result.EvensPath = dst
		} else {
			result.OddsPath = dst
		}
	}
	return result, nil
}

func (c *Client) runCom(ctx context.Context, dir, comName string, onLine func(string)) error {
	output, err := stageexec.RunCapture(ctx, c.exec, stageexec.Command{
		Binary: c.comRunner,
		Args:   []string{comName},
		Dir:    dir,
	}, onLine)
	if err != nil {
		return err
	}
	if strings.Contains(output, "ERROR") {
		return fmt.Errorf("%s reported an error; inspect %s", comName, dir)
	}
	return nil
}

// reorient applies the configured trimvol reorientation to a full halfset
// volume. With reorientation disabled the full volume is kept as the final
// output under the final name.
func (c *Client) reorient(ctx context.Context, dir, full, final string, onLine func(string)) error {
	flag := ""
	switch c.section.Reorient {
	case config.ReorientRotate:
		flag = "-rx"
	case config.ReorientFlip:
		flag = "-yz"
	default:
		if err := os.Rename(filepath.Join(dir, full), filepath.Join(dir, final)); err != nil {
			return fmt.Errorf("rename halfset %s: %w", full, err)
		}
		return nil
	}

	output, err := stageexec.RunCapture(ctx, c.exec, stageexec.Command{
		Binary: c.trimvol,
		Args:   []string{flag, full, final},
		Dir:    dir,
	}, onLine)
	if err != nil {
		return fmt.Errorf("reorient halfset %s: %w", full, err)
	}
	if strings.Contains(output, "ERROR") {
		return fmt.Errorf("reorient halfset %s reported an error", full)
	}
	return nil
}
