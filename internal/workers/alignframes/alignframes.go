// Package alignframes wraps the motion-correction worker. One invocation
// consumes a tilt series' dose-fractionated movies, addressed through the
// series' metadata sidecar, and emits a single aligned stack.
package alignframes

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"stagehand/internal/config"
	"stagehand/internal/stageexec"
)

// Client wraps the motion-correction CLI.
type Client struct {
	binary        string
	gpus          int
	binning       int
	doseWeighting bool
	dropMean      float64
	exec          stageexec.Executor
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

// New constructs a motion-correction client from the correction settings.
func New(binary string, section config.Correction, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("correction binary required")
	}
	client := &Client{
		binary:        binary,
		gpus:          section.GPUs,
		binning:       section.Binning,
		doseWeighting: section.DoseWeighting,
		dropMean:      section.DropMean,
		exec:          stageexec.CommandExecutor{},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// BuildArgs constructs the worker argument list for one tilt series. The
// order is fixed so invocations are reproducible across runs.
func (c *Client) BuildArgs(mdocPath, outputPath string) []string {
	args := []string{
		"-mdoc", mdocPath,
		"-output", outputPath,
		"-binning", strconv.Itoa(c.binning),
	}
	if c.gpus > 0 {
		args = append(args, "-gpu", strconv.Itoa(c.gpus))
	}
	if c.doseWeighting {
		args = append(args, "-dose")
	}
	if c.dropMean > 0 {
		args = append(args, "-dropmean", strconv.FormatFloat(c.dropMean, 'g', -1, 64))
	}
	return args
}

// Correct aligns and sums the movies of one tilt series into outputPath.
func (c *Client) Correct(ctx context.Context, mdocPath, outputPath string, onLine func(string)) error {
	if strings.TrimSpace(mdocPath) == "" {
		return errors.New("sidecar path required")
	}
	if strings.TrimSpace(outputPath) == "" {
		return errors.New("output path required")
	}
	return c.exec.Run(ctx, stageexec.Command{
		Binary: c.binary,
		Args:   c.BuildArgs(mdocPath, outputPath),
	}, onLine)
}
