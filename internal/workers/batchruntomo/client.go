package batchruntomo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stagehand/internal/config"
	"stagehand/internal/stageexec"
)

// Client drives reconstruction for one run. Internal mode executes the com
// runner per tilt series and waits for it; external mode hands the
// directives to the long-lived series watcher.
type Client struct {
	binary        string
	comRunner     string
	watcherBinary string
	section       config.Reconstruction
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

// New constructs a reconstruction client. binary names the reconstruction
// program referenced from the com file, comRunner the com-file runner, and
// watcherBinary the external series watcher.
func New(binary, comRunner, watcherBinary string, section config.Reconstruction, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("reconstruction binary required")
	}
	comRunner = strings.TrimSpace(comRunner)
	if comRunner == "" {
		return nil, errors.New("com runner binary required")
	}
	client := &Client{
		binary:        binary,
		comRunner:     comRunner,
		watcherBinary: strings.TrimSpace(watcherBinary),
		section:       section,
		exec:          stageexec.CommandExecutor{},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Reconstruct writes the unit's directive files and runs the worker to
// completion. The unit directory must already contain the aligned stack and
// its sidecar.
func (c *Client) Reconstruct(ctx context.Context, facts Facts, onLine func(string)) error {
	comPath, _, err := WriteDirectives(c.binary, c.section, facts)
	if err != nil {
		return err
	}
	output, err := stageexec.RunCapture(ctx, c.exec, stageexec.Command{
		Binary: c.comRunner,
		Args:   []string{comPath},
		Dir:    facts.OutDir,
	}, onLine)
	if err != nil {
		return fmt.Errorf("reconstruction worker: %w", err)
	}
	if strings.Contains(output, "ERROR") {
		return fmt.Errorf("reconstruction worker reported an error; inspect %s", facts.OutDir)
	}
	return nil
}

// WatchSeries writes directives covering the whole watch directory and runs
// the external series watcher until the context is cancelled. Used when
// reconstruction mode is external.
func (c *Client) WatchSeries(ctx context.Context, facts Facts, onLine func(string)) error {
	if c.watcherBinary == "" {
		return errors.New("series watcher binary required for external mode")
	}
	comPath, adocPath, err := WriteDirectives(c.binary, c.section, facts)
	if err != nil {
		return err
	}
	return c.exec.Run(ctx, stageexec.Command{
		Binary: c.watcherBinary,
		Args:   []string{"-com", comPath, "-adoc", adocPath},
		Dir:    facts.OutDir,
	}, onLine)
}
