// Package stageexec runs stage worker processes. Watchers and one-shot
// stages construct a Command and hand it to an Executor; the real executor
// streams worker output line by line so session logs capture it, while tests
// substitute stubs.
package stageexec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Command describes one worker invocation.
type Command struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
}

// String renders the invocation for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Executor abstracts worker execution for testability.
type Executor interface {
	Run(ctx context.Context, cmd Command, onLine func(string)) error
}

// CommandExecutor executes workers as child processes, forwarding stdout and
// stderr lines to the provided callback.
type CommandExecutor struct{}

func (CommandExecutor) Run(ctx context.Context, command Command, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, command.Binary, command.Args...) //nolint:gosec
	if command.Dir != "" {
		cmd.Dir = command.Dir
	}
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", command.Binary, err)
	}

	var wg sync.WaitGroup
	var scanErr error
	var once sync.Once

	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			forwardLine(onLine, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			once.Do(func() {
				scanErr = err
			})
		}
	}

	wg.Add(2)
	go scan(stdout)
	go scan(stderr)

	wg.Wait()
	if scanErr != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("scan output: %w", scanErr)
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("wait %s: %w", command.Binary, err)
	}
	return nil
}

func forwardLine(onLine func(string), line string) {
	if onLine != nil {
		onLine(line)
		return
	}
	fmt.Fprintln(os.Stderr, line)
}

// RunCapture executes the command while collecting all output lines, for
// workers whose success is reported in their output text rather than their
// exit code.
func RunCapture(ctx context.Context, executor Executor, cmd Command, onLine func(string)) (string, error) {
	var b strings.Builder
	err := executor.Run(ctx, cmd, func(line string) {
		b.WriteString(line)
		b.WriteString("\n")
		if onLine != nil {
			onLine(line)
		}
	})
	return b.String(), err
}
