package procmon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stagehand/internal/config"
	"stagehand/internal/logging"
	"stagehand/internal/services"
)

// State describes where the monitor is in its threshold walk.
type State string

const (
	StateNotStarted State = "not_started"
	StateActive     State = "active"
	StateDrained    State = "drained"
)

// Monitor watches a live process count and reports when a stage's transient
// worker population has drained. The count must first reach the warm-up
// threshold before a low count means anything; until then a low count is
// indistinguishable from "not started yet".
//
// Known limitation: a worker burst that never reaches the warm-up threshold
// (for example a run with a single short-lived unit) keeps the monitor in
// StateNotStarted until the timeout. The thresholds are workload calibrations
// and belong in configuration, not here.
type Monitor struct {
	counter  Counter
	warmup   int
	drained  int
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	state State
}

// NewMonitor builds a monitor over the given counter and thresholds.
func NewMonitor(counter Counter, warmup, drained int, interval, timeout time.Duration, logger *slog.Logger) (*Monitor, error) {
	if counter == nil {
		return nil, fmt.Errorf("monitor requires a process counter")
	}
	if warmup <= drained {
		return nil, fmt.Errorf("monitor warm-up threshold %d must exceed drained threshold %d", warmup, drained)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("monitor poll interval must be positive")
	}
	return &Monitor{
		counter:  counter,
		warmup:   warmup,
		drained:  drained,
		interval: interval,
		timeout:  timeout,
		logger:   logging.NewComponentLogger(logger, "procmon"),
		state:    StateNotStarted,
	}, nil
}

// NewFromConfig builds a monitor counting processes that match the configured
// pattern, defaulting the pattern to the reconstruction binary name.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Monitor, error) {
	pattern := cfg.Monitor.Pattern
	if pattern == "" {
		pattern = cfg.ReconstructionBinary()
	}
	return NewMonitor(
		&ProcCounter{Pattern: pattern},
		cfg.Monitor.WarmupCount,
		cfg.Monitor.DrainedCount,
		time.Duration(cfg.Monitor.PollInterval)*time.Second,
		time.Duration(cfg.Monitor.TimeoutMinutes)*time.Minute,
		logger,
	)
}

// State returns the monitor's last observed state.
func (m *Monitor) State() State {
	return m.state
}

// Wait polls until the worker population warms up and then drains, returning
// nil exactly once when drain is observed. Cancellation returns the context
// error without touching any other state; exceeding the timeout returns a
// completion-timeout error so the caller can skip the gated stage and keep
// the run alive.
func (m *Monitor) Wait(ctx context.Context) error {
	if m.state == StateDrained {
		return services.Wrap(services.ErrCompletionTimeout, "procmon", "wait", "drain already signalled", nil)
	}

	var deadline <-chan time.Time
	if m.timeout > 0 {
		timer := time.NewTimer(m.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		count, err := m.counter.Count(ctx)
		if err != nil {
			m.logger.Warn("process count sample failed", logging.Error(err))
		} else {
			m.observe(count)
			if m.state == StateDrained {
				m.logger.Info("worker population drained",
					logging.Int("count", count),
					logging.Int("drained_threshold", m.drained),
				)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return services.Wrap(services.ErrCompletionTimeout, "procmon", "wait",
				fmt.Sprintf("state %s after %s (warm-up %d, drained %d)", m.state, m.timeout, m.warmup, m.drained), nil)
		case <-ticker.C:
		}
	}
}

func (m *Monitor) observe(count int) {
	switch m.state {
	case StateNotStarted:
		if count >= m.warmup {
			m.state = StateActive
			m.logger.Info("worker population active",
				logging.Int("count", count),
				logging.Int("warmup_threshold", m.warmup),
			)
		}
	case StateActive:
		if count <= m.drained {
			m.state = StateDrained
		}
	}
}
