package procmon

import (
	"context"
	"errors"
	"testing"
	"time"

	"stagehand/internal/logging"
	"stagehand/internal/services"
)

type traceCounter struct {
	trace []int
	idx   int
}

func (c *traceCounter) Count(context.Context) (int, error) {
	if c.idx < len(c.trace) {
		v := c.trace[c.idx]
		c.idx++
		return v, nil
	}
	if len(c.trace) == 0 {
		return 0, nil
	}
	return c.trace[len(c.trace)-1], nil
}

func newTestMonitor(t *testing.T, counter Counter, timeout time.Duration) *Monitor {
	t.Helper()
	monitor, err := NewMonitor(counter, 2, 1, time.Millisecond, timeout, logging.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	return monitor
}

func TestMonitorSignalsAfterRiseAndFall(t *testing.T) {
	counter := &traceCounter{trace: []int{0, 1, 3, 4, 2, 1}}
	monitor := newTestMonitor(t, counter, time.Second)

	if err := monitor.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if monitor.State() != StateDrained {
		t.Errorf("state = %s, want %s", monitor.State(), StateDrained)
	}
	// The trace fell to <= drained only after first reaching the warm-up
	// threshold; all six samples must have been consumed.
	if counter.idx != len(counter.trace) {
		t.Errorf("consumed %d samples, want %d", counter.idx, len(counter.trace))
	}
}

func TestMonitorIgnoresLowCountBeforeWarmup(t *testing.T) {
	// Low counts before the burst must not read as drained.
	counter := &traceCounter{trace: []int{0, 0, 1, 0, 2, 2, 0}}
	monitor := newTestMonitor(t, counter, time.Second)

	if err := monitor.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if counter.idx != len(counter.trace) {
		t.Errorf("drained after %d samples, want %d (signalled before warm-up)", counter.idx, len(counter.trace))
	}
}

func TestMonitorSignalsExactlyOnce(t *testing.T) {
	monitor := newTestMonitor(t, &traceCounter{trace: []int{3, 0}}, time.Second)
	if err := monitor.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if err := monitor.Wait(context.Background()); err == nil {
		t.Fatal("second Wait succeeded; drain must signal exactly once")
	}
}

func TestMonitorTimesOutWhenBurstTooSmall(t *testing.T) {
	// A burst below the warm-up threshold never activates the monitor.
	monitor := newTestMonitor(t, &traceCounter{trace: []int{1, 1, 0}}, 20*time.Millisecond)

	err := monitor.Wait(context.Background())
	if !errors.Is(err, services.ErrCompletionTimeout) {
		t.Fatalf("err = %v, want completion timeout", err)
	}
	if monitor.State() != StateNotStarted {
		t.Errorf("state = %s, want %s", monitor.State(), StateNotStarted)
	}
}

func TestMonitorCancellation(t *testing.T) {
	monitor := newTestMonitor(t, &traceCounter{trace: []int{5, 5}}, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := monitor.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNewMonitorRejectsBadThresholds(t *testing.T) {
	if _, err := NewMonitor(&traceCounter{}, 1, 1, time.Second, 0, logging.NewNop()); err == nil {
		t.Error("expected error when warm-up does not exceed drained")
	}
	if _, err := NewMonitor(&traceCounter{}, 2, 1, 0, 0, logging.NewNop()); err == nil {
		t.Error("expected error for non-positive interval")
	}
	if _, err := NewMonitor(nil, 2, 1, time.Second, 0, logging.NewNop()); err == nil {
		t.Error("expected error for nil counter")
	}
}
