package procmon

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"stagehand/internal/logging"
)

const reapGrace = 3 * time.Second

// Reap terminates leftover worker processes from a prior aborted run so at
// most one active watcher exists per stage. Matching processes get SIGTERM,
// a grace period, then SIGKILL for any survivor. Returns the number of
// processes signalled.
func Reap(ctx context.Context, logger *slog.Logger, patterns ...string) (int, error) {
	logger = logging.NewComponentLogger(logger, "procmon")

	seen := map[int]string{}
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		pids, err := FindPIDs(pattern)
		if err != nil {
			return 0, err
		}
		for _, pid := range pids {
			seen[pid] = pattern
		}
	}
	if len(seen) == 0 {
		return 0, nil
	}

	for pid, pattern := range seen {
		logger.Warn("terminating stale worker from prior run",
			logging.Int("pid", pid),
			logging.String("pattern", pattern),
		)
		if err := unix.Kill(pid, unix.SIGTERM); err != nil {
			delete(seen, pid)
		}
	}

	select {
	case <-ctx.Done():
		return len(seen), ctx.Err()
	case <-time.After(reapGrace):
	}

	for pid := range seen {
		if alive(pid) {
			logger.Warn("stale worker survived SIGTERM; killing", logging.Int("pid", pid))
			_ = unix.Kill(pid, unix.SIGKILL)
		}
	}
	return len(seen), nil
}

// alive probes a pid with signal 0.
func alive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
