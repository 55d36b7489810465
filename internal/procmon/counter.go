package procmon

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Counter samples the number of live processes belonging to a stage. The
// default implementation reads the process table; tests substitute traces.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// ProcCounter counts live processes whose command name or command line
// contains Pattern. The monitor's own process is never counted.
type ProcCounter struct {
	Pattern string
}

// Count samples /proc once.
func (c *ProcCounter) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pids, err := listPIDs()
	if err != nil {
		return 0, err
	}
	self := os.Getpid()
	count := 0
	for _, pid := range pids {
		if pid == self {
			continue
		}
		if processMatches(pid, c.Pattern) {
			count++
		}
	}
	return count, nil
}

// FindPIDs returns every live process id matching pattern, excluding the
// calling process. Used by the reaper.
func FindPIDs(pattern string) ([]int, error) {
	pids, err := listPIDs()
	if err != nil {
		return nil, err
	}
	self := os.Getpid()
	var matched []int
	for _, pid := range pids {
		if pid == self {
			continue
		}
		if processMatches(pid, pattern) {
			matched = append(matched, pid)
		}
	}
	return matched, nil
}

func listPIDs() ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	pids := make([]int, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// processMatches checks the short command name first and falls back to the
// full command line, so both "batchruntomo" and interpreter-wrapped workers
// are found. Processes that vanish mid-check simply do not match.
func processMatches(pid int, pattern string) bool {
	if pattern == "" {
		return false
	}
	base := filepath.Join("/proc", strconv.Itoa(pid))

	if comm, err := os.ReadFile(filepath.Join(base, "comm")); err == nil {
		if strings.Contains(strings.TrimSpace(string(comm)), pattern) {
			return true
		}
	}
	cmdline, err := os.ReadFile(filepath.Join(base, "cmdline"))
	if err != nil {
		return false
	}
	return strings.Contains(strings.ReplaceAll(string(cmdline), "\x00", " "), pattern)
}
