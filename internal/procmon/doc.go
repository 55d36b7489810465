// Package procmon infers stage completion from the live process table. The
// external reconstruction watcher spawns short-lived worker processes per
// tilt series and emits no completion event, so the only drain signal is the
// count of matching processes falling back to idle after having risen. The
// package also provides the stale-worker reaper that clears leftover watcher
// processes from an aborted run before a new run launches.
package procmon
